package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"mqtt-orion-gateway/config"
	"mqtt-orion-gateway/internal/logger"
	"mqtt-orion-gateway/internal/metrics"
)

// Handler receives every inbound publish on a subscribed topic. It runs
// on the client's receive goroutine and must hand the message off without
// blocking.
type Handler func(topic string, payload []byte)

// Client is the gateway's MQTT v5 connection. One client serves both
// roles the gateway needs: the listener intake (inbound publishes routed
// to the handler) and the control facade workers use to reconcile
// subscriptions. Subscriptions are session state, so control operations
// must go through the same connection the listener reads from; the
// facade serializes them per topic.
type Client struct {
	cfg     config.MQTTConfig
	qos     byte
	handler Handler
	logger  *logger.Logger
	metrics *metrics.Metrics

	cm *autopaho.ConnectionManager

	mu    sync.Mutex
	subs  map[string]struct{}
	locks map[string]*sync.Mutex

	wasUp atomic.Bool
}

// Connect dials the broker and waits for the initial connection up to
// the configured connect timeout. The manager keeps reconnecting in the
// background afterwards, re-subscribing to the tracked topic set on
// every connection.
func Connect(ctx context.Context, cfg config.MQTTConfig, handler Handler, log *logger.Logger, m *metrics.Metrics) (*Client, error) {
	brokerURL, err := url.Parse(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("invalid broker url: %w", err)
	}

	c := &Client{
		cfg:     cfg,
		qos:     byte(cfg.QoS),
		handler: handler,
		logger:  log,
		metrics: m,
		subs:    make(map[string]struct{}),
		locks:   make(map[string]*sync.Mutex),
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     30,
		CleanStartOnInitialConnection: true,
		ConnectRetryDelay:             config.Duration(cfg.ReconnectDelay),
		ConnectUsername:               cfg.Username,
		ConnectPassword:               []byte(cfg.Password),
		OnConnectionUp:                c.handleConnectionUp,
		OnConnectError: func(err error) {
			c.safeMetricsUpdate(func(m *metrics.Metrics) {
				m.SetMQTTConnectionStatus(false)
			})
			log.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					c.handler(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				log.Warn("mqtt server disconnect", "reasonCode", d.ReasonCode)
			},
		},
	}

	if cfg.TLS.Enable {
		tlsCfg, err := newTLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		pahoCfg.TlsCfg = tlsCfg
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to start mqtt connection: %w", err)
	}
	c.cm = cm

	connectTimeout := config.Duration(cfg.ConnectTimeout)
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		cm.Disconnect(context.Background())
		return nil, fmt.Errorf("mqtt broker unreachable: %w", err)
	}

	return c, nil
}

func (c *Client) handleConnectionUp(cm *autopaho.ConnectionManager, _ *paho.Connack) {
	c.logger.Info("mqtt client connected", "broker", c.cfg.Broker)
	c.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetMQTTConnectionStatus(true)
	})
	if !c.wasUp.CompareAndSwap(false, true) {
		c.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncMQTTReconnects()
		})
	}

	topics := c.Subscriptions()
	if len(topics) == 0 {
		return
	}

	// Clean start wipes the session's subscriptions, so restore the
	// tracked set on every connection.
	subs := make([]paho.SubscribeOptions, 0, len(topics))
	for _, topic := range topics {
		subs = append(subs, paho.SubscribeOptions{Topic: topic, QoS: c.qos})
	}
	if _, err := cm.Subscribe(context.Background(), &paho.Subscribe{Subscriptions: subs}); err != nil {
		c.logger.Error("failed to restore subscriptions after reconnect",
			"topics", topics,
			"error", err)
		return
	}
	c.logger.Info("restored subscriptions", "count", len(topics))
}

// Subscribe adds a topic to the session. Repeated subscribes for the
// same topic are harmless. Calls for the same topic are serialized;
// calls for distinct topics proceed in parallel.
func (c *Client) Subscribe(ctx context.Context, topic string) error {
	lock := c.topicLock(topic)
	lock.Lock()
	defer lock.Unlock()

	_, err := c.cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: c.qos}},
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	c.mu.Lock()
	c.subs[topic] = struct{}{}
	c.mu.Unlock()
	return nil
}

// Unsubscribe removes a topic from the session. Unsubscribing a topic
// that is not subscribed is harmless.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	lock := c.topicLock(topic)
	lock.Lock()
	defer lock.Unlock()

	_, err := c.cm.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{topic}})
	if err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", topic, err)
	}

	c.mu.Lock()
	delete(c.subs, topic)
	c.mu.Unlock()
	return nil
}

// Subscriptions returns the currently tracked topic set.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	return topics
}

// Disconnect cleanly tears the connection down.
func (c *Client) Disconnect(ctx context.Context) error {
	c.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetMQTTConnectionStatus(false)
	})
	return c.cm.Disconnect(ctx)
}

func (c *Client) topicLock(topic string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[topic]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[topic] = lock
	}
	return lock
}

func (c *Client) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if c.metrics != nil {
		fn(c.metrics)
	}
}

func newTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caPool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
