package gateway

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mqtt-orion-gateway/config"
	"mqtt-orion-gateway/internal/logger"
	"mqtt-orion-gateway/internal/metrics"
	"mqtt-orion-gateway/internal/mqtt"
	"mqtt-orion-gateway/internal/notify"
	"mqtt-orion-gateway/internal/queue"
	"mqtt-orion-gateway/internal/stats"
)

// Catalog lists the topics the gateway must be subscribed to.
type Catalog interface {
	ListTopics(ctx context.Context) ([]string, error)
}

// Cache is the per-topic rule cache shared by the workers.
type Cache interface {
	RuleSource
	Purge()
	Len() int
}

// Conn is the MQTT session a leader drives: the control facade plus
// teardown. Inbound publishes flow through the handler given to the
// connect function, never through this interface.
type Conn interface {
	Subscriptions
	Disconnect(ctx context.Context) error
}

// ConnectFunc dials the MQTT broker and routes inbound publishes to the
// handler. Each leader session dials its own connection.
type ConnectFunc func(ctx context.Context, handler mqtt.Handler) (Conn, error)

// Elector grants the gateway leadership. The callback runs while this
// instance holds the lease and is cancelled when the lease is lost.
type Elector interface {
	Run(ctx context.Context, lead func(context.Context) error) error
}

// Deps are the collaborators a Gateway is assembled from. Every field is
// required except Metrics, which may be nil when metrics are disabled.
type Deps struct {
	Catalog       Catalog
	Cache         Cache
	Bus           notify.Bus
	Elector       Elector
	Connect       ConnectFunc
	NewDispatcher func() Dispatcher
	Logger        *logger.Logger
	Metrics       *metrics.Metrics
	Stats         *stats.Collector
}

// Gateway supervises one gateway instance: it competes for leadership
// and, while leading, runs the control listener, the MQTT intake, and
// the worker pool over a shared two-band queue.
type Gateway struct {
	cfg  *config.Config
	deps Deps

	session sessionRef
}

// New assembles a gateway from its collaborators.
func New(cfg *config.Config, deps Deps) *Gateway {
	return &Gateway{cfg: cfg, deps: deps}
}

// Run blocks until the context is cancelled, alternating between the
// follower loop and leader sessions as the lease comes and goes.
func (g *Gateway) Run(ctx context.Context) error {
	return g.deps.Elector.Run(ctx, g.lead)
}

// lead runs one leader session. It dials MQTT, aligns the subscription
// set with the catalog, and then pumps events until the session context
// is cancelled or a collaborator fails. Teardown is deterministic: the
// queue closes first, then the MQTT session disconnects.
func (g *Gateway) lead(ctx context.Context) error {
	// A new leader starts with a cold cache; the previous leader may
	// have missed invalidations after losing the lease.
	g.deps.Cache.Purge()

	q := queue.New(g.cfg.Processing.QueueSize, func(queue.Event) {
		g.deps.Stats.IncDropped()
		g.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncMessagesTotal("dropped")
		})
	})
	pending := newCoalescer()

	conn, err := g.deps.Connect(ctx, func(topic string, payload []byte) {
		g.deps.Stats.IncReceived()
		g.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncMessagesTotal("received")
		})
		q.EnqueueData(queue.DataEvent{Topic: topic, Payload: payload})
	})
	if err != nil {
		return err
	}

	g.session.set(q)
	defer g.session.clear()

	topics, err := g.deps.Catalog.ListTopics(ctx)
	if err != nil {
		g.disconnect(conn)
		return err
	}
	for _, topic := range topics {
		if err := conn.Subscribe(ctx, topic); err != nil {
			g.disconnect(conn)
			return err
		}
	}
	g.deps.Logger.Info("gateway session started",
		"topics", len(topics),
		"workers", g.cfg.Processing.Workers)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return g.deps.Bus.Run(groupCtx)
	})
	group.Go(func() error {
		return g.controlLoop(groupCtx, q, pending)
	})
	for i := 0; i < g.cfg.Processing.Workers; i++ {
		w := &worker{
			id:         i,
			queue:      q,
			pending:    pending,
			rules:      g.deps.Cache,
			control:    conn,
			dispatcher: g.deps.NewDispatcher(),
			logger:     g.deps.Logger,
			metrics:    g.deps.Metrics,
			stats:      g.deps.Stats,
		}
		group.Go(func() error {
			return w.run(groupCtx)
		})
	}
	group.Go(func() error {
		return g.statsLoop(groupCtx)
	})

	err = group.Wait()

	q.Close()
	g.disconnect(conn)
	g.deps.Logger.Info("gateway session ended")
	return err
}

// controlLoop consumes bus events, coalesces bursts per topic, and
// enqueues control events at the high-priority band.
func (g *Gateway) controlLoop(ctx context.Context, q *queue.Queue, pending *coalescer) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-g.deps.Bus.Events():
			if pending.put(ev.Topic, ev.Op) {
				q.EnqueueControl(queue.ControlEvent{Topic: ev.Topic})
				g.deps.Logger.Debug("control event queued",
					"op", ev.Op,
					"topic", ev.Topic)
			} else {
				g.deps.Logger.Debug("control event coalesced",
					"op", ev.Op,
					"topic", ev.Topic)
			}
		}
	}
}

func (g *Gateway) statsLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.deps.Logger.Debug("gateway stats", "stats", g.deps.Stats.Snapshot())
		}
	}
}

// disconnect tears the MQTT session down with its own deadline; the
// session context is usually already cancelled at this point.
func (g *Gateway) disconnect(conn Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Disconnect(ctx); err != nil {
		g.deps.Logger.Warn("mqtt disconnect failed", "error", err)
	}
}

// SampleMetrics reports queue depths and cache size. Registered as a
// metrics collector sampler; safe to call whether or not a session is
// active.
func (g *Gateway) SampleMetrics(m *metrics.Metrics) {
	if m == nil {
		return
	}
	control, data := 0, 0
	if q := g.session.get(); q != nil {
		control, data = q.Depths()
	}
	m.SetQueueDepth("control", float64(control))
	m.SetQueueDepth("data", float64(data))
	m.SetCacheEntries(float64(g.deps.Cache.Len()))
}

func (g *Gateway) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if g.deps.Metrics != nil {
		fn(g.deps.Metrics)
	}
}

// sessionRef tracks the active session's queue for the metrics sampler,
// which runs on its own goroutine across session boundaries.
type sessionRef struct {
	mu sync.Mutex
	q  *queue.Queue
}

func (s *sessionRef) set(q *queue.Queue) {
	s.mu.Lock()
	s.q = q
	s.mu.Unlock()
}

func (s *sessionRef) clear() {
	s.set(nil)
}

func (s *sessionRef) get() *queue.Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q
}
