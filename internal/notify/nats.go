package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"mqtt-orion-gateway/internal/logger"
)

// natsBus consumes the control subjects from a NATS server, for fleets
// that already run NATS for administrative fan-out. The client library
// owns reconnection; the bus only maps messages to events.
type natsBus struct {
	url    string
	logger *logger.Logger

	events chan Event
	conn   *nats.Conn
}

func newNATSBus(url string, log *logger.Logger) *natsBus {
	return &natsBus{
		url:    url,
		logger: log,
		events: make(chan Event, 64),
	}
}

func (b *natsBus) Events() <-chan Event {
	return b.events
}

func (b *natsBus) Run(ctx context.Context) error {
	opts := []nats.Option{
		nats.Name("mqtt-orion-gateway"),
		nats.ReconnectWait(time.Second * 2),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn("nats connection lost", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(b.url, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS server: %w", err)
	}
	b.conn = conn
	defer conn.Close()

	handler := func(msg *nats.Msg) {
		select {
		case b.events <- Event{Op: msg.Subject, Topic: string(msg.Data)}:
		case <-ctx.Done():
		}
	}

	for _, subject := range []string{OpSubscribe, OpUnsubscribe} {
		if _, err := conn.Subscribe(subject, handler); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
	}
	b.logger.Info("listening for administrative notifications",
		"backend", "nats",
		"subjects", []string{OpSubscribe, OpUnsubscribe})

	<-ctx.Done()
	return ctx.Err()
}

// Publish emits an event on the subject matching its operation.
func (b *natsBus) Publish(ctx context.Context, ev Event) error {
	if b.conn == nil {
		return fmt.Errorf("nats bus is not running")
	}
	if err := b.conn.Publish(ev.Op, []byte(ev.Topic)); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return b.conn.FlushWithContext(ctx)
}

func (b *natsBus) Close() error {
	if b.conn != nil {
		b.conn.Close()
	}
	return nil
}
