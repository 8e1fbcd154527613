package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"mqtt-orion-gateway/internal/logger"
	"mqtt-orion-gateway/internal/store"
)

// Postgres notification channels. The administrative API fires these with
// NOTIFY in the same transaction that mutates the devices table.
const (
	channelAdd    = "add_datapoint"
	channelRemove = "remove_datapoint"
)

// postgresBus rides the catalog database's LISTEN/NOTIFY facility, which
// removes the separate bus dependency for deployments that want one
// moving part fewer. A dedicated connection is held off the catalog pool
// for the lifetime of the listen loop.
type postgresBus struct {
	pool           *pgxpool.Pool
	backoffCeiling time.Duration
	logger         *logger.Logger

	events chan Event
}

func newPostgresBus(pool *pgxpool.Pool, backoffCeiling time.Duration, log *logger.Logger) *postgresBus {
	return &postgresBus{
		pool:           pool,
		backoffCeiling: backoffCeiling,
		logger:         log,
		events:         make(chan Event, 64),
	}
}

func (b *postgresBus) Events() <-chan Event {
	return b.events
}

func (b *postgresBus) Run(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		err := b.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := store.NextBackoff(attempt, b.backoffCeiling)
		b.logger.Warn("notification listener lost, reconnecting",
			"error", err,
			"delay", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (b *postgresBus) listen(ctx context.Context) error {
	poolConn, err := b.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	defer poolConn.Release()

	conn := poolConn.Conn()
	for _, channel := range []string{channelAdd, channelRemove} {
		if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
			return fmt.Errorf("failed to listen on %s: %w", channel, err)
		}
	}
	b.logger.Info("listening for administrative notifications",
		"backend", "postgres",
		"channels", []string{channelAdd, channelRemove})

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("notification wait failed: %w", err)
		}

		ev, ok := mapNotification(notification.Channel, notification.Payload)
		if !ok {
			b.logger.Warn("discarding unparsable notification",
				"channel", notification.Channel,
				"payload", notification.Payload)
			continue
		}

		select {
		case b.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// mapNotification converts a Postgres notification into a bus event. The
// administrative API sends the changed row as JSON; a bare topic string
// is accepted too.
func mapNotification(channel, payload string) (Event, bool) {
	var op string
	switch channel {
	case channelAdd:
		op = OpSubscribe
	case channelRemove:
		op = OpUnsubscribe
	default:
		op = channel
	}

	topic := strings.TrimSpace(payload)
	if strings.HasPrefix(topic, "{") {
		var row struct {
			Topic string `json:"topic"`
		}
		if err := json.Unmarshal([]byte(payload), &row); err != nil || row.Topic == "" {
			return Event{}, false
		}
		topic = row.Topic
	}
	if topic == "" {
		return Event{}, false
	}

	return Event{Op: op, Topic: topic}, true
}

// Publish emits a notification through pg_notify on the channel matching
// the event's operation.
func (b *postgresBus) Publish(ctx context.Context, ev Event) error {
	var channel string
	switch ev.Op {
	case OpSubscribe:
		channel = channelAdd
	case OpUnsubscribe:
		channel = channelRemove
	default:
		return fmt.Errorf("unknown notification operation: %s", ev.Op)
	}

	if _, err := b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, ev.Topic); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Close is a no-op; the catalog owns the pool.
func (b *postgresBus) Close() error {
	return nil
}
