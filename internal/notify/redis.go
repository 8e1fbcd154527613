package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gomodule/redigo/redis"

	"mqtt-orion-gateway/internal/logger"
	"mqtt-orion-gateway/internal/store"
)

// redisBus consumes the subscribe and unsubscribe channels over a redigo
// pub/sub connection. Receives use a short timeout so the loop can notice
// cancellation; a timeout is not an error. Lost connections are redialed
// with jittered backoff.
type redisBus struct {
	url            string
	receiveTimeout time.Duration
	backoffCeiling time.Duration
	logger         *logger.Logger

	events chan Event
	pool   *redis.Pool
}

func newRedisBus(url string, receiveTimeout, backoffCeiling time.Duration, log *logger.Logger) *redisBus {
	if receiveTimeout <= 0 {
		receiveTimeout = time.Second
	}
	return &redisBus{
		url:            url,
		receiveTimeout: receiveTimeout,
		backoffCeiling: backoffCeiling,
		logger:         log,
		events:         make(chan Event, 64),
		pool: &redis.Pool{
			MaxIdle:     2,
			IdleTimeout: 240 * time.Second,
			Dial: func() (redis.Conn, error) {
				return redis.DialURL(url)
			},
		},
	}
}

func (b *redisBus) Events() <-chan Event {
	return b.events
}

// Run subscribes and pumps messages until the context is cancelled. Every
// connection failure tears the pub/sub connection down and redials after
// a backoff.
func (b *redisBus) Run(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		err := b.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := store.NextBackoff(attempt, b.backoffCeiling)
		b.logger.Warn("notification bus connection lost, reconnecting",
			"error", err,
			"delay", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (b *redisBus) listen(ctx context.Context) error {
	conn, err := redis.DialURLContext(ctx, b.url)
	if err != nil {
		return fmt.Errorf("failed to dial redis: %w", err)
	}

	psc := redis.PubSubConn{Conn: conn}
	defer psc.Close()

	if err := psc.Subscribe(OpSubscribe, OpUnsubscribe); err != nil {
		return fmt.Errorf("failed to subscribe to control channels: %w", err)
	}
	b.logger.Info("listening for administrative notifications",
		"backend", "redis",
		"channels", []string{OpSubscribe, OpUnsubscribe})

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch msg := psc.ReceiveWithTimeout(b.receiveTimeout).(type) {
		case redis.Message:
			b.deliver(ctx, Event{Op: msg.Channel, Topic: string(msg.Data)})
		case redis.Subscription:
			// Subscription acks carry no payload.
		case error:
			var netErr net.Error
			if errors.As(msg, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("pubsub receive failed: %w", msg)
		}
	}
}

func (b *redisBus) deliver(ctx context.Context, ev Event) {
	select {
	case b.events <- ev:
	case <-ctx.Done():
	}
}

// Publish emits an event on its channel through a pooled connection.
func (b *redisBus) Publish(ctx context.Context, ev Event) error {
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to get redis connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Do("PUBLISH", ev.Op, ev.Topic); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

func (b *redisBus) Close() error {
	return b.pool.Close()
}
