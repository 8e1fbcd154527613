package notify

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"mqtt-orion-gateway/config"
	"mqtt-orion-gateway/internal/logger"
)

// Channel names on the notification bus. The administrative API publishes
// the topic string on one of these for every catalog change that flips a
// topic's subscription state.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
)

// Event is one administrative notification: a subscription operation and
// the topic it applies to. Op is carried as a string because the bus may
// relay channels this gateway version does not understand; the worker
// stage drops unknown operations.
type Event struct {
	Op    string
	Topic string
}

// Bus delivers administrative notifications to the gateway. Run blocks
// until the context is cancelled, pushing received events onto the
// channel returned by Events. Publish emits an event through the same
// transport, which the administrative API and the end-to-end tests use.
type Bus interface {
	Run(ctx context.Context) error
	Events() <-chan Event
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// New selects the bus backend named by the configuration. The postgres
// backend listens on the catalog's own connection pool; the redis and
// nats backends dial their own connections.
func New(cfg *config.Config, pool *pgxpool.Pool, log *logger.Logger) (Bus, error) {
	switch cfg.Notifier.Backend {
	case "redis":
		return newRedisBus(cfg.Redis.URL, config.Duration(cfg.Notifier.ReceiveTimeout),
			config.Duration(cfg.Postgres.BackoffCeiling), log), nil
	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("postgres notifier requires the catalog pool")
		}
		return newPostgresBus(pool, config.Duration(cfg.Postgres.BackoffCeiling), log), nil
	case "nats":
		return newNATSBus(cfg.Notifier.NATSUrl, log), nil
	default:
		return nil, fmt.Errorf("unknown notifier backend: %s", cfg.Notifier.Backend)
	}
}
