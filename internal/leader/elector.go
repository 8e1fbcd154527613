package leader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
	"golang.org/x/sync/errgroup"

	"mqtt-orion-gateway/config"
	"mqtt-orion-gateway/internal/logger"
	"mqtt-orion-gateway/internal/metrics"
)

// ErrLeaseLost signals that the leadership lease could not be renewed
// or was taken over by another instance.
var ErrLeaseLost = errors.New("leadership lease lost")

// renewScript extends the lease only while this instance still owns it,
// so a lease that expired and was re-acquired elsewhere is never touched.
var renewScript = redis.NewScript(1, `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`)

// releaseScript deletes the lease only while this instance owns it.
var releaseScript = redis.NewScript(1, `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

// Elector runs the leader election loop over a single Redis key. Exactly
// one instance of the fleet holds the lease at a time; only the holder
// runs the gateway session. The lease value is this instance's unique
// ID so renewal and release never race a takeover.
type Elector struct {
	pool       *redis.Pool
	key        string
	instanceID string
	lease      time.Duration
	logger     *logger.Logger
	metrics    *metrics.Metrics
}

// New builds an elector from the leader configuration. instanceID must
// be unique per process; the gateway uses a startup UUID.
func New(redisURL, instanceID string, cfg config.LeaderConfig, log *logger.Logger, m *metrics.Metrics) *Elector {
	return &Elector{
		pool: &redis.Pool{
			MaxIdle:     2,
			IdleTimeout: 240 * time.Second,
			Dial: func() (redis.Conn, error) {
				return redis.DialURL(redisURL)
			},
		},
		key:        cfg.Key,
		instanceID: instanceID,
		lease:      config.Duration(cfg.LeaseDuration),
		logger:     log,
		metrics:    m,
	}
}

// Run elects and re-elects until the context is cancelled. While the
// lease is held, lead runs with a context that is cancelled when
// leadership is lost; the elector waits for lead to return before
// releasing the lease and rejoining the follower loop. Errors from lead
// other than cancellation are logged, never fatal to the loop.
func (e *Elector) Run(ctx context.Context, lead func(context.Context) error) error {
	interval := e.lease / 2

	for {
		acquired, err := e.acquire(ctx)
		if err != nil {
			e.logger.Warn("lease acquisition failed", "key", e.key, "error", err)
		} else if acquired {
			e.logger.Info("acquired leadership lease",
				"key", e.key,
				"lease", e.lease)
			e.safeMetricsUpdate(func(m *metrics.Metrics) {
				m.SetLeaderStatus(true)
			})

			err := e.leadSession(ctx, lead)

			e.safeMetricsUpdate(func(m *metrics.Metrics) {
				m.SetLeaderStatus(false)
			})
			e.release()

			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, ErrLeaseLost):
				e.logger.Warn("leadership lost, rejoining follower loop", "key", e.key)
			case err != nil:
				e.logger.Error("gateway session failed, rejoining follower loop", "error", err)
			}
		} else {
			e.logger.Debug("lease held elsewhere, waiting", "key", e.key)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// leadSession runs lead alongside the renewal loop; whichever fails
// first cancels the other, and leadSession returns once both are done.
func (e *Elector) leadSession(ctx context.Context, lead func(context.Context) error) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return e.renewLoop(groupCtx)
	})
	group.Go(func() error {
		return lead(groupCtx)
	})
	return group.Wait()
}

func (e *Elector) renewLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.lease / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			renewed, err := e.renew(ctx)
			if err != nil {
				return fmt.Errorf("lease renewal failed: %w", ErrLeaseLost)
			}
			if !renewed {
				return ErrLeaseLost
			}
			e.logger.Debug("renewed leadership lease", "key", e.key)
		}
	}
}

func (e *Elector) acquire(ctx context.Context) (bool, error) {
	conn, err := e.pool.GetContext(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get redis connection: %w", err)
	}
	defer conn.Close()

	reply, err := redis.String(conn.Do("SET", e.key, e.instanceID,
		"PX", e.lease.Milliseconds(), "NX"))
	if err != nil {
		if errors.Is(err, redis.ErrNil) {
			return false, nil
		}
		return false, err
	}
	return reply == "OK", nil
}

func (e *Elector) renew(ctx context.Context) (bool, error) {
	conn, err := e.pool.GetContext(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	extended, err := redis.Int(renewScript.Do(conn, e.key, e.instanceID, e.lease.Milliseconds()))
	if err != nil {
		return false, err
	}
	return extended == 1, nil
}

// release drops the lease best-effort so a clean shutdown hands over
// immediately instead of waiting out the lease.
func (e *Elector) release() {
	conn := e.pool.Get()
	defer conn.Close()

	if _, err := releaseScript.Do(conn, e.key, e.instanceID); err != nil {
		e.logger.Warn("failed to release leadership lease", "key", e.key, "error", err)
	}
}

// Close releases the connection pool.
func (e *Elector) Close() error {
	return e.pool.Close()
}

func (e *Elector) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if e.metrics != nil {
		fn(e.metrics)
	}
}
