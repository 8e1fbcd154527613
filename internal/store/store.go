package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mqtt-orion-gateway/config"
	"mqtt-orion-gateway/internal/logger"
	"mqtt-orion-gateway/internal/metrics"
	"mqtt-orion-gateway/internal/rule"
)

const (
	listTopicsQuery = `SELECT DISTINCT topic FROM devices`

	rulesForTopicQuery = `SELECT object_id, jsonpath, entity_id, entity_type, attribute_name ` +
		`FROM devices WHERE topic = $1 ORDER BY object_id`
)

// Store is the read-only view of the datapoint catalog. The administrative
// API owns writes; the gateway only lists topics and resolves rules.
type Store struct {
	pool    *pgxpool.Pool
	logger  *logger.Logger
	metrics *metrics.Metrics
}

// New opens a connection pool against the configured database and verifies
// reachability with one ping.
func New(ctx context.Context, cfg config.PostgresConfig, log *logger.Logger, m *metrics.Metrics) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	s := &Store{
		pool:    pool,
		logger:  log,
		metrics: m,
	}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres unreachable: %w", err)
	}

	log.Info("connected to datapoint store",
		"host", cfg.Host,
		"database", cfg.Database)

	return s, nil
}

// Ping verifies database reachability
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool
func (s *Store) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pool for collaborators that need their own
// dedicated connection, such as the LISTEN/NOTIFY bus backend.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// ListTopics returns the distinct topics that have at least one rule.
func (s *Store) ListTopics(ctx context.Context) ([]string, error) {
	s.countQuery()

	rows, err := s.pool.Query(ctx, listTopicsQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	defer rows.Close()

	return scanTopics(rows)
}

// RulesForTopic returns the rules bound to one topic, ordered by object id.
// Rows that fail validation are skipped and logged, never fatal.
func (s *Store) RulesForTopic(ctx context.Context, topic string) ([]rule.Rule, error) {
	s.countQuery()

	rows, err := s.pool.Query(ctx, rulesForTopicQuery, topic)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules for topic %s: %w", topic, err)
	}
	defer rows.Close()

	return s.scanRules(rows, topic)
}

func scanTopics(rows pgx.Rows) ([]string, error) {
	var topics []string
	for rows.Next() {
		var topic string
		if err := rows.Scan(&topic); err != nil {
			return nil, fmt.Errorf("failed to scan topic row: %w", err)
		}
		topics = append(topics, topic)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("topic iteration failed: %w", err)
	}
	return topics, nil
}

func (s *Store) scanRules(rows pgx.Rows, topic string) ([]rule.Rule, error) {
	var rules []rule.Rule
	for rows.Next() {
		var objectID, jsonPath, entityID, entityType, attributeName string
		if err := rows.Scan(&objectID, &jsonPath, &entityID, &entityType, &attributeName); err != nil {
			return nil, fmt.Errorf("failed to scan rule row: %w", err)
		}

		r, err := rule.New(objectID, topic, jsonPath, entityID, entityType, attributeName)
		if err != nil {
			var verr *rule.ValidationError
			if errors.As(err, &verr) {
				s.logger.Warn("skipping invalid datapoint row",
					"objectId", objectID,
					"topic", topic,
					"field", verr.Field,
					"reason", verr.Message)
				continue
			}
			return nil, err
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rule iteration failed: %w", err)
	}
	return rules, nil
}

func (s *Store) countQuery() {
	if s.metrics != nil {
		s.metrics.IncStoreQueries()
	}
}

// NextBackoff computes a jittered exponential delay for reconnect loops.
// The delay doubles per attempt from one second and never exceeds the
// ceiling.
func NextBackoff(attempt int, ceiling time.Duration) time.Duration {
	if ceiling <= 0 {
		ceiling = 5 * time.Second
	}
	if attempt > 16 {
		attempt = 16
	}

	backoff := time.Second << uint(attempt)
	if backoff > ceiling {
		backoff = ceiling
	}

	// Spread retries out by +/-25% to avoid thundering herds.
	jitter := 0.75 + rand.Float64()/2
	backoff = time.Duration(float64(backoff) * jitter)
	if backoff > ceiling {
		backoff = ceiling
	}
	return backoff
}
