package cache

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"mqtt-orion-gateway/internal/logger"
	"mqtt-orion-gateway/internal/metrics"
	"mqtt-orion-gateway/internal/rule"
)

// Loader resolves the rules for one topic from the datapoint catalog.
type Loader func(ctx context.Context, topic string) ([]rule.Rule, error)

// Config bounds the cache and tunes the empty-result retry.
type Config struct {
	Capacity        int
	EmptyRetries    int
	EmptyRetryDelay time.Duration
}

// RuleCache holds the per-topic rule lists workers resolve on every data
// event. Entries are created lazily, bounded by LRU eviction, and dropped
// by control events; an empty rule list is a valid cached value.
type RuleCache struct {
	entries *lru.Cache[string, []rule.Rule]
	group   singleflight.Group
	loader  Loader
	logger  *logger.Logger
	metrics *metrics.Metrics

	emptyRetries    int
	emptyRetryDelay time.Duration
}

// New creates a rule cache over the given loader.
func New(cfg Config, loader Loader, log *logger.Logger, m *metrics.Metrics) (*RuleCache, error) {
	if loader == nil {
		return nil, fmt.Errorf("cache loader is required")
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1024
	}
	if cfg.EmptyRetryDelay <= 0 {
		cfg.EmptyRetryDelay = 250 * time.Millisecond
	}

	c := &RuleCache{
		loader:          loader,
		logger:          log,
		metrics:         m,
		emptyRetries:    cfg.EmptyRetries,
		emptyRetryDelay: cfg.EmptyRetryDelay,
	}

	entries, err := lru.NewWithEvict[string, []rule.Rule](cfg.Capacity, func(topic string, _ []rule.Rule) {
		c.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncCacheEvents("evict")
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create lru cache: %w", err)
	}
	c.entries = entries

	return c, nil
}

// Get returns the rules for a topic. A hit returns the cached list, which
// may be empty. A miss loads from the catalog; concurrent misses for the
// same topic coalesce onto a single load and all observe its result.
func (c *RuleCache) Get(ctx context.Context, topic string) ([]rule.Rule, error) {
	if rules, ok := c.entries.Get(topic); ok {
		c.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncCacheEvents("hit")
		})
		return rules, nil
	}

	c.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncCacheEvents("miss")
	})

	v, err, _ := c.group.Do(topic, func() (interface{}, error) {
		// A concurrent flight may have populated the entry while this
		// caller was waiting on the singleflight lock.
		if rules, ok := c.entries.Get(topic); ok {
			return rules, nil
		}

		rules, err := c.load(ctx, topic)
		if err != nil {
			return nil, err
		}

		c.entries.Add(topic, rules)
		return rules, nil
	})
	if err != nil {
		return nil, err
	}

	return v.([]rule.Rule), nil
}

// load fetches a topic's rules, retrying a bounded number of times when the
// result is empty. Administrative notifications can outrun transaction
// visibility, so a fresh topic may briefly read as having no rules.
func (c *RuleCache) load(ctx context.Context, topic string) ([]rule.Rule, error) {
	for attempt := 0; ; attempt++ {
		rules, err := c.loader(ctx, topic)
		if err != nil {
			return nil, fmt.Errorf("failed to load rules for topic %s: %w", topic, err)
		}

		c.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncCacheEvents("load")
		})

		if len(rules) > 0 || attempt >= c.emptyRetries {
			if len(rules) == 0 {
				c.logger.Debug("caching topic with no rules", "topic", topic)
			}
			return rules, nil
		}

		c.logger.Debug("empty rule set, retrying load",
			"topic", topic,
			"attempt", attempt+1)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.emptyRetryDelay):
		}
	}
}

// Invalidate drops a topic's entry; the next Get reloads it.
func (c *RuleCache) Invalidate(topic string) {
	c.entries.Remove(topic)
}

// Purge empties the cache entirely.
func (c *RuleCache) Purge() {
	c.entries.Purge()
}

// Len returns the number of cached topics.
func (c *RuleCache) Len() int {
	return c.entries.Len()
}

func (c *RuleCache) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if c.metrics != nil {
		fn(c.metrics)
	}
}
