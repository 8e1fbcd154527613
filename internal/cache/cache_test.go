package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mqtt-orion-gateway/internal/logger"
	"mqtt-orion-gateway/internal/rule"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	zapLogger, err := zap.NewDevelopment()
	require.NoError(t, err)
	return &logger.Logger{Logger: zapLogger}
}

func testRules(t *testing.T, topic string, ids ...string) []rule.Rule {
	t.Helper()
	rules := make([]rule.Rule, 0, len(ids))
	for _, id := range ids {
		r, err := rule.New(id, topic, "$..temp", "Room:1", "Room", "temperature")
		require.NoError(t, err)
		rules = append(rules, r)
	}
	return rules
}

func TestGetPopulatesOnMiss(t *testing.T) {
	var loads atomic.Int64
	c, err := New(Config{Capacity: 8}, func(_ context.Context, topic string) ([]rule.Rule, error) {
		loads.Add(1)
		return testRules(t, topic, "d1"), nil
	}, testLogger(t), nil)
	require.NoError(t, err)

	first, err := c.Get(context.Background(), "room/1")
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, int64(1), loads.Load())

	// Subsequent reads hit the cache, no further loads.
	for i := 0; i < 5; i++ {
		again, err := c.Get(context.Background(), "room/1")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, int64(1), loads.Load())
}

func TestConcurrentMissesCoalesce(t *testing.T) {
	var loads atomic.Int64
	release := make(chan struct{})

	c, err := New(Config{Capacity: 8}, func(_ context.Context, topic string) ([]rule.Rule, error) {
		loads.Add(1)
		<-release
		return testRules(t, topic, "d1"), nil
	}, testLogger(t), nil)
	require.NoError(t, err)

	const callers = 10
	results := make([][]rule.Rule, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Get(context.Background(), "room/1")
		}(i)
	}

	// Let every caller pile onto the in-flight load, then release it.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
	}

	assert.Equal(t, int64(1), loads.Load(), "concurrent misses must share one load")
	for i := 1; i < callers; i++ {
		assert.Equal(t, results[0], results[i], "caller %d observed a different result", i)
	}
}

func TestEmptyResultIsCached(t *testing.T) {
	var loads atomic.Int64
	c, err := New(Config{Capacity: 8, EmptyRetries: 0}, func(context.Context, string) ([]rule.Rule, error) {
		loads.Add(1)
		return nil, nil
	}, testLogger(t), nil)
	require.NoError(t, err)

	rules, err := c.Get(context.Background(), "room/empty")
	require.NoError(t, err)
	assert.Empty(t, rules)

	_, err = c.Get(context.Background(), "room/empty")
	require.NoError(t, err)
	assert.Equal(t, int64(1), loads.Load(), "cached empty result must not reload")
}

func TestEmptyResultRetriedWithinWindow(t *testing.T) {
	// The catalog notification can arrive before the committing
	// transaction is visible; the second read sees the row.
	var loads atomic.Int64
	c, err := New(Config{Capacity: 8, EmptyRetries: 2, EmptyRetryDelay: time.Millisecond},
		func(_ context.Context, topic string) ([]rule.Rule, error) {
			if loads.Add(1) == 1 {
				return nil, nil
			}
			return testRules(t, topic, "d1"), nil
		}, testLogger(t), nil)
	require.NoError(t, err)

	rules, err := c.Get(context.Background(), "room/1")
	require.NoError(t, err)
	assert.Len(t, rules, 1)
	assert.Equal(t, int64(2), loads.Load())
}

func TestInvalidateForcesReload(t *testing.T) {
	var loads atomic.Int64
	c, err := New(Config{Capacity: 8}, func(_ context.Context, topic string) ([]rule.Rule, error) {
		loads.Add(1)
		return testRules(t, topic, "d1"), nil
	}, testLogger(t), nil)
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "room/1")
	require.NoError(t, err)

	c.Invalidate("room/1")

	_, err = c.Get(context.Background(), "room/1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), loads.Load())
}

func TestLoaderErrorPropagates(t *testing.T) {
	wantErr := errors.New("connection refused")
	c, err := New(Config{Capacity: 8}, func(context.Context, string) ([]rule.Rule, error) {
		return nil, wantErr
	}, testLogger(t), nil)
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "room/1")
	assert.ErrorIs(t, err, wantErr)

	// Errors are not cached; the next call retries the loader.
	_, err = c.Get(context.Background(), "room/1")
	assert.ErrorIs(t, err, wantErr)
}

func TestLRUEviction(t *testing.T) {
	var loads atomic.Int64
	c, err := New(Config{Capacity: 2}, func(_ context.Context, topic string) ([]rule.Rule, error) {
		loads.Add(1)
		return testRules(t, topic, "d1"), nil
	}, testLogger(t), nil)
	require.NoError(t, err)

	for _, topic := range []string{"a", "b", "c"} {
		_, err := c.Get(context.Background(), topic)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.Len())

	// "a" was evicted; reading it loads again.
	_, err = c.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, int64(4), loads.Load())
}

func TestPurge(t *testing.T) {
	c, err := New(Config{Capacity: 8}, func(_ context.Context, topic string) ([]rule.Rule, error) {
		return testRules(t, topic, "d1"), nil
	}, testLogger(t), nil)
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "room/1")
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())

	c.Purge()
	assert.Zero(t, c.Len())
}

func TestNewRequiresLoader(t *testing.T) {
	_, err := New(Config{}, nil, testLogger(t), nil)
	assert.Error(t, err)
}
