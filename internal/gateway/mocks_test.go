package gateway

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mqtt-orion-gateway/internal/logger"
	"mqtt-orion-gateway/internal/notify"
	"mqtt-orion-gateway/internal/orion"
	"mqtt-orion-gateway/internal/rule"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	zapLogger, err := zap.NewDevelopment()
	require.NoError(t, err)
	return &logger.Logger{Logger: zapLogger}
}

func mustRule(t *testing.T, objectID, topic, jsonPath, entityID, entityType, attr string) rule.Rule {
	t.Helper()
	r, err := rule.New(objectID, topic, jsonPath, entityID, entityType, attr)
	require.NoError(t, err)
	return r
}

// mockConn implements Conn, tracking the live subscription set the way
// an MQTT session would.
type mockConn struct {
	mu           sync.Mutex
	subscribed   map[string]bool
	subscribeErr error
	disconnects  int
}

func newMockConn() *mockConn {
	return &mockConn{subscribed: make(map[string]bool)}
}

func (m *mockConn) Subscribe(_ context.Context, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr != nil {
		return m.subscribeErr
	}
	m.subscribed[topic] = true
	return nil
}

func (m *mockConn) Unsubscribe(_ context.Context, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscribed, topic)
	return nil
}

func (m *mockConn) Disconnect(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects++
	return nil
}

func (m *mockConn) topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.subscribed))
	for topic := range m.subscribed {
		out = append(out, topic)
	}
	return out
}

func (m *mockConn) isSubscribed(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribed[topic]
}

// mockCache implements Cache over a fixed rule table.
type mockCache struct {
	mu          sync.Mutex
	rules       map[string][]rule.Rule
	getErr      error
	invalidated []string
	purges      int
}

func newMockCache() *mockCache {
	return &mockCache{rules: make(map[string][]rule.Rule)}
}

func (m *mockCache) Get(_ context.Context, topic string) ([]rule.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.rules[topic], nil
}

func (m *mockCache) Invalidate(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidated = append(m.invalidated, topic)
}

func (m *mockCache) Purge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purges++
}

func (m *mockCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rules)
}

type dispatchedUpdate struct {
	entityID   string
	entityType string
	attrs      orion.Attributes
}

// mockDispatcher records updates and optionally fails per entity.
type mockDispatcher struct {
	mu      sync.Mutex
	updates []dispatchedUpdate
	errFor  map[string]error
	done    chan struct{}
}

func newMockDispatcher() *mockDispatcher {
	return &mockDispatcher{errFor: make(map[string]error)}
}

func (m *mockDispatcher) UpdateAttributes(_ context.Context, entityID, entityType string, attrs orion.Attributes) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errFor[entityID]; err != nil {
		return err
	}
	m.updates = append(m.updates, dispatchedUpdate{entityID: entityID, entityType: entityType, attrs: attrs})
	if m.done != nil {
		select {
		case m.done <- struct{}{}:
		default:
		}
	}
	return nil
}

func (m *mockDispatcher) all() []dispatchedUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]dispatchedUpdate, len(m.updates))
	copy(out, m.updates)
	return out
}

// mockBus feeds events through a channel; Run blocks until cancelled.
type mockBus struct {
	events chan notify.Event
}

func newMockBus() *mockBus {
	return &mockBus{events: make(chan notify.Event, 16)}
}

func (m *mockBus) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (m *mockBus) Events() <-chan notify.Event { return m.events }

func (m *mockBus) Publish(_ context.Context, ev notify.Event) error {
	m.events <- ev
	return nil
}

func (m *mockBus) Close() error { return nil }

// mockCatalog implements Catalog over a fixed topic list.
type mockCatalog struct {
	topics  []string
	listErr error
}

func (m *mockCatalog) ListTopics(context.Context) ([]string, error) {
	return m.topics, m.listErr
}

// passthroughElector runs the session once without any lease machinery.
type passthroughElector struct{}

func (passthroughElector) Run(ctx context.Context, lead func(context.Context) error) error {
	return lead(ctx)
}
