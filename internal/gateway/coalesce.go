package gateway

import "sync"

// coalescer folds bursts of control events per topic into the most
// recent operation. The listener enqueues one control event the first
// time a topic becomes pending; later events for the same topic only
// overwrite the pending operation. The worker drains the operation at
// dequeue time, so the last administrative write within the pending
// window wins.
type coalescer struct {
	mu      sync.Mutex
	pending map[string]string
}

func newCoalescer() *coalescer {
	return &coalescer{pending: make(map[string]string)}
}

// put records op as the pending operation for topic and reports whether
// the topic was not pending before, i.e. whether a queue entry is needed.
func (c *coalescer) put(topic, op string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, exists := c.pending[topic]
	c.pending[topic] = op
	return !exists
}

// take removes and returns the pending operation for topic.
func (c *coalescer) take(topic string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	op, ok := c.pending[topic]
	if ok {
		delete(c.pending, topic)
	}
	return op, ok
}
