package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"mqtt-orion-gateway/internal/logger"
	"mqtt-orion-gateway/internal/metrics"
	"mqtt-orion-gateway/internal/notify"
	"mqtt-orion-gateway/internal/orion"
	"mqtt-orion-gateway/internal/queue"
	"mqtt-orion-gateway/internal/rule"
	"mqtt-orion-gateway/internal/stats"
)

// Subscriptions is the control facade workers use to reconcile the MQTT
// subscription set.
type Subscriptions interface {
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context, topic string) error
}

// RuleSource resolves the rules for a topic and drops stale entries.
type RuleSource interface {
	Get(ctx context.Context, topic string) ([]rule.Rule, error)
	Invalidate(topic string)
}

// Dispatcher delivers attribute updates to the Context Broker.
type Dispatcher interface {
	UpdateAttributes(ctx context.Context, entityID, entityType string, attrs orion.Attributes) error
}

// worker drains the queue and executes events. Each worker owns a
// private dispatcher so Context Broker connections never cross workers;
// the control facade and the rule source are shared.
type worker struct {
	id         int
	queue      *queue.Queue
	pending    *coalescer
	rules      RuleSource
	control    Subscriptions
	dispatcher Dispatcher
	logger     *logger.Logger
	metrics    *metrics.Metrics
	stats      *stats.Collector
}

// run processes events until the context is cancelled or the queue is
// closed and drained.
func (w *worker) run(ctx context.Context) error {
	for {
		ev, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				return nil
			}
			return err
		}

		switch ev := ev.(type) {
		case queue.ControlEvent:
			w.handleControl(ctx, ev)
		case queue.DataEvent:
			w.handleData(ctx, ev)
		default:
			w.logger.Warn("discarding event of unknown type", "worker", w.id)
		}
	}
}

// handleControl reconciles one topic's subscription state. Both
// operations are idempotent, so replays from the at-least-once bus are
// harmless.
func (w *worker) handleControl(ctx context.Context, ev queue.ControlEvent) {
	op, ok := w.pending.take(ev.Topic)
	if !ok {
		// Another worker already drained this topic's burst.
		return
	}

	switch op {
	case notify.OpSubscribe:
		if err := w.control.Subscribe(ctx, ev.Topic); err != nil {
			w.logger.Error("subscribe failed", "topic", ev.Topic, "error", err)
			w.countError()
			return
		}
		w.logger.Info("subscribed to topic", "topic", ev.Topic)
	case notify.OpUnsubscribe:
		if err := w.control.Unsubscribe(ctx, ev.Topic); err != nil {
			w.logger.Error("unsubscribe failed", "topic", ev.Topic, "error", err)
			w.countError()
			return
		}
		w.rules.Invalidate(ev.Topic)
		w.logger.Info("unsubscribed from topic", "topic", ev.Topic)
	default:
		w.logger.Warn("discarding unknown control operation",
			"op", op,
			"topic", ev.Topic)
		w.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncControlEventsTotal("unknown")
		})
		return
	}

	w.stats.IncControl()
	w.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncControlEventsTotal(op)
	})
}

// handleData resolves the topic's rules, extracts each rule's value from
// the payload, and dispatches one attribute update per matched rule.
// Failures affect only the failing rule; the event is never retried.
func (w *worker) handleData(ctx context.Context, ev queue.DataEvent) {
	rules, err := w.rules.Get(ctx, ev.Topic)
	if err != nil {
		w.logger.Error("rule lookup failed", "topic", ev.Topic, "error", err)
		w.countError()
		return
	}
	if len(rules) == 0 {
		w.logger.Debug("no rules for topic", "topic", ev.Topic)
		w.countDropped()
		return
	}

	var doc interface{}
	if err := json.Unmarshal(ev.Payload, &doc); err != nil {
		w.logger.Warn("discarding malformed payload",
			"topic", ev.Topic,
			"size", len(ev.Payload),
			"error", err)
		w.countDropped()
		return
	}

	for _, r := range rules {
		value, ok := r.Evaluate(doc)
		if !ok {
			w.logger.Debug("no match for rule",
				"objectId", r.ObjectID,
				"jsonpath", r.JSONPath)
			continue
		}
		// JSON null carries no value; everything else, including zero
		// and the empty string, is forwarded.
		if value == nil {
			continue
		}

		attrs := orion.Attributes{r.AttributeName: orion.Number(value)}
		err := w.dispatcher.UpdateAttributes(ctx, r.EntityID, r.EntityType, attrs)
		result := orion.Classify(err)
		w.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncUpdatesTotal(result)
		})
		if err != nil {
			w.logger.Error("attribute update failed",
				"entityId", r.EntityID,
				"attribute", r.AttributeName,
				"result", result,
				"error", err)
			w.countError()
			continue
		}

		w.stats.IncUpdates()
		w.logger.Debug("attribute updated",
			"entityId", r.EntityID,
			"attribute", r.AttributeName)
	}

	w.stats.IncProcessed()
	w.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncMessagesTotal("processed")
	})
}

func (w *worker) countError() {
	w.stats.IncErrors()
	w.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncMessagesTotal("error")
	})
}

func (w *worker) countDropped() {
	w.stats.IncDropped()
	w.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncMessagesTotal("dropped")
	})
}

func (w *worker) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if w.metrics != nil {
		fn(w.metrics)
	}
}
