package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Dequeue once the queue is closed and drained.
var ErrClosed = errors.New("queue is closed")

// Event is the unit of work flowing through the gateway. Exactly one of
// the two concrete types below is enqueued; workers switch on the type.
type Event interface {
	isEvent()
}

// ControlEvent asks a worker to reconcile the subscription state for one
// topic. The operation itself is resolved at dequeue time through the
// coalescer, so a burst of administrative changes collapses to the last
// one.
type ControlEvent struct {
	Topic string
}

// DataEvent carries one inbound MQTT publish.
type DataEvent struct {
	Topic   string
	Payload []byte
}

func (ControlEvent) isEvent() {}
func (DataEvent) isEvent()    {}

// Queue is a two-band priority queue. Band 0 holds control events and is
// unbounded; band 1 holds data events and is capped, dropping the oldest
// data event on overflow. Dequeue always drains band 0 first; within a
// band order is FIFO. Enqueue never blocks.
type Queue struct {
	mu      sync.Mutex
	control []Event
	data    []Event
	dataCap int
	wake    chan struct{}
	closed  bool

	onDrop func(Event)
}

// New creates a queue whose data band holds at most dataCap events.
// onDrop, if non-nil, is invoked for every data event discarded on
// overflow.
func New(dataCap int, onDrop func(Event)) *Queue {
	if dataCap <= 0 {
		dataCap = 8192
	}
	return &Queue{
		dataCap: dataCap,
		wake:    make(chan struct{}),
		onDrop:  onDrop,
	}
}

// EnqueueControl appends a control event to band 0. Control events are
// never dropped.
func (q *Queue) EnqueueControl(ev ControlEvent) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.control = append(q.control, ev)
	q.wakeLocked()
	q.mu.Unlock()
}

// EnqueueData appends a data event to band 1, dropping the oldest data
// event when the band is full.
func (q *Queue) EnqueueData(ev DataEvent) {
	var dropped Event

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if len(q.data) >= q.dataCap {
		dropped = q.data[0]
		q.data = q.data[1:]
	}
	q.data = append(q.data, ev)
	q.wakeLocked()
	q.mu.Unlock()

	if dropped != nil && q.onDrop != nil {
		q.onDrop(dropped)
	}
}

// Dequeue blocks until an event is available, the context is cancelled,
// or the queue is closed with both bands empty. Every control event
// pending at the time of a dequeue is returned before any pending data
// event.
func (q *Queue) Dequeue(ctx context.Context) (Event, error) {
	for {
		q.mu.Lock()
		if len(q.control) > 0 {
			ev := q.control[0]
			q.control = q.control[1:]
			q.mu.Unlock()
			return ev, nil
		}
		if len(q.data) > 0 {
			ev := q.data[0]
			q.data = q.data[1:]
			q.mu.Unlock()
			return ev, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

// Close stops the queue. Pending events remain dequeueable; once both
// bands are drained Dequeue returns ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.wakeLocked()
	}
	q.mu.Unlock()
}

// Depths returns the pending event counts for the control and data bands.
func (q *Queue) Depths() (control, data int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.control), len(q.data)
}

// wakeLocked broadcasts to every blocked Dequeue by closing the current
// wake channel and installing a fresh one. Callers must hold q.mu.
func (q *Queue) wakeLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}
