package metrics

import (
	"sync"
	"sync/atomic"
)

// AsyncOption configures an AsyncSink.
type AsyncOption func(*AsyncSink)

// WithDropHook registers fn to run whenever an event is dropped because the
// buffer is full or the sink is closed.
func WithDropHook(fn func()) AsyncOption {
	return func(a *AsyncSink) { a.onDrop = fn }
}

// AsyncSink hands events to next on a single background goroutine. When the
// buffer is full the event is dropped and counted; RecordEvent never blocks.
type AsyncSink struct {
	next   Sink
	ch     chan Event
	onDrop func()

	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsyncSink starts the worker. buffer <= 0 selects 1024.
func NewAsyncSink(next Sink, buffer int, opts ...AsyncOption) *AsyncSink {
	if buffer <= 0 {
		buffer = 1024
	}
	a := &AsyncSink{
		next: next,
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	go a.run()
	return a
}

func (a *AsyncSink) run() {
	defer close(a.done)
	for e := range a.ch {
		a.next.RecordEvent(e)
	}
}

// RecordEvent enqueues e for the worker.
func (a *AsyncSink) RecordEvent(e Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.drop()
		return
	}
	select {
	case a.ch <- e:
	default:
		a.drop()
	}
}

func (a *AsyncSink) drop() {
	a.dropped.Add(1)
	if a.onDrop != nil {
		a.onDrop()
	}
}

// Dropped returns how many events were discarded.
func (a *AsyncSink) Dropped() uint64 { return a.dropped.Load() }

// Close stops accepting events, delivers everything already buffered and
// waits for the worker. Safe to call more than once.
func (a *AsyncSink) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()
	<-a.done
}
