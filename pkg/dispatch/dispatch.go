// Package dispatch implements an event dispatcher whose listeners may do
// asynchronous work. Emissions of a given event type are serialized: while
// listeners for one value are still running, newly emitted values are queued
// and dispatched one at a time once the listeners settle.
package dispatch

import (
	"context"
	"sync"
)

// Listener handles an emitted event value. All listeners of an event type run
// concurrently; a dispatch cycle ends once every listener has returned, with
// or without an error.
type Listener func(ctx context.Context, value any) error

// FilterFunc decides whether a queued value is retained when a new value is
// enqueued behind it.
type FilterFunc func(queued any) bool

// Hooks customise emission. Types embedding a Dispatcher pass themselves to
// New to override the defaults.
type Hooks interface {
	// WillEmit returns the value handed to listeners. It is called right
	// before a value is dispatched, never when it is only queued.
	WillEmit(eventType string, value any) any
	// QueueFilter returns the filter applied to already queued values when
	// value is enqueued. A nil filter drops every queued value.
	QueueFilter(eventType string, value any) FilterFunc
}

// Handle identifies a registered listener so it can be removed again.
type Handle uint64

type listener struct {
	handle Handle
	fn     Listener
}

type entry struct {
	listeners []listener
	pending   bool
	idle      chan struct{}
	queue     dispatchQueue
}

// Dispatcher is an asynchronous publish/subscribe primitive.
type Dispatcher struct {
	hooks Hooks

	mtx     sync.Mutex
	entries map[string]*entry
	handles Handle
}

// New returns a Dispatcher using the given hooks. Hooks may be nil.
func New(hooks Hooks) *Dispatcher {
	return &Dispatcher{
		hooks:   hooks,
		entries: map[string]*entry{},
	}
}

var closed = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

func (d *Dispatcher) entry(eventType string) *entry {
	e, ok := d.entries[eventType]
	if !ok {
		e = &entry{idle: closed}
		d.entries[eventType] = e
	}
	return e
}

// On registers a listener for the event type.
func (d *Dispatcher) On(eventType string, fn Listener) Handle {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	d.handles++
	e := d.entry(eventType)
	e.listeners = append(e.listeners, listener{handle: d.handles, fn: fn})
	return d.handles
}

// Off removes a listener. Unknown handles are ignored.
func (d *Dispatcher) Off(eventType string, h Handle) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	e, ok := d.entries[eventType]
	if !ok {
		return
	}
	kept := make([]listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		if l.handle != h {
			kept = append(kept, l)
		}
	}
	e.listeners = kept
}

// Listeners returns the number of listeners registered for the event type.
func (d *Dispatcher) Listeners(eventType string) int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if e, ok := d.entries[eventType]; ok {
		return len(e.listeners)
	}
	return 0
}

// Emit dispatches value to the listeners of the event type. If a previous
// emission is still in flight the value is queued instead.
func (d *Dispatcher) Emit(eventType string, value any) {
	d.mtx.Lock()
	e := d.entry(eventType)
	if e.pending {
		e.queue.enqueue(value, d.queueFilter(eventType, value))
		d.mtx.Unlock()
		return
	}

	event := d.willEmit(eventType, value)
	listeners := e.snapshot()
	if len(listeners) == 0 {
		d.mtx.Unlock()
		return
	}
	e.pending = true
	e.idle = make(chan struct{})
	d.mtx.Unlock()

	go d.run(eventType, e, listeners, event)
}

func (d *Dispatcher) run(eventType string, e *entry, listeners []Listener, event any) {
	for {
		invoke(listeners, event)

		d.mtx.Lock()
		value, ok := e.queue.dequeue()
		if ok {
			event = d.willEmit(eventType, value)
			listeners = e.snapshot()
		}
		if !ok || len(listeners) == 0 {
			e.pending = false
			close(e.idle)
			d.mtx.Unlock()
			return
		}
		d.mtx.Unlock()
	}
}

func invoke(listeners []Listener, event any) {
	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(len(listeners))
	for _, fn := range listeners {
		go func(fn Listener) {
			defer wg.Done()
			_ = fn(ctx, event)
		}(fn)
	}
	wg.Wait()
}

// Cancel drops all queued values of the event type. An emission already in
// flight is unaffected.
func (d *Dispatcher) Cancel(eventType string) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if e, ok := d.entries[eventType]; ok {
		e.queue.clear()
	}
}

// Pending returns a channel that is closed once no emission of the event type
// is in flight or queued.
func (d *Dispatcher) Pending(eventType string) <-chan struct{} {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if e, ok := d.entries[eventType]; ok {
		return e.idle
	}
	return closed
}

// Wait blocks until Pending(eventType) is closed or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context, eventType string) error {
	select {
	case <-d.Pending(eventType):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) willEmit(eventType string, value any) any {
	if d.hooks == nil {
		return value
	}
	return d.hooks.WillEmit(eventType, value)
}

func (d *Dispatcher) queueFilter(eventType string, value any) FilterFunc {
	if d.hooks == nil {
		return nil
	}
	return d.hooks.QueueFilter(eventType, value)
}

func (e *entry) snapshot() []Listener {
	fns := make([]Listener, len(e.listeners))
	for i, l := range e.listeners {
		fns[i] = l.fn
	}
	return fns
}

// dispatchQueue holds values that were emitted while a dispatch cycle was in
// flight. Filtering copies the retained values into a fresh slice so that a
// dequeued value never aliases the live buffer.
type dispatchQueue struct {
	values []any
}

func (q *dispatchQueue) enqueue(value any, filter FilterFunc) {
	if filter == nil || len(q.values) == 0 {
		q.values = []any{value}
		return
	}
	kept := make([]any, 0, len(q.values)+1)
	for _, v := range q.values {
		if filter(v) {
			kept = append(kept, v)
		}
	}
	q.values = append(kept, value)
}

func (q *dispatchQueue) dequeue() (any, bool) {
	if len(q.values) == 0 {
		return nil, false
	}
	v := q.values[0]
	q.values[0] = nil
	q.values = q.values[1:]
	return v, true
}

func (q *dispatchQueue) len() int {
	return len(q.values)
}

func (q *dispatchQueue) clear() {
	q.values = nil
}
