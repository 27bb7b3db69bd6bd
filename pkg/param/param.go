// Package param provides reactive values that notify listeners when they
// change.
package param

import (
	"context"
	"reflect"
	"sync"

	"github.com/google/go-cmp/cmp"

	"github.com/grafana/crossfilter/pkg/dispatch"
)

// EventValue is the event type emitted when a value changes.
const EventValue = "value"

// Source is implemented by reactive values whose current value can be read
// without knowing their type. Array uses it to track nested params.
type Source interface {
	AnyValue() any
	On(eventType string, fn dispatch.Listener) dispatch.Handle
}

// UpdateOption modifies a single Update call.
type UpdateOption func(*updateOptions)

type updateOptions struct {
	force bool
}

// WithForce emits the update even if the value is unchanged.
func WithForce() UpdateOption {
	return func(o *updateOptions) { o.force = true }
}

// Param is a single mutable value. Updates are suppressed when the new value
// equals the current one.
type Param[T any] struct {
	*dispatch.Dispatcher

	mtx   sync.RWMutex
	value T
}

// New returns a Param holding value.
func New[T any](value T) *Param[T] {
	p := &Param[T]{value: value}
	p.Dispatcher = dispatch.New(p)
	return p
}

// Value returns the current value. The value changes right before listeners
// of the corresponding emission are invoked.
func (p *Param[T]) Value() T {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return p.value
}

// AnyValue implements Source.
func (p *Param[T]) AnyValue() any {
	return p.Value()
}

// Update emits value if it is distinct from the current value or the update
// is forced. Otherwise queued emissions are dropped so stale values are not
// replayed.
func (p *Param[T]) Update(value T, opts ...UpdateOption) *Param[T] {
	var o updateOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.force || Distinct(p.Value(), value) {
		p.Emit(EventValue, value)
	} else {
		p.Cancel(EventValue)
	}
	return p
}

// WillEmit implements dispatch.Hooks.
func (p *Param[T]) WillEmit(eventType string, value any) any {
	if eventType == EventValue {
		if v, ok := value.(T); ok {
			p.mtx.Lock()
			p.value = v
			p.mtx.Unlock()
		}
	}
	return value
}

// QueueFilter implements dispatch.Hooks. Queued values are always dropped.
func (p *Param[T]) QueueFilter(string, any) dispatch.FilterFunc {
	return nil
}

var exportAll = cmp.Exporter(func(reflect.Type) bool { return true })

// Distinct reports whether a and b differ by value. Elements of slices that
// are themselves reactive values are compared by their current value.
func Distinct(a, b any) bool {
	as, aok := a.([]any)
	bs, bok := b.([]any)
	if aok && bok {
		if len(as) != len(bs) {
			return true
		}
		for i := range as {
			if Distinct(resolve(as[i]), resolve(bs[i])) {
				return true
			}
		}
		return false
	}
	return !cmp.Equal(a, b, exportAll)
}

func resolve(v any) any {
	if s, ok := v.(Source); ok {
		return s.AnyValue()
	}
	return v
}

// Array returns a param over values. Values that are themselves reactive are
// tracked: whenever one of them changes, the array is updated with the
// current values of all elements.
func Array(values ...any) *Param[[]any] {
	var nested []Source
	for _, v := range values {
		if s, ok := v.(Source); ok {
			nested = append(nested, s)
		}
	}
	if len(nested) == 0 {
		return New(values)
	}

	p := New[[]any](nil)
	current := func() []any {
		out := make([]any, len(values))
		for i, v := range values {
			out[i] = resolve(v)
		}
		return out
	}
	p.Update(current())
	for _, s := range nested {
		s.On(EventValue, func(context.Context, any) error {
			p.Update(current())
			return nil
		})
	}
	return p
}
