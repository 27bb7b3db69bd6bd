package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder is a listener that records values and blocks until released.
type recorder struct {
	mtx     sync.Mutex
	values  []any
	started chan any
	release chan struct{}
}

func newRecorder() *recorder {
	return &recorder{
		started: make(chan any, 16),
		release: make(chan struct{}, 16),
	}
}

func (r *recorder) listen(_ context.Context, v any) error {
	r.mtx.Lock()
	r.values = append(r.values, v)
	r.mtx.Unlock()
	r.started <- v
	<-r.release
	return nil
}

func (r *recorder) seen() []any {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return append([]any(nil), r.values...)
}

func waitTimeout(t *testing.T, d *Dispatcher, eventType string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx, eventType))
}

func TestDispatcher_EmitWithoutListeners(t *testing.T) {
	d := New(nil)
	d.Emit("value", 1)
	select {
	case <-d.Pending("value"):
	default:
		t.Fatal("dispatcher without listeners should be idle")
	}
}

func TestDispatcher_QueuesWhilePending(t *testing.T) {
	d := New(nil)
	r := newRecorder()
	d.On("value", r.listen)

	d.Emit("value", 1)
	require.Equal(t, 1, <-r.started)

	// values emitted while the first is in flight are queued, last write wins
	d.Emit("value", 2)
	d.Emit("value", 3)
	d.Emit("value", 4)

	r.release <- struct{}{}
	require.Equal(t, 4, <-r.started)
	r.release <- struct{}{}

	waitTimeout(t, d, "value")
	require.Equal(t, []any{1, 4}, r.seen())
}

type retainHooks struct{}

func (retainHooks) WillEmit(_ string, v any) any { return v }

func (retainHooks) QueueFilter(_ string, _ any) FilterFunc {
	return func(any) bool { return true }
}

func TestDispatcher_QueueFilterRetains(t *testing.T) {
	d := New(retainHooks{})
	r := newRecorder()
	d.On("value", r.listen)

	d.Emit("value", 1)
	<-r.started
	d.Emit("value", 2)
	d.Emit("value", 3)

	for i := 0; i < 3; i++ {
		r.release <- struct{}{}
	}
	waitTimeout(t, d, "value")
	require.Equal(t, []any{1, 2, 3}, r.seen())
}

type doubleHooks struct{}

func (doubleHooks) WillEmit(_ string, v any) any { return v.(int) * 2 }

func (doubleHooks) QueueFilter(string, any) FilterFunc { return nil }

func TestDispatcher_WillEmitTransforms(t *testing.T) {
	d := New(doubleHooks{})
	var got []any
	var mtx sync.Mutex
	d.On("value", func(_ context.Context, v any) error {
		mtx.Lock()
		defer mtx.Unlock()
		got = append(got, v)
		return nil
	})
	d.Emit("value", 21)
	waitTimeout(t, d, "value")
	require.Equal(t, []any{42}, got)
}

func TestDispatcher_Cancel(t *testing.T) {
	d := New(nil)
	r := newRecorder()
	d.On("value", r.listen)

	d.Emit("value", 1)
	<-r.started
	d.Emit("value", 2)
	d.Cancel("value")
	r.release <- struct{}{}

	waitTimeout(t, d, "value")
	require.Equal(t, []any{1}, r.seen())
}

func TestDispatcher_WaitsForAllListeners(t *testing.T) {
	d := New(nil)
	slow, fast := newRecorder(), newRecorder()
	d.On("value", slow.listen)
	d.On("value", func(ctx context.Context, v any) error {
		_ = fast.listen(ctx, v)
		return context.Canceled // failures settle the cycle too
	})

	d.Emit("value", "a")
	<-slow.started
	<-fast.started
	fast.release <- struct{}{}

	select {
	case <-d.Pending("value"):
		t.Fatal("dispatch cycle settled before all listeners returned")
	case <-time.After(20 * time.Millisecond):
	}

	slow.release <- struct{}{}
	waitTimeout(t, d, "value")
}

func TestDispatcher_Off(t *testing.T) {
	d := New(nil)
	calls := 0
	var mtx sync.Mutex
	h := d.On("value", func(context.Context, any) error {
		mtx.Lock()
		calls++
		mtx.Unlock()
		return nil
	})
	require.Equal(t, 1, d.Listeners("value"))
	d.Off("value", h)
	require.Equal(t, 0, d.Listeners("value"))

	d.Emit("value", 1)
	waitTimeout(t, d, "value")
	require.Equal(t, 0, calls)
}

func TestDispatchQueue(t *testing.T) {
	var q dispatchQueue
	q.enqueue(1, nil)
	q.enqueue(2, func(v any) bool { return true })
	q.enqueue(3, func(v any) bool { return v.(int)%2 == 0 })
	require.Equal(t, 2, q.len())

	v, ok := q.dequeue()
	require.True(t, ok)
	require.Equal(t, 2, v)
	v, ok = q.dequeue()
	require.True(t, ok)
	require.Equal(t, 3, v)
	_, ok = q.dequeue()
	require.False(t, ok)
}
