package scheduler

import (
	"context"
	"fmt"
	"sync"
)

// State of a Result.
type State int

const (
	// StatePending results wait for the backend.
	StatePending State = iota
	// StateReady results hold a value that has not been delivered yet.
	StateReady
	// StateDone results delivered their value.
	StateDone
	// StateError results failed or were canceled.
	StateError
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Result is the outcome of a request. The scheduler stores a value with
// Ready and delivers it later with Fulfill, so that results are observed in
// the order their requests were accepted.
type Result struct {
	mtx   sync.Mutex
	state State
	value any
	err   error
	done  chan struct{}
}

// NewResult returns a pending result.
func NewResult() *Result {
	return &Result{done: make(chan struct{})}
}

// State returns the current state.
func (r *Result) State() State {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.state
}

// Ready stores v without settling the result. It returns false if the
// result already failed, for example because it was canceled.
func (r *Result) Ready(v any) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	switch r.state {
	case StateError:
		return false
	case StateDone:
		panic("scheduler: ready called on a delivered result")
	}
	r.state = StateReady
	r.value = v
	return true
}

// Fulfill delivers the value stored by Ready. It panics if no value is
// ready.
func (r *Result) Fulfill() {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.state != StateReady {
		panic(fmt.Sprintf("scheduler: fulfill called on a %s result", r.state))
	}
	r.state = StateDone
	close(r.done)
}

// FulfillWith delivers v directly. It returns false if the result already
// failed and panics if it was already delivered.
func (r *Result) FulfillWith(v any) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	switch r.state {
	case StateError:
		return false
	case StateDone:
		panic("scheduler: fulfill called on a delivered result")
	}
	r.state = StateDone
	r.value = v
	close(r.done)
	return true
}

// Reject fails the result with err. Settled results are left unchanged and
// false is returned.
func (r *Result) Reject(err error) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.state == StateDone || r.state == StateError {
		return false
	}
	r.state = StateError
	r.value = nil
	r.err = err
	close(r.done)
	return true
}

// Done returns a channel closed once the result is delivered or failed.
func (r *Result) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the result settles or ctx is done.
func (r *Result) Wait(ctx context.Context) (any, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.value, r.err
}

// Value returns the delivered value, or nil if the result is not done.
func (r *Result) Value() any {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.state != StateDone {
		return nil
	}
	return r.value
}

// Err returns the failure of the result, if any.
func (r *Result) Err() error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.err
}
