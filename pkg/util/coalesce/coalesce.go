// Package coalesce runs a function at most once at a time, collapsing
// triggers that arrive while it runs into a single trailing run.
package coalesce

import (
	"context"
	"sync"
)

// Coalescer runs fn in the background on Trigger. Triggers received while fn
// runs mark the coalescer dirty; fn then runs once more after it returns,
// however many triggers arrived.
type Coalescer struct {
	fn func(ctx context.Context)

	mtx     sync.Mutex
	ctx     context.Context
	running bool
	dirty   bool
	idle    chan struct{}
}

// New returns a coalescer for fn. fn receives ctx, which also stops pending
// trailing runs once canceled.
func New(ctx context.Context, fn func(ctx context.Context)) *Coalescer {
	idle := make(chan struct{})
	close(idle)
	return &Coalescer{fn: fn, ctx: ctx, idle: idle}
}

// Trigger requests a run of fn. It reports whether a new run started; false
// means the request was folded into the run in progress.
func (c *Coalescer) Trigger() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.ctx.Err() != nil {
		return false
	}
	if c.running {
		c.dirty = true
		return false
	}
	c.running = true
	c.idle = make(chan struct{})
	go c.loop(c.idle)
	return true
}

func (c *Coalescer) loop(idle chan struct{}) {
	defer close(idle)
	for {
		c.fn(c.ctx)

		c.mtx.Lock()
		if !c.dirty || c.ctx.Err() != nil {
			c.running, c.dirty = false, false
			c.mtx.Unlock()
			return
		}
		c.dirty = false
		c.mtx.Unlock()
	}
}

// Running reports whether fn is running or about to run again.
func (c *Coalescer) Running() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.running
}

// Idle returns a channel closed once no run is in progress.
func (c *Coalescer) Idle() <-chan struct{} {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.idle
}

// Wait blocks until no run is in progress or ctx is done.
func (c *Coalescer) Wait(ctx context.Context) error {
	select {
	case <-c.Idle():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
