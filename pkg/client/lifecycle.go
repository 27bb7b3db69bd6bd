package client

import (
	"context"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/grafana/crossfilter/pkg/selection"
	"github.com/grafana/crossfilter/pkg/syntax"
	"github.com/grafana/crossfilter/pkg/util/coalesce"
	util_log "github.com/grafana/crossfilter/pkg/util/log"
)

// Requester submits client queries. The coordinator implements it.
type Requester interface {
	// RequestQuery runs q for b and returns a channel closed once the
	// outcome was delivered to the client. A nil q asks the client to
	// update without data.
	RequestQuery(b *Base, q *syntax.Query) <-chan struct{}
	Disconnect(b *Base)
}

// Option configures a Base.
type Option func(*Base)

// WithFilterBy sets the selection filtering the client's queries.
func WithFilterBy(s *selection.Selection) Option {
	return func(b *Base) { b.filterBy = s }
}

// Disabled creates the client disabled. Requests are recorded and replayed
// once it is enabled.
func Disabled() Option {
	return func(b *Base) { b.enabled = false }
}

func WithLogger(l log.Logger) Option {
	return func(b *Base) { b.logger = l }
}

// Base tracks the lifecycle of a connected client: initialization, enabled
// state and request coalescing.
type Base struct {
	client   Client
	filterBy *selection.Selection
	logger   log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	update *coalesce.Coalescer

	mtx         sync.Mutex
	enabled     bool
	initialized bool
	requested   bool
	request     *syntax.Query
	requester   Requester
	pending     chan struct{}
}

// New wraps c in a lifecycle. The client is enabled unless Disabled is
// given.
func New(c Client, opts ...Option) *Base {
	b := &Base{
		client:  c,
		logger:  util_log.Logger,
		enabled: true,
	}
	for _, o := range opts {
		o(b)
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.update = coalesce.New(b.ctx, func(ctx context.Context) {
		wait(ctx, b.RequestQuery(nil))
	})
	return b
}

// Client returns the wrapped client. Selections identify the client by
// this value.
func (b *Base) Client() Client { return b.client }

// FilterBy returns the selection filtering the client, or nil.
func (b *Base) FilterBy() *selection.Selection { return b.filterBy }

// FilterStable reports whether the client can be indexed.
func (b *Base) FilterStable() bool { return b.client.FilterStable() }

func (b *Base) Enabled() bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.enabled
}

func (b *Base) Initialized() bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.initialized
}

// Connected reports whether the client is attached to a requester.
func (b *Base) Connected() bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.requester != nil
}

// SetRequester attaches the client to r, or detaches it when r is nil.
func (b *Base) SetRequester(r Requester) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.requester = r
}

// SetEnabled enables or disables the client. Enabling an uninitialized
// client initializes it; otherwise a request recorded while disabled is
// replayed.
func (b *Base) SetEnabled(enabled bool) {
	b.mtx.Lock()
	if b.enabled == enabled {
		b.mtx.Unlock()
		return
	}
	b.enabled = enabled
	if !enabled {
		b.mtx.Unlock()
		return
	}
	initialized := b.initialized
	requested, q := b.requested, b.request
	b.requested, b.request = false, nil
	b.mtx.Unlock()

	if !initialized {
		b.Initialize()
	} else if requested {
		b.RequestQuery(q)
	}
}

// Initialize prepares the client and requests its first query in the
// background. It does nothing until the client is enabled and connected.
func (b *Base) Initialize() {
	b.mtx.Lock()
	if !b.enabled {
		b.initialized = false
		b.mtx.Unlock()
		return
	}
	if b.requester == nil {
		b.mtx.Unlock()
		return
	}
	b.initialized = true
	done := make(chan struct{})
	b.pending = done
	b.mtx.Unlock()

	go func() {
		defer close(done)
		if err := b.client.Prepare(b.ctx); err != nil {
			level.Error(b.logger).Log("msg", "failed to prepare client", "err", err)
			b.client.QueryError(err)
			return
		}
		wait(b.ctx, b.RequestQuery(nil))
	}()
}

// RequestQuery requests q, or the client's own query for its current
// filter when q is nil. A disabled client records the request instead and
// returns nil.
func (b *Base) RequestQuery(q *syntax.Query) <-chan struct{} {
	b.mtx.Lock()
	if !b.enabled {
		b.requested, b.request = true, q
		b.mtx.Unlock()
		return nil
	}
	r := b.requester
	b.mtx.Unlock()

	if r == nil {
		return nil
	}
	if q == nil {
		q = b.client.Query(b.filter())
	}
	return r.RequestQuery(b, q)
}

// RequestUpdate requests the client's query, coalescing calls made while a
// previous request is outstanding into one trailing request.
func (b *Base) RequestUpdate() {
	if b.Enabled() {
		b.update.Trigger()
		return
	}
	b.RequestQuery(nil)
}

// Update notifies clients implementing Updater.
func (b *Base) Update() {
	if u, ok := b.client.(Updater); ok {
		u.Update()
	}
}

// Destroy disables the client and disconnects it.
func (b *Base) Destroy() {
	b.SetEnabled(false)
	b.mtx.Lock()
	r := b.requester
	b.mtx.Unlock()
	if r != nil {
		r.Disconnect(b)
	}
	b.cancel()
}

// Wait blocks until initialization and coalesced updates are done.
func (b *Base) Wait(ctx context.Context) error {
	b.mtx.Lock()
	pending := b.pending
	b.mtx.Unlock()
	if pending != nil {
		select {
		case <-pending:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return b.update.Wait(ctx)
}

func (b *Base) filter() []syntax.Expr {
	if b.filterBy == nil {
		return nil
	}
	return b.filterBy.PredicateNoSkip(b.client)
}

func wait(ctx context.Context, done <-chan struct{}) {
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}
