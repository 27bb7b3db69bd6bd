// Package coordinator connects clients to a scheduler and keeps them up to
// date as the selections they are filtered by change.
package coordinator

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/crossfilter/pkg/cache"
	"github.com/grafana/crossfilter/pkg/client"
	"github.com/grafana/crossfilter/pkg/connector"
	"github.com/grafana/crossfilter/pkg/scheduler"
	"github.com/grafana/crossfilter/pkg/selection"
	"github.com/grafana/crossfilter/pkg/syntax"
	"github.com/grafana/crossfilter/pkg/tiles"
)

var ErrClientAlreadyConnected = errors.New("client already connected")

type Config struct {
	Scheduler scheduler.Config `yaml:"scheduler"`
	Cache     cache.Config     `yaml:"cache"`
	Tiles     tiles.Config     `yaml:"tiles"`

	// SupersedeUpdates drops a client's outstanding update once a newer one
	// is requested.
	SupersedeUpdates bool `yaml:"supersede_updates"`
}

// RegisterFlags registers flags.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.Scheduler.RegisterFlags(f)
	cfg.Cache.RegisterFlags(f)
	cfg.Tiles.RegisterFlags(f)
	f.BoolVar(&cfg.SupersedeUpdates, "coordinator.supersede-updates", true, "Cancel a client's queued or running update when a newer update for the same client is requested.")
}

func (cfg *Config) Validate() error {
	if err := cfg.Scheduler.Validate(); err != nil {
		return errors.Wrap(err, "invalid scheduler config")
	}
	if err := cfg.Cache.Validate(); err != nil {
		return errors.Wrap(err, "invalid cache config")
	}
	return nil
}

// Coordinator manages connected clients and the queries issued for them.
type Coordinator struct {
	cfg     Config
	logger  log.Logger
	sched   *scheduler.Scheduler
	indexer *tiles.Indexer

	mtx     sync.Mutex
	clients map[*client.Base]*delivery
	groups  map[*selection.Selection]*filterGroup
}

// delivery tracks the tail of a client's result delivery chain.
type delivery struct {
	stream string
	tail   <-chan struct{}
}

// New returns a coordinator querying conn. A nil formatter accepts SQL
// strings and query builders.
func New(cfg Config, conn connector.Connector, format scheduler.Formatter, logger log.Logger, reg prometheus.Registerer) (*Coordinator, error) {
	c, err := cache.New(cfg.Cache, reg)
	if err != nil {
		return nil, errors.Wrap(err, "create cache")
	}
	co := &Coordinator{
		cfg:     cfg,
		logger:  log.With(logger, "component", "coordinator"),
		sched:   scheduler.New(cfg.Scheduler, conn, c, format, logger, reg),
		clients: map[*client.Base]*delivery{},
		groups:  map[*selection.Selection]*filterGroup{},
	}
	co.indexer = tiles.New(cfg.Tiles, co, logger, reg)
	return co, nil
}

func (c *Coordinator) Scheduler() *scheduler.Scheduler { return c.sched }

func (c *Coordinator) Indexer() *tiles.Indexer { return c.indexer }

// QueryOption customizes a query request.
type QueryOption func(*scheduler.Request)

// WithType sets the result format.
func WithType(t connector.Type) QueryOption {
	return func(r *scheduler.Request) { r.Type = t }
}

func WithPriority(p scheduler.Priority) QueryOption {
	return func(r *scheduler.Request) { r.Priority = p }
}

// WithCache toggles result caching, which is on by default.
func WithCache(enabled bool) QueryOption {
	return func(r *scheduler.Request) { r.Cache = enabled }
}

// WithPersist keeps the cached result beyond the cache's time-to-live.
func WithPersist() QueryOption {
	return func(r *scheduler.Request) { r.Persist = true }
}

// LatestOnly makes the request supersede earlier requests of stream.
func LatestOnly(stream string) QueryOption {
	return func(r *scheduler.Request) {
		r.Stream = stream
		r.LatestOnly = true
	}
}

// WithOptions passes backend specific options to the connector.
func WithOptions(opts map[string]any) QueryOption {
	return func(r *scheduler.Request) { r.Options = opts }
}

// Query requests q, by default as a cached arrow result at normal priority.
func (c *Coordinator) Query(q any, opts ...QueryOption) *scheduler.Result {
	req := scheduler.Request{
		Type:     connector.Arrow,
		Query:    q,
		Cache:    true,
		Priority: scheduler.Normal,
	}
	for _, o := range opts {
		o(&req)
	}
	return c.sched.Request(req)
}

// Prefetch requests q at low priority so that later identical queries are
// answered from the cache.
func (c *Coordinator) Prefetch(q any, opts ...QueryOption) *scheduler.Result {
	opts = append(opts, WithCache(true), WithPriority(scheduler.Low))
	return c.Query(q, opts...)
}

// Exec runs statements that return no rows as a single request.
func (c *Coordinator) Exec(stmts ...string) *scheduler.Result {
	parts := make([]string, 0, len(stmts))
	for _, s := range stmts {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return c.sched.Request(scheduler.Request{
		Type:     connector.Exec,
		Query:    strings.Join(parts, ";\n"),
		Priority: scheduler.Normal,
	})
}

// Cancel rejects the given results with scheduler.ErrCanceled.
func (c *Coordinator) Cancel(results ...*scheduler.Result) {
	c.sched.Cancel(results...)
}

type clearOptions struct {
	keepClients bool
	keepCache   bool
}

type ClearOption func(*clearOptions)

// KeepClients leaves clients connected.
func KeepClients() ClearOption { return func(o *clearOptions) { o.keepClients = true } }

// KeepCache leaves cached results in place.
func KeepCache() ClearOption { return func(o *clearOptions) { o.keepCache = true } }

// Clear rejects all outstanding requests, drops tiles and by default also
// disconnects every client and empties the cache.
func (c *Coordinator) Clear(opts ...ClearOption) {
	var o clearOptions
	for _, fn := range opts {
		fn(&o)
	}
	c.sched.Clear()
	c.indexer.Clear()

	if !o.keepClients {
		c.mtx.Lock()
		clients := make([]*client.Base, 0, len(c.clients))
		for b := range c.clients {
			clients = append(clients, b)
		}
		groups := c.groups
		c.clients = map[*client.Base]*delivery{}
		c.groups = map[*selection.Selection]*filterGroup{}
		c.mtx.Unlock()

		for _, g := range groups {
			g.close()
		}
		for _, b := range clients {
			b.SetRequester(nil)
		}
	}
	if !o.keepCache {
		c.sched.Cache().Clear()
	}
}

// Connect attaches b, initializes it and subscribes it to its filter
// selection.
func (c *Coordinator) Connect(b *client.Base) error {
	c.mtx.Lock()
	if _, ok := c.clients[b]; ok {
		c.mtx.Unlock()
		return ErrClientAlreadyConnected
	}
	c.clients[b] = &delivery{stream: fmt.Sprintf("client-%p", b)}
	c.mtx.Unlock()

	b.SetRequester(c)
	b.Initialize()
	c.connectSelection(b)
	return nil
}

// Disconnect disables and detaches b and withdraws the clauses it
// contributed to the selections of connected clients. Results still being
// delivered to it are not canceled.
func (c *Coordinator) Disconnect(b *client.Base) {
	c.mtx.Lock()
	if _, ok := c.clients[b]; !ok {
		c.mtx.Unlock()
		return
	}
	delete(c.clients, b)
	var empty *filterGroup
	if sel := b.FilterBy(); sel != nil {
		if g, ok := c.groups[sel]; ok && g.remove(b) == 0 {
			delete(c.groups, sel)
			empty = g
		}
	}
	sels := make([]*selection.Selection, 0, len(c.groups)+1)
	for sel := range c.groups {
		sels = append(sels, sel)
	}
	c.mtx.Unlock()

	if empty != nil {
		empty.close()
		sels = append(sels, empty.sel)
	}
	b.SetEnabled(false)
	b.SetRequester(nil)

	source := b.Client()
	for _, sel := range sels {
		if hasClause(sel, source) {
			sel.Update(&selection.Clause{Source: source})
		}
	}
}

func hasClause(sel *selection.Selection, source any) bool {
	for _, clause := range sel.Clauses().List {
		if clause.Source == source {
			return true
		}
	}
	return false
}

// Connected reports whether b is attached to c.
func (c *Coordinator) Connected(b *client.Base) bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	_, ok := c.clients[b]
	return ok
}

// RequestQuery implements client.Requester. A nil query only asks the
// client to update.
func (c *Coordinator) RequestQuery(b *client.Base, q *syntax.Query) <-chan struct{} {
	c.indexer.Clear()
	if q == nil {
		b.Update()
		return closed
	}
	return c.updateClient(b, q)
}

var closed = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// updateClient requests q for b and delivers the outcome once everything
// requested for b before has been delivered.
func (c *Coordinator) updateClient(b *client.Base, q *syntax.Query) <-chan struct{} {
	c.mtx.Lock()
	d, ok := c.clients[b]
	if !ok {
		c.mtx.Unlock()
		return closed
	}
	prev := d.tail
	done := make(chan struct{})
	d.tail = done
	c.mtx.Unlock()

	opts := []QueryOption{}
	if c.cfg.SupersedeUpdates {
		opts = append(opts, LatestOnly(d.stream))
	}
	result := c.Query(q, opts...)

	go c.deliver(b, prev, result, done)
	return done
}

func (c *Coordinator) deliver(b *client.Base, prev <-chan struct{}, result *scheduler.Result, done chan struct{}) {
	defer close(done)
	if prev != nil {
		<-prev
	}
	cl := b.Client()
	cl.QueryPending()
	data, err := result.Wait(context.Background())
	if err != nil {
		if scheduler.IsCancellation(err) {
			level.Debug(c.logger).Log("msg", "client query canceled", "err", err)
		} else {
			level.Error(c.logger).Log("msg", "client query failed", "err", err)
		}
		cl.QueryError(err)
		return
	}
	cl.QueryResult(data)
	b.Update()
}
