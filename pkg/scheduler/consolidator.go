package scheduler

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/coder/quartz"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/grafana/crossfilter/pkg/cache"
	"github.com/grafana/crossfilter/pkg/connector"
	"github.com/grafana/crossfilter/pkg/syntax"
)

// consolidator collects arrow requests for a short window and merges the
// ones that read the same rows into a single query.
type consolidator struct {
	s      *Scheduler
	clock  quartz.Clock
	window time.Duration

	mtx     sync.Mutex
	pending []*entry
	timer   *quartz.Timer
}

func newConsolidator(s *Scheduler, clock quartz.Clock, window time.Duration) *consolidator {
	return &consolidator{s: s, clock: clock, window: window}
}

func (c *consolidator) add(e *entry) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.pending = append(c.pending, e)
	if c.timer == nil {
		c.timer = c.clock.AfterFunc(c.window, c.flush)
	}
}

func (c *consolidator) take() []*entry {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	pending := c.pending
	c.pending = nil
	return pending
}

func (c *consolidator) flush() {
	for _, g := range c.groups(c.take()) {
		c.consolidate(g)
	}
}

func (c *consolidator) cancel(set map[*Result]struct{}) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	kept := c.pending[:0:0]
	for _, e := range c.pending {
		if _, ok := set[e.result]; ok {
			c.s.discard(e.result, ErrCanceled, "canceled")
			continue
		}
		kept = append(kept, e)
	}
	c.pending = kept
}

// supersede rejects waiting latest-only requests of stream.
func (c *consolidator) supersede(stream string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	for _, e := range c.pending {
		if e.latestOnly() && e.req.Stream == stream {
			c.s.discard(e.result, ErrSuperseded, "superseded")
		}
	}
}

func (c *consolidator) clear() {
	for _, e := range c.take() {
		c.s.discard(e.result, ErrCleared, "cleared")
	}
}

type group struct {
	entries []*entry
}

// groups partitions entries by consolidation key, keeping the order in
// which keys and entries first appeared.
func (c *consolidator) groups(entries []*entry) []*group {
	var (
		out   []*group
		byKey = map[string]*group{}
	)
	for _, e := range entries {
		if e.result.State() != StatePending {
			continue
		}
		key := c.key(e)
		g, ok := byKey[key]
		if !ok {
			g = &group{}
			byKey[key] = g
			out = append(out, g)
		}
		g.entries = append(g.entries, e)
	}
	return out
}

// key returns the text of the query with its select list removed. Queries
// that cannot be analyzed are keyed by their own text.
func (c *consolidator) key(e *entry) string {
	q, ok := e.req.Query.(*syntax.Query)
	if !ok {
		return e.sql
	}
	if len(q.Order) > 0 || len(q.Filter) > 0 || len(q.QualifyBy) > 0 || len(q.HavingBy) > 0 || q.Distinct {
		// these clauses may refer to derived columns we cannot resolve
		return e.sql
	}
	if _, cached := c.s.cache.Get(e.sql); cached {
		return e.sql
	}

	stripped := q.Clone()
	stripped.Items = nil
	if len(q.Groups) > 0 {
		stripped.Groups = resolveGroups(q.Groups, aliasExprs(q.Items))
	} else {
		for _, it := range q.Items {
			if syntax.IsAggregate(it.Expr) {
				// keep ungrouped aggregates apart from plain selections
				stripped.GroupAll = true
				break
			}
		}
	}
	return stripped.SQL()
}

func aliasExprs(items []syntax.SelectItem) map[string]syntax.Expr {
	m := make(map[string]syntax.Expr, len(items))
	for _, it := range items {
		m[it.Alias] = it.Expr
	}
	return m
}

func resolveGroups(groups []syntax.Expr, byAlias map[string]syntax.Expr) []syntax.Expr {
	out := make([]syntax.Expr, len(groups))
	for i, g := range groups {
		out[i] = g
		if col, ok := g.(syntax.Column); ok && col.Table == "" {
			if e, ok := byAlias[col.Name]; ok {
				out[i] = e
			}
		}
	}
	return out
}

// shouldConsolidate reports whether a group holds distinct queries. Groups
// of identical queries are served by the cache instead.
func (g *group) shouldConsolidate() bool {
	for _, e := range g.entries[1:] {
		if e.sql != g.entries[0].sql {
			return true
		}
	}
	return false
}

// projection maps a column of the consolidated result to an alias of a
// member query.
type projection struct {
	column string
	alias  string
}

func (c *consolidator) consolidate(g *group) {
	if len(g.entries) < 2 || !g.shouldConsolidate() {
		for _, e := range g.entries {
			c.s.enqueue(e)
		}
		return
	}

	query, maps := consolidatedQuery(g)
	combined := &entry{
		req:    Request{Type: connector.Arrow, Query: query, Priority: Normal},
		sql:    query.SQL(),
		result: NewResult(),
	}

	c.s.mtx.Lock()
	for _, e := range g.entries {
		c.s.members[e.result] = e
	}
	c.s.mtx.Unlock()
	c.s.metrics.consolidated.Add(float64(len(g.entries)))
	level.Debug(c.s.logger).Log("msg", "consolidated requests", "requests", len(g.entries), "sql", combined.sql)

	c.s.enqueue(combined)
	go c.process(g, combined.result, maps)
}

func consolidatedQuery(g *group) (*syntax.Query, [][]projection) {
	var (
		items  []syntax.SelectItem
		fields = map[string]string{} // expression SQL -> column name
		maps   = make([][]projection, len(g.entries))
	)
	for i, e := range g.entries {
		q := e.req.Query.(*syntax.Query)
		for _, it := range q.Items {
			text := it.Expr.SQL()
			name, ok := fields[text]
			if !ok {
				name = "col" + strconv.Itoa(len(fields))
				fields[text] = name
				items = append(items, syntax.As(name, it.Expr))
			}
			maps[i] = append(maps[i], projection{column: name, alias: it.Alias})
		}
	}

	query := g.entries[0].req.Query.(*syntax.Query).Clone()
	if len(query.Groups) > 0 {
		names := map[string]syntax.Expr{}
		for _, p := range maps[0] {
			names[p.alias] = syntax.Col(p.column)
		}
		query.Groups = resolveGroups(query.Groups, names)
	}
	query.Items = items
	return query, maps
}

func (c *consolidator) process(g *group, combined *Result, maps [][]projection) {
	data, err := combined.Wait(context.Background())

	defer func() {
		c.s.mtx.Lock()
		for _, e := range g.entries {
			delete(c.s.members, e.result)
		}
		c.s.mtx.Unlock()
	}()

	if err != nil {
		for _, e := range g.entries {
			e.result.Reject(err)
		}
		return
	}
	rec, ok := data.(arrow.Record)
	if !ok {
		err := errors.Errorf("consolidated query returned %T, not an arrow record", data)
		for _, e := range g.entries {
			e.result.Reject(err)
		}
		return
	}

	for i, e := range g.entries {
		extract, err := project(rec, maps[i])
		if err != nil {
			e.result.Reject(err)
			continue
		}
		if e.req.Cache {
			c.s.cache.Set(e.sql, extract, cache.SetOptions{Persist: e.req.Persist})
		}
		e.result.FulfillWith(extract)
	}
}

// project selects the mapped columns of rec, renamed to their aliases.
func project(rec arrow.Record, m []projection) (arrow.Record, error) {
	schema := rec.Schema()
	fields := make([]arrow.Field, len(m))
	cols := make([]arrow.Array, len(m))
	for i, p := range m {
		idx := schema.FieldIndices(p.column)
		if len(idx) == 0 {
			return nil, errors.Errorf("consolidated result has no column %q", p.column)
		}
		f := schema.Field(idx[0])
		f.Name = p.alias
		fields[i] = f
		cols[i] = rec.Column(idx[0])
	}
	return array.NewRecord(arrow.NewSchema(fields, nil), cols, rec.NumRows()), nil
}
