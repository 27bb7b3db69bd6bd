// Package selection implements cross-filter selections: sets of filter
// clauses, one per source, resolved into per-client predicates.
package selection

import (
	"sync"

	"github.com/grafana/crossfilter/pkg/dispatch"
	"github.com/grafana/crossfilter/pkg/syntax"
)

// Event types emitted by a Selection.
const (
	EventValue    = "value"
	EventActivate = "activate"
)

// Resetter is implemented by clause sources that clear their own selection
// state when a single-clause selection drops their clause.
type Resetter interface {
	Reset()
}

// Clauses is a resolved clause list and the most recently updated clause.
type Clauses struct {
	List   []*Clause
	Active *Clause
}

// Options configure a Selection.
type Options struct {
	// Cross enables cross-filtering: clauses are not applied to the clients
	// they are associated with.
	Cross bool
	// Empty selects no records while there are no clauses.
	Empty bool
	// Include lists upstream selections whose clauses are relayed to the
	// new selection.
	Include []*Selection
}

type resolver struct {
	union  bool
	cross  bool
	single bool
	empty  bool
}

// Selection is a dynamic set of filter clauses.
type Selection struct {
	*dispatch.Dispatcher
	resolver resolver

	mtx      sync.RWMutex
	value    Clauses
	resolved Clauses
	relay    []*Selection
}

// Intersect returns a selection combining clauses with AND.
func Intersect(opts Options) *Selection {
	return newSelection(resolver{cross: opts.Cross, empty: opts.Empty}, opts.Include)
}

// Union returns a selection combining clauses with OR.
func Union(opts Options) *Selection {
	return newSelection(resolver{union: true, cross: opts.Cross, empty: opts.Empty}, opts.Include)
}

// Single returns a selection keeping only the most recent clause.
func Single(opts Options) *Selection {
	return newSelection(resolver{single: true, cross: opts.Cross, empty: opts.Empty}, opts.Include)
}

// Crossfilter returns a cross-filtered intersect selection.
func Crossfilter(opts Options) *Selection {
	return newSelection(resolver{cross: true, empty: opts.Empty}, opts.Include)
}

func newSelection(r resolver, include []*Selection) *Selection {
	s := &Selection{resolver: r}
	s.Dispatcher = dispatch.New(s)
	for _, up := range include {
		up.mtx.Lock()
		up.relay = append(up.relay, s)
		up.mtx.Unlock()
	}
	return s
}

// Clone returns a copy of the selection with the same strategy and clauses.
// The copy has no listeners and does not receive relayed clauses.
func (s *Selection) Clone() *Selection {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	c := newSelection(s.resolver, nil)
	c.value = s.value
	c.resolved = s.value
	return c
}

// Remove returns a clone without the clauses of source.
func (s *Selection) Remove(source any) *Selection {
	c := s.Clone()
	list, _ := c.resolver.resolve(c.resolved.List, &Clause{Source: source}, false)
	removed := Clauses{List: list, Active: &Clause{Source: source}}
	c.value, c.resolved = removed, removed
	return c
}

// Single reports whether the selection keeps a single clause.
func (s *Selection) Single() bool { return s.resolver.single }

// Cross reports whether the selection cross-filters.
func (s *Selection) Cross() bool { return s.resolver.cross }

// Clauses returns the current clauses.
func (s *Selection) Clauses() Clauses {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.value
}

// Active returns the most recently updated clause, or nil.
func (s *Selection) Active() *Clause {
	return s.Clauses().Active
}

// Value returns the value of the active clause.
func (s *Selection) Value() any {
	if a := s.Active(); a != nil {
		return a.Value
	}
	return nil
}

// ValueFor returns the value of the clause from source, or nil.
func (s *Selection) ValueFor(source any) any {
	for _, c := range s.Clauses().List {
		if c.Source == source {
			return c.Value
		}
	}
	return nil
}

// Activate announces a clause that may be committed soon, letting listeners
// prepare for it.
func (s *Selection) Activate(clause *Clause) {
	s.Emit(EventActivate, clause)
	s.mtx.RLock()
	relay := append([]*Selection(nil), s.relay...)
	s.mtx.RUnlock()
	for _, r := range relay {
		r.Activate(clause)
	}
}

// Update replaces the clause from the same source and notifies listeners.
// Listeners of EventValue receive the new active clause.
func (s *Selection) Update(clause *Clause) *Selection {
	s.mtx.Lock()
	list, dropped := s.resolver.resolve(s.resolved.List, clause, true)
	s.resolved = Clauses{List: list, Active: clause}
	next := s.resolved
	relay := append([]*Selection(nil), s.relay...)
	s.mtx.Unlock()

	for _, src := range dropped {
		if r, ok := src.(Resetter); ok {
			r.Reset()
		}
	}
	for _, r := range relay {
		r.Update(clause)
	}
	s.Emit(EventValue, next)
	return s
}

// WillEmit implements dispatch.Hooks.
func (s *Selection) WillEmit(eventType string, value any) any {
	if eventType != EventValue {
		return value
	}
	c, ok := value.(Clauses)
	if !ok {
		return value
	}
	s.mtx.Lock()
	s.value = c
	s.mtx.Unlock()
	return c.Active
}

// QueueFilter implements dispatch.Hooks.
func (s *Selection) QueueFilter(eventType string, value any) dispatch.FilterFunc {
	if eventType != EventValue {
		return nil
	}
	c, _ := value.(Clauses)
	return s.resolver.queueFilter(c)
}

// Skip reports whether clause is not applied to client.
func (s *Selection) Skip(client any, clause *Clause) bool {
	return s.resolver.skip(client, clause)
}

// Predicate returns the filter criteria for client, to be combined with
// AND. An empty list means no restriction. ok is false if the client is the
// source of the active cross-filtered clause and needs no update.
func (s *Selection) Predicate(client any) (preds []syntax.Expr, ok bool) {
	c := s.Clauses()
	return s.resolver.predicate(c.List, c.Active, client)
}

// PredicateNoSkip is like Predicate but never skips the active source.
func (s *Selection) PredicateNoSkip(client any) []syntax.Expr {
	preds, _ := s.resolver.predicate(s.Clauses().List, nil, client)
	return preds
}

// resolve replaces the clause from the same source. Clauses without
// a predicate are not kept. In single mode every other clause is dropped,
// and with reset the sources of dropped clauses are returned.
func (r resolver) resolve(list []*Clause, clause *Clause, reset bool) ([]*Clause, []any) {
	filtered := make([]*Clause, 0, len(list)+1)
	for _, c := range list {
		if c.Source != clause.Source {
			filtered = append(filtered, c)
		}
	}
	var dropped []any
	out := filtered
	if r.single {
		out = make([]*Clause, 0, 1)
		if reset {
			for _, c := range filtered {
				if c.Source != nil {
					dropped = append(dropped, c.Source)
				}
			}
		}
	}
	if clause.Predicate != nil {
		out = append(out, clause)
	}
	return out, dropped
}

func (r resolver) skip(client any, clause *Clause) bool {
	return r.cross && clause != nil && clause.Clients.Has(client)
}

// exclude reports whether clause is left out of the predicate for client.
// A client never receives its own clause; cross-filtering additionally
// leaves out clauses that list the client.
func (r resolver) exclude(client any, clause *Clause) bool {
	if client != nil && clause.Source == client {
		return true
	}
	return r.skip(client, clause)
}

func (r resolver) predicate(list []*Clause, active *Clause, client any) ([]syntax.Expr, bool) {
	if r.empty && len(list) == 0 {
		return []syntax.Expr{syntax.Lit(false)}, true
	}
	if r.skip(client, active) {
		return nil, false
	}
	preds := make([]syntax.Expr, 0, len(list))
	for _, c := range list {
		if !r.exclude(client, c) {
			preds = append(preds, c.Predicate)
		}
	}
	if r.union && len(preds) > 1 {
		return []syntax.Expr{syntax.Or(preds...)}, true
	}
	return preds, true
}

// queueFilter keeps queued cross-filter updates from other sources so that
// concurrent updates of different clients are all dispatched.
func (r resolver) queueFilter(next Clauses) dispatch.FilterFunc {
	if !r.cross {
		return nil
	}
	var source any
	if next.Active != nil {
		source = next.Active.Source
	}
	return func(queued any) bool {
		q, ok := queued.(Clauses)
		if !ok || q.Active == nil {
			return true
		}
		return q.Active.Source != source
	}
}
