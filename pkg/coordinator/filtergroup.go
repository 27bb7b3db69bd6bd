package coordinator

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/grafana/crossfilter/pkg/client"
	"github.com/grafana/crossfilter/pkg/dispatch"
	"github.com/grafana/crossfilter/pkg/selection"
	"github.com/grafana/crossfilter/pkg/syntax"
)

// filterGroup holds the clients filtered by one selection and the
// selection listeners updating them.
type filterGroup struct {
	sel *selection.Selection

	mtx     sync.Mutex
	clients []*client.Base

	onValue, onActivate dispatch.Handle
}

func (g *filterGroup) add(b *client.Base) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	g.clients = append(g.clients, b)
}

// remove drops b and returns the number of clients left.
func (g *filterGroup) remove(b *client.Base) int {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	for i, c := range g.clients {
		if c == b {
			g.clients = append(g.clients[:i:i], g.clients[i+1:]...)
			break
		}
	}
	return len(g.clients)
}

func (g *filterGroup) snapshot() []*client.Base {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return append([]*client.Base(nil), g.clients...)
}

func (g *filterGroup) close() {
	g.sel.Off(selection.EventValue, g.onValue)
	g.sel.Off(selection.EventActivate, g.onActivate)
}

func (c *Coordinator) connectSelection(b *client.Base) {
	sel := b.FilterBy()
	if sel == nil {
		return
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if g, ok := c.groups[sel]; ok {
		g.add(b)
		return
	}
	g := &filterGroup{sel: sel, clients: []*client.Base{b}}
	g.onValue = sel.On(selection.EventValue, func(ctx context.Context, _ any) error {
		return c.updateSelection(ctx, g)
	})
	g.onActivate = sel.On(selection.EventActivate, func(_ context.Context, v any) error {
		if clause, ok := v.(*selection.Clause); ok {
			c.activateSelection(g, clause)
		}
		return nil
	})
	c.groups[sel] = g
}

// activateSelection builds tiles for an upcoming clause ahead of time.
func (c *Coordinator) activateSelection(g *filterGroup, clause *selection.Clause) {
	for _, b := range g.snapshot() {
		if b.Enabled() {
			c.indexer.Index(b.Client(), g.sel, clause)
		}
	}
}

// updateSelection refreshes every client of g for the selection's current
// value. It returns once all updates have been delivered.
func (c *Coordinator) updateSelection(ctx context.Context, g *filterGroup) error {
	active := g.sel.Active()
	var eg errgroup.Group
	for _, b := range g.snapshot() {
		eg.Go(func() error {
			done := c.updateFiltered(b, g.sel, active)
			if done == nil {
				return nil
			}
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		})
	}
	return eg.Wait()
}

func (c *Coordinator) updateFiltered(b *client.Base, sel *selection.Selection, active *selection.Clause) <-chan struct{} {
	if !b.Enabled() {
		return b.RequestQuery(nil)
	}
	cl := b.Client()

	var q *syntax.Query
	if info := c.indexer.Index(cl, sel, active); info != nil {
		if info.Skip {
			return nil
		}
		var p syntax.Expr
		if active != nil {
			p = active.Predicate
		}
		q = info.Query(p)
	} else {
		filter, ok := sel.Predicate(cl)
		if !ok {
			return nil
		}
		q = cl.Query(filter)
	}
	if q == nil {
		b.Update()
		return nil
	}
	return c.updateClient(b, q)
}
