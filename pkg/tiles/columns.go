package tiles

import (
	"strings"

	"github.com/grafana/crossfilter/pkg/client"
	"github.com/grafana/crossfilter/pkg/syntax"
)

// indexColumns describes how a client's output is recomputed from a tile:
// dims are its grouping columns, aggr re-aggregates tile rows into the
// client's aggregates and aux are extra tile columns those need.
type indexColumns struct {
	from string
	dims []string
	aggr []syntax.SelectItem
	aux  []syntax.SelectItem
}

func (ic *indexColumns) addAux(name string, expr syntax.Expr) {
	for _, it := range ic.aux {
		if it.Alias == name {
			return
		}
	}
	ic.aux = append(ic.aux, syntax.As(name, expr))
}

// columnsFor analyzes the unfiltered query of c. It returns false if the
// query cannot be answered from a tile.
func columnsFor(c client.Client) (*indexColumns, bool) {
	if !c.FilterStable() {
		return nil, false
	}
	q := c.Query(nil)
	if q == nil {
		return nil, false
	}
	from, ok := baseTable(q)
	if !ok {
		return nil, false
	}

	groups := map[string]struct{}{}
	for _, g := range q.Groups {
		if col, ok := g.(syntax.Column); ok {
			groups[col.Name] = struct{}{}
		}
	}

	ic := &indexColumns{from: from}
	for _, it := range q.Items {
		as := it.Alias
		agg, ok := it.Expr.(syntax.Aggregate)
		if !ok {
			if _, grouped := groups[as]; !grouped {
				return nil, false
			}
			ic.dims = append(ic.dims, as)
			continue
		}
		if agg.Distinct {
			return nil, false
		}
		out, ok := reaggregate(ic, as, agg)
		if !ok {
			return nil, false
		}
		ic.aggr = append(ic.aggr, syntax.As(as, out))
	}
	return ic, true
}

// reaggregate returns the expression combining tile rows of column as,
// computed by agg, into the client's value.
func reaggregate(ic *indexColumns, as string, agg syntax.Aggregate) (syntax.Expr, bool) {
	col := syntax.Col(as)
	switch agg.Name {
	case "COUNT", "SUM":
		return syntax.CastAs(syntax.Sum(col), "DOUBLE"), true
	case "AVG":
		if len(agg.Args) != 1 {
			return nil, false
		}
		n := auxName("count", agg.Args[0])
		ic.addAux(n, syntax.Count(agg.Args[0]))
		return syntax.Div(syntax.Sum(syntax.Mul(col, syntax.Col(n))), syntax.Sum(syntax.Col(n))), true
	case "ARG_MAX", "ARG_MIN":
		if len(agg.Args) != 2 {
			return nil, false
		}
		op := "MAX"
		if agg.Name == "ARG_MIN" {
			op = "MIN"
		}
		n := auxName(strings.ToLower(op), agg.Args[1])
		ic.addAux(n, syntax.Agg(op, agg.Args[1]))
		return syntax.Agg(agg.Name, col, syntax.Col(n)), true
	case "MAX", "MIN", "BIT_AND", "BIT_OR", "BIT_XOR", "BOOL_AND", "BOOL_OR", "PRODUCT":
		return syntax.Agg(agg.Name, col), true
	}
	return nil, false
}

func auxName(kind string, arg syntax.Expr) string {
	s := strings.NewReplacer(`"`, "", " ", "_").Replace(arg.SQL())
	return "__" + kind + "_" + s + "__"
}

// baseTable returns the single table q reads from, looking through
// subqueries.
func baseTable(q *syntax.Query) (string, bool) {
	name, state := base(q)
	return name, state == baseFound
}

type baseState int

const (
	baseNone baseState = iota
	baseFound
	baseConflict
)

func base(q *syntax.Query) (string, baseState) {
	if len(q.FromItems) == 0 {
		return "", baseNone
	}
	subq := q.Subqueries()
	if len(subq) == 0 {
		return q.FromItems[0].Table, baseFound
	}
	name, state := base(subq[0])
	for _, s := range subq[1:] {
		n, st := base(s)
		switch {
		case st == baseNone:
			continue
		case st == baseConflict || state == baseConflict:
			return "", baseConflict
		case state == baseNone:
			name, state = n, st
		case n != name:
			return "", baseConflict
		}
	}
	return name, state
}

// pushdown makes every subquery with a FROM clause select cols, so that the
// active columns resolve against the outer query.
func pushdown(q *syntax.Query, cols []string) {
	seen := map[*syntax.Query]struct{}{}
	var walk func(*syntax.Query)
	walk = func(q *syntax.Query) {
		if _, ok := seen[q]; ok {
			return
		}
		seen[q] = struct{}{}
		if len(q.FromItems) > 0 && len(q.Items) > 0 {
			q.Select(syntax.Cols(cols...)...)
		}
		for _, s := range q.Subqueries() {
			walk(s)
		}
	}
	walk(q)
}
