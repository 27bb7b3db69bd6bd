package tiles

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/grafana/crossfilter/pkg/selection"
	"github.com/grafana/crossfilter/pkg/syntax"
)

// activeView is the discretized form of the active clause that tiles are
// grouped by.
type activeView struct {
	source  any
	schema  string
	ok      bool
	columns []syntax.SelectItem
	// predicate rewrites a clause predicate of the same shape against the
	// tile's active columns.
	predicate func(p syntax.Expr) []syntax.Expr
}

func (a *activeView) names() []string {
	out := make([]string, len(a.columns))
	for i, c := range a.columns {
		out[i] = c.Alias
	}
	return out
}

func activeColumns(clause *selection.Clause) *activeView {
	view := &activeView{source: clause.Source, schema: schemaOf(clause)}
	if clause.Meta == nil || clause.Predicate == nil || len(syntax.Columns(clause.Predicate)) == 0 {
		return view
	}
	meta := clause.Meta

	switch meta.Type {
	case selection.TypePoint:
		for _, c := range syntax.Columns(clause.Predicate) {
			view.columns = append(view.columns, syntax.As(c, syntax.Col(c)))
		}
		view.predicate = func(p syntax.Expr) []syntax.Expr {
			if p == nil {
				return nil
			}
			return []syntax.Expr{p}
		}
	case selection.TypeInterval:
		ranges := betweens(clause.Predicate)
		if len(meta.Scales) == 0 || len(ranges) != len(meta.Scales) {
			return view
		}
		bins := make([]binFunc, len(meta.Scales))
		for i, s := range meta.Scales {
			if bins[i] = binInterval(s, meta.PixelSize, meta.Bin); bins[i] == nil {
				return view
			}
		}
		for i, r := range ranges {
			view.columns = append(view.columns, syntax.As(activeName(i), bins[i](r.X)))
		}
		view.predicate = func(p syntax.Expr) []syntax.Expr {
			rs := betweens(p)
			if len(rs) != len(bins) {
				return nil
			}
			out := make([]syntax.Expr, len(rs))
			for i, r := range rs {
				out[i] = syntax.IsBetween(syntax.Col(activeName(i)), bins[i](r.Lo), bins[i](r.Hi))
			}
			return []syntax.Expr{syntax.And(out...)}
		}
	default:
		return view
	}
	view.ok = true
	return view
}

// schemaOf identifies the shape of a clause: tiles built for one clause
// can answer another only if both have the same schema.
func schemaOf(clause *selection.Clause) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%q", syntax.Columns(clause.Predicate))
	if m := clause.Meta; m != nil {
		fmt.Fprintf(&b, " %s %v %g %s", m.Type, m.Scales, m.PixelSize, strings.ToLower(m.Bin))
	}
	return b.String()
}

func activeName(i int) string { return "active" + strconv.Itoa(i) }

// betweens returns the range tests of an interval predicate: a single
// BETWEEN or a conjunction of them.
func betweens(p syntax.Expr) []syntax.Between {
	switch e := p.(type) {
	case syntax.Between:
		return []syntax.Between{e}
	case syntax.Logical:
		if e.Op != "AND" {
			return nil
		}
		out := make([]syntax.Between, 0, len(e.Clauses))
		for _, c := range e.Clauses {
			b, ok := c.(syntax.Between)
			if !ok {
				return nil
			}
			out = append(out, b)
		}
		return out
	}
	return nil
}

type binFunc func(x syntax.Expr) syntax.Expr

// binInterval returns a function mapping values to integer pixel bins of
// scale, or nil for unsupported scales and empty or invalid domains.
func binInterval(scale selection.Scale, pixelSize float64, bin string) binFunc {
	t, ok := transformFor(scale)
	if !ok || len(scale.Domain) < 2 {
		return nil
	}
	identity := scale.Type == "identity"
	if !identity && len(scale.Range) < 2 {
		return nil
	}
	if pixelSize <= 0 {
		pixelSize = 1
	}
	fn := "FLOOR"
	switch strings.ToLower(bin) {
	case "ceil":
		fn = "CEIL"
	case "round":
		fn = "ROUND"
	}

	lo := t.apply(math.Min(scale.Domain[0], scale.Domain[1]))
	hi := t.apply(math.Max(scale.Domain[0], scale.Domain[1]))
	a := 1.0
	if !identity {
		a = math.Abs(scale.Range[1]-scale.Range[0]) / (hi - lo)
	}
	s := a / pixelSize
	if !finite(lo) || !finite(hi) || !finite(s) || hi == lo {
		return nil
	}

	return func(x syntax.Expr) syntax.Expr {
		e := t.sql(x)
		if lo != 0 {
			e = syntax.Sub(e, syntax.CastAs(syntax.Lit(lo), "DOUBLE"))
		}
		if s != 1 {
			e = syntax.Mul(syntax.CastAs(syntax.Lit(s), "DOUBLE"), e)
		}
		return syntax.CastAs(syntax.Fn(fn, e), "INTEGER")
	}
}

// transform maps data values to the scale's linear space, both in Go and in
// SQL.
type transform struct {
	apply func(float64) float64
	sql   func(syntax.Expr) syntax.Expr
}

func sign(x syntax.Expr) syntax.Expr { return syntax.Fn("SIGN", x) }
func abs(x syntax.Expr) syntax.Expr  { return syntax.Fn("ABS", x) }

func finite(x float64) bool { return !math.IsInf(x, 0) && !math.IsNaN(x) }

func signOf(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}

func transformFor(s selection.Scale) (transform, bool) {
	switch s.Type {
	case "identity", "linear":
		return transform{
			apply: func(x float64) float64 { return x },
			sql:   func(x syntax.Expr) syntax.Expr { return x },
		}, true
	case "log":
		switch s.Base {
		case 0, math.E:
			return transform{
				apply: math.Log,
				sql:   func(x syntax.Expr) syntax.Expr { return syntax.Fn("LN", x) },
			}, true
		case 10:
			return transform{
				apply: math.Log10,
				sql:   func(x syntax.Expr) syntax.Expr { return syntax.Fn("LOG", x) },
			}, true
		}
		b := s.Base
		return transform{
			apply: func(x float64) float64 { return math.Log(x) / math.Log(b) },
			sql: func(x syntax.Expr) syntax.Expr {
				return syntax.Div(syntax.Fn("LN", x), syntax.Fn("LN", syntax.Lit(b)))
			},
		}, true
	case "symlog":
		c := s.Constant
		if c == 0 {
			c = 1
		}
		return transform{
			apply: func(x float64) float64 { return signOf(x) * math.Log1p(math.Abs(x)) },
			sql: func(x syntax.Expr) syntax.Expr {
				return syntax.Mul(sign(x), syntax.Fn("LN", syntax.Add(syntax.Lit(c), abs(x))))
			},
		}, true
	case "sqrt":
		return transform{
			apply: func(x float64) float64 { return signOf(x) * math.Sqrt(math.Abs(x)) },
			sql: func(x syntax.Expr) syntax.Expr {
				return syntax.Mul(sign(x), syntax.Fn("SQRT", abs(x)))
			},
		}, true
	case "pow":
		e := s.Exponent
		if e == 0 {
			e = 1
		}
		return transform{
			apply: func(x float64) float64 { return signOf(x) * math.Pow(math.Abs(x), e) },
			sql: func(x syntax.Expr) syntax.Expr {
				return syntax.Mul(sign(x), syntax.Fn("POW", abs(x), syntax.Lit(e)))
			},
		}, true
	case "time", "utc":
		return transform{
			apply: func(x float64) float64 { return x },
			sql:   epochMillis,
		}, true
	}
	return transform{}, false
}

// epochMillis converts a timestamp to milliseconds since the epoch. Time
// literals are converted directly.
func epochMillis(x syntax.Expr) syntax.Expr {
	if lit, ok := x.(syntax.Literal); ok {
		if t, ok := lit.Value.(time.Time); ok {
			return syntax.Lit(t.UnixMilli())
		}
	}
	return syntax.Fn("EPOCH_MS", x)
}
