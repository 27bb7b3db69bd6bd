package tiles

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/grafana/crossfilter/pkg/client"
	"github.com/grafana/crossfilter/pkg/selection"
	"github.com/grafana/crossfilter/pkg/syntax"
)

func sqlOf(items []syntax.SelectItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Alias + "=" + it.Expr.SQL()
	}
	return out
}

func TestColumnsFor(t *testing.T) {
	c := &client.Funcs{QueryFn: func([]syntax.Expr) *syntax.Query {
		return syntax.Select(
			syntax.As("carrier", syntax.Col("carrier")),
			syntax.As("n", syntax.Count()),
			syntax.As("total", syntax.Sum(syntax.Col("delay"))),
			syntax.As("mean", syntax.Avg(syntax.Col("delay"))),
			syntax.As("worst", syntax.Max(syntax.Col("delay"))),
			syntax.As("slowest", syntax.Agg("arg_max", syntax.Col("flight"), syntax.Col("delay"))),
		).From(syntax.Table("flights")).GroupBy(syntax.Col("carrier"))
	}}

	cols, ok := columnsFor(c)
	require.True(t, ok)
	require.Equal(t, "flights", cols.from)
	require.Equal(t, []string{"carrier"}, cols.dims)
	require.Equal(t, []string{
		`n=CAST(SUM("n") AS DOUBLE)`,
		`total=CAST(SUM("total") AS DOUBLE)`,
		`mean=(SUM(("mean" * "__count_delay__")) / SUM("__count_delay__"))`,
		`worst=MAX("worst")`,
		`slowest=ARG_MAX("slowest", "__max_delay__")`,
	}, sqlOf(cols.aggr))
	require.Equal(t, []string{
		`__count_delay__=COUNT("delay")`,
		`__max_delay__=MAX("delay")`,
	}, sqlOf(cols.aux))
}

func TestColumnsFor_Ineligible(t *testing.T) {
	query := func(q *syntax.Query) *client.Funcs {
		return &client.Funcs{QueryFn: func([]syntax.Expr) *syntax.Query { return q }}
	}
	for name, c := range map[string]*client.Funcs{
		"distinct aggregate": query(syntax.Select(syntax.As("n", syntax.Aggregate{Name: "COUNT", Args: []syntax.Expr{syntax.Col("x")}, Distinct: true})).From(syntax.Table("t"))),
		"ungrouped column":   query(syntax.Select(syntax.As("x", syntax.Col("x")), syntax.As("n", syntax.Count())).From(syntax.Table("t"))),
		"nested aggregate":   query(syntax.Select(syntax.As("r", syntax.Div(syntax.Sum(syntax.Col("x")), syntax.Count()))).From(syntax.Table("t"))),
		"no table":           query(syntax.Select(syntax.As("n", syntax.Count()))),
		"two tables": query(syntax.Select(syntax.As("n", syntax.Count())).From(
			syntax.Subquery(syntax.Select(syntax.Cols("x")...).From(syntax.Table("a")), "a"),
			syntax.Subquery(syntax.Select(syntax.Cols("x")...).From(syntax.Table("b")), "b"),
		)),
	} {
		t.Run(name, func(t *testing.T) {
			_, ok := columnsFor(c)
			require.False(t, ok)
		})
	}
}

func TestBaseTable(t *testing.T) {
	inner := syntax.Select(syntax.Cols("x")...).From(syntax.Table("flights"))
	q := syntax.Select(syntax.As("n", syntax.Count())).From(syntax.Subquery(inner, "s"))
	name, ok := baseTable(q)
	require.True(t, ok)
	require.Equal(t, "flights", name)

	same := syntax.Select(syntax.As("n", syntax.Count())).From(
		syntax.Subquery(inner, "a"),
		syntax.Subquery(syntax.Select(syntax.Cols("y")...).From(syntax.Table("flights")), "b"),
	)
	name, ok = baseTable(same)
	require.True(t, ok)
	require.Equal(t, "flights", name)
}

func TestPushdown(t *testing.T) {
	inner := syntax.Select(syntax.Cols("x")...).From(syntax.Table("flights"))
	q := syntax.Select(syntax.As("n", syntax.Count())).From(syntax.Subquery(inner, "s"))
	pushdown(inner, []string{"hour"})
	require.Equal(t, `SELECT COUNT(*) AS "n" FROM (SELECT "x", "hour" FROM "flights") AS "s"`, q.SQL())
}

func TestBinInterval(t *testing.T) {
	x := syntax.Col("x")
	for _, tc := range []struct {
		name      string
		scale     selection.Scale
		pixelSize float64
		bin       string
		expected  string
	}{
		{
			name:     "identity",
			scale:    selection.Scale{Type: "identity", Domain: []float64{0, 10}},
			expected: `CAST(FLOOR("x") AS INTEGER)`,
		},
		{
			name:     "linear with offset",
			scale:    selection.Scale{Type: "linear", Domain: []float64{110, 10}, Range: []float64{0, 500}},
			bin:      "ceil",
			expected: `CAST(CEIL((CAST(5 AS DOUBLE) * ("x" - CAST(10 AS DOUBLE)))) AS INTEGER)`,
		},
		{
			name:      "pixel size",
			scale:     selection.Scale{Type: "linear", Domain: []float64{0, 100}, Range: []float64{0, 100}},
			pixelSize: 2,
			bin:       "round",
			expected:  `CAST(ROUND((CAST(0.5 AS DOUBLE) * "x")) AS INTEGER)`,
		},
		{
			name:     "sqrt",
			scale:    selection.Scale{Type: "sqrt", Domain: []float64{0, 100}, Range: []float64{0, 20}},
			expected: `CAST(FLOOR((CAST(2 AS DOUBLE) * (SIGN("x") * SQRT(ABS("x"))))) AS INTEGER)`,
		},
		{
			name:     "symlog",
			scale:    selection.Scale{Type: "symlog", Domain: []float64{0, 10}, Range: []float64{0, 10}},
			expected: `CAST(FLOOR((CAST(` + syntax.Lit(10/math.Log1p(10)).SQL() + ` AS DOUBLE) * (SIGN("x") * LN((1 + ABS("x")))))) AS INTEGER)`,
		},
		{
			name:     "pow",
			scale:    selection.Scale{Type: "pow", Exponent: 2, Domain: []float64{0, 10}, Range: []float64{0, 100}},
			expected: `CAST(FLOOR((SIGN("x") * POW(ABS("x"), 2))) AS INTEGER)`,
		},
		{
			name:     "time",
			scale:    selection.Scale{Type: "time", Domain: []float64{0, 1000}, Range: []float64{0, 100}},
			expected: `CAST(FLOOR((CAST(0.1 AS DOUBLE) * EPOCH_MS("x"))) AS INTEGER)`,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fn := binInterval(tc.scale, tc.pixelSize, tc.bin)
			require.NotNil(t, fn)
			require.Equal(t, tc.expected, fn(x).SQL())
		})
	}

	require.Nil(t, binInterval(selection.Scale{Type: "band", Domain: []float64{0, 1}}, 1, ""))
	require.Nil(t, binInterval(selection.Scale{Type: "linear", Domain: []float64{0, 1}}, 1, ""))
	require.Nil(t, binInterval(selection.Scale{Type: "log", Domain: []float64{0, 100}, Range: []float64{0, 100}}, 1, ""))
	require.Nil(t, binInterval(selection.Scale{Type: "log", Domain: []float64{-10, 100}, Range: []float64{0, 100}}, 1, ""))
	require.Nil(t, binInterval(selection.Scale{Type: "linear", Domain: []float64{5, 5}, Range: []float64{0, 100}}, 1, ""))
}

func TestEpochMillis(t *testing.T) {
	ts := time.UnixMilli(1700000000000)
	require.Equal(t, "1700000000000", epochMillis(syntax.Lit(ts)).SQL())
	require.Equal(t, `EPOCH_MS("t")`, epochMillis(syntax.Col("t")).SQL())
}
