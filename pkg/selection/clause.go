package selection

import (
	"strings"

	"github.com/grafana/crossfilter/pkg/syntax"
)

// Clause types.
const (
	TypePoint    = "point"
	TypeInterval = "interval"
	TypeMatch    = "match"
)

// Match methods.
const (
	MatchContains = "contains"
	MatchPrefix   = "prefix"
	MatchSuffix   = "suffix"
	MatchRegexp   = "regexp"
)

// Scale describes how data values of an interval selection map to pixels.
type Scale struct {
	// Type is one of identity, linear, log, symlog, sqrt, pow, time or utc.
	Type     string    `json:"type"`
	Domain   []float64 `json:"domain"`
	Range    []float64 `json:"range"`
	Base     float64   `json:"base,omitempty"`
	Constant float64   `json:"constant,omitempty"`
	Exponent float64   `json:"exponent,omitempty"`
}

// Meta describes the shape of a clause.
type Meta struct {
	Type      string
	Scales    []Scale
	Bin       string
	PixelSize float64
	Method    string
}

// ClientSet is a set of clients, compared by identity.
type ClientSet map[any]struct{}

// NewClientSet returns a set holding clients.
func NewClientSet(clients ...any) ClientSet {
	s := make(ClientSet, len(clients))
	for _, c := range clients {
		s[c] = struct{}{}
	}
	return s
}

// Has reports whether c is in the set.
func (s ClientSet) Has(c any) bool {
	if s == nil || c == nil {
		return false
	}
	_, ok := s[c]
	return ok
}

// Clause is one source's contribution to a selection.
type Clause struct {
	// Source is the client or component that produced the clause.
	Source any
	// Clients are not filtered by this clause when cross-filtering. It
	// defaults to the source.
	Clients ClientSet
	// Value is the raw selected value.
	Value any
	// Predicate is the filter expression, nil for no restriction.
	Predicate syntax.Expr
	Meta      *Meta
}

// Option configures a clause constructor.
type Option func(*Clause)

// WithClients overrides the clients exempt from the clause.
func WithClients(clients ...any) Option {
	return func(c *Clause) { c.Clients = NewClientSet(clients...) }
}

// WithBin sets the bin rounding (floor, ceil or round) of interval clauses.
func WithBin(bin string) Option {
	return func(c *Clause) { c.Meta.Bin = bin }
}

// WithPixelSize sets the pixel size of interval clauses.
func WithPixelSize(size float64) Option {
	return func(c *Clause) { c.Meta.PixelSize = size }
}

// WithScales sets the scales of interval clauses, one per field.
func WithScales(scales ...Scale) Option {
	return func(c *Clause) { c.Meta.Scales = scales }
}

func newClause(source, value any, pred syntax.Expr, meta *Meta, opts []Option) *Clause {
	c := &Clause{Source: source, Value: value, Predicate: pred, Meta: meta}
	if source != nil {
		c.Clients = NewClientSet(source)
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Point returns a clause selecting rows where field equals value. A nil value
// selects everything.
func Point(field syntax.Expr, value any, source any, opts ...Option) *Clause {
	var pred syntax.Expr
	if value != nil {
		pred = syntax.IsNotDistinct(field, syntax.Lit(value))
	}
	return newClause(source, value, pred, &Meta{Type: TypePoint}, opts)
}

// Points returns a clause selecting rows matching any of the value tuples,
// each compared against fields.
func Points(fields []syntax.Expr, values [][]any, source any, opts ...Option) *Clause {
	var pred syntax.Expr
	if values != nil {
		ors := make([]syntax.Expr, 0, len(values))
		for _, vals := range values {
			ands := make([]syntax.Expr, len(vals))
			for i, v := range vals {
				ands[i] = syntax.IsNotDistinct(fields[i], syntax.Lit(v))
			}
			ors = append(ors, syntax.And(ands...))
		}
		pred = syntax.Or(ors...)
	}
	var value any
	if values != nil {
		value = values
	}
	return newClause(source, value, pred, &Meta{Type: TypePoint}, opts)
}

// Interval returns a clause selecting rows where field lies in [lo, hi]. A
// nil extent selects everything.
func Interval(field syntax.Expr, extent []any, source any, opts ...Option) *Clause {
	var (
		pred  syntax.Expr
		value any
	)
	if extent != nil {
		pred = syntax.IsBetween(field, extent[0], extent[1])
		value = extent
	}
	return newClause(source, value, pred, &Meta{Type: TypeInterval, PixelSize: 1}, opts)
}

// Intervals returns a clause selecting rows where each field lies in its
// extent.
func Intervals(fields []syntax.Expr, extents [][]any, source any, opts ...Option) *Clause {
	var (
		pred  syntax.Expr
		value any
	)
	if extents != nil {
		ands := make([]syntax.Expr, len(fields))
		for i, f := range fields {
			ands[i] = syntax.IsBetween(f, extents[i][0], extents[i][1])
		}
		pred = syntax.And(ands...)
		value = extents
	}
	return newClause(source, value, pred, &Meta{Type: TypeInterval, PixelSize: 1}, opts)
}

// Match returns a text search clause. Method defaults to contains. Match
// clauses are applied to every client, including their source.
func Match(field syntax.Expr, value, method string, source any, opts ...Option) *Clause {
	if method == "" {
		method = MatchContains
	}
	var pred syntax.Expr
	if value != "" {
		pred = matchExpr(field, value, method)
	}
	c := &Clause{Source: source, Value: value, Predicate: pred, Meta: &Meta{Type: TypeMatch, Method: method}}
	if value == "" {
		c.Value = nil
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func matchExpr(field syntax.Expr, value, method string) syntax.Expr {
	escaped := strings.NewReplacer("%", `\%`, "_", `\_`).Replace(value)
	switch method {
	case MatchPrefix:
		return likeEscaped(field, escaped+"%")
	case MatchSuffix:
		return likeEscaped(field, "%"+escaped)
	case MatchRegexp:
		return syntax.Fn("REGEXP_MATCHES", field, syntax.Lit(value))
	default:
		return likeEscaped(field, "%"+escaped+"%")
	}
}

func likeEscaped(field syntax.Expr, pattern string) syntax.Expr {
	return syntax.Verbatim{
		Text: "(" + field.SQL() + " LIKE " + syntax.Lit(pattern).SQL() + ` ESCAPE '\')`,
		Cols: syntax.Columns(field),
	}
}
