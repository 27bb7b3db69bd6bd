// Package syntax is a small SQL expression and query builder. It covers the
// constructs needed to filter, consolidate and pre-aggregate client queries,
// not a full SQL dialect.
package syntax

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Expr is a SQL expression node.
type Expr interface {
	// SQL renders the expression.
	SQL() string
	// Children returns the direct sub-expressions.
	Children() []Expr
}

// Column references a table column.
type Column struct {
	Table string
	Name  string
}

// Col returns a reference to the named column.
func Col(name string) Column { return Column{Name: name} }

func (c Column) SQL() string {
	if c.Table != "" {
		return quote(c.Table) + "." + quote(c.Name)
	}
	return quote(c.Name)
}

func (Column) Children() []Expr { return nil }

func quote(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// Literal is a constant value.
type Literal struct {
	Value any
}

// Lit returns a literal expression for v.
func Lit(v any) Literal { return Literal{Value: v} }

func (l Literal) SQL() string {
	switch v := l.Value.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	case bool:
		if v {
			return "TRUE"
		}
		return "FALSE"
	case int:
		return strconv.Itoa(v)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case time.Time:
		return "'" + v.UTC().Format("2006-01-02 15:04:05.000") + "'"
	default:
		return "'" + strings.ReplaceAll(fmt.Sprint(v), "'", "''") + "'"
	}
}

func (Literal) Children() []Expr { return nil }

// Verbatim is raw SQL text. Cols lists the columns it references, if any.
type Verbatim struct {
	Text string
	Cols []string
}

// SQLf returns a verbatim expression formatted with fmt.Sprintf.
func SQLf(format string, args ...any) Verbatim {
	return Verbatim{Text: fmt.Sprintf(format, args...)}
}

func (v Verbatim) SQL() string { return v.Text }

func (v Verbatim) Children() []Expr {
	out := make([]Expr, len(v.Cols))
	for i, c := range v.Cols {
		out[i] = Col(c)
	}
	return out
}

// Binary is an infix operation such as a comparison or arithmetic.
type Binary struct {
	Op          string
	Left, Right Expr
}

func (b Binary) SQL() string {
	return "(" + b.Left.SQL() + " " + b.Op + " " + b.Right.SQL() + ")"
}

func (b Binary) Children() []Expr { return []Expr{b.Left, b.Right} }

func Eq(a, b Expr) Expr  { return Binary{Op: "=", Left: a, Right: b} }
func Neq(a, b Expr) Expr { return Binary{Op: "<>", Left: a, Right: b} }
func Lt(a, b Expr) Expr  { return Binary{Op: "<", Left: a, Right: b} }
func Lte(a, b Expr) Expr { return Binary{Op: "<=", Left: a, Right: b} }
func Gt(a, b Expr) Expr  { return Binary{Op: ">", Left: a, Right: b} }
func Gte(a, b Expr) Expr { return Binary{Op: ">=", Left: a, Right: b} }
func Add(a, b Expr) Expr { return Binary{Op: "+", Left: a, Right: b} }
func Sub(a, b Expr) Expr { return Binary{Op: "-", Left: a, Right: b} }
func Mul(a, b Expr) Expr { return Binary{Op: "*", Left: a, Right: b} }
func Div(a, b Expr) Expr { return Binary{Op: "/", Left: a, Right: b} }

// IsNotDistinct compares with NULL-safe equality.
func IsNotDistinct(a, b Expr) Expr {
	return Binary{Op: "IS NOT DISTINCT FROM", Left: a, Right: b}
}

// Like matches a against a LIKE pattern.
func Like(a, pattern Expr) Expr { return Binary{Op: "LIKE", Left: a, Right: pattern} }

// Logical joins clauses with AND or OR.
type Logical struct {
	Op      string
	Clauses []Expr
}

func (l Logical) SQL() string {
	parts := make([]string, len(l.Clauses))
	for i, c := range l.Clauses {
		parts[i] = c.SQL()
	}
	return "(" + strings.Join(parts, " "+l.Op+" ") + ")"
}

func (l Logical) Children() []Expr { return l.Clauses }

// And returns the conjunction of the non-nil clauses. A single clause is
// returned as is; no clauses yield nil.
func And(clauses ...Expr) Expr { return logical("AND", clauses) }

// Or returns the disjunction of the non-nil clauses.
func Or(clauses ...Expr) Expr { return logical("OR", clauses) }

func logical(op string, clauses []Expr) Expr {
	kept := make([]Expr, 0, len(clauses))
	for _, c := range clauses {
		if c != nil {
			kept = append(kept, c)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	}
	return Logical{Op: op, Clauses: kept}
}

// Not negates x.
type Not struct{ X Expr }

func (n Not) SQL() string      { return "(NOT " + n.X.SQL() + ")" }
func (n Not) Children() []Expr { return []Expr{n.X} }

// Between tests Lo <= X <= Hi.
type Between struct {
	X, Lo, Hi Expr
}

// IsBetween returns a range test of x against [lo, hi].
func IsBetween(x Expr, lo, hi any) Between {
	return Between{X: x, Lo: asExpr(lo), Hi: asExpr(hi)}
}

func (b Between) SQL() string {
	return "(" + b.X.SQL() + " BETWEEN " + b.Lo.SQL() + " AND " + b.Hi.SQL() + ")"
}

func (b Between) Children() []Expr { return []Expr{b.X, b.Lo, b.Hi} }

// Func is a scalar function call.
type Func struct {
	Name string
	Args []Expr
}

// Fn returns a call of the named scalar function.
func Fn(name string, args ...Expr) Func { return Func{Name: name, Args: args} }

func (f Func) SQL() string { return f.Name + "(" + joinSQL(f.Args) + ")" }

func (f Func) Children() []Expr { return f.Args }

// Aggregate is an aggregate function call. A nil argument list renders as *.
type Aggregate struct {
	Name     string
	Args     []Expr
	Distinct bool
}

func Count(args ...Expr) Aggregate { return Aggregate{Name: "COUNT", Args: args} }
func Sum(x Expr) Aggregate         { return Aggregate{Name: "SUM", Args: []Expr{x}} }
func Avg(x Expr) Aggregate         { return Aggregate{Name: "AVG", Args: []Expr{x}} }
func Min(x Expr) Aggregate         { return Aggregate{Name: "MIN", Args: []Expr{x}} }
func Max(x Expr) Aggregate         { return Aggregate{Name: "MAX", Args: []Expr{x}} }

// Agg returns a call of the named aggregate function.
func Agg(name string, args ...Expr) Aggregate {
	return Aggregate{Name: strings.ToUpper(name), Args: args}
}

func (a Aggregate) SQL() string {
	if len(a.Args) == 0 {
		return a.Name + "(*)"
	}
	d := ""
	if a.Distinct {
		d = "DISTINCT "
	}
	return a.Name + "(" + d + joinSQL(a.Args) + ")"
}

func (a Aggregate) Children() []Expr { return a.Args }

// Cast converts X to the named SQL type.
type Cast struct {
	X    Expr
	Type string
}

// CastAs returns a cast of x to typ.
func CastAs(x Expr, typ string) Cast { return Cast{X: x, Type: typ} }

func (c Cast) SQL() string      { return "CAST(" + c.X.SQL() + " AS " + c.Type + ")" }
func (c Cast) Children() []Expr { return []Expr{c.X} }

// Desc orders by X descending.
type Desc struct{ X Expr }

func (d Desc) SQL() string      { return d.X.SQL() + " DESC" }
func (d Desc) Children() []Expr { return []Expr{d.X} }

func joinSQL(exprs []Expr) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = e.SQL()
	}
	return strings.Join(parts, ", ")
}

func asExpr(v any) Expr {
	if e, ok := v.(Expr); ok {
		return e
	}
	return Lit(v)
}

// Walk calls fn for e and its descendants in depth-first order. Returning
// false from fn skips the children of that node.
func Walk(e Expr, fn func(Expr) bool) {
	if e == nil || !fn(e) {
		return
	}
	for _, c := range e.Children() {
		Walk(c, fn)
	}
}

// Columns returns the distinct column names referenced by e, in order of
// first appearance.
func Columns(e Expr) []string {
	var (
		out  []string
		seen = map[string]struct{}{}
	)
	Walk(e, func(n Expr) bool {
		if c, ok := n.(Column); ok {
			if _, dup := seen[c.Name]; !dup {
				seen[c.Name] = struct{}{}
				out = append(out, c.Name)
			}
		}
		return true
	})
	return out
}

// IsAggregate reports whether e contains an aggregate function call.
func IsAggregate(e Expr) bool {
	found := false
	Walk(e, func(n Expr) bool {
		if _, ok := n.(Aggregate); ok {
			found = true
		}
		return !found
	})
	return found
}
