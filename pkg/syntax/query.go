package syntax

import (
	"strconv"
	"strings"
)

// SelectItem is an output column of a query.
type SelectItem struct {
	Alias string
	Expr  Expr
}

// As names expr in a select list.
func As(alias string, expr Expr) SelectItem {
	return SelectItem{Alias: alias, Expr: expr}
}

// Cols returns select items for the named columns.
func Cols(names ...string) []SelectItem {
	items := make([]SelectItem, len(names))
	for i, n := range names {
		items[i] = As(n, Col(n))
	}
	return items
}

func (s SelectItem) sql() string {
	if c, ok := s.Expr.(Column); ok && c.Name == s.Alias {
		return c.SQL()
	}
	return s.Expr.SQL() + " AS " + quote(s.Alias)
}

// FromItem is a table or a subquery in a FROM clause.
type FromItem struct {
	Table string
	Query *Query
	Alias string
}

// Table returns a FROM item for the named table.
func Table(name string) FromItem { return FromItem{Table: name} }

// Subquery returns a FROM item for q.
func Subquery(q *Query, alias string) FromItem { return FromItem{Query: q, Alias: alias} }

func (f FromItem) sql() string {
	var s string
	if f.Query != nil {
		s = "(" + f.Query.SQL() + ")"
	} else {
		s = quote(f.Table)
	}
	if f.Alias != "" && f.Alias != f.Table {
		s += " AS " + quote(f.Alias)
	}
	return s
}

// Query is a SELECT statement. Builder methods modify the query in place and
// return it for chaining.
type Query struct {
	Items      []SelectItem
	Distinct   bool
	FromItems  []FromItem
	Filter     []Expr
	Groups     []Expr
	GroupAll   bool
	HavingBy   []Expr
	QualifyBy  []Expr
	Order      []Expr
	LimitCount int
}

// Select returns a new query selecting items.
func Select(items ...SelectItem) *Query {
	return new(Query).Select(items...)
}

// Select adds items to the select list. An item replaces an existing one
// with the same alias.
func (q *Query) Select(items ...SelectItem) *Query {
	for _, it := range items {
		replaced := false
		for i := range q.Items {
			if q.Items[i].Alias == it.Alias {
				q.Items[i] = it
				replaced = true
				break
			}
		}
		if !replaced {
			q.Items = append(q.Items, it)
		}
	}
	return q
}

// From adds tables or subqueries to the FROM clause.
func (q *Query) From(items ...FromItem) *Query {
	q.FromItems = append(q.FromItems, items...)
	return q
}

// Where adds conjunctive filter criteria. Nil expressions are ignored.
func (q *Query) Where(exprs ...Expr) *Query {
	q.Filter = appendNonNil(q.Filter, exprs)
	return q
}

// GroupBy adds grouping expressions.
func (q *Query) GroupBy(exprs ...Expr) *Query {
	q.Groups = appendNonNil(q.Groups, exprs)
	return q
}

// Having adds conjunctive post-aggregation criteria.
func (q *Query) Having(exprs ...Expr) *Query {
	q.HavingBy = appendNonNil(q.HavingBy, exprs)
	return q
}

// Qualify adds conjunctive window-filter criteria.
func (q *Query) Qualify(exprs ...Expr) *Query {
	q.QualifyBy = appendNonNil(q.QualifyBy, exprs)
	return q
}

// OrderBy adds ordering criteria.
func (q *Query) OrderBy(exprs ...Expr) *Query {
	q.Order = appendNonNil(q.Order, exprs)
	return q
}

// Limit sets the row limit. Zero means no limit.
func (q *Query) Limit(n int) *Query {
	q.LimitCount = n
	return q
}

// SetDistinct toggles SELECT DISTINCT.
func (q *Query) SetDistinct(d bool) *Query {
	q.Distinct = d
	return q
}

// Subqueries returns the queries nested in the FROM clause.
func (q *Query) Subqueries() []*Query {
	var out []*Query
	for _, f := range q.FromItems {
		if f.Query != nil {
			out = append(out, f.Query)
		}
	}
	return out
}

// Clone returns a copy of q that can be modified independently. Expressions
// are immutable and shared.
func (q *Query) Clone() *Query {
	if q == nil {
		return nil
	}
	c := *q
	c.Items = append([]SelectItem(nil), q.Items...)
	c.FromItems = make([]FromItem, len(q.FromItems))
	for i, f := range q.FromItems {
		f.Query = f.Query.Clone()
		c.FromItems[i] = f
	}
	c.Filter = append([]Expr(nil), q.Filter...)
	c.Groups = append([]Expr(nil), q.Groups...)
	c.HavingBy = append([]Expr(nil), q.HavingBy...)
	c.QualifyBy = append([]Expr(nil), q.QualifyBy...)
	c.Order = append([]Expr(nil), q.Order...)
	return &c
}

// SQL renders the query.
func (q *Query) SQL() string {
	var b strings.Builder
	b.WriteString("SELECT ")
	if q.Distinct {
		b.WriteString("DISTINCT ")
	}
	if len(q.Items) == 0 {
		b.WriteString("*")
	}
	for i, it := range q.Items {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(it.sql())
	}
	if len(q.FromItems) > 0 {
		b.WriteString(" FROM ")
		for i, f := range q.FromItems {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(f.sql())
		}
	}
	writeConj(&b, " WHERE ", q.Filter)
	if q.GroupAll {
		b.WriteString(" GROUP BY ALL")
	} else if len(q.Groups) > 0 {
		b.WriteString(" GROUP BY ")
		b.WriteString(joinSQL(q.Groups))
	}
	writeConj(&b, " HAVING ", q.HavingBy)
	writeConj(&b, " QUALIFY ", q.QualifyBy)
	if len(q.Order) > 0 {
		b.WriteString(" ORDER BY ")
		b.WriteString(joinSQL(q.Order))
	}
	if q.LimitCount > 0 {
		b.WriteString(" LIMIT ")
		b.WriteString(strconv.Itoa(q.LimitCount))
	}
	return b.String()
}

func (q *Query) String() string { return q.SQL() }

func writeConj(b *strings.Builder, kw string, exprs []Expr) {
	if len(exprs) == 0 {
		return
	}
	b.WriteString(kw)
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = e.SQL()
	}
	b.WriteString(strings.Join(parts, " AND "))
}

func appendNonNil(dst, exprs []Expr) []Expr {
	for _, e := range exprs {
		if e != nil {
			dst = append(dst, e)
		}
	}
	return dst
}

// CreateTable returns a CREATE TABLE ... AS statement for q. The statement
// is a no-op if the table already exists.
func CreateTable(name string, q *Query, temp bool) string {
	kind := "TABLE"
	if temp {
		kind = "TEMP TABLE"
	}
	return "CREATE " + kind + " IF NOT EXISTS " + quote(name) + " AS " + q.SQL()
}
