// Package client defines the contract between visualization clients and the
// coordinator, and the lifecycle every connected client goes through.
package client

import (
	"context"

	"github.com/grafana/crossfilter/pkg/syntax"
)

// Client is implemented by consumers of query results.
type Client interface {
	// Prepare runs once before the first query, for example to fetch
	// schema information.
	Prepare(ctx context.Context) error
	// Query returns the query for the given filter criteria, to be combined
	// with AND. A nil query means the client has nothing to fetch.
	Query(filter []syntax.Expr) *syntax.Query
	// QueryPending is called before a query result is delivered.
	QueryPending()
	QueryResult(data any)
	QueryError(err error)
	// FilterStable reports whether filtering leaves the group-by domain
	// of the query unchanged. Only stable clients are indexed.
	FilterStable() bool
}

// Updater is implemented by clients that react to requests without a query.
type Updater interface {
	Update()
}

// Funcs implements Client with optional functions. Missing functions do
// nothing; a missing QueryFn means no query.
type Funcs struct {
	PrepareFn func(ctx context.Context) error
	QueryFn   func(filter []syntax.Expr) *syntax.Query
	PendingFn func()
	ResultFn  func(data any)
	ErrorFn   func(err error)
	UpdateFn  func()
	// Unstable marks a client whose filters change its group-by domain.
	Unstable bool
}

func (f *Funcs) Prepare(ctx context.Context) error {
	if f.PrepareFn == nil {
		return nil
	}
	return f.PrepareFn(ctx)
}

func (f *Funcs) Query(filter []syntax.Expr) *syntax.Query {
	if f.QueryFn == nil {
		return nil
	}
	return f.QueryFn(filter)
}

func (f *Funcs) QueryPending() {
	if f.PendingFn != nil {
		f.PendingFn()
	}
}

func (f *Funcs) QueryResult(data any) {
	if f.ResultFn != nil {
		f.ResultFn(data)
	}
}

func (f *Funcs) QueryError(err error) {
	if f.ErrorFn != nil {
		f.ErrorFn(err)
	}
}

func (f *Funcs) Update() {
	if f.UpdateFn != nil {
		f.UpdateFn()
	}
}

func (f *Funcs) FilterStable() bool { return !f.Unstable }
