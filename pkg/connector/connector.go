// Package connector defines how queries reach the analytical backend.
package connector

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Type is the kind of result a query produces.
type Type string

const (
	// Exec runs statements without a result.
	Exec Type = "exec"
	// Arrow returns an arrow.Record.
	Arrow Type = "arrow"
	// JSON returns rows as []map[string]any.
	JSON Type = "json"
)

// ErrUnsupportedType is returned for request types a connector cannot serve.
var ErrUnsupportedType = errors.New("unsupported query type")

// Request is a single query sent to the backend.
type Request struct {
	Type    Type
	SQL     string
	Options map[string]any
}

// Connector executes queries. Implementations must be safe for concurrent
// use; failed queries are never retried.
type Connector interface {
	Query(ctx context.Context, req Request) (any, error)
}

// Func adapts a function to the Connector interface.
type Func func(ctx context.Context, req Request) (any, error)

func (f Func) Query(ctx context.Context, req Request) (any, error) {
	return f(ctx, req)
}

// QueryError is a query the backend failed to execute.
type QueryError struct {
	Type Type
	SQL  string
	Err  error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s query failed: %v", e.Type, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// Wrap returns err as a *QueryError for req. Nil errors stay nil.
func Wrap(req Request, err error) error {
	if err == nil {
		return nil
	}
	var qe *QueryError
	if errors.As(err, &qe) {
		return err
	}
	return &QueryError{Type: req.Type, SQL: req.SQL, Err: err}
}
