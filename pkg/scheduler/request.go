package scheduler

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/grafana/crossfilter/pkg/connector"
)

// Priority orders queued requests. Lower values run first.
type Priority int

const (
	High Priority = iota
	Normal
	Low

	numPriorities = 3
)

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// Request describes a query to run. It must not be modified after it was
// submitted.
type Request struct {
	Type connector.Type
	// Query is SQL text or a value the scheduler's Formatter renders.
	Query any
	// Cache results by their SQL text and share identical requests in flight.
	Cache bool
	// Persist cached results beyond the cache's time-to-live.
	Persist  bool
	Priority Priority
	// Stream groups requests of one origin. With LatestOnly, a new request
	// supersedes queued and in-flight requests of the same stream.
	Stream     string
	LatestOnly bool
	Options    map[string]any
}

// Formatter renders a query as SQL text.
type Formatter func(query any) (string, error)

// DefaultFormatter accepts strings and values with a SQL or String method.
func DefaultFormatter(query any) (string, error) {
	switch q := query.(type) {
	case string:
		return q, nil
	case interface{ SQL() string }:
		return q.SQL(), nil
	case fmt.Stringer:
		return q.String(), nil
	}
	return "", errors.Errorf("cannot format query of type %T", query)
}

type entry struct {
	req    Request
	sql    string
	result *Result
}

func (e *entry) latestOnly() bool {
	return e.req.LatestOnly && e.req.Stream != ""
}
