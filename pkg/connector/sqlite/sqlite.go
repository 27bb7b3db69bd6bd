// Package sqlite serves queries from an embedded SQLite connection.
package sqlite

import (
	"context"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/grafana/crossfilter/pkg/connector"
	"github.com/grafana/crossfilter/pkg/connector/arrowconv"
)

// Connector owns a single SQLite connection. Queries run one at a time.
type Connector struct {
	logger log.Logger

	mtx  sync.Mutex
	conn *sqlite.Conn
}

// Open opens the database at path. ":memory:" opens a private in-memory
// database.
func Open(path string, logger log.Logger) (*Connector, error) {
	conn, err := sqlite.OpenConn(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite database %q", path)
	}
	return &Connector{conn: conn, logger: log.With(logger, "component", "sqlite")}, nil
}

func (c *Connector) Query(ctx context.Context, req connector.Request) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()

	switch req.Type {
	case connector.Exec:
		err := sqlitex.ExecuteScript(c.conn, req.SQL, nil)
		return nil, errors.Wrap(err, "exec")
	case connector.Arrow, connector.JSON:
	default:
		return nil, errors.Wrapf(connector.ErrUnsupportedType, "type %q", req.Type)
	}

	names, rows, err := c.rows(req.SQL)
	if err != nil {
		return nil, err
	}
	level.Debug(c.logger).Log("msg", "query returned", "rows", len(rows))
	if req.Type == connector.JSON {
		return arrowconv.RowsToMaps(names, rows), nil
	}
	return arrowconv.FromRows(names, rows)
}

func (c *Connector) rows(query string) ([]string, [][]any, error) {
	stmt, _, err := c.conn.PrepareTransient(query)
	if err != nil {
		return nil, nil, errors.Wrap(err, "prepare")
	}
	defer stmt.Finalize()

	names := make([]string, stmt.ColumnCount())
	for i := range names {
		names[i] = stmt.ColumnName(i)
	}
	var out [][]any
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, nil, errors.Wrap(err, "step")
		}
		if !hasRow {
			break
		}
		row := make([]any, len(names))
		for i := range row {
			row[i] = columnValue(stmt, i)
		}
		out = append(out, row)
	}
	return names, out, nil
}

func columnValue(stmt *sqlite.Stmt, i int) any {
	switch stmt.ColumnType(i) {
	case sqlite.TypeInteger:
		return stmt.ColumnInt64(i)
	case sqlite.TypeFloat:
		return stmt.ColumnFloat(i)
	case sqlite.TypeText:
		return stmt.ColumnText(i)
	case sqlite.TypeBlob:
		buf := make([]byte, stmt.ColumnLen(i))
		stmt.ColumnBytes(i, buf)
		return buf
	}
	return nil
}

// Close closes the connection.
func (c *Connector) Close() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.conn.Close()
}
