// Package sqldb serves queries from a database/sql handle.
package sqldb

import (
	"context"
	"database/sql"
	"flag"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/grafana/crossfilter/pkg/connector"
	"github.com/grafana/crossfilter/pkg/connector/arrowconv"

	// registers the "mysql" driver
	_ "github.com/go-sql-driver/mysql"
	// registers the "sqlite" driver
	_ "modernc.org/sqlite"
)

type Config struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	// MaxOpenConns keeps statement ordering on a single connection when 1.
	MaxOpenConns int `yaml:"max_open_conns"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.Driver, "sqldb.driver", "sqlite", "database/sql driver name. Valid drivers: [sqlite, mysql]")
	f.StringVar(&cfg.DSN, "sqldb.dsn", ":memory:", "Data source name passed to the driver.")
	f.IntVar(&cfg.MaxOpenConns, "sqldb.max-open-conns", 1, "Maximum number of open connections to the database.")
}

func (cfg *Config) Validate() error {
	if cfg.Driver == "" {
		return errors.New("sqldb driver must be set")
	}
	if cfg.MaxOpenConns <= 0 {
		return errors.New("sqldb max open connections must be positive")
	}
	return nil
}

// Connector runs queries through a *sql.DB.
type Connector struct {
	db     *sql.DB
	logger log.Logger
}

// Open opens a database as configured.
func Open(cfg Config, logger log.Logger) (*Connector, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s database", cfg.Driver)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	return New(db, logger), nil
}

// New returns a connector using db.
func New(db *sql.DB, logger log.Logger) *Connector {
	return &Connector{db: db, logger: log.With(logger, "component", "sqldb")}
}

func (c *Connector) Query(ctx context.Context, req connector.Request) (any, error) {
	switch req.Type {
	case connector.Exec:
		_, err := c.db.ExecContext(ctx, req.SQL)
		return nil, errors.Wrap(err, "exec")
	case connector.Arrow, connector.JSON:
	default:
		return nil, errors.Wrapf(connector.ErrUnsupportedType, "type %q", req.Type)
	}

	names, rows, err := c.rows(ctx, req.SQL)
	if err != nil {
		return nil, err
	}
	level.Debug(c.logger).Log("msg", "query returned", "rows", len(rows))
	if req.Type == connector.JSON {
		return arrowconv.RowsToMaps(names, rows), nil
	}
	return arrowconv.FromRows(names, rows)
}

func (c *Connector) rows(ctx context.Context, query string) ([]string, [][]any, error) {
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, errors.Wrap(err, "query")
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, nil, errors.Wrap(err, "read columns")
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, nil, errors.Wrap(err, "read column types")
	}
	var out [][]any
	for rows.Next() {
		values := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, errors.Wrap(err, "scan row")
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok && !binary(types[i]) {
				values[i] = string(b)
			}
		}
		out = append(out, values)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, errors.Wrap(err, "iterate rows")
	}
	return names, out, nil
}

// binary reports whether raw bytes of column t are binary data rather than
// text a driver did not decode.
func binary(t *sql.ColumnType) bool {
	name := strings.ToUpper(t.DatabaseTypeName())
	return strings.Contains(name, "BLOB") || strings.Contains(name, "BINARY") || name == "BYTEA"
}

// Close closes the database.
func (c *Connector) Close() error {
	return c.db.Close()
}
