// Package tiles accelerates cross-filtered group-by queries with
// pre-aggregated tables keyed by the discretized active selection.
package tiles

import (
	"context"
	"flag"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/grafana/crossfilter/pkg/client"
	"github.com/grafana/crossfilter/pkg/scheduler"
	"github.com/grafana/crossfilter/pkg/selection"
	"github.com/grafana/crossfilter/pkg/syntax"
)

type Config struct {
	Enabled bool `yaml:"enabled"`
	Temp    bool `yaml:"temp"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.BoolVar(&cfg.Enabled, prefix+"tiles.enabled", true, "Answer cross-filtered group-by queries from pre-aggregated tile tables.")
	f.BoolVar(&cfg.Temp, prefix+"tiles.temp", true, "Create tile tables as temporary tables.")
}

// Executor runs tile construction statements.
type Executor interface {
	Exec(stmts ...string) *scheduler.Result
	Cancel(results ...*scheduler.Result)
}

// Info describes the tile serving one client.
type Info struct {
	Table  string
	Create string
	// Skip is set for clients the active clause does not filter.
	Skip bool
	// Result settles once the tile table exists.
	Result *scheduler.Result

	active    *activeView
	construct *syntax.Query
	query     *syntax.Query
}

// Query returns the tile query for the active clause predicate p.
func (i *Info) Query(p syntax.Expr) *syntax.Query {
	return i.query.Clone().Where(i.active.predicate(p)...)
}

var skipInfo = &Info{Skip: true}

type metrics struct {
	created prometheus.Counter
	hits    prometheus.Counter
}

// Indexer builds and tracks tiles for the clients of one coordinator.
type Indexer struct {
	cfg     Config
	exec    Executor
	logger  log.Logger
	metrics metrics

	mtx     sync.Mutex
	enabled bool
	active  *activeView
	infos   map[client.Client]*Info
}

func New(cfg Config, exec Executor, logger log.Logger, reg prometheus.Registerer) *Indexer {
	return &Indexer{
		cfg:     cfg,
		exec:    exec,
		logger:  log.With(logger, "component", "tiles"),
		enabled: cfg.Enabled,
		infos:   map[client.Client]*Info{},
		metrics: metrics{
			created: promauto.With(reg).NewCounter(prometheus.CounterOpts{
				Namespace: "crossfilter",
				Name:      "tiles_created_total",
				Help:      "Total number of tile tables requested.",
			}),
			hits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
				Namespace: "crossfilter",
				Name:      "tile_hits_total",
				Help:      "Total number of lookups answered by an existing tile.",
			}),
		},
	}
}

func (x *Indexer) Enabled() bool {
	x.mtx.Lock()
	defer x.mtx.Unlock()
	return x.enabled
}

// SetEnabled toggles indexing. Disabling drops all tiles.
func (x *Indexer) SetEnabled(enabled bool) {
	x.mtx.Lock()
	defer x.mtx.Unlock()
	if x.enabled == enabled {
		return
	}
	if !enabled {
		x.clear()
	}
	x.enabled = enabled
}

// Clear forgets all tiles and cancels pending tile construction.
func (x *Indexer) Clear() {
	x.mtx.Lock()
	defer x.mtx.Unlock()
	x.clear()
}

func (x *Indexer) clear() {
	var pending []*scheduler.Result
	for _, info := range x.infos {
		if info != nil && info.Result != nil {
			pending = append(pending, info.Result)
		}
	}
	if len(pending) > 0 {
		x.exec.Cancel(pending...)
	}
	x.infos = map[client.Client]*Info{}
	x.active = nil
}

// Index returns the tile for c under the active clause of sel. It returns
// nil when c must be queried directly, and an Info with Skip set when the
// clause does not affect c.
func (x *Indexer) Index(c client.Client, sel *selection.Selection, clause *selection.Clause) *Info {
	x.mtx.Lock()
	defer x.mtx.Unlock()

	if !x.enabled || clause == nil || clause.Source == nil {
		return nil
	}
	source := clause.Source
	if x.active != nil && (x.active.source != source ||
		clause.Predicate != nil && x.active.schema != schemaOf(clause)) {
		x.clear()
	}
	if x.active == nil {
		// clauses without a predicate cannot be analyzed; a later one may
		if clause.Predicate == nil {
			return nil
		}
		x.active = activeColumns(clause)
	}
	if !x.active.ok {
		return nil
	}

	if info, ok := x.infos[c]; ok {
		if info != nil && !info.Skip {
			x.metrics.hits.Inc()
		}
		return info
	}

	var info *Info
	if cols, ok := columnsFor(c); !ok {
		level.Debug(x.logger).Log("msg", "client cannot be indexed")
	} else if sel.Skip(c, clause) {
		info = skipInfo
	} else {
		filter, _ := sel.Remove(source).Predicate(c)
		info = x.build(c.Query(filter), cols)
		if info != nil {
			info.Result = x.exec.Exec(syntax.CreateTable(info.Table, info.construct, x.cfg.Temp))
			x.metrics.created.Inc()
			go x.watch(c, info)
		}
	}
	x.infos[c] = info
	return info
}

// watch waits for the tile of c to be created. A client whose tile could
// not be created is queried directly until the tiles are cleared.
func (x *Indexer) watch(c client.Client, info *Info) {
	_, err := info.Result.Wait(context.Background())
	if err == nil || scheduler.IsCancellation(err) {
		return
	}
	level.Error(x.logger).Log("msg", "failed to create tile", "table", info.Table, "err", err)

	x.mtx.Lock()
	defer x.mtx.Unlock()
	if x.infos[c] == info {
		x.infos[c] = nil
	}
}

// build derives the tile construction query and the query reading it from
// the filtered client query q.
func (x *Indexer) build(q *syntax.Query, cols *indexColumns) *Info {
	if q == nil {
		return nil
	}
	active := x.active
	q = q.Clone()
	q.Select(active.columns...)
	q.Select(cols.aux...)
	for _, name := range active.names() {
		q.GroupBy(syntax.Col(name))
	}
	if subq := q.Subqueries(); len(subq) > 0 {
		var refs []string
		for _, c := range active.columns {
			refs = append(refs, syntax.Columns(c.Expr)...)
		}
		pushdown(subq[0], refs)
	}

	having, order := q.HavingBy, q.Order
	q.HavingBy, q.Order = nil, nil

	create := q.SQL()
	table := "tile_" + strconv.FormatUint(xxhash.Sum64String(create), 16)

	dims := make([]syntax.Expr, len(cols.dims))
	for i, d := range cols.dims {
		dims[i] = syntax.Col(d)
	}
	read := syntax.Select(syntax.Cols(cols.dims...)...).
		Select(cols.aggr...).
		From(syntax.Table(table)).
		GroupBy(dims...).
		Having(having...).
		OrderBy(order...)

	return &Info{
		Table:     table,
		Create:    create,
		active:    active,
		construct: q,
		query:     read,
	}
}
