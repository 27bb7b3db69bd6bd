package coordinator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"

	"github.com/grafana/crossfilter/pkg/cache"
	"github.com/grafana/crossfilter/pkg/client"
	"github.com/grafana/crossfilter/pkg/connector"
	"github.com/grafana/crossfilter/pkg/connector/arrowconv"
	"github.com/grafana/crossfilter/pkg/connector/sqlite"
	"github.com/grafana/crossfilter/pkg/scheduler"
	"github.com/grafana/crossfilter/pkg/selection"
	"github.com/grafana/crossfilter/pkg/syntax"
	"github.com/grafana/crossfilter/pkg/tiles"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const flights = `CREATE TABLE flights (hour INTEGER, dow INTEGER, delay REAL);
INSERT INTO flights VALUES (3, 1, 10), (3, 1, 20), (3, 2, 5), (7, 1, 0), (7, 3, 15), (9, 2, 30)`

func testConfig(tilesEnabled, supersede bool) Config {
	return Config{
		Scheduler: scheduler.Config{MaxConcurrentRequests: 4},
		Cache:     cache.Config{Enabled: true, MaxEntries: 100, TTL: time.Hour},
		Tiles:     tiles.Config{Enabled: tilesEnabled, Temp: true},

		SupersedeUpdates: supersede,
	}
}

func newCoordinator(t *testing.T, conn connector.Connector, cfg Config) *Coordinator {
	co, err := New(cfg, conn, nil, log.NewNopLogger(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { co.Clear() })
	return co
}

func openFlights(t *testing.T) *sqlite.Connector {
	conn, err := sqlite.Open(":memory:", log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, conn.Close()) })
	_, err = conn.Query(context.Background(), connector.Request{Type: connector.Exec, SQL: flights})
	require.NoError(t, err)
	return conn
}

// recorder is a client recording its callbacks.
type recorder struct {
	*client.Funcs

	mtx     sync.Mutex
	events  []string
	results []any
}

func newRecorder(query func(filter []syntax.Expr) *syntax.Query) *recorder {
	r := &recorder{}
	r.Funcs = &client.Funcs{
		QueryFn:   query,
		PendingFn: func() { r.record("pending", nil) },
		ResultFn: func(data any) {
			name := "result"
			if rec, ok := data.(arrow.Record); ok && rec.NumRows() == 1 && rec.Schema().HasField("v") {
				name += ":" + arrowconv.ToRows(rec)[0]["v"].(string)
			}
			r.record(name, data)
		},
		ErrorFn: func(err error) {
			name := "error"
			if scheduler.IsCancellation(err) {
				name += ":canceled"
			}
			r.record(name, nil)
		},
	}
	return r
}

func (r *recorder) record(event string, data any) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.events = append(r.events, event)
	if data != nil {
		r.results = append(r.results, data)
	}
}

func (r *recorder) reset() {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.events, r.results = nil, nil
}

func (r *recorder) history() []string {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) resultCount() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.results)
}

// counts returns the last result as a map from group to count.
func (r *recorder) counts(t *testing.T, dim string) map[int64]float64 {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	require.NotEmpty(t, r.results)
	rec, ok := r.results[len(r.results)-1].(arrow.Record)
	require.True(t, ok)
	out := map[int64]float64{}
	for _, row := range arrowconv.ToRows(rec) {
		switch n := row["n"].(type) {
		case int64:
			out[row[dim].(int64)] = float64(n)
		case float64:
			out[row[dim].(int64)] = n
		default:
			t.Fatalf("unexpected count %T", n)
		}
	}
	return out
}

func histogram(dim string) *recorder {
	return newRecorder(func(filter []syntax.Expr) *syntax.Query {
		return syntax.Select(syntax.As(dim, syntax.Col(dim)), syntax.As("n", syntax.Count())).
			From(syntax.Table("flights")).
			Where(filter...).
			GroupBy(syntax.Col(dim)).
			OrderBy(syntax.Col(dim))
	})
}

func connect(t *testing.T, co *Coordinator, b *client.Base) {
	require.NoError(t, co.Connect(b))
	require.NoError(t, b.Wait(context.Background()))
}

func tileTables(t *testing.T, co *Coordinator) int {
	res, err := co.Query(`SELECT name FROM sqlite_temp_master WHERE name LIKE 'tile_%'`,
		WithType(connector.JSON), WithCache(false)).Wait(context.Background())
	require.NoError(t, err)
	return len(res.([]map[string]any))
}

func TestCoordinator_CrossfilterUpdates(t *testing.T) {
	for name, tilesEnabled := range map[string]bool{"direct": false, "tiles": true} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			co := newCoordinator(t, openFlights(t), testConfig(tilesEnabled, true))

			sel := selection.Crossfilter(selection.Options{})
			hours, days := histogram("hour"), histogram("dow")
			connect(t, co, client.New(hours, client.WithFilterBy(sel)))
			connect(t, co, client.New(days, client.WithFilterBy(sel)))

			require.Equal(t, map[int64]float64{3: 3, 7: 2, 9: 1}, hours.counts(t, "hour"))
			require.Equal(t, map[int64]float64{1: 3, 2: 2, 3: 1}, days.counts(t, "dow"))
			hours.reset()
			days.reset()

			sel.Update(selection.Point(syntax.Col("hour"), 3, hours))
			require.NoError(t, sel.Wait(ctx, selection.EventValue))

			// only the clients filtered by the new clause are updated
			require.Zero(t, hours.resultCount())
			require.Equal(t, []string{"pending", "result"}, days.history())
			require.Equal(t, map[int64]float64{1: 2, 2: 1}, days.counts(t, "dow"))

			sel.Update(selection.Point(syntax.Col("hour"), 7, hours))
			require.NoError(t, sel.Wait(ctx, selection.EventValue))
			require.Zero(t, hours.resultCount())
			require.Equal(t, 2, days.resultCount())
			require.Equal(t, map[int64]float64{1: 1, 3: 1}, days.counts(t, "dow"))

			if tilesEnabled {
				require.Equal(t, 1, tileTables(t, co))
			} else {
				require.Zero(t, tileTables(t, co))
			}

			// a clause from the other view filters the hours
			days.reset()
			sel.Update(selection.Point(syntax.Col("dow"), 1, days))
			require.NoError(t, sel.Wait(ctx, selection.EventValue))
			require.Zero(t, days.resultCount())
			require.Equal(t, map[int64]float64{3: 2, 7: 1}, hours.counts(t, "hour"))
		})
	}
}

func TestCoordinator_ActivateBuildsTiles(t *testing.T) {
	ctx := context.Background()
	co := newCoordinator(t, openFlights(t), testConfig(true, true))

	sel := selection.Crossfilter(selection.Options{})
	hours, days := histogram("hour"), histogram("dow")
	connect(t, co, client.New(hours, client.WithFilterBy(sel)))
	connect(t, co, client.New(days, client.WithFilterBy(sel)))

	clause := selection.Point(syntax.Col("hour"), 3, hours)
	sel.Activate(clause)
	require.NoError(t, sel.Wait(ctx, selection.EventActivate))

	info := co.Indexer().Index(days, sel, clause)
	require.NotNil(t, info)
	_, err := info.Result.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, tileTables(t, co))
}

func TestCoordinator_DisabledClient(t *testing.T) {
	ctx := context.Background()
	co := newCoordinator(t, openFlights(t), testConfig(false, true))

	sel := selection.Crossfilter(selection.Options{})
	hours, days := histogram("hour"), histogram("dow")
	connect(t, co, client.New(hours, client.WithFilterBy(sel)))
	b := client.New(days, client.WithFilterBy(sel), client.Disabled())
	connect(t, co, b)
	require.False(t, b.Initialized())

	sel.Update(selection.Point(syntax.Col("hour"), 3, hours))
	require.NoError(t, sel.Wait(ctx, selection.EventValue))
	require.Zero(t, days.resultCount())

	b.SetEnabled(true)
	require.NoError(t, b.Wait(ctx))
	require.True(t, b.Initialized())
	require.Equal(t, 1, days.resultCount())
	// the initial query applies the current selection
	require.Equal(t, map[int64]float64{1: 2, 2: 1}, days.counts(t, "dow"))
}

// gated answers queries with a single row naming them. Queries containing
// "slow" block until released.
type gated struct {
	calls   atomic.Int64
	release chan struct{}
}

func (g *gated) Query(ctx context.Context, req connector.Request) (any, error) {
	g.calls.Inc()
	name := "fast"
	if strings.Contains(req.SQL, "slow") {
		name = "slow"
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return arrowconv.FromRows([]string{"v"}, [][]any{{name}})
}

func named(name string) *syntax.Query {
	return syntax.Select(syntax.As("v", syntax.Lit(name)))
}

func TestCoordinator_DeliveryOrder(t *testing.T) {
	for name, tc := range map[string]struct {
		supersede bool
		expected  []string
	}{
		"in request order": {
			expected: []string{"pending", "result:slow", "pending", "result:fast"},
		},
		"superseded": {
			supersede: true,
			expected:  []string{"pending", "error:canceled", "pending", "result:fast"},
		},
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conn := &gated{release: make(chan struct{})}
			co := newCoordinator(t, conn, testConfig(false, tc.supersede))

			r := newRecorder(nil)
			b := client.New(r)
			connect(t, co, b)

			slow := b.RequestQuery(named("slow"))
			require.Eventually(t, func() bool { return conn.calls.Load() == 1 }, time.Second, time.Millisecond)
			fast := b.RequestQuery(named("fast"))
			require.Eventually(t, func() bool { return conn.calls.Load() == 2 }, time.Second, time.Millisecond)

			close(conn.release)
			<-slow
			<-fast
			require.NoError(t, b.Wait(ctx))
			require.Equal(t, tc.expected, r.history())
		})
	}
}

func TestCoordinator_Connect(t *testing.T) {
	co := newCoordinator(t, openFlights(t), testConfig(false, true))
	sel := selection.Crossfilter(selection.Options{})
	hours, days := histogram("hour"), histogram("dow")
	bh := client.New(hours, client.WithFilterBy(sel))
	bd := client.New(days, client.WithFilterBy(sel))
	connect(t, co, bh)
	connect(t, co, bd)

	require.ErrorIs(t, co.Connect(bh), ErrClientAlreadyConnected)
	require.True(t, co.Connected(bh))
	require.True(t, bh.Connected())
	require.Equal(t, 1, sel.Listeners(selection.EventValue))

	ctx := context.Background()
	sel.Update(selection.Point(syntax.Col("dow"), 1, days))
	require.NoError(t, sel.Wait(ctx, selection.EventValue))
	require.Equal(t, map[int64]float64{3: 2, 7: 1}, hours.counts(t, "hour"))

	// disconnecting withdraws the client's clause
	co.Disconnect(bd)
	require.False(t, bd.Connected())
	require.False(t, bd.Enabled())
	require.Equal(t, 1, sel.Listeners(selection.EventValue))
	require.NoError(t, sel.Wait(ctx, selection.EventValue))
	require.False(t, hasClause(sel, days))
	require.Equal(t, map[int64]float64{3: 3, 7: 2, 9: 1}, hours.counts(t, "hour"))

	days.reset()
	sel.Update(selection.Point(syntax.Col("hour"), 3, hours))
	require.NoError(t, sel.Wait(ctx, selection.EventValue))
	require.Zero(t, days.resultCount())

	co.Disconnect(bh)
	require.False(t, hasClause(sel, hours))
	require.Zero(t, sel.Listeners(selection.EventValue))
	require.Zero(t, sel.Listeners(selection.EventActivate))

	// reconnecting subscribes again
	connect(t, co, bh)
	require.Equal(t, 1, sel.Listeners(selection.EventValue))
	co.Clear()
	require.False(t, co.Connected(bh))
	require.False(t, bh.Connected())
	require.Zero(t, sel.Listeners(selection.EventValue))
}

func TestCoordinator_Exec(t *testing.T) {
	var (
		mtx  sync.Mutex
		reqs []connector.Request
	)
	conn := connector.Func(func(_ context.Context, req connector.Request) (any, error) {
		mtx.Lock()
		defer mtx.Unlock()
		reqs = append(reqs, req)
		return nil, nil
	})
	co := newCoordinator(t, conn, testConfig(false, true))

	_, err := co.Exec("CREATE TABLE a (x INTEGER)", "", " INSERT INTO a VALUES (1) ").Wait(context.Background())
	require.NoError(t, err)

	_, err = co.Prefetch("SELECT x FROM a", WithType(connector.JSON)).Wait(context.Background())
	require.NoError(t, err)

	mtx.Lock()
	defer mtx.Unlock()
	require.Equal(t, []connector.Request{
		{Type: connector.Exec, SQL: "CREATE TABLE a (x INTEGER);\nINSERT INTO a VALUES (1)"},
		{Type: connector.JSON, SQL: "SELECT x FROM a"},
	}, reqs)
}

func TestCoordinator_QueryCaches(t *testing.T) {
	ctx := context.Background()
	conn := &gated{release: make(chan struct{})}
	co := newCoordinator(t, conn, testConfig(false, true))

	first, err := co.Query(named("fast")).Wait(ctx)
	require.NoError(t, err)
	second, err := co.Query(named("fast")).Wait(ctx)
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, int64(1), conn.calls.Load())

	_, err = co.Query(named("fast"), WithCache(false)).Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), conn.calls.Load())

	co.Clear(KeepClients())
	_, err = co.Query(named("fast")).Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), conn.calls.Load())
}
