// Package scheduler runs queries against a single backend connection. It
// bounds concurrency, serializes exec statements, caches and consolidates
// requests, and delivers results in the order requests were accepted.
package scheduler

import (
	"context"
	"flag"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/crossfilter/pkg/cache"
	"github.com/grafana/crossfilter/pkg/connector"
	"github.com/grafana/crossfilter/pkg/scheduler/queue"
)

type Config struct {
	MaxConcurrentRequests int           `yaml:"max_concurrent_requests"`
	LogQueries            bool          `yaml:"log_queries"`
	Consolidate           bool          `yaml:"consolidate"`
	ConsolidationWindow   time.Duration `yaml:"consolidation_window"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.MaxConcurrentRequests, prefix+"scheduler.max-concurrent-requests", 32, "Maximum number of submitted requests whose results were not delivered yet. Further requests wait in the queue.")
	f.BoolVar(&cfg.LogQueries, prefix+"scheduler.log-queries", false, "Log the SQL text of every request sent to the backend at debug level.")
	f.BoolVar(&cfg.Consolidate, prefix+"scheduler.consolidate", true, "Merge concurrent arrow requests that differ only in their selected columns into a single query.")
	f.DurationVar(&cfg.ConsolidationWindow, prefix+"scheduler.consolidation-window", 10*time.Millisecond, "How long arrow requests are collected before being consolidated.")
}

func (cfg *Config) Validate() error {
	if cfg.MaxConcurrentRequests <= 0 {
		return errors.New("max concurrent requests must be positive")
	}
	if cfg.ConsolidationWindow < 0 {
		return errors.New("consolidation window must not be negative")
	}
	return nil
}

// call is a cached backend request still in flight.
type call struct {
	done  chan struct{}
	value any
	err   error
}

// Scheduler queues requests and submits them to a connector.
type Scheduler struct {
	cfg     Config
	logger  log.Logger
	conn    connector.Connector
	cache   cache.Cache
	format  Formatter
	metrics *metrics

	consolidator *consolidator

	mtx         sync.Mutex
	queue       *queue.PriorityQueue[*entry]
	pending     []*entry // submitted, in acceptance order, until delivered
	pendingExec bool
	members     map[*Result]*entry // requests answered by a consolidated query
}

// New returns a scheduler submitting requests to conn. A nil cache disables
// caching and a nil formatter accepts SQL strings only.
func New(cfg Config, conn connector.Connector, c cache.Cache, format Formatter, logger log.Logger, reg prometheus.Registerer) *Scheduler {
	if c == nil {
		c = cache.NewVoid()
	}
	if format == nil {
		format = DefaultFormatter
	}
	s := &Scheduler{
		cfg:     cfg,
		logger:  log.With(logger, "component", "scheduler"),
		conn:    conn,
		cache:   c,
		format:  format,
		metrics: newMetrics(reg),
		queue:   queue.NewPriorityQueue[*entry](numPriorities),
		members: map[*Result]*entry{},
	}
	if cfg.Consolidate {
		s.consolidator = newConsolidator(s, quartz.NewReal(), cfg.ConsolidationWindow)
	}
	return s
}

// Cache returns the result cache.
func (s *Scheduler) Cache() cache.Cache {
	return s.cache
}

// Request queues req and returns its result.
func (s *Scheduler) Request(req Request) *Result {
	result := NewResult()
	sql, err := s.format(req.Query)
	if err != nil {
		result.Reject(errors.Wrap(err, "format query"))
		return result
	}
	if req.Priority < High || req.Priority > Low {
		panic("scheduler: invalid request priority " + req.Priority.String())
	}
	e := &entry{req: req, sql: sql, result: result}
	if s.consolidator != nil && req.Type == connector.Arrow {
		if e.latestOnly() {
			s.consolidator.supersede(req.Stream)
			s.mtx.Lock()
			s.supersede(req.Stream)
			s.mtx.Unlock()
		}
		s.consolidator.add(e)
		return result
	}
	s.enqueue(e)
	return result
}

// Flush consolidates and queues all requests waiting for the consolidation
// window.
func (s *Scheduler) Flush() {
	if s.consolidator != nil {
		s.consolidator.flush()
	}
}

func (s *Scheduler) enqueue(e *entry) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if e.latestOnly() {
		s.supersede(e.req.Stream)
	}
	s.queue.Insert(e, int(e.req.Priority))
	s.metrics.queue.QueueLength.WithLabelValues(e.req.Priority.String()).Inc()
	s.next()
}

// supersede rejects queued and submitted latest-only requests of stream.
// Backend calls already running cannot be aborted; their results are
// discarded.
func (s *Scheduler) supersede(stream string) {
	sameStream := func(e *entry) bool {
		return e.latestOnly() && e.req.Stream == stream
	}
	for _, e := range s.queue.Remove(sameStream) {
		s.dequeued(e)
		if e.result.Reject(ErrSuperseded) {
			s.metrics.queue.DiscardedRequests.WithLabelValues("superseded").Inc()
		}
	}
	for _, e := range s.pending {
		if sameStream(e) {
			s.discard(e.result, ErrSuperseded, "superseded")
		}
	}
	for _, e := range s.members {
		if sameStream(e) {
			s.discard(e.result, ErrSuperseded, "superseded")
		}
	}
}

func (s *Scheduler) dequeued(e *entry) {
	s.metrics.queue.QueueLength.WithLabelValues(e.req.Priority.String()).Dec()
}

// next submits queued requests while the concurrency budget allows and no
// exec request is outstanding. s.mtx must be held.
func (s *Scheduler) next() {
	for !s.queue.IsEmpty() && len(s.pending) <= s.cfg.MaxConcurrentRequests && !s.pendingExec {
		e, _ := s.queue.Next()
		s.dequeued(e)
		s.pending = append(s.pending, e)
		s.metrics.inflight.Inc()
		if e.req.Type == connector.Exec {
			s.pendingExec = true
		}
		go s.submit(e)
	}
}

func (s *Scheduler) submit(e *entry) {
	s.run(e)

	s.mtx.Lock()
	defer s.mtx.Unlock()

	// deliver ready results in acceptance order
	for len(s.pending) > 0 {
		head := s.pending[0]
		state := head.result.State()
		if state == StatePending {
			break
		}
		s.pending[0] = nil
		s.pending = s.pending[1:]
		s.metrics.inflight.Dec()
		switch state {
		case StateReady:
			head.result.Fulfill()
		case StateDone:
			level.Warn(s.logger).Log("msg", "found delivered result in pending results")
		}
	}
	if e.req.Type == connector.Exec {
		s.pendingExec = false
	}
	s.next()
}

// run resolves e from the cache or the connector and marks its result
// ready or failed.
func (s *Scheduler) run(e *entry) {
	if e.result.State() != StatePending {
		return
	}

	var c *call
	if e.req.Cache {
		s.mtx.Lock()
		cached, ok := s.cache.Get(e.sql)
		if !ok {
			c = &call{done: make(chan struct{})}
			s.cache.Set(e.sql, c, cache.SetOptions{Persist: e.req.Persist})
		}
		s.mtx.Unlock()

		if ok {
			s.metrics.cacheHits.Inc()
			level.Debug(s.logger).Log("msg", "cache hit", "sql", e.sql)
			if shared, inflight := cached.(*call); inflight {
				<-shared.done
				if shared.err != nil {
					e.result.Reject(shared.err)
					return
				}
				cached = shared.value
			}
			e.result.Ready(cached)
			return
		}
	}

	if s.cfg.LogQueries {
		level.Debug(s.logger).Log("msg", "query", "type", e.req.Type, "sql", e.sql)
	}
	start := time.Now()
	req := connector.Request{Type: e.req.Type, SQL: e.sql, Options: e.req.Options}
	data, err := s.conn.Query(context.Background(), req)
	err = connector.Wrap(req, err)
	elapsed := time.Since(start)
	s.metrics.requestDuration.WithLabelValues(string(e.req.Type)).Observe(elapsed.Seconds())

	if c != nil {
		s.mtx.Lock()
		if cur, ok := s.cache.Get(e.sql); ok && cur == any(c) {
			if err != nil {
				s.cache.Delete(e.sql)
			} else {
				s.cache.Set(e.sql, data, cache.SetOptions{Persist: e.req.Persist})
			}
		}
		s.mtx.Unlock()
		c.value, c.err = data, err
		close(c.done)
	}

	if err != nil {
		s.metrics.requests.WithLabelValues(string(e.req.Type), "error").Inc()
		level.Warn(s.logger).Log("msg", "query failed", "type", e.req.Type, "err", err)
		e.result.Reject(err)
		return
	}
	s.metrics.requests.WithLabelValues(string(e.req.Type), "success").Inc()
	level.Debug(s.logger).Log("msg", "request", "type", e.req.Type, "duration", elapsed)
	if e.req.Type == connector.Exec {
		data = nil
	}
	e.result.Ready(data)
}

// Cancel rejects the given results with ErrCanceled, dropping them from the
// queue. Requests already sent to the backend keep running; their results
// are discarded.
func (s *Scheduler) Cancel(results ...*Result) {
	set := make(map[*Result]struct{}, len(results))
	for _, r := range results {
		if r != nil {
			set[r] = struct{}{}
		}
	}
	if len(set) == 0 {
		return
	}
	if s.consolidator != nil {
		s.consolidator.cancel(set)
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	removed := s.queue.Remove(func(e *entry) bool {
		_, ok := set[e.result]
		return ok
	})
	for _, e := range removed {
		s.dequeued(e)
		s.discard(e.result, ErrCanceled, "canceled")
	}
	for _, e := range s.pending {
		if _, ok := set[e.result]; ok {
			s.discard(e.result, ErrCanceled, "canceled")
		}
	}
	for r := range s.members {
		if _, ok := set[r]; ok {
			s.discard(r, ErrCanceled, "canceled")
		}
	}
}

// Clear rejects every queued and undelivered result with ErrCleared.
func (s *Scheduler) Clear() {
	if s.consolidator != nil {
		s.consolidator.clear()
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	for _, e := range s.queue.Remove(func(*entry) bool { return true }) {
		s.dequeued(e)
		s.discard(e.result, ErrCleared, "cleared")
	}
	for _, e := range s.pending {
		s.discard(e.result, ErrCleared, "cleared")
	}
	s.metrics.inflight.Sub(float64(len(s.pending)))
	s.pending = nil
	for r := range s.members {
		s.discard(r, ErrCleared, "cleared")
	}
}

func (s *Scheduler) discard(r *Result, err error, reason string) {
	if r.Reject(err) {
		s.metrics.queue.DiscardedRequests.WithLabelValues(reason).Inc()
	}
}

// Stats returns the number of queued requests and of submitted requests
// whose results were not delivered yet.
func (s *Scheduler) Stats() (queued, pending int) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.queue.Len(), len(s.pending)
}
