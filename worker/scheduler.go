// Package worker implements the scheduler (spec component C6): the dual-queue
// engine that drives requests through the rate limiter, retry envelope, and
// cache, hands successful responses to the callback dispatcher, and folds
// whatever the dispatcher emits back into the work queue (more Requests) or
// the data queue (DataItems ready for the caller).
//
// Design Notes:
//   - The main loop dequeues up to MaxConcurrency work items at a time and
//     fans them out with golang.org/x/sync/errgroup, capped by SetLimit,
//     mirroring the teacher's warming service batch-then-gather shape
//     (warming/worker_pool.go) generalized from a fixed task list to an
//     open-ended, self-replenishing queue.
//   - seen is a sync.Map used as a concurrent set: LoadOrStore makes the
//     dedup check-and-insert atomic, so two concurrently dequeued work items
//     for the same fingerprint can never both proceed to fetch — this is
//     what guarantees a fetcher is invoked at most once per fingerprint, even
//     without relying on cache-level singleflight coalescing.
//   - failures is guarded by a plain RWMutex since it is read in bulk
//     (Failures()) far more often than it's written one entry at a time.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lucaromagnoli/dataservice"
	"github.com/lucaromagnoli/dataservice/audit"
	"github.com/lucaromagnoli/dataservice/cache"
	"github.com/lucaromagnoli/dataservice/dserrors"
	"github.com/lucaromagnoli/dataservice/dispatch"
	"github.com/lucaromagnoli/dataservice/dslog"
	"github.com/lucaromagnoli/dataservice/dsconfig"
	"github.com/lucaromagnoli/dataservice/ratelimit"
	"github.com/lucaromagnoli/dataservice/retry"
)

// Resolver looks up a Fetcher by name for Requests that set FetcherName
// instead of carrying a Fetcher capability directly.
type Resolver func(name string) (dataservice.Fetcher, bool)

// Config assembles everything the Scheduler needs from the rest of the
// engine; all fields except Service are optional.
type Config struct {
	Service        dsconfig.ServiceConfig
	DefaultFetcher dataservice.Fetcher
	Resolve        Resolver
	Logger         *dslog.Logger
	// FailureSink, if set, receives every FailedRequest the scheduler
	// records, in addition to the in-memory failures map; audit.FailureLogger
	// satisfies this via its Insert method for durable, cross-run history.
	FailureSink func(ctx context.Context, fr dataservice.FailedRequest) error
}

// Scheduler is the engine's dual-queue worker: it owns the work queue, the
// data queue, the dedup set, and the failure ledger, and drives requests
// through the rate limiter, retry envelope and cache before handing
// successful responses to the callback dispatcher.
type Scheduler struct {
	cfg            dsconfig.ServiceConfig
	defaultFetcher dataservice.Fetcher
	resolve        Resolver
	logger         *dslog.Logger

	store     cache.Cache
	coalesced *cache.Coalesced

	gate    *ratelimit.Gate
	limiter *ratelimit.Limiter

	pool       *dispatch.Pool
	dispatcher *dispatch.Dispatcher

	workQueue queue[*dataservice.Request]
	dataQueue queue[dataservice.DataItem]

	// seeded is set the first time Seed is called with at least one Request;
	// Fetch rejects draining an unseeded queue rather than silently returning
	// zero items.
	seeded bool

	seen sync.Map // fingerprint -> struct{}

	failuresMu sync.RWMutex
	failures   map[string]dataservice.FailedRequest

	failureSink func(ctx context.Context, fr dataservice.FailedRequest) error

	// postgresDSN is set instead of constructing store/coalesced directly in
	// NewScheduler, since opening a pgxpool needs a context and NewScheduler
	// doesn't take one; Fetch constructs the Postgres-backed cache on first
	// call using the context it was given.
	postgresDSN string
}

// NewScheduler constructs a Scheduler from cfg. The returned Scheduler is
// idle until Seed and Fetch are called.
func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = dslog.Default
	}

	var store cache.Cache = cache.NoCache{}
	deferPostgres := false
	if cfg.Service.Cache.Use {
		switch cfg.Service.Cache.CacheType {
		case dsconfig.CacheTypeBinary:
			store = cache.NewBinarySnapshotCache(cfg.Service.Cache.Path)
		case dsconfig.CacheTypeRemote:
			store = &cache.RemoteCache{
				SaveState: adaptSave(cfg.Service.Cache.SaveState),
				LoadState: adaptLoad(cfg.Service.Cache.LoadState),
			}
		case dsconfig.CacheTypePostgres:
			deferPostgres = true
		default:
			store = cache.NewJSONFileCache(cfg.Service.Cache.Path)
		}
	}

	s := &Scheduler{
		cfg:            cfg.Service,
		defaultFetcher: cfg.DefaultFetcher,
		resolve:        cfg.Resolve,
		logger:         logger,
		store:          store,
		gate:           ratelimit.NewGate(cfg.Service.MaxConcurrency),
		limiter:        ratelimit.NewLimiter(cfg.Service.Limiter),
		failures:       make(map[string]dataservice.FailedRequest),
		failureSink:    cfg.FailureSink,
	}
	if cfg.Service.Cache.Use && !deferPostgres {
		s.coalesced = cache.NewCoalesced(store)
	}
	if deferPostgres {
		s.postgresDSN = cfg.Service.Cache.PostgresDSN
	}
	s.pool = dispatch.NewPool(cfg.Service.MaxConcurrency)
	s.dispatcher = dispatch.New(s.pool)
	return s
}

// ensureStore finishes constructing a Postgres-backed cache on first use,
// since opening a pgxpool needs a context that NewScheduler doesn't have.
func (s *Scheduler) ensureStore(ctx context.Context) error {
	if s.postgresDSN == "" {
		return nil
	}
	pc, err := audit.NewPostgresCache(ctx, s.postgresDSN)
	if err != nil {
		return err
	}
	s.store = pc
	s.coalesced = cache.NewCoalesced(pc)
	s.postgresDSN = ""
	return nil
}

// adaptSave/adaptLoad bridge dsconfig's [2]string-pair state shape to the
// cache package's Entry-keyed state shape used by RemoteCache.
func adaptSave(fn dsconfig.SaveStateFunc) func(context.Context, map[string]cache.Entry) error {
	if fn == nil {
		return func(context.Context, map[string]cache.Entry) error { return nil }
	}
	return func(ctx context.Context, state map[string]cache.Entry) error {
		pairs := make(map[string][2]string, len(state))
		for k, v := range state {
			pairs[k] = [2]string{v.Text, string(v.Data)}
		}
		return fn(ctx, pairs)
	}
}

func adaptLoad(fn dsconfig.LoadStateFunc) func(context.Context) (map[string]cache.Entry, error) {
	if fn == nil {
		return func(context.Context) (map[string]cache.Entry, error) { return map[string]cache.Entry{}, nil }
	}
	return func(ctx context.Context) (map[string]cache.Entry, error) {
		pairs, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		state := make(map[string]cache.Entry, len(pairs))
		for k, v := range pairs {
			state[k] = cache.Entry{Text: v[0], Data: []byte(v[1])}
		}
		return state, nil
	}
}

// ErrNoRequests is returned by Fetch when nothing was ever pushed onto the
// work queue, per the specification's empty-input seeding rule (§4.6
// Seeding: "if nothing was pushed, fail with an empty-input error").
var ErrNoRequests = errors.New("worker: no requests to process")

// Seed enqueues the initial batch of Requests.
func (s *Scheduler) Seed(reqs ...*dataservice.Request) {
	if len(reqs) > 0 {
		s.seeded = true
	}
	for _, r := range reqs {
		s.workQueue.push(r)
	}
}

// Fetch drains the work queue to completion: each iteration dequeues up to
// MaxConcurrency requests, processes them concurrently, then ticks the
// cache's periodic flush. It returns when the work queue is empty or ctx is
// cancelled, and always performs a final cache flush before returning. It
// fails with ErrNoRequests if Seed was never called with at least one
// Request.
func (s *Scheduler) Fetch(ctx context.Context) error {
	if !s.seeded {
		return ErrNoRequests
	}
	if err := s.ensureStore(ctx); err != nil {
		return err
	}
	if err := s.store.Load(ctx); err != nil {
		return err
	}
	// A fresh callback pool per Fetch, closed on return, so a Scheduler can
	// be re-seeded and fetched again.
	s.pool = dispatch.NewPool(s.cfg.MaxConcurrency)
	s.dispatcher = dispatch.New(s.pool)
	defer s.pool.Close()
	defer func() { _ = s.store.Flush(context.Background()) }()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch := s.workQueue.popBatch(s.cfg.MaxConcurrency)
		if len(batch) == 0 {
			return nil
		}

		g := &errgroup.Group{}
		g.SetLimit(s.cfg.MaxConcurrency)
		for _, req := range batch {
			req := req
			g.Go(func() error {
				s.process(ctx, req)
				return nil
			})
		}
		_ = g.Wait() // process() records failures itself; it never returns an error

		s.store.Tick(ctx, s.cfg.Cache.WriteInterval)
	}
}

// DataItems drains and returns every DataItem produced so far.
func (s *Scheduler) DataItems() []dataservice.DataItem {
	return s.dataQueue.popAll()
}

// Failures returns a snapshot of every Request that will never be fetched
// again in this run, keyed by request.URL.
func (s *Scheduler) Failures() map[string]dataservice.FailedRequest {
	s.failuresMu.RLock()
	defer s.failuresMu.RUnlock()
	out := make(map[string]dataservice.FailedRequest, len(s.failures))
	for k, v := range s.failures {
		out[k] = v
	}
	return out
}

// process carries a single Request through validation, dedup, rate limiting,
// the retry envelope, the cache, and the callback dispatcher. It never
// returns an error: every outcome is either a push onto one of the queues, a
// failures entry, or a log line.
func (s *Scheduler) process(ctx context.Context, req *dataservice.Request) {
	requestID := dslog.NewRequestID()

	if err := req.Validate(); err != nil {
		s.logger.Error(requestID, "request.invalid", map[string]any{"url": req.URL, "error": err.Error()})
		s.recordFailure(ctx, req, err, dserrors.KindNonRetryable)
		return
	}

	if s.alreadyFailed(req.URL) {
		s.logger.Debug(requestID, "request.failed_skip", map[string]any{"url": req.URL})
		return
	}

	fingerprint := req.UniqueKey()
	if s.cfg.Deduplication {
		if _, loaded := s.seen.LoadOrStore(fingerprint, struct{}{}); loaded {
			s.logger.Debug(requestID, "request.dedup_skip", map[string]any{"url": req.URL})
			return
		}
	}

	s.logger.Info(requestID, "fetch.start", map[string]any{"url": req.URL, "method": string(req.Method)})

	if err := s.limiter.Wait(ctx); err != nil {
		s.logger.Debug(requestID, "fetch.cancelled", map[string]any{"url": req.URL, "stage": "limiter"})
		return
	}
	if err := s.gate.Acquire(ctx); err != nil {
		s.logger.Debug(requestID, "fetch.cancelled", map[string]any{"url": req.URL, "stage": "gate"})
		return
	}
	defer s.gate.Release()

	if err := ratelimit.Delay(ctx, s.cfg.Delay); err != nil {
		s.logger.Debug(requestID, "fetch.cancelled", map[string]any{"url": req.URL, "stage": "delay"})
		return
	}

	fetcher, err := s.fetcherFor(req)
	if err != nil {
		s.logger.Error(requestID, "fetch.no_fetcher", map[string]any{"url": req.URL, "error": err.Error()})
		s.recordFailure(ctx, req, err, dserrors.KindNonRetryable)
		return
	}

	attempt := retry.Wrap(s.cfg.Retry, func(ctx context.Context) (*dataservice.Response, error) {
		return s.fetchOnce(req, fetcher)
	})
	resp, err := attempt(ctx)
	if err != nil {
		kind := dserrors.ClassOf(err)
		fields := map[string]any{"url": req.URL, "kind": kind.String(), "error": err.Error()}
		switch kind {
		case dserrors.KindGeneric:
			// Logged at error level; does not poison the scheduler and is not
			// recorded as a terminal failure, per the specification.
			s.logger.Error(requestID, "fetch.failed", fields)
		default:
			s.logger.Warn(requestID, "fetch.failed", fields)
			s.recordFailure(ctx, req, err, kind)
		}
		return
	}

	s.logger.Info(requestID, "fetch.succeeded", map[string]any{"url": req.URL, "status": resp.StatusCode})
	s.runCallback(ctx, requestID, req, resp)
}

// alreadyFailed reports whether url is already a terminal failure, per the
// specification's "request.url in failures => skip" rule (invariant 5): a
// URL that has failed once is never fetched again in the same run, even if
// it reappears with a different fingerprint (different params/method) or
// deduplication is disabled.
func (s *Scheduler) alreadyFailed(url string) bool {
	s.failuresMu.RLock()
	defer s.failuresMu.RUnlock()
	_, ok := s.failures[url]
	return ok
}

func (s *Scheduler) fetcherFor(req *dataservice.Request) (dataservice.Fetcher, error) {
	if req.Fetcher != nil {
		return req.Fetcher, nil
	}
	if req.FetcherName != "" {
		if s.resolve == nil {
			return nil, errNoResolver(req.FetcherName)
		}
		if f, ok := s.resolve(req.FetcherName); ok {
			return f, nil
		}
		return nil, errUnresolvedFetcher(req.FetcherName)
	}
	if s.defaultFetcher != nil {
		return s.defaultFetcher, nil
	}
	return nil, errNoFetcher{}
}

func (s *Scheduler) fetchOnce(req *dataservice.Request, fetcher dataservice.Fetcher) (*dataservice.Response, error) {
	if s.coalesced != nil {
		return s.coalesced.Fetch(req, fetcher)
	}
	return fetcher.Fetch(req)
}

// runCallback invokes req.Callback on the dispatcher's pool and folds the
// resulting WorkItems into the work and data queues. A Parsing error from
// the callback is recorded as a terminal failure against this request.
func (s *Scheduler) runCallback(ctx context.Context, requestID string, req *dataservice.Request, resp *dataservice.Response) {
	if req.Callback == nil {
		return
	}
	items, errs := s.dispatcher.InvokeCallback(ctx, req, resp)
	for item := range items {
		switch {
		case item.Request != nil:
			s.workQueue.push(item.Request)
		case item.DataItem != nil:
			s.dataQueue.push(*item.DataItem)
		}
	}
	select {
	case err, ok := <-errs:
		if ok && err != nil {
			s.logger.Error(requestID, "callback.failed", map[string]any{"url": req.URL, "error": err.Error()})
			s.recordFailure(ctx, req, err, dserrors.ClassOf(err))
		}
	default:
	}
}

// recordFailure records a terminal failure keyed by req.URL, per the
// specification's "F.request.url is the map key" invariant (§8 invariant 9).
func (s *Scheduler) recordFailure(ctx context.Context, req *dataservice.Request, err error, kind dserrors.Kind) {
	fr := dataservice.FailedRequest{
		Request:       req,
		Message:       err.Error(),
		ExceptionKind: kind.String(),
		OccurredAt:    time.Now(),
	}
	s.failuresMu.Lock()
	s.failures[req.URL] = fr
	s.failuresMu.Unlock()

	if s.failureSink != nil {
		if sinkErr := s.failureSink(ctx, fr); sinkErr != nil {
			s.logger.Error("", "failure_sink.error", map[string]any{"url": req.URL, "error": sinkErr.Error()})
		}
	}
}

type errNoFetcher struct{}

func (errNoFetcher) Error() string { return "dataservice: request has no Fetcher, FetcherName, or default fetcher" }

type errNoResolver string

func (e errNoResolver) Error() string {
	return "dataservice: request names fetcher " + string(e) + " but no resolver was configured"
}

type errUnresolvedFetcher string

func (e errUnresolvedFetcher) Error() string {
	return "dataservice: no fetcher registered under name " + string(e)
}
