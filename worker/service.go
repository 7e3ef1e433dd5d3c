package worker

import (
	"context"
	"iter"
	"os"
	"os/signal"
	"syscall"

	"github.com/lucaromagnoli/dataservice"
	"github.com/lucaromagnoli/dataservice/dsconfig"
	"github.com/lucaromagnoli/dataservice/dslog"
)

// Service is the public entry point for driving a RequestSource to
// completion: construct one with New, then drain it with All (synchronous)
// or Stream (asynchronous, signal-aware).
//
// Service lives alongside Scheduler in this package, rather than in the root
// dataservice package, because Scheduler is assembled from cache, dispatch,
// fetch and retry — all of which import the root package for its Request,
// Response and DataItem types. A root-package Service holding a *Scheduler
// would close that back edge into an import cycle; see DESIGN.md.
type Service struct {
	sched    *Scheduler
	cfg      dsconfig.ServiceConfig
	requests dataservice.RequestSource
	registry *dataservice.Registry
}

// ServiceOption customizes a Service beyond what ServiceConfig covers, e.g.
// wiring a durable failure sink.
type ServiceOption func(*Config)

// WithFailureSink configures a sink that receives every FailedRequest the
// scheduler records, alongside the in-memory Failures() map; construct one
// from audit.NewFailureLogger for durable, queryable cross-run history.
func WithFailureSink(sink func(ctx context.Context, fr dataservice.FailedRequest) error) ServiceOption {
	return func(c *Config) { c.FailureSink = sink }
}

// WithLogger overrides the default logger.
func WithLogger(logger *dslog.Logger) ServiceOption {
	return func(c *Config) { c.Logger = logger }
}

// New builds a Service for requests under cfg. cfg.Validate's errors are not
// surfaced here; callers that want construction-time validation should call
// cfg.Validate() themselves before New.
func New(requests dataservice.RequestSource, cfg dsconfig.ServiceConfig, opts ...ServiceOption) *Service {
	registry := dataservice.NewRegistry()
	schedCfg := Config{
		Service: cfg,
		Resolve: registry.Resolve,
		Logger:  dslog.Default,
	}
	for _, opt := range opts {
		opt(&schedCfg)
	}
	sched := NewScheduler(schedCfg)
	return &Service{sched: sched, cfg: cfg, requests: requests, registry: registry}
}

// Fetchers returns the Service's named-fetcher registry, so callers can
// Register fetchers for Requests that address one via FetcherName instead of
// carrying a Fetcher value directly.
func (s *Service) Fetchers() *dataservice.Registry { return s.registry }

// All drains the Service synchronously and returns a range-over-func
// sequence of every DataItem produced. The underlying Scheduler.Fetch runs
// to completion (or until ctx is cancelled) before All returns, since
// DataItems are only available once Fetch returns; this also means All's
// error — including ErrNoRequests when Requests is empty — is available
// before the caller ever starts ranging over the sequence.
func (s *Service) All(ctx context.Context) (iter.Seq[dataservice.DataItem], error) {
	s.sched.Seed(s.requests...)
	if err := s.sched.Fetch(ctx); err != nil {
		return nil, err
	}
	return func(yield func(dataservice.DataItem) bool) {
		for _, item := range s.sched.DataItems() {
			if !yield(item) {
				return
			}
		}
	}, nil
}

// Stream drains the Service asynchronously: Scheduler.Fetch runs on its own
// goroutine and, once it returns, every DataItem produced is forwarded to
// the returned channel. Stream installs signal.NotifyContext for os.Interrupt and
// SIGTERM so an operator's Ctrl-C drains the in-flight batch and flushes the
// cache exactly once instead of abandoning state mid-run. It returns
// ErrNoRequests immediately, without spawning the goroutine, if Requests is
// empty.
func (s *Service) Stream(ctx context.Context) (<-chan dataservice.DataItem, error) {
	if len(s.requests) == 0 {
		return nil, ErrNoRequests
	}

	out := make(chan dataservice.DataItem)
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer close(out)
		defer stop()
		s.sched.Seed(s.requests...)
		_ = s.sched.Fetch(sigCtx)
		for _, item := range s.sched.DataItems() {
			select {
			case out <- item:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Failures returns every Request that will never be fetched again in this
// run, keyed by request.URL.
func (s *Service) Failures() map[string]dataservice.FailedRequest {
	return s.sched.Failures()
}

// Write persists items to path; see writeItems for the dispatch rule.
func (s *Service) Write(path string, items []dataservice.DataItem) error {
	return writeItems(path, items)
}
