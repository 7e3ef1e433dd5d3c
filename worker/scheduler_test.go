package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lucaromagnoli/dataservice"
	"github.com/lucaromagnoli/dataservice/dserrors"
	"github.com/lucaromagnoli/dataservice/dsconfig"
)

type stubFetcher struct {
	calls    int32
	fn       func(req *dataservice.Request, n int32) (*dataservice.Response, error)
}

func (f *stubFetcher) Fetch(req *dataservice.Request) (*dataservice.Response, error) {
	n := atomic.AddInt32(&f.calls, 1)
	return f.fn(req, n)
}

func testConfig() dsconfig.ServiceConfig {
	cfg := dsconfig.DefaultConfig()
	cfg.MaxConcurrency = 4
	cfg.Retry.WaitExpMin = time.Millisecond
	cfg.Retry.WaitExpMax = 2 * time.Millisecond
	cfg.Retry.WaitExpMul = time.Millisecond
	return cfg
}

func TestSchedulerSingleSuccess(t *testing.T) {
	fetcher := &stubFetcher{fn: func(req *dataservice.Request, n int32) (*dataservice.Response, error) {
		return &dataservice.Response{Request: req, URL: req.URL, StatusCode: 200, Text: "ok"}, nil
	}}

	sched := NewScheduler(Config{Service: testConfig(), DefaultFetcher: fetcher})
	req := &dataservice.Request{URL: "https://example.com/a"}
	req.Callback = func(resp *dataservice.Response) (dataservice.CallbackResult, error) {
		return dataservice.NewDataItem(map[string]any{"text": resp.Text}), nil
	}
	sched.Seed(req)

	if err := sched.Fetch(context.Background()); err != nil {
		t.Fatal(err)
	}
	items := sched.DataItems()
	if len(items) != 1 || items[0].Values["text"] != "ok" {
		t.Fatalf("got %+v, want one item with text=ok", items)
	}
	if len(sched.Failures()) != 0 {
		t.Errorf("expected no failures, got %+v", sched.Failures())
	}
}

func TestSchedulerNonRetryableFailure(t *testing.T) {
	fetcher := &stubFetcher{fn: func(req *dataservice.Request, n int32) (*dataservice.Response, error) {
		return nil, &dserrors.NonRetryableError{StatusCode: 404, Err: context.DeadlineExceeded}
	}}
	sched := NewScheduler(Config{Service: testConfig(), DefaultFetcher: fetcher})
	req := &dataservice.Request{URL: "https://example.com/missing"}
	sched.Seed(req)

	if err := sched.Fetch(context.Background()); err != nil {
		t.Fatal(err)
	}
	failures := sched.Failures()
	if len(failures) != 1 {
		t.Fatalf("got %d failures, want 1", len(failures))
	}
	f, ok := failures["https://example.com/missing"]
	if !ok {
		t.Fatalf("failures = %+v, want keyed by request.URL", failures)
	}
	if f.ExceptionKind != "NonRetryable" {
		t.Errorf("ExceptionKind = %s, want NonRetryable", f.ExceptionKind)
	}
	if atomic.LoadInt32(&fetcher.calls) != 1 {
		t.Errorf("calls = %d, want 1 (no retry on NonRetryable)", fetcher.calls)
	}
}

func TestSchedulerSkipsURLAlreadyInFailures(t *testing.T) {
	fetcher := &stubFetcher{fn: func(req *dataservice.Request, n int32) (*dataservice.Response, error) {
		return nil, &dserrors.NonRetryableError{StatusCode: 404, Err: context.DeadlineExceeded}
	}}
	cfg := testConfig()
	cfg.Deduplication = false
	sched := NewScheduler(Config{Service: cfg, DefaultFetcher: fetcher})

	sched.Seed(&dataservice.Request{URL: "https://example.com/missing"})
	if err := sched.Fetch(context.Background()); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&fetcher.calls) != 1 {
		t.Fatalf("calls after first run = %d, want 1", fetcher.calls)
	}

	// Same URL, different fingerprint (different query params), re-seeded
	// with deduplication off: the URL is already terminal in failures, so it
	// must still be skipped rather than re-fetched.
	sched.Seed(&dataservice.Request{URL: "https://example.com/missing", Params: map[string]string{"retry": "1"}})
	if err := sched.Fetch(context.Background()); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&fetcher.calls) != 1 {
		t.Errorf("calls after second run = %d, want 1 (URL already in failures must be skipped)", fetcher.calls)
	}
}

func TestSchedulerFetchWithoutSeedReturnsErrNoRequests(t *testing.T) {
	sched := NewScheduler(Config{Service: testConfig(), DefaultFetcher: &stubFetcher{}})
	if err := sched.Fetch(context.Background()); err != ErrNoRequests {
		t.Fatalf("Fetch() error = %v, want ErrNoRequests", err)
	}
}

func TestSchedulerRetryThenSuccess(t *testing.T) {
	fetcher := &stubFetcher{fn: func(req *dataservice.Request, n int32) (*dataservice.Response, error) {
		if n < 3 {
			return nil, &dserrors.RetryableError{StatusCode: 503}
		}
		return &dataservice.Response{Request: req, URL: req.URL, StatusCode: 200, Text: "finally"}, nil
	}}
	sched := NewScheduler(Config{Service: testConfig(), DefaultFetcher: fetcher})
	req := &dataservice.Request{URL: "https://example.com/flaky"}
	req.Callback = func(resp *dataservice.Response) (dataservice.CallbackResult, error) {
		return dataservice.NewDataItem(map[string]any{"text": resp.Text}), nil
	}
	sched.Seed(req)

	if err := sched.Fetch(context.Background()); err != nil {
		t.Fatal(err)
	}
	items := sched.DataItems()
	if len(items) != 1 || items[0].Values["text"] != "finally" {
		t.Fatalf("got %+v, want one item with text=finally", items)
	}
	if atomic.LoadInt32(&fetcher.calls) != 3 {
		t.Errorf("calls = %d, want 3", fetcher.calls)
	}
}

func TestSchedulerDedupAcrossFanOut(t *testing.T) {
	fetcher := &stubFetcher{fn: func(req *dataservice.Request, n int32) (*dataservice.Response, error) {
		time.Sleep(5 * time.Millisecond)
		return &dataservice.Response{Request: req, URL: req.URL, StatusCode: 200, Text: "dup"}, nil
	}}
	cfg := testConfig()
	cfg.Deduplication = true
	sched := NewScheduler(Config{Service: cfg, DefaultFetcher: fetcher})

	for i := 0; i < 5; i++ {
		sched.Seed(&dataservice.Request{URL: "https://example.com/same"})
	}

	if err := sched.Fetch(context.Background()); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&fetcher.calls) != 1 {
		t.Errorf("calls = %d, want 1 (dedup should collapse identical fingerprints)", fetcher.calls)
	}
}

func TestSchedulerFollowUpRequestsAreEnqueued(t *testing.T) {
	fetcher := &stubFetcher{fn: func(req *dataservice.Request, n int32) (*dataservice.Response, error) {
		return &dataservice.Response{Request: req, URL: req.URL, StatusCode: 200, Text: req.URL}, nil
	}}
	sched := NewScheduler(Config{Service: testConfig(), DefaultFetcher: fetcher})

	seed := &dataservice.Request{URL: "https://example.com/root"}
	seed.Callback = func(resp *dataservice.Response) (dataservice.CallbackResult, error) {
		next := &dataservice.Request{URL: "https://example.com/child"}
		return next, nil
	}
	sched.Seed(seed)

	if err := sched.Fetch(context.Background()); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&fetcher.calls) != 2 {
		t.Errorf("calls = %d, want 2 (seed + follow-up)", fetcher.calls)
	}
}
