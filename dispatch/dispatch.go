// Package dispatch implements the callback dispatcher (spec component C5):
// it normalizes the heterogeneous value a Callback returns (a single
// Request, a single DataItem, or a finite/lazy/async sequence of either)
// into a uniform stream of WorkItems the scheduler enqueues, and it runs
// callbacks on a bounded worker pool so a slow parse never blocks the
// scheduler's dequeue loop.
//
// Design Notes:
//   - The worker pool is a fixed-size goroutine pool fed by a channel,
//     exactly the shape of the teacher's warming.WorkerPool, generalized
//     from warming tasks to arbitrary callback invocations.
//   - A panic recovered from inside a callback becomes a dserrors.ParsingError
//     rather than crashing the pool goroutine.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/lucaromagnoli/dataservice"
	"github.com/lucaromagnoli/dataservice/dserrors"
)

// WorkItem is exactly one Request or one DataItem recovered from a
// CallbackResult.
type WorkItem struct {
	Request  *dataservice.Request
	DataItem *dataservice.DataItem
}

// Pool is a bounded goroutine pool, generalized from warming.WorkerPool:
// it runs submitted functions on at most Size concurrent goroutines so a
// long-running parse cannot stall the scheduler's dequeue progress.
type Pool struct {
	tasks     chan func()
	done      chan struct{}
	closeOnce sync.Once
}

// NewPool starts a Pool with the given number of workers.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{
		tasks: make(chan func(), size*4),
		done:  make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		go p.runWorker()
	}
	return p
}

func (p *Pool) runWorker() {
	for {
		select {
		case <-p.done:
			return
		case fn := <-p.tasks:
			fn()
		}
	}
}

// Submit enqueues fn to run on the pool. It blocks if the pool's internal
// queue is full, providing natural backpressure.
func (p *Pool) Submit(fn func()) {
	p.tasks <- fn
}

// Close stops all pool workers. In-flight tasks are allowed to finish;
// queued-but-not-started tasks are dropped. Calling Close again is a no-op.
func (p *Pool) Close() { p.closeOnce.Do(func() { close(p.done) }) }

// Dispatcher normalizes CallbackResult values into a WorkItem stream.
type Dispatcher struct {
	pool *Pool
}

// New creates a Dispatcher running callbacks on pool.
func New(pool *Pool) *Dispatcher {
	return &Dispatcher{pool: pool}
}

// InvokeCallback runs req.Callback(resp) on the dispatcher's worker pool and
// normalizes its result into a channel of WorkItems. Any panic or error
// raised by the callback is reported as a dserrors.ParsingError via the
// returned error channel instead of a WorkItem.
func (d *Dispatcher) InvokeCallback(ctx context.Context, req *dataservice.Request, resp *dataservice.Response) (<-chan WorkItem, <-chan error) {
	items := make(chan WorkItem)
	errs := make(chan error, 1)

	d.pool.Submit(func() {
		defer close(items)
		result, err := safeCallback(req.Callback, resp)
		if err != nil {
			errs <- &dserrors.ParsingError{Err: err}
			return
		}
		if result == nil {
			return
		}
		d.normalize(ctx, result, items)
	})

	return items, errs
}

func safeCallback(cb dataservice.Callback, resp *dataservice.Response) (result dataservice.CallbackResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in callback: %v", r)
		}
	}()
	return cb(resp)
}

// normalize walks a CallbackResult, emitting one WorkItem per Request or
// DataItem found, recursing into Many/Seq/AsyncSeq. Any other value that
// satisfies CallbackResult (for example a type embedding one of these) is
// dropped: it produces neither a WorkItem nor an error.
func (d *Dispatcher) normalize(ctx context.Context, result dataservice.CallbackResult, out chan<- WorkItem) {
	switch v := result.(type) {
	case *dataservice.Request:
		select {
		case out <- WorkItem{Request: v}:
		case <-ctx.Done():
		}
	case dataservice.Request:
		r := v
		select {
		case out <- WorkItem{Request: &r}:
		case <-ctx.Done():
		}
	case *dataservice.DataItem:
		select {
		case out <- WorkItem{DataItem: v}:
		case <-ctx.Done():
		}
	case dataservice.DataItem:
		item := v
		select {
		case out <- WorkItem{DataItem: &item}:
		case <-ctx.Done():
		}
	case dataservice.Many:
		for _, item := range v.Items {
			d.normalize(ctx, item, out)
		}
	case dataservice.Seq:
		for item := range v.Seq {
			d.normalize(ctx, item, out)
		}
	case dataservice.AsyncSeq:
		for {
			select {
			case item, ok := <-v.Chan:
				if !ok {
					return
				}
				d.normalize(ctx, item, out)
			case <-ctx.Done():
				return
			}
		}
	default:
		// Only reached by types that satisfy CallbackResult by embedding one
		// of dataservice's result types; such values are dropped without a
		// WorkItem or an error.
	}
}
