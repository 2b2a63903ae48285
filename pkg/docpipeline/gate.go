package docpipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/docpipeline/engine/pkg/core/concurrency"
)

// DefaultGateCapacity is the number of processing-function invocations
// a Gate admits concurrently when no explicit capacity is given.
const DefaultGateCapacity = 10

// Gate is the bounded concurrency primitive every transition's
// processing function runs under: a counting semaphore implemented
// with the buffered-channel idiom, acquired before invocation and
// released on completion, cancellation, or failure alike. It never
// governs persistence I/O, only user processing-function calls.
type Gate struct {
	sem      chan struct{}
	inFlight int64

	executorOnce sync.Once
	executor     concurrency.Executor
}

// NewGate builds a Gate admitting at most capacity concurrently
// running processing functions. capacity <= 0 uses
// DefaultGateCapacity.
func NewGate(capacity int) *Gate {
	if capacity <= 0 {
		capacity = DefaultGateCapacity
	}
	return &Gate{sem: make(chan struct{}, capacity)}
}

// Capacity returns the gate's admission limit.
func (g *Gate) Capacity() int {
	return cap(g.sem)
}

// InFlight returns the number of processing functions currently
// admitted (running, or queued for worker-pool execution).
func (g *Gate) InFlight() int {
	return int(atomic.LoadInt64(&g.inFlight))
}

// Run admits fn under the gate's semaphore and invokes it. When
// offload is true, invocation is handed to a lazily-started worker
// pool instead of running on the calling goroutine; the permit is
// still held for the invocation's full duration either way. Run
// blocks until a permit is available or ctx is done.
func (g *Gate) Run(ctx context.Context, offload bool, fn func(context.Context) ([]Document, error)) ([]Document, error) {
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	atomic.AddInt64(&g.inFlight, 1)
	release := func() {
		atomic.AddInt64(&g.inFlight, -1)
		<-g.sem
	}

	if !offload {
		defer release()
		return fn(ctx)
	}

	type result struct {
		docs []Document
		err  error
	}
	resCh := make(chan result, 1)
	task := concurrency.TaskFunc(func(taskCtx context.Context) error {
		defer release()
		docs, err := fn(taskCtx)
		resCh <- result{docs: docs, err: err}
		return err
	})

	if err := g.executorFor().Submit(task); err != nil {
		release()
		return nil, err
	}

	select {
	case r := <-resCh:
		return r.docs, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Gate) executorFor() concurrency.Executor {
	g.executorOnce.Do(func() {
		g.executor = concurrency.NewExecutor(context.Background(), concurrency.DefaultExecutorConfig())
	})
	return g.executor
}

// Close shuts down the gate's worker pool, if one was ever started by
// an offloaded transition.
func (g *Gate) Close(ctx context.Context) error {
	if g.executor == nil {
		return nil
	}
	return g.executor.Shutdown(ctx)
}
