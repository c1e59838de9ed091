// Package threadpool runs object methods on one worker goroutine locked to
// its own OS thread.
//
// Calls are serialized by a one-slot permit. Once a call has been handed
// to the worker it runs to completion: the submitting caller waits for the
// outcome regardless of its context, which is only honoured while waiting
// for the permit.
package threadpool

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/HyphaGroup/remora/internal/executor"
	"github.com/HyphaGroup/remora/internal/logger"
	"github.com/HyphaGroup/remora/internal/metrics"
	"github.com/HyphaGroup/remora/internal/object"
	"github.com/HyphaGroup/remora/internal/portal"
)

// ErrWorkerDead is returned by every call after a method panicked on the
// worker.
var ErrWorkerDead = errors.New("threadpool: worker terminated")

// genBuffer bounds the values a generator may run ahead of its consumer.
const genBuffer = 16

type job struct {
	run func() bool
	eof bool
}

type worker struct {
	jobs    chan job
	done    chan struct{}
	dead    atomic.Bool
	stopped atomic.Bool
}

func (w *worker) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.done)

	for j := range w.jobs {
		if j.eof {
			return
		}
		if !j.run() {
			return
		}
	}
}

// Executor is the thread-pool executor.
type Executor struct {
	name   string
	permit *semaphore.Weighted

	mu     sync.Mutex
	worker *worker
}

var _ executor.Executor = (*Executor)(nil)

// New creates an unstarted executor.
func New(name string) *Executor {
	if name == "" {
		name = "threadpool"
	}
	return &Executor{name: name, permit: semaphore.NewWeighted(1)}
}

func (e *Executor) Name() string {
	return e.name
}

func (e *Executor) SupportsCoroutine() bool {
	return false
}

func (e *Executor) SupportsNonCoroutine() bool {
	return true
}

// Start launches the worker. Starting a running executor is a no-op.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.worker != nil {
		return nil
	}
	w := &worker{jobs: make(chan job, 2), done: make(chan struct{})}
	go w.loop()
	e.worker = w
	logger.InfoContext(ctx, "executor started", "executor", e.name)
	return nil
}

// Stop waits for the call in flight, then hands the worker an end-of-work
// sentinel. With block set, Stop also waits for the worker to exit or ctx
// to end.
func (e *Executor) Stop(ctx context.Context, block bool) error {
	e.mu.Lock()
	w := e.worker
	e.mu.Unlock()
	if w == nil {
		return nil
	}

	if err := e.permit.Acquire(ctx, 1); err != nil {
		return err
	}
	w.stopped.Store(true)
	select {
	case w.jobs <- job{eof: true}:
	case <-w.done:
	}
	e.permit.Release(1)

	e.mu.Lock()
	if e.worker == w {
		e.worker = nil
	}
	e.mu.Unlock()

	if !block {
		return nil
	}
	select {
	case <-w.done:
		logger.InfoContext(ctx, "executor stopped", "executor", e.name)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) current() (*worker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.worker == nil {
		return nil, fmt.Errorf("%w: %s", executor.ErrNotStarted, e.name)
	}
	return e.worker, nil
}

// acquire takes the permit. ctx is honoured only here.
func (e *Executor) acquire(ctx context.Context) (*worker, error) {
	w, err := e.current()
	if err != nil {
		return nil, err
	}
	if err := e.permit.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	switch {
	case w.dead.Load():
		e.permit.Release(1)
		return nil, fmt.Errorf("%w: %s", ErrWorkerDead, e.name)
	case w.stopped.Load():
		e.permit.Release(1)
		return nil, fmt.Errorf("%w: %s", executor.ErrStopped, e.name)
	}
	return w, nil
}

// submit runs fn on the worker and waits for it uninterruptibly. A panic
// in fn is returned as a portal.ErrPanic error and kills the worker.
func (e *Executor) submit(w *worker, fn func() (any, error)) (any, error) {
	fut := portal.NewFuture()
	w.jobs <- job{run: func() bool {
		v, panicked, err := guard(fn)
		if panicked {
			w.dead.Store(true)
			logger.Slog().Error("worker panicked", "executor", e.name, "error", err)
		}
		fut.Resolve(v, err)
		return !panicked
	}}
	return fut.Wait()
}

func guard(fn func() (any, error)) (value any, panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			value, panicked = nil, true
			err = fmt.Errorf("%w: %v\n%s", portal.ErrPanic, r, debug.Stack())
		}
	}()
	value, err = fn()
	return value, false, err
}

// Execute runs a plain method on the worker. The callback runs on the
// calling goroutine once the result is back.
func (e *Executor) Execute(ctx context.Context, obj object.Referenceable, method string, args object.Args, callback string) (result any, err error) {
	started := time.Now()
	defer func() { metrics.RecordExecution(e.name, err, started) }()

	m, err := executor.Lookup(obj, method, false)
	if err != nil {
		return nil, err
	}
	if err := executor.CheckShape(e, m); err != nil {
		return nil, err
	}
	w, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer e.permit.Release(1)

	runCtx := context.WithoutCancel(ctx)
	v, err := e.submit(w, func() (any, error) {
		return m.Fn(runCtx, obj, args)
	})
	if err != nil {
		return nil, err
	}
	if err := object.CallCallback(obj, callback, v); err != nil {
		return nil, err
	}
	return v, nil
}

// ExecuteGenerator runs a generator method on the worker. The worker runs
// ahead of the consumer by at most a small buffer. Leaving the range loop
// early halts the generator at its next yield; the permit is held until
// the worker has let go of it.
func (e *Executor) ExecuteGenerator(ctx context.Context, obj object.Referenceable, method string, args object.Args, callback string) iter.Seq2[any, error] {
	m, err := executor.Lookup(obj, method, true)
	if err == nil {
		err = executor.CheckShape(e, m)
	}
	if err != nil {
		return executor.Fail(err)
	}

	return func(yield func(any, error) bool) {
		started := time.Now()
		var genErr error
		defer func() { metrics.RecordExecution(e.name, genErr, started) }()

		w, err := e.acquire(ctx)
		if err != nil {
			genErr = err
			yield(nil, err)
			return
		}
		defer e.permit.Release(1)

		values := make(chan portal.Outcome, genBuffer)
		halt := make(chan struct{})
		finished := make(chan struct{})
		var haltOnce sync.Once
		stop := func() { haltOnce.Do(func() { close(halt) }) }

		runCtx := context.WithoutCancel(ctx)
		w.jobs <- job{run: func() bool {
			defer close(finished)
			defer close(values)
			_, panicked, err := guard(func() (any, error) {
				return nil, m.Gen(runCtx, obj, args, func(v any) bool {
					select {
					case <-halt:
						return false
					default:
					}
					select {
					case values <- portal.Outcome{Value: v}:
						return true
					case <-halt:
						return false
					}
				})
			})
			if panicked {
				w.dead.Store(true)
			}
			if err != nil {
				select {
				case values <- portal.Outcome{Err: err}:
				case <-halt:
				}
			}
			return !panicked
		}}

		defer func() {
			stop()
			<-finished
		}()
		for out := range values {
			if out.Err != nil {
				genErr = out.Err
				yield(nil, out.Err)
				return
			}
			if err := object.CallCallback(obj, callback, out.Value); err != nil {
				genErr = err
				yield(nil, err)
				return
			}
			if !yield(out.Value, nil) {
				return
			}
		}
	}
}

// EchoClock reads the peer time on the worker thread.
func (e *Executor) EchoClock(ctx context.Context) (executor.Clock, error) {
	send := executor.Now()
	w, err := e.acquire(ctx)
	if err != nil {
		return executor.Clock{}, err
	}
	defer e.permit.Release(1)

	v, err := e.submit(w, func() (any, error) {
		return executor.Now(), nil
	})
	if err != nil {
		return executor.Clock{}, err
	}
	return executor.Clock{SendTime: send, PeerTime: v.(int64), ReceiveTime: executor.Now()}, nil
}
