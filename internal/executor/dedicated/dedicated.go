// Package dedicated runs suspending object methods inside a private
// portal.Loop hosted on its own OS thread.
package dedicated

import (
	"context"
	"fmt"
	"iter"
	"runtime"
	"sync"
	"time"

	"github.com/HyphaGroup/remora/internal/executor"
	"github.com/HyphaGroup/remora/internal/logger"
	"github.com/HyphaGroup/remora/internal/metrics"
	"github.com/HyphaGroup/remora/internal/object"
	"github.com/HyphaGroup/remora/internal/portal"
)

// Executor is the dedicated-loop executor. It accepts only suspending
// methods; cancelling a caller's context cancels the method's context.
type Executor struct {
	name string

	mu   sync.Mutex
	loop *portal.Loop
	into *portal.Portal
	done chan struct{}
}

var _ executor.Executor = (*Executor)(nil)

func New(name string) *Executor {
	if name == "" {
		name = "dedicated"
	}
	return &Executor{name: name}
}

func (e *Executor) Name() string {
	return e.name
}

func (e *Executor) SupportsCoroutine() bool {
	return true
}

func (e *Executor) SupportsNonCoroutine() bool {
	return false
}

// Start launches the worker thread and its loop. The loop outlives ctx.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loop != nil {
		return nil
	}

	loop := portal.NewLoop(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer close(done)
		if err := loop.Run(); err != nil {
			logger.Slog().Error("dedicated loop", "executor", e.name, "error", err)
		}
	}()

	e.loop = loop
	e.into = portal.New(loop.Token())
	e.done = done
	logger.InfoContext(ctx, "executor started", "executor", e.name)
	return nil
}

// Stop crosses into the loop and cancels its root scope. Running methods
// see their context cancelled. With block set, Stop waits for the worker
// thread to exit or ctx to end.
func (e *Executor) Stop(ctx context.Context, block bool) error {
	e.mu.Lock()
	loop, into, done := e.loop, e.into, e.done
	e.loop, e.into, e.done = nil, nil, nil
	e.mu.Unlock()
	if loop == nil {
		return nil
	}

	_, err := into.RunSync(func() (any, error) {
		loop.Stop()
		return nil, nil
	})
	if err != nil {
		loop.Stop()
	}
	if !block {
		return nil
	}
	select {
	case <-done:
		logger.InfoContext(ctx, "executor stopped", "executor", e.name)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) entry() (*portal.Portal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.into == nil {
		return nil, fmt.Errorf("%w: %s", executor.ErrNotStarted, e.name)
	}
	return e.into, nil
}

// Execute runs a suspending method as a task of the worker loop. Plain
// methods are rejected before anything crosses over.
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
	p, err := e.entry()
	if err != nil {
		return nil, err
	}

	v, err := p.RunContext(ctx, func(ctx context.Context) (any, error) {
		return m.Fn(ctx, obj, args)
	})
	if err != nil {
		return nil, err
	}
	if err := object.CallCallback(obj, callback, v); err != nil {
		return nil, err
	}
	return v, nil
}

// ExecuteGenerator runs a suspending generator as a task of the worker
// loop; values cross back over a channel. Leaving the range loop early
// cancels the task.
func (e *Executor) ExecuteGenerator(ctx context.Context, obj object.Referenceable, method string, args object.Args, callback string) iter.Seq2[any, error] {
	m, err := executor.Lookup(obj, method, true)
	if err == nil {
		err = executor.CheckShape(e, m)
	}
	if err != nil {
		return executor.Fail(err)
	}

	return func(yield func(any, error) bool) {
		p, err := e.entry()
		if err != nil {
			yield(nil, err)
			return
		}

		genCtx, cancel := context.WithCancel(ctx)
		values := make(chan any)
		outcome := make(chan error, 1)
		go func() {
			_, err := p.RunContext(genCtx, func(ctx context.Context) (any, error) {
				return nil, m.Gen(ctx, obj, args, func(v any) bool {
					select {
					case values <- v:
						return true
					case <-ctx.Done():
						return false
					}
				})
			})
			outcome <- err
			close(values)
		}()
		defer func() {
			cancel()
			for range values {
			}
		}()

		for v := range values {
			if err := object.CallCallback(obj, callback, v); err != nil {
				yield(nil, err)
				return
			}
			if !yield(v, nil) {
				return
			}
		}
		if err := <-outcome; err != nil {
			yield(nil, err)
		}
	}
}

// EchoClock reads the peer time on the worker loop.
func (e *Executor) EchoClock(ctx context.Context) (executor.Clock, error) {
	p, err := e.entry()
	if err != nil {
		return executor.Clock{}, err
	}
	send := executor.Now()
	v, err := p.RunSync(func() (any, error) {
		return executor.Now(), nil
	})
	if err != nil {
		return executor.Clock{}, err
	}
	return executor.Clock{SendTime: send, PeerTime: v.(int64), ReceiveTime: executor.Now()}, nil
}
