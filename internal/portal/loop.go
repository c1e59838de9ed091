// Package portal bridges goroutines that must not share state with a home
// loop that owns it. A Loop runs callbacks one at a time on its own
// goroutine; a Portal lets any other goroutine hand work to that loop and
// block until the outcome comes back.
package portal

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
)

var (
	ErrRunFinished = errors.New("portal: loop has finished")
	ErrPanic       = errors.New("portal: task panicked")
)

type callback struct {
	fn    func()
	abort func()
}

// Loop is a single-goroutine callback scheduler with a root cancellation
// scope for the tasks it spawns.
type Loop struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	queue    []callback
	finished bool
	started  bool
	wake     chan struct{}
	done     chan struct{}
	tasks    sync.WaitGroup
}

// NewLoop creates a loop whose root scope is derived from parent.
func NewLoop(parent context.Context) *Loop {
	ctx, cancel := context.WithCancel(parent)
	return &Loop{
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Context returns the root scope. It is cancelled by Stop.
func (l *Loop) Context() context.Context {
	return l.ctx
}

// Done is closed after Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Token returns the handle other goroutines use to reach this loop.
func (l *Loop) Token() Token {
	return Token{loop: l}
}

// Run executes callbacks on the calling goroutine until the root scope is
// cancelled. Callbacks still queued at that point are aborted, then Run
// waits for spawned tasks to return.
func (l *Loop) Run() error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return errors.New("portal: loop already running")
	}
	l.started = true
	l.mu.Unlock()
	defer close(l.done)

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, cb := range batch {
			cb.fn()
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-l.wake:
		case <-l.ctx.Done():
			l.finish()
			return nil
		}
	}
}

func (l *Loop) finish() {
	l.mu.Lock()
	l.finished = true
	pending := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, cb := range pending {
		if cb.abort != nil {
			cb.abort()
		}
	}
	l.tasks.Wait()
}

// Stop cancels the root scope. Run returns once spawned tasks have.
func (l *Loop) Stop() {
	l.cancel()
}

func (l *Loop) schedule(cb callback) error {
	l.mu.Lock()
	if l.finished || l.ctx.Err() != nil {
		l.mu.Unlock()
		return ErrRunFinished
	}
	l.queue = append(l.queue, cb)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Spawn starts fn as an independent task bound to the root scope.
func (l *Loop) Spawn(fn func(ctx context.Context)) error {
	return l.spawn(l.ctx, fn)
}

func (l *Loop) spawn(ctx context.Context, fn func(ctx context.Context)) error {
	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return ErrRunFinished
	}
	l.tasks.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.tasks.Done()
		fn(ctx)
	}()
	return nil
}

// Token is an opaque handle to a Loop, safe to pass to other goroutines.
type Token struct {
	loop *Loop
}

// RunSoon queues fn to run on the loop goroutine. It fails with
// ErrRunFinished once the loop has stopped.
func (t Token) RunSoon(fn func()) error {
	if t.loop == nil {
		return ErrRunFinished
	}
	return t.loop.schedule(callback{fn: fn})
}

// capture runs fn, converting a panic into an ErrPanic outcome.
func capture(fn func() (any, error)) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("%w: %v\n%s", ErrPanic, r, debug.Stack())
		}
	}()
	return fn()
}
