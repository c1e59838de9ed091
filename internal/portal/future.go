package portal

import (
	"context"
	"sync"
)

// Outcome is the captured result of a unit of work.
type Outcome struct {
	Value any
	Err   error
}

// Future is a one-shot outcome. It is resolved exactly once; later
// resolutions are ignored.
type Future struct {
	once    sync.Once
	done    chan struct{}
	outcome Outcome
}

func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve stores the outcome and wakes every waiter. It reports whether
// this call was the one that resolved the future.
func (f *Future) Resolve(value any, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.outcome = Outcome{Value: value, Err: err}
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future is resolved. It cannot be interrupted.
func (f *Future) Wait() (any, error) {
	<-f.done
	return f.outcome.Value, f.outcome.Err
}

// WaitContext is Wait that gives up when ctx is done. The future itself
// is unaffected and may still be resolved later.
func (f *Future) WaitContext(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.outcome.Value, f.outcome.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
