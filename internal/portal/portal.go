package portal

import "context"

// Portal hands work from any goroutine to a home Loop and blocks the
// caller until the outcome is available.
type Portal struct {
	token Token
}

// New returns a portal into the loop behind token.
func New(token Token) *Portal {
	return &Portal{token: token}
}

// Token returns the loop handle the portal crosses into.
func (p *Portal) Token() Token {
	return p.token
}

// Run schedules fn as an independent task of the home loop and waits,
// uninterruptibly, for its outcome. fn receives the loop's root scope.
func (p *Portal) Run(fn func(ctx context.Context) (any, error)) (any, error) {
	return p.run(nil, fn)
}

// RunContext is Run where cancelling ctx also cancels the task's scope.
// The caller still waits for the task to observe the cancellation and
// return.
func (p *Portal) RunContext(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	return p.run(ctx, fn)
}

func (p *Portal) run(caller context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	loop := p.token.loop
	if loop == nil {
		return nil, ErrRunFinished
	}
	fut := NewFuture()
	start := func() {
		taskCtx, cancel := context.WithCancel(loop.ctx)
		stop := func() bool { return false }
		if caller != nil {
			stop = context.AfterFunc(caller, cancel)
		}
		err := loop.spawn(taskCtx, func(ctx context.Context) {
			defer cancel()
			defer stop()
			fut.Resolve(capture(func() (any, error) { return fn(ctx) }))
		})
		if err != nil {
			stop()
			cancel()
			fut.Resolve(nil, err)
		}
	}
	abort := func() { fut.Resolve(nil, ErrRunFinished) }

	if err := loop.schedule(callback{fn: start, abort: abort}); err != nil {
		return nil, err
	}
	return fut.Wait()
}

// RunSync runs fn on the loop goroutine itself and waits for its outcome.
// fn must not block the loop.
func (p *Portal) RunSync(fn func() (any, error)) (any, error) {
	loop := p.token.loop
	if loop == nil {
		return nil, ErrRunFinished
	}
	fut := NewFuture()
	err := loop.schedule(callback{
		fn:    func() { fut.Resolve(capture(fn)) },
		abort: func() { fut.Resolve(nil, ErrRunFinished) },
	})
	if err != nil {
		return nil, err
	}
	return fut.Wait()
}
