// Package executor provides the abstraction selecting where and how a
// method call on a referenceable object runs.
//
// types.go - Executor interface and the binding between objects and
// executors
//
// This file contains:
// - Executor interface implemented by the in-process and remote backends
// - Clock for echo-clock latency measurements
// - Apply / ApplyGenerator, which route a named method through the
//   object's bound executor or run it inline
package executor

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/HyphaGroup/remora/internal/object"
)

// NoCallback suppresses the result callback.
const NoCallback = ""

var (
	ErrShape      = errors.New("executor: method shape not supported")
	ErrNotStarted = errors.New("executor: not started")
	ErrStopped    = errors.New("executor: stopped")
)

// Clock is an echo-clock sample in nanoseconds: SendTime and ReceiveTime
// are read locally around the request, PeerTime is read by whatever ran
// the request.
type Clock struct {
	SendTime    int64 `json:"send_time"`
	PeerTime    int64 `json:"peer_time"`
	ReceiveTime int64 `json:"receive_time"`
}

// Executor runs methods of referenceable objects.
type Executor interface {
	// Name identifies the executor in logs and metrics
	Name() string

	// SupportsCoroutine reports whether suspending methods are accepted
	SupportsCoroutine() bool

	// SupportsNonCoroutine reports whether plain methods are accepted
	SupportsNonCoroutine() bool

	// Start prepares the executor; Stop releases it. Stop is a no-op on
	// an executor that was never started.
	Start(ctx context.Context) error
	Stop(ctx context.Context, block bool) error

	// Execute runs method on obj and returns its result. Unless callback
	// is NoCallback, the named callback of obj is applied to the result.
	Execute(ctx context.Context, obj object.Referenceable, method string, args object.Args, callback string) (any, error)

	// ExecuteGenerator runs a generator method. Each ranging over the
	// returned sequence starts a new run; breaking out of the loop stops
	// production at the generator's next yield.
	ExecuteGenerator(ctx context.Context, obj object.Referenceable, method string, args object.Args, callback string) iter.Seq2[any, error]

	// EchoClock samples the round trip to wherever methods run
	EchoClock(ctx context.Context) (Clock, error)
}

// Bind attaches ex to obj; nil detaches.
func Bind(obj object.Referenceable, ex Executor) {
	obj.SetExecutor(ex)
}

// Of returns the executor bound to obj, or nil.
func Of(obj object.Referenceable) Executor {
	ex, _ := obj.Executor().(Executor)
	return ex
}

// CheckShape rejects methods whose shape ex cannot run.
func CheckShape(ex Executor, m *object.Method) error {
	if m.Suspends && !ex.SupportsCoroutine() {
		return fmt.Errorf("%w: %s does not run suspending method %q", ErrShape, ex.Name(), m.Name)
	}
	if !m.Suspends && !ex.SupportsNonCoroutine() {
		return fmt.Errorf("%w: %s does not run plain method %q", ErrShape, ex.Name(), m.Name)
	}
	return nil
}

// CheckClass reports the first method of class, ancestors included, that
// ex cannot run.
func CheckClass(ex Executor, class *object.Class) error {
	for cls := class; cls != nil; cls = cls.Parent {
		for i := range cls.Methods {
			if err := CheckShape(ex, &cls.Methods[i]); err != nil {
				return fmt.Errorf("%s: %w", class.Name, err)
			}
		}
	}
	return nil
}

// Lookup resolves method on obj and checks it is a plain (non-generator)
// method when gen is false, or a generator when gen is true.
func Lookup(obj object.Referenceable, method string, gen bool) (*object.Method, error) {
	m, err := object.LookupMethod(obj, method)
	if err != nil {
		return nil, err
	}
	if m.IsGenerator() != gen {
		kind := "plain"
		if gen {
			kind = "generator"
		}
		return nil, fmt.Errorf("%w: %s.%s is not a %s method", ErrShape, obj.ClassName(), method, kind)
	}
	return m, nil
}

// Call runs a plain method on the current goroutine and applies callback.
func Call(ctx context.Context, obj object.Referenceable, m *object.Method, args object.Args, callback string) (any, error) {
	v, err := m.Fn(ctx, obj, args)
	if err != nil {
		return nil, err
	}
	if err := object.CallCallback(obj, callback, v); err != nil {
		return nil, err
	}
	return v, nil
}

// Generate runs a generator method on the current goroutine, applying
// callback to each value before it is yielded.
func Generate(ctx context.Context, obj object.Referenceable, m *object.Method, args object.Args, callback string) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		var cbErr error
		stopped := false
		err := m.Gen(ctx, obj, args, func(v any) bool {
			if cbErr = object.CallCallback(obj, callback, v); cbErr != nil {
				return false
			}
			if !yield(v, nil) {
				stopped = true
				return false
			}
			return true
		})
		if stopped {
			return
		}
		if cbErr != nil {
			err = cbErr
		}
		if err != nil {
			yield(nil, err)
		}
	}
}

// Apply runs the named method of obj through its bound executor with the
// method's default callback. Without an executor the method runs inline
// on the calling goroutine.
func Apply(ctx context.Context, obj object.Referenceable, method string, args object.Args) (any, error) {
	m, err := Lookup(obj, method, false)
	if err != nil {
		return nil, err
	}
	ex := Of(obj)
	if ex == nil {
		return Call(ctx, obj, m, args, m.Callback)
	}
	if err := CheckShape(ex, m); err != nil {
		return nil, err
	}
	return ex.Execute(ctx, obj, method, args, m.Callback)
}

// ApplyGenerator is Apply for generator methods.
func ApplyGenerator(ctx context.Context, obj object.Referenceable, method string, args object.Args) iter.Seq2[any, error] {
	m, err := Lookup(obj, method, true)
	if err != nil {
		return Fail(err)
	}
	ex := Of(obj)
	if ex == nil {
		return Generate(ctx, obj, m, args, m.Callback)
	}
	if err := CheckShape(ex, m); err != nil {
		return Fail(err)
	}
	return ex.ExecuteGenerator(ctx, obj, method, args, m.Callback)
}

// Fail returns a sequence yielding only err.
func Fail(err error) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		yield(nil, err)
	}
}

// LocalEchoClock samples the local clock three times, for executors that
// run in this process.
func LocalEchoClock() Clock {
	send := Now()
	peer := Now()
	return Clock{SendTime: send, PeerTime: peer, ReceiveTime: Now()}
}
