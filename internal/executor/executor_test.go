package executor

import (
	"context"
	"errors"
	"iter"
	"testing"

	"github.com/HyphaGroup/remora/internal/object"
)

var counterClass = &object.Class{
	Name:        "Counter",
	LoggedNames: []string{"count", "last"},
	Methods: []object.Method{
		{Name: "incr", Fn: incr, Callback: "remember"},
		{Name: "wait", Fn: incr, Suspends: true},
		{Name: "count_to", Gen: countTo, Callback: "remember"},
	},
	Callbacks: map[string]object.CallbackFunc{
		"remember": func(obj object.Referenceable, value any) error {
			return obj.SetAttr("last", value)
		},
	},
}

type counter struct {
	object.Base
}

func newCounter(name string) *counter {
	c := &counter{}
	c.Init(c, counterClass, name, map[string]any{"count": 0, "last": nil})
	return c
}

func incr(_ context.Context, obj object.Referenceable, args object.Args) (any, error) {
	by, err := args.Int(0, "by", 1)
	if err != nil {
		return nil, err
	}
	v, _ := obj.Attr("count")
	n := v.(int) + by
	return n, obj.SetAttr("count", n)
}

func countTo(_ context.Context, _ object.Referenceable, args object.Args, yield func(any) bool) error {
	n, err := args.Int(0, "n", 3)
	if err != nil {
		return err
	}
	for i := 1; i <= n; i++ {
		if !yield(i) {
			return nil
		}
	}
	return nil
}

// recorder is an Executor that only records what reached it.
type recorder struct {
	coroutine, plain bool
	calls            []string
}

func (r *recorder) Name() string {
	return "recorder"
}

func (r *recorder) SupportsCoroutine() bool {
	return r.coroutine
}

func (r *recorder) SupportsNonCoroutine() bool {
	return r.plain
}

func (r *recorder) Start(context.Context) error {
	return nil
}

func (r *recorder) Stop(context.Context, bool) error {
	return nil
}

func (r *recorder) Execute(_ context.Context, _ object.Referenceable, method string, _ object.Args, callback string) (any, error) {
	r.calls = append(r.calls, method+"/"+callback)
	return "recorded", nil
}

func (r *recorder) ExecuteGenerator(_ context.Context, _ object.Referenceable, method string, _ object.Args, callback string) iter.Seq2[any, error] {
	r.calls = append(r.calls, method+"/"+callback)
	return func(yield func(any, error) bool) {}
}

func (r *recorder) EchoClock(context.Context) (Clock, error) {
	return LocalEchoClock(), nil
}

func TestApplyInline(t *testing.T) {
	c := newCounter("a")
	got, err := Apply(context.Background(), c, "incr", object.NewArgs(2))
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got != 2 {
		t.Errorf("Apply() = %v, want 2", got)
	}
	if last, _ := c.Attr("last"); last != 2 {
		t.Errorf("callback stored %v, want 2", last)
	}
}

func TestApplyUnknownMethod(t *testing.T) {
	_, err := Apply(context.Background(), newCounter("a"), "missing", object.Args{})
	if !errors.Is(err, object.ErrUnknownMethod) {
		t.Errorf("Apply() error = %v, want ErrUnknownMethod", err)
	}
}

func TestApplyShape(t *testing.T) {
	tests := []struct {
		name      string
		rec       *recorder
		method    string
		wantErr   error
		wantCalls int
	}{
		{"plain on plain executor", &recorder{plain: true}, "incr", nil, 1},
		{"plain on coroutine executor", &recorder{coroutine: true}, "incr", ErrShape, 0},
		{"suspending on plain executor", &recorder{plain: true}, "wait", ErrShape, 0},
		{"suspending on coroutine executor", &recorder{coroutine: true}, "wait", nil, 1},
		{"generator through Apply", &recorder{plain: true}, "count_to", ErrShape, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCounter("a")
			Bind(c, tt.rec)
			_, err := Apply(context.Background(), c, tt.method, object.Args{})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Apply() error = %v, want %v", err, tt.wantErr)
			}
			if len(tt.rec.calls) != tt.wantCalls {
				t.Errorf("executor saw %v, want %d calls", tt.rec.calls, tt.wantCalls)
			}
		})
	}
}

func TestApplyPassesDefaultCallback(t *testing.T) {
	rec := &recorder{plain: true}
	c := newCounter("a")
	Bind(c, rec)
	if _, err := Apply(context.Background(), c, "incr", object.Args{}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if rec.calls[0] != "incr/remember" {
		t.Errorf("call = %q, want incr/remember", rec.calls[0])
	}
	if Of(c) != rec {
		t.Error("Of() did not return the bound executor")
	}
	Bind(c, nil)
	if Of(c) != nil {
		t.Error("Of() after unbinding should be nil")
	}
}

func TestApplyGeneratorInline(t *testing.T) {
	c := newCounter("a")
	var got []any
	for v, err := range ApplyGenerator(context.Background(), c, "count_to", object.NewArgs(4)) {
		if err != nil {
			t.Fatalf("ApplyGenerator() error = %v", err)
		}
		got = append(got, v)
	}
	if len(got) != 4 || got[3] != 4 {
		t.Errorf("values = %v, want 1..4", got)
	}
	if last, _ := c.Attr("last"); last != 4 {
		t.Errorf("callback saw last %v, want 4", last)
	}
}

func TestGenerateEarlyExit(t *testing.T) {
	c := newCounter("a")
	m, err := Lookup(c, "count_to", true)
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for range Generate(context.Background(), c, m, object.NewArgs(100), NoCallback) {
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Errorf("consumed %d values, want 2", n)
	}
	if last, _ := c.Attr("last"); last != nil {
		t.Errorf("NoCallback still stored %v", last)
	}
}

func TestLocalEchoClock(t *testing.T) {
	clk := LocalEchoClock()
	if clk.PeerTime < clk.SendTime || clk.ReceiveTime < clk.PeerTime {
		t.Errorf("clock not monotonic: %+v", clk)
	}
}

func TestFactory(t *testing.T) {
	f := NewFactory()
	f.Register(KindThreadPool, func(name string) Executor { return &recorder{plain: true} })

	ex, err := f.New(KindThreadPool, "w")
	if err != nil || ex == nil {
		t.Fatalf("New(threadpool) = %v, %v", ex, err)
	}
	if ex, err := f.New(KindNone, "w"); ex != nil || err != nil {
		t.Errorf("New(none) = %v, %v, want nil, nil", ex, err)
	}
	if _, err := f.New(KindDedicated, "w"); err == nil {
		t.Error("New(dedicated) without registration should fail")
	}
}
