package threadpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/HyphaGroup/remora/internal/executor"
	"github.com/HyphaGroup/remora/internal/object"
	"github.com/HyphaGroup/remora/internal/portal"
)

// journal records method side effects in the order the worker ran them.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	j.entries = append(j.entries, s)
	j.mu.Unlock()
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

var stepClass = &object.Class{
	Name:        "Step",
	LoggedNames: []string{"last"},
	Methods: []object.Method{
		{Name: "record", Fn: record},
		{Name: "fail", Fn: func(context.Context, object.Referenceable, object.Args) (any, error) {
			return nil, errors.New("step failed")
		}},
		{Name: "explode", Fn: func(context.Context, object.Referenceable, object.Args) (any, error) {
			panic("boom")
		}},
		{Name: "sleep", Fn: record, Suspends: true},
		{Name: "count", Gen: count, Callback: "keep"},
	},
	Callbacks: map[string]object.CallbackFunc{
		"keep": func(obj object.Referenceable, value any) error {
			return obj.SetAttr("last", value)
		},
	},
}

type step struct {
	object.Base
	log *journal

	mu       sync.Mutex
	produced int
}

func newStep(log *journal) *step {
	s := &step{log: log}
	s.Init(s, stepClass, "s", map[string]any{"last": nil})
	return s
}

func record(_ context.Context, obj object.Referenceable, args object.Args) (any, error) {
	s := obj.(*step)
	tag, _ := args.Lookup(0, "tag")
	s.log.add("start " + tag.(string))
	time.Sleep(time.Millisecond)
	s.log.add("end " + tag.(string))
	return tag, nil
}

func count(_ context.Context, obj object.Referenceable, args object.Args, yield func(any) bool) error {
	s := obj.(*step)
	n, err := args.Int(0, "n", 3)
	if err != nil {
		return err
	}
	for i := 1; i <= n; i++ {
		s.mu.Lock()
		s.produced = i
		s.mu.Unlock()
		if !yield(i) {
			return nil
		}
	}
	return nil
}

func started(t *testing.T) *Executor {
	t.Helper()
	ex := New("test")
	if err := ex.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { ex.Stop(context.Background(), true) })
	return ex
}

func TestExecuteSequentialOrder(t *testing.T) {
	ex := started(t)
	log := &journal{}
	s := newStep(log)

	tags := []string{"a", "b", "c", "d"}
	for _, tag := range tags {
		got, err := ex.Execute(context.Background(), s, "record", object.NewArgs(tag), executor.NoCallback)
		if err != nil {
			t.Fatalf("Execute(%s) error = %v", tag, err)
		}
		if got != tag {
			t.Errorf("Execute(%s) = %v", tag, got)
		}
	}
	entries := log.snapshot()
	for i, tag := range tags {
		if entries[2*i] != "start "+tag || entries[2*i+1] != "end "+tag {
			t.Fatalf("entries = %v, want submission order", entries)
		}
	}
}

func TestExecuteConcurrentNoInterleave(t *testing.T) {
	ex := started(t)
	log := &journal{}
	s := newStep(log)

	var wg sync.WaitGroup
	for _, tag := range []string{"a", "b", "c", "d", "e", "f"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ex.Execute(context.Background(), s, "record", object.NewArgs(tag), executor.NoCallback); err != nil {
				t.Errorf("Execute(%s) error = %v", tag, err)
			}
		}()
	}
	wg.Wait()

	entries := log.snapshot()
	if len(entries) != 12 {
		t.Fatalf("got %d entries, want 12", len(entries))
	}
	for i := 0; i < len(entries); i += 2 {
		start, end := entries[i], entries[i+1]
		if start[:6] != "start " || end != "end "+start[6:] {
			t.Fatalf("interleaved executions: %v", entries)
		}
	}
}

func TestExecuteErrorKeepsWorker(t *testing.T) {
	ex := started(t)
	s := newStep(&journal{})

	if _, err := ex.Execute(context.Background(), s, "fail", object.Args{}, executor.NoCallback); err == nil {
		t.Fatal("Execute(fail) should return the method error")
	}
	if _, err := ex.Execute(context.Background(), s, "record", object.NewArgs("x"), executor.NoCallback); err != nil {
		t.Errorf("worker should survive an error return, got %v", err)
	}
}

func TestExecutePanicKillsWorker(t *testing.T) {
	ex := started(t)
	s := newStep(&journal{})

	_, err := ex.Execute(context.Background(), s, "explode", object.Args{}, executor.NoCallback)
	if !errors.Is(err, portal.ErrPanic) {
		t.Fatalf("Execute(explode) error = %v, want ErrPanic", err)
	}
	_, err = ex.Execute(context.Background(), s, "record", object.NewArgs("x"), executor.NoCallback)
	if !errors.Is(err, ErrWorkerDead) {
		t.Errorf("Execute after panic error = %v, want ErrWorkerDead", err)
	}
}

func TestExecuteRejectsSuspending(t *testing.T) {
	ex := started(t)
	log := &journal{}
	_, err := ex.Execute(context.Background(), newStep(log), "sleep", object.NewArgs("x"), executor.NoCallback)
	if !errors.Is(err, executor.ErrShape) {
		t.Errorf("Execute(sleep) error = %v, want ErrShape", err)
	}
	if len(log.snapshot()) != 0 {
		t.Error("rejected method must not run")
	}
}

func TestExecuteNotStarted(t *testing.T) {
	ex := New("idle")
	_, err := ex.Execute(context.Background(), newStep(&journal{}), "record", object.NewArgs("x"), executor.NoCallback)
	if !errors.Is(err, executor.ErrNotStarted) {
		t.Errorf("Execute() error = %v, want ErrNotStarted", err)
	}
	if err := ex.Stop(context.Background(), true); err != nil {
		t.Errorf("Stop() on unstarted executor = %v", err)
	}
}

func TestExecuteGenerator(t *testing.T) {
	ex := started(t)
	s := newStep(&journal{})

	var got []any
	for v, err := range ex.ExecuteGenerator(context.Background(), s, "count", object.NewArgs(5), "keep") {
		if err != nil {
			t.Fatalf("ExecuteGenerator() error = %v", err)
		}
		got = append(got, v)
	}
	if len(got) != 5 || got[0] != 1 || got[4] != 5 {
		t.Errorf("values = %v, want 1..5", got)
	}
	if last, _ := s.Attr("last"); last != 5 {
		t.Errorf("callback last = %v, want 5", last)
	}
}

func TestExecuteGeneratorEarlyExit(t *testing.T) {
	ex := started(t)
	s := newStep(&journal{})

	n := 0
	for _, err := range ex.ExecuteGenerator(context.Background(), s, "count", object.NewArgs(10000), executor.NoCallback) {
		if err != nil {
			t.Fatal(err)
		}
		n++
		if n == 3 {
			break
		}
	}

	s.mu.Lock()
	produced := s.produced
	s.mu.Unlock()
	if produced >= 10000 {
		t.Errorf("generator ran to completion after early exit")
	}

	// The permit is free again once the range loop has returned.
	if _, err := ex.Execute(context.Background(), s, "record", object.NewArgs("after"), executor.NoCallback); err != nil {
		t.Errorf("Execute after early exit error = %v", err)
	}
}

func TestStopBlocks(t *testing.T) {
	ex := New("stop")
	ctx := context.Background()
	if err := ex.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := ex.Stop(ctx, true); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	_, err := ex.Execute(ctx, newStep(&journal{}), "record", object.NewArgs("x"), executor.NoCallback)
	if !errors.Is(err, executor.ErrNotStarted) {
		t.Errorf("Execute after Stop error = %v, want ErrNotStarted", err)
	}
}

func TestEchoClock(t *testing.T) {
	ex := started(t)
	clk, err := ex.EchoClock(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if clk.PeerTime < clk.SendTime || clk.ReceiveTime < clk.PeerTime {
		t.Errorf("clock not monotonic: %+v", clk)
	}
}
