package schedule

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func counting(n *atomic.Int64, err error) ExecutionFunc {
	return func(ctx context.Context, p *Pump) error {
		n.Add(1)
		return err
	}
}

func TestRunner_AddPumpInvalid(t *testing.T) {
	r := NewRunner(counting(&atomic.Int64{}, nil))

	tests := []struct {
		name string
		pump Pump
		want error
	}{
		{"bad spec", Pump{Hash: "h", Method: "m", Spec: "whenever"}, ErrInvalidSpec},
		{"no hash", Pump{Method: "m", Spec: "@every 1s"}, ErrInvalidPump},
		{"no method", Pump{Hash: "h", Spec: "@every 1s"}, ErrInvalidPump},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.AddPump(tt.pump); !errors.Is(err, tt.want) {
				t.Errorf("AddPump() error = %v, want %v", err, tt.want)
			}
		})
	}
	if len(r.Pumps()) != 0 {
		t.Error("invalid pumps were registered")
	}
}

func TestRunner_AddPumpDuplicate(t *testing.T) {
	r := NewRunner(counting(&atomic.Int64{}, nil))
	p := Pump{ID: "p1", Hash: "h", Method: "m", Spec: "@hourly"}
	if _, err := r.AddPump(p); err != nil {
		t.Fatal(err)
	}
	if _, err := r.AddPump(p); !errors.Is(err, ErrPumpExists) {
		t.Errorf("second AddPump() error = %v, want ErrPumpExists", err)
	}
}

func TestRunner_Trigger(t *testing.T) {
	var n atomic.Int64
	r := NewRunner(counting(&n, nil))
	id, err := r.AddPump(Pump{Hash: "h", Method: "read", Spec: "@hourly"})
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("AddPump() returned an empty ID")
	}

	if err := r.Trigger(context.Background(), id); err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	if n.Load() != 1 {
		t.Errorf("executions = %d, want 1", n.Load())
	}
	pumps := r.Pumps()
	if len(pumps) != 1 || pumps[0].Runs != 1 || pumps[0].LastStatus != ExecutionSuccess || pumps[0].LastRunAt == nil {
		t.Errorf("Pumps() = %+v", pumps)
	}
}

func TestRunner_TriggerFailure(t *testing.T) {
	boom := errors.New("boom")
	r := NewRunner(counting(&atomic.Int64{}, boom))
	id, err := r.AddPump(Pump{Hash: "h", Method: "read", Spec: "@hourly"})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Trigger(context.Background(), id); !errors.Is(err, boom) {
		t.Fatalf("Trigger() error = %v, want boom", err)
	}
	p := r.Pumps()[0]
	if p.LastStatus != ExecutionFailed || p.LastError != "boom" {
		t.Errorf("pump status = %s %q", p.LastStatus, p.LastError)
	}
}

func TestRunner_RemovePump(t *testing.T) {
	r := NewRunner(counting(&atomic.Int64{}, nil))
	id, err := r.AddPump(Pump{Hash: "h", Method: "read", Spec: "@hourly"})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.RemovePump(id); err != nil {
		t.Fatalf("RemovePump() error = %v", err)
	}
	if err := r.RemovePump(id); !errors.Is(err, ErrPumpNotFound) {
		t.Errorf("second RemovePump() error = %v, want ErrPumpNotFound", err)
	}
	if err := r.Trigger(context.Background(), id); !errors.Is(err, ErrPumpNotFound) {
		t.Errorf("Trigger() error = %v, want ErrPumpNotFound", err)
	}
}

func TestRunner_Fires(t *testing.T) {
	var n atomic.Int64
	r := NewRunner(counting(&n, nil))
	if _, err := r.AddPump(Pump{Hash: "h", Method: "read", Spec: "* * * * * *"}); err != nil {
		t.Fatal(err)
	}
	r.Start()
	defer r.Stop(context.Background())

	if next := r.Pumps()[0].NextRunAt; next == nil {
		t.Error("NextRunAt not set on a started runner")
	}

	deadline := time.Now().Add(3 * time.Second)
	for n.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("pump never fired")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunner_StopCancelsRuns(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	r := NewRunner(func(ctx context.Context, p *Pump) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return ctx.Err()
	})
	if _, err := r.AddPump(Pump{Hash: "h", Method: "read", Spec: "* * * * * *"}); err != nil {
		t.Fatal(err)
	}
	r.Start()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("pump never fired")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}
