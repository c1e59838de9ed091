package cleanup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakePruner struct {
	mu      sync.Mutex
	cutoffs []time.Time
	removed int64
	err     error
}

func (f *fakePruner) Prune(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, before)
	return f.removed, f.err
}

func (f *fakePruner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("/test/data")

	if cfg.DataDir != "/test/data" {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, "/test/data")
	}
	if cfg.Interval != 5*time.Minute {
		t.Errorf("Interval = %v, want %v", cfg.Interval, 5*time.Minute)
	}
	if cfg.Retention != 24*time.Hour {
		t.Errorf("Retention = %v, want %v", cfg.Retention, 24*time.Hour)
	}
	if cfg.DiskWarnPercent != 80.0 {
		t.Errorf("DiskWarnPercent = %f, want 80.0", cfg.DiskWarnPercent)
	}
	if cfg.DiskErrorPercent != 90.0 {
		t.Errorf("DiskErrorPercent = %f, want 90.0", cfg.DiskErrorPercent)
	}
}

func TestRunOnce(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		retention time.Duration
		pruner    *fakePruner
		want      int64
		wantCalls int
	}{
		{"prunes past retention", time.Hour, &fakePruner{removed: 7}, 7, 1},
		{"prune error", time.Hour, &fakePruner{err: errors.New("locked")}, 0, 1},
		{"retention disabled", 0, &fakePruner{removed: 7}, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig(t.TempDir())
			cfg.Retention = tt.retention
			c := New(tt.pruner, cfg)
			c.now = func() time.Time { return now }

			if got := c.RunOnce(context.Background()); got != tt.want {
				t.Errorf("RunOnce() = %d, want %d", got, tt.want)
			}
			if got := tt.pruner.calls(); got != tt.wantCalls {
				t.Fatalf("Prune calls = %d, want %d", got, tt.wantCalls)
			}
			if tt.wantCalls > 0 {
				if want := now.Add(-tt.retention); !tt.pruner.cutoffs[0].Equal(want) {
					t.Errorf("cutoff = %v, want %v", tt.pruner.cutoffs[0], want)
				}
			}
		})
	}
}

func TestCleaner_StartStop(t *testing.T) {
	p := &fakePruner{}
	cfg := DefaultConfig(t.TempDir())
	cfg.Interval = 20 * time.Millisecond

	cleaner := New(p, cfg)
	cleaner.Start()

	deadline := time.Now().Add(2 * time.Second)
	for p.calls() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("prune ran %d times, want at least 2", p.calls())
		}
		time.Sleep(5 * time.Millisecond)
	}

	cleaner.Stop()
	n := p.calls()
	time.Sleep(60 * time.Millisecond)
	if p.calls() != n {
		t.Error("cleanup kept running after Stop")
	}
}

func TestStop_NotStarted(t *testing.T) {
	New(nil, DefaultConfig(t.TempDir())).Stop()
}

func TestDiskUsage(t *testing.T) {
	c := New(nil, DefaultConfig(t.TempDir()))
	used, total, percent, err := c.DiskUsage()
	if errors.Is(err, errors.ErrUnsupported) {
		t.Skip("disk stats unsupported on this platform")
	}
	if err != nil {
		t.Fatalf("DiskUsage() error = %v", err)
	}
	if used > total || percent < 0 || percent > 100 {
		t.Errorf("DiskUsage() = %d, %d, %.1f", used, total, percent)
	}
}
