// Package schedule runs pumps: periodic method calls on served objects,
// driven by cron specs.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/HyphaGroup/remora/internal/logger"
	"github.com/HyphaGroup/remora/internal/metrics"
)

var (
	ErrPumpNotFound = errors.New("schedule: pump not found")
	ErrPumpExists   = errors.New("schedule: pump already exists")
	ErrInvalidPump  = errors.New("schedule: pump needs an object hash and a method")
)

// ExecutionFunc is called by the runner each time a pump fires.
type ExecutionFunc func(ctx context.Context, pump *Pump) error

// Runner fires pumps on their cron schedules. A pump whose previous run
// is still in flight skips that tick.
type Runner struct {
	cron    *cron.Cron
	execute ExecutionFunc
	ctx     context.Context
	cancel  context.CancelFunc

	mu    sync.Mutex
	pumps map[string]*entry
}

type entry struct {
	pump Pump
	id   cron.EntryID
}

// cronLogger routes cron's own logging through slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	logger.Slog().Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	logger.Slog().Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

func NewRunner(execute ExecutionFunc) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	l := cronLogger{}
	return &Runner{
		cron: cron.New(
			cron.WithParser(specParser),
			cron.WithLogger(l),
			cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
		),
		execute: execute,
		ctx:     ctx,
		cancel:  cancel,
		pumps:   make(map[string]*entry),
	}
}

// AddPump schedules p and returns its ID, generating one when p.ID is
// empty.
func (r *Runner) AddPump(p Pump) (string, error) {
	sched, err := ParseSpec(p.Spec)
	if err != nil {
		return "", err
	}
	if p.Hash == "" || p.Method == "" {
		return "", ErrInvalidPump
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pumps[p.ID]; ok {
		return "", fmt.Errorf("%w: %s", ErrPumpExists, p.ID)
	}
	id := p.ID
	e := &entry{pump: p}
	e.id = r.cron.Schedule(sched, cron.FuncJob(func() { _ = r.run(r.ctx, id) }))
	r.pumps[id] = e

	logger.Info("Pump %s added: %s.%s every %q", id, p.Hash, p.Method, p.Spec)
	return id, nil
}

// RemovePump unschedules a pump. A run already in flight completes.
func (r *Runner) RemovePump(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.pumps[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPumpNotFound, id)
	}
	r.cron.Remove(e.id)
	delete(r.pumps, id)
	return nil
}

// Pumps returns a snapshot of all pumps ordered by ID.
func (r *Runner) Pumps() []Pump {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Pump, 0, len(r.pumps))
	for _, e := range r.pumps {
		p := e.pump
		if next := r.cron.Entry(e.id).Next; !next.IsZero() {
			p.NextRunAt = &next
		}
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Pump) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Trigger runs a pump immediately, outside its schedule.
func (r *Runner) Trigger(ctx context.Context, id string) error {
	logger.Info("Manually triggering pump %s", id)
	return r.run(ctx, id)
}

func (r *Runner) run(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.pumps[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPumpNotFound, id)
	}
	p := e.pump
	r.mu.Unlock()

	started := time.Now()
	err := r.execute(ctx, &p)
	metrics.RecordExecution("pump", err, started)

	r.mu.Lock()
	if e, ok := r.pumps[id]; ok {
		e.pump.Runs++
		e.pump.LastRunAt = &started
		e.pump.LastStatus = ExecutionSuccess
		e.pump.LastError = ""
		if err != nil {
			e.pump.LastStatus = ExecutionFailed
			e.pump.LastError = err.Error()
		}
	}
	r.mu.Unlock()

	if err != nil {
		logger.Error("Pump %s (%s.%s) failed: %v", id, p.Hash, p.Method, err)
		return err
	}
	logger.Slog().Debug("pump ran", "pump", id, "object_hash", p.Hash, "method", p.Method,
		"duration", time.Since(started))
	return nil
}

// Start begins firing pumps.
func (r *Runner) Start() {
	r.cron.Start()
	logger.Info("Pump runner started")
}

// Stop cancels in-flight runs and waits for them to return, or for ctx.
func (r *Runner) Stop(ctx context.Context) error {
	logger.Info("Stopping pump runner...")
	r.cancel()
	select {
	case <-r.cron.Stop().Done():
		logger.Info("Pump runner stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
