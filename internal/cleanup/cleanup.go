// Package cleanup prunes the event log on a timer and watches the disk it
// lives on.
package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/HyphaGroup/remora/internal/logger"
)

// Pruner deletes stored events older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Cleaner performs periodic event log cleanup.
type Cleaner struct {
	store     Pruner
	dataDir   string
	interval  time.Duration
	retention time.Duration
	diskWarn  float64
	diskError float64
	now       func() time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Config holds cleanup configuration.
type Config struct {
	DataDir          string
	Interval         time.Duration // How often to run cleanup
	Retention        time.Duration // How long to keep events
	DiskWarnPercent  float64       // Warn at this disk usage percentage
	DiskErrorPercent float64       // Error at this disk usage percentage
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:          dataDir,
		Interval:         5 * time.Minute,
		Retention:        24 * time.Hour,
		DiskWarnPercent:  80.0,
		DiskErrorPercent: 90.0,
	}
}

// New creates a new Cleaner pruning store with the given configuration.
func New(store Pruner, cfg Config) *Cleaner {
	return &Cleaner{
		store:     store,
		dataDir:   cfg.DataDir,
		interval:  cfg.Interval,
		retention: cfg.Retention,
		diskWarn:  cfg.DiskWarnPercent,
		diskError: cfg.DiskErrorPercent,
		now:       time.Now,
	}
}

// Start begins the periodic cleanup loop.
func (c *Cleaner) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		// Run immediately on start
		c.RunOnce(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.RunOnce(ctx)
			}
		}
	}()

	logger.Printf("🧹 Cleanup started (interval=%v, retention=%v)", c.interval, c.retention)
}

// Stop halts the cleanup loop.
func (c *Cleaner) Stop() {
	if c.cancel != nil {
		c.cancel()
		c.wg.Wait()
		logger.Printf("🧹 Cleanup stopped")
	}
}

// RunOnce performs all cleanup tasks and returns the number of pruned
// events.
func (c *Cleaner) RunOnce(ctx context.Context) int64 {
	removed := c.pruneEvents(ctx)
	c.checkDiskUsage()
	return removed
}

func (c *Cleaner) pruneEvents(ctx context.Context) int64 {
	if c.store == nil || c.retention <= 0 {
		return 0
	}
	removed, err := c.store.Prune(ctx, c.now().Add(-c.retention))
	if err != nil {
		if ctx.Err() == nil {
			logger.Printf("⚠️  Event prune error: %v", err)
		}
		return 0
	}
	if removed > 0 {
		logger.Printf("🧹 Pruned %d events older than %v", removed, c.retention)
	}
	return removed
}

// checkDiskUsage monitors disk usage and logs warnings.
func (c *Cleaner) checkDiskUsage() {
	_, _, usedPercent, err := c.DiskUsage()
	if err != nil {
		return
	}

	if usedPercent >= c.diskError {
		logger.Printf("🔴 CRITICAL: Disk usage at %.1f%% (data dir)", usedPercent)
	} else if usedPercent >= c.diskWarn {
		logger.Printf("🟠 WARNING: Disk usage at %.1f%% (data dir)", usedPercent)
	}
}

// DiskUsage returns current disk usage stats for the data directory.
func (c *Cleaner) DiskUsage() (usedBytes, totalBytes uint64, usedPercent float64, err error) {
	totalBytes, freeBytes, err := diskStats(c.dataDir)
	if err != nil {
		return
	}
	if totalBytes == 0 {
		return 0, 0, 0, nil
	}
	usedBytes = totalBytes - freeBytes
	usedPercent = float64(usedBytes) / float64(totalBytes) * 100
	return
}
