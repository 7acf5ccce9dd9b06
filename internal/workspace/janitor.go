package workspace

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bobarin/renderd/internal/pkg/logger"
)

// Janitor periodically removes workspace directories left behind by a crash
// or restart. Live workspaces are never touched.
type Janitor struct {
	m      *Manager
	maxAge time.Duration
	log    *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	cronID  cron.EntryID
	onSweep func(removed int)
}

// NewJanitor creates a janitor that removes orphans older than maxAge.
func NewJanitor(m *Manager, maxAge time.Duration, log *logger.Logger) *Janitor {
	if log == nil {
		log = logger.Nop()
	}
	return &Janitor{
		m:      m,
		maxAge: maxAge,
		log:    log.WithComponent("janitor"),
		cron:   cron.New(),
	}
}

// Start schedules the sweep, e.g. "@every 5m".
func (j *Janitor) Start(schedule string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	id, err := j.cron.AddFunc(schedule, func() { j.RunOnce() })
	if err != nil {
		return fmt.Errorf("failed to add janitor job: %w", err)
	}
	j.cronID = id
	j.cron.Start()
	j.log.Info("janitor started", "schedule", schedule, "max_age", j.maxAge.String())
	return nil
}

// OnSweep registers fn to be called with the result of every sweep.
func (j *Janitor) OnSweep(fn func(removed int)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.onSweep = fn
}

// RunOnce sweeps immediately and returns how many directories were removed.
func (j *Janitor) RunOnce() int {
	removed, err := j.m.Sweep(j.maxAge)
	if err != nil {
		j.log.Warn("workspace sweep failed", "error", err)
	}
	if removed > 0 {
		j.log.Info("removed stale workspaces", "count", removed)
	}

	j.mu.Lock()
	fn := j.onSweep
	j.mu.Unlock()
	if fn != nil {
		fn(removed)
	}
	return removed
}

// Stop halts scheduling and waits for a running sweep, bounded by ctx.
func (j *Janitor) Stop(ctx context.Context) {
	j.mu.Lock()
	done := j.cron.Stop()
	j.mu.Unlock()

	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
