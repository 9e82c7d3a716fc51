// Package health runs periodic daemon health checks: the usage store, the
// journal directory, and every loaded model handle.
package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/domain"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/metrics"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/registry"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/store"
)

// Check is one named probe.
type Check struct {
	Name    string
	CheckFn func(ctx context.Context) error
}

// Status is the result of one probe run.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Checker runs the probes on an interval and keeps the latest results.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
}

// NewChecker builds the standard probe set. db may be nil when the usage
// store is disabled.
func NewChecker(db *store.DB, reg *registry.Registry, journalPath string) *Checker {
	checks := []Check{
		{
			Name: "journal_dir",
			CheckFn: func(context.Context) error {
				return checkWritableDir(filepath.Dir(journalPath))
			},
		},
		{
			Name: "models",
			CheckFn: func(context.Context) error {
				return checkLoadedModels(reg)
			},
		},
	}
	if db != nil {
		checks = append([]Check{{
			Name:    "store",
			CheckFn: func(context.Context) error { return db.Ping() },
		}}, checks...)
	}
	return &Checker{interval: 60 * time.Second, checks: checks}
}

// Run starts the probe loop. Call in a goroutine; first run is immediate.
func (c *Checker) Run(ctx context.Context) {
	c.runAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runAll(ctx)
		}
	}
}

func (c *Checker) runAll(ctx context.Context) {
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		s := Status{Name: check.Name, CheckedAt: time.Now()}
		if err := check.CheckFn(ctx); err != nil {
			s.Error = err.Error()
			metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(0)
		} else {
			s.Healthy = true
			metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(1)
		}
		statuses[i] = s
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// Statuses returns the latest probe results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Status, len(c.statuses))
	copy(out, c.statuses)
	return out
}

// Healthy reports whether every probe passed on the last run.
func (c *Checker) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ─── Probe implementations ──────────────────────────────────────────────────

func checkWritableDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // created on first journal write
		}
		return fmt.Errorf("stat journal dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}

// checkLoadedModels flags models stuck in the error state.
func checkLoadedModels(reg *registry.Registry) error {
	for _, v := range reg.List() {
		if v.Status == domain.StatusError {
			return fmt.Errorf("model %s is in error state", v.Descriptor.ID)
		}
	}
	return nil
}
