// Package ttl schedules the bridge's retention sweeps: purging expired
// in-flight delivery records and stale peer registrations on a cron
// cadence rather than each component running its own ad hoc ticker.
// Built on github.com/robfig/cron/v3 so an operator can give each sweep
// its own cadence (e.g. in-flight records swept every minute, peer
// registrations every five) without hand-rolling a ticker per job.
package ttl

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/agentbridge/bridge/pkg/logger"
)

// Sweep is one retention job: purge whatever has expired and report how
// many rows were removed.
type Sweep func(ctx context.Context) (removed int64, err error)

// job pairs a registered Sweep with bookkeeping for GetStats.
type job struct {
	name        string
	sweep       Sweep
	lastRun     sweepResult
	totalRuns   int64
	totalRemove int64
}

type sweepResult struct {
	removed int64
	err     error
}

// Manager is the Retention Sweep Scheduler: it owns a cron.Cron and runs
// each registered Sweep on its own schedule.
type Manager struct {
	cron *cron.Cron
	log  *logger.Logger

	mu   sync.RWMutex
	jobs map[string]*job

	ctx context.Context
}

// NewManager constructs a retention sweep scheduler. ctx bounds every
// scheduled sweep invocation.
func NewManager(ctx context.Context, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Global()
	}
	return &Manager{
		cron: cron.New(),
		log:  log.WithComponent("ttl"),
		jobs: make(map[string]*job),
		ctx:  ctx,
	}
}

// Register schedules sweep to run on the given cron spec (standard
// five-field cron syntax, e.g. "*/1 * * * *" for every minute). Returns an
// error if spec doesn't parse.
func (m *Manager) Register(name, spec string, sweep Sweep) error {
	j := &job{name: name, sweep: sweep}
	m.mu.Lock()
	m.jobs[name] = j
	m.mu.Unlock()

	_, err := m.cron.AddFunc(spec, func() { m.run(j) })
	if err != nil {
		m.mu.Lock()
		delete(m.jobs, name)
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Manager) run(j *job) {
	removed, err := j.sweep(m.ctx)

	m.mu.Lock()
	j.lastRun = sweepResult{removed: removed, err: err}
	j.totalRuns++
	if err == nil {
		j.totalRemove += removed
	}
	m.mu.Unlock()

	if err != nil {
		m.log.Error("retention sweep failed", "job", j.name, "error", err)
		return
	}
	if removed > 0 {
		m.log.Info("retention sweep complete", slog.String("job", j.name), slog.Int64("removed", removed))
	}
}

// Start begins the cron scheduler.
func (m *Manager) Start() {
	m.cron.Start()
	m.log.Info("retention sweep scheduler started")
}

// Stop halts the scheduler and waits for any in-flight sweep to finish.
func (m *Manager) Stop() {
	stopCtx := m.cron.Stop()
	<-stopCtx.Done()
	m.log.Info("retention sweep scheduler stopped")
}

// JobStats is a point-in-time summary of one registered sweep's history.
type JobStats struct {
	Name         string `json:"name"`
	TotalRuns    int64  `json:"total_runs"`
	TotalRemoved int64  `json:"total_removed"`
	LastRemoved  int64  `json:"last_removed"`
	LastError    string `json:"last_error,omitempty"`
}

// GetStats returns per-job sweep statistics, for health/diagnostics reporting.
func (m *Manager) GetStats() []JobStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]JobStats, 0, len(m.jobs))
	for _, j := range m.jobs {
		s := JobStats{Name: j.name, TotalRuns: j.totalRuns, TotalRemoved: j.totalRemove, LastRemoved: j.lastRun.removed}
		if j.lastRun.err != nil {
			s.LastError = j.lastRun.err.Error()
		}
		out = append(out, s)
	}
	return out
}
