// Package health tracks the liveness of the bridge's own components —
// cmd/bridge registers the store and the admin homeserver gateway — and
// aggregates them into the status internal/rest.HealthSource
// exposes at GET /health. Each component registers a Checker (typically
// its own Ping method); the Monitor polls them on an interval and tracks
// consecutive failures per component, firing a FailureHandler once a
// component crosses the configured threshold.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentbridge/bridge/pkg/logger"
)

// Checker is a single component's liveness probe.
type Checker func(ctx context.Context) error

// componentHealth holds the rolling health state for one registered component.
type componentHealth struct {
	mu           sync.RWMutex
	name         string
	check        Checker
	state        string // "healthy", "degraded", "unknown"
	failureCount int
	lastCheck    time.Time
	lastHealthy  time.Time
	lastErr      error
}

// FailureHandler is invoked when a component crosses the configured
// consecutive-failure threshold.
type FailureHandler func(component, reason string)

// MonitorConfig configures the health Monitor.
type MonitorConfig struct {
	CheckInterval time.Duration // how often to run every registered Checker
	MaxFailures   int           // consecutive failures before FailureHandler fires
}

// DefaultMonitorConfig returns the monitor's default cadence.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		CheckInterval: 30 * time.Second,
		MaxFailures:   3,
	}
}

// Monitor is the component health aggregator backing internal/rest's
// /health endpoint.
type Monitor struct {
	checkInterval time.Duration
	maxFailures   int

	mu         sync.RWMutex
	components map[string]*componentHealth

	securityLog *logger.SecurityLogger
	onFailure   FailureHandler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor constructs a Monitor. Pass a zero MonitorConfig for the defaults.
func NewMonitor(config MonitorConfig) *Monitor {
	if config.CheckInterval == 0 {
		config.CheckInterval = DefaultMonitorConfig().CheckInterval
	}
	if config.MaxFailures == 0 {
		config.MaxFailures = DefaultMonitorConfig().MaxFailures
	}
	return &Monitor{
		checkInterval: config.CheckInterval,
		maxFailures:   config.MaxFailures,
		components:    make(map[string]*componentHealth),
		securityLog:   logger.NewSecurityLogger(logger.Global().WithComponent("health_monitor")),
	}
}

// SetFailureHandler installs a callback invoked when a component crosses
// the failure threshold.
func (m *Monitor) SetFailureHandler(handler FailureHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFailure = handler
}

// Register adds a component to be periodically checked.
func (m *Monitor) Register(name string, check Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[name] = &componentHealth{
		name:        name,
		check:       check,
		state:       "unknown",
		lastCheck:   time.Now(),
		lastHealthy: time.Now(),
	}
	m.securityLog.LogSecurityEvent("health_component_registered", slog.String("component", name))
}

// Unregister removes a component from monitoring.
func (m *Monitor) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.components, name)
}

// Start begins the periodic check loop until ctx is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.loop(ctx)
	m.securityLog.LogSecurityEvent("health_monitor_started",
		slog.Duration("check_interval", m.checkInterval),
		slog.Int("max_failures", m.maxFailures))
}

// Stop halts the check loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.securityLog.LogSecurityEvent("health_monitor_stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkAll(ctx)
		}
	}
}

func (m *Monitor) checkAll(ctx context.Context) {
	m.mu.RLock()
	names := make([]string, 0, len(m.components))
	for name := range m.components {
		names = append(names, name)
	}
	m.mu.RUnlock()

	for _, name := range names {
		m.checkOne(ctx, name)
	}
}

func (m *Monitor) checkOne(ctx context.Context, name string) {
	m.mu.RLock()
	ch, exists := m.components[name]
	m.mu.RUnlock()
	if !exists {
		return
	}

	err := ch.check(ctx)

	ch.mu.Lock()
	ch.lastCheck = time.Now()
	ch.lastErr = err
	if err != nil {
		ch.failureCount++
		ch.state = "degraded"
	} else {
		ch.failureCount = 0
		ch.state = "healthy"
		ch.lastHealthy = time.Now()
	}
	failureCount := ch.failureCount
	ch.mu.Unlock()

	if err != nil {
		m.securityLog.LogSecurityEvent("health_component_check_failed",
			slog.String("component", name),
			slog.String("error", err.Error()),
			slog.Int("failure_count", failureCount))
		if failureCount >= m.maxFailures {
			m.handleFailure(name, err.Error())
		}
	}
}

func (m *Monitor) handleFailure(name, reason string) {
	m.securityLog.LogSecurityEvent("health_component_failure_detected",
		slog.String("component", name),
		slog.String("reason", reason))
	m.mu.RLock()
	handler := m.onFailure
	m.mu.RUnlock()
	if handler != nil {
		handler(name, reason)
	}
}

// Summary is the point-in-time status of one monitored component.
type Summary struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	LastCheck   time.Time `json:"last_check"`
	LastHealthy time.Time `json:"last_healthy"`
}

// Snapshot runs every registered Checker synchronously and returns the
// resulting per-component summary, independent of the periodic loop —
// internal/rest's health handler calls this directly so GET /health always
// reflects current state rather than the last tick.
func (m *Monitor) Snapshot(ctx context.Context) []Summary {
	m.mu.RLock()
	names := make([]string, 0, len(m.components))
	for name := range m.components {
		names = append(names, name)
	}
	m.mu.RUnlock()

	out := make([]Summary, 0, len(names))
	for _, name := range names {
		m.checkOne(ctx, name)
		m.mu.RLock()
		ch := m.components[name]
		m.mu.RUnlock()
		ch.mu.RLock()
		out = append(out, Summary{Name: ch.name, State: ch.state, LastCheck: ch.lastCheck, LastHealthy: ch.lastHealthy})
		ch.mu.RUnlock()
	}
	return out
}

// Degraded reports the names of every component currently not healthy.
func (m *Monitor) Degraded(ctx context.Context) []string {
	var degraded []string
	for _, s := range m.Snapshot(ctx) {
		if s.State != "healthy" {
			degraded = append(degraded, s.Name)
		}
	}
	return degraded
}
