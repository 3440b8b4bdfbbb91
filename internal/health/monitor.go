package health

import (
	"context"
	"sync"
	"time"
)

// CheckFunc probes one component.
type CheckFunc func(ctx context.Context) ComponentHealth

// Pinger is anything with a liveness probe (database, Redis).
type Pinger interface {
	Health(ctx context.Context) error
}

// PingCheck reports critical when the ping fails.
func PingCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) ComponentHealth {
		if err := p.Health(ctx); err != nil {
			return ComponentHealth{Status: StatusCritical, Error: err.Error()}
		}
		return ComponentHealth{Status: StatusHealthy}
	}
}

// StateReporter exposes a circuit breaker state.
type StateReporter interface {
	State() string
}

// BreakerCheck reports degraded while the publish breaker is not closed.
// Publishes fail fast then and events back up on the bus.
func BreakerCheck(b StateReporter) CheckFunc {
	return func(ctx context.Context) ComponentHealth {
		state := b.State()
		h := ComponentHealth{Status: StatusHealthy, State: state}
		if state != "closed" {
			h.Status = StatusDegraded
		}
		return h
	}
}

// DepthFunc returns the number of entries waiting on a channel.
type DepthFunc func(ctx context.Context, channel string) (int64, error)

// BacklogCheck grades a channel by its depth. A zero threshold disables that
// level.
func BacklogCheck(depth DepthFunc, channel string, degradedAt, criticalAt int64) CheckFunc {
	return func(ctx context.Context) ComponentHealth {
		n, err := depth(ctx, channel)
		if err != nil {
			return ComponentHealth{Status: StatusDegraded, Error: err.Error()}
		}
		h := ComponentHealth{Status: StatusHealthy, Backlog: n}
		if criticalAt > 0 && n >= criticalAt {
			h.Status = StatusCritical
		} else if degradedAt > 0 && n >= degradedAt {
			h.Status = StatusDegraded
		}
		return h
	}
}

// Monitor aggregates health status from various system components.
type Monitor struct {
	names      []string
	checks     map[string]CheckFunc
	minPeriod  time.Duration
	lastCheck  time.Time
	lastReport *HealthReport
	now        func() time.Time
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor. Reports are reused for minPeriod
// so probes are not hammered by frequent polling.
func NewMonitor(minPeriod time.Duration) *Monitor {
	return &Monitor{
		checks:    make(map[string]CheckFunc),
		minPeriod: minPeriod,
		now:       time.Now,
	}
}

// Register adds a named component check.
func (m *Monitor) Register(name string, check CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.checks[name]; !ok {
		m.names = append(m.names, name)
	}
	m.checks[name] = check
	m.lastReport = nil
}

// CheckHealth runs every registered check; the worst component status wins.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastReport != nil && m.now().Sub(m.lastCheck) < m.minPeriod {
		return *m.lastReport
	}

	report := HealthReport{
		SystemStatus: StatusHealthy,
		Components:   make(map[string]ComponentHealth, len(m.names)),
	}
	for _, name := range m.names {
		h := m.checks[name](ctx)
		h.Name = name
		if h.Status == "" {
			h.Status = StatusHealthy
		}
		if h.Status.rank() > report.SystemStatus.rank() {
			report.SystemStatus = h.Status
		}
		report.Components[name] = h
	}

	m.lastCheck = m.now()
	m.lastReport = &report
	return report
}
