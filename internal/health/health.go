package health

import (
	"sort"
	"sync"
	"time"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// coldStartGrace is how long a missing component counts as degraded
// instead of unhealthy after startup.
const coldStartGrace = 30 * time.Second

func severity(status string) int {
	switch status {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// ComponentStatus is one component's self-report.
type ComponentStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Check produces a component status on demand. Returning ok=false means
// the component has not reported yet.
type Check func() (ComponentStatus, bool)

// Report is the aggregated health answer.
type Report struct {
	Status        string            `json:"status"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	Version       string            `json:"version"`
	Components    []ComponentStatus `json:"components"`
}

// Aggregator folds component checks into one overall status: the max
// severity across components, with a cold-start grace for missing ones.
type Aggregator struct {
	mu      sync.Mutex
	version string
	started time.Time
	checks  map[string]Check
	metrics *Metrics
	now     func() time.Time
}

func NewAggregator(version string, metrics *Metrics) *Aggregator {
	return &Aggregator{
		version: version,
		started: time.Now(),
		checks:  map[string]Check{},
		metrics: metrics,
		now:     time.Now,
	}
}

func (a *Aggregator) Register(name string, check Check) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checks[name] = check
}

// Evaluate runs every check and aggregates.
func (a *Aggregator) Evaluate() Report {
	a.mu.Lock()
	names := make([]string, 0, len(a.checks))
	for name := range a.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make([]Check, len(names))
	for i, name := range names {
		checks[i] = a.checks[name]
	}
	started := a.started
	a.mu.Unlock()

	now := a.now()
	report := Report{
		Status:        StatusHealthy,
		UptimeSeconds: now.Sub(started).Seconds(),
		Version:       a.version,
	}
	inGrace := now.Sub(started) < coldStartGrace
	for i, check := range checks {
		status, ok := check()
		if !ok {
			status = ComponentStatus{Name: names[i], Detail: "no data yet"}
			if inGrace {
				status.Status = StatusDegraded
			} else {
				status.Status = StatusUnhealthy
			}
		}
		if status.Name == "" {
			status.Name = names[i]
		}
		report.Components = append(report.Components, status)
		if severity(status.Status) > severity(report.Status) {
			report.Status = status.Status
		}
	}
	if a.metrics != nil {
		a.metrics.SetHealthStatus(report.Status)
	}
	return report
}
