package health

import (
	"context"
	"sync"
	"time"

	"github.com/ptmai/mailpipe/internal/infra/storage"
)

// Pinger checks connectivity to a dependency.
type Pinger interface {
	Health(ctx context.Context) error
}

// BreakerSurface exposes the signer breaker state without importing the
// signing package.
type BreakerSurface interface {
	Healthy() bool
}

// DeadLetterCounter reports the size of the dead-letter queue.
type DeadLetterCounter interface {
	Count(ctx context.Context) (int, error)
}

// deadLetterWarn is the queue depth at which overall status degrades.
const deadLetterWarn = 10

// Monitor aggregates health status from system components. Optional
// components (redis, signer, dead-letter queue) may be nil.
type Monitor struct {
	store  storage.DocumentStore
	redis  Pinger
	signer BreakerSurface
	dlq    DeadLetterCounter

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport *Report
}

// NewMonitor creates a health monitor.
func NewMonitor(store storage.DocumentStore, redis Pinger, signer BreakerSurface, dlq DeadLetterCounter) *Monitor {
	return &Monitor{
		store:  store,
		redis:  redis,
		signer: signer,
		dlq:    dlq,
	}
}

// CheckHealth builds the current report. Checks are rate limited to once per
// 10s; callers in between get the cached report.
func (m *Monitor) CheckHealth(ctx context.Context) *Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Since(m.lastCheck) < 10*time.Second && m.lastReport != nil {
		return m.lastReport
	}

	report := &Report{
		SystemStatus: StatusHealthy,
		Components:   make(map[string]ComponentHealth),
	}

	// Store is load-bearing, failure is critical.
	storeHealth := ComponentHealth{Name: "store", Status: StatusHealthy}
	if err := m.store.Health(ctx); err != nil {
		storeHealth.Status = StatusCritical
		storeHealth.Detail = err.Error()
	}
	report.Components["store"] = storeHealth

	if m.redis != nil {
		h := ComponentHealth{Name: "redis", Status: StatusHealthy}
		if err := m.redis.Health(ctx); err != nil {
			h.Status = StatusDegraded
			h.Detail = err.Error()
		}
		report.Components["redis"] = h
	}

	if m.signer != nil {
		h := ComponentHealth{Name: "signer", Status: StatusHealthy}
		if !m.signer.Healthy() {
			h.Status = StatusDegraded
			h.Detail = "circuit breaker not closed"
		}
		report.Components["signer"] = h
	}

	if m.dlq != nil {
		if count, err := m.dlq.Count(ctx); err == nil {
			report.DeadLetters = count
			if count >= deadLetterWarn {
				report.Components["dead_letters"] = ComponentHealth{
					Name:   "dead_letters",
					Status: StatusDegraded,
					Detail: "queue backing up",
				}
			}
		}
	}

	// Worst component status wins.
	for _, c := range report.Components {
		if c.Status == StatusCritical {
			report.SystemStatus = StatusCritical
			break
		}
		if c.Status == StatusDegraded && report.SystemStatus == StatusHealthy {
			report.SystemStatus = StatusDegraded
		}
	}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}
