package health

import (
	"context"
	"errors"
	"testing"

	"github.com/ptmai/mailpipe/internal/infra/storage/memory"
)

type failingPinger struct{ err error }

func (p failingPinger) Health(ctx context.Context) error { return p.err }

type fakeBreaker struct{ healthy bool }

func (b fakeBreaker) Healthy() bool { return b.healthy }

type fakeCounter struct{ n int }

func (c fakeCounter) Count(ctx context.Context) (int, error) { return c.n, nil }

func TestMonitor_AllHealthy(t *testing.T) {
	m := NewMonitor(memory.NewStore(), failingPinger{nil}, fakeBreaker{true}, fakeCounter{0})

	report := m.CheckHealth(context.Background())
	if report.SystemStatus != StatusHealthy {
		t.Errorf("expected healthy, got %s", report.SystemStatus)
	}
	if len(report.Components) != 3 {
		t.Errorf("expected 3 components, got %d", len(report.Components))
	}
}

func TestMonitor_RedisFailureDegrades(t *testing.T) {
	m := NewMonitor(memory.NewStore(), failingPinger{errors.New("down")}, nil, nil)

	report := m.CheckHealth(context.Background())
	if report.SystemStatus != StatusDegraded {
		t.Errorf("expected degraded, got %s", report.SystemStatus)
	}
}

func TestMonitor_OpenBreakerDegrades(t *testing.T) {
	m := NewMonitor(memory.NewStore(), nil, fakeBreaker{false}, nil)

	report := m.CheckHealth(context.Background())
	if report.SystemStatus != StatusDegraded {
		t.Errorf("expected degraded, got %s", report.SystemStatus)
	}
	if report.Components["signer"].Status != StatusDegraded {
		t.Error("signer component should be degraded")
	}
}

func TestMonitor_DeadLetterBacklogDegrades(t *testing.T) {
	m := NewMonitor(memory.NewStore(), nil, nil, fakeCounter{deadLetterWarn})

	report := m.CheckHealth(context.Background())
	if report.SystemStatus != StatusDegraded {
		t.Errorf("expected degraded, got %s", report.SystemStatus)
	}
	if report.DeadLetters != deadLetterWarn {
		t.Errorf("expected %d dead letters, got %d", deadLetterWarn, report.DeadLetters)
	}
}

func TestMonitor_CachesReports(t *testing.T) {
	counter := &countingStore{Store: memory.NewStore()}
	m := NewMonitor(counter, nil, nil, nil)

	m.CheckHealth(context.Background())
	m.CheckHealth(context.Background())

	if counter.pings != 1 {
		t.Errorf("expected 1 store check within the cache window, got %d", counter.pings)
	}
}

type countingStore struct {
	*memory.Store
	pings int
}

func (s *countingStore) Health(ctx context.Context) error {
	s.pings++
	return s.Store.Health(ctx)
}
