package platform

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultProbeInterval is how often the liveness probe runs.
const DefaultProbeInterval = 30 * time.Second

// ProbeFunc issues a lightweight liveness call against the platform.
type ProbeFunc func(ctx context.Context) error

// Monitor tracks platform liveness. All components consult Healthy before
// attempting an outbound call and degrade to the terminal fallback when it
// reports false.
//
// An authentication failure from the probe marks the monitor unhealthy
// permanently; auth errors are never retried automatically.
type Monitor struct {
	probe    ProbeFunc
	interval time.Duration
	timeout  time.Duration

	cron *cron.Cron

	mu         sync.RWMutex
	healthy    bool
	authFailed bool
	lastProbe  time.Time
	lastErr    error
}

// NewMonitor creates a monitor around the given probe. A zero interval
// falls back to DefaultProbeInterval. The monitor starts optimistic
// (healthy) until the first probe says otherwise; call Check once during
// startup to get an authoritative reading before serving.
func NewMonitor(probe ProbeFunc, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &Monitor{
		probe:    probe,
		interval: interval,
		timeout:  10 * time.Second,
		healthy:  true,
	}
}

// Start begins periodic probing. Stop must be called to release the
// schedule.
func (m *Monitor) Start() error {
	m.cron = cron.New()
	spec := fmt.Sprintf("@every %s", m.interval)
	if _, err := m.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		m.Check(ctx)
	}); err != nil {
		return fmt.Errorf("schedule liveness probe: %w", err)
	}
	m.cron.Start()
	return nil
}

// Stop halts periodic probing.
func (m *Monitor) Stop() {
	if m.cron != nil {
		m.cron.Stop()
	}
}

// Check runs the probe once and updates the shared flag.
func (m *Monitor) Check(ctx context.Context) bool {
	m.mu.RLock()
	stuck := m.authFailed
	m.mu.RUnlock()
	if stuck {
		return false
	}

	err := m.probe(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastProbe = time.Now()
	m.lastErr = err

	switch {
	case err == nil:
		if !m.healthy {
			log.Printf("[health] platform reachable again")
		}
		m.healthy = true
	case errors.Is(err, ErrAuthFailed):
		// Requires operator intervention; probing further is pointless.
		log.Printf("[health] authentication failed, marking platform unhealthy until restart: %v", err)
		m.authFailed = true
		m.healthy = false
	default:
		if m.healthy {
			log.Printf("[health] platform probe failed: %v", err)
		}
		m.healthy = false
	}
	return m.healthy
}

// Healthy reports the shared liveness flag.
func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthy
}

// LastProbe returns the time and error of the most recent probe.
func (m *Monitor) LastProbe() (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastProbe, m.lastErr
}
