package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Monitor is the built-in scheduled trigger: it remembers when each
// step began and fires the watchdog probe once the configured delay
// elapses without progress. Deployments with an external cron/queue
// can skip it and call the HTTP probe instead; probes are idempotent
// either way.
type Monitor struct {
	svc   *Service
	delay time.Duration

	mu           sync.Mutex
	expectations map[string]expectation // key: execution ID
	running      bool
	stopCh       chan struct{}
}

type expectation struct {
	stepIndex int
	dueAt     time.Time
}

// NewMonitor creates a monitor firing probes delay after step start.
func NewMonitor(svc *Service, delay time.Duration) *Monitor {
	if delay <= 0 {
		delay = 30 * time.Second
	}
	return &Monitor{
		svc:          svc,
		delay:        delay,
		expectations: make(map[string]expectation),
		stopCh:       make(chan struct{}),
	}
}

// Track registers (or refreshes) the expectation that executionID
// completes stepIndex within the delay. Wired to the executor's
// OnStepStart hook.
func (m *Monitor) Track(executionID string, stepIndex int) {
	m.mu.Lock()
	m.expectations[executionID] = expectation{
		stepIndex: stepIndex,
		dueAt:     time.Now().Add(m.delay),
	}
	m.mu.Unlock()
}

// Start begins the polling loop.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	log.Info().Dur("delay", m.delay).Msg("Heartbeat monitor started")
	go m.loop(ctx)
}

// Stop shuts the monitor down.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)
	log.Info().Msg("Heartbeat monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	interval := m.delay / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.fireDue(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) fireDue(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	due := make(map[string]expectation)
	for id, exp := range m.expectations {
		if !exp.dueAt.After(now) {
			due[id] = exp
			delete(m.expectations, id)
		}
	}
	m.mu.Unlock()

	for id, exp := range due {
		result, err := m.svc.Probe(ctx, id, exp.stepIndex)
		if err != nil {
			log.Warn().Err(err).Str("execution", id).Msg("Heartbeat probe failed")
			continue
		}
		log.Debug().
			Str("execution", id).
			Int("expected_step", exp.stepIndex).
			Str("action", string(result.Action)).
			Str("reason", result.Reason).
			Msg("Heartbeat probe")
	}
}
