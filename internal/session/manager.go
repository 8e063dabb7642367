// Package session maps session ids to workflow controllers and expires idle ones.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/example/cutout/internal/workflow"
)

// DefaultSweepSchedule runs the idle sweep once a minute.
const DefaultSweepSchedule = "@every 1m"

// Factory builds the controller of a new session.
type Factory func(id string) *workflow.Controller

// Manager owns every live controller.
type Manager struct {
	factory Factory
	idle    time.Duration
	logger  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*workflow.Controller
	cron     *cron.Cron
}

// NewManager creates a manager. A zero idle timeout disables sweeping.
func NewManager(factory Factory, idle time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		factory:  factory,
		idle:     idle,
		logger:   logger.Named("session"),
		sessions: make(map[string]*workflow.Controller),
	}
}

// Get returns the controller of id, creating it on first use. The
// controller counts as active, so a concurrent Sweep keeps it.
func (m *Manager) Get(id string) *workflow.Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.sessions[id]; ok {
		c.Touch()
		return c
	}
	c := m.factory(id)
	m.sessions[id] = c
	m.logger.Debug("session created", zap.String("session_id", id))
	return c
}

// Lookup returns the controller of id without creating one.
func (m *Manager) Lookup(id string) (*workflow.Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.sessions[id]
	return c, ok
}

// Len is the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep closes sessions idle since before now minus the idle timeout.
// Sessions with a run in flight are kept. It returns the number closed.
func (m *Manager) Sweep(ctx context.Context, now time.Time) int {
	if m.idle <= 0 {
		return 0
	}
	cutoff := now.Add(-m.idle)

	m.mu.Lock()
	defer m.mu.Unlock()
	closed := 0
	for id, c := range m.sessions {
		ok, err := c.CloseIfIdle(ctx, cutoff)
		if !ok {
			continue
		}
		delete(m.sessions, id)
		closed++
		if err != nil {
			m.logger.Warn("failed to close idle session", zap.String("session_id", id), zap.Error(err))
		}
	}
	if closed > 0 {
		m.logger.Info("expired idle sessions", zap.Int("count", closed))
	}
	return closed
}

// Start runs Sweep on a cron schedule until Close.
func (m *Manager) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	runner := cron.New()
	if _, err := runner.AddFunc(schedule, func() {
		m.Sweep(context.Background(), time.Now())
	}); err != nil {
		return err
	}

	m.mu.Lock()
	if m.cron != nil {
		m.mu.Unlock()
		return errors.New("session sweeper already started")
	}
	m.cron = runner
	m.mu.Unlock()

	runner.Start()
	return nil
}

// Close stops the sweeper and closes every session.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	runner := m.cron
	m.cron = nil
	sessions := m.sessions
	m.sessions = make(map[string]*workflow.Controller)
	m.mu.Unlock()

	if runner != nil {
		<-runner.Stop().Done()
	}
	var errs []error
	for _, c := range sessions {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
