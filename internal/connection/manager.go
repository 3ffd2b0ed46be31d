package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// ErrConnectionNotFound is returned for operations on an id the manager does
// not know. It indicates a stale id held by the caller, not a client mistake.
var ErrConnectionNotFound = errors.New("connection not found")

// Status is a connection's liveness state.
type Status string

const (
	StatusActive Status = "active"
	StatusGrace  Status = "grace-period"
	StatusClosed Status = "closed"
)

// Config holds timing configuration for connection lifecycle.
type Config struct {
	// LivenessTimeout is how long a connection may go without a heartbeat
	// before it is presumed dropped. Independent of transport ping/pong.
	LivenessTimeout time.Duration

	// GraceWindow is how long a dropped connection may resume before it is
	// finalized and evicted from its room.
	GraceWindow time.Duration

	// SweepInterval is how often deadlines are checked.
	SweepInterval time.Duration
}

// DefaultConfig returns the default lifecycle timing.
func DefaultConfig() Config {
	return Config{
		LivenessTimeout: 60 * time.Second,
		GraceWindow:     120 * time.Second,
		SweepInterval:   time.Second,
	}
}

type conn struct {
	status       Status
	lastActivity time.Time
	droppedAt    time.Time
}

// Manager owns per-connection liveness: registration, heartbeats, the
// drop/grace/resume state machine, and finalization. Room membership is
// not tracked here; on finalization the eviction callback lets the room
// layer clean up.
type Manager struct {
	clock  clockwork.Clock
	config Config

	mu    sync.Mutex
	conns map[string]*conn

	onEvict func(id string)
}

// NewManager creates a connection manager using the given clock.
func NewManager(clock clockwork.Clock, config Config) *Manager {
	return &Manager{
		clock:  clock,
		config: config,
		conns:  make(map[string]*conn),
	}
}

// OnEvict sets the callback invoked after a connection is finalized, with
// the manager's lock released. Must be set before Run.
func (m *Manager) OnEvict(fn func(id string)) {
	m.onEvict = fn
}

// Register allocates a fresh connection id in the active state.
func (m *Manager) Register() string {
	id := uuid.NewString()

	m.mu.Lock()
	m.conns[id] = &conn{
		status:       StatusActive,
		lastActivity: m.clock.Now(),
	}
	total := len(m.conns)
	m.mu.Unlock()

	log.Debug().
		Str("connection_id", id).
		Int("total_connections", total).
		Msg("connection registered")
	return id
}

// Heartbeat refreshes a connection's last-activity time. The transport
// calls this on every received frame.
func (m *Manager) Heartbeat(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[id]
	if !ok {
		return fmt.Errorf("heartbeat %q: %w", id, ErrConnectionNotFound)
	}
	c.lastActivity = m.clock.Now()
	return nil
}

// MarkDropped moves an active connection into its grace period. Room
// membership is deliberately untouched so a timely resume finds it intact.
// Marking an already-dropped connection is a no-op.
func (m *Manager) MarkDropped(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[id]
	if !ok {
		return fmt.Errorf("mark dropped %q: %w", id, ErrConnectionNotFound)
	}
	if c.status == StatusGrace {
		return nil
	}
	c.status = StatusGrace
	c.droppedAt = m.clock.Now()

	log.Info().
		Str("connection_id", id).
		Dur("grace_window", m.config.GraceWindow).
		Msg("connection dropped, grace period started")
	return nil
}

// Resume reactivates a connection that is still inside its grace window and
// reports whether it succeeded. A false return means the window has lapsed
// (or the id was already finalized) and the client must register afresh;
// per contract this is the one case where an unknown id is not an error.
func (m *Manager) Resume(id string) bool {
	m.mu.Lock()
	c, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return false
	}

	switch c.status {
	case StatusActive:
		c.lastActivity = m.clock.Now()
		m.mu.Unlock()
		return true
	case StatusGrace:
		now := m.clock.Now()
		if now.Sub(c.droppedAt) >= m.config.GraceWindow {
			// Deadline passed but the sweep has not caught it yet.
			m.finalizeLocked(id)
			m.mu.Unlock()
			m.evict(id)
			return false
		}
		c.status = StatusActive
		c.lastActivity = now
		m.mu.Unlock()
		log.Info().Str("connection_id", id).Msg("connection resumed")
		return true
	default:
		m.mu.Unlock()
		return false
	}
}

// Destroy removes all state for a connection and triggers room eviction.
func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	if _, ok := m.conns[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("destroy %q: %w", id, ErrConnectionNotFound)
	}
	m.finalizeLocked(id)
	m.mu.Unlock()

	m.evict(id)
	return nil
}

// Status reports a connection's current liveness state.
func (m *Manager) Status(id string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[id]
	if !ok {
		return StatusClosed, fmt.Errorf("status %q: %w", id, ErrConnectionNotFound)
	}
	return c.status, nil
}

// Len reports the number of known connections, grace-period ones included.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Run sweeps connection deadlines until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	log.Info().
		Dur("liveness_timeout", m.config.LivenessTimeout).
		Dur("grace_window", m.config.GraceWindow).
		Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case <-ticker.Chan():
			m.sweep()
		}
	}
}

// sweep marks silent connections dropped and finalizes expired grace
// periods. Eviction callbacks run with the lock released.
func (m *Manager) sweep() {
	now := m.clock.Now()

	m.mu.Lock()
	var expired []string
	for id, c := range m.conns {
		switch c.status {
		case StatusActive:
			if now.Sub(c.lastActivity) >= m.config.LivenessTimeout {
				c.status = StatusGrace
				c.droppedAt = now
				log.Info().
					Str("connection_id", id).
					Msg("liveness timeout, grace period started")
			}
		case StatusGrace:
			if now.Sub(c.droppedAt) >= m.config.GraceWindow {
				m.finalizeLocked(id)
				expired = append(expired, id)
			}
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.evict(id)
	}
}

func (m *Manager) finalizeLocked(id string) {
	delete(m.conns, id)
	log.Info().Str("connection_id", id).Msg("connection closed")
}

func (m *Manager) evict(id string) {
	if m.onEvict != nil {
		m.onEvict(id)
	}
}
