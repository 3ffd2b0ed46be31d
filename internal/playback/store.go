package playback

import (
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
)

// ErrNoState is returned when a room has no playback state. Callers are
// expected to create state alongside the room; hitting this error means
// registry and store have desynchronized.
var ErrNoState = errors.New("no playback state for room")

// Store holds the authoritative playback state for every live room.
// All mutation goes through Apply; events for the same room must be
// applied in server receipt order (the relay serializes per room).
type Store struct {
	clock  clockwork.Clock
	mu     sync.RWMutex
	states map[string]*State
}

// NewStore returns an empty store using the given clock for derived
// position calculations.
func NewStore(clock clockwork.Clock) *Store {
	return &Store{
		clock:  clock,
		states: make(map[string]*State),
	}
}

// Create installs the default state (paused at 0, sequence 0) for a room.
// It is a no-op if the room already has state.
func (s *Store) Create(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[roomID]; ok {
		return
	}
	s.states[roomID] = &State{Action: ActionPaused}
}

// Get returns a snapshot of the room's current state.
func (s *Store) Get(roomID string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[roomID]
	if !ok {
		return Snapshot{}, fmt.Errorf("get %q: %w", roomID, ErrNoState)
	}
	return st.snapshot(roomID, s.clock.Now()), nil
}

// Apply mutates the room's state with one accepted event and returns the
// resulting snapshot. The sequence number advances by exactly one.
func (s *Store) Apply(roomID string, ev Event) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[roomID]
	if !ok {
		return Snapshot{}, fmt.Errorf("apply %q: %w", roomID, ErrNoState)
	}
	st.apply(ev)
	return st.snapshot(roomID, ev.ReceivedAt), nil
}

// Drop discards a room's state. Called when the room is destroyed.
func (s *Store) Drop(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, roomID)
}

// Len reports how many rooms currently have state.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}
