package room

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"watchsync/internal/playback"
)

// ErrRoomNotFound is returned when an operation targets a room that does
// not exist (never created, or already destroyed).
var ErrRoomNotFound = errors.New("room not found")

// Room is a named synchronization group. Its mutex guards the member set
// and doubles as the per-room serialization point: the relay holds it
// across validate, state apply, and broadcast-target computation so events
// for one room never interleave.
type Room struct {
	ID string

	mu      sync.Mutex
	members map[string]struct{}
}

func newRoom(id string) *Room {
	return &Room{
		ID:      id,
		members: make(map[string]struct{}),
	}
}

// Lock acquires the room's serialization lock.
func (r *Room) Lock() { r.mu.Lock() }

// Unlock releases the room's serialization lock.
func (r *Room) Unlock() { r.mu.Unlock() }

// Has reports membership. Callers must hold the room lock.
func (r *Room) Has(connID string) bool {
	_, ok := r.members[connID]
	return ok
}

// MembersExcept returns every member id but the given one. Callers must
// hold the room lock.
func (r *Room) MembersExcept(connID string) []string {
	out := make([]string, 0, len(r.members))
	for id := range r.members {
		if id != connID {
			out = append(out, id)
		}
	}
	return out
}

// Registry tracks room membership with join-or-create semantics. A
// connection belongs to at most one room; joining another is an implicit
// leave of the first. Rooms are destroyed when their member set empties.
// Grace-period connections remain members, so a room they hold survives
// until the grace window lapses and eviction goes through Leave.
type Registry struct {
	store *playback.Store

	mu     sync.RWMutex
	rooms  map[string]*Room
	byConn map[string]string
}

// NewRegistry creates a registry backed by the given playback store.
func NewRegistry(store *playback.Store) *Registry {
	return &Registry{
		store:  store,
		rooms:  make(map[string]*Room),
		byConn: make(map[string]string),
	}
}

// Join adds the connection to the room, creating the room with default
// playback state on first join, and returns the room's current snapshot.
// Internally two steps: ensure the room exists, then add the member.
func (g *Registry) Join(roomID, connID string) (playback.Snapshot, error) {
	g.mu.Lock()
	prior, switching := g.byConn[connID]
	if switching && prior == roomID {
		// Re-join of the current room; just re-deliver the snapshot.
		g.mu.Unlock()
		return g.store.Get(roomID)
	}
	g.byConn[connID] = roomID
	rm := g.ensureLocked(roomID)
	// Add the member before releasing the registry lock. A concurrent
	// Leave by the room's last member runs its emptiness check behind
	// this lock, so the pending joiner is always visible to it and the
	// room cannot be destroyed out from under the join.
	rm.Lock()
	rm.members[connID] = struct{}{}
	count := len(rm.members)
	rm.Unlock()
	g.mu.Unlock()

	if switching {
		g.removeMember(prior, connID)
	}

	log.Info().
		Str("connection_id", connID).
		Str("room_id", roomID).
		Int("members", count).
		Msg("joined room")

	return g.store.Get(roomID)
}

// ensureLocked creates the room and its playback state if absent.
// Callers must hold the registry lock.
func (g *Registry) ensureLocked(roomID string) *Room {
	rm, ok := g.rooms[roomID]
	if !ok {
		rm = newRoom(roomID)
		g.rooms[roomID] = rm
		g.store.Create(roomID)
		log.Info().Str("room_id", roomID).Msg("room created")
	}
	return rm
}

// Leave removes the connection from its room, if any. The room and its
// playback state are destroyed when the member set empties.
func (g *Registry) Leave(connID string) {
	g.mu.Lock()
	roomID, ok := g.byConn[connID]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.byConn, connID)
	g.mu.Unlock()

	g.removeMember(roomID, connID)
}

func (g *Registry) removeMember(roomID, connID string) {
	g.mu.RLock()
	rm := g.rooms[roomID]
	g.mu.RUnlock()
	if rm == nil {
		return
	}

	rm.Lock()
	delete(rm.members, connID)
	count := len(rm.members)
	rm.Unlock()

	log.Info().
		Str("connection_id", connID).
		Str("room_id", roomID).
		Int("members", count).
		Msg("left room")

	if count == 0 {
		g.destroyIfEmpty(roomID, rm)
	}
}

func (g *Registry) destroyIfEmpty(roomID string, rm *Room) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.rooms[roomID] != rm {
		return
	}
	rm.Lock()
	empty := len(rm.members) == 0
	rm.Unlock()
	if !empty {
		return
	}
	delete(g.rooms, roomID)
	g.store.Drop(roomID)
	log.Info().Str("room_id", roomID).Msg("room destroyed")
}

// Room returns the live room object for relay-side locking.
func (g *Registry) Room(roomID string) (*Room, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	rm, ok := g.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("room %q: %w", roomID, ErrRoomNotFound)
	}
	return rm, nil
}

// RoomOf returns the room a connection currently belongs to.
func (g *Registry) RoomOf(connID string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	roomID, ok := g.byConn[connID]
	return roomID, ok
}

// MembersExcept returns the broadcast targets for a room: every current
// member except the given connection.
func (g *Registry) MembersExcept(roomID, connID string) []string {
	g.mu.RLock()
	rm := g.rooms[roomID]
	g.mu.RUnlock()
	if rm == nil {
		return nil
	}

	rm.Lock()
	defer rm.Unlock()
	return rm.MembersExcept(connID)
}

// Counts reports the number of live rooms and total members, for stats
// and metrics.
func (g *Registry) Counts() (rooms, members int) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	rooms = len(g.rooms)
	members = len(g.byConn)
	return rooms, members
}
