package relay

import (
	"errors"
	"fmt"
	"math"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"watchsync/internal/connection"
	"watchsync/internal/metrics"
	"watchsync/internal/playback"
	"watchsync/internal/room"
)

// ErrNotInRoom is returned when a connection sends a control event for a
// room it has not joined. Reported to that client only; no state changes.
var ErrNotInRoom = errors.New("not in room")

// ErrInvalidPayload is returned when a control event's time field is
// missing where required, or not a finite non-negative number.
var ErrInvalidPayload = errors.New("invalid payload")

// Sender delivers an outbound message to one connection. Deliveries to a
// connection that has since closed are silently dropped. Implementations
// must never block the caller.
type Sender interface {
	Send(connID string, msg Message)
}

// Relay validates and totally orders control events per room, applies them
// to the playback store, and fans the result out to the other members. It
// also carries session recovery: a resumed connection gets a fresh snapshot
// of its room, and a lapsed one is evicted.
type Relay struct {
	clock    clockwork.Clock
	manager  *connection.Manager
	registry *room.Registry
	store    *playback.Store
	sender   Sender
	metrics  *metrics.Metrics
}

// New wires the relay and registers the eviction hook: when a connection's
// grace window lapses, it is removed from its room (destroying the room if
// it was the last member).
func New(
	clock clockwork.Clock,
	manager *connection.Manager,
	registry *room.Registry,
	store *playback.Store,
	sender Sender,
	met *metrics.Metrics,
) *Relay {
	r := &Relay{
		clock:    clock,
		manager:  manager,
		registry: registry,
		store:    store,
		sender:   sender,
		metrics:  met,
	}
	manager.OnEvict(r.evicted)
	return r
}

// JoinRoom adds the connection to the room (creating it on first join) and
// delivers the room's current snapshot to the requester only. Late joiners
// synchronize to present state; history is never replayed.
func (r *Relay) JoinRoom(connID, roomID string) error {
	snap, err := r.registry.Join(roomID, connID)
	if err != nil {
		// Registry and store disagree about this room; a bug, not a
		// client mistake.
		log.Error().
			Err(err).
			Str("connection_id", connID).
			Str("room_id", roomID).
			Msg("join failed")
		r.metrics.IncEventRejected(ReasonInternal)
		r.sender.Send(connID, NewJoinRejected(ReasonInternal))
		return err
	}
	r.sender.Send(connID, NewSnapshot(snap))
	return nil
}

// ControlEvent applies one play/pause/seek intent. Validation failures are
// reported to the originator only and change nothing. On success the event
// is applied in receipt order, the sequence advances by one, and the
// normalized sync is broadcast to every other member, never echoed back.
func (r *Relay) ControlEvent(connID, roomID string, kind playback.Kind, t *float64) error {
	rm, err := r.registry.Room(roomID)
	if err != nil {
		// Unknown room: the client never joined it.
		r.reject(connID, roomID, ReasonNotInRoom)
		return fmt.Errorf("control %q: %w", roomID, ErrNotInRoom)
	}

	// One critical section per room: membership check, payload validation,
	// state mutation, and broadcast enqueue. Sends are non-blocking buffer
	// writes, so nothing suspends while the lock is held, and application
	// order is receipt order.
	rm.Lock()
	defer rm.Unlock()

	if !rm.Has(connID) {
		r.reject(connID, roomID, ReasonNotInRoom)
		return fmt.Errorf("control %q from %q: %w", roomID, connID, ErrNotInRoom)
	}

	// Membership is established before the payload is inspected; a
	// non-member's malformed event reads as a membership failure.
	if err := validatePayload(kind, t); err != nil {
		r.reject(connID, roomID, ReasonInvalidPayload)
		return err
	}

	ev := playback.Event{
		Kind:       kind,
		Time:       t,
		ConnID:     connID,
		RoomID:     roomID,
		ReceivedAt: r.clock.Now(),
	}
	snap, err := r.store.Apply(roomID, ev)
	if err != nil {
		log.Error().
			Err(err).
			Str("room_id", roomID).
			Msg("apply failed on member-visible room")
		return err
	}

	msg := NewSync(kind, normalizedTime(kind, t, snap), snap.Seq)
	targets := rm.MembersExcept(connID)
	for _, id := range targets {
		r.sender.Send(id, msg)
	}

	r.metrics.IncEventApplied(string(kind))
	r.metrics.AddBroadcasts(len(targets))

	log.Debug().
		Str("connection_id", connID).
		Str("room_id", roomID).
		Str("kind", string(kind)).
		Uint64("sequence", snap.Seq).
		Int("targets", len(targets)).
		Msg("control event relayed")
	return nil
}

// Resume reactivates a dropped connection inside its grace window and
// re-delivers a fresh snapshot of its room (current state, not the state
// at drop time). Returns false when the window has lapsed; the caller must
// register the client anew.
func (r *Relay) Resume(connID string) bool {
	if !r.manager.Resume(connID) {
		r.metrics.IncResume("expired")
		return false
	}
	r.metrics.IncResume("ok")

	roomID, ok := r.registry.RoomOf(connID)
	if !ok {
		return true
	}
	rm, err := r.registry.Room(roomID)
	if err != nil {
		log.Error().
			Err(err).
			Str("connection_id", connID).
			Str("room_id", roomID).
			Msg("no room for resumed connection")
		return true
	}

	// Snapshot and send under the room lock, the same lock control events
	// broadcast under, so the recovery snapshot is enqueued ahead of any
	// sync applied after it on this connection.
	rm.Lock()
	defer rm.Unlock()

	snap, err := r.store.Get(roomID)
	if err != nil {
		log.Error().
			Err(err).
			Str("connection_id", connID).
			Str("room_id", roomID).
			Msg("no state for resumed connection's room")
		return true
	}
	r.sender.Send(connID, NewSnapshot(snap))
	return true
}

func (r *Relay) evicted(connID string) {
	r.registry.Leave(connID)
}

func (r *Relay) reject(connID, roomID, reason string) {
	r.metrics.IncEventRejected(reason)
	r.sender.Send(connID, NewControlRejected(reason))
	log.Debug().
		Str("connection_id", connID).
		Str("room_id", roomID).
		Str("reason", reason).
		Msg("control event rejected")
}

// validatePayload checks the time field against the event kind: required
// for seek, optional for play, ignored for pause. When present it must be
// a finite non-negative number. Client time is payload, never ordering.
func validatePayload(kind playback.Kind, t *float64) error {
	switch kind {
	case playback.KindSeek:
		if t == nil {
			return fmt.Errorf("seek without time: %w", ErrInvalidPayload)
		}
		return validTime(*t)
	case playback.KindPlay:
		if t != nil {
			return validTime(*t)
		}
		return nil
	case playback.KindPause:
		return nil
	default:
		return fmt.Errorf("unknown kind %q: %w", kind, ErrInvalidPayload)
	}
}

func validTime(t float64) error {
	if math.IsNaN(t) || math.IsInf(t, 0) || t < 0 {
		return fmt.Errorf("time %v: %w", t, ErrInvalidPayload)
	}
	return nil
}

// normalizedTime picks the time field for the outbound sync: the
// authoritative post-apply position for pause and seek, the client-supplied
// time (if any) for play.
func normalizedTime(kind playback.Kind, t *float64, snap playback.Snapshot) *float64 {
	switch kind {
	case playback.KindPause, playback.KindSeek:
		pos := snap.Position
		return &pos
	default:
		return t
	}
}
