package playback

import "time"

// Action is what a room's players should currently be doing.
type Action string

const (
	ActionPlaying Action = "playing"
	ActionPaused  Action = "paused"
)

// Kind is the type of an inbound control intent.
type Kind string

const (
	KindPlay  Kind = "play"
	KindPause Kind = "pause"
	KindSeek  Kind = "seek"
)

// State is the authoritative playback state of one room. Position is only
// meaningful relative to Reference: while playing, the current position is
// Position plus the time elapsed since Reference.
type State struct {
	Action    Action
	Position  float64
	Reference time.Time
	Seq       uint64
}

// Event is a control intent after server receipt. Time is payload data
// (the target position for seek, optionally for play); it is never used
// for ordering. ReceivedAt is assigned from the server clock.
type Event struct {
	Kind       Kind
	Time       *float64
	ConnID     string
	RoomID     string
	ReceivedAt time.Time
}

// Snapshot is a point-in-time copy of a room's state, with the position
// already resolved to "now".
type Snapshot struct {
	RoomID   string  `json:"roomId"`
	Action   Action  `json:"action"`
	Position float64 `json:"position"`
	Seq      uint64  `json:"sequence"`
}

// PositionAt returns the derived current position at the given instant.
func (s *State) PositionAt(now time.Time) float64 {
	pos := s.Position
	if s.Action == ActionPlaying && now.After(s.Reference) {
		pos += now.Sub(s.Reference).Seconds()
	}
	if pos < 0 {
		return 0
	}
	return pos
}

func (s *State) snapshot(roomID string, now time.Time) Snapshot {
	return Snapshot{
		RoomID:   roomID,
		Action:   s.Action,
		Position: s.PositionAt(now),
		Seq:      s.Seq,
	}
}

// apply mutates the state for one accepted event. Callers serialize per room.
func (s *State) apply(ev Event) {
	switch ev.Kind {
	case KindPlay:
		if ev.Time != nil {
			s.Position = *ev.Time
		}
		s.Action = ActionPlaying
		s.Reference = ev.ReceivedAt
	case KindPause:
		s.Position = s.PositionAt(ev.ReceivedAt)
		s.Action = ActionPaused
		s.Reference = ev.ReceivedAt
	case KindSeek:
		s.Position = *ev.Time
		s.Reference = ev.ReceivedAt
	}
	s.Seq++
}
