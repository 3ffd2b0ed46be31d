package relay

import "watchsync/internal/playback"

// MessageType identifies an outbound message.
type MessageType string

const (
	MessageTypeHello           MessageType = "hello"
	MessageTypeSnapshot        MessageType = "snapshot"
	MessageTypeSync            MessageType = "sync"
	MessageTypeJoinRejected    MessageType = "joinRejected"
	MessageTypeControlRejected MessageType = "controlRejected"
)

// Rejection reason codes reported to clients.
const (
	ReasonNotInRoom      = "not_in_room"
	ReasonInvalidPayload = "invalid_payload"
	ReasonInternal       = "internal"
)

// Message is an outbound frame to a single connection. Fields are populated
// per type; unused ones are omitted on the wire.
type Message struct {
	Type         MessageType     `json:"type"`
	ConnectionID string          `json:"connectionId,omitempty"`
	RoomID       string          `json:"roomId,omitempty"`
	Action       playback.Action `json:"action,omitempty"`
	Position     *float64        `json:"position,omitempty"`
	Kind         playback.Kind   `json:"kind,omitempty"`
	Time         *float64        `json:"time,omitempty"`
	Seq          *uint64         `json:"sequence,omitempty"`
	Reason       string          `json:"reason,omitempty"`
}

// NewHello identifies a freshly attached connection so it can resume later.
func NewHello(connID string) Message {
	return Message{Type: MessageTypeHello, ConnectionID: connID}
}

// NewSnapshot carries a room's current state to a joining or resuming
// connection.
func NewSnapshot(snap playback.Snapshot) Message {
	pos := snap.Position
	seq := snap.Seq
	return Message{
		Type:     MessageTypeSnapshot,
		RoomID:   snap.RoomID,
		Action:   snap.Action,
		Position: &pos,
		Seq:      &seq,
	}
}

// NewSync is the normalized relay of an accepted control event.
func NewSync(kind playback.Kind, time *float64, seq uint64) Message {
	s := seq
	return Message{
		Type: MessageTypeSync,
		Kind: kind,
		Time: time,
		Seq:  &s,
	}
}

// NewJoinRejected reports a failed join to its requester.
func NewJoinRejected(reason string) Message {
	return Message{Type: MessageTypeJoinRejected, Reason: reason}
}

// NewControlRejected reports a failed control event to its originator.
func NewControlRejected(reason string) Message {
	return Message{Type: MessageTypeControlRejected, Reason: reason}
}
