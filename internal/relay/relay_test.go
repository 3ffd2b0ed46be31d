package relay

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchsync/internal/connection"
	"watchsync/internal/metrics"
	"watchsync/internal/playback"
	"watchsync/internal/room"
)

type mockSender struct {
	mu   sync.Mutex
	sent map[string][]Message
}

func newMockSender() *mockSender {
	return &mockSender{sent: make(map[string][]Message)}
}

func (m *mockSender) Send(connID string, msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent[connID] = append(m.sent[connID], msg)
}

func (m *mockSender) messages(connID string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.sent[connID]))
	copy(out, m.sent[connID])
	return out
}

func (m *mockSender) last(t *testing.T, connID string) Message {
	t.Helper()
	msgs := m.messages(connID)
	require.NotEmpty(t, msgs, "no messages for %s", connID)
	return msgs[len(msgs)-1]
}

type fixture struct {
	clock    *clockwork.FakeClock
	manager  *connection.Manager
	registry *room.Registry
	store    *playback.Store
	sender   *mockSender
	relay    *Relay
}

func newFixture() *fixture {
	clock := clockwork.NewFakeClock()
	store := playback.NewStore(clock)
	registry := room.NewRegistry(store)
	manager := connection.NewManager(clock, connection.Config{
		LivenessTimeout: 60 * time.Second,
		GraceWindow:     120 * time.Second,
		SweepInterval:   time.Second,
	})
	sender := newMockSender()
	rel := New(clock, manager, registry, store, sender, metrics.New())
	return &fixture{
		clock:    clock,
		manager:  manager,
		registry: registry,
		store:    store,
		sender:   sender,
		relay:    rel,
	}
}

func (f *fixture) join(t *testing.T, roomID string) string {
	t.Helper()
	id := f.manager.Register()
	require.NoError(t, f.relay.JoinRoom(id, roomID))
	return id
}

func ptr(f float64) *float64 { return &f }

func syncsOf(msgs []Message) []Message {
	var out []Message
	for _, m := range msgs {
		if m.Type == MessageTypeSync {
			out = append(out, m)
		}
	}
	return out
}

func TestJoin_SnapshotOnlyToRequester(t *testing.T) {
	f := newFixture()

	c1 := f.join(t, "r1")
	snap := f.sender.last(t, c1)
	assert.Equal(t, MessageTypeSnapshot, snap.Type)
	assert.Equal(t, "r1", snap.RoomID)
	assert.Equal(t, playback.ActionPaused, snap.Action)
	assert.Equal(t, 0.0, *snap.Position)
	assert.Equal(t, uint64(0), *snap.Seq)

	c2 := f.join(t, "r1")
	// c2's join is never broadcast; c1 still has only its own snapshot.
	assert.Len(t, f.sender.messages(c1), 1)
	assert.Len(t, f.sender.messages(c2), 1)
}

func TestScenarioA_LateJoinerGetsCurrentState(t *testing.T) {
	f := newFixture()

	c1 := f.join(t, "r1")
	snap := f.sender.last(t, c1)
	assert.Equal(t, playback.ActionPaused, snap.Action)
	assert.Equal(t, 0.0, *snap.Position)
	assert.Equal(t, uint64(0), *snap.Seq)

	require.NoError(t, f.relay.ControlEvent(c1, "r1", playback.KindSeek, ptr(42)))

	got, err := f.store.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, playback.ActionPaused, got.Action)
	assert.Equal(t, 42.0, got.Position)
	assert.Equal(t, uint64(1), got.Seq)

	c2 := f.join(t, "r1")
	snap = f.sender.last(t, c2)
	assert.Equal(t, MessageTypeSnapshot, snap.Type)
	assert.Equal(t, playback.ActionPaused, snap.Action)
	assert.Equal(t, 42.0, *snap.Position)
	assert.Equal(t, uint64(1), *snap.Seq)
}

func TestScenarioB_ReceiptOrderAndNoEcho(t *testing.T) {
	f := newFixture()

	c1 := f.join(t, "r1")
	c2 := f.join(t, "r1")

	require.NoError(t, f.relay.ControlEvent(c1, "r1", playback.KindPlay, nil))
	require.NoError(t, f.relay.ControlEvent(c2, "r1", playback.KindPause, nil))

	got, err := f.store.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, playback.ActionPaused, got.Action)
	assert.Equal(t, uint64(2), got.Seq)

	// c2 sees c1's play but no echo of its own pause.
	c2Syncs := syncsOf(f.sender.messages(c2))
	require.Len(t, c2Syncs, 1)
	assert.Equal(t, playback.KindPlay, c2Syncs[0].Kind)
	assert.Equal(t, uint64(1), *c2Syncs[0].Seq)

	// c1 sees only c2's pause.
	c1Syncs := syncsOf(f.sender.messages(c1))
	require.Len(t, c1Syncs, 1)
	assert.Equal(t, playback.KindPause, c1Syncs[0].Kind)
	assert.Equal(t, uint64(2), *c1Syncs[0].Seq)
}

func TestScenarioC_ResumeSeesUpdatesFromGracePeriod(t *testing.T) {
	f := newFixture()

	c1 := f.join(t, "r1")
	c3 := f.join(t, "r1")

	require.NoError(t, f.manager.MarkDropped(c1))

	// Membership is held in reserve through the grace period.
	_, members := f.registry.Counts()
	assert.Equal(t, 2, members)

	require.NoError(t, f.relay.ControlEvent(c3, "r1", playback.KindSeek, ptr(100)))

	f.clock.Advance(30 * time.Second)
	require.True(t, f.relay.Resume(c1))

	snap := f.sender.last(t, c1)
	assert.Equal(t, MessageTypeSnapshot, snap.Type)
	assert.Equal(t, 100.0, *snap.Position)
	assert.Equal(t, uint64(1), *snap.Seq)
}

func TestScenarioD_GraceExpiryEvictsAndDestroysRoom(t *testing.T) {
	f := newFixture()

	c1 := f.join(t, "r1")
	require.NoError(t, f.manager.MarkDropped(c1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.manager.Run(ctx)
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))

	f.clock.Advance(121 * time.Second)

	require.Eventually(t, func() bool {
		rooms, _ := f.registry.Counts()
		return rooms == 0
	}, time.Second, 5*time.Millisecond, "room should be destroyed after grace expiry")
	assert.Equal(t, 0, f.store.Len())
	assert.Equal(t, 0, f.manager.Len())

	// A later join recreates the room at defaults.
	c2 := f.join(t, "r1")
	snap := f.sender.last(t, c2)
	assert.Equal(t, playback.ActionPaused, snap.Action)
	assert.Equal(t, 0.0, *snap.Position)
	assert.Equal(t, uint64(0), *snap.Seq)
}

func TestResume_AfterExpiryReturnsFalse(t *testing.T) {
	f := newFixture()

	c1 := f.join(t, "r1")
	require.NoError(t, f.manager.MarkDropped(c1))

	f.clock.Advance(120 * time.Second)
	assert.False(t, f.relay.Resume(c1))

	// Eviction ran: sole member gone, room destroyed.
	rooms, members := f.registry.Counts()
	assert.Equal(t, 0, rooms)
	assert.Equal(t, 0, members)
}

func TestControl_NotInRoomRejected(t *testing.T) {
	f := newFixture()

	c1 := f.join(t, "r1")
	outsider := f.manager.Register()

	err := f.relay.ControlEvent(outsider, "r1", playback.KindPlay, nil)
	assert.ErrorIs(t, err, ErrNotInRoom)

	rej := f.sender.last(t, outsider)
	assert.Equal(t, MessageTypeControlRejected, rej.Type)
	assert.Equal(t, ReasonNotInRoom, rej.Reason)

	// No state change, no broadcast.
	got, err := f.store.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), got.Seq)
	assert.Empty(t, syncsOf(f.sender.messages(c1)))
}

func TestControl_MembershipCheckedBeforePayload(t *testing.T) {
	f := newFixture()
	c1 := f.join(t, "r1")
	outsider := f.manager.Register()

	// A non-member's malformed seek reads as a membership failure, not a
	// payload one.
	err := f.relay.ControlEvent(outsider, "r1", playback.KindSeek, nil)
	assert.ErrorIs(t, err, ErrNotInRoom)

	rej := f.sender.last(t, outsider)
	assert.Equal(t, MessageTypeControlRejected, rej.Type)
	assert.Equal(t, ReasonNotInRoom, rej.Reason)
	assert.Empty(t, syncsOf(f.sender.messages(c1)))
}

func TestControl_UnknownRoomRejected(t *testing.T) {
	f := newFixture()
	c1 := f.join(t, "r1")

	err := f.relay.ControlEvent(c1, "r2", playback.KindPlay, nil)
	assert.ErrorIs(t, err, ErrNotInRoom)
}

func TestControl_InvalidPayloadRejected(t *testing.T) {
	nan := math.NaN()
	neg := -1.0
	inf := math.Inf(1)

	tests := []struct {
		name string
		kind playback.Kind
		time *float64
	}{
		{"seek without time", playback.KindSeek, nil},
		{"seek with NaN", playback.KindSeek, &nan},
		{"seek with negative time", playback.KindSeek, &neg},
		{"play with infinite time", playback.KindPlay, &inf},
		{"unknown kind", playback.Kind("rewind"), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			c1 := f.join(t, "r1")
			c2 := f.join(t, "r1")

			err := f.relay.ControlEvent(c1, "r1", tt.kind, tt.time)
			assert.ErrorIs(t, err, ErrInvalidPayload)

			rej := f.sender.last(t, c1)
			assert.Equal(t, MessageTypeControlRejected, rej.Type)
			assert.Equal(t, ReasonInvalidPayload, rej.Reason)

			// No sequence advance, no broadcast.
			got, err := f.store.Get("r1")
			require.NoError(t, err)
			assert.Equal(t, uint64(0), got.Seq)
			assert.Empty(t, syncsOf(f.sender.messages(c2)))
		})
	}
}

func TestControl_SyncTimeNormalization(t *testing.T) {
	f := newFixture()

	c1 := f.join(t, "r1")
	c2 := f.join(t, "r1")

	// Play without a time carries none.
	require.NoError(t, f.relay.ControlEvent(c1, "r1", playback.KindPlay, nil))
	syncs := syncsOf(f.sender.messages(c2))
	require.Len(t, syncs, 1)
	assert.Nil(t, syncs[0].Time)

	// Pause carries the authoritative derived position.
	f.clock.Advance(8 * time.Second)
	require.NoError(t, f.relay.ControlEvent(c1, "r1", playback.KindPause, nil))
	syncs = syncsOf(f.sender.messages(c2))
	require.Len(t, syncs, 2)
	require.NotNil(t, syncs[1].Time)
	assert.InDelta(t, 8.0, *syncs[1].Time, 1e-9)

	// Seek carries the target position.
	require.NoError(t, f.relay.ControlEvent(c1, "r1", playback.KindSeek, ptr(55)))
	syncs = syncsOf(f.sender.messages(c2))
	require.Len(t, syncs, 3)
	assert.Equal(t, 55.0, *syncs[2].Time)
}

func TestControl_ConcurrentEventsNoLostUpdates(t *testing.T) {
	f := newFixture()

	const senders = 4
	const perSender = 25

	ids := make([]string, senders)
	for i := range ids {
		ids[i] = f.join(t, "r1")
	}
	observer := f.join(t, "r1")

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(connID string) {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				assert.NoError(t, f.relay.ControlEvent(connID, "r1", playback.KindSeek, ptr(float64(j))))
			}
		}(id)
	}
	wg.Wait()

	// Every accepted event advanced the sequence by exactly one.
	got, err := f.store.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, uint64(senders*perSender), got.Seq)

	// The observer saw every event, in strictly increasing sequence order.
	syncs := syncsOf(f.sender.messages(observer))
	require.Len(t, syncs, senders*perSender)
	for i := 1; i < len(syncs); i++ {
		assert.Equal(t, *syncs[i-1].Seq+1, *syncs[i].Seq)
	}
}

func TestRooms_AreIndependent(t *testing.T) {
	f := newFixture()

	c1 := f.join(t, "r1")
	c2 := f.join(t, "r2")

	require.NoError(t, f.relay.ControlEvent(c1, "r1", playback.KindSeek, ptr(10)))

	// r2 is untouched and c2 receives nothing.
	got, err := f.store.Get("r2")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), got.Seq)
	assert.Empty(t, syncsOf(f.sender.messages(c2)))
}

func TestResume_SnapshotOrderedWithConcurrentEvents(t *testing.T) {
	f := newFixture()
	c1 := f.join(t, "r1")
	c2 := f.join(t, "r1")

	for i := 0; i < 200; i++ {
		require.NoError(t, f.manager.MarkDropped(c1))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.True(t, f.relay.Resume(c1))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, f.relay.ControlEvent(c2, "r1", playback.KindSeek, ptr(float64(i))))
		}()
		wg.Wait()
	}

	// The recovery snapshot is enqueued under the same room lock the
	// broadcasts go out under, so sequence numbers over c1's snapshot and
	// sync stream never go backwards.
	var prev uint64
	for _, m := range f.sender.messages(c1) {
		switch m.Type {
		case MessageTypeSnapshot, MessageTypeSync:
			require.NotNil(t, m.Seq)
			assert.GreaterOrEqual(t, *m.Seq, prev)
			prev = *m.Seq
		}
	}
}

func TestResume_WithoutRoomStillSucceeds(t *testing.T) {
	f := newFixture()

	id := f.manager.Register()
	require.NoError(t, f.manager.MarkDropped(id))

	assert.True(t, f.relay.Resume(id))
	assert.Empty(t, f.sender.messages(id))
}
