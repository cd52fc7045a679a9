package roomserver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func collectEvents(events *[]RoomEvent) RoomListener {
	return func(evt RoomEvent) {
		*events = append(*events, evt)
	}
}

func newTestRoom(t *testing.T, opts RoomOptions, listeners ...RoomListener) *Room {
	t.Helper()
	r := NewRoom("room-1", "wss://fleet.example/rs1", map[string]any{"topic": "chat"}, opts, nil, listeners...)
	t.Cleanup(func() {
		r.Terminate()
		<-r.Done()
	})
	return r
}

func TestRoom_JoinEmitsJoinedWithClientAlreadyPresent(t *testing.T) {
	var events []RoomEvent
	var sawInSnapshot bool
	r := newTestRoom(t, RoomOptions{}, func(evt RoomEvent) {
		if evt.Type == EventJoined {
			// Invariant from spec §9: a listener of "joined" observes the
			// client already present in the room. The listener runs on the
			// Room's own goroutine, so it cannot go through the Room's query
			// channels; it reads the client map directly via handleSnapshot,
			// which shows whether the client was inserted before emit() ran.
			_, sawInSnapshot = evt.Room.handleSnapshot().Clients["alice"]
		}
		events = append(events, evt)
	})

	sock := newFakeSocket()
	client := NewClient("alice", nil, sock)
	r.Join(client)
	// Drain by round-tripping a snapshot query, which serializes after Join.
	_ = r.Snapshot(true)

	require.Len(t, events, 1)
	assert.Equal(t, EventJoined, events[0].Type)
	assert.Equal(t, "alice", events[0].Client.ID)
	assert.True(t, sawInSnapshot)
}

func TestRoom_TryJoinRejectsDuplicateID(t *testing.T) {
	r := newTestRoom(t, RoomOptions{})

	first := NewClient("alice", nil, newFakeSocket())
	second := NewClient("alice", nil, newFakeSocket())

	assert.True(t, r.TryJoin(first))
	assert.False(t, r.TryJoin(second))
	assert.Equal(t, 1, r.ClientCount())
}

func TestRoom_LeaveClosesSocketAndEmitsLeft(t *testing.T) {
	var events []RoomEvent
	r := newTestRoom(t, RoomOptions{}, collectEvents(&events))

	sock := newFakeSocket()
	client := NewClient("alice", nil, sock)
	r.Join(client)
	r.Leave("alice")
	_ = r.Snapshot(true)

	assert.Equal(t, 0, r.ClientCount())
	assert.True(t, sock.IsClosed())
	require.Len(t, events, 2)
	assert.Equal(t, EventLeft, events[1].Type)
	assert.Equal(t, 0, events[1].Remaining)
}

func TestRoom_SendToOthersExcludesSender(t *testing.T) {
	r := newTestRoom(t, RoomOptions{})

	aSock, bSock := newFakeSocket(), newFakeSocket()
	r.Join(NewClient("alice", nil, aSock))
	r.Join(NewClient("bob", nil, bSock))
	_ = r.Snapshot(true)

	r.SendToOthers("alice", []byte("hi"))
	_ = r.Snapshot(true)

	assert.Equal(t, 0, aSock.writeCount())
	assert.Equal(t, 1, bSock.writeCount())
}

func TestRoom_HandleClientMessageEmitsAndRelays(t *testing.T) {
	var events []RoomEvent
	r := newTestRoom(t, RoomOptions{}, collectEvents(&events))

	aSock, bSock := newFakeSocket(), newFakeSocket()
	r.Join(NewClient("alice", nil, aSock))
	r.Join(NewClient("bob", nil, bSock))
	_ = r.Snapshot(true)

	r.HandleClientMessage("alice", []byte("hello"))
	_ = r.Snapshot(true)

	assert.Equal(t, 1, bSock.writeCount())
	assert.Equal(t, 0, aSock.writeCount())

	var msgEvents []RoomEvent
	for _, evt := range events {
		if evt.Type == EventMessage {
			msgEvents = append(msgEvents, evt)
		}
	}
	require.Len(t, msgEvents, 1)
	assert.Equal(t, "alice", msgEvents[0].Client.ID)
	assert.Equal(t, []byte("hello"), msgEvents[0].Message)
}

func TestRoom_HeartbeatEvictsAfterMissedPingsLimit(t *testing.T) {
	r := newTestRoom(t, RoomOptions{PingInterval: 10 * time.Millisecond, MissedPingsLimit: 2})

	sock := newFakeSocket()
	r.Join(NewClient("alice", nil, sock))
	_ = r.Snapshot(true)

	require.Eventually(t, func() bool {
		return r.ClientCount() == 0
	}, time.Second, 5*time.Millisecond, "client should be evicted after missing two pings")

	assert.True(t, sock.IsClosed())
	assert.GreaterOrEqual(t, sock.pingCount(), 1)
}

func TestRoom_PongResetsMissedPings(t *testing.T) {
	r := newTestRoom(t, RoomOptions{PingInterval: 10 * time.Millisecond, MissedPingsLimit: 2})

	sock := newFakeSocket()
	r.Join(NewClient("alice", nil, sock))
	_ = r.Snapshot(true)

	// Keep answering pongs; the client must never be evicted.
	stop := time.After(80 * time.Millisecond)
loop:
	for {
		select {
		case <-stop:
			break loop
		case <-time.After(5 * time.Millisecond):
			r.NotifyPong("alice")
		}
	}

	assert.Equal(t, 1, r.ClientCount())
}

func TestRoom_TerminateEmitsLeftForEveryMemberThenTerminated(t *testing.T) {
	var events []RoomEvent
	r := NewRoom("room-2", "wss://fleet.example/rs1", nil, RoomOptions{}, nil, collectEvents(&events))

	r.Join(NewClient("alice", nil, newFakeSocket()))
	r.Join(NewClient("bob", nil, newFakeSocket()))
	_ = r.Snapshot(true)

	r.Terminate()
	<-r.Done()

	// Invariant: for every joined emitted, exactly one matching left is
	// emitted before the Room is destroyed.
	joined, left, terminated := 0, 0, 0
	for _, evt := range events {
		switch evt.Type {
		case EventJoined:
			joined++
		case EventLeft:
			left++
		case EventTerminated:
			terminated++
		}
	}
	assert.Equal(t, 2, joined)
	assert.Equal(t, 2, left)
	assert.Equal(t, 1, terminated)
	assert.Equal(t, EventTerminated, events[len(events)-1].Type)
}

func TestRoom_ClearPingIntervalStopsHeartbeat(t *testing.T) {
	r := newTestRoom(t, RoomOptions{PingInterval: 10 * time.Millisecond, MissedPingsLimit: 100})

	sock := newFakeSocket()
	r.Join(NewClient("alice", nil, sock))
	r.ClearPingInterval()
	_ = r.Snapshot(true)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, sock.pingCount())
}
