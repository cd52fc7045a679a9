package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"go.roomfleet.dev/fleet/internal/bus"
	"go.roomfleet.dev/fleet/internal/token"
	"go.roomfleet.dev/fleet/internal/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func collect(events *[]Event) Listener {
	return func(evt Event) { *events = append(*events, evt) }
}

func newTestDiscovery(t *testing.T, b *fakeBus, listeners ...Listener) *Discovery {
	t.Helper()
	provider := token.NewProvider("test-secret-test-secret", "roomfleet-discovery")
	d := New(Options{ServerTimeout: 100 * time.Millisecond}, provider, b, nil, nil, listeners...)
	t.Cleanup(d.Stop)
	return d
}

func publish(b *fakeBus, subject string, payload any) {
	_ = b.Publish(nil, subject, payload) //nolint:staticcheck // fakeBus ignores ctx
}

func TestDiscovery_PingCreatesRecordAndEmitsNewServer(t *testing.T) {
	var events []Event
	b := newFakeBus()
	d := newTestDiscovery(t, b, collect(&events))

	publish(b, "ping", wire.PingPayload{PublicURL: "rs-a", ClientCount: 3})

	require.Eventually(t, func() bool {
		count, ok := d.GetClientCount("rs-a")
		return ok && count == 3
	}, time.Second, 5*time.Millisecond)

	require.NotEmpty(t, events)
	assert.Equal(t, EventNewServer, events[0].Type)
}

func TestDiscovery_PingBackfillsRoomsFromRequest(t *testing.T) {
	b := newFakeBus()
	b.roomsFunc = func(publicURL string) (any, bool) {
		return wire.RoomsReply{"room-1": wire.RoomSummary{ID: "room-1", PublicURL: publicURL}}, true
	}
	d := newTestDiscovery(t, b)

	publish(b, "ping", wire.PingPayload{PublicURL: "rs-a", ClientCount: 1})

	require.Eventually(t, func() bool {
		rec, ok := d.GetLeastLoadedServer()
		return ok && len(rec.Rooms) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDiscovery_ResetDropsExistingRecordFirst(t *testing.T) {
	b := newFakeBus()
	d := newTestDiscovery(t, b)

	publish(b, "ping", wire.PingPayload{PublicURL: "rs-a", ClientCount: 5})
	require.Eventually(t, func() bool {
		count, _ := d.GetClientCount("rs-a")
		return count == 5
	}, time.Second, 5*time.Millisecond)

	publish(b, "ping", wire.PingPayload{PublicURL: "rs-a", ClientCount: 0, Reset: true})
	require.Eventually(t, func() bool {
		count, ok := d.GetClientCount("rs-a")
		return ok && count == 0
	}, time.Second, 5*time.Millisecond)
}

func TestDiscovery_RSEventDroppedForUnknownServer(t *testing.T) {
	var events []Event
	b := newFakeBus()
	d := newTestDiscovery(t, b, collect(&events))

	publish(b, "rs.event", wire.RSEvent{PublicURL: "rs-unknown", RoomID: "room-1", Subject: wire.EventNewRoom})

	time.Sleep(30 * time.Millisecond)
	_, ok := d.GetClientCount("rs-unknown")
	assert.False(t, ok)
	assert.Empty(t, events)
}

func TestDiscovery_RSEventTracksRoomAndClientLifecycle(t *testing.T) {
	var events []Event
	b := newFakeBus()
	d := newTestDiscovery(t, b, collect(&events))

	publish(b, "ping", wire.PingPayload{PublicURL: "rs-a", ClientCount: 0})
	require.Eventually(t, func() bool { _, ok := d.GetClientCount("rs-a"); return ok }, time.Second, 5*time.Millisecond)

	publish(b, "rs.event", wire.RSEvent{PublicURL: "rs-a", RoomID: "room-1", Subject: wire.EventNewRoom})
	client := wire.ClientSummary{ID: "alice"}
	publish(b, "rs.event", wire.RSEvent{PublicURL: "rs-a", RoomID: "room-1", Subject: wire.EventRoomJoined, Client: &client})

	require.Eventually(t, func() bool {
		rec, ok := d.GetLeastLoadedServer()
		if !ok {
			return false
		}
		room, ok := rec.Rooms["room-1"]
		if !ok {
			return false
		}
		_, joined := room.Clients["alice"]
		return joined
	}, time.Second, 5*time.Millisecond)

	publish(b, "rs.event", wire.RSEvent{PublicURL: "rs-a", RoomID: "room-1", Subject: wire.EventRoomLeft, Client: &client})
	require.Eventually(t, func() bool {
		rec, _ := d.GetLeastLoadedServer()
		room := rec.Rooms["room-1"]
		_, stillThere := room.Clients["alice"]
		return !stillThere
	}, time.Second, 5*time.Millisecond)

	publish(b, "rs.event", wire.RSEvent{PublicURL: "rs-a", RoomID: "room-1", Subject: wire.EventRoomRemoved})
	require.Eventually(t, func() bool {
		rec, _ := d.GetLeastLoadedServer()
		_, stillExists := rec.Rooms["room-1"]
		return !stillExists
	}, time.Second, 5*time.Millisecond)
}

func TestDiscovery_RSStopEvictsServerAndMirroredRooms(t *testing.T) {
	var events []Event
	b := newFakeBus()
	d := newTestDiscovery(t, b, collect(&events))

	publish(b, "ping", wire.PingPayload{PublicURL: "rs-a", ClientCount: 1})
	require.Eventually(t, func() bool { _, ok := d.GetClientCount("rs-a"); return ok }, time.Second, 5*time.Millisecond)

	publish(b, "rs.event", wire.RSEvent{PublicURL: "rs-a", RoomID: "room-1", Subject: wire.EventNewRoom})
	client := wire.ClientSummary{ID: "alice"}
	publish(b, "rs.event", wire.RSEvent{PublicURL: "rs-a", RoomID: "room-1", Subject: wire.EventRoomJoined, Client: &client})
	require.Eventually(t, func() bool {
		rec, _ := d.GetLeastLoadedServer()
		room, ok := rec.Rooms["room-1"]
		if !ok {
			return false
		}
		_, joined := room.Clients["alice"]
		return joined
	}, time.Second, 5*time.Millisecond)

	publish(b, "rs.stop", "rs-a")

	require.Eventually(t, func() bool {
		_, ok := d.GetClientCount("rs-a")
		return !ok
	}, time.Second, 5*time.Millisecond)

	types := make(map[string]int)
	for _, evt := range events {
		types[evt.Type]++
	}
	assert.Equal(t, 1, types[EventRoomLeft])
	assert.Equal(t, 1, types[EventRoomRemoved])
	assert.Equal(t, 1, types[EventServerRemoved])
}

func TestDiscovery_LivenessLoopEvictsStaleServer(t *testing.T) {
	b := newFakeBus()
	d := newTestDiscovery(t, b)

	publish(b, "ping", wire.PingPayload{PublicURL: "rs-a", ClientCount: 0})
	require.Eventually(t, func() bool { _, ok := d.GetClientCount("rs-a"); return ok }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		_, ok := d.GetClientCount("rs-a")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestDiscovery_GetLeastLoadedServerPicksLowestCount(t *testing.T) {
	b := newFakeBus()
	d := newTestDiscovery(t, b)

	publish(b, "ping", wire.PingPayload{PublicURL: "rs-a", ClientCount: 2})
	publish(b, "ping", wire.PingPayload{PublicURL: "rs-b", ClientCount: 0})
	require.Eventually(t, func() bool {
		a, aok := d.GetClientCount("rs-a")
		bb, bok := d.GetClientCount("rs-b")
		return aok && bok && a == 2 && bb == 0
	}, time.Second, 5*time.Millisecond)

	rec, ok := d.GetLeastLoadedServer()
	require.True(t, ok)
	assert.Equal(t, "rs-b", rec.PublicURL)
}

func TestDiscovery_GetLeastLoadedServerAbsentWhenEmpty(t *testing.T) {
	b := newFakeBus()
	d := newTestDiscovery(t, b)

	_, ok := d.GetLeastLoadedServer()
	assert.False(t, ok)
}

func TestDiscovery_GenerateTokenRoundTripsWithVerify(t *testing.T) {
	b := newFakeBus()
	provider := token.NewProvider("shared-secret-value", "roomfleet-discovery")
	d := New(Options{}, provider, b, nil, nil)
	t.Cleanup(d.Stop)

	tok, err := d.GenerateToken(token.GenerateOptions{PublicURL: "rs-a", RoomID: "room-1", ClientID: "alice"})
	require.NoError(t, err)

	claims, err := provider.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "rs-a", claims.PublicURL)
	assert.Equal(t, "room-1", claims.RoomID)
}

func TestDiscovery_StopIsIdempotentAndUnsubscribes(t *testing.T) {
	b := newFakeBus()
	provider := token.NewProvider("test-secret-test-secret", "roomfleet-discovery")
	d := New(Options{}, provider, b, nil, nil)

	d.Stop()
	d.Stop()

	assert.Empty(t, b.handlers["ping"])
}

var _ bus.Bus = (*fakeBus)(nil)
