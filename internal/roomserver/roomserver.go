package roomserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"go.roomfleet.dev/fleet/internal/bus"
	"go.roomfleet.dev/fleet/internal/ferrors"
	"go.roomfleet.dev/fleet/internal/history"
	"go.roomfleet.dev/fleet/internal/logging"
	"go.roomfleet.dev/fleet/internal/token"
	"go.roomfleet.dev/fleet/internal/wire"
	"go.roomfleet.dev/fleet/pkg/transport"
)

// pingPeriod is the fixed 1 Hz bus ping cadence from spec §4.2.
const pingPeriod = 1 * time.Second

// roomsGauge and clientsGauge expose this process's live room/client
// counts, mirroring the bus package's breakerStateGauge registration shape.
var (
	roomsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roomfleet_roomserver_rooms",
		Help: "Number of rooms currently open on this room server.",
	})
	clientsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roomfleet_roomserver_clients",
		Help: "Number of clients currently connected to this room server.",
	})
)

func init() {
	prometheus.MustRegister(roomsGauge, clientsGauge)
}

// Options configures a RoomServer, per spec §3/§4.2.
type Options struct {
	PublicURL          string
	SyncRooms          bool
	SyncClients        bool
	DefaultRoomOptions RoomOptions
}

// RoomServer is the singleton per-process owner of a set of Rooms, per
// spec §4.2. Room-level state is serialized inside each Room's own
// goroutine; the RoomServer's own bookkeeping (the rooms map and the
// running clientCount) is serialized with a single mutex guarding its own
// public surface — the alternative spec §5 explicitly sanctions alongside
// an actor-per-instance.
type RoomServer struct {
	opts      Options
	tokens    *token.Provider
	busClient bus.Bus
	logger    *logging.Logger
	history   *history.Recorder

	mu          sync.Mutex
	rooms       map[string]*Room
	clientCount int
	stopped     bool

	broadcastListeners []func([]byte)

	pingCancel context.CancelFunc
	unsubs     []func()
}

// New constructs a RoomServer and wires its bus subscriptions and ping
// ticker. busClient may be nil, in which case the server runs local-only
// (no fleet mirroring) — the same graceful degradation the bus's circuit
// breaker provides when Redis is reachable but flaky. recorder is an
// optional history.Recorder; a nil Recorder (the zero value of the
// variadic, or an explicit nil) silently no-ops every history write.
func New(opts Options, tokens *token.Provider, busClient bus.Bus, logger *logging.Logger, recorder ...*history.Recorder) *RoomServer {
	if logger == nil {
		logger = logging.GetLogger()
	}
	var hist *history.Recorder
	if len(recorder) > 0 {
		hist = recorder[0]
	}
	rs := &RoomServer{
		opts:      opts,
		tokens:    tokens,
		busClient: busClient,
		logger:    logger.Named("roomserver").With("publicUrl", opts.PublicURL),
		history:   hist,
		rooms:     make(map[string]*Room),
	}

	if busClient != nil {
		rs.subscribeBus()
	}

	ctx, cancel := context.WithCancel(context.Background())
	rs.pingCancel = cancel
	go rs.pingLoop(ctx)

	return rs
}

func (rs *RoomServer) subscribeBus() {
	if unsub, err := rs.busClient.Subscribe(context.Background(), "broadcast", rs.handleBusBroadcast); err == nil {
		rs.unsubs = append(rs.unsubs, unsub)
	} else {
		rs.logger.Warn("failed to subscribe to broadcast", "error", err.Error())
	}

	subject := "rooms." + rs.opts.PublicURL
	if unsub, err := rs.busClient.Subscribe(context.Background(), subject, rs.handleRoomsRequest); err == nil {
		rs.unsubs = append(rs.unsubs, unsub)
	} else {
		rs.logger.Warn("failed to subscribe to rooms request", "error", err.Error())
	}
}

func (rs *RoomServer) handleBusBroadcast(msg bus.Message) {
	rs.mu.Lock()
	listeners := append([]func([]byte)(nil), rs.broadcastListeners...)
	rs.mu.Unlock()
	for _, l := range listeners {
		l(msg.Payload)
	}
}

// handleRoomsRequest answers a "rooms.<publicUrl>" bus request with the
// current room list, per spec §4.2/§6. The request envelope is decoded by
// bus.DecodeRequest and the reply published back on its ReplySubject.
func (rs *RoomServer) handleRoomsRequest(msg bus.Message) {
	replySubject, _, err := bus.DecodeRequest(msg)
	if err != nil {
		return
	}

	rs.mu.Lock()
	rooms := make([]*Room, 0, len(rs.rooms))
	for _, room := range rs.rooms {
		rooms = append(rooms, room)
	}
	rs.mu.Unlock()

	reply := make(wire.RoomsReply, len(rooms))
	for _, room := range rooms {
		reply[room.ID] = room.Snapshot(rs.opts.SyncClients)
	}

	if err := rs.busClient.Reply(context.Background(), replySubject, reply); err != nil {
		rs.logger.Warn("failed to reply to rooms request", "error", err.Error())
	}
}

// pingLoop publishes {publicUrl, clientCount, reset} once a second. The
// very first tick sets reset=true so discovery nodes discard any stale
// mirror of this publicUrl left over from a prior process.
func (rs *RoomServer) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	first := true
	for {
		rs.publishPing(first)
		first = false
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (rs *RoomServer) publishPing(reset bool) {
	if rs.busClient == nil {
		return
	}
	rs.mu.Lock()
	count := rs.clientCount
	rs.mu.Unlock()

	payload := wire.PingPayload{PublicURL: rs.opts.PublicURL, ClientCount: count, Reset: reset}
	if err := rs.busClient.Publish(context.Background(), "ping", payload); err != nil {
		rs.logger.Warn("failed to publish ping", "error", err.Error())
	}
}

func (rs *RoomServer) publishEvent(evt wire.RSEvent) {
	if rs.busClient == nil || !rs.opts.SyncRooms {
		return
	}
	evt.PublicURL = rs.opts.PublicURL
	if err := rs.busClient.Publish(context.Background(), "rs.event", evt); err != nil {
		rs.logger.Warn("failed to publish rs.event", "error", err.Error(), "subject", evt.Subject)
	}
}

// AddBroadcastListener registers a callback invoked for every payload
// received on the "broadcast" bus subject, re-emitted locally per spec
// §4.2.
func (rs *RoomServer) AddBroadcastListener(fn func([]byte)) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.broadcastListeners = append(rs.broadcastListeners, fn)
}

// Broadcast publishes msg on the "broadcast" subject.
func (rs *RoomServer) Broadcast(msg any) error {
	if rs.busClient == nil {
		return nil
	}
	return rs.busClient.Publish(context.Background(), "broadcast", msg)
}

// ClientCount returns Σ|Room.clients| across every room this server owns.
func (rs *RoomServer) ClientCount() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.clientCount
}

// Accept runs the full per-connection accept path from spec §4.2 against
// an already-upgraded socket. It blocks for the life of the connection;
// callers run it in its own goroutine per accepted socket.
func (rs *RoomServer) Accept(sock transport.Socket) {
	_, data, err := sock.ReadMessage()
	if err != nil {
		_ = sock.Close()
		return
	}

	claims, err := rs.tokens.Verify(string(data))
	if err != nil {
		rs.rejectAuth(sock, ferrors.ErrAuthFailed.Error())
		return
	}

	if claims.PublicURL != rs.opts.PublicURL {
		rs.rejectAuth(sock, ferrors.ErrWrongServer.Error())
		return
	}

	room, err := rs.resolveRoom(claims)
	if err != nil {
		rs.rejectAuth(sock, err.Error())
		return
	}

	client := NewClient(claims.ClientID, claims.ClientProperties, sock)
	sock.SetPongHandler(func(string) error {
		room.NotifyPong(client.ID)
		return nil
	})

	if !room.TryJoin(client) {
		rs.rejectAuth(sock, ferrors.ErrAlreadyConnected.Error())
		return
	}

	rs.readLoop(room, client, sock)
}

func (rs *RoomServer) rejectAuth(sock transport.Socket, message string) {
	_ = transport.SendError(sock, "Authentication Failed", message)
	_ = sock.Close()
}

// resolveRoom implements spec §4.2 step 4: reuse an existing room
// (ignoring the token's roomProperties — first writer wins) or create one
// using the token's roomProperties and the server's default room options.
// A joinOnly token presented against a not-yet-existing room is rejected,
// per this fleet's enforced reading of spec §9's open question.
func (rs *RoomServer) resolveRoom(claims *token.Claims) (*Room, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if existing, ok := rs.rooms[claims.RoomID]; ok {
		return existing, nil
	}

	if claims.JoinOnly {
		return nil, ferrors.ErrJoinOnlyViolation
	}

	if rs.stopped {
		return nil, ferrors.ErrAuthFailed
	}

	room := NewRoom(claims.RoomID, rs.opts.PublicURL, claims.RoomProperties, rs.opts.DefaultRoomOptions, rs.logger, rs.roomListener)
	rs.rooms[claims.RoomID] = room
	roomsGauge.Inc()

	rs.publishEvent(wire.RSEvent{
		RoomID:     room.ID,
		Subject:    wire.EventNewRoom,
		Properties: claims.RoomProperties,
	})
	rs.history.Record(history.NewRecord(history.EventRoomCreated, rs.opts.PublicURL).WithRoom(room.ID))

	return room, nil
}

// roomListener is registered on every Room this server creates. It is the
// single place RS-level bookkeeping (clientCount, bus mirroring, empty
// room GC) reacts to Room state changes, regardless of whether they came
// from a normal disconnect, heartbeat eviction, or a send failure.
func (rs *RoomServer) roomListener(evt RoomEvent) {
	switch evt.Type {
	case EventJoined:
		rs.mu.Lock()
		rs.clientCount++
		rs.mu.Unlock()
		clientsGauge.Inc()
		if rs.opts.SyncClients {
			rs.publishEvent(wire.RSEvent{
				RoomID:  evt.Room.ID,
				Subject: wire.EventRoomJoined,
				Client:  clientSummaryPtr(evt.Client),
			})
		}
		rs.history.Record(history.NewRecord(history.EventClientJoined, rs.opts.PublicURL).
			WithRoom(evt.Room.ID).WithClient(clientID(evt.Client)))

	case EventLeft:
		rs.mu.Lock()
		rs.clientCount--
		rs.mu.Unlock()
		clientsGauge.Dec()
		if rs.opts.SyncClients {
			rs.publishEvent(wire.RSEvent{
				RoomID:  evt.Room.ID,
				Subject: wire.EventRoomLeft,
				Client:  clientSummaryPtr(evt.Client),
			})
		}
		rs.history.Record(history.NewRecord(history.EventClientLeft, rs.opts.PublicURL).
			WithRoom(evt.Room.ID).WithClient(clientID(evt.Client)))
		if evt.Remaining == 0 && !evt.Room.opts.KeepAlive {
			evt.Room.Terminate()
		}

	case EventTerminated:
		rs.mu.Lock()
		delete(rs.rooms, evt.Room.ID)
		rs.mu.Unlock()
		roomsGauge.Dec()
		rs.publishEvent(wire.RSEvent{RoomID: evt.Room.ID, Subject: wire.EventRoomRemoved})
		rs.history.Record(history.NewRecord(history.EventRoomRemoved, rs.opts.PublicURL).WithRoom(evt.Room.ID))
	}
}

func clientSummaryPtr(c *Client) *wire.ClientSummary {
	if c == nil {
		return nil
	}
	s := c.Summary()
	return &s
}

func clientID(c *Client) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func (rs *RoomServer) readLoop(room *Room, client *Client, sock transport.Socket) {
	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			break
		}
		room.HandleClientMessage(client.ID, data)
	}
	room.Leave(client.ID)
}

// Shutdown stops accepting new bus traffic, tears down every room
// (disconnecting their members), stops the ping loop, and publishes
// rs.stop so discovery nodes evict this server immediately instead of
// waiting for a ping timeout, per spec §4.2.
func (rs *RoomServer) Shutdown(ctx context.Context) error {
	rs.mu.Lock()
	if rs.stopped {
		rs.mu.Unlock()
		return nil
	}
	rs.stopped = true
	rooms := make([]*Room, 0, len(rs.rooms))
	for _, room := range rs.rooms {
		rooms = append(rooms, room)
	}
	rs.mu.Unlock()

	for _, room := range rooms {
		room.Terminate()
	}
	for _, room := range rooms {
		select {
		case <-room.Done():
		case <-ctx.Done():
			return fmt.Errorf("roomserver: shutdown: %w", ctx.Err())
		}
	}

	rs.pingCancel()

	if rs.busClient != nil {
		if err := rs.busClient.Publish(context.Background(), "rs.stop", rs.opts.PublicURL); err != nil {
			rs.logger.Warn("failed to publish rs.stop", "error", err.Error())
		}
		for _, unsub := range rs.unsubs {
			unsub()
		}
	}

	return nil
}
