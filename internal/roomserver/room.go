package roomserver

import (
	"time"

	"go.roomfleet.dev/fleet/internal/logging"
	"go.roomfleet.dev/fleet/internal/wire"
)

// RoomOptions configures a Room's heartbeat and lifecycle behavior,
// immutable for the life of the Room, per spec §3.
type RoomOptions struct {
	// PingInterval is the per-room heartbeat period. Zero disables the
	// heartbeat entirely.
	PingInterval time.Duration
	// MissedPingsLimit is the number of consecutive unanswered pings
	// before a client is evicted. Defaults to 1 if zero/negative.
	MissedPingsLimit int
	// KeepAlive keeps an empty room alive instead of letting its owning
	// RoomServer garbage-collect it.
	KeepAlive bool
}

func (o RoomOptions) normalized() RoomOptions {
	if o.MissedPingsLimit <= 0 {
		o.MissedPingsLimit = 1
	}
	return o
}

type joinCmd struct {
	client *Client
	reply  chan bool // nil for fire-and-forget Join
}
type leaveCmd struct{ clientID string }
type sendCmd struct{ data []byte }
type sendToCmd struct {
	clientID string
	data     []byte
}
type clientMessageCmd struct {
	clientID string
	data     []byte
}
type snapshotQuery struct{ reply chan wire.RoomSummary }
type countQuery struct{ reply chan int }

// Room is a named group of clients on one RoomServer, per spec §4.1. All
// mutable state is owned by a single goroutine (run); every exported
// method merely sends a command and, where a result is needed, waits on a
// reply channel — the same hub/run-loop shape used throughout the example
// corpus (one goroutine per stateful instance, driven by buffered
// channels) and required by spec §5's per-instance serialization rule.
type Room struct {
	ID         string
	PublicURL  string
	properties map[string]any
	opts       RoomOptions
	logger     *logging.Logger

	clients   map[string]*Client
	listeners []RoomListener

	joinCh          chan joinCmd
	leaveCh         chan leaveCmd
	sendCh          chan sendCmd
	sendToCh        chan sendToCmd
	sendToOthersCh  chan sendToCmd
	clientMessageCh chan clientMessageCmd
	pongCh          chan string
	clearPingCh     chan struct{}
	terminateCh     chan struct{}
	snapshotCh      chan snapshotQuery
	countCh         chan countQuery

	done chan struct{}
}

// NewRoom constructs and starts a Room. listeners are registered before
// the run loop starts, so there is no race with the first join.
func NewRoom(id, publicURL string, properties map[string]any, opts RoomOptions, logger *logging.Logger, listeners ...RoomListener) *Room {
	if logger == nil {
		logger = logging.GetLogger()
	}
	r := &Room{
		ID:         id,
		PublicURL:  publicURL,
		properties: properties,
		opts:       opts.normalized(),
		logger:     logger.Named("room").With("roomId", id),

		clients:   make(map[string]*Client),
		listeners: append([]RoomListener(nil), listeners...),

		joinCh:          make(chan joinCmd, 16),
		leaveCh:         make(chan leaveCmd, 16),
		sendCh:          make(chan sendCmd, 16),
		sendToCh:        make(chan sendToCmd, 16),
		sendToOthersCh:  make(chan sendToCmd, 16),
		clientMessageCh: make(chan clientMessageCmd, 16),
		pongCh:          make(chan string, 16),
		clearPingCh:     make(chan struct{}, 1),
		terminateCh:     make(chan struct{}, 1),
		snapshotCh:      make(chan snapshotQuery),
		countCh:         make(chan countQuery),

		done: make(chan struct{}),
	}
	go r.run()
	return r
}

// Done returns a channel closed once the Room's run loop has exited
// (always preceded by a "terminated" event), useful for goroutine-leak
// tests and for a RoomServer to know teardown has completed.
func (r *Room) Done() <-chan struct{} { return r.done }

// Join admits client into the room, per spec §4.1: a no-op if the id is
// already present, otherwise inserts and emits EventJoined. Never fails.
func (r *Room) Join(client *Client) { r.joinCh <- joinCmd{client: client} }

// TryJoin admits client and reports whether the insert happened (false
// means a client with that id was already present) — the synchronous
// result a RoomServer needs to implement spec §4.2 step 5's duplicate-id
// rejection.
func (r *Room) TryJoin(client *Client) bool {
	reply := make(chan bool, 1)
	select {
	case r.joinCh <- joinCmd{client: client, reply: reply}:
		return <-reply
	case <-r.done:
		return false
	}
}

// Leave removes clientID if present, emitting EventLeft and disconnecting
// the client. A no-op if the id is absent.
func (r *Room) Leave(clientID string) { r.leaveCh <- leaveCmd{clientID: clientID} }

// Send broadcasts data to every member, best-effort: a per-client write
// failure terminates only that client.
func (r *Room) Send(data []byte) { r.sendCh <- sendCmd{data: data} }

// SendTo writes data to one member, verified by id at call time.
func (r *Room) SendTo(clientID string, data []byte) {
	r.sendToCh <- sendToCmd{clientID: clientID, data: data}
}

// SendToOthers writes data to every member except clientID.
func (r *Room) SendToOthers(clientID string, data []byte) {
	r.sendToOthersCh <- sendToCmd{clientID: clientID, data: data}
}

// HandleClientMessage is called by a RoomServer's per-client read loop for
// every post-authentication frame: it fires EventMessage for observers and
// relays the frame verbatim to the room's other members, per spec §6
// ("thereafter frames are opaque application messages, relayed verbatim").
func (r *Room) HandleClientMessage(clientID string, data []byte) {
	r.clientMessageCh <- clientMessageCmd{clientID: clientID, data: data}
}

// NotifyPong resets clientID's missed-ping counter. Called from the
// socket's pong handler.
func (r *Room) NotifyPong(clientID string) {
	select {
	case r.pongCh <- clientID:
	default:
	}
}

// Terminate disconnects every member and emits EventTerminated, then stops
// the run loop. Does not itself remove the Room from its RoomServer — the
// RoomServer reacts to EventTerminated to finish the teardown, per spec
// §4.1.
func (r *Room) Terminate() {
	select {
	case r.terminateCh <- struct{}{}:
	default:
	}
}

// ClearPingInterval stops the heartbeat timer. Idempotent.
func (r *Room) ClearPingInterval() {
	select {
	case r.clearPingCh <- struct{}{}:
	default:
	}
}

// Snapshot returns the current RoomSummary, with or without the client
// roster depending on includeClients — used for the "rooms.<url>" bus
// reply.
func (r *Room) Snapshot(includeClients bool) wire.RoomSummary {
	reply := make(chan wire.RoomSummary, 1)
	select {
	case r.snapshotCh <- snapshotQuery{reply: reply}:
		summary := <-reply
		if !includeClients {
			summary.Clients = nil
		}
		return summary
	case <-r.done:
		return wire.RoomSummary{ID: r.ID, PublicURL: r.PublicURL}
	}
}

// ClientCount returns the current member count.
func (r *Room) ClientCount() int {
	reply := make(chan int, 1)
	select {
	case r.countCh <- countQuery{reply: reply}:
		return <-reply
	case <-r.done:
		return 0
	}
}

func (r *Room) emit(evt RoomEvent) {
	evt.Room = r
	for _, l := range r.listeners {
		l(evt)
	}
}

// run is the Room's single command loop: every mutation to r.clients
// happens here, and only here, satisfying spec §5's per-instance
// serialization requirement without a coarse mutex.
func (r *Room) run() {
	defer close(r.done)

	var pingTicker *time.Ticker
	var pingC <-chan time.Time
	if r.opts.PingInterval > 0 {
		pingTicker = time.NewTicker(r.opts.PingInterval)
		pingC = pingTicker.C
		defer pingTicker.Stop()
	}

	for {
		select {
		case cmd := <-r.joinCh:
			inserted := r.handleJoin(cmd.client)
			if cmd.reply != nil {
				cmd.reply <- inserted
			}
		case cmd := <-r.leaveCh:
			r.handleLeave(cmd.clientID)
		case cmd := <-r.sendCh:
			r.handleSend(cmd.data)
		case cmd := <-r.sendToCh:
			r.handleSendTo(cmd.clientID, cmd.data)
		case cmd := <-r.sendToOthersCh:
			r.handleSendToOthers(cmd.clientID, cmd.data)
		case cmd := <-r.clientMessageCh:
			r.handleClientMessage(cmd.clientID, cmd.data)
		case clientID := <-r.pongCh:
			if c, ok := r.clients[clientID]; ok {
				c.missedPings = 0
			}
		case <-r.clearPingCh:
			if pingTicker != nil {
				pingTicker.Stop()
				pingC = nil
			}
		case <-pingC:
			r.handleHeartbeatTick()
		case q := <-r.snapshotCh:
			q.reply <- r.handleSnapshot()
		case q := <-r.countCh:
			q.reply <- len(r.clients)
		case <-r.terminateCh:
			r.handleTerminate()
			return
		}
	}
}

func (r *Room) handleJoin(client *Client) bool {
	if _, exists := r.clients[client.ID]; exists {
		return false
	}
	r.clients[client.ID] = client
	r.emit(RoomEvent{Type: EventJoined, Client: client})
	return true
}

func (r *Room) handleLeave(clientID string) {
	client, exists := r.clients[clientID]
	if !exists {
		return
	}
	delete(r.clients, clientID)
	r.emit(RoomEvent{Type: EventLeft, Client: client, Remaining: len(r.clients)})
	_ = client.disconnect()
}

func (r *Room) handleSend(data []byte) {
	for id, c := range r.clients {
		if err := c.write(data); err != nil {
			r.evictClient(id, c)
		}
	}
}

func (r *Room) handleSendTo(clientID string, data []byte) {
	c, ok := r.clients[clientID]
	if !ok {
		return
	}
	if err := c.write(data); err != nil {
		r.evictClient(clientID, c)
	}
}

func (r *Room) handleSendToOthers(clientID string, data []byte) {
	for id, c := range r.clients {
		if id == clientID {
			continue
		}
		if err := c.write(data); err != nil {
			r.evictClient(id, c)
		}
	}
}

func (r *Room) handleClientMessage(clientID string, data []byte) {
	if c, ok := r.clients[clientID]; ok {
		r.emit(RoomEvent{Type: EventMessage, Client: c, Message: data})
	}
	r.handleSendToOthers(clientID, data)
}

// handleHeartbeatTick implements spec §4.1's heartbeat algorithm: evict
// anyone already at the missed-pings limit, otherwise increment and ping.
func (r *Room) handleHeartbeatTick() {
	for id, c := range r.clients {
		if c.missedPings >= r.opts.MissedPingsLimit {
			r.evictClient(id, c)
			continue
		}
		c.missedPings++
		if err := c.ping(); err != nil {
			r.evictClient(id, c)
		}
	}
}

// evictClient performs a forced close: remove, emit EventLeft, disconnect.
// Used by send failures and heartbeat exhaustion alike — both degrade to
// the same per-client eviction, per spec §7.
func (r *Room) evictClient(id string, c *Client) {
	delete(r.clients, id)
	r.emit(RoomEvent{Type: EventLeft, Client: c, Remaining: len(r.clients)})
	_ = c.disconnect()
}

func (r *Room) handleSnapshot() wire.RoomSummary {
	summary := wire.RoomSummary{
		ID:         r.ID,
		PublicURL:  r.PublicURL,
		Properties: r.properties,
		Clients:    make(map[string]wire.ClientSummary, len(r.clients)),
	}
	for id, c := range r.clients {
		summary.Clients[id] = c.Summary()
	}
	return summary
}

// handleTerminate disconnects every remaining member. Invariant #4 (every
// joined is matched by a left before the Room is destroyed) still holds
// here: each member gets its EventLeft before the final EventTerminated.
func (r *Room) handleTerminate() {
	for id, c := range r.clients {
		delete(r.clients, id)
		r.emit(RoomEvent{Type: EventLeft, Client: c, Remaining: len(r.clients)})
		_ = c.disconnect()
	}
	r.emit(RoomEvent{Type: EventTerminated})
}
