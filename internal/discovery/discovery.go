// Package discovery implements the eventually-consistent fleet-wide mirror
// described in spec §4.3: every RoomServer's periodic ping and rs.event
// lifecycle notifications are ingested here and exposed for token issuance
// and load-balanced server selection.
package discovery

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"

	"go.roomfleet.dev/fleet/internal/bus"
	"go.roomfleet.dev/fleet/internal/history"
	"go.roomfleet.dev/fleet/internal/logging"
	"go.roomfleet.dev/fleet/internal/token"
	"go.roomfleet.dev/fleet/internal/wire"
)

// DefaultServerTimeout is the ping-age past which a server record is
// considered dead, per spec §3/§4.3.
const DefaultServerTimeout = 5 * time.Second

// serversGauge tracks the number of room servers currently mirrored;
// pingsIngested counts every ping processed, mirroring the bus package's
// breakerStateGauge registration shape.
var (
	serversGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roomfleet_discovery_servers",
		Help: "Number of room servers currently mirrored by this discovery process.",
	})
	pingsIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roomfleet_discovery_pings_ingested_total",
		Help: "Total number of room-server pings ingested.",
	})
)

func init() {
	prometheus.MustRegister(serversGauge, pingsIngested)
}

const roomsRequestTimeout = 2 * time.Second

type recordQuery struct {
	publicURL string
	reply     chan recordResult
}

type recordResult struct {
	record Record
	ok     bool
}

type leastLoadedQuery struct {
	reply chan recordResult
}

type snapshotQuery struct {
	reply chan []Record
}

type roomsReplyMsg struct {
	publicURL string
	rooms     wire.RoomsReply
	ok        bool
}

// Options configures a Discovery instance.
type Options struct {
	ServerTimeout time.Duration
}

func (o Options) normalized() Options {
	if o.ServerTimeout <= 0 {
		o.ServerTimeout = DefaultServerTimeout
	}
	return o
}

// Discovery is the singleton per-process aggregator described in spec
// §4.3. All mirror state lives in the records map, owned exclusively by
// run — the same actor shape roomserver.Room uses for its client set.
type Discovery struct {
	opts      Options
	tokens    *token.Provider
	busClient bus.Bus
	logger    *logging.Logger
	history   *history.Recorder

	listeners []Listener
	records   map[string]*Record

	pingCh        chan wire.PingPayload
	rsEventCh     chan wire.RSEvent
	rsStopCh      chan string
	roomsReplyCh  chan roomsReplyMsg
	recordCh      chan recordQuery
	leastCh       chan leastLoadedQuery
	snapshotCh    chan snapshotQuery

	unsubs []func()
	cancel context.CancelFunc
	done   chan struct{}

	stopOnce sync.Once
}

// New constructs, subscribes, and starts a Discovery instance.
// busClient must be non-nil: a Discovery with no bus has no way to mirror
// anything. recorder may be nil, which silently no-ops every history
// write.
func New(opts Options, tokens *token.Provider, busClient bus.Bus, logger *logging.Logger, recorder *history.Recorder, listeners ...Listener) *Discovery {
	if logger == nil {
		logger = logging.GetLogger()
	}
	d := &Discovery{
		opts:      opts.normalized(),
		tokens:    tokens,
		busClient: busClient,
		logger:    logger.Named("discovery"),
		history:   recorder,
		listeners: append([]Listener(nil), listeners...),
		records:   make(map[string]*Record),

		pingCh:       make(chan wire.PingPayload, 64),
		rsEventCh:    make(chan wire.RSEvent, 64),
		rsStopCh:     make(chan string, 16),
		roomsReplyCh: make(chan roomsReplyMsg, 16),
		recordCh:     make(chan recordQuery),
		leastCh:      make(chan leastLoadedQuery),
		snapshotCh:   make(chan snapshotQuery),

		done: make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.subscribeBus(ctx)
	go d.run(ctx)

	return d
}

func (d *Discovery) subscribeBus(ctx context.Context) {
	subs := []struct {
		subject string
		handler bus.Handler
	}{
		{"ping", d.onBusPing},
		{"rs.event", d.onBusRSEvent},
		{"rs.stop", d.onBusRSStop},
	}
	for _, s := range subs {
		unsub, err := d.busClient.Subscribe(ctx, s.subject, s.handler)
		if err != nil {
			d.logger.Warn("failed to subscribe", "subject", s.subject, "error", err.Error())
			continue
		}
		d.unsubs = append(d.unsubs, unsub)
	}
}

func (d *Discovery) onBusPing(msg bus.Message) {
	var payload wire.PingPayload
	if err := decode(msg, &payload); err != nil {
		return
	}
	select {
	case d.pingCh <- payload:
	case <-d.done:
	}
}

func (d *Discovery) onBusRSEvent(msg bus.Message) {
	var evt wire.RSEvent
	if err := decode(msg, &evt); err != nil {
		return
	}
	select {
	case d.rsEventCh <- evt:
	case <-d.done:
	}
}

func (d *Discovery) onBusRSStop(msg bus.Message) {
	var publicURL string
	if err := decode(msg, &publicURL); err != nil {
		return
	}
	select {
	case d.rsStopCh <- publicURL:
	case <-d.done:
	}
}

// GenerateToken signs a join token, per spec §4.3. Pure and stateless with
// respect to the mirror, so it bypasses the run loop entirely.
func (d *Discovery) GenerateToken(opts token.GenerateOptions) (string, error) {
	return d.tokens.Generate(opts)
}

// GetClientCount looks up publicUrl's last-reported client count.
func (d *Discovery) GetClientCount(publicURL string) (int, bool) {
	reply := make(chan recordResult, 1)
	select {
	case d.recordCh <- recordQuery{publicURL: publicURL, reply: reply}:
	case <-d.done:
		return 0, false
	}
	result := <-reply
	return result.record.ClientCount, result.ok
}

// GetLeastLoadedServer performs the linear min-scan by ClientCount
// described in spec §4.3; ties go to the record with the lexicographically
// smallest PublicURL, so the choice is deterministic for a given mirror.
func (d *Discovery) GetLeastLoadedServer() (Record, bool) {
	reply := make(chan recordResult, 1)
	select {
	case d.leastCh <- leastLoadedQuery{reply: reply}:
	case <-d.done:
		return Record{}, false
	}
	result := <-reply
	return result.record, result.ok
}

// Snapshot returns a copy of every mirrored server record.
func (d *Discovery) Snapshot() []Record {
	reply := make(chan []Record, 1)
	select {
	case d.snapshotCh <- snapshotQuery{reply: reply}:
	case <-d.done:
		return nil
	}
	return <-reply
}

// Broadcast publishes msg on the "broadcast" subject.
func (d *Discovery) Broadcast(msg any) error {
	return d.busClient.Publish(context.Background(), "broadcast", msg)
}

func (d *Discovery) emit(evt Event) {
	for _, l := range d.listeners {
		l(evt)
	}
}

func (d *Discovery) run(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.opts.ServerTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case payload := <-d.pingCh:
			d.handlePing(ctx, payload)

		case evt := <-d.rsEventCh:
			d.handleRSEvent(evt)

		case publicURL := <-d.rsStopCh:
			d.evictServer(publicURL)

		case reply := <-d.roomsReplyCh:
			d.handleRoomsReply(reply)

		case <-ticker.C:
			d.checkLiveness()

		case q := <-d.recordCh:
			rec, ok := d.records[q.publicURL]
			if ok {
				q.reply <- recordResult{record: rec.clone(), ok: true}
			} else {
				q.reply <- recordResult{}
			}

		case q := <-d.leastCh:
			q.reply <- d.leastLoaded()

		case q := <-d.snapshotCh:
			out := make([]Record, 0, len(d.records))
			for _, rec := range d.records {
				out = append(out, rec.clone())
			}
			q.reply <- out
		}
	}
}

func (d *Discovery) leastLoaded() recordResult {
	if len(d.records) == 0 {
		return recordResult{}
	}
	recs := make([]*Record, 0, len(d.records))
	for _, rec := range d.records {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].PublicURL < recs[j].PublicURL })
	best := lo.MinBy(recs, func(a, b *Record) bool { return a.ClientCount < b.ClientCount })
	return recordResult{record: best.clone(), ok: true}
}

// handlePing implements spec §4.3's ping ingest: reset drops any existing
// record first; known servers are updated in place; unknown servers are
// created, emit newServer, and trigger an async rooms.<publicUrl> request
// to backfill the room mirror without blocking the run loop.
func (d *Discovery) handlePing(ctx context.Context, payload wire.PingPayload) {
	pingsIngested.Inc()
	if payload.Reset {
		delete(d.records, payload.PublicURL)
	}

	rec, known := d.records[payload.PublicURL]
	if known {
		rec.ClientCount = payload.ClientCount
		rec.LastPing = time.Now()
		return
	}

	rec = newRecord(payload.PublicURL)
	rec.ClientCount = payload.ClientCount
	rec.LastPing = time.Now()
	d.records[payload.PublicURL] = rec
	serversGauge.Inc()
	d.emit(Event{Type: EventNewServer, PublicURL: payload.PublicURL})
	d.history.Record(history.NewRecord(history.EventServerSeen, payload.PublicURL))

	go d.requestRooms(ctx, payload.PublicURL)
}

func (d *Discovery) requestRooms(ctx context.Context, publicURL string) {
	reqCtx, cancel := context.WithTimeout(ctx, roomsRequestTimeout)
	defer cancel()

	var reply wire.RoomsReply
	err := d.busClient.Request(reqCtx, "rooms."+publicURL, nil, &reply)
	msg := roomsReplyMsg{publicURL: publicURL, ok: err == nil, rooms: reply}
	select {
	case d.roomsReplyCh <- msg:
	case <-d.done:
	}
}

func (d *Discovery) handleRoomsReply(msg roomsReplyMsg) {
	if !msg.ok {
		return
	}
	rec, known := d.records[msg.publicURL]
	if !known {
		return
	}
	for id, summary := range msg.rooms {
		rec.Rooms[id] = summary
	}
}

// handleRSEvent implements spec §4.3's rs.event ingest. An event
// referencing an unknown publicUrl is dropped outright — the ping path is
// the sole authority for server existence.
func (d *Discovery) handleRSEvent(evt wire.RSEvent) {
	rec, known := d.records[evt.PublicURL]
	if !known {
		return
	}

	switch evt.Subject {
	case wire.EventNewRoom:
		if _, exists := rec.Rooms[evt.RoomID]; !exists {
			rec.Rooms[evt.RoomID] = wire.RoomSummary{
				ID:         evt.RoomID,
				PublicURL:  evt.PublicURL,
				Properties: evt.Properties,
				Clients:    make(map[string]wire.ClientSummary),
			}
			d.emit(Event{Type: EventNewRoom, PublicURL: evt.PublicURL, RoomID: evt.RoomID})
		}

	case wire.EventRoomRemoved:
		room, exists := rec.Rooms[evt.RoomID]
		if !exists {
			return
		}
		for _, client := range room.Clients {
			d.emit(Event{Type: EventRoomLeft, PublicURL: evt.PublicURL, RoomID: evt.RoomID, Client: &client})
		}
		delete(rec.Rooms, evt.RoomID)
		d.emit(Event{Type: EventRoomRemoved, PublicURL: evt.PublicURL, RoomID: evt.RoomID})

	case wire.EventRoomJoined:
		room, exists := rec.Rooms[evt.RoomID]
		if !exists || evt.Client == nil {
			return
		}
		if room.Clients == nil {
			room.Clients = make(map[string]wire.ClientSummary)
		}
		room.Clients[evt.Client.ID] = *evt.Client
		rec.Rooms[evt.RoomID] = room
		d.emit(Event{Type: EventRoomJoined, PublicURL: evt.PublicURL, RoomID: evt.RoomID, Client: evt.Client})

	case wire.EventRoomLeft:
		room, exists := rec.Rooms[evt.RoomID]
		if !exists || evt.Client == nil {
			return
		}
		delete(room.Clients, evt.Client.ID)
		rec.Rooms[evt.RoomID] = room
		d.emit(Event{Type: EventRoomLeft, PublicURL: evt.PublicURL, RoomID: evt.RoomID, Client: evt.Client})
	}
}

func (d *Discovery) checkLiveness() {
	now := time.Now()
	var stale []string
	for publicURL, rec := range d.records {
		if now.Sub(rec.LastPing) > d.opts.ServerTimeout {
			stale = append(stale, publicURL)
		}
	}
	for _, publicURL := range stale {
		d.evictServer(publicURL)
	}
}

// evictServer tears down every mirrored room of publicURL (emitting
// roomLeft per client, roomRemoved per room), then removes the server
// record and emits serverRemoved. Used by both rs.stop and the liveness
// loop, per spec §4.3.
func (d *Discovery) evictServer(publicURL string) {
	rec, known := d.records[publicURL]
	if !known {
		return
	}
	for roomID, room := range rec.Rooms {
		for _, client := range room.Clients {
			d.emit(Event{Type: EventRoomLeft, PublicURL: publicURL, RoomID: roomID, Client: &client})
		}
		d.emit(Event{Type: EventRoomRemoved, PublicURL: publicURL, RoomID: roomID})
	}
	delete(d.records, publicURL)
	serversGauge.Dec()
	d.emit(Event{Type: EventServerRemoved, PublicURL: publicURL})
	d.history.Record(history.NewRecord(history.EventServerRemoved, publicURL))
}

// Stop is idempotent: unsubscribes from the bus and stops the run loop and
// liveness ticker without re-emitting eviction events for whatever was
// still mirrored, per spec §4.3 invariant (iii).
func (d *Discovery) Stop() {
	d.stopOnce.Do(func() {
		for _, unsub := range d.unsubs {
			unsub()
		}
		d.cancel()
		<-d.done
	})
}

func decode(msg bus.Message, v any) error {
	return json.Unmarshal(msg.Payload, v)
}
