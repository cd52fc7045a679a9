package discovery

import (
	"time"

	"go.roomfleet.dev/fleet/internal/wire"
)

// Record mirrors one remote RoomServer, per spec §3/§4.3. Only Discovery's
// own run loop ever mutates a Record; callers only ever see copies handed
// back over a query channel.
type Record struct {
	PublicURL   string
	ClientCount int
	Rooms       map[string]wire.RoomSummary
	LastPing    time.Time
}

func newRecord(publicURL string) *Record {
	return &Record{PublicURL: publicURL, Rooms: make(map[string]wire.RoomSummary)}
}

func (r *Record) clone() Record {
	rooms := make(map[string]wire.RoomSummary, len(r.Rooms))
	for id, summary := range r.Rooms {
		if summary.Clients != nil {
			clients := make(map[string]wire.ClientSummary, len(summary.Clients))
			for clientID, client := range summary.Clients {
				clients[clientID] = client
			}
			summary.Clients = clients
		}
		rooms[id] = summary
	}
	return Record{PublicURL: r.PublicURL, ClientCount: r.ClientCount, Rooms: rooms, LastPing: r.LastPing}
}
