package discovery

import "go.roomfleet.dev/fleet/internal/wire"

// Discovery's own notification kinds, delivered to local Listeners as the
// mirror changes. Distinct from the rs.event bus subjects that drive the
// ingest side (wire.EventNewRoom etc.) — these are what Discovery emits
// after applying an ingested change, not what it consumes.
const (
	EventNewServer     = "newServer"
	EventServerRemoved = "serverRemoved"
	EventNewRoom       = "newRoom"
	EventRoomRemoved   = "roomRemoved"
	EventRoomJoined    = "roomJoined"
	EventRoomLeft      = "roomLeft"
)

// Event is delivered synchronously, on Discovery's own run loop, the same
// way roomserver.RoomEvent is delivered on a Room's loop.
type Event struct {
	Type      string
	PublicURL string
	RoomID    string
	Client    *wire.ClientSummary
}

// Listener observes Discovery's mirror changes. MUST NOT block or call
// back into Discovery's query methods synchronously.
type Listener func(Event)
