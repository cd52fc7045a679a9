// Package history provides a best-effort, Mongo-backed audit trail of
// fleet lifecycle events (servers, rooms, clients). It is a supplemental
// feature: nothing in internal/roomserver or internal/discovery depends
// on a write landing, and a slow or unreachable Mongo never blocks either
// process's hot path — grounded on the teacher's own tolerance of a
// secondary history write failing without aborting the primary one (see
// historyRepository.CreatePlayHistory's "Continue anyway, the play
// history was recorded").
package history

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Event type tags recorded for fleet lifecycle changes.
const (
	EventServerSeen    = "serverSeen"
	EventServerRemoved = "serverRemoved"
	EventRoomCreated   = "roomCreated"
	EventRoomRemoved   = "roomRemoved"
	EventClientJoined  = "clientJoined"
	EventClientLeft    = "clientLeft"
)

// Record is one row of the fleet event log.
type Record struct {
	ID        bson.ObjectID  `bson:"_id,omitempty"`
	Type      string         `bson:"type"`
	PublicURL string         `bson:"publicUrl"`
	RoomID    string         `bson:"roomId,omitempty"`
	ClientID  string         `bson:"clientId,omitempty"`
	Timestamp time.Time      `bson:"timestamp"`
	Details   map[string]any `bson:"details,omitempty"`
}

// NewRecord builds a Record for eventType/publicURL, stamped with the
// current time.
func NewRecord(eventType, publicURL string) Record {
	return Record{Type: eventType, PublicURL: publicURL, Timestamp: time.Now()}
}

// WithRoom returns a copy of r tagged with roomID.
func (r Record) WithRoom(roomID string) Record {
	r.RoomID = roomID
	return r
}

// WithClient returns a copy of r tagged with clientID.
func (r Record) WithClient(clientID string) Record {
	r.ClientID = clientID
	return r
}

// WithDetail returns a copy of r with an extra detail entry merged in.
func (r Record) WithDetail(key string, value any) Record {
	details := make(map[string]any, len(r.Details)+1)
	for k, v := range r.Details {
		details[k] = v
	}
	details[key] = value
	r.Details = details
	return r
}
