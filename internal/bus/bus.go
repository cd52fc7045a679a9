// Package bus implements the topic-based message bus that room servers and
// discovery use to mirror state and route join-token requests, per the
// fleet's external bus subjects: ping, rs.event, rs.stop, rooms.<publicUrl>,
// and broadcast.
package bus

import (
	"context"
	"encoding/json"
)

// Message is an inbound bus delivery: a subject and its raw JSON payload.
// Handlers unmarshal Payload into whatever shape the subject implies.
type Message struct {
	Subject string
	Payload json.RawMessage
}

// Handler processes one inbound message on a subject. A Handler that
// panics is recovered and logged by the Bus implementation; the
// subscription stays alive, matching spec §7's "bus callback threw: logged
// and swallowed".
type Handler func(Message)

// Bus is the subject-based publish/subscribe/request interface every
// RoomServer and Discovery instance depends on. Domain code never touches
// go-redis directly — only this interface — so a broken or absent bus
// degrades gracefully instead of panicking callers.
type Bus interface {
	// Publish sends payload (JSON-marshaled) on subject, fire-and-forget.
	// A circuit-broken bus silently drops the publish rather than erroring
	// the caller, per the "graceful local-only degradation" design.
	Publish(ctx context.Context, subject string, payload any) error

	// Subscribe registers handler for every message published on subject.
	// The returned func removes the subscription; it is safe to call once.
	Subscribe(ctx context.Context, subject string, handler Handler) (unsubscribe func(), err error)

	// Request publishes payload on subject and waits for exactly one reply,
	// unmarshaling it into reply. Returns ctx.Err() (or a timeout error) if
	// no reply arrives before ctx is done.
	Request(ctx context.Context, subject string, payload any, reply any) error

	// Reply publishes payload on a subject's reply topic, answering a
	// prior Request. See DecodeRequest for extracting replySubject from
	// the inbound Message.
	Reply(ctx context.Context, replySubject string, payload any) error

	// Close releases the bus's underlying connection.
	Close() error
}
