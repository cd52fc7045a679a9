package roomserver

import (
	"go.roomfleet.dev/fleet/internal/wire"
	"go.roomfleet.dev/fleet/pkg/transport"
)

// Client represents one connected end user on one room server, per spec
// §3. Its missedPings counter is only ever touched from its owning Room's
// single command goroutine, so it needs no synchronization of its own.
type Client struct {
	ID         string
	Properties map[string]any

	socket transport.Socket

	missedPings int
}

// NewClient constructs a Client bound to an accepted socket. A Client
// cannot outlive its socket: Disconnect is the only way either is torn
// down.
func NewClient(id string, properties map[string]any, socket transport.Socket) *Client {
	return &Client{ID: id, Properties: properties, socket: socket}
}

// Summary returns the minimal projection exposed beyond the owning room
// server, per spec §3.
func (c *Client) Summary() wire.ClientSummary {
	return wire.ClientSummary{ID: c.ID, Properties: c.Properties}
}

// write sends a raw frame to the client's socket.
func (c *Client) write(data []byte) error {
	return c.socket.WriteMessage(transport.TextMessage, data)
}

// disconnect closes the client's socket. Idempotent, since
// transport.Connection.Close is idempotent.
func (c *Client) disconnect() error {
	return c.socket.Close()
}

// ping sends a WebSocket ping control frame, part of the per-room
// heartbeat probe described in spec §4.1.
func (c *Client) ping() error {
	return c.socket.WriteMessage(transport.PingMessage, nil)
}
