package roomserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.roomfleet.dev/fleet/pkg/transport"
)

func TestClient_SummaryExposesIDAndProperties(t *testing.T) {
	props := map[string]any{"name": "Alice"}
	c := NewClient("alice", props, newFakeSocket())

	summary := c.Summary()
	assert.Equal(t, "alice", summary.ID)
	assert.Equal(t, props, summary.Properties)
}

func TestClient_DisconnectClosesSocket(t *testing.T) {
	sock := newFakeSocket()
	c := NewClient("alice", nil, sock)

	assert.NoError(t, c.disconnect())
	assert.True(t, sock.IsClosed())
}

func TestClient_PingWritesPingFrame(t *testing.T) {
	sock := newFakeSocket()
	c := NewClient("alice", nil, sock)

	assert.NoError(t, c.ping())
	assert.Equal(t, 1, sock.pingCount())
}

func TestClient_WriteFailsOnClosedSocket(t *testing.T) {
	sock := newFakeSocket()
	c := NewClient("alice", nil, sock)
	_ = sock.Close()

	err := c.write([]byte("hi"))
	assert.ErrorIs(t, err, transport.ErrConnectionClosed)
}
