package roomserver

import (
	"sync"
	"time"

	"go.roomfleet.dev/fleet/pkg/transport"
)

// fakeSocket is a minimal, channel-driven transport.Socket used across this
// package's tests so Room/RoomServer behavior can be exercised without a
// real network connection.
type fakeSocket struct {
	mu     sync.Mutex
	closed bool
	writes [][]byte
	pings  int

	readQueue chan fakeRead
	pongFn    func(string) error
}

type fakeRead struct {
	data []byte
	err  error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{readQueue: make(chan fakeRead, 16)}
}

func (f *fakeSocket) pushRead(data []byte) { f.readQueue <- fakeRead{data: data} }
func (f *fakeSocket) pushReadErr(err error) { f.readQueue <- fakeRead{err: err} }

func (f *fakeSocket) ReadMessage() (transport.MessageType, []byte, error) {
	r, ok := <-f.readQueue
	if !ok {
		return 0, nil, transport.ErrConnectionClosed
	}
	if r.err != nil {
		return 0, nil, r.err
	}
	return transport.TextMessage, r.data, nil
}

func (f *fakeSocket) WriteMessage(messageType transport.MessageType, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrConnectionClosed
	}
	if messageType == transport.PingMessage {
		f.pings++
		return nil
	}
	cp := append([]byte(nil), data...)
	f.writes = append(f.writes, cp)
	return nil
}

func (f *fakeSocket) WriteWithTimeout(messageType transport.MessageType, data []byte, _ time.Duration) error {
	return f.WriteMessage(messageType, data)
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.readQueue)
	}
	return nil
}

func (f *fakeSocket) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSocket) SetReadDeadline(time.Time) error { return nil }

func (f *fakeSocket) SetPongHandler(h func(string) error) { f.pongFn = h }

func (f *fakeSocket) RemoteAddr() string { return "127.0.0.1:0" }

func (f *fakeSocket) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeSocket) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}
