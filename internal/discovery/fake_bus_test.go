package discovery

import (
	"context"
	"encoding/json"
	"sync"

	"go.roomfleet.dev/fleet/internal/bus"
)

type fakeBus struct {
	mu        sync.Mutex
	handlers  map[string]map[int]bus.Handler
	nextID    int
	roomsFunc func(publicURL string) (any, bool)
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string]map[int]bus.Handler)}
}

func (f *fakeBus) Publish(_ context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	handlers := make([]bus.Handler, 0, len(f.handlers[subject]))
	for _, h := range f.handlers[subject] {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	msg := bus.Message{Subject: subject, Payload: data}
	for _, h := range handlers {
		h(msg)
	}
	return nil
}

func (f *fakeBus) Subscribe(_ context.Context, subject string, handler bus.Handler) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers[subject] == nil {
		f.handlers[subject] = make(map[int]bus.Handler)
	}
	id := f.nextID
	f.nextID++
	f.handlers[subject][id] = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers[subject], id)
	}, nil
}

// Request simulates a room server answering a rooms.<publicUrl> request,
// driven by roomsFunc so tests can control what each simulated server
// reports without a real RoomServer.
func (f *fakeBus) Request(_ context.Context, subject string, _ any, reply any) error {
	const prefix = "rooms."
	publicURL := subject[len(prefix):]
	if f.roomsFunc == nil {
		return nil
	}
	value, ok := f.roomsFunc(publicURL)
	if !ok {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, reply)
}

func (f *fakeBus) Reply(ctx context.Context, replySubject string, payload any) error {
	return f.Publish(ctx, replySubject, payload)
}

func (f *fakeBus) Close() error { return nil }
