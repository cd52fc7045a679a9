package roomserver

import (
	"context"
	"encoding/json"
	"sync"

	"go.roomfleet.dev/fleet/internal/bus"
)

// fakeBus is an in-process bus.Bus double used to exercise RoomServer's bus
// integration without Redis. Subscribe/Publish are wired directly against
// an in-memory handler table, mirroring the semantics internal/bus.RedisBus
// provides over real pub/sub.
type fakeBus struct {
	mu       sync.Mutex
	handlers map[string][]bus.Handler

	published []publishedMessage
	closed    bool
}

type publishedMessage struct {
	subject string
	payload []byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string][]bus.Handler)}
}

func (f *fakeBus) Publish(_ context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.published = append(f.published, publishedMessage{subject: subject, payload: data})
	handlers := append([]bus.Handler(nil), f.handlers[subject]...)
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
	f.handlers[subject] = append(f.handlers[subject], handler)
	// Entries are never removed from the slice, so idx stays valid;
	// unsubscribing replaces this entry with a no-op.
	idx := len(f.handlers[subject]) - 1
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.handlers[subject][idx] = func(bus.Message) {}
	}, nil
}

func (f *fakeBus) Request(ctx context.Context, subject string, payload any, reply any) error {
	replySubject := "reply.test"
	done := make(chan json.RawMessage, 1)

	unsub, _ := f.Subscribe(ctx, replySubject, func(msg bus.Message) {
		done <- msg.Payload
	})
	defer unsub()

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	envelope := map[string]any{"replySubject": replySubject, "payload": json.RawMessage(data)}
	if err := f.Publish(ctx, subject, envelope); err != nil {
		return err
	}

	select {
	case payload := <-done:
		return json.Unmarshal(payload, reply)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeBus) Reply(ctx context.Context, replySubject string, payload any) error {
	return f.Publish(ctx, replySubject, payload)
}

func (f *fakeBus) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBus) publishedSubjects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	subjects := make([]string, len(f.published))
	for i, m := range f.published {
		subjects[i] = m.subject
	}
	return subjects
}
