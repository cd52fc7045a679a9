package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"go.roomfleet.dev/fleet/internal/fleetconfig"
	"go.roomfleet.dev/fleet/internal/logging"
)

// breakerStateGauge exposes the circuit breaker's current state, mirroring
// RoseWrightdev-Video-Conferencing's bus.Service OnStateChange wiring.
var breakerStateGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "roomfleet_bus_circuit_breaker_state",
	Help: "0=closed 1=half-open 2=open",
})

func init() {
	prometheus.MustRegister(breakerStateGauge)
}

// RedisBus is the concrete Bus backed by Redis pub/sub, circuit-broken with
// gobreaker so a dead Redis degrades RS/D to local-only operation instead of
// blocking client I/O, per the fleet's graceful-degradation design.
type RedisBus struct {
	client *redis.Client
	logger *logging.Logger
	cb     *gobreaker.CircuitBreaker

	mu       sync.Mutex
	handlers map[string][]Handler
	pubsub   *redis.PubSub
	cancel   context.CancelFunc
	replies  map[string]chan json.RawMessage
}

// NewRedisBus connects to Redis and starts the shared subject listener.
// Returns an error only on a failed initial ping; once connected, the
// circuit breaker absorbs later outages.
func NewRedisBus(cfg *fleetconfig.Config, logger *logging.Logger) (*RedisBus, error) {
	if logger == nil {
		logger = logging.GetLogger()
	}
	logger = logger.Named("bus")

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Bus.Addr,
		Password:    cfg.Bus.Password,
		DB:          cfg.Bus.Database,
		DialTimeout: cfg.Bus.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Bus.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("bus: connect to redis: %w", err)
	}

	b := &RedisBus{
		client:   client,
		logger:   logger,
		handlers: make(map[string][]Handler),
		replies:  make(map[string]chan json.RawMessage),
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "bus-redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
			breakerStateGauge.Set(float64(to))
		},
	})

	runCtx, runCancel := context.WithCancel(context.Background())
	b.cancel = runCancel
	b.pubsub = client.Subscribe(runCtx)
	go b.listen(runCtx)

	return b, nil
}

// Publish marshals payload and publishes it on subject behind the circuit
// breaker. A tripped breaker logs a warning and returns nil rather than an
// error — matching RoseWrightdev-Video-Conferencing's bus.Service.Publish,
// since the caller (a Room or RoomServer) should keep serving local clients
// whether or not the fleet-wide mirror succeeds.
func (b *RedisBus) Publish(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus: marshal payload for %s: %w", subject, err)
	}

	_, err = b.cb.Execute(func() (any, error) {
		return nil, b.client.Publish(ctx, subject, data).Err()
	})
	if err == gobreaker.ErrOpenState {
		b.logger.Warn("publish dropped, circuit open", "subject", subject)
		return nil
	}
	return err
}

// Subscribe adds handler to subject's handler table, subscribing the shared
// connection to the subject if this is its first handler.
func (b *RedisBus) Subscribe(ctx context.Context, subject string, handler Handler) (func(), error) {
	b.mu.Lock()
	_, already := b.handlers[subject]
	b.handlers[subject] = append(b.handlers[subject], handler)
	b.mu.Unlock()

	if !already {
		if err := b.pubsub.Subscribe(ctx, subject); err != nil {
			return nil, fmt.Errorf("bus: subscribe %s: %w", subject, err)
		}
	}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		hs := b.handlers[subject]
		for i, h := range hs {
			if fmt.Sprintf("%p", h) == fmt.Sprintf("%p", handler) {
				b.handlers[subject] = append(hs[:i], hs[i+1:]...)
				break
			}
		}
		if len(b.handlers[subject]) == 0 {
			delete(b.handlers, subject)
			_ = b.pubsub.Unsubscribe(context.Background(), subject)
		}
	}, nil
}

// Request opens a reply-only subscription keyed by a correlation ID, then
// publishes payload with that ID attached, and waits for a single reply —
// go-redis has no native request/reply primitive, so this mirrors a
// NATS-style request over plain pub/sub, as described in SPEC_FULL.md.
func (b *RedisBus) Request(ctx context.Context, subject string, payload any, reply any) error {
	correlationID := uuid.NewString()
	replySubject := "reply." + correlationID

	ch := make(chan json.RawMessage, 1)
	b.mu.Lock()
	b.replies[replySubject] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.replies, replySubject)
		b.mu.Unlock()
	}()

	unsub, err := b.Subscribe(ctx, replySubject, func(msg Message) {
		select {
		case ch <- msg.Payload:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer unsub()

	envelope := requestEnvelope{ReplySubject: replySubject, Payload: mustMarshal(payload)}
	if err := b.Publish(ctx, subject, envelope); err != nil {
		return err
	}

	select {
	case data := <-ch:
		return json.Unmarshal(data, reply)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// requestEnvelope wraps a request's payload with the subject the responder
// must publish its single reply to.
type requestEnvelope struct {
	ReplySubject string          `json:"replySubject"`
	Payload      json.RawMessage `json:"payload"`
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

// Reply publishes payload on the reply subject carried in a request
// envelope's ReplySubject field — the responder's half of Request.
func (b *RedisBus) Reply(ctx context.Context, replySubject string, payload any) error {
	return b.Publish(ctx, replySubject, payload)
}

// DecodeRequest unmarshals a raw request message into its envelope,
// returning the reply subject and the caller's original payload.
func DecodeRequest(msg Message) (replySubject string, payload json.RawMessage, err error) {
	var env requestEnvelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return "", nil, err
	}
	return env.ReplySubject, env.Payload, nil
}

// listen reads the shared pub/sub connection and dispatches each message to
// every handler registered for its channel, recovering and logging any
// handler panic so the subscription survives — grounded in the teacher's
// PubSubManager.handleMessage.
func (b *RedisBus) listen(ctx context.Context) {
	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.dispatch(msg)
		}
	}
}

func (b *RedisBus) dispatch(msg *redis.Message) {
	b.mu.Lock()
	handlers := append([]Handler(nil), b.handlers[msg.Channel]...)
	b.mu.Unlock()

	for _, h := range handlers {
		h := h
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("panic in bus handler", fmt.Errorf("%v", r), "subject", msg.Channel)
				}
			}()
			h(Message{Subject: msg.Channel, Payload: json.RawMessage(msg.Payload)})
		}()
	}
}

// Close stops the listener and closes the Redis connection.
func (b *RedisBus) Close() error {
	b.cancel()
	_ = b.pubsub.Close()
	return b.client.Close()
}
