package history

import (
	"context"
	"time"

	"go.roomfleet.dev/fleet/internal/logging"
)

const (
	defaultQueueSize = 256
	defaultTimeout   = 5 * time.Second
)

// Recorder buffers Store writes on a channel, draining them from a single
// background goroutine — the same one-goroutine-owns-the-state shape
// Room and Discovery use for their own state, applied here to decouple a
// slow Mongo from whichever hot-path goroutine is recording an event. A
// nil *Recorder is safe to call Record/Close on, so RoomServer and
// Discovery can hold one unconditionally whether or not history is
// enabled.
type Recorder struct {
	store   *Store
	logger  *logging.Logger
	timeout time.Duration
	queue   chan Record
	done    chan struct{}
}

// NewRecorder starts the background writer. queueSize<=0 and timeout<=0
// fall back to sane defaults.
func NewRecorder(store *Store, logger *logging.Logger, timeout time.Duration, queueSize int) *Recorder {
	if logger == nil {
		logger = logging.GetLogger()
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	r := &Recorder{
		store:   store,
		logger:  logger.Named("history"),
		timeout: timeout,
		queue:   make(chan Record, queueSize),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		err := r.store.Insert(ctx, rec)
		cancel()
		if err != nil {
			r.logger.Warn("failed to record fleet history event", "type", rec.Type, "error", err.Error())
		}
	}
}

// Record enqueues rec for a best-effort write. It never blocks: a full
// queue drops the event (and logs a warning) rather than applying
// backpressure to the caller's hot path.
func (r *Recorder) Record(rec Record) {
	if r == nil {
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.logger.Warn("dropping fleet history event, queue full", "type", rec.Type)
	}
}

// Close drains the queue and stops the background writer.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	close(r.queue)
	<-r.done
}
