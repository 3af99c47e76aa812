package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fleet-rental-system/shared/logx"
	"fleet-rental-system/shared/metricsx"
)

var ErrDispatcherClosed = errors.New("event dispatcher closed")

// Publisher is what domain services depend on. Publish must not block.
type Publisher interface {
	Publish(ctx context.Context, ev Envelope)
}

// Sink delivers one envelope to the broker.
type Sink interface {
	Send(ctx context.Context, topic string, ev Envelope) error
}

type SinkFunc func(ctx context.Context, topic string, ev Envelope) error

func (f SinkFunc) Send(ctx context.Context, topic string, ev Envelope) error {
	return f(ctx, topic, ev)
}

// DeliveryError is reported on Dispatcher.Errors for each failed send.
type DeliveryError struct {
	Topic    string
	Envelope Envelope
	Err      error
}

func (e DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s to %s: %v", e.Envelope.EventType, e.Topic, e.Err)
}

func (e DeliveryError) Unwrap() error { return e.Err }

// Dispatcher is a bounded queue drained by one goroutine. A full queue drops
// the event; a failed send is logged, counted and reported on Errors.
type Dispatcher struct {
	sink        Sink
	logger      logx.Logger
	sendTimeout time.Duration

	queue  chan Envelope
	errs   chan DeliveryError
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

func NewDispatcher(sink Sink, size int, logger logx.Logger) *Dispatcher {
	if size <= 0 {
		size = 1024
	}
	d := &Dispatcher{
		sink:        sink,
		logger:      logger.With(slog.String("component", "event_dispatcher")),
		sendTimeout: 5 * time.Second,
		queue:       make(chan Envelope, size),
		errs:        make(chan DeliveryError, 64),
		done:        make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) Publish(ctx context.Context, ev Envelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		metricsx.IncEventDropped("closed")
		return
	}
	select {
	case d.queue <- ev:
		metricsx.SetEventQueueDepth(len(d.queue))
	default:
		metricsx.IncEventDropped("queue_full")
		d.logger.Warn(ctx, "event_dropped", "event queue full",
			slog.String("event_type", ev.EventType),
			slog.String("aggregate_id", ev.AggregateID.String()),
		)
	}
}

// Errors exposes delivery failures. Reports are dropped when nobody reads.
func (d *Dispatcher) Errors() <-chan DeliveryError {
	return d.errs
}

// Close stops intake and waits for the queue to drain or ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	defer close(d.errs)
	for ev := range d.queue {
		metricsx.SetEventQueueDepth(len(d.queue))
		d.deliver(ev)
	}
}

func (d *Dispatcher) deliver(ev Envelope) {
	topic := TopicFor(ev.AggregateType)
	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()
	err := d.sink.Send(ctx, topic, ev)
	if err == nil {
		return
	}
	metricsx.IncEventDropped("publish_failed")
	d.logger.Error(ctx, "event_publish_failed", "failed to publish event",
		append(logx.Err("INTERNAL_ERROR", err),
			slog.String("topic", topic),
			slog.String("event_type", ev.EventType),
		)...,
	)
	select {
	case d.errs <- DeliveryError{Topic: topic, Envelope: ev, Err: err}:
	default:
	}
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(context.Context, Envelope) {}

// Recorder keeps published envelopes in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Envelope
}

func (r *Recorder) Publish(_ context.Context, ev Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Events() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Envelope, len(r.events))
	copy(out, r.events)
	return out
}

func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.EventType)
	}
	return out
}
