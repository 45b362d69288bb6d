// Package dispatch enqueues missing scenes to the backfill queue in bounded,
// retried batches, with at-most-once delivery per run.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	logging "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/scenesync/scenesync/pkg/bus"
	"github.com/scenesync/scenesync/pkg/bus/events"
	"github.com/scenesync/scenesync/pkg/reconcile/types/id"
)

var log = logging.Logger("scenesync/dispatch")

var tracer = otel.Tracer("reconcile/dispatch")

const (
	// DefaultBatchSize matches the queue's batch enqueue limit.
	DefaultBatchSize = 10

	DefaultBatchDelay = time.Second
	DefaultMaxTries   = 3
)

// Message is the queue payload for one scene to backfill.
type Message struct {
	CanonicalKey string    `json:"canonical_key"`
	SourceURI    string    `json:"source_uri"`
	Product      string    `json:"product"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// TransientError indicates an enqueue failed for a reason worth retrying:
// throttling, a server error, or network trouble.
type TransientError struct {
	err error
}

func NewTransientError(err error) TransientError {
	return TransientError{err: err}
}

func (e TransientError) Error() string {
	return fmt.Sprintf("transient dispatch error: %s", e.err)
}

func (e TransientError) Unwrap() error {
	return e.err
}

// FatalError indicates an enqueue failed permanently; the batch is not
// retried.
type FatalError struct {
	err error
}

func NewFatalError(err error) FatalError {
	return FatalError{err: err}
}

func (e FatalError) Error() string {
	return fmt.Sprintf("fatal dispatch error: %s", e.err)
}

func (e FatalError) Unwrap() error {
	return e.err
}

// Sink delivers message batches to the backfill queue. Send is all-or-
// nothing: an error means no message in the batch was accepted.
type Sink interface {
	Send(ctx context.Context, batch []Message) error
}

// Marker records dispatch marks. Implemented by sqlrepo; the mark is written
// before the enqueue attempt, which is what bounds delivery at one attempt
// per key per run.
type Marker interface {
	MarkDispatched(ctx context.Context, runID id.RunID, canonicalKey string) (bool, error)
}

// Item is one dispatch candidate.
type Item struct {
	CanonicalKey string
	RawID        string
	SourceURI    string
	Product      string
}

// Outcome is the dispatch disposition of one item.
type Outcome string

const (
	// OutcomeDispatched means the item's batch was accepted by the queue.
	OutcomeDispatched Outcome = "dispatched"

	// OutcomeFailed means the item's batch exhausted its retries or hit a
	// fatal sink error.
	OutcomeFailed Outcome = "failed"

	// OutcomeAlreadyDispatched means the item was marked by an earlier pass
	// and was not re-enqueued.
	OutcomeAlreadyDispatched Outcome = "already-dispatched"
)

// Summary totals one dispatch pass.
type Summary struct {
	Dispatched        int
	Failed            int
	AlreadyDispatched int

	// Planned counts would-dispatch candidates of a dry run.
	Planned int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBatchSize sets the number of messages per enqueue call.
func WithBatchSize(n int) Option {
	return func(d *Dispatcher) {
		d.batchSize = n
	}
}

// WithBatchDelay sets the pause between batches.
func WithBatchDelay(delay time.Duration) Option {
	return func(d *Dispatcher) {
		d.batchDelay = delay
	}
}

// WithMaxTries bounds enqueue attempts per batch.
func WithMaxTries(n uint) Option {
	return func(d *Dispatcher) {
		d.maxTries = n
	}
}

// WithEventBus publishes batch progress events.
func WithEventBus(bus bus.Publisher) Option {
	return func(d *Dispatcher) {
		d.bus = bus
	}
}

// Dispatcher sends dispatch candidates to a sink in batches.
type Dispatcher struct {
	sink       Sink
	marker     Marker
	bus        bus.Publisher
	batchSize  int
	batchDelay time.Duration
	maxTries   uint
}

// New creates a Dispatcher over the given sink and mark store.
func New(sink Sink, marker Marker, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sink:       sink,
		marker:     marker,
		bus:        &bus.NoopBus{},
		batchSize:  DefaultBatchSize,
		batchDelay: DefaultBatchDelay,
		maxTries:   DefaultMaxTries,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch enqueues items in order, reporting each item's outcome through
// record. A batch that fails marks its items failed and the pass continues
// with the next batch; the error return is reserved for infrastructure
// failures (mark store, context).
func (d *Dispatcher) Dispatch(ctx context.Context, runID id.RunID, items []Item, record func(Item, Outcome) error) (Summary, error) {
	ctx, span := tracer.Start(ctx, "dispatch", trace.WithAttributes(
		attribute.String("runID", runID.String()),
		attribute.Int("items", len(items)),
	))
	defer span.End()

	var summary Summary
	batch := make([]Item, 0, d.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		outcome := d.sendBatch(ctx, runID, batch)
		for _, item := range batch {
			if err := record(item, outcome); err != nil {
				return err
			}
		}
		switch outcome {
		case OutcomeDispatched:
			summary.Dispatched += len(batch)
		case OutcomeFailed:
			summary.Failed += len(batch)
		}
		batch = batch[:0]

		if d.batchDelay > 0 {
			select {
			case <-time.After(d.batchDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}

	for _, item := range items {
		marked, err := d.marker.MarkDispatched(ctx, runID, item.CanonicalKey)
		if err != nil {
			return summary, fmt.Errorf("marking %s dispatched: %w", item.CanonicalKey, err)
		}
		if !marked {
			summary.AlreadyDispatched++
			if err := record(item, OutcomeAlreadyDispatched); err != nil {
				return summary, err
			}
			continue
		}
		batch = append(batch, item)
		if len(batch) == d.batchSize {
			if err := flush(); err != nil {
				return summary, err
			}
		}
	}
	if err := flush(); err != nil {
		return summary, err
	}
	return summary, nil
}

// sendBatch delivers one batch, retrying transient failures with backoff.
func (d *Dispatcher) sendBatch(ctx context.Context, runID id.RunID, batch []Item) Outcome {
	now := time.Now().UTC()
	messages := make([]Message, len(batch))
	for i, item := range batch {
		messages[i] = Message{
			CanonicalKey: item.CanonicalKey,
			SourceURI:    item.SourceURI,
			Product:      item.Product,
			EnqueuedAt:   now,
		}
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := d.sink.Send(ctx, messages)
		if err != nil {
			var fatal FatalError
			if errors.As(err, &fatal) {
				return struct{}{}, backoff.Permanent(err)
			}
		}
		return struct{}{}, err
	}, backoff.WithMaxTries(d.maxTries))

	outcome := OutcomeDispatched
	if err != nil {
		log.Errorw("batch enqueue failed", "runID", runID, "size", len(batch), "error", err)
		outcome = OutcomeFailed
	}

	sent, failed := len(batch), 0
	if outcome == OutcomeFailed {
		sent, failed = 0, len(batch)
	}
	d.bus.Publish(events.TopicBatch, events.BatchDispatched{
		RunID:  runID,
		Sent:   sent,
		Failed: failed,
	})
	return outcome
}
