// Package worker is the idempotent consumer runtime: it wraps a domain
// handler with the idempotency ledger, bounded retries, and the dead-letter
// path, producing the record handler the log runner drives.
//
// Commit discipline: a record's offset is committed (handler returns nil)
// only once its side effects are durably done: either the ledger holds an
// entry for it, or it was acknowledged onto the dead-letter queue. Anything
// in between returns an error, leaving the offset uncommitted so the record
// is re-delivered. Duplicate delivery is therefore expected, and suppressed
// by the ledger check.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tutorfleet/tutorfleet/pkg/config"
	"github.com/tutorfleet/tutorfleet/pkg/eventlog"
	"github.com/tutorfleet/tutorfleet/pkg/events"
	"github.com/tutorfleet/tutorfleet/pkg/store"
)

// Handler processes one decoded event. Return nil on success, Permanent(err)
// for failures no retry can fix, and any other error for transient failures
// the runtime should retry.
type Handler func(ctx context.Context, evt *events.EnrichedEvent) error

// Ledger is the slice of the store the runtime needs.
type Ledger interface {
	Seen(ctx context.Context, eventID, consumerName string) (bool, error)
	Record(ctx context.Context, entry store.LedgerEntry) error
}

// DeadLetterer forwards a record's raw bytes to the dead-letter topic.
type DeadLetterer interface {
	PublishRaw(ctx context.Context, topic string, key, value []byte) error
}

// StateCheck reports whether the durable side effects of an already-ledgered
// event are actually present. Returning false re-runs the handler even though
// the ledger says processed, closing the window where a side effect was lost
// after its ledger row was written.
type StateCheck func(ctx context.Context, evt *events.EnrichedEvent) (bool, error)

// Option configures optional worker behavior.
type Option func(*Worker)

// WithStateCheck installs the durable-state verification run on ledger hits.
func WithStateCheck(check StateCheck) Option {
	return func(w *Worker) { w.stateCheck = check }
}

// Worker binds one named consumer to its handler and collaborators. The name
// is the ledger's consumer identity: two workers with different names process
// the same event independently.
type Worker struct {
	name       string
	handler    Handler
	ledger     Ledger
	dlq        DeadLetterer
	retry      config.RetryConfig
	timeout    time.Duration
	stateCheck StateCheck
	log        *slog.Logger
}

// New builds a worker. handlerTimeout bounds each handler attempt.
func New(name string, h Handler, ledger Ledger, dlq DeadLetterer, retry config.RetryConfig, handlerTimeout time.Duration, opts ...Option) *Worker {
	w := &Worker{
		name:    name,
		handler: h,
		ledger:  ledger,
		dlq:     dlq,
		retry:   retry,
		timeout: handlerTimeout,
		log:     slog.With("consumer", name),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RecordHandler returns the function the log runner drives.
func (w *Worker) RecordHandler() eventlog.RecordHandler {
	return w.handle
}

func (w *Worker) handle(ctx context.Context, rec *eventlog.Record) error {
	if rec.DecodeErr != nil {
		// Undecodable records can never succeed; park them and move on.
		w.log.Warn("Dead-lettering undecodable record",
			"topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "error", rec.DecodeErr)
		return w.deadLetter(ctx, rec, rec.DecodeErr, 0)
	}

	evt := rec.Enriched
	log := w.log.With("event_id", evt.Envelope.EventID, "event_type", evt.Type,
		"correlation_id", evt.Envelope.CorrelationID)

	for attempt := 1; ; attempt++ {
		err := w.attempt(ctx, evt)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if IsPermanent(err) || eventlog.IsFatal(err) {
			log.Warn("Dead-lettering after permanent failure", "attempt", attempt, "error", err)
			return w.deadLetter(ctx, rec, err, attempt)
		}
		if attempt >= w.retry.MaxRetries {
			log.Warn("Dead-lettering after retries exhausted", "attempts", attempt, "error", err)
			return w.deadLetter(ctx, rec, err, attempt)
		}

		delay := w.retry.Delay(attempt)
		log.Warn("Handler attempt failed, backing off",
			"attempt", attempt, "max_attempts", w.retry.MaxRetries, "delay", delay, "error", err)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// attempt runs one ledger-guarded handler pass.
func (w *Worker) attempt(ctx context.Context, evt *events.EnrichedEvent) error {
	seen, err := w.ledger.Seen(ctx, evt.Envelope.EventID, w.name)
	if err != nil {
		return fmt.Errorf("ledger check: %w", err)
	}
	if seen {
		intact := true
		if w.stateCheck != nil {
			intact, err = w.stateCheck(ctx, evt)
			if err != nil {
				return fmt.Errorf("state check: %w", err)
			}
		}
		if intact {
			w.log.Debug("Suppressing duplicate delivery", "event_id", evt.Envelope.EventID)
			return nil
		}
		// Ledger row without its side effects: a previous run crashed between
		// the handler and durability, or the state was lost. Re-run; handlers
		// converge through their own uniqueness constraints.
		w.log.Warn("Ledger hit without durable state, re-running handler",
			"event_id", evt.Envelope.EventID)
	}

	hctx := ctx
	if w.timeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	if err := w.handler(hctx, evt); err != nil {
		return err
	}

	entry := store.LedgerEntry{
		EventID:       evt.Envelope.EventID,
		ConsumerName:  w.name,
		CorrelationID: evt.Envelope.CorrelationID,
		EventType:     evt.Type,
	}
	if err := w.ledger.Record(ctx, entry); err != nil && !errors.Is(err, store.ErrDuplicate) {
		// Side effects are done but unrecorded. The retry re-runs the
		// handler, whose own uniqueness constraints absorb the repeat.
		return fmt.Errorf("ledger record: %w", err)
	}
	return nil
}

// deadLetterRecord is the parked payload: the original record bytes plus the
// provenance needed to triage and replay it by hand.
type deadLetterRecord struct {
	Record      []byte    `json:"record"`
	OriginTopic string    `json:"originTopic"`
	Partition   int32     `json:"partition"`
	Offset      int64     `json:"offset"`
	Consumer    string    `json:"consumer"`
	Reason      string    `json:"reason"`
	Attempts    int       `json:"attempts"`
	FailedAt    time.Time `json:"failedAt"`
}

// deadLetter parks the record on the dead-letter topic, retrying until the
// broker acknowledges it or ctx ends. Returning the publish error (offset
// uncommitted, record re-delivered) is preferred over losing the record.
func (w *Worker) deadLetter(ctx context.Context, rec *eventlog.Record, cause error, attempts int) error {
	parked, merr := json.Marshal(deadLetterRecord{
		Record:      rec.Raw,
		OriginTopic: rec.Topic,
		Partition:   rec.Partition,
		Offset:      rec.Offset,
		Consumer:    w.name,
		Reason:      cause.Error(),
		Attempts:    attempts,
		FailedAt:    time.Now().UTC(),
	})
	if merr != nil {
		return fmt.Errorf("dead-letter marshal: %w", merr)
	}
	for attempt := 1; ; attempt++ {
		err := w.dlq.PublishRaw(ctx, events.TopicDeadLetter, rec.Key, parked)
		if err == nil {
			w.log.Info("Record parked on dead-letter queue",
				"origin_topic", rec.Topic, "offset", rec.Offset, "cause", cause)
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("dead-letter publish abandoned: %w", err)
		}
		w.log.Error("Dead-letter publish failed, retrying", "attempt", attempt, "error", err)
		if serr := sleep(ctx, w.retry.Delay(attempt)); serr != nil {
			return fmt.Errorf("dead-letter publish abandoned: %w", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
