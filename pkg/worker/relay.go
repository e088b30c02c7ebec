package worker

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/tutorfleet/tutorfleet/pkg/eventlog"
	"github.com/tutorfleet/tutorfleet/pkg/events"
)

// Relay republishes consumed log records onto the realtime broadcast channel
// so gateway instances can fan them out to connected sockets. The broadcast
// plane is best-effort: a Redis publish failure is logged and the record is
// committed anyway, because realtime delivery is not durable and blocking the
// log on it would stall the pipeline.
type Relay struct {
	rdb *redis.Client
	log *slog.Logger
}

// NewRelay builds a relay publishing to rdb.
func NewRelay(rdb *redis.Client) *Relay {
	return &Relay{rdb: rdb, log: slog.With("consumer", "realtime-relay")}
}

// RecordHandler returns the record handler the relay's consumer group drives.
func (r *Relay) RecordHandler() eventlog.RecordHandler {
	return r.handle
}

func (r *Relay) handle(ctx context.Context, rec *eventlog.Record) error {
	if rec.DecodeErr != nil {
		// The pipeline workers own dead-lettering; the relay just skips.
		r.log.Warn("Skipping undecodable record",
			"topic", rec.Topic, "offset", rec.Offset, "error", rec.DecodeErr)
		return nil
	}

	if err := r.rdb.Publish(ctx, events.ChannelBusinessEvents, rec.Raw).Err(); err != nil {
		r.log.Error("Broadcast publish failed, dropping realtime copy",
			"event_type", rec.Enriched.Type, "event_id", rec.Enriched.Envelope.EventID, "error", err)
	}
	return nil
}
