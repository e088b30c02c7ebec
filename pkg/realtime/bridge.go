package realtime

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/tutorfleet/tutorfleet/pkg/eventlog"
	"github.com/tutorfleet/tutorfleet/pkg/events"
)

// Bridge subscribes to the shared broadcast channels and feeds messages to
// the hub, one dispatcher per instance. Every instance receives every
// message; locality filtering happens in the hub via the registry.
type Bridge struct {
	rdb *redis.Client
	hub *Hub
	log *slog.Logger
}

// NewBridge wires a bridge between rdb's channels and hub.
func NewBridge(rdb *redis.Client, hub *Hub) *Bridge {
	return &Bridge{rdb: rdb, hub: hub, log: slog.With("component", "realtime-bridge")}
}

// Run consumes the broadcast channels until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx,
		events.ChannelBusinessEvents,
		events.ChannelJourneyUpdates,
		events.ChannelJourneyEnded,
	)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.dispatch(ctx, msg)
		}
	}
}

func (b *Bridge) dispatch(ctx context.Context, msg *redis.Message) {
	switch msg.Channel {
	case events.ChannelBusinessEvents:
		enriched, err := eventlog.Decode([]byte(msg.Payload))
		if err != nil {
			b.log.Warn("Undecodable broadcast message dropped", "error", err)
			return
		}
		b.hub.DispatchBusinessEvent(ctx, enriched, []byte(msg.Payload))

	case events.ChannelJourneyUpdates:
		b.dispatchJourney(FrameJourneyLocation, msg.Payload)

	case events.ChannelJourneyEnded:
		b.dispatchJourney(FrameJourneyEnded, msg.Payload)
	}
}

// dispatchJourney routes a journey channel message to its room by the
// journeyId carried in the payload.
func (b *Bridge) dispatchJourney(frameType, payload string) {
	var ref struct {
		JourneyID string `json:"journeyId"`
	}
	if err := json.Unmarshal([]byte(payload), &ref); err != nil || ref.JourneyID == "" {
		b.log.Warn("Journey message without journeyId dropped", "frame_type", frameType)
		return
	}
	b.hub.DispatchJourney(frameType, ref.JourneyID, []byte(payload))
}
