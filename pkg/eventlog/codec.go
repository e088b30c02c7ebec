package eventlog

import (
	"encoding/json"

	"github.com/tutorfleet/tutorfleet/pkg/events"
)

// maxRecordBytes is the largest payload the adapter will publish. Records
// above this are rejected as fatal rather than bounced by the broker.
const maxRecordBytes = 1 << 20

// wireRecord is the self-describing on-log representation: the business
// payload and its metadata envelope travel together in one JSON document.
type wireRecord struct {
	Payload  events.Event    `json:"payload"`
	Metadata events.Envelope `json:"_metadata"`
}

// Encode serializes an event and its envelope into a wire record.
// Envelope and payload validation failures are fatal.
func Encode(evt events.Event, env events.Envelope) ([]byte, error) {
	if err := validateEnvelope(env); err != nil {
		return nil, err
	}
	if !events.KnownType(evt.Type) {
		return nil, Fatalf("unknown event type %q", evt.Type)
	}

	data, err := json.Marshal(wireRecord{Payload: evt, Metadata: env})
	if err != nil {
		return nil, &FatalError{Reason: "encode record", Err: err}
	}
	if len(data) > maxRecordBytes {
		return nil, Fatalf("record of %d bytes exceeds %d byte limit", len(data), maxRecordBytes)
	}
	return data, nil
}

// Decode parses a wire record into the enriched form handlers consume.
// Unknown event types and missing envelope fields are fatal: the record can
// never be processed and belongs on the dead-letter topic.
func Decode(data []byte) (*events.EnrichedEvent, error) {
	var rec wireRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &FatalError{Reason: "decode record", Err: err}
	}
	if !events.KnownType(rec.Payload.Type) {
		return nil, Fatalf("unknown event type %q", rec.Payload.Type)
	}
	if err := validateEnvelope(rec.Metadata); err != nil {
		return nil, err
	}
	return &events.EnrichedEvent{Event: rec.Payload, Envelope: rec.Metadata}, nil
}

func validateEnvelope(env events.Envelope) error {
	switch {
	case env.EventID == "":
		return Fatalf("envelope missing eventId")
	case env.CorrelationID == "":
		return Fatalf("envelope missing correlationId")
	case env.Source == "":
		return Fatalf("envelope missing source")
	case env.Version == "":
		return Fatalf("envelope missing version")
	case env.ProducedAt.IsZero():
		return Fatalf("envelope missing producedAt")
	}
	return nil
}
