// Package eventlog adapts the partitioned durable log (Kafka) behind typed
// publish and subscribe operations. Every record carries a metadata envelope
// alongside its payload; consumers receive the composite EnrichedEvent.
//
// Guarantees: per-key ordering within a partition, at-least-once delivery to
// subscribe runners. Duplicate delivery is expected and suppressed downstream
// by the idempotency ledger.
package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/tutorfleet/tutorfleet/pkg/events"
)

// Publisher publishes typed events onto the log.
type Publisher interface {
	Publish(ctx context.Context, topic string, evt events.Event, env events.Envelope) error
}

// Record is one consumed log record: the decoded event (nil when decoding
// failed), the raw bytes, and the log position.
type Record struct {
	Enriched  *events.EnrichedEvent
	DecodeErr error
	Raw       []byte
	Key       []byte
	Topic     string
	Partition int32
	Offset    int64
}

// RecordHandler processes one consumed record. Returning nil commits the
// record's offset; returning an error leaves it uncommitted so the record is
// re-delivered after a restart or rebalance.
type RecordHandler func(ctx context.Context, rec *Record) error

// Config holds broker connection settings.
type Config struct {
	Brokers  []string
	ClientID string
}

// Client is the franz-go backed log adapter. A single Client may both
// produce and, via Subscribe, join one consumer group.
type Client struct {
	kc     *kgo.Client
	source string
}

// New creates a producer-only client. The source name is stamped on
// outbound envelopes by callers; it is also used as a log attribute.
func New(cfg Config, source string) (*Client, error) {
	kc, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Client{kc: kc, source: source}, nil
}

// NewGroupConsumer creates a client that consumes the given topics as part
// of a consumer group, with offsets committed explicitly by the Runner.
// Rebalances are blocked while a poll batch is in flight so partition
// assignment stays stable during record processing.
func NewGroupConsumer(cfg Config, group string, topics []string, source string) (*Client, error) {
	kc, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka group client: %w", err)
	}
	return &Client{kc: kc, source: source}, nil
}

// Close flushes buffered produces and releases the broker connections.
func (c *Client) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = c.kc.Flush(ctx)
	c.kc.Close()
}

// Publish encodes and synchronously produces one event. The partition key is
// derived from the event's business key so causally dependent events land on
// the same partition. Encoding failures are fatal; broker failures are
// transient and retryable by the caller.
func (c *Client) Publish(ctx context.Context, topic string, evt events.Event, env events.Envelope) error {
	data, err := Encode(evt, env)
	if err != nil {
		return err
	}

	rec := &kgo.Record{
		Topic: topic,
		Key:   []byte(events.PartitionKey(&evt)),
		Value: data,
		Headers: []kgo.RecordHeader{
			{Key: "correlation-id", Value: []byte(env.CorrelationID)},
			{Key: "source", Value: []byte(env.Source)},
		},
	}
	if err := c.kc.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	return nil
}

// PublishRaw produces pre-encoded bytes, used by the dead-letter path where
// the original record must be forwarded untouched.
func (c *Client) PublishRaw(ctx context.Context, topic string, key, value []byte) error {
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	if err := c.kc.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	return nil
}

// Subscribe returns a Runner that delivers consumed records to fn. The
// client must have been created with NewGroupConsumer.
func (c *Client) Subscribe(fn RecordHandler) *Runner {
	return &Runner{client: c, handler: fn, log: slog.With("source", c.source)}
}
