package eventlog

import (
	"context"
	"log/slog"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Runner is the consume loop for one consumer group membership. Partitions
// in a poll batch are processed concurrently; records within a partition are
// processed serially to preserve per-key order. Offsets are committed per
// record, only after the handler returns nil.
type Runner struct {
	client  *Client
	handler RecordHandler
	log     *slog.Logger
}

// Run polls and dispatches until ctx is cancelled or the client is closed.
func (r *Runner) Run(ctx context.Context) error {
	for {
		fetches := r.client.kc.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			r.log.Error("Fetch error", "topic", topic, "partition", partition, "error", err)
		})

		var wg sync.WaitGroup
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			if len(p.Records) == 0 {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.processPartition(ctx, p)
			}()
		})
		wg.Wait()

		// Processing for this batch is done; let the group rebalance if it
		// needs to before the next poll.
		r.client.kc.AllowRebalance()
	}
}

// processPartition handles one partition's slice of a poll batch serially.
// A handler error stops the partition at the failed record: its offset is
// never committed, so the record is re-delivered later. Records behind it in
// the same batch are dropped here and re-fetched with it.
func (r *Runner) processPartition(ctx context.Context, p kgo.FetchTopicPartition) {
	for _, krec := range p.Records {
		rec := &Record{
			Raw:       krec.Value,
			Key:       krec.Key,
			Topic:     krec.Topic,
			Partition: krec.Partition,
			Offset:    krec.Offset,
		}
		rec.Enriched, rec.DecodeErr = Decode(krec.Value)

		if err := r.handler(ctx, rec); err != nil {
			r.log.Warn("Handler did not complete record, leaving offset uncommitted",
				"topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "error", err)
			return
		}

		if err := r.client.kc.CommitRecords(ctx, krec); err != nil {
			r.log.Error("Offset commit failed, record may be re-delivered",
				"topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "error", err)
			return
		}
	}
}
