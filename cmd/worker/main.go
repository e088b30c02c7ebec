// TutorFleet pipeline worker: consumes the event log, runs the allocation
// engine and session lifecycle handlers under the idempotent worker runtime,
// and relays business events to the realtime broadcast channel.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/tutorfleet/tutorfleet/pkg/allocation"
	"github.com/tutorfleet/tutorfleet/pkg/config"
	"github.com/tutorfleet/tutorfleet/pkg/eventlog"
	"github.com/tutorfleet/tutorfleet/pkg/events"
	"github.com/tutorfleet/tutorfleet/pkg/store"
	"github.com/tutorfleet/tutorfleet/pkg/worker"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	kafkaCfg := config.LoadKafka()
	workerCfg := config.LoadWorker()
	retryCfg := config.LoadRetry()
	redisCfg := config.LoadRedis()
	instanceID := config.InstanceID()

	slog.Info("Starting TutorFleet worker",
		"instance_id", instanceID,
		"brokers", kafkaCfg.Brokers)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 1. Relational store (runs embedded migrations).
	dbCfg, err := store.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Invalid database configuration", "error", err)
		os.Exit(1)
	}
	db, err := store.NewClient(ctx, dbCfg)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 2. Shared KV for the realtime broadcast copies. A dead Redis degrades
	// fanout, never the pipeline, so only a malformed config is fatal.
	redisOpts, err := redisCfg.Options()
	if err != nil {
		slog.Error("Invalid Redis configuration", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Warn("Redis unreachable, realtime fanout degraded", "error", err)
	}

	// 3. Log producer, shared by the engine and the dead-letter path.
	producer, err := eventlog.New(eventlog.Config(kafkaCfg), "allocation-engine")
	if err != nil {
		slog.Error("Failed to create kafka producer", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	// 4. Domain handlers under the worker runtime.
	engine := allocation.NewEngine(db, producer, rdb)
	lifecycle := allocation.NewLifecycle(db, rdb)

	allocationWorker := worker.New("allocation-worker",
		func(ctx context.Context, evt *events.EnrichedEvent) error {
			if evt.Type != events.TypePurchaseCreated {
				return nil
			}
			return engine.HandlePurchaseCreated(ctx, evt)
		},
		db.Ledger, producer, retryCfg, workerCfg.HandlerTimeout,
		worker.WithStateCheck(engine.VerifyProcessed))

	lifecycleWorker := worker.New("session-lifecycle-worker",
		func(ctx context.Context, evt *events.EnrichedEvent) error {
			switch evt.Type {
			case events.TypeSessionStarted:
				return lifecycle.HandleSessionStarted(ctx, evt)
			case events.TypeSessionCompleted:
				return lifecycle.HandleSessionCompleted(ctx, evt)
			case events.TypeSessionRescheduled:
				return lifecycle.HandleSessionRescheduled(ctx, evt)
			case events.TypeSessionSubstituted:
				return lifecycle.HandleSessionSubstituted(ctx, evt)
			default:
				return nil
			}
		},
		db.Ledger, producer, retryCfg, workerCfg.HandlerTimeout)

	relay := worker.NewRelay(rdb)

	// 5. One consumer group per concern, each with its own client.
	consumers := []struct {
		group   string
		topics  []string
		handler eventlog.RecordHandler
	}{
		{
			group:   "allocation-worker",
			topics:  []string{events.TopicPurchaseCreated},
			handler: allocationWorker.RecordHandler(),
		},
		{
			group: "session-lifecycle-worker",
			topics: []string{
				events.TopicSessionStarted, events.TopicSessionCompleted,
				events.TopicSessionRescheduled, events.TopicSessionSubstituted,
			},
			handler: lifecycleWorker.RecordHandler(),
		},
		{
			group: "realtime-relay",
			topics: []string{
				events.TopicPurchaseCreated, events.TopicTrainerAllocated,
				events.TopicSessionsGenerated, events.TopicNotificationRequested,
				events.TopicSessionStarted, events.TopicSessionCompleted,
				events.TopicSessionRescheduled, events.TopicSessionSubstituted,
				events.TopicPayrollRecalculated,
			},
			handler: relay.RecordHandler(),
		},
	}

	var wg sync.WaitGroup
	var clients []*eventlog.Client
	for _, c := range consumers {
		client, err := eventlog.NewGroupConsumer(eventlog.Config(kafkaCfg), c.group, c.topics, c.group)
		if err != nil {
			slog.Error("Failed to create consumer", "group", c.group, "error", err)
			os.Exit(1)
		}
		clients = append(clients, client)

		runner := client.Subscribe(c.handler)
		wg.Add(1)
		go func(group string) {
			defer wg.Done()
			if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Consumer stopped unexpectedly", "group", group, "error", err)
				cancel()
			}
		}(c.group)
		slog.Info("Consumer started", "group", c.group, "topics", c.topics)
	}

	// Periodic pool health probe; a stuck pool shows up here before the
	// consumers stall.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, probeCancel := context.WithTimeout(ctx, 5*time.Second)
				health, err := db.Health(probeCtx)
				probeCancel()
				if err != nil {
					slog.Warn("Database health probe failed", "error", err, "ping_ms", health.PingMillis)
					continue
				}
				slog.Debug("Database healthy",
					"ping_ms", health.PingMillis,
					"open", health.Open,
					"in_use", health.InUse,
					"waits", health.Waits)
			}
		}
	}()

	slog.Info("TutorFleet worker started", "instance_id", instanceID)

	<-ctx.Done()
	slog.Info("Shutdown signal received")

	// Closing the clients unblocks any in-flight poll; runners drain their
	// current batch before returning.
	for _, client := range clients {
		client.Close()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	grace, graceCancel := context.WithTimeout(context.Background(), workerCfg.ShutdownGrace)
	defer graceCancel()
	select {
	case <-done:
		slog.Info("Consumers stopped gracefully")
	case <-grace.Done():
		slog.Warn("Shutdown grace exceeded, uncommitted records will be re-delivered")
	}

	slog.Info("Shutdown complete")
}
