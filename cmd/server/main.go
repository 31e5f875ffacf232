// Affinity - Event Interaction Analytics and Similarity Scoring
// Copyright 2026 Max Kraev (mkraev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkraev/affinity

// Command server runs the full affinity pipeline in one process: ingestion
// gateway, partitioned aggregation workers, materialized query store, and
// the HTTP API, supervised as one tree over an embedded or external NATS
// JetStream broker.
package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/mkraev/affinity/internal/api"
	"github.com/mkraev/affinity/internal/config"
	"github.com/mkraev/affinity/internal/engine"
	"github.com/mkraev/affinity/internal/gateway"
	"github.com/mkraev/affinity/internal/logging"
	"github.com/mkraev/affinity/internal/store"
	"github.com/mkraev/affinity/internal/stream"
	"github.com/mkraev/affinity/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	if err := stream.CheckSchemaCompatibility(stream.SchemaVersion); err != nil {
		logging.Fatal().Err(err).Msg("Schema compatibility check failed")
	}

	logging.Info().
		Int("partitions", cfg.NATS.Partitions).
		Bool("embedded_broker", cfg.NATS.EmbeddedServer).
		Msg("Starting affinity")

	if err := run(cfg); err != nil {
		logging.Fatal().Err(err).Msg("Service exited with error")
	}
	logging.Info().Msg("Shutdown complete")
}

//nolint:gocyclo // sequential composition root
func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	natsURL := cfg.NATS.URL

	// Embedded broker for single-binary deployments.
	var embedded *stream.EmbeddedServer
	if cfg.NATS.EmbeddedServer {
		serverCfg := stream.DefaultServerConfig(cfg.NATS.StoreDir)
		srv, err := stream.NewEmbeddedServer(&serverCfg)
		if err != nil {
			return fmt.Errorf("start embedded NATS: %w", err)
		}
		embedded = srv
		natsURL = srv.ClientURL()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logging.Error().Err(err).Msg("Embedded NATS shutdown failed")
			}
		}()
		logging.Info().Str("url", natsURL).Msg("Embedded NATS server ready")
	}

	// Provision both streams before any publisher or subscriber starts.
	nc, err := natsgo.Connect(natsURL,
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.NATS.MaxReconnects),
		natsgo.ReconnectWait(cfg.NATS.ReconnectWait),
	)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}

	actionStreamCfg := stream.ActionStreamConfig(cfg.NATS.ActionStreamMaxAge, cfg.NATS.DuplicateWindow)
	actionInit, err := stream.NewInitializer(js, &actionStreamCfg)
	if err != nil {
		return fmt.Errorf("action stream initializer: %w", err)
	}
	if _, err := actionInit.EnsureStream(ctx); err != nil {
		return fmt.Errorf("provision action stream: %w", err)
	}

	similarityStreamCfg := stream.SimilarityStreamConfig(cfg.NATS.DuplicateWindow)
	similarityInit, err := stream.NewInitializer(js, &similarityStreamCfg)
	if err != nil {
		return fmt.Errorf("similarity stream initializer: %w", err)
	}
	if _, err := similarityInit.EnsureStream(ctx); err != nil {
		return fmt.Errorf("provision similarity stream: %w", err)
	}
	logging.Info().Msg("JetStream streams provisioned")

	wmLogger := logging.NewWatermillAdapter()

	// Publishers. The action publisher sits behind a circuit breaker so a
	// broker outage fails ingestion fast instead of piling up goroutines.
	actionPub, err := stream.NewPublisher(stream.DefaultPublisherConfig(natsURL), wmLogger)
	if err != nil {
		return fmt.Errorf("action publisher: %w", err)
	}
	defer actionPub.Close()
	actionPub.SetCircuitBreaker(gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "action-publish",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
	}))

	similarityPub, err := stream.NewPublisher(stream.DefaultPublisherConfig(natsURL), wmLogger)
	if err != nil {
		return fmt.Errorf("similarity publisher: %w", err)
	}
	defer similarityPub.Close()

	// Materialized view store.
	storeCfg := store.Config{
		Path:         cfg.Store.Path,
		InMemory:     cfg.Store.InMemory,
		DefaultLimit: cfg.Store.DefaultLimit,
		MaxLimit:     cfg.Store.MaxLimit,
		CacheTTL:     cfg.Store.CacheTTL,
	}
	st, err := store.Open(storeCfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Error().Err(err).Msg("Store close failed")
		}
	}()

	// Ingestion gateway.
	gw, err := gateway.New(actionPub, gateway.Config{
		Partitions:     cfg.NATS.Partitions,
		MaxFutureSkew:  cfg.Gateway.MaxFutureSkew,
		PublishRetries: cfg.Gateway.PublishRetries,
		PublishBackoff: cfg.Gateway.PublishBackoff,
	})
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	// Aggregation engine.
	state := engine.NewShardedStore(cfg.Engine.Shards)
	eng, err := engine.New(state, similarityPub, engine.Config{Epsilon: cfg.Engine.Epsilon})
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	engineDLQ, err := stream.NewDLQ(stream.DLQConfig{
		MaxRetries:     cfg.Engine.DLQMaxRetries,
		MaxEntries:     cfg.Engine.DLQMaxEntries,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
	})
	if err != nil {
		return fmt.Errorf("engine DLQ: %w", err)
	}
	storeDLQ, err := stream.NewDLQ(stream.DLQConfig{
		MaxRetries:     cfg.Engine.DLQMaxRetries,
		MaxEntries:     cfg.Engine.DLQMaxEntries,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
	})
	if err != nil {
		return fmt.Errorf("store DLQ: %w", err)
	}

	// Supervisor tree.
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

	// One durable consumer per partition: a partition has exactly one
	// worker, which is what gives per-user ordering. The engine's
	// aggregates live in memory and are rebuilt by replaying the action
	// stream from the start, so any engine durable that survived a crash
	// is deleted first: resuming at its ack floor with empty state would
	// compute every score from zeroed aggregates.
	for partition := 0; partition < cfg.NATS.Partitions; partition++ {
		durable := fmt.Sprintf("%s-p%d", cfg.NATS.EngineDurableName, partition)
		if err := actionInit.ResetConsumer(ctx, durable); err != nil {
			return fmt.Errorf("reset engine consumer p%d: %w", partition, err)
		}

		subCfg := stream.DefaultSubscriberConfig(natsURL, stream.ActionStreamName,
			durable,
			fmt.Sprintf("%s-p%d", cfg.NATS.EngineQueueGroup, partition))
		subCfg.MaxReconnects = cfg.NATS.MaxReconnects
		subCfg.ReconnectWait = cfg.NATS.ReconnectWait
		subCfg.AckWaitTimeout = cfg.NATS.AckWaitTimeout
		subCfg.CloseTimeout = cfg.NATS.CloseTimeout
		subCfg.MaxDeliver = cfg.NATS.MaxDeliver
		subCfg.MaxAckPending = cfg.NATS.MaxAckPending
		subCfg.DeliverAll = true // rebuild in-memory aggregates by replay

		sub, err := stream.NewSubscriber(&subCfg, wmLogger)
		if err != nil {
			return fmt.Errorf("engine subscriber p%d: %w", partition, err)
		}
		defer sub.Close()

		worker, err := engine.NewWorker(eng, sub, engineDLQ, partition)
		if err != nil {
			return fmt.Errorf("engine worker p%d: %w", partition, err)
		}
		tree.AddPipelineService(supervisor.NewRunnerService(
			fmt.Sprintf("engine-worker-%d", partition), worker))
	}

	// Store consumers: similarity view and user weight view.
	simSubCfg := stream.DefaultSubscriberConfig(natsURL, stream.SimilarityStreamName,
		cfg.NATS.StoreDurableName+"-sim", cfg.NATS.StoreQueueGroup+"-sim")
	simSubCfg.DeliverAll = true // compacted stream doubles as the seed
	simSub, err := stream.NewSubscriber(&simSubCfg, wmLogger)
	if err != nil {
		return fmt.Errorf("similarity subscriber: %w", err)
	}
	defer simSub.Close()

	simConsumer, err := store.NewSimilarityConsumer(st, simSub, storeDLQ)
	if err != nil {
		return fmt.Errorf("similarity consumer: %w", err)
	}
	tree.AddPipelineService(supervisor.NewRunnerService("store-similarity-consumer", simConsumer))

	actSubCfg := stream.DefaultSubscriberConfig(natsURL, stream.ActionStreamName,
		cfg.NATS.StoreDurableName+"-act", cfg.NATS.StoreQueueGroup+"-act")
	actSubCfg.DeliverAll = true
	actSub, err := stream.NewSubscriber(&actSubCfg, wmLogger)
	if err != nil {
		return fmt.Errorf("action subscriber: %w", err)
	}
	defer actSub.Close()

	actConsumer, err := store.NewActionConsumer(st, actSub, storeDLQ)
	if err != nil {
		return fmt.Errorf("action consumer: %w", err)
	}
	tree.AddPipelineService(supervisor.NewRunnerService("store-action-consumer", actConsumer))

	// DLQ retry loops. Entries that keep failing are dropped once their
	// retries exhaust.
	serializer := stream.NewSerializer()
	tree.AddPipelineService(supervisor.NewDLQRetryService("engine-dlq-retry", engineDLQ, time.Minute,
		func(ctx context.Context, entry *stream.DLQEntry) error {
			action, err := serializer.UnmarshalAction(entry.Payload)
			if err != nil {
				return err
			}
			_, _, err = eng.Process(ctx, action)
			return err
		}))
	tree.AddPipelineService(supervisor.NewDLQRetryService("store-dlq-retry", storeDLQ, time.Minute,
		func(ctx context.Context, entry *stream.DLQEntry) error {
			if strings.HasPrefix(entry.Topic, stream.SimilarityTopicPrefix) {
				sim, err := serializer.UnmarshalSimilarity(entry.Payload)
				if err != nil {
					return err
				}
				return st.UpsertSimilarity(ctx, sim)
			}
			action, err := serializer.UnmarshalAction(entry.Payload)
			if err != nil {
				return err
			}
			return st.ApplyAction(ctx, action)
		}))

	// HTTP API.
	handler := api.NewHandler(gw, st)
	handler.RegisterDLQ("engine", engineDLQ)
	handler.RegisterDLQ("store", storeDLQ)
	handler.RegisterReadiness("action_stream", func() bool { return actionInit.IsHealthy(ctx) })
	handler.RegisterReadiness("similarity_stream", func() bool { return similarityInit.IsHealthy(ctx) })
	if embedded != nil {
		handler.RegisterReadiness("broker", embedded.IsRunning)
	}

	mwCfg := api.DefaultMiddlewareConfig()
	mwCfg.CORSAllowedOrigins = cfg.Server.CORSOrigins
	mwCfg.RateLimitRequests = cfg.Server.RateLimitReqs
	mwCfg.RateLimitWindow = cfg.Server.RateLimitWindow

	router := api.NewRouter(handler, api.NewMiddleware(mwCfg))
	httpServer := api.NewServer(api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, router.Setup())
	tree.AddAPIService(supervisor.NewRunnerService("http-server", httpServer))

	logging.Info().Str("addr", httpServer.Addr()).Msg("Affinity pipeline assembled")
	return tree.Serve(ctx)
}
