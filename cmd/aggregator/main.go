// Package main provides the log aggregator service: a single-node
// publish/query HTTP API backed by a bounded ingestion queue, a single
// consumer loop, and a PostgreSQL dedup store providing exactly-once
// processing semantics on top of at-least-once delivery.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/logaggregator/aggregator/internal/consumer"
	"github.com/logaggregator/aggregator/internal/dedupstore"
	"github.com/logaggregator/aggregator/internal/envconfig"
	"github.com/logaggregator/aggregator/internal/httpapi"
	"github.com/logaggregator/aggregator/internal/httpapi/middleware"
	"github.com/logaggregator/aggregator/internal/kafkaingest"
	"github.com/logaggregator/aggregator/internal/queue"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "aggregator"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := httpapi.LoadConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("starting log aggregator",
		slog.String("service", name),
		slog.String("version", version),
	)

	storeConfig := dedupstore.LoadConfig()

	store, err := dedupstore.Open(storeConfig)
	if err != nil {
		logger.Error("failed to open dedup store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("dedup store opened",
		slog.String("database", storeConfig.MaskDatabaseURL()),
		slog.String("durability", string(storeConfig.Durability)),
	)

	queueCapacity := envconfig.GetInt("QUEUE_CAPACITY", queue.DefaultCapacity)
	eventQueue := queue.New(queueCapacity)

	eventConsumer := consumer.New(eventQueue, store, logger)
	go eventConsumer.Run()

	logger.Info("consumer loop started", slog.Int("queue_capacity", queueCapacity))

	rateLimitConfig := middleware.LoadConfig()
	rateLimiter := middleware.NewInMemoryRateLimiter(rateLimitConfig)
	defer rateLimiter.Close()

	kafkaConfig := kafkaingest.LoadConfig()

	var kafkaAdapter *kafkaingest.Adapter

	kafkaCtx, cancelKafka := context.WithCancel(context.Background())
	defer cancelKafka()

	if kafkaConfig.Enabled() {
		kafkaAdapter = kafkaingest.New(kafkaConfig, eventQueue, logger)

		go func() {
			if err := kafkaAdapter.Run(kafkaCtx); err != nil {
				logger.Error("kafka ingestion adapter stopped", slog.String("error", err.Error()))
			}
		}()

		logger.Info("kafka ingestion adapter started",
			slog.Any("brokers", kafkaConfig.Brokers),
			slog.String("topic", kafkaConfig.Topic),
		)
	} else {
		logger.Info("kafka ingestion adapter disabled (KAFKA_BROKERS not set)")
	}

	server := httpapi.NewServer(serverConfig, store, eventQueue, eventConsumer, rateLimiter)

	if err := server.Start(); err != nil {
		logger.Error("server failed", slog.String("error", err.Error()))

		cancelKafka()

		if kafkaAdapter != nil {
			_ = kafkaAdapter.Close()
		}

		if closeErr := store.Close(); closeErr != nil {
			logger.Error("failed to close dedup store", slog.String("error", closeErr.Error()))
		}

		os.Exit(1)
	}

	cancelKafka()

	if kafkaAdapter != nil {
		_ = kafkaAdapter.Close()
	}

	if err := store.Close(); err != nil {
		logger.Error("failed to close dedup store during shutdown", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("log aggregator stopped")
}
