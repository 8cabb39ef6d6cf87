package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/logaggregator/aggregator/internal/aggregator"
	"github.com/logaggregator/aggregator/internal/consumer"
	"github.com/logaggregator/aggregator/internal/dedupstore"
	"github.com/logaggregator/aggregator/internal/httpapi/middleware"
)

// Store is the subset of dedupstore.Store the HTTP surface depends on.
type Store interface {
	QueryEvents(ctx context.Context, topic string, limit int) ([]aggregator.StoredEvent, error)
	Topics(ctx context.Context) ([]string, error)
	LoadCounter(ctx context.Context, name string) (int64, error)
	IncrementCounter(ctx context.Context, name string, delta int64) error
}

// Queue is the subset of queue.Queue the publish handler depends on.
type Queue interface {
	Enqueue(ctx context.Context, event aggregator.Event) error
	Len() int
}

// ConsumerController lets the server drive the consumer's shutdown drain
// without importing the consumer package's concrete type.
type ConsumerController interface {
	Stop(gracePeriod time.Duration) error
}

// Server is the aggregator's HTTP API server.
type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	config      *Config
	startTime   time.Time
	store       Store
	queue       Queue
	consumer    ConsumerController
	rateLimiter middleware.RateLimiter
	validator   *aggregator.Validator
}

// NewServer wires the publish/query/stats/health handlers to the given
// store, queue, and consumer, and builds the middleware-wrapped handler.
// store and queue are required; consumer and rateLimiter may be nil
// (nil rateLimiter disables per-source limiting).
func NewServer(
	cfg *Config,
	store Store,
	q Queue,
	consumer ConsumerController,
	rateLimiter middleware.RateLimiter,
) *Server {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	if store == nil || q == nil {
		logger.Error("dedup store and queue are required to start the aggregator")
		panic("httpapi: store and queue must not be nil")
	}

	mux := http.NewServeMux()

	server := &Server{
		logger:      logger,
		config:      cfg,
		store:       store,
		queue:       q,
		consumer:    consumer,
		rateLimiter: rateLimiter,
		validator:   aggregator.NewValidator(),
	}

	server.setupRoutes(mux)

	if rateLimiter != nil {
		logger.Info("per-source rate limiting enabled")
	}

	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithRateLimit(rateLimiter, logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	server.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server
}

// Start begins accepting requests and blocks until a shutdown signal or
// server error. It implements the server lifecycle from §4.5: the dedup
// store and consumer are expected to already be running by the time
// Start is called; Start's own shutdown path only tears down the HTTP
// listener and, transitively, drains the consumer.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("starting aggregator HTTP server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("received shutdown signal", slog.String("signal", sig.String()))

		return s.shutdown()
	}
}

// shutdown stops accepting new requests, then signals the consumer to
// drain the queue within a bounded grace period, per §4.5 and §5's
// cancellation-and-timeouts contract. It does not close the dedup store:
// that is the caller's (cmd/aggregator's) responsibility, since the store
// outlives the HTTP surface during the drain.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownGracePeriod)
	defer cancel()

	s.logger.Info("stopping HTTP listener",
		slog.Duration("grace_period", s.config.ShutdownGracePeriod),
	)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	if s.queue != nil {
		if closer, ok := s.queue.(interface{ Close() }); ok {
			closer.Close()
		}
	}

	if s.consumer != nil {
		if err := s.consumer.Stop(s.config.ShutdownGracePeriod); err != nil {
			if errors.Is(err, consumer.ErrShutdownTimeout) {
				s.logger.Warn("consumer did not drain within grace period")
			} else {
				s.logger.Warn("consumer shutdown reported an error", slog.String("error", err.Error()))
			}
		}
	}

	s.logger.Info("aggregator shutdown complete")

	return nil
}
