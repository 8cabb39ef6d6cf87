package kafkaingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/logaggregator/aggregator/internal/aggregator"
	"github.com/logaggregator/aggregator/internal/queue"
)

// Queue is the subset of queue.Queue the Kafka adapter depends on.
type Queue interface {
	Enqueue(ctx context.Context, event aggregator.Event) error
}

// Adapter consumes one aggregator.Event per Kafka message and hands each
// off to the ingestion queue, offering the same at-least-once,
// publisher-retries-on-failure contract as the HTTP publish endpoint: a
// message is only committed after the corresponding event is enqueued on
// the in-memory ingestion queue (or rejected as malformed or invalid).
type Adapter struct {
	reader    *kafka.Reader
	queue     Queue
	validator *aggregator.Validator
	logger    *slog.Logger
}

// New constructs an Adapter reading from the configured topic/group.
func New(config *Config, q Queue, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     config.Brokers,
		Topic:       config.Topic,
		GroupID:     config.GroupID,
		StartOffset: kafka.FirstOffset,
	})

	return &Adapter{
		reader:    reader,
		queue:     q,
		validator: aggregator.NewValidator(),
		logger:    logger,
	}
}

// Run consumes messages until ctx is cancelled, the reader is closed, or the
// queue is closed. Malformed messages are logged and committed (poison
// messages must not block the partition); validation failures are treated
// the same way, since there is no HTTP client to return a 400 to. A message
// whose event could not be enqueued is left uncommitted.
func (a *Adapter) Run(ctx context.Context) error {
	for {
		msg, err := a.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return nil
			}

			a.logger.Error("kafka fetch failed", slog.String("error", err.Error()))

			return err
		}

		if err := a.handle(ctx, msg); err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}

			a.logger.Error("kafka message dropped",
				slog.String("topic", msg.Topic),
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
		}

		if err := a.reader.CommitMessages(ctx, msg); err != nil {
			a.logger.Error("kafka commit failed", slog.String("error", err.Error()))
		}
	}
}

func (a *Adapter) handle(ctx context.Context, msg kafka.Message) error {
	var event aggregator.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return err
	}

	if err := a.validator.Validate(&event); err != nil {
		return err
	}

	return a.queue.Enqueue(ctx, event)
}

// Close releases the underlying Kafka reader.
func (a *Adapter) Close() error {
	return a.reader.Close()
}
