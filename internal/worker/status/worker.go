package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-call-engine/internal/app"
	"github.com/acme/outbound-call-engine/internal/queue"
	"github.com/acme/outbound-call-engine/internal/repository"
	"github.com/acme/outbound-call-engine/internal/service/outcome"
	"github.com/acme/outbound-call-engine/pkg/logger"
)

// OutcomeProcessor records the outcome of a finished call.
type OutcomeProcessor interface {
	Process(ctx context.Context, callID uuid.UUID) (outcome.Processed, error)
}

// Worker consumes call lifecycle events and processes finished calls.
type Worker struct {
	processor OutcomeProcessor
	logger    *logger.Logger
	newReader func() *kafka.Reader
	backoff   time.Duration
}

const handleAttempts = 5

// New creates a new status worker.
func New(container *app.Container) *Worker {
	cfg := container.Config
	w := NewWorker(container.Services().Outcome, container.Logger)
	w.newReader = func() *kafka.Reader {
		return container.Kafka.NewReader(cfg.Kafka.StatusTopic, cfg.Kafka.StatusConsumerGroup)
	}
	return w
}

// NewWorker builds a worker around an explicit processor.
func NewWorker(processor OutcomeProcessor, log *logger.Logger) *Worker {
	return &Worker{processor: processor, logger: log.Named("status-worker"), backoff: time.Second}
}

// Run processes status events until the context is cancelled. A failed
// event is retried in place before its offset is committed; the processor is
// idempotent, so replays after a crash are harmless.
func (w *Worker) Run(ctx context.Context) error {
	reader := w.newReader()
	defer reader.Close()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("fetch", zap.Error(err))
			continue
		}

		if err := w.handleWithRetry(ctx, msg.Value); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("drop status event",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			w.logger.Error("commit", zap.Error(err))
		}
	}
}

func (w *Worker) handleWithRetry(ctx context.Context, value []byte) error {
	var err error
	for attempt := 1; attempt <= handleAttempts; attempt++ {
		err = w.Handle(ctx, value)
		if err == nil || errors.Is(err, errMalformed) || errors.Is(err, repository.ErrNotFound) {
			return err
		}
		w.logger.Warn("handle status", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * w.backoff):
		}
	}
	return err
}

var errMalformed = errors.New("malformed status message")

// Handle processes one status event. Only finished calls carry work.
func (w *Worker) Handle(ctx context.Context, value []byte) error {
	var status queue.StatusMessage
	if err := json.Unmarshal(value, &status); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	if status.Event != queue.EventCallFinished {
		return nil
	}

	tracer := otel.Tracer("outbound.statusworker")
	sctx, span := tracer.Start(ctx, "call.finished", trace.WithAttributes(
		attribute.String("call.id", status.CallID.String()),
		attribute.String("intent.id", status.IntentID.String()),
		attribute.String("call.status", status.Status),
	))
	defer span.End()

	res, err := w.processor.Process(sctx, status.CallID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("process call %s: %w", status.CallID, err)
	}
	if res.AlreadyProcessed {
		w.logger.WithContext(sctx).Debug("call already processed", zap.String("call_id", status.CallID.String()))
	}
	return nil
}
