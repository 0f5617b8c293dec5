package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-call-engine/internal/app"
	"github.com/acme/outbound-call-engine/internal/domain"
	"github.com/acme/outbound-call-engine/internal/queue"
	"github.com/acme/outbound-call-engine/internal/repository"
	"github.com/acme/outbound-call-engine/internal/service/placement"
	"github.com/acme/outbound-call-engine/pkg/logger"
)

const (
	placeAttempts = 3
	placeBackoff  = time.Second
)

// Placer originates the call for a claimed intent.
type Placer interface {
	Place(ctx context.Context, intent *domain.CallIntent) (placement.Result, error)
}

// FailureHandler consumes an attempt of an intent whose placement kept failing.
type FailureHandler interface {
	Fail(ctx context.Context, intent *domain.CallIntent, cause error) (*domain.CallIntent, error)
}

// Worker consumes dispatch messages and places the calls.
type Worker struct {
	intents     repository.IntentRepository
	placer      Placer
	failures    FailureHandler
	concurrency int
	logger      *logger.Logger
	newReader   func() *kafka.Reader
	backoff     time.Duration
}

// New creates a new call worker instance.
func New(container *app.Container) *Worker {
	cfg := container.Config
	svcs := container.Services()
	w := NewWorker(container.Repositories().Intents, svcs.Placement, svcs.Retrier, cfg.Worker.Concurrency, container.Logger)
	w.newReader = func() *kafka.Reader {
		return container.Kafka.NewReader(cfg.Kafka.DispatchTopic, cfg.Kafka.ConsumerGroupID)
	}
	return w
}

// NewWorker builds a worker around explicit collaborators.
func NewWorker(intents repository.IntentRepository, placer Placer, failures FailureHandler, concurrency int, log *logger.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		intents:     intents,
		placer:      placer,
		failures:    failures,
		concurrency: concurrency,
		logger:      log.Named("call-worker"),
		backoff:     placeBackoff,
	}
}

// Run fetches dispatch messages and fans them out to the placement pool
// until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	reader := w.newReader()
	defer reader.Close()

	w.logger.Info("call worker started",
		zap.String("topic", reader.Config().Topic),
		zap.String("group", reader.Config().GroupID),
		zap.Int("concurrency", w.concurrency),
	)

	jobs := make(chan kafka.Message)
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				if err := w.Handle(ctx, m.Value); err != nil {
					w.logger.Error("process dispatch", zap.Error(err))
				}
				if err := reader.CommitMessages(context.WithoutCancel(ctx), m); err != nil {
					w.logger.Error("commit message", zap.Error(err))
				}
			}
		}()
	}

	defer func() {
		close(jobs)
		wg.Wait()
	}()

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("fetch message", zap.Error(err))
			continue
		}
		select {
		case jobs <- m:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Handle places the call for one dispatch message. Malformed messages and
// intents that no longer exist are dropped.
func (w *Worker) Handle(ctx context.Context, value []byte) error {
	var dispatch queue.DispatchMessage
	if err := json.Unmarshal(value, &dispatch); err != nil {
		return fmt.Errorf("unmarshal dispatch: %w", err)
	}

	tracer := otel.Tracer("outbound.callworker")
	sctx, span := tracer.Start(ctx, "call.dispatch", trace.WithAttributes(
		attribute.String("intent.id", dispatch.IntentID.String()),
		attribute.Int("attempt", dispatch.Attempt),
	))
	defer span.End()

	intent, err := w.intents.Get(sctx, dispatch.IntentID)
	if errors.Is(err, repository.ErrNotFound) {
		w.logger.WithContext(sctx).Warn("dispatched intent not found", zap.String("intent_id", dispatch.IntentID.String()))
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("load intent: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= placeAttempts; attempt++ {
		result, err := w.placer.Place(sctx, intent)
		if err == nil {
			w.logger.WithContext(sctx).Info("dispatch handled",
				zap.String("intent_id", intent.ID.String()),
				zap.Bool("success", result.Success),
				zap.String("reason", result.Reason),
			)
			return nil
		}
		lastErr = err
		span.RecordError(err)
		if attempt < placeAttempts {
			select {
			case <-sctx.Done():
				return sctx.Err()
			case <-time.After(time.Duration(attempt) * w.backoff):
			}
		}
	}

	// The intent is still claimed; give the attempt back to the retry policy.
	if _, err := w.failures.Fail(context.WithoutCancel(sctx), intent, lastErr); err != nil && !errors.Is(err, repository.ErrConflict) {
		return fmt.Errorf("record placement failure: %w", errors.Join(lastErr, err))
	}
	return fmt.Errorf("place intent %s: %w", intent.ID, lastErr)
}
