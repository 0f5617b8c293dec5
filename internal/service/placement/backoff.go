package placement

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/acme/outbound-call-engine/internal/config"
	"github.com/acme/outbound-call-engine/internal/domain"
	"github.com/acme/outbound-call-engine/internal/repository"
	apperrors "github.com/acme/outbound-call-engine/pkg/errors"
	"github.com/acme/outbound-call-engine/pkg/logger"
)

const (
	defaultBaseDelay = 5 * time.Minute
	defaultMaxDelay  = time.Hour
)

// Backoff computes retry delays as min(base * 2^attempt, max).
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// NewBackoff builds a backoff from config, applying defaults.
func NewBackoff(cfg config.PlacementConfig) Backoff {
	b := Backoff{Base: cfg.BaseDelay, Max: cfg.MaxDelay}
	if b.Base <= 0 {
		b.Base = defaultBaseDelay
	}
	if b.Max <= 0 {
		b.Max = defaultMaxDelay
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	return b
}

// Delay returns the wait before the next attempt after attempt failures.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := b.Base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= b.Max {
			return b.Max
		}
	}
	return min(delay, b.Max)
}

// Retrier records a failed attempt on a claimed intent: it either returns the
// intent to pending after a backoff delay or fails it terminally.
type Retrier struct {
	intents repository.IntentRepository
	links   repository.LinkRepository
	backoff Backoff
	logger  *logger.Logger
	now     func() time.Time
}

// NewRetrier constructs a retrier.
func NewRetrier(intents repository.IntentRepository, links repository.LinkRepository, backoff Backoff, log *logger.Logger) *Retrier {
	return &Retrier{
		intents: intents,
		links:   links,
		backoff: backoff,
		logger:  log.Named("retrier"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Fail consumes one attempt of an in_progress intent. Transient causes with
// budget left go back to pending; everything else ends in failed.
func (r *Retrier) Fail(ctx context.Context, intent *domain.CallIntent, cause error) (*domain.CallIntent, error) {
	now := r.now()
	attempt := intent.AttemptCount + 1
	next := domain.IntentStatusFailed
	if apperrors.IsTransient(cause) && attempt < intent.MaxAttempts {
		next = domain.IntentStatusPending
	}

	updated, err := r.intents.Transition(ctx, intent.ID, domain.IntentStatusInProgress, next, func(i *domain.CallIntent) {
		i.AttemptCount = attempt
		i.LastError = cause.Error()
		if next == domain.IntentStatusPending {
			i.ScheduledTime = now.Add(r.backoff.Delay(attempt))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("retrier: record failure: %w", err)
	}

	log := r.logger.WithContext(ctx).With(
		zap.String("intent_id", intent.ID.String()),
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", intent.MaxAttempts),
		zap.Error(cause),
	)
	if next == domain.IntentStatusPending {
		log.Info("placement attempt failed, retry scheduled", zap.Time("scheduled_time", updated.ScheduledTime))
		return updated, nil
	}

	log.Warn("placement failed terminally")
	if intent.CampaignID != nil {
		if err := r.links.SetStatus(ctx, *intent.CampaignID, intent.ContactID, domain.LinkStatusFailed, cause.Error()); err != nil && !apperrors.Is(err, repository.ErrNotFound) {
			return updated, fmt.Errorf("retrier: mark link failed: %w", err)
		}
	}
	return updated, nil
}
