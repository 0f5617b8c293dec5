// Package placement turns a claimed call intent into a provider call.
package placement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-call-engine/internal/config"
	"github.com/acme/outbound-call-engine/internal/domain"
	"github.com/acme/outbound-call-engine/internal/metrics"
	"github.com/acme/outbound-call-engine/internal/repository"
	"github.com/acme/outbound-call-engine/internal/service/concurrency"
	"github.com/acme/outbound-call-engine/internal/telephony"
	apperrors "github.com/acme/outbound-call-engine/pkg/errors"
	"github.com/acme/outbound-call-engine/pkg/logger"
)

const defaultRequestTimeout = 30 * time.Second

// Locker serializes work on one key across processes.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

// RateRecorder durably counts placed calls against campaign caps and hands
// back the reservation of a dial that never went out.
type RateRecorder interface {
	Record(ctx context.Context, campaign *domain.Campaign, callID uuid.UUID, at time.Time) error
	Release(ctx context.Context, campaign *domain.Campaign, reservedAt time.Time) error
}

// CampaignSource loads a campaign with its calling window.
type CampaignSource interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
}

// Result reports the outcome of one placement.
type Result struct {
	Success        bool
	CallID         uuid.UUID
	ProviderCallID string
	Reason         string
	Transient      bool
}

// Deps groups the adapter's collaborators.
type Deps struct {
	Intents   repository.IntentRepository
	Links     repository.LinkRepository
	Contacts  repository.ContactRepository
	Calls     repository.CallStore
	Campaigns CampaignSource
	Provider  telephony.Provider
	Locker    Locker
	Rates     RateRecorder
	Retrier   *Retrier
}

// Adapter places calls for claimed intents. Placement is idempotent by intent id.
type Adapter struct {
	deps            Deps
	timeout         time.Duration
	lockTTL         time.Duration
	fromNumber      string
	callbackBaseURL string
	logger          *logger.Logger
	now             func() time.Time
}

// NewAdapter constructs a placement adapter.
func NewAdapter(deps Deps, cfg config.PlacementConfig, tel config.TelephonyConfig, log *logger.Logger) *Adapter {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= timeout {
		lockTTL = 2 * timeout
	}
	return &Adapter{
		deps:            deps,
		timeout:         timeout,
		lockTTL:         lockTTL,
		fromNumber:      tel.FromNumber,
		callbackBaseURL: tel.CallbackBaseURL,
		logger:          log.Named("placement"),
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Place originates the call for intent. Intents that are no longer
// in_progress are skipped, and an intent that already has a call reports
// success without dialing again. The call record is stored before the
// provider is asked to dial, so a crash or storage error after the dial can
// never lead to a second dial.
func (a *Adapter) Place(ctx context.Context, intent *domain.CallIntent) (Result, error) {
	tracer := otel.Tracer("outbound.placement")
	ctx, span := tracer.Start(ctx, "placement.place", trace.WithAttributes(
		attribute.String("intent.id", intent.ID.String()),
	))
	defer span.End()

	release, err := a.deps.Locker.Acquire(ctx, concurrency.PlacementLockKey(intent.ID), a.lockTTL)
	if err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("placement: acquire lock: %w", err)
	}
	if release == nil {
		metrics.PlacementResults.WithLabelValues("skipped").Inc()
		return Result{Reason: "placement already in flight"}, nil
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("release placement lock", zap.Error(err))
		}
	}()

	current, err := a.deps.Intents.Get(ctx, intent.ID)
	if err != nil {
		return Result{}, fmt.Errorf("placement: load intent: %w", err)
	}

	existing, err := a.deps.Calls.GetByIntent(ctx, intent.ID)
	switch {
	case err == nil:
		return a.resume(ctx, current, existing)
	case !errors.Is(err, repository.ErrNotFound):
		return Result{}, fmt.Errorf("placement: load call: %w", err)
	}

	if current.Status != domain.IntentStatusInProgress {
		metrics.PlacementResults.WithLabelValues("skipped").Inc()
		return Result{Reason: fmt.Sprintf("intent is %s", current.Status)}, nil
	}

	contact, err := a.deps.Contacts.Get(ctx, current.ContactID)
	if errors.Is(err, repository.ErrNotFound) {
		return a.fail(ctx, current, fmt.Errorf("%w: contact %s not found", apperrors.ErrProviderPermanent, current.ContactID), 0)
	}
	if err != nil {
		return Result{}, fmt.Errorf("placement: load contact: %w", err)
	}
	if contact.DoNotCall {
		res, err := a.fail(ctx, current, fmt.Errorf("%w: contact is on do-not-call list", apperrors.ErrProviderPermanent), 0)
		if err == nil && current.CampaignID != nil {
			err = a.deps.Links.SetStatus(ctx, *current.CampaignID, current.ContactID, domain.LinkStatusOptedOut, "Contact is on do-not-call list")
		}
		return res, err
	}

	now := a.now()
	call, created, err := a.deps.Calls.CreateForIntent(ctx, &domain.Call{
		ID:         uuid.New(),
		IntentID:   current.ID,
		ContactID:  current.ContactID,
		CampaignID: current.CampaignID,
		Direction:  "outbound",
		Status:     domain.CallStatusInitiated,
		FromNumber: a.fromNumber,
		ToNumber:   contact.PhoneNumber,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		return Result{}, fmt.Errorf("placement: create call: %w", err)
	}
	if !created {
		a.logger.WithContext(ctx).Warn("intent already had a call",
			zap.String("intent_id", current.ID.String()), zap.String("call_id", call.ID.String()))
		return a.resume(ctx, current, call)
	}

	answerURL, statusURL := telephony.CallbackURLs(a.callbackBaseURL, call.ID)
	req := telephony.OriginateRequest{
		CallID:            call.ID,
		IntentID:          current.ID,
		To:                contact.PhoneNumber,
		From:              a.fromNumber,
		AnswerURL:         answerURL,
		StatusCallbackURL: statusURL,
		RingTimeout:       a.timeout,
	}

	started := time.Now()
	octx, cancel := context.WithTimeout(ctx, a.timeout)
	res, err := a.deps.Provider.Originate(octx, req)
	cancel()
	elapsed := time.Since(started)
	metrics.PlacementDuration.Observe(elapsed.Seconds())

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !apperrors.Is(err, apperrors.ErrProviderTransient) {
			err = telephony.Transient("originate timed out after %s", a.timeout)
		}
		span.RecordError(err)
		if derr := a.deps.Calls.Discard(ctx, call); derr != nil {
			a.logger.WithContext(ctx).Warn("discard undialled call", zap.String("call_id", call.ID.String()), zap.Error(derr))
		}
		return a.fail(ctx, current, err, elapsed)
	}

	call.ProviderCallID = res.ProviderCallID
	if err := a.deps.Calls.Update(ctx, call); err != nil {
		return Result{}, fmt.Errorf("placement: store provider call id: %w", err)
	}
	if err := a.complete(ctx, current, call); err != nil {
		return Result{}, err
	}
	a.appendAttempt(ctx, current, domain.CallAttempt{Success: true, ProviderID: call.ProviderCallID, Duration: elapsed})
	metrics.PlacementResults.WithLabelValues("success").Inc()
	span.SetAttributes(attribute.String("call.id", call.ID.String()))

	a.logger.WithContext(ctx).Info("call placed",
		zap.String("intent_id", current.ID.String()),
		zap.String("call_id", call.ID.String()),
		zap.String("provider_call_id", call.ProviderCallID),
		zap.String("provider", a.deps.Provider.Name()),
	)
	return Result{Success: true, CallID: call.ID, ProviderCallID: call.ProviderCallID}, nil
}

// resume settles an intent whose call record already exists. A call without
// a provider id was stored but its dial was never confirmed: it may have
// rung, so it is flagged for review and the intent fails instead of dialing
// again.
func (a *Adapter) resume(ctx context.Context, intent *domain.CallIntent, call *domain.Call) (Result, error) {
	if intent.Status != domain.IntentStatusInProgress {
		metrics.PlacementResults.WithLabelValues("skipped").Inc()
		if call.ProviderCallID == "" {
			return Result{CallID: call.ID, Reason: fmt.Sprintf("intent is %s", intent.Status)}, nil
		}
		return Result{Success: true, CallID: call.ID, ProviderCallID: call.ProviderCallID, Reason: "call already placed"}, nil
	}

	if call.ProviderCallID == "" {
		call.NeedsReview = true
		if err := a.deps.Calls.Update(ctx, call); err != nil {
			return Result{}, fmt.Errorf("placement: flag unconfirmed call: %w", err)
		}
		a.logger.WithContext(ctx).Warn("dial outcome unknown, not redialing",
			zap.String("intent_id", intent.ID.String()), zap.String("call_id", call.ID.String()))
		cause := fmt.Errorf("%w: dial outcome unknown for call %s", apperrors.ErrProviderPermanent, call.ID)
		res, err := a.recordFailure(ctx, intent, cause, 0, false)
		res.CallID = call.ID
		return res, err
	}

	if err := a.complete(ctx, intent, call); err != nil {
		return Result{}, err
	}
	metrics.PlacementResults.WithLabelValues("skipped").Inc()
	return Result{Success: true, CallID: call.ID, ProviderCallID: call.ProviderCallID, Reason: "call already placed"}, nil
}

// complete books the dialled call against the link and the campaign caps,
// then completes the intent. The bookkeeping is idempotent and runs first,
// so a retry after a partial failure finishes it.
func (a *Adapter) complete(ctx context.Context, intent *domain.CallIntent, call *domain.Call) error {
	if intent.CampaignID != nil {
		if err := a.deps.Links.MarkDialed(ctx, *intent.CampaignID, intent.ContactID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("placement: update link: %w", err)
		}
		campaign, err := a.deps.Campaigns.Get(ctx, *intent.CampaignID)
		if err != nil {
			return fmt.Errorf("placement: load campaign: %w", err)
		}
		if err := a.deps.Rates.Record(ctx, campaign, call.ID, call.CreatedAt); err != nil {
			return fmt.Errorf("placement: record rate: %w", err)
		}
	}

	callID := call.ID
	_, err := a.deps.Intents.Transition(ctx, intent.ID, domain.IntentStatusInProgress, domain.IntentStatusCompleted, func(i *domain.CallIntent) {
		i.AttemptCount++
		i.ResultRef = &callID
		i.LastError = ""
	})
	if err != nil && !errors.Is(err, repository.ErrConflict) {
		return fmt.Errorf("placement: complete intent: %w", err)
	}
	return nil
}

// fail records an attempt that never reached the contact and returns the
// campaign rate unit reserved when the intent was claimed.
func (a *Adapter) fail(ctx context.Context, intent *domain.CallIntent, cause error, elapsed time.Duration) (Result, error) {
	return a.recordFailure(ctx, intent, cause, elapsed, true)
}

func (a *Adapter) recordFailure(ctx context.Context, intent *domain.CallIntent, cause error, elapsed time.Duration, releaseRate bool) (Result, error) {
	updated, err := a.deps.Retrier.Fail(ctx, intent, cause)
	if err != nil {
		return Result{}, fmt.Errorf("placement: %w", err)
	}
	if intent.CampaignID != nil {
		if err := a.deps.Links.RecordAttempt(ctx, *intent.CampaignID, intent.ContactID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			a.logger.WithContext(ctx).Warn("record link attempt", zap.Error(err))
		}
		if releaseRate {
			a.releaseRate(ctx, intent)
		}
	}

	retrying := updated.Status == domain.IntentStatusPending
	transient := apperrors.IsTransient(cause)
	a.appendAttempt(ctx, intent, domain.CallAttempt{Transient: transient, Error: cause.Error(), Duration: elapsed})

	switch {
	case retrying:
		metrics.PlacementResults.WithLabelValues("transient").Inc()
	case transient:
		metrics.PlacementResults.WithLabelValues("exhausted").Inc()
	default:
		metrics.PlacementResults.WithLabelValues("permanent").Inc()
	}
	return Result{Reason: cause.Error(), Transient: retrying}, nil
}

// releaseRate hands back the unit reserved at claim time, which is the
// intent's last update before placement.
func (a *Adapter) releaseRate(ctx context.Context, intent *domain.CallIntent) {
	campaign, err := a.deps.Campaigns.Get(ctx, *intent.CampaignID)
	if err == nil {
		err = a.deps.Rates.Release(ctx, campaign, intent.UpdatedAt)
	}
	if err != nil {
		a.logger.WithContext(ctx).Warn("release rate reservation", zap.Error(err), zap.String("intent_id", intent.ID.String()))
	}
}

func (a *Adapter) appendAttempt(ctx context.Context, intent *domain.CallIntent, attempt domain.CallAttempt) {
	attempt.IntentID = intent.ID
	attempt.AttemptNum = intent.AttemptCount + 1
	attempt.CreatedAt = a.now()
	if err := a.deps.Calls.AppendAttempt(ctx, attempt); err != nil {
		a.logger.WithContext(ctx).Warn("append call attempt", zap.Error(err), zap.String("intent_id", intent.ID.String()))
	}
}
