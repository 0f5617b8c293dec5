package scheduler

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
	"github.com/acme/outbound-call-engine/internal/policy"
	"github.com/acme/outbound-call-engine/internal/queue"
	"github.com/acme/outbound-call-engine/internal/repository"
	apperrors "github.com/acme/outbound-call-engine/pkg/errors"
	"github.com/acme/outbound-call-engine/pkg/logger"
)

const (
	doNotCallNote      = "Contact is on do-not-call list"
	outstandingNote    = "Contact already has an outstanding intent for this campaign"
	contactMissingNote = "Contact not found"
)

// CampaignSource loads campaigns with their calling windows.
type CampaignSource interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	ListActive(ctx context.Context, limit int) ([]*domain.Campaign, error)
}

// RateReserver holds one unit of a campaign's hourly and daily budget.
type RateReserver interface {
	Reserve(ctx context.Context, campaign *domain.Campaign, now time.Time) (bool, error)
	Release(ctx context.Context, campaign *domain.Campaign, now time.Time) error
}

// Publisher hands claimed intents to the call workers.
type Publisher interface {
	DispatchCall(ctx context.Context, msg queue.DispatchMessage) error
}

// FailureHandler consumes an attempt of a claimed intent that could not be handed off.
type FailureHandler interface {
	Fail(ctx context.Context, intent *domain.CallIntent, cause error) (*domain.CallIntent, error)
}

// Deps groups the collaborators of the scheduler.
type Deps struct {
	Intents   repository.IntentRepository
	Links     repository.LinkRepository
	Contacts  repository.ContactRepository
	Campaigns CampaignSource
	Evaluator *policy.Evaluator
	Rates     RateReserver
	Publisher Publisher
	Failures  FailureHandler
}

// Scheduler claims due intents and turns enrolled contacts into intents.
type Scheduler struct {
	deps        Deps
	cfg         config.SchedulerConfig
	maxAttempts int
	logger      *logger.Logger
	now         func() time.Time
}

// New constructs a scheduler.
func New(deps Deps, cfg config.SchedulerConfig, placement config.PlacementConfig, log *logger.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 15 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 10
	}
	if cfg.SweepPageSize <= 0 {
		cfg.SweepPageSize = 200
	}
	return &Scheduler{
		deps:        deps,
		cfg:         cfg,
		maxAttempts: placement.DefaultMaxAttempts,
		logger:      log.Named("scheduler"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run executes the dispatch and sweep loops until cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	dispatch := time.NewTicker(s.cfg.TickInterval)
	defer dispatch.Stop()
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()

	s.runSweep(ctx)
	s.runDispatch(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweep.C:
			s.runSweep(ctx)
		case <-dispatch.C:
			s.runDispatch(ctx)
		}
	}
}

func (s *Scheduler) runDispatch(ctx context.Context) {
	if _, err := s.Dispatch(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("dispatch tick failed", zap.Error(err))
	}
}

func (s *Scheduler) runSweep(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("sweep tick failed", zap.Error(err))
	}
}

// Dispatch runs one dispatcher tick and reports how many intents were handed off.
func (s *Scheduler) Dispatch(ctx context.Context) (int, error) {
	tracer := otel.Tracer("outbound.scheduler")
	sctx, span := tracer.Start(ctx, "scheduler.dispatch")
	defer span.End()

	now := s.now()
	due, err := s.deps.Intents.ListDue(sctx, now, s.cfg.MaxBatchSize)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("scheduler: list due: %w", err)
	}
	span.SetAttributes(attribute.Int("intents.due", len(due)))
	if len(due) == 0 {
		return 0, nil
	}

	contactIDs := make([]uuid.UUID, 0, len(due))
	for _, intent := range due {
		contactIDs = append(contactIDs, intent.ContactID)
	}
	contacts, err := s.deps.Contacts.GetMany(sctx, contactIDs)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("scheduler: load contacts: %w", err)
	}

	campaigns := make(map[uuid.UUID]*domain.Campaign)
	dispatched := 0
	for _, intent := range due {
		ok, err := s.dispatchOne(sctx, tracer, intent, contacts[intent.ContactID], campaigns, now)
		if err != nil {
			span.RecordError(err)
			s.logger.WithContext(sctx).Error("dispatch intent",
				zap.String("intent_id", intent.ID.String()), zap.Error(err))
			continue
		}
		if ok {
			dispatched++
		}
	}
	span.SetAttributes(attribute.Int("intents.dispatched", dispatched))
	return dispatched, nil
}

func (s *Scheduler) dispatchOne(ctx context.Context, tracer trace.Tracer, intent *domain.CallIntent, contact *domain.Contact, campaigns map[uuid.UUID]*domain.Campaign, now time.Time) (bool, error) {
	ctx, span := tracer.Start(ctx, "scheduler.intent", trace.WithAttributes(
		attribute.String("intent.id", intent.ID.String()),
		attribute.String("priority", string(intent.Priority)),
	))
	defer span.End()
	log := s.logger.WithContext(ctx).With(zap.String("intent_id", intent.ID.String()))

	if contact == nil {
		return false, s.cancel(ctx, intent, contactMissingNote, domain.LinkStatusSkipped)
	}

	var campaign *domain.Campaign
	if intent.CampaignID != nil {
		c, err := s.campaign(ctx, *intent.CampaignID, campaigns)
		if err != nil {
			return false, err
		}
		switch c.Status {
		case domain.CampaignStatusActive:
			campaign = c
		case domain.CampaignStatusCompleted, domain.CampaignStatusCancelled:
			return false, s.cancel(ctx, intent, fmt.Sprintf("Campaign is %s", c.Status), domain.LinkStatusSkipped)
		default:
			// draft or paused campaigns hold their intents until activated
			return false, nil
		}
	}

	decision, err := s.deps.Evaluator.EvaluateIntent(ctx, intent, contact, campaign, now)
	if err != nil {
		return false, err
	}
	metrics.PolicyDecisions.WithLabelValues(reasonLabel(decision)).Inc()

	if !decision.Eligible {
		span.SetAttributes(attribute.String("policy.reason", string(decision.Reason)))
		switch decision.Reason {
		case policy.ReasonDoNotCall:
			log.Info("cancelling intent for do-not-call contact")
			return false, s.cancel(ctx, intent, doNotCallNote, domain.LinkStatusOptedOut)
		case policy.ReasonContactMissing:
			return false, s.cancel(ctx, intent, contactMissingNote, domain.LinkStatusSkipped)
		case policy.ReasonOutstandingIntent:
			log.Info("cancelling duplicate intent")
			return false, s.cancel(ctx, intent, outstandingNote, "")
		default:
			return false, s.reschedule(ctx, intent, decision.RetryAt)
		}
	}

	if campaign != nil {
		reserved, err := s.deps.Rates.Reserve(ctx, campaign, now)
		if err != nil {
			return false, fmt.Errorf("scheduler: reserve rate: %w", err)
		}
		if !reserved {
			hour, _ := campaign.Buckets(now)
			return false, s.reschedule(ctx, intent, policy.OptimalCallTime(campaign, hour.Add(time.Hour)))
		}
	}

	claimed, err := s.deps.Intents.Transition(ctx, intent.ID, domain.IntentStatusPending, domain.IntentStatusInProgress, nil)
	if err != nil {
		s.release(ctx, campaign, now)
		if errors.Is(err, repository.ErrConflict) {
			log.Debug("intent claimed elsewhere")
			return false, nil
		}
		return false, fmt.Errorf("scheduler: claim intent: %w", err)
	}
	metrics.IntentsClaimed.WithLabelValues(string(claimed.Priority)).Inc()

	msg := queue.DispatchMessage{
		IntentID:    claimed.ID,
		ContactID:   claimed.ContactID,
		CampaignID:  claimed.CampaignID,
		Priority:    string(claimed.Priority),
		Attempt:     claimed.AttemptCount + 1,
		MaxAttempts: claimed.MaxAttempts,
		EnqueuedAt:  now,
	}
	if err := s.deps.Publisher.DispatchCall(ctx, msg); err != nil {
		span.RecordError(err)
		s.release(ctx, campaign, now)
		cause := fmt.Errorf("%w: publish dispatch: %v", apperrors.ErrUnavailable, err)
		if _, ferr := s.deps.Failures.Fail(ctx, claimed, cause); ferr != nil {
			return false, errors.Join(cause, ferr)
		}
		return false, cause
	}

	log.Info("intent dispatched", zap.Int("attempt", msg.Attempt))
	return true, nil
}

func (s *Scheduler) campaign(ctx context.Context, id uuid.UUID, cache map[uuid.UUID]*domain.Campaign) (*domain.Campaign, error) {
	if c, ok := cache[id]; ok {
		return c, nil
	}
	c, err := s.deps.Campaigns.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("scheduler: load campaign %s: %w", id, err)
	}
	cache[id] = c
	return c, nil
}

func (s *Scheduler) cancel(ctx context.Context, intent *domain.CallIntent, note string, link domain.LinkStatus) error {
	_, err := s.deps.Intents.Transition(ctx, intent.ID, domain.IntentStatusPending, domain.IntentStatusCancelled, func(i *domain.CallIntent) {
		i.LastError = note
	})
	if errors.Is(err, repository.ErrConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("scheduler: cancel intent: %w", err)
	}
	if intent.CampaignID == nil || link == "" {
		return nil
	}
	if err := s.deps.Links.SetStatus(ctx, *intent.CampaignID, intent.ContactID, link, note); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("scheduler: update link: %w", err)
	}
	return nil
}

func (s *Scheduler) reschedule(ctx context.Context, intent *domain.CallIntent, at time.Time) error {
	if at.IsZero() {
		return nil
	}
	_, err := s.deps.Intents.Transition(ctx, intent.ID, domain.IntentStatusPending, domain.IntentStatusPending, func(i *domain.CallIntent) {
		i.ScheduledTime = at.UTC()
	})
	if errors.Is(err, repository.ErrConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("scheduler: reschedule intent: %w", err)
	}
	s.logger.WithContext(ctx).Debug("intent rescheduled",
		zap.String("intent_id", intent.ID.String()), zap.Time("scheduled_time", at))
	return nil
}

func (s *Scheduler) release(ctx context.Context, campaign *domain.Campaign, now time.Time) {
	if campaign == nil {
		return
	}
	if err := s.deps.Rates.Release(ctx, campaign, now); err != nil {
		s.logger.WithContext(ctx).Warn("release rate reservation", zap.Error(err))
	}
}

func reasonLabel(d policy.Decision) string {
	if d.Eligible {
		return "eligible"
	}
	return string(d.Reason)
}
