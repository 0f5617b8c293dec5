package outcome

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/outbound-call-engine/internal/domain"
	"github.com/acme/outbound-call-engine/internal/queue"
	"github.com/acme/outbound-call-engine/internal/repository"
	"github.com/acme/outbound-call-engine/pkg/logger"
)

const demoDelay = 3 * 24 * time.Hour

// NotificationPublisher carries non-call follow-ups such as information packets.
type NotificationPublisher interface {
	PublishNotification(ctx context.Context, msg queue.NotificationMessage) error
}

// FollowUpScheduler turns an outcome's next action into work.
type FollowUpScheduler struct {
	intents       repository.IntentRepository
	notifications NotificationPublisher
	maxAttempts   int
	logger        *logger.Logger
	now           func() time.Time
}

// NewFollowUpScheduler constructs a follow-up scheduler.
func NewFollowUpScheduler(intents repository.IntentRepository, notifications NotificationPublisher, maxAttempts int, log *logger.Logger) *FollowUpScheduler {
	return &FollowUpScheduler{
		intents:       intents,
		notifications: notifications,
		maxAttempts:   maxAttempts,
		logger:        log.Named("followup"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Schedule acts on out.NextBestAction for call. It returns the follow-up
// intent, or nil when the action creates none. Ids are derived from the call
// and the action, so repeated processing of one call creates one follow-up.
func (s *FollowUpScheduler) Schedule(ctx context.Context, call *domain.Call, out domain.Outcome) (*domain.CallIntent, error) {
	now := s.now()
	switch out.NextBestAction {
	case domain.ActionScheduleDemo:
		return s.enqueue(ctx, call, out, domain.PurposeDemo, domain.PriorityHigh, now.Add(demoDelay), nil)
	case domain.ActionCallback:
		return s.enqueue(ctx, call, out, domain.PurposeFollowUp, domain.PriorityNormal, now.Add(out.FollowUpTimeframe.Delay()), map[string]any{
			"previous_outcome": string(out.PrimaryOutcome),
		})
	case domain.ActionSendInfo:
		msg := queue.NotificationMessage{
			ID:          followUpID(call.ID, out.NextBestAction),
			Kind:        string(domain.ActionSendInfo),
			ContactID:   call.ContactID,
			CallID:      call.ID,
			Outcome:     string(out.PrimaryOutcome),
			Summary:     out.Summary,
			KeyConcerns: out.KeyConcerns,
			CreatedAt:   now,
		}
		if err := s.notifications.PublishNotification(ctx, msg); err != nil {
			return nil, fmt.Errorf("follow-up: publish notification: %w", err)
		}
		s.logger.WithContext(ctx).Info("information packet queued",
			zap.String("call_id", call.ID.String()), zap.String("contact_id", call.ContactID.String()))
		return nil, nil
	default:
		return nil, nil
	}
}

func (s *FollowUpScheduler) enqueue(ctx context.Context, call *domain.Call, out domain.Outcome, purpose domain.Purpose, priority domain.Priority, at time.Time, extra map[string]any) (*domain.CallIntent, error) {
	payload := map[string]any{"origin_call_id": call.ID.String()}
	if call.CampaignID != nil {
		payload["campaign_id"] = call.CampaignID.String()
	}
	maps.Copy(payload, extra)

	intent := domain.NewIntent(call.ContactID, nil, purpose, priority, at, s.maxAttempts, payload, s.now())
	intent.ID = followUpID(call.ID, out.NextBestAction)
	originID := call.ID
	intent.OriginCallID = &originID
	if out.NextBestAction == domain.ActionCallback {
		intent.Config.PreviousOutcome = string(out.PrimaryOutcome)
	}

	created, err := s.intents.EnqueueIfAbsent(ctx, intent)
	if err != nil {
		return nil, fmt.Errorf("follow-up: enqueue intent: %w", err)
	}
	if !created {
		existing, err := s.intents.Get(ctx, intent.ID)
		if err != nil {
			return nil, fmt.Errorf("follow-up: load intent: %w", err)
		}
		return existing, nil
	}
	s.logger.WithContext(ctx).Info("follow-up call scheduled",
		zap.String("intent_id", intent.ID.String()),
		zap.String("action", string(out.NextBestAction)),
		zap.Time("scheduled_time", intent.ScheduledTime),
	)
	return intent, nil
}

func followUpID(callID uuid.UUID, action domain.NextAction) uuid.UUID {
	return uuid.NewSHA1(callID, []byte(action))
}
