package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-call-engine/internal/config"
	"github.com/acme/outbound-call-engine/internal/domain"
	"github.com/acme/outbound-call-engine/internal/repository"
	"github.com/acme/outbound-call-engine/internal/telephony"
	apperrors "github.com/acme/outbound-call-engine/pkg/errors"
)

const (
	defaultStaggerMinutes = 5
	deferredStart         = 10 * time.Minute
	triggerPageSize       = 1000
	recentCallsLimit      = 5
)

// CampaignSource resolves campaigns with their calling windows.
type CampaignSource interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
}

// SessionEnder closes the conversation of a call that hung up.
type SessionEnder interface {
	End(ctx context.Context, callID uuid.UUID) error
}

// Deps are the collaborators of the call service.
type Deps struct {
	Intents   repository.IntentRepository
	Links     repository.LinkRepository
	Contacts  repository.ContactRepository
	Calls     repository.CallStore
	Campaigns CampaignSource
	Sessions  SessionEnder
}

// Service exposes call triggering and lifecycle operations.
type Service struct {
	deps        Deps
	maxAttempts int
	now         func() time.Time
}

// NewService builds the call management service.
func NewService(deps Deps, placement config.PlacementConfig) *Service {
	return &Service{
		deps:        deps,
		maxAttempts: placement.DefaultMaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// TriggerCallInput encapsulates the arguments for triggering a call.
type TriggerCallInput struct {
	ContactID     uuid.UUID
	Purpose       domain.Purpose
	Context       map[string]any
	ScheduledTime *time.Time
	Priority      domain.Priority
	CampaignID    *uuid.UUID
}

// Triggered describes an enqueued intent. Immediate is set when the intent
// is due right away.
type Triggered struct {
	Intent    *domain.CallIntent
	Immediate bool
}

// TriggerCall enqueues one call intent.
func (s *Service) TriggerCall(ctx context.Context, input TriggerCallInput) (Triggered, error) {
	if !input.Purpose.Valid() {
		return Triggered{}, fmt.Errorf("%w: unknown call purpose %q", apperrors.ErrValidation, input.Purpose)
	}
	if input.Priority != "" && !input.Priority.Valid() {
		return Triggered{}, fmt.Errorf("%w: unknown priority %q", apperrors.ErrValidation, input.Priority)
	}

	contact, err := s.deps.Contacts.Get(ctx, input.ContactID)
	if err != nil {
		return Triggered{}, fmt.Errorf("call service: load contact: %w", err)
	}
	if contact.DoNotCall {
		return Triggered{}, fmt.Errorf("%w: contact is on do-not-call list", apperrors.ErrValidation)
	}

	if input.CampaignID != nil {
		campaign, err := s.deps.Campaigns.Get(ctx, *input.CampaignID)
		if err != nil {
			return Triggered{}, fmt.Errorf("call service: load campaign: %w", err)
		}
		if campaign.Status.Terminal() {
			return Triggered{}, fmt.Errorf("%w: campaign is %s", apperrors.ErrConflict, campaign.Status)
		}
	}

	now := s.now()
	at, immediate := now, true
	if input.ScheduledTime != nil && input.ScheduledTime.After(now) {
		at, immediate = input.ScheduledTime.UTC(), false
	}

	intent := domain.NewIntent(contact.ID, input.CampaignID, input.Purpose, input.Priority, at, s.maxAttempts, input.Context, now)
	if err := s.deps.Intents.Enqueue(ctx, intent); err != nil {
		return Triggered{}, fmt.Errorf("call service: enqueue intent: %w", err)
	}
	return Triggered{Intent: intent, Immediate: immediate}, nil
}

// TriggerCampaignInput configures a campaign-wide trigger.
type TriggerCampaignInput struct {
	Purpose          domain.Purpose
	StaggerMinutes   int
	StartImmediately bool
}

// Skipped names a contact that was not scheduled and why.
type Skipped struct {
	ContactID uuid.UUID
	Reason    string
}

// CampaignTriggerResult lists scheduled intents and skipped contacts.
type CampaignTriggerResult struct {
	Scheduled []*domain.CallIntent
	Skipped   []Skipped
}

// TriggerCampaignCalls schedules one intent per enrolled contact, staggered
// from now or ten minutes from now.
func (s *Service) TriggerCampaignCalls(ctx context.Context, campaignID uuid.UUID, input TriggerCampaignInput) (*CampaignTriggerResult, error) {
	campaign, err := s.deps.Campaigns.Get(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("call service: load campaign: %w", err)
	}
	if campaign.Status.Terminal() {
		return nil, fmt.Errorf("%w: campaign is %s", apperrors.ErrConflict, campaign.Status)
	}

	purpose := input.Purpose
	if purpose == "" {
		purpose = campaign.DefaultPurpose
	}
	if !purpose.Valid() {
		return nil, fmt.Errorf("%w: unknown call purpose %q", apperrors.ErrValidation, purpose)
	}
	stagger := input.StaggerMinutes
	if stagger <= 0 {
		stagger = defaultStaggerMinutes
	}

	links, err := s.deps.Links.ListByCampaign(ctx, campaignID, triggerPageSize)
	if err != nil {
		return nil, fmt.Errorf("call service: list contacts: %w", err)
	}
	if len(links) == 0 {
		return nil, fmt.Errorf("%w: campaign has no contacts", apperrors.ErrValidation)
	}
	ids := make([]uuid.UUID, 0, len(links))
	for _, l := range links {
		ids = append(ids, l.ContactID)
	}
	contacts, err := s.deps.Contacts.GetMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("call service: load contacts: %w", err)
	}

	now := s.now()
	base := now
	if !input.StartImmediately {
		base = now.Add(deferredStart)
	}

	result := &CampaignTriggerResult{}
	for _, link := range links {
		contact, ok := contacts[link.ContactID]
		switch {
		case !ok:
			result.Skipped = append(result.Skipped, Skipped{ContactID: link.ContactID, Reason: "contact not found"})
			continue
		case contact.DoNotCall:
			result.Skipped = append(result.Skipped, Skipped{ContactID: link.ContactID, Reason: "do_not_call"})
			continue
		case link.Outstanding():
			result.Skipped = append(result.Skipped, Skipped{ContactID: link.ContactID, Reason: "outstanding_intent"})
			continue
		}

		at := base.Add(time.Duration(len(result.Scheduled)*stagger) * time.Minute)
		intent := domain.NewIntent(contact.ID, &campaign.ID, purpose, domain.PriorityNormal, at, s.maxAttempts, map[string]any{
			"campaign_id":   campaign.ID.String(),
			"campaign_name": campaign.Name,
			"campaign_type": string(campaign.Type),
		}, now)
		if err := s.deps.Intents.Enqueue(ctx, intent); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				result.Skipped = append(result.Skipped, Skipped{ContactID: link.ContactID, Reason: "outstanding_intent"})
				continue
			}
			return nil, fmt.Errorf("call service: enqueue intent: %w", err)
		}
		result.Scheduled = append(result.Scheduled, intent)
	}
	return result, nil
}

// BulkCallItem is one entry of a bulk request.
type BulkCallItem struct {
	ContactID    uuid.UUID
	Purpose      domain.Purpose
	Context      map[string]any
	DelayMinutes int
}

// BulkError is the failure of the item at Index, counted from zero.
type BulkError struct {
	Index int
	Err   error
}

func (e BulkError) Error() string {
	return fmt.Sprintf("Call #%d: %s", e.Index+1, e.Err)
}

func (e BulkError) Unwrap() error { return e.Err }

// BulkResult reports per-item outcomes of a bulk request.
type BulkResult struct {
	Succeeded []Triggered
	Errors    []BulkError
}

// BulkCalls triggers each item independently; failures do not stop the batch.
func (s *Service) BulkCalls(ctx context.Context, items []BulkCallItem) BulkResult {
	var result BulkResult
	for i, item := range items {
		input := TriggerCallInput{ContactID: item.ContactID, Purpose: item.Purpose, Context: item.Context}
		if item.DelayMinutes > 0 {
			at := s.now().Add(time.Duration(item.DelayMinutes) * time.Minute)
			input.ScheduledTime = &at
		}
		t, err := s.TriggerCall(ctx, input)
		if err != nil {
			result.Errors = append(result.Errors, BulkError{Index: i, Err: err})
			continue
		}
		result.Succeeded = append(result.Succeeded, t)
	}
	return result
}

// StatusQuery selects the intent or contact whose calls are reported.
type StatusQuery struct {
	IntentID  *uuid.UUID
	ContactID *uuid.UUID
}

// Status is the queue state of an intent plus the contact's recent calls.
type Status struct {
	Intent      *domain.CallIntent
	RecentCalls []*domain.Call
}

// GetStatus reports an intent, or the contact's latest intent, with recent calls.
func (s *Service) GetStatus(ctx context.Context, q StatusQuery) (*Status, error) {
	var (
		intent    *domain.CallIntent
		contactID uuid.UUID
	)
	switch {
	case q.IntentID != nil:
		found, err := s.deps.Intents.Get(ctx, *q.IntentID)
		if err != nil {
			return nil, fmt.Errorf("call service: load intent: %w", err)
		}
		intent, contactID = found, found.ContactID
	case q.ContactID != nil:
		contactID = *q.ContactID
		if _, err := s.deps.Contacts.Get(ctx, contactID); err != nil {
			return nil, fmt.Errorf("call service: load contact: %w", err)
		}
		intents, err := s.deps.Intents.ListByContact(ctx, contactID, 1)
		if err != nil {
			return nil, fmt.Errorf("call service: list intents: %w", err)
		}
		if len(intents) > 0 {
			intent = intents[0]
		}
	default:
		return nil, fmt.Errorf("%w: intent_id or contact_id is required", apperrors.ErrValidation)
	}

	calls, err := s.deps.Calls.ListByContact(ctx, contactID, recentCallsLimit)
	if err != nil {
		return nil, fmt.Errorf("call service: list calls: %w", err)
	}
	return &Status{Intent: intent, RecentCalls: calls}, nil
}

// Call loads a call record.
func (s *Service) Call(ctx context.Context, id uuid.UUID) (*domain.Call, error) {
	call, err := s.deps.Calls.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("call service: load call: %w", err)
	}
	return call, nil
}

// Cancel withdraws a pending intent. Intents already claimed cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, intentID uuid.UUID) (*domain.CallIntent, error) {
	cancelled, err := s.deps.Intents.Transition(ctx, intentID, domain.IntentStatusPending, domain.IntentStatusCancelled, func(i *domain.CallIntent) {
		i.LastError = "Cancelled by request"
	})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: intent is not pending", apperrors.ErrConflict)
		}
		return nil, fmt.Errorf("call service: cancel intent: %w", err)
	}
	if cancelled.CampaignID != nil {
		if err := s.deps.Links.SetStatus(ctx, *cancelled.CampaignID, cancelled.ContactID, domain.LinkStatusSkipped, "Cancelled by request"); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("call service: update link: %w", err)
		}
	}
	return cancelled, nil
}

// HandleStatusEvent applies a provider status callback to the call. Replayed
// and stale callbacks are ignored. When the call reaches a terminal status
// its conversation is ended, which announces the call as finished.
func (s *Service) HandleStatusEvent(ctx context.Context, callID *uuid.UUID, ev telephony.StatusEvent) (*domain.Call, error) {
	var (
		call *domain.Call
		err  error
	)
	if callID != nil {
		call, err = s.deps.Calls.Get(ctx, *callID)
	} else {
		call, err = s.deps.Calls.GetByProviderID(ctx, ev.ProviderCallID)
	}
	if err != nil {
		return nil, fmt.Errorf("call service: load call: %w", err)
	}
	if call.ProviderCallID != "" && ev.ProviderCallID != "" && call.ProviderCallID != ev.ProviderCallID {
		return nil, fmt.Errorf("%w: callback does not belong to call %s", apperrors.ErrValidation, call.ID)
	}
	if call.ProviderCallID == "" && ev.ProviderCallID != "" {
		// placement stored the call but not the provider id
		call.ProviderCallID = ev.ProviderCallID
		if err := s.deps.Calls.Update(ctx, call); err != nil {
			return nil, fmt.Errorf("call service: store provider call id: %w", err)
		}
	}

	for _, next := range statusPath(call.Status, ev.Status) {
		if err := s.deps.Calls.TransitionStatus(ctx, call.ID, call.Status, next, ev.OccurredAt); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				break
			}
			return nil, fmt.Errorf("call service: transition call: %w", err)
		}
		call.Status = next
	}

	call, err = s.deps.Calls.Get(ctx, call.ID)
	if err != nil {
		return nil, fmt.Errorf("call service: reload call: %w", err)
	}
	if call.Status.Terminal() {
		if err := s.deps.Sessions.End(ctx, call.ID); err != nil {
			return nil, fmt.Errorf("call service: end conversation: %w", err)
		}
	}
	return call, nil
}

var callStatuses = []domain.CallStatus{
	domain.CallStatusInitiated,
	domain.CallStatusRinging,
	domain.CallStatusInProgress,
	domain.CallStatusCompleted,
	domain.CallStatusFailed,
	domain.CallStatusBusy,
	domain.CallStatusNoAnswer,
	domain.CallStatusVoicemail,
}

// statusPath returns the shortest sequence of legal transitions from one
// status to another, or nil when to is unreachable. Providers may skip
// intermediate callbacks, so a completed callback on a ringing call walks
// through in_progress.
func statusPath(from, to domain.CallStatus) []domain.CallStatus {
	if from == to {
		return nil
	}
	prev := map[domain.CallStatus]domain.CallStatus{from: from}
	queue := []domain.CallStatus{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range callStatuses {
			if _, seen := prev[next]; seen || !domain.CanTransitionCall(cur, next) {
				continue
			}
			prev[next] = cur
			if next == to {
				var path []domain.CallStatus
				for s := to; s != from; s = prev[s] {
					path = append([]domain.CallStatus{s}, path...)
				}
				return path
			}
			queue = append(queue, next)
		}
	}
	return nil
}
