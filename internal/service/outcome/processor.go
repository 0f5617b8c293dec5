package outcome

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/outbound-call-engine/internal/domain"
	"github.com/acme/outbound-call-engine/internal/metrics"
	"github.com/acme/outbound-call-engine/internal/repository"
	apperrors "github.com/acme/outbound-call-engine/pkg/errors"
	"github.com/acme/outbound-call-engine/pkg/logger"
)

const noteTypeCallSummary = "call_summary"

// Deps are the stores a Processor reads and writes.
type Deps struct {
	Calls     repository.CallStore
	Sessions  repository.ConversationStore
	Intents   repository.IntentRepository
	Links     repository.LinkRepository
	Contacts  repository.ContactRepository
	Notes     repository.NoteRepository
	History   repository.HistoryStore
	Analyzer  *Analyzer
	FollowUps *FollowUpScheduler
}

// Processed is the result of processing one finished call.
type Processed struct {
	Outcome          domain.Outcome
	FollowUp         *domain.CallIntent
	AlreadyProcessed bool
}

// Processor records the outcome of finished calls.
type Processor struct {
	deps   Deps
	logger *logger.Logger
	now    func() time.Time
}

// NewProcessor constructs a processor.
func NewProcessor(deps Deps, log *logger.Logger) *Processor {
	return &Processor{
		deps:   deps,
		logger: log.Named("outcome"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Process analyzes the call and applies the side effects of its outcome.
// The call's outcome is written last, and every earlier write is idempotent,
// so a redelivered event either finishes an interrupted run or does nothing.
func (p *Processor) Process(ctx context.Context, callID uuid.UUID) (Processed, error) {
	ctx, span := otel.Tracer("outbound.outcome").Start(ctx, "outcome.process")
	defer span.End()
	span.SetAttributes(attribute.String("call.id", callID.String()))

	call, err := p.deps.Calls.Get(ctx, callID)
	if err != nil {
		return Processed{}, fmt.Errorf("outcome: load call: %w", err)
	}
	if call.Outcome != "" {
		return Processed{AlreadyProcessed: true}, nil
	}

	transcript, purpose, err := p.transcript(ctx, call)
	if err != nil {
		return Processed{}, err
	}

	out, err := p.deps.Analyzer.Analyze(ctx, transcript, CallMetadata{
		Status:   call.Status,
		Purpose:  purpose,
		Duration: call.Duration(),
	})
	if err != nil {
		return Processed{}, fmt.Errorf("outcome: analyze: %w", err)
	}

	occurredAt := call.CreatedAt
	if call.EndedAt != nil {
		occurredAt = *call.EndedAt
	}

	if err := p.writeNote(ctx, call, out, occurredAt); err != nil {
		return Processed{}, err
	}

	if err := p.deps.History.Append(ctx, call.ContactID, domain.InteractionHistoryEntry{
		CallID:        call.ID,
		Outcome:       out.PrimaryOutcome,
		InterestLevel: out.InterestLevel,
		Concerns:      out.KeyConcerns,
		NextAction:    out.NextBestAction,
		OccurredAt:    occurredAt,
	}); err != nil {
		return Processed{}, fmt.Errorf("outcome: append history: %w", err)
	}

	if answered(call.Status) {
		if err := p.deps.Contacts.TouchLastContacted(ctx, call.ContactID, occurredAt); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return Processed{}, fmt.Errorf("outcome: touch contact: %w", err)
		}
	}

	if call.CampaignID != nil {
		if err := p.deps.Links.SetStatus(ctx, *call.CampaignID, call.ContactID, domain.LinkStatusCompleted, out.Summary); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return Processed{}, fmt.Errorf("outcome: complete link: %w", err)
		}
	}

	followUp, err := p.deps.FollowUps.Schedule(ctx, call, out)
	if err != nil {
		return Processed{}, err
	}

	call.Outcome = out.PrimaryOutcome
	call.Summary = out.Summary
	call.FollowUpRequired = out.FollowUpNeeded || followUp != nil
	if out.Ambiguous {
		call.NeedsReview = true
	}
	call.UpdatedAt = p.now()
	if err := p.deps.Calls.Update(ctx, call); err != nil {
		return Processed{}, fmt.Errorf("outcome: update call: %w", err)
	}

	metrics.Outcomes.WithLabelValues(string(out.PrimaryOutcome), string(out.NextBestAction)).Inc()
	fields := []zap.Field{
		zap.String("call_id", call.ID.String()),
		zap.String("outcome", string(out.PrimaryOutcome)),
		zap.String("next_action", string(out.NextBestAction)),
	}
	if followUp != nil {
		fields = append(fields, zap.String("follow_up_intent_id", followUp.ID.String()))
	}
	p.logger.WithContext(ctx).Info("call outcome recorded", fields...)

	return Processed{Outcome: out, FollowUp: followUp}, nil
}

func (p *Processor) transcript(ctx context.Context, call *domain.Call) (string, domain.Purpose, error) {
	var purpose domain.Purpose
	intent, err := p.deps.Intents.Get(ctx, call.IntentID)
	switch {
	case err == nil:
		purpose = intent.Purpose
	case errors.Is(err, repository.ErrNotFound):
	default:
		return "", "", fmt.Errorf("outcome: load intent: %w", err)
	}

	session, err := p.deps.Sessions.GetByCall(ctx, call.ID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return "", purpose, nil
		}
		return "", "", fmt.Errorf("outcome: load conversation: %w", err)
	}
	if purpose == "" {
		purpose = session.Purpose
	}
	return session.Transcript(), purpose, nil
}

func (p *Processor) writeNote(ctx context.Context, call *domain.Call, out domain.Outcome, at time.Time) error {
	content := out.DetailedSummary
	if content == "" {
		content = out.Summary
	}
	note := &domain.ContactNote{
		ID:        uuid.NewSHA1(call.ID, []byte(noteTypeCallSummary)),
		ContactID: call.ContactID,
		CallID:    call.ID,
		Title:     fmt.Sprintf("Autonomous Call - %s", out.PrimaryOutcome),
		Content:   content,
		NoteType:  noteTypeCallSummary,
		CreatedAt: at,
	}
	if err := p.deps.Notes.Create(ctx, note); err != nil && !errors.Is(err, repository.ErrConflict) {
		return fmt.Errorf("outcome: create note: %w", err)
	}
	return nil
}

func answered(status domain.CallStatus) bool {
	switch status {
	case domain.CallStatusNoAnswer, domain.CallStatusBusy, domain.CallStatusVoicemail, domain.CallStatusFailed:
		return false
	default:
		return true
	}
}
