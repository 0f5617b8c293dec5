package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-call-engine/internal/domain"
	apperrors "github.com/acme/outbound-call-engine/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation or a lost conditional update.
	ErrConflict = apperrors.ErrConflict
)

// IntentRepository is the durable call queue. Every mutation is conditional
// on the stored status, so concurrent dispatchers can never both move an
// intent out of the same state.
type IntentRepository interface {
	// Enqueue stores a new pending intent. When the intent belongs to a
	// campaign, the contact's campaign link is attached in the same unit of
	// work and ErrConflict is returned if the link already holds an
	// outstanding intent.
	Enqueue(ctx context.Context, intent *domain.CallIntent) error
	// EnqueueIfAbsent behaves like Enqueue but reports false instead of
	// failing when an intent with the same id exists.
	EnqueueIfAbsent(ctx context.Context, intent *domain.CallIntent) (bool, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.CallIntent, error)
	// ListDue returns pending intents scheduled at or before now in dispatch order.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.CallIntent, error)
	// Transition moves an intent from expected to next, applying mutate to the
	// loaded row first. ErrConflict signals the row was not in expected.
	Transition(ctx context.Context, id uuid.UUID, expected, next domain.IntentStatus, mutate func(*domain.CallIntent)) (*domain.CallIntent, error)
	ListByContact(ctx context.Context, contactID uuid.UUID, limit int) ([]*domain.CallIntent, error)
	Stats(ctx context.Context, campaignID uuid.UUID) (*domain.CampaignStats, error)
}

// CampaignRepository manages campaign metadata persistence.
type CampaignRepository interface {
	Create(ctx context.Context, campaign *domain.Campaign) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	// UpdateStatus transitions status conditionally on the current value.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.CampaignStatus, at time.Time) error
	ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error)
}

// CallingWindowRepository stores a campaign's allowed hours, one row per weekday.
type CallingWindowRepository interface {
	Replace(ctx context.Context, campaignID uuid.UUID, window domain.CallingWindow) error
	Get(ctx context.Context, campaignID uuid.UUID) (domain.CallingWindow, error)
}

// LinkRepository resolves campaign membership.
type LinkRepository interface {
	// Enroll inserts pending links, ignoring contacts already enrolled.
	Enroll(ctx context.Context, campaignID uuid.UUID, contactIDs []uuid.UUID) (int, error)
	Get(ctx context.Context, campaignID, contactID uuid.UUID) (*domain.CampaignContactLink, error)
	// ListAwaiting returns enrolled links that have no intent yet.
	ListAwaiting(ctx context.Context, campaignID uuid.UUID, limit int) ([]*domain.CampaignContactLink, error)
	ListByCampaign(ctx context.Context, campaignID uuid.UUID, limit int) ([]*domain.CampaignContactLink, error)
	SetStatus(ctx context.Context, campaignID, contactID uuid.UUID, status domain.LinkStatus, notes string) error
	// RecordAttempt increments the link attempt counter.
	RecordAttempt(ctx context.Context, campaignID, contactID uuid.UUID) error
	// MarkDialed moves the link to in_progress and counts the attempt. A link
	// already in_progress is left untouched, so repeating it is harmless.
	MarkDialed(ctx context.Context, campaignID, contactID uuid.UUID) error
}

// ContactRepository is the engine's boundary to the CRM.
type ContactRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Contact, error)
	GetMany(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*domain.Contact, error)
	TouchLastContacted(ctx context.Context, id uuid.UUID, at time.Time) error
}

// NoteRepository stores audit notes. Create is idempotent per (call, note type).
type NoteRepository interface {
	Create(ctx context.Context, note *domain.ContactNote) error
	ListByCall(ctx context.Context, callID uuid.UUID) ([]*domain.ContactNote, error)
}

// CounterRepository keeps durable per-campaign call counts per hour and day bucket.
type CounterRepository interface {
	// Increment counts the call once in both buckets; repeating it for the
	// same call id changes nothing.
	Increment(ctx context.Context, campaignID, callID uuid.UUID, hourBucket, dayBucket time.Time) error
	Counts(ctx context.Context, campaignID uuid.UUID, hourBucket, dayBucket time.Time) (hour int64, day int64, err error)
}

// CallStore persists call lifecycle records.
type CallStore interface {
	// CreateForIntent inserts the call unless one already exists for its
	// intent, in which case the existing call is returned with created=false.
	CreateForIntent(ctx context.Context, call *domain.Call) (*domain.Call, bool, error)
	// Discard removes a call that was never dialled and frees its intent slot.
	Discard(ctx context.Context, call *domain.Call) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Call, error)
	GetByIntent(ctx context.Context, intentID uuid.UUID) (*domain.Call, error)
	GetByProviderID(ctx context.Context, providerCallID string) (*domain.Call, error)
	// Update overwrites mutable fields; TransitionStatus is conditional on from.
	Update(ctx context.Context, call *domain.Call) error
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to domain.CallStatus, at time.Time) error
	ListByContact(ctx context.Context, contactID uuid.UUID, limit int) ([]*domain.Call, error)
	AppendAttempt(ctx context.Context, attempt domain.CallAttempt) error
	ListAttempts(ctx context.Context, intentID uuid.UUID) ([]domain.CallAttempt, error)
}

// ConversationStore persists conversation sessions and their turns.
type ConversationStore interface {
	// Create inserts the session unless the call already has one.
	Create(ctx context.Context, session *domain.ConversationSession) (*domain.ConversationSession, bool, error)
	GetByCall(ctx context.Context, callID uuid.UUID) (*domain.ConversationSession, error)
	AppendTurn(ctx context.Context, session *domain.ConversationSession, turn domain.Turn) error
	Close(ctx context.Context, session *domain.ConversationSession) error
}

// HistoryStore keeps each contact's capped interaction history.
type HistoryStore interface {
	Append(ctx context.Context, contactID uuid.UUID, entry domain.InteractionHistoryEntry) error
	Load(ctx context.Context, contactID uuid.UUID) (*domain.History, error)
}
