package queue

import (
	"time"

	"github.com/google/uuid"
)

// DispatchMessage instructs a call worker to place a claimed intent.
type DispatchMessage struct {
	IntentID    uuid.UUID  `json:"intent_id"`
	ContactID   uuid.UUID  `json:"contact_id"`
	CampaignID  *uuid.UUID `json:"campaign_id,omitempty"`
	Priority    string     `json:"priority"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
}

// Status events.
const (
	EventCallStatus   = "call_status"
	EventCallFinished = "call_finished"
)

// StatusMessage reports a call lifecycle change.
type StatusMessage struct {
	Event          string     `json:"event"`
	CallID         uuid.UUID  `json:"call_id"`
	IntentID       uuid.UUID  `json:"intent_id"`
	ContactID      uuid.UUID  `json:"contact_id"`
	CampaignID     *uuid.UUID `json:"campaign_id,omitempty"`
	ProviderCallID string     `json:"provider_call_id,omitempty"`
	Status         string     `json:"status"`
	NeedsReview    bool       `json:"needs_review,omitempty"`
	DurationMs     int64      `json:"duration_ms,omitempty"`
	OccurredAt     time.Time  `json:"occurred_at"`
}

// NotificationMessage is the side-channel request for non-call follow-ups.
type NotificationMessage struct {
	ID          uuid.UUID `json:"id"`
	Kind        string    `json:"kind"`
	ContactID   uuid.UUID `json:"contact_id"`
	CallID      uuid.UUID `json:"call_id"`
	Outcome     string    `json:"outcome"`
	Summary     string    `json:"summary,omitempty"`
	KeyConcerns []string  `json:"key_concerns,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
