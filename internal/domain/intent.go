package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Priority is the dispatch priority class of an intent.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank orders priorities; higher dispatches first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p.Rank() > 0
}

// IntentStatus enumerates queue entry states.
type IntentStatus string

const (
	IntentStatusPending    IntentStatus = "pending"
	IntentStatusInProgress IntentStatus = "in_progress"
	IntentStatusCompleted  IntentStatus = "completed"
	IntentStatusFailed     IntentStatus = "failed"
	IntentStatusCancelled  IntentStatus = "cancelled"
)

// Terminal reports whether the intent can no longer change.
func (s IntentStatus) Terminal() bool {
	return s == IntentStatusCompleted || s == IntentStatusFailed || s == IntentStatusCancelled
}

// CanTransition encodes the intent state machine. pending->pending is a
// reschedule and in_progress->pending is the retry transition.
func CanTransition(from, to IntentStatus) bool {
	switch from {
	case IntentStatusPending:
		return to == IntentStatusPending || to == IntentStatusInProgress || to == IntentStatusCancelled
	case IntentStatusInProgress:
		return to == IntentStatusCompleted || to == IntentStatusFailed || to == IntentStatusPending
	}
	return false
}

// DefaultMaxAttempts bounds placement attempts when the caller sets none.
const DefaultMaxAttempts = 3

// CallIntent is one queued request to place a call.
type CallIntent struct {
	ID            uuid.UUID
	ContactID     uuid.UUID
	CampaignID    *uuid.UUID
	Purpose       Purpose
	Priority      Priority
	Status        IntentStatus
	ScheduledTime time.Time
	AttemptCount  int
	MaxAttempts   int
	Config        IntentConfig
	ResultRef     *uuid.UUID
	OriginCallID  *uuid.UUID
	LastError     string
	Seq           int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Due reports whether the intent may be claimed at now.
func (i *CallIntent) Due(now time.Time) bool {
	return i.Status == IntentStatusPending && !i.ScheduledTime.After(now)
}

// RetryBudgetLeft reports whether another attempt is allowed.
func (i *CallIntent) RetryBudgetLeft() bool {
	return i.AttemptCount < i.MaxAttempts
}

// IntentConfig is the opaque payload carried with an intent.
type IntentConfig struct {
	Purpose         Purpose        `json:"call_purpose"`
	Context         map[string]any `json:"context,omitempty"`
	PreviousOutcome string         `json:"previous_outcome,omitempty"`
}

// Marshal encodes the config for storage.
func (c IntentConfig) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalIntentConfig decodes a stored config, tolerating empty input.
func UnmarshalIntentConfig(data []byte) (IntentConfig, error) {
	var cfg IntentConfig
	if len(data) == 0 {
		return cfg, nil
	}
	err := json.Unmarshal(data, &cfg)
	return cfg, err
}

// Less orders intents for dispatch: priority, scheduled time, then insertion order.
func Less(a, b *CallIntent) bool {
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra > rb
	}
	if !a.ScheduledTime.Equal(b.ScheduledTime) {
		return a.ScheduledTime.Before(b.ScheduledTime)
	}
	return a.Seq < b.Seq
}

// NewIntent builds a pending intent. maxAttempts <= 0 uses DefaultMaxAttempts
// and an invalid priority falls back to normal.
func NewIntent(contactID uuid.UUID, campaignID *uuid.UUID, purpose Purpose, priority Priority, scheduled time.Time, maxAttempts int, ctx map[string]any, now time.Time) *CallIntent {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if !priority.Valid() {
		priority = PriorityNormal
	}
	if scheduled.IsZero() {
		scheduled = now
	}
	return &CallIntent{
		ID:            uuid.New(),
		ContactID:     contactID,
		CampaignID:    campaignID,
		Purpose:       purpose,
		Priority:      priority,
		Status:        IntentStatusPending,
		ScheduledTime: scheduled.UTC(),
		MaxAttempts:   maxAttempts,
		Config:        IntentConfig{Purpose: purpose, Context: ctx},
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}
}
