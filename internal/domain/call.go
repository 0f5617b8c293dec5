package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallStatus enumerates lifecycle stages for a placed call.
type CallStatus string

const (
	CallStatusInitiated  CallStatus = "initiated"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusBusy       CallStatus = "busy"
	CallStatusNoAnswer   CallStatus = "no_answer"
	CallStatusVoicemail  CallStatus = "voicemail"
)

// Terminal reports whether the call has hung up.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusFailed, CallStatusBusy, CallStatusNoAnswer, CallStatusVoicemail:
		return true
	}
	return false
}

// CanTransitionCall encodes the call state machine.
func CanTransitionCall(from, to CallStatus) bool {
	switch from {
	case CallStatusInitiated:
		switch to {
		case CallStatusRinging, CallStatusInProgress, CallStatusFailed, CallStatusBusy, CallStatusNoAnswer:
			return true
		}
	case CallStatusRinging:
		switch to {
		case CallStatusInProgress, CallStatusFailed, CallStatusBusy, CallStatusNoAnswer, CallStatusVoicemail:
			return true
		}
	case CallStatusInProgress:
		switch to {
		case CallStatusCompleted, CallStatusVoicemail, CallStatusFailed:
			return true
		}
	}
	return false
}

// Call is the lifecycle record of one placed call.
type Call struct {
	ID               uuid.UUID
	IntentID         uuid.UUID
	ContactID        uuid.UUID
	CampaignID       *uuid.UUID
	Direction        string
	Status           CallStatus
	ProviderCallID   string
	FromNumber       string
	ToNumber         string
	StartedAt        *time.Time
	EndedAt          *time.Time
	ConversationID   *uuid.UUID
	Outcome          PrimaryOutcome
	Summary          string
	FollowUpRequired bool
	NeedsReview      bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Duration returns the connected time of the call, or zero.
func (c *Call) Duration() time.Duration {
	if c.StartedAt == nil || c.EndedAt == nil {
		return 0
	}
	return c.EndedAt.Sub(*c.StartedAt)
}

// CallAttempt captures one placement attempt for observability.
type CallAttempt struct {
	IntentID   uuid.UUID
	AttemptNum int
	Success    bool
	Transient  bool
	Error      string
	ProviderID string
	CreatedAt  time.Time
	Duration   time.Duration
}
