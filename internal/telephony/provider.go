package telephony

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-call-engine/internal/domain"
	apperrors "github.com/acme/outbound-call-engine/pkg/errors"
)

// OriginateRequest describes one outbound call to place.
type OriginateRequest struct {
	CallID            uuid.UUID
	IntentID          uuid.UUID
	To                string
	From              string
	AnswerURL         string
	StatusCallbackURL string
	RingTimeout       time.Duration
}

// OriginateResult is returned once the provider accepted the call.
type OriginateResult struct {
	ProviderCallID string
	Status         domain.CallStatus
}

// Provider abstracts the telephony integration. Errors wrap
// apperrors.ErrProviderTransient or apperrors.ErrProviderPermanent.
type Provider interface {
	Name() string
	Originate(ctx context.Context, req OriginateRequest) (OriginateResult, error)
}

// Transient wraps err as a retryable provider failure.
func Transient(format string, args ...any) error {
	return fmt.Errorf("%w: %s", apperrors.ErrProviderTransient, fmt.Sprintf(format, args...))
}

// Permanent wraps err as a non-retryable provider failure.
func Permanent(format string, args ...any) error {
	return fmt.Errorf("%w: %s", apperrors.ErrProviderPermanent, fmt.Sprintf(format, args...))
}

// StatusEvent is a normalized provider status callback.
type StatusEvent struct {
	ProviderCallID string
	Status         domain.CallStatus
	Duration       time.Duration
	OccurredAt     time.Time
}

// SpeechEvent carries recognized speech for a live call.
type SpeechEvent struct {
	ProviderCallID string
	Text           string
	Confidence     float64
}

// MapStatus converts a provider call status into the call lifecycle. The
// second return is false for statuses that carry no lifecycle change.
func MapStatus(status, answeredBy string) (domain.CallStatus, bool) {
	switch strings.ToLower(strings.ReplaceAll(status, "_", "-")) {
	case "queued", "initiated":
		return domain.CallStatusInitiated, true
	case "ringing":
		return domain.CallStatusRinging, true
	case "in-progress", "answered":
		if strings.HasPrefix(answeredBy, "machine") {
			return domain.CallStatusVoicemail, true
		}
		return domain.CallStatusInProgress, true
	case "completed":
		if strings.HasPrefix(answeredBy, "machine") {
			return domain.CallStatusVoicemail, true
		}
		return domain.CallStatusCompleted, true
	case "busy":
		return domain.CallStatusBusy, true
	case "no-answer":
		return domain.CallStatusNoAnswer, true
	case "failed", "canceled":
		return domain.CallStatusFailed, true
	}
	return "", false
}

// ParseStatusCallback normalizes the form fields of a status callback.
func ParseStatusCallback(form func(string) string, now time.Time) (StatusEvent, error) {
	sid := strings.TrimSpace(form("CallSid"))
	if sid == "" {
		return StatusEvent{}, fmt.Errorf("%w: CallSid is required", apperrors.ErrValidation)
	}
	status, ok := MapStatus(form("CallStatus"), form("AnsweredBy"))
	if !ok {
		return StatusEvent{}, fmt.Errorf("%w: unknown call status %q", apperrors.ErrValidation, form("CallStatus"))
	}
	ev := StatusEvent{ProviderCallID: sid, Status: status, OccurredAt: now}
	if d := form("CallDuration"); d != "" {
		if secs, err := strconv.Atoi(d); err == nil {
			ev.Duration = time.Duration(secs) * time.Second
		}
	}
	return ev, nil
}

// ParseSpeech normalizes the form fields of a speech gather callback.
func ParseSpeech(form func(string) string) (SpeechEvent, error) {
	sid := strings.TrimSpace(form("CallSid"))
	if sid == "" {
		return SpeechEvent{}, fmt.Errorf("%w: CallSid is required", apperrors.ErrValidation)
	}
	ev := SpeechEvent{ProviderCallID: sid, Text: strings.TrimSpace(form("SpeechResult"))}
	if c := form("Confidence"); c != "" {
		ev.Confidence, _ = strconv.ParseFloat(c, 64)
	}
	return ev, nil
}
