package domain

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// CampaignStatus enumerates lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusActive    CampaignStatus = "active"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusCancelled CampaignStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s CampaignStatus) Terminal() bool {
	return s == CampaignStatusCompleted || s == CampaignStatusCancelled
}

// CanTransitionCampaign reports whether a campaign may move from one status to another.
func CanTransitionCampaign(from, to CampaignStatus) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case CampaignStatusActive:
		return from == CampaignStatusDraft || from == CampaignStatusPaused
	case CampaignStatusPaused:
		return from == CampaignStatusActive
	case CampaignStatusCompleted:
		return from == CampaignStatusActive || from == CampaignStatusPaused
	case CampaignStatusCancelled:
		return true
	}
	return false
}

// CampaignType classifies campaigns; it selects the default call purpose.
type CampaignType string

const (
	CampaignTypeBulkCalls            CampaignType = "bulk_calls"
	CampaignTypeDrip                 CampaignType = "drip_campaign"
	CampaignTypeAppointmentReminders CampaignType = "appointment_reminders"
	CampaignTypeFollowUp             CampaignType = "follow_up"
	CampaignTypeSurvey               CampaignType = "survey"
)

// DefaultPurpose maps a campaign type to the purpose used when none is given.
func (t CampaignType) DefaultPurpose() Purpose {
	switch t {
	case CampaignTypeDrip, CampaignTypeFollowUp:
		return PurposeFollowUp
	case CampaignTypeAppointmentReminders:
		return PurposeAppointment
	case CampaignTypeSurvey:
		return PurposeSurvey
	default:
		return PurposeSales
	}
}

// Valid reports whether t is a known campaign type.
func (t CampaignType) Valid() bool {
	switch t {
	case CampaignTypeBulkCalls, CampaignTypeDrip, CampaignTypeAppointmentReminders,
		CampaignTypeFollowUp, CampaignTypeSurvey:
		return true
	}
	return false
}

// Campaign models an outbound call campaign definition.
type Campaign struct {
	ID              uuid.UUID
	Name            string
	Description     string
	Type            CampaignType
	Status          CampaignStatus
	TimeZone        string
	Window          CallingWindow
	MaxCallsPerHour int
	MaxCallsPerDay  int
	DefaultPurpose  Purpose
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// Location resolves the campaign time zone, falling back to UTC.
func (c *Campaign) Location() *time.Location {
	if c.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Buckets returns the start of the campaign-local hour and day containing now, in UTC.
func (c *Campaign) Buckets(now time.Time) (hour, day time.Time) {
	local := now.In(c.Location())
	hour = time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, local.Location())
	day = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
	return hour.UTC(), day.UTC()
}

// CallingWindow is the allowed hour range [StartHour, EndHour) on the allowed
// ISO weekdays (1 = Monday ... 7 = Sunday), in campaign-local time.
type CallingWindow struct {
	StartHour int
	EndHour   int
	Weekdays  []int
}

// DefaultCallingWindow is 09:00-18:00 Monday to Friday.
func DefaultCallingWindow() CallingWindow {
	return CallingWindow{StartHour: 9, EndHour: 18, Weekdays: []int{1, 2, 3, 4, 5}}
}

// Validate rejects windows that wrap past midnight or are empty.
func (w CallingWindow) Validate() error {
	if w.StartHour < 0 || w.StartHour > 23 {
		return fmt.Errorf("start hour %d out of range", w.StartHour)
	}
	if w.EndHour < 1 || w.EndHour > 24 {
		return fmt.Errorf("end hour %d out of range", w.EndHour)
	}
	if w.StartHour >= w.EndHour {
		return fmt.Errorf("calling window [%02d:00, %02d:00) must not wrap past midnight", w.StartHour, w.EndHour)
	}
	if len(w.Weekdays) == 0 {
		return fmt.Errorf("at least one weekday is required")
	}
	for _, d := range w.Weekdays {
		if d < 1 || d > 7 {
			return fmt.Errorf("weekday %d out of range 1-7", d)
		}
	}
	return nil
}

// AllowsDay reports whether the weekday of t is allowed.
func (w CallingWindow) AllowsDay(t time.Time) bool {
	return slices.Contains(w.Weekdays, ISOWeekday(t))
}

// ContainsHour reports whether the hour of t falls inside the window.
func (w CallingWindow) ContainsHour(t time.Time) bool {
	h := t.Hour()
	return h >= w.StartHour && h < w.EndHour
}

// ISOWeekday returns 1 for Monday through 7 for Sunday.
func ISOWeekday(t time.Time) int {
	d := int(t.Weekday())
	if d == 0 {
		return 7
	}
	return d
}

// LinkStatus enumerates states of a contact's membership in a campaign.
type LinkStatus string

const (
	LinkStatusPending    LinkStatus = "pending"
	LinkStatusScheduled  LinkStatus = "scheduled"
	LinkStatusInProgress LinkStatus = "in_progress"
	LinkStatusCompleted  LinkStatus = "completed"
	LinkStatusFailed     LinkStatus = "failed"
	LinkStatusSkipped    LinkStatus = "skipped"
	LinkStatusOptedOut   LinkStatus = "opted_out"
)

// CampaignContactLink resolves campaign membership for one contact.
type CampaignContactLink struct {
	ID            uuid.UUID
	CampaignID    uuid.UUID
	ContactID     uuid.UUID
	Status        LinkStatus
	AttemptCount  int
	Notes         string
	IntentID      *uuid.UUID
	ScheduledTime *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Outstanding reports whether the link holds an intent that has not finished.
func (l *CampaignContactLink) Outstanding() bool {
	if l == nil || l.IntentID == nil {
		return false
	}
	switch l.Status {
	case LinkStatusPending, LinkStatusScheduled, LinkStatusInProgress:
		return true
	}
	return false
}

// CampaignStats aggregates intent counts for a campaign.
type CampaignStats struct {
	TotalIntents     int64
	PendingIntents   int64
	InProgress       int64
	CompletedIntents int64
	FailedIntents    int64
	CancelledIntents int64
	CallsToday       int64
	CallsThisHour    int64
}
