package domain

import "time"

// PrimaryOutcome is the top-level classification of a finished call.
type PrimaryOutcome string

const (
	OutcomeInterested        PrimaryOutcome = "interested"
	OutcomeNotInterested     PrimaryOutcome = "not_interested"
	OutcomeCallbackRequested PrimaryOutcome = "callback_requested"
	OutcomeDemoScheduled     PrimaryOutcome = "demo_scheduled"
	OutcomeVoicemail         PrimaryOutcome = "voicemail"
	OutcomeNoAnswer          PrimaryOutcome = "no_answer"

	// OutcomeUnclassified is recorded when analysis could not be mapped to
	// the taxonomy. It is not Valid.
	OutcomeUnclassified PrimaryOutcome = "unclassified"
)

// Valid reports whether o belongs to the taxonomy.
func (o PrimaryOutcome) Valid() bool {
	switch o {
	case OutcomeInterested, OutcomeNotInterested, OutcomeCallbackRequested,
		OutcomeDemoScheduled, OutcomeVoicemail, OutcomeNoAnswer:
		return true
	}
	return false
}

// NextAction is the follow-up decided for a call.
type NextAction string

const (
	ActionScheduleDemo NextAction = "schedule_demo"
	ActionSendInfo     NextAction = "send_info"
	ActionCallback     NextAction = "callback"
	ActionNone         NextAction = "no_action"
)

// Valid reports whether a belongs to the taxonomy.
func (a NextAction) Valid() bool {
	switch a {
	case ActionScheduleDemo, ActionSendInfo, ActionCallback, ActionNone:
		return true
	}
	return false
}

// Timeframe selects the callback delay.
type Timeframe string

const (
	TimeframeImmediate Timeframe = "immediate"
	Timeframe1Day      Timeframe = "1_day"
	Timeframe1Week     Timeframe = "1_week"
	Timeframe1Month    Timeframe = "1_month"
)

// Delay converts a timeframe into a callback delay; unknown values mean one week.
func (t Timeframe) Delay() time.Duration {
	const day = 24 * time.Hour
	switch t {
	case TimeframeImmediate:
		return 0
	case Timeframe1Day:
		return day
	case Timeframe1Month:
		return 30 * day
	default:
		return 7 * day
	}
}

// Outcome is the structured analysis of a finished conversation.
type Outcome struct {
	PrimaryOutcome    PrimaryOutcome
	InterestLevel     InterestLevel
	FollowUpNeeded    bool
	FollowUpTimeframe Timeframe
	KeyConcerns       []string
	NextBestAction    NextAction
	Summary           string
	DetailedSummary   string
	Ambiguous         bool
}

// SafeDefault never schedules work.
func SafeDefault() Outcome {
	return Outcome{
		PrimaryOutcome: OutcomeUnclassified,
		InterestLevel:  InterestNone,
		NextBestAction: ActionNone,
		FollowUpNeeded: false,
		Ambiguous:      true,
	}
}
