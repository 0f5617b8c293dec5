package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates conversation session states.
type SessionStatus string

const (
	SessionStatusActive     SessionStatus = "active"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusTerminated SessionStatus = "terminated"
	SessionStatusError      SessionStatus = "error"
)

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerAgent   Speaker = "agent"
	SpeakerContact Speaker = "contact"
)

// Turn is one utterance in a conversation.
type Turn struct {
	Speaker   Speaker
	Content   string
	Timestamp time.Time
	Tokens    int
	Latency   time.Duration
}

// ConversationSession tracks the live AI conversation of one call.
type ConversationSession struct {
	ID               uuid.UUID
	CallID           uuid.UUID
	Purpose          Purpose
	SystemPrompt     string
	Turns            []Turn
	PromptTokens     int
	CompletionTokens int
	CostMicros       int64
	Status           SessionStatus
	EndReason        string
	StartedAt        time.Time
	EndedAt          *time.Time
}

// Closed reports whether the session is read-only.
func (s *ConversationSession) Closed() bool {
	return s.Status != SessionStatusActive
}

// AgentTurns counts turns spoken by the agent.
func (s *ConversationSession) AgentTurns() int {
	n := 0
	for _, t := range s.Turns {
		if t.Speaker == SpeakerAgent {
			n++
		}
	}
	return n
}

// Transcript renders the turns as "speaker: content" lines.
func (s *ConversationSession) Transcript() string {
	var b strings.Builder
	for _, t := range s.Turns {
		b.WriteString(string(t.Speaker))
		b.WriteString(": ")
		b.WriteString(t.Content)
		b.WriteByte('\n')
	}
	return b.String()
}
