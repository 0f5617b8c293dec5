// Package prompt builds the agent's system prompt and opening line for each call purpose.
package prompt

import (
	"fmt"
	"strings"

	"github.com/acme/outbound-call-engine/internal/domain"
)

// Agent is the persona speaking on every call.
type Agent struct {
	Name    string
	Company string
}

// DefaultAgent is used when configuration leaves the persona empty.
var DefaultAgent = Agent{Name: "Alex", Company: "TechSolutions"}

// Input is everything a builder may draw on.
type Input struct {
	Agent   Agent
	Contact *domain.Contact
	Context map[string]any
	History []domain.InteractionHistoryEntry
}

// Builder renders prompts for one purpose.
type Builder interface {
	Purpose() domain.Purpose
	SystemPrompt(in Input) string
	Opening(in Input) string
}

// For returns the builder of a purpose. Unknown purposes fall back to sales outreach.
func For(p domain.Purpose) Builder {
	switch p {
	case domain.PurposeDemo:
		return Sales{Demo: true}
	case domain.PurposeSupport:
		return Support{}
	case domain.PurposeFollowUp:
		return FollowUp{}
	case domain.PurposeAppointment:
		return Appointment{}
	case domain.PurposeSurvey:
		return Survey{}
	case domain.PurposeRenewal:
		return Renewal{}
	default:
		return Sales{}
	}
}

func (in Input) agent() Agent {
	a := in.Agent
	if a.Name == "" {
		a.Name = DefaultAgent.Name
	}
	if a.Company == "" {
		a.Company = DefaultAgent.Company
	}
	return a
}

func (in Input) contactName() string {
	if in.Contact == nil || in.Contact.FullName() == "" {
		return "there"
	}
	return in.Contact.FullName()
}

func (in Input) firstName() string {
	if in.Contact == nil || in.Contact.FirstName == "" {
		return "there"
	}
	return in.Contact.FirstName
}

func (in Input) company() string {
	if in.Contact == nil || in.Contact.Company == "" {
		return "their company"
	}
	return in.Contact.Company
}

func (in Input) title() string {
	if in.Contact == nil || in.Contact.JobTitle == "" {
		return "their role"
	}
	return in.Contact.JobTitle
}

func (in Input) value(key, fallback string) string {
	if v, ok := in.Context[key]; ok {
		if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
			return s
		}
	}
	return fallback
}

const conversationStyle = `CONVERSATION STYLE:
- Keep responses under 30 seconds of speech
- Be conversational, not scripted
- Listen actively and respond to their specific needs
- If they ask not to be called again, apologize, confirm, and say goodbye
- End the call naturally when the objective is met or they are clearly not interested`

func writeHistory(b *strings.Builder, history []domain.InteractionHistoryEntry) {
	if len(history) == 0 {
		return
	}
	b.WriteString("\nPREVIOUS INTERACTIONS (oldest first):\n")
	for _, h := range history {
		fmt.Fprintf(b, "- %s: outcome %s, interest %s", h.OccurredAt.Format("2006-01-02"), h.Outcome, h.InterestLevel)
		if len(h.Concerns) > 0 {
			fmt.Fprintf(b, ", concerns: %s", strings.Join(h.Concerns, ", "))
		}
		b.WriteByte('\n')
	}
}

func finish(b *strings.Builder, in Input) string {
	writeHistory(b, in.History)
	b.WriteString("\n")
	b.WriteString(conversationStyle)
	return b.String()
}
