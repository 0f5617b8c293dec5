package prompt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/acme/outbound-call-engine/internal/domain"
)

func TestForCoversEveryPurpose(t *testing.T) {
	purposes := []domain.Purpose{
		domain.PurposeSales, domain.PurposeDemo, domain.PurposeSupport, domain.PurposeFollowUp,
		domain.PurposeAppointment, domain.PurposeSurvey, domain.PurposeRenewal,
	}
	in := Input{Contact: &domain.Contact{FirstName: "Sam", LastName: "Lee", Company: "Acme"}}
	for _, p := range purposes {
		t.Run(string(p), func(t *testing.T) {
			b := For(p)
			assert.Equal(t, p, b.Purpose())
			assert.Contains(t, b.SystemPrompt(in), "Alex")
			assert.Contains(t, b.SystemPrompt(in), "TechSolutions")
			assert.Contains(t, b.Opening(in), "Hi Sam")
		})
	}
}

func TestUnknownPurposeFallsBackToSales(t *testing.T) {
	assert.Equal(t, domain.PurposeSales, For("cold_call").Purpose())
}

func TestSystemPromptUsesContextAndHistory(t *testing.T) {
	in := Input{
		Agent:   Agent{Name: "Jo", Company: "Widgets"},
		Contact: &domain.Contact{FirstName: "Sam"},
		Context: map[string]any{"issue_type": "billing"},
		History: []domain.InteractionHistoryEntry{{
			Outcome:       domain.OutcomeInterested,
			InterestLevel: domain.InterestMedium,
			Concerns:      []string{"pricing"},
			OccurredAt:    time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC),
		}},
	}
	got := For(domain.PurposeSupport).SystemPrompt(in)
	assert.Contains(t, got, "You are Jo from Widgets")
	assert.Contains(t, got, "Issue type: billing")
	assert.Contains(t, got, "2024-01-02: outcome interested, interest medium, concerns: pricing")
}

func TestAnalysisPromptEmbedsTranscript(t *testing.T) {
	got := Analysis("agent: hi\ncontact: what does it cost?\n", "sales_outreach")
	assert.Contains(t, got, "contact: what does it cost?")
	assert.Contains(t, got, `"next_best_action"`)
}
