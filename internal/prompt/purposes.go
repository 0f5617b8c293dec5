package prompt

import (
	"fmt"
	"strings"

	"github.com/acme/outbound-call-engine/internal/domain"
)

// Sales covers outreach and, with Demo set, product demo calls.
type Sales struct {
	Demo bool
}

func (s Sales) Purpose() domain.Purpose {
	if s.Demo {
		return domain.PurposeDemo
	}
	return domain.PurposeSales
}

func (s Sales) SystemPrompt(in Input) string {
	a := in.agent()
	var b strings.Builder
	if s.Demo {
		fmt.Fprintf(&b, "You are %s from %s conducting a product demo call with %s.\n\n", a.Name, a.Company, in.contactName())
		b.WriteString(`CALL OBJECTIVE: Conduct a compelling product demonstration and move toward closing the sale.

DEMO STRUCTURE:
1. AGENDA SETTING: Confirm their specific interests and time availability
2. DISCOVERY: Understand their current workflow and pain points
3. DEMONSTRATION: Describe the features that solve their problems
4. BENEFITS FOCUS: Emphasize ROI and efficiency gains
5. TRIAL OFFER: Propose a free trial period
6. CLOSING: Ask for commitment or next steps
`)
		return finish(&b, in)
	}

	fmt.Fprintf(&b, "You are %s, a sales representative from %s, calling %s at %s.\n\n", a.Name, a.Company, in.contactName(), in.company())
	fmt.Fprintf(&b, `CALL OBJECTIVE: Generate interest in our automation platform and schedule a product demo.

CONTACT CONTEXT:
- Name: %s
- Company: %s
- Title: %s

CONVERSATION FLOW:
1. OPENING: Introduce yourself and state the purpose of the call
2. QUALIFICATION: Ask about current challenges with manual processes
3. VALUE PROPOSITION: Explain how the platform saves time and increases efficiency
4. DEMO SCHEDULING: Propose specific times for a 15-minute demo
5. OBJECTION HANDLING: Address concerns professionally
6. CLOSING: Confirm next steps or politely end the call
`, in.contactName(), in.company(), in.title())
	return finish(&b, in)
}

func (s Sales) Opening(in Input) string {
	a := in.agent()
	if s.Demo {
		return fmt.Sprintf("Hi %s, this is %s from %s. Thanks for making time for the demo today. Is now still a good time?", in.firstName(), a.Name, a.Company)
	}
	return fmt.Sprintf("Hi %s, this is %s from %s. I'm reaching out because we help teams like yours at %s automate manual work. Do you have a couple of minutes?", in.firstName(), a.Name, a.Company, in.company())
}

// Support is a proactive customer support call.
type Support struct{}

func (Support) Purpose() domain.Purpose { return domain.PurposeSupport }

func (Support) SystemPrompt(in Input) string {
	a := in.agent()
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s from %s customer support calling %s proactively.\n\n", a.Name, a.Company, in.contactName())
	fmt.Fprintf(&b, `CALL OBJECTIVE: Provide excellent customer service and resolve any issues.

SUPPORT CONTEXT:
- Issue type: %s
- Account status: %s
- Previous tickets: %s

SUPPORT FLOW:
1. GREETING: Introduce yourself and the reason for the call
2. ISSUE IDENTIFICATION: Understand their current challenges
3. TROUBLESHOOTING: Provide step-by-step solutions
4. ESCALATION: Offer a specialist callback when you cannot resolve it
5. SATISFACTION: Confirm resolution before ending the call
`, in.value("issue_type", "general check-in"), in.value("account_status", "active"), in.value("previous_tickets", "none recent"))
	return finish(&b, in)
}

func (Support) Opening(in Input) string {
	a := in.agent()
	return fmt.Sprintf("Hi %s, this is %s from %s support. I'm calling to check in on %s. Is this a good time?", in.firstName(), a.Name, a.Company, in.value("issue_type", "your account"))
}

// FollowUp continues an earlier conversation.
type FollowUp struct{}

func (FollowUp) Purpose() domain.Purpose { return domain.PurposeFollowUp }

func (FollowUp) SystemPrompt(in Input) string {
	a := in.agent()
	previous := in.value("previous_interaction", in.value("previous_outcome", "our previous conversation"))
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s from %s following up with %s after %s.\n\n", a.Name, a.Company, in.contactName(), previous)
	fmt.Fprintf(&b, `CALL OBJECTIVE: Continue the sales process and move to the next stage.

FOLLOW-UP CONTEXT:
- Previous interaction: %s
- Follow-up reason: %s
- Next steps needed: %s

CONVERSATION APPROACH:
1. REFERENCE PREVIOUS: Mention the last conversation
2. CHECK STATUS: Ask about any developments since then
3. ADDRESS CONCERNS: Handle questions or objections that have come up
4. ADVANCE: Move to the next appropriate step
5. CONFIRM NEXT STEPS: Set clear expectations
`, previous, in.value("follow_up_reason", "general follow-up"), in.value("next_steps", "determine next steps"))
	return finish(&b, in)
}

func (FollowUp) Opening(in Input) string {
	a := in.agent()
	return fmt.Sprintf("Hi %s, it's %s from %s again. I'm following up on our last conversation. Do you have a moment?", in.firstName(), a.Name, a.Company)
}

// Appointment books or confirms a meeting.
type Appointment struct{}

func (Appointment) Purpose() domain.Purpose { return domain.PurposeAppointment }

func (Appointment) SystemPrompt(in Input) string {
	a := in.agent()
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s from %s calling %s to book an appointment.\n\n", a.Name, a.Company, in.contactName())
	fmt.Fprintf(&b, `CALL OBJECTIVE: Agree on a date and time for the appointment.

APPOINTMENT CONTEXT:
- Appointment type: %s
- Preferred window: %s

FLOW:
1. Explain what the appointment is for and how long it takes
2. Offer two or three concrete time slots
3. Confirm the chosen slot by repeating date, time and time zone
4. Thank them and end the call
`, in.value("appointment_type", "consultation"), in.value("preferred_window", "next week"))
	return finish(&b, in)
}

func (Appointment) Opening(in Input) string {
	a := in.agent()
	return fmt.Sprintf("Hi %s, this is %s from %s. I'm calling to set up your %s. Do you have a minute to find a time?", in.firstName(), a.Name, a.Company, in.value("appointment_type", "appointment"))
}

// Survey collects short structured feedback.
type Survey struct{}

func (Survey) Purpose() domain.Purpose { return domain.PurposeSurvey }

func (Survey) SystemPrompt(in Input) string {
	a := in.agent()
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s from %s running a short feedback survey with %s.\n\n", a.Name, a.Company, in.contactName())
	fmt.Fprintf(&b, `CALL OBJECTIVE: Collect honest feedback in under three minutes.

SURVEY TOPIC: %s

FLOW:
1. Ask permission to run a quick survey
2. Ask one question at a time and wait for the answer
3. Ask for a 1 to 10 satisfaction rating
4. Ask what one thing would most improve their experience
5. Thank them for their time
`, in.value("survey_topic", "their experience with our product"))
	return finish(&b, in)
}

func (Survey) Opening(in Input) string {
	a := in.agent()
	return fmt.Sprintf("Hi %s, this is %s from %s. Would you have two minutes for a quick feedback survey?", in.firstName(), a.Name, a.Company)
}

// Renewal reminds a customer of an upcoming renewal.
type Renewal struct{}

func (Renewal) Purpose() domain.Purpose { return domain.PurposeRenewal }

func (Renewal) SystemPrompt(in Input) string {
	a := in.agent()
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s from %s calling %s about their upcoming renewal.\n\n", a.Name, a.Company, in.contactName())
	fmt.Fprintf(&b, `CALL OBJECTIVE: Confirm the renewal and surface any blockers.

RENEWAL CONTEXT:
- Plan: %s
- Renewal date: %s

FLOW:
1. Remind them of the renewal date and current plan
2. Ask whether the plan still fits their needs
3. Answer pricing questions or offer a callback with account management
4. Confirm their intent to renew
`, in.value("plan", "their current plan"), in.value("renewal_date", "soon"))
	return finish(&b, in)
}

func (Renewal) Opening(in Input) string {
	a := in.agent()
	return fmt.Sprintf("Hi %s, this is %s from %s. I'm calling about your upcoming renewal on %s. Is now a good time?", in.firstName(), a.Name, a.Company, in.value("renewal_date", "your account"))
}
