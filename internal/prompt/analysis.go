package prompt

import (
	"fmt"
	"strings"
)

// Analysis renders the outcome classification prompt for a transcript.
func Analysis(transcript string, purpose string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze this %s call conversation and provide a structured analysis.\n\n", purpose)
	b.WriteString("Conversation:\n")
	b.WriteString(strings.TrimSpace(transcript))
	b.WriteString(`

Respond with JSON only, in this format:
{
    "primary_outcome": "interested|not_interested|callback_requested|demo_scheduled|voicemail|no_answer",
    "interest_level": "high|medium|low|none",
    "follow_up_needed": true/false,
    "follow_up_timeframe": "immediate|1_day|1_week|1_month",
    "key_concerns": ["concern1", "concern2"],
    "next_best_action": "schedule_demo|send_info|callback|no_action",
    "summary": "brief summary",
    "detailed_summary": "detailed summary for CRM"
}`)
	return b.String()
}
