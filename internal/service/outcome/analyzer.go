// Package outcome classifies finished calls and schedules their follow-ups.
package outcome

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/acme/outbound-call-engine/internal/domain"
	"github.com/acme/outbound-call-engine/internal/llm"
	"github.com/acme/outbound-call-engine/internal/prompt"
	apperrors "github.com/acme/outbound-call-engine/pkg/errors"
	"github.com/acme/outbound-call-engine/pkg/logger"
)

// CallMetadata is what the analyzer knows about a call besides its transcript.
type CallMetadata struct {
	Status   domain.CallStatus
	Purpose  domain.Purpose
	Duration time.Duration
}

// Analyzer turns a transcript into a structured Outcome.
type Analyzer struct {
	classifier llm.Classifier
	logger     *logger.Logger
}

// NewAnalyzer constructs an analyzer.
func NewAnalyzer(classifier llm.Classifier, log *logger.Logger) *Analyzer {
	return &Analyzer{classifier: classifier, logger: log.Named("analyzer")}
}

// Analyze classifies a finished call. Unanswered calls are classified
// without the backend. Output that cannot be mapped to the taxonomy yields
// the safe default; the error is reserved for cancelled contexts.
func (a *Analyzer) Analyze(ctx context.Context, transcript string, meta CallMetadata) (domain.Outcome, error) {
	if out, ok := unanswered(transcript, meta); ok {
		return out, nil
	}

	raw, err := a.classifier.Classify(ctx, prompt.Analysis(transcript, string(meta.Purpose)))
	if err != nil {
		if ctx.Err() != nil {
			return domain.Outcome{}, ctx.Err()
		}
		a.logger.WithContext(ctx).Warn("outcome classification unavailable", zap.Error(err))
		out := domain.SafeDefault()
		out.Summary = "Outcome analysis unavailable"
		return out, nil
	}

	out, err := Parse(raw)
	if err != nil {
		a.logger.WithContext(ctx).Warn("outcome classification ambiguous", zap.Error(err))
	}
	return out, nil
}

func unanswered(transcript string, meta CallMetadata) (domain.Outcome, bool) {
	var primary domain.PrimaryOutcome
	switch meta.Status {
	case domain.CallStatusVoicemail:
		primary = domain.OutcomeVoicemail
	case domain.CallStatusNoAnswer, domain.CallStatusBusy:
		primary = domain.OutcomeNoAnswer
	default:
		if strings.Contains(transcript, string(domain.SpeakerContact)+": ") {
			return domain.Outcome{}, false
		}
		primary = domain.OutcomeNoAnswer
	}
	return domain.Outcome{
		PrimaryOutcome: primary,
		InterestLevel:  domain.InterestNone,
		NextBestAction: domain.ActionNone,
		Summary:        fmt.Sprintf("Call ended without a conversation (%s)", primary),
	}, true
}

// Parse maps backend output onto the outcome taxonomy. Anything it cannot
// map returns the safe default with ErrClassificationAmbiguous.
func Parse(raw string) (domain.Outcome, error) {
	doc := extractJSON(raw)
	if doc == "" || !gjson.Valid(doc) {
		return domain.SafeDefault(), fmt.Errorf("%w: response is not JSON", apperrors.ErrClassificationAmbiguous)
	}
	res := gjson.Parse(doc)

	primary := domain.PrimaryOutcome(res.Get("primary_outcome").String())
	if !primary.Valid() {
		return domain.SafeDefault(), fmt.Errorf("%w: primary_outcome %q", apperrors.ErrClassificationAmbiguous, primary)
	}
	action := domain.NextAction(res.Get("next_best_action").String())
	if !action.Valid() {
		return domain.SafeDefault(), fmt.Errorf("%w: next_best_action %q", apperrors.ErrClassificationAmbiguous, action)
	}
	followUp := res.Get("follow_up_needed")
	if followUp.Type != gjson.True && followUp.Type != gjson.False {
		return domain.SafeDefault(), fmt.Errorf("%w: follow_up_needed %q", apperrors.ErrClassificationAmbiguous, followUp.Raw)
	}

	interest := domain.InterestLevel(res.Get("interest_level").String())
	switch interest {
	case domain.InterestHigh, domain.InterestMedium, domain.InterestLow, domain.InterestNone:
	default:
		interest = domain.InterestNone
	}

	var concerns []string
	for _, c := range res.Get("key_concerns").Array() {
		if s := strings.TrimSpace(c.String()); s != "" {
			concerns = append(concerns, s)
		}
	}

	return domain.Outcome{
		PrimaryOutcome:    primary,
		InterestLevel:     interest,
		FollowUpNeeded:    followUp.Bool(),
		FollowUpTimeframe: domain.Timeframe(res.Get("follow_up_timeframe").String()),
		KeyConcerns:       concerns,
		NextBestAction:    action,
		Summary:           res.Get("summary").String(),
		DetailedSummary:   res.Get("detailed_summary").String(),
	}, nil
}

// extractJSON returns the outermost object in s, tolerating code fences and prose.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}
