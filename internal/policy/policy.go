// Package policy decides whether a contact may be called for a campaign now.
package policy

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-call-engine/internal/domain"
	"github.com/acme/outbound-call-engine/internal/repository"
)

// Reason names why a contact is ineligible.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonDoNotCall         Reason = "do_not_call"
	ReasonContactMissing    Reason = "contact_missing"
	ReasonOutsideWindow     Reason = "outside_window"
	ReasonWeekdayNotAllowed Reason = "weekday_not_allowed"
	ReasonCooldown          Reason = "cooldown"
	ReasonHourlyCap         Reason = "hourly_cap"
	ReasonDailyCap          Reason = "daily_cap"
	ReasonOutstandingIntent Reason = "outstanding_intent"
)

// DefaultCooldown is the minimum gap between completed calls to one contact.
const DefaultCooldown = 24 * time.Hour

// Decision is the evaluator's verdict. RetryAt is the earliest time the same
// facts could become eligible; it is zero for do_not_call, contact_missing
// and outstanding_intent, which never clear by waiting.
type Decision struct {
	Eligible bool
	Reason   Reason
	RetryAt  time.Time
}

// Facts is everything the pure decision needs.
type Facts struct {
	Contact  *domain.Contact
	Campaign *domain.Campaign
	Link     *domain.CampaignContactLink
	// IntentID is the intent under evaluation; a link holding it is not a conflict.
	IntentID      uuid.UUID
	CallsThisHour int64
	CallsToday    int64
	Cooldown      time.Duration
}

// Decide applies the eligibility rules in order. Do-not-call always wins.
func Decide(f Facts, now time.Time) Decision {
	if f.Contact == nil {
		return Decision{Reason: ReasonContactMissing}
	}
	if f.Contact.DoNotCall {
		return Decision{Reason: ReasonDoNotCall}
	}
	c := f.Campaign
	if c == nil {
		return Decision{Eligible: true}
	}

	local := now.In(c.Location())
	if !c.Window.ContainsHour(local) {
		return Decision{Reason: ReasonOutsideWindow, RetryAt: OptimalCallTime(c, now)}
	}
	if !c.Window.AllowsDay(local) {
		return Decision{Reason: ReasonWeekdayNotAllowed, RetryAt: OptimalCallTime(c, now)}
	}

	cooldown := f.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if last := f.Contact.LastContacted; last != nil && now.Sub(*last) < cooldown {
		return Decision{Reason: ReasonCooldown, RetryAt: OptimalCallTime(c, last.Add(cooldown))}
	}

	hourBucket, dayBucket := c.Buckets(now)
	if c.MaxCallsPerHour > 0 && f.CallsThisHour >= int64(c.MaxCallsPerHour) {
		return Decision{Reason: ReasonHourlyCap, RetryAt: OptimalCallTime(c, hourBucket.Add(time.Hour))}
	}
	if c.MaxCallsPerDay > 0 && f.CallsToday >= int64(c.MaxCallsPerDay) {
		return Decision{Reason: ReasonDailyCap, RetryAt: OptimalCallTime(c, nextDay(c, dayBucket))}
	}

	if f.Link.Outstanding() && (f.Link.IntentID == nil || *f.Link.IntentID != f.IntentID) {
		return Decision{Reason: ReasonOutstandingIntent}
	}
	return Decision{Eligible: true}
}

// OptimalCallTime returns now when it falls inside an allowed window, today's
// window start when now is earlier on an allowed day, and otherwise the
// window start of the next allowed day. The result is in UTC.
func OptimalCallTime(c *domain.Campaign, now time.Time) time.Time {
	loc := c.Location()
	local := now.In(loc)
	w := c.Window

	if w.AllowsDay(local) {
		if w.ContainsHour(local) {
			return now.UTC()
		}
		if local.Hour() < w.StartHour {
			return windowStart(local, w.StartHour).UTC()
		}
	}
	for i := 1; i <= 7; i++ {
		day := local.AddDate(0, 0, i)
		if w.AllowsDay(day) {
			return windowStart(day, w.StartHour).UTC()
		}
	}
	return now.UTC()
}

// SpreadCallTime shifts t by a stable per-contact offset of up to 30 minutes
// so contacts enrolled together do not all ring at the window start. The
// result never reaches the window end.
func SpreadCallTime(c *domain.Campaign, contactID uuid.UUID, t time.Time) time.Time {
	local := t.In(c.Location())
	end := windowStart(local, c.Window.EndHour)
	room := int64(end.Sub(local) / time.Minute)
	if room <= 1 {
		return t
	}
	room = min(room-1, 30)

	h := fnv.New32a()
	_, _ = h.Write(contactID[:])
	offset := time.Duration(int64(h.Sum32())%(room+1)) * time.Minute
	return t.Add(offset).UTC()
}

func windowStart(day time.Time, hour int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), hour, 0, 0, 0, day.Location())
}

func nextDay(c *domain.Campaign, dayBucket time.Time) time.Time {
	local := dayBucket.In(c.Location()).AddDate(0, 0, 1)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
}

// RateCounts reports campaign calls in the current hour and day bucket.
type RateCounts interface {
	Counts(ctx context.Context, campaign *domain.Campaign, now time.Time) (hour, day int64, err error)
}

// Evaluator loads facts and applies Decide.
type Evaluator struct {
	links    repository.LinkRepository
	counts   RateCounts
	cooldown time.Duration
}

// NewEvaluator constructs an evaluator.
func NewEvaluator(links repository.LinkRepository, counts RateCounts, cooldown time.Duration) *Evaluator {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Evaluator{links: links, counts: counts, cooldown: cooldown}
}

// Evaluate decides whether contact may be called for campaign at now.
// A nil campaign means an ad-hoc call, which is checked for do-not-call only.
// The error is reserved for failures reading facts.
func (e *Evaluator) Evaluate(ctx context.Context, contact *domain.Contact, campaign *domain.Campaign, now time.Time) (Decision, error) {
	return e.evaluate(ctx, uuid.Nil, contact, campaign, now)
}

// EvaluateIntent is Evaluate for an intent already in the queue.
func (e *Evaluator) EvaluateIntent(ctx context.Context, intent *domain.CallIntent, contact *domain.Contact, campaign *domain.Campaign, now time.Time) (Decision, error) {
	return e.evaluate(ctx, intent.ID, contact, campaign, now)
}

func (e *Evaluator) evaluate(ctx context.Context, intentID uuid.UUID, contact *domain.Contact, campaign *domain.Campaign, now time.Time) (Decision, error) {
	facts := Facts{Contact: contact, Campaign: campaign, IntentID: intentID, Cooldown: e.cooldown}
	if contact == nil || contact.DoNotCall || campaign == nil {
		return Decide(facts, now), nil
	}

	hour, day, err := e.counts.Counts(ctx, campaign, now)
	if err != nil {
		return Decision{}, fmt.Errorf("policy: load counts: %w", err)
	}
	facts.CallsThisHour, facts.CallsToday = hour, day

	link, err := e.links.Get(ctx, campaign.ID, contact.ID)
	switch {
	case err == nil:
		facts.Link = link
	case errors.Is(err, repository.ErrNotFound):
	default:
		return Decision{}, fmt.Errorf("policy: load link: %w", err)
	}
	return Decide(facts, now), nil
}
