package policy

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-call-engine/internal/domain"
	"github.com/acme/outbound-call-engine/internal/repository"
)

// 2024-01-02 is a Tuesday.
func at(day, hour, minute int) time.Time {
	return time.Date(2024, 1, day, hour, minute, 0, 0, time.UTC)
}

func everyDayCampaign() *domain.Campaign {
	return &domain.Campaign{
		ID:              uuid.New(),
		TimeZone:        "UTC",
		Window:          domain.CallingWindow{StartHour: 9, EndHour: 18, Weekdays: []int{1, 2, 3, 4, 5, 6, 7}},
		MaxCallsPerHour: 10,
		MaxCallsPerDay:  100,
	}
}

func weekdayCampaign() *domain.Campaign {
	c := everyDayCampaign()
	c.Window = domain.DefaultCallingWindow()
	return c
}

func TestDecideDoNotCallWins(t *testing.T) {
	contact := &domain.Contact{ID: uuid.New(), DoNotCall: true}

	tests := []struct {
		name     string
		campaign *domain.Campaign
	}{
		{name: "ad hoc", campaign: nil},
		{name: "inside window", campaign: everyDayCampaign()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(Facts{Contact: contact, Campaign: tt.campaign}, at(2, 10, 0))
			assert.False(t, d.Eligible)
			assert.Equal(t, ReasonDoNotCall, d.Reason)
			assert.True(t, d.RetryAt.IsZero())
		})
	}
}

func TestDecideEligibleTuesdayMorning(t *testing.T) {
	contact := &domain.Contact{ID: uuid.New()}
	d := Decide(Facts{Contact: contact, Campaign: everyDayCampaign()}, at(2, 10, 0))
	assert.True(t, d.Eligible)
	assert.Equal(t, ReasonNone, d.Reason)
}

func TestDecideAdHocSkipsCampaignRules(t *testing.T) {
	last := at(2, 9, 0)
	contact := &domain.Contact{ID: uuid.New(), LastContacted: &last}
	d := Decide(Facts{Contact: contact}, at(2, 23, 0))
	assert.True(t, d.Eligible)
}

func TestDecideMissingContact(t *testing.T) {
	for _, campaign := range []*domain.Campaign{nil, everyDayCampaign()} {
		d := Decide(Facts{Campaign: campaign}, at(2, 10, 0))
		assert.False(t, d.Eligible)
		assert.Equal(t, ReasonContactMissing, d.Reason)
		assert.True(t, d.RetryAt.IsZero())
	}
}

func TestDecideAdHocIntentSkipsCooldown(t *testing.T) {
	last := at(2, 9, 55)
	contact := &domain.Contact{ID: uuid.New(), LastContacted: &last}

	d := Decide(Facts{Contact: contact, Cooldown: time.Hour}, at(2, 10, 0))
	assert.True(t, d.Eligible)

	d = Decide(Facts{Contact: contact, Campaign: everyDayCampaign(), Cooldown: time.Hour}, at(2, 10, 0))
	assert.False(t, d.Eligible)
	assert.Equal(t, ReasonCooldown, d.Reason)
}

func TestDecideIneligibleReasons(t *testing.T) {
	now := at(2, 10, 30)
	recent := at(2, 8, 0)
	otherIntent := uuid.New()
	ownIntent := uuid.New()

	tests := []struct {
		name    string
		facts   func(f *Facts)
		now     time.Time
		reason  Reason
		retryAt time.Time
	}{
		{
			name:    "after window",
			now:     at(2, 19, 0),
			reason:  ReasonOutsideWindow,
			retryAt: at(3, 9, 0),
		},
		{
			name:    "before window",
			now:     at(2, 7, 15),
			reason:  ReasonOutsideWindow,
			retryAt: at(2, 9, 0),
		},
		{
			name: "weekend",
			facts: func(f *Facts) {
				f.Campaign.Window = domain.DefaultCallingWindow()
			},
			now:     at(6, 10, 0),
			reason:  ReasonWeekdayNotAllowed,
			retryAt: at(8, 9, 0),
		},
		{
			name: "cooldown",
			facts: func(f *Facts) {
				f.Contact.LastContacted = &recent
			},
			now:     now,
			reason:  ReasonCooldown,
			retryAt: at(3, 9, 0),
		},
		{
			name: "hourly cap",
			facts: func(f *Facts) {
				f.CallsThisHour = 10
			},
			now:     now,
			reason:  ReasonHourlyCap,
			retryAt: at(2, 11, 0),
		},
		{
			name: "daily cap",
			facts: func(f *Facts) {
				f.CallsToday = 100
			},
			now:     now,
			reason:  ReasonDailyCap,
			retryAt: at(3, 9, 0),
		},
		{
			name: "outstanding intent",
			facts: func(f *Facts) {
				f.Link = &domain.CampaignContactLink{Status: domain.LinkStatusScheduled, IntentID: &otherIntent}
				f.IntentID = ownIntent
			},
			now:    now,
			reason: ReasonOutstandingIntent,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Facts{Contact: &domain.Contact{ID: uuid.New()}, Campaign: everyDayCampaign()}
			if tt.facts != nil {
				tt.facts(&f)
			}
			d := Decide(f, tt.now)
			assert.False(t, d.Eligible)
			assert.Equal(t, tt.reason, d.Reason)
			assert.True(t, tt.retryAt.Equal(d.RetryAt), "retry at %s, want %s", d.RetryAt, tt.retryAt)
		})
	}
}

func TestDecideOwnOutstandingIntentIsEligible(t *testing.T) {
	intentID := uuid.New()
	f := Facts{
		Contact:  &domain.Contact{ID: uuid.New()},
		Campaign: everyDayCampaign(),
		Link:     &domain.CampaignContactLink{Status: domain.LinkStatusScheduled, IntentID: &intentID},
		IntentID: intentID,
	}
	assert.True(t, Decide(f, at(2, 10, 0)).Eligible)
}

func TestOptimalCallTime(t *testing.T) {
	tests := []struct {
		name     string
		campaign *domain.Campaign
		now      time.Time
		want     time.Time
	}{
		{name: "inside window", campaign: everyDayCampaign(), now: at(2, 10, 5), want: at(2, 10, 5)},
		{name: "before window", campaign: everyDayCampaign(), now: at(2, 6, 0), want: at(2, 9, 0)},
		{name: "after window", campaign: everyDayCampaign(), now: at(2, 19, 0), want: at(3, 9, 0)},
		{name: "at window end", campaign: everyDayCampaign(), now: at(2, 18, 0), want: at(3, 9, 0)},
		{name: "friday evening skips weekend", campaign: weekdayCampaign(), now: at(5, 20, 0), want: at(8, 9, 0)},
		{name: "saturday morning", campaign: weekdayCampaign(), now: at(6, 8, 0), want: at(8, 9, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := OptimalCallTime(tt.campaign, tt.now)
			assert.True(t, tt.want.Equal(got), "got %s, want %s", got, tt.want)
		})
	}
}

func TestSpreadCallTimeStaysInsideWindow(t *testing.T) {
	c := everyDayCampaign()
	base := at(2, 9, 0)
	for i := 0; i < 50; i++ {
		contactID := uuid.New()
		got := SpreadCallTime(c, contactID, base)
		assert.False(t, got.Before(base))
		assert.LessOrEqual(t, got.Sub(base), 30*time.Minute)
		assert.Equal(t, got, SpreadCallTime(c, contactID, base))
	}

	nearEnd := at(2, 17, 59)
	assert.Equal(t, nearEnd, SpreadCallTime(c, uuid.New(), nearEnd))
}

type fakeLinks struct {
	repository.LinkRepository
	link *domain.CampaignContactLink
}

func (f fakeLinks) Get(context.Context, uuid.UUID, uuid.UUID) (*domain.CampaignContactLink, error) {
	if f.link == nil {
		return nil, repository.ErrNotFound
	}
	return f.link, nil
}

type fakeCounts struct {
	hour, day int64
}

func (f fakeCounts) Counts(context.Context, *domain.Campaign, time.Time) (int64, int64, error) {
	return f.hour, f.day, nil
}

func TestEvaluatorLoadsFacts(t *testing.T) {
	ctx := context.Background()
	contact := &domain.Contact{ID: uuid.New()}
	campaign := everyDayCampaign()

	e := NewEvaluator(fakeLinks{}, fakeCounts{}, 0)
	d, err := e.Evaluate(ctx, contact, campaign, at(2, 10, 0))
	require.NoError(t, err)
	assert.True(t, d.Eligible)

	e = NewEvaluator(fakeLinks{}, fakeCounts{hour: 10}, 0)
	d, err = e.Evaluate(ctx, contact, campaign, at(2, 10, 0))
	require.NoError(t, err)
	assert.Equal(t, ReasonHourlyCap, d.Reason)

	intentID := uuid.New()
	link := &domain.CampaignContactLink{Status: domain.LinkStatusScheduled, IntentID: &intentID}
	e = NewEvaluator(fakeLinks{link: link}, fakeCounts{}, 0)
	d, err = e.Evaluate(ctx, contact, campaign, at(2, 10, 0))
	require.NoError(t, err)
	assert.Equal(t, ReasonOutstandingIntent, d.Reason)

	d, err = e.EvaluateIntent(ctx, &domain.CallIntent{ID: intentID}, contact, campaign, at(2, 10, 0))
	require.NoError(t, err)
	assert.True(t, d.Eligible)
}
