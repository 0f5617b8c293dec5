package campaign

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-call-engine/internal/domain"
	"github.com/acme/outbound-call-engine/internal/repository/memory"
	apperrors "github.com/acme/outbound-call-engine/pkg/errors"
)

func newTestService() (*Service, *memory.Store) {
	store := memory.NewStore()
	svc := NewService(store.Campaigns(), store.Windows(), store.Links(), store.Intents(), memory.NewRateCounter(store))
	return svc, store
}

func TestValidateCreateInputFailures(t *testing.T) {
	wrap := domain.CallingWindow{StartHour: 22, EndHour: 2, Weekdays: []int{1}}
	cases := []CreateCampaignInput{
		{Name: ""},
		{Name: "test", TimeZone: "invalid"},
		{Name: "test", Type: "cold_calls"},
		{Name: "test", Window: &wrap},
		{Name: "test", MaxCallsPerHour: 50, MaxCallsPerDay: 10},
		{Name: "test", DefaultPurpose: "small_talk"},
	}

	for _, tc := range cases {
		err := validateCreateInput(applyDefaults(tc))
		assert.ErrorIsf(t, err, apperrors.ErrValidation, "input %+v", tc)
	}
}

func TestCreateAppliesDefaults(t *testing.T) {
	svc, _ := newTestService()

	c, err := svc.Create(context.Background(), CreateCampaignInput{Name: "Spring outreach", Type: domain.CampaignTypeSurvey})
	require.NoError(t, err)

	assert.Equal(t, domain.CampaignStatusDraft, c.Status)
	assert.Equal(t, "UTC", c.TimeZone)
	assert.Equal(t, 10, c.MaxCallsPerHour)
	assert.Equal(t, 100, c.MaxCallsPerDay)
	assert.Equal(t, domain.PurposeSurvey, c.DefaultPurpose)

	loaded, err := svc.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultCallingWindow(), loaded.Window)
}

func TestCreateRejectsMidnightCrossingWindow(t *testing.T) {
	svc, _ := newTestService()
	window := domain.CallingWindow{StartHour: 22, EndHour: 2, Weekdays: []int{1, 2, 3}}

	_, err := svc.Create(context.Background(), CreateCampaignInput{Name: "night shift", Window: &window})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestLifecycleTransitions(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	c, err := svc.Create(ctx, CreateCampaignInput{Name: "lifecycle"})
	require.NoError(t, err)

	_, err = svc.Pause(ctx, c.ID)
	assert.ErrorIs(t, err, apperrors.ErrConflict, "draft campaigns cannot be paused")

	active, err := svc.Activate(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusActive, active.Status)
	assert.NotNil(t, active.StartedAt)

	listed, err := svc.ListActive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, c.ID, listed[0].ID)

	done, err := svc.Complete(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusCompleted, done.Status)

	_, err = svc.Activate(ctx, c.ID)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestEnrollIgnoresDuplicates(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	c, err := svc.Create(ctx, CreateCampaignInput{Name: "enroll"})
	require.NoError(t, err)

	a, b := uuid.New(), uuid.New()
	n, err := svc.Enroll(ctx, c.ID, []uuid.UUID{a, b})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = svc.Enroll(ctx, c.ID, []uuid.UUID{a})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	links, err := svc.Contacts(ctx, c.ID, 0)
	require.NoError(t, err)
	assert.Len(t, links, 2)
}

func TestStatsIncludesRateBuckets(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	now := time.Date(2024, 1, 2, 10, 30, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	c, err := svc.Create(ctx, CreateCampaignInput{Name: "stats"})
	require.NoError(t, err)
	counter := memory.NewRateCounter(store)
	require.NoError(t, counter.Record(ctx, c, uuid.New(), now))
	require.NoError(t, counter.Record(ctx, c, uuid.New(), now.Add(-2*time.Hour)))

	campaignID := c.ID
	intent := domain.NewIntent(uuid.New(), &campaignID, domain.PurposeSales, domain.PriorityNormal, now, 3, nil, now)
	require.NoError(t, store.Intents().Enqueue(ctx, intent))

	stats, err := svc.Stats(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalIntents)
	assert.Equal(t, int64(1), stats.PendingIntents)
	assert.Equal(t, int64(1), stats.CallsThisHour)
	assert.Equal(t, int64(2), stats.CallsToday)
}
