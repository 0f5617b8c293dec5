package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-call-engine/internal/config"
	"github.com/acme/outbound-call-engine/internal/domain"
	"github.com/acme/outbound-call-engine/internal/policy"
	"github.com/acme/outbound-call-engine/internal/queue"
	"github.com/acme/outbound-call-engine/internal/repository/memory"
	"github.com/acme/outbound-call-engine/internal/service/campaign"
	"github.com/acme/outbound-call-engine/internal/service/placement"
	"github.com/acme/outbound-call-engine/pkg/logger"
)

// Tuesday, inside the default 09:00-18:00 window.
var tuesday10 = time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []queue.DispatchMessage
	err  error
}

func (p *recordingPublisher) DispatchCall(_ context.Context, msg queue.DispatchMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPublisher) published() []queue.DispatchMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]queue.DispatchMessage(nil), p.msgs...)
}

type fixture struct {
	store     *memory.Store
	campaigns *campaign.Service
	publisher *recordingPublisher
}

func newFixture() *fixture {
	store := memory.NewStore()
	rates := memory.NewRateCounter(store)
	return &fixture{
		store:     store,
		campaigns: campaign.NewService(store.Campaigns(), store.Windows(), store.Links(), store.Intents(), rates),
		publisher: &recordingPublisher{},
	}
}

func (f *fixture) scheduler(batch int, now time.Time) *Scheduler {
	rates := memory.NewRateCounter(f.store)
	s := New(Deps{
		Intents:   f.store.Intents(),
		Links:     f.store.Links(),
		Contacts:  f.store.Contacts(),
		Campaigns: f.campaigns,
		Evaluator: policy.NewEvaluator(f.store.Links(), rates, 0),
		Rates:     rates,
		Publisher: f.publisher,
		Failures:  placement.NewRetrier(f.store.Intents(), f.store.Links(), placement.NewBackoff(config.PlacementConfig{}), logger.NewNop()),
	}, config.SchedulerConfig{MaxBatchSize: batch, SweepPageSize: 50}, config.PlacementConfig{DefaultMaxAttempts: 3}, logger.NewNop())
	s.now = func() time.Time { return now }
	return s
}

func (f *fixture) contact(dnc bool) *domain.Contact {
	c := &domain.Contact{ID: uuid.New(), FirstName: "Dana", LastName: "Reyes", PhoneNumber: "+15551234567", DoNotCall: dnc}
	f.store.PutContact(c)
	return c
}

func (f *fixture) activeCampaign(t *testing.T) *domain.Campaign {
	t.Helper()
	ctx := context.Background()
	c, err := f.campaigns.Create(ctx, campaign.CreateCampaignInput{Name: "Q1 outreach"})
	require.NoError(t, err)
	c, err = f.campaigns.Activate(ctx, c.ID)
	require.NoError(t, err)
	return c
}

func (f *fixture) enqueue(t *testing.T, contactID uuid.UUID, campaignID *uuid.UUID, priority domain.Priority, at time.Time) *domain.CallIntent {
	t.Helper()
	intent := domain.NewIntent(contactID, campaignID, domain.PurposeSales, priority, at, 3, nil, at)
	require.NoError(t, f.store.Intents().Enqueue(context.Background(), intent))
	return intent
}

func TestDispatchClaimsUrgentBeforeEarlierNormal(t *testing.T) {
	f := newFixture()
	normal := f.enqueue(t, f.contact(false).ID, nil, domain.PriorityNormal, tuesday10.Add(-10*time.Minute))
	urgent := f.enqueue(t, f.contact(false).ID, nil, domain.PriorityUrgent, tuesday10)

	s := f.scheduler(1, tuesday10)
	n, err := s.Dispatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	msgs := f.publisher.published()
	require.Len(t, msgs, 1)
	assert.Equal(t, urgent.ID, msgs[0].IntentID)
	assert.Equal(t, 1, msgs[0].Attempt)

	stored, err := f.store.Intents().Get(context.Background(), normal.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusPending, stored.Status)
}

func TestConcurrentDispatchersNeverDoubleClaim(t *testing.T) {
	f := newFixture()
	const total = 40
	for i := 0; i < total; i++ {
		f.enqueue(t, f.contact(false).ID, nil, domain.PriorityNormal, tuesday10.Add(-time.Duration(i)*time.Second))
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := f.scheduler(total, tuesday10)
			_, err := s.Dispatch(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	seen := make(map[uuid.UUID]int)
	for _, msg := range f.publisher.published() {
		seen[msg.IntentID]++
	}
	assert.Len(t, seen, total)
	for id, count := range seen {
		assert.Equalf(t, 1, count, "intent %s dispatched %d times", id, count)
	}
}

func TestDispatchCancelsDoNotCallContact(t *testing.T) {
	f := newFixture()
	c := f.activeCampaign(t)
	contact := f.contact(true)
	intent := f.enqueue(t, contact.ID, &c.ID, domain.PriorityHigh, tuesday10)

	s := f.scheduler(10, tuesday10)
	n, err := s.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.publisher.published())

	stored, err := f.store.Intents().Get(context.Background(), intent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusCancelled, stored.Status)
	assert.Equal(t, "Contact is on do-not-call list", stored.LastError)

	link, err := f.store.Links().Get(context.Background(), c.ID, contact.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LinkStatusOptedOut, link.Status)
	assert.Equal(t, "Contact is on do-not-call list", link.Notes)
}

func TestDispatchReschedulesOutsideWindow(t *testing.T) {
	f := newFixture()
	c := f.activeCampaign(t)
	evening := time.Date(2024, 1, 2, 19, 0, 0, 0, time.UTC)
	intent := f.enqueue(t, f.contact(false).ID, &c.ID, domain.PriorityNormal, evening)

	s := f.scheduler(10, evening)
	_, err := s.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.publisher.published())

	stored, err := f.store.Intents().Get(context.Background(), intent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusPending, stored.Status)
	assert.Equal(t, time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC), stored.ScheduledTime)
}

func TestDispatchHoldsIntentsOfPausedCampaign(t *testing.T) {
	f := newFixture()
	c := f.activeCampaign(t)
	intent := f.enqueue(t, f.contact(false).ID, &c.ID, domain.PriorityNormal, tuesday10)
	_, err := f.campaigns.Pause(context.Background(), c.ID)
	require.NoError(t, err)

	_, err = f.scheduler(10, tuesday10).Dispatch(context.Background())
	require.NoError(t, err)

	stored, err := f.store.Intents().Get(context.Background(), intent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusPending, stored.Status)
	assert.Equal(t, tuesday10, stored.ScheduledTime)
}

func TestDispatchRespectsHourlyCap(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c, err := f.campaigns.Create(ctx, campaign.CreateCampaignInput{Name: "capped", MaxCallsPerHour: 1, MaxCallsPerDay: 10})
	require.NoError(t, err)
	_, err = f.campaigns.Activate(ctx, c.ID)
	require.NoError(t, err)

	first := f.enqueue(t, f.contact(false).ID, &c.ID, domain.PriorityNormal, tuesday10.Add(-time.Minute))
	second := f.enqueue(t, f.contact(false).ID, &c.ID, domain.PriorityNormal, tuesday10)

	n, err := f.scheduler(10, tuesday10).Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs := f.publisher.published()
	require.Len(t, msgs, 1)
	assert.Equal(t, first.ID, msgs[0].IntentID)

	stored, err := f.store.Intents().Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusPending, stored.Status)
	assert.Equal(t, tuesday10.Add(time.Hour), stored.ScheduledTime)
}

func TestDispatchPublishFailureConsumesAttempt(t *testing.T) {
	f := newFixture()
	f.publisher.err = errors.New("broker unavailable")
	intent := f.enqueue(t, f.contact(false).ID, nil, domain.PriorityNormal, tuesday10)

	_, err := f.scheduler(10, tuesday10).Dispatch(context.Background())
	require.NoError(t, err)

	stored, err := f.store.Intents().Get(context.Background(), intent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusPending, stored.Status)
	assert.Equal(t, 1, stored.AttemptCount)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), stored.ScheduledTime, time.Minute)
	assert.Contains(t, stored.LastError, "broker unavailable")
}

func TestSweepEnqueuesEnrolledContacts(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c := f.activeCampaign(t)
	callable := f.contact(false)
	blocked := f.contact(true)
	_, err := f.campaigns.Enroll(ctx, c.ID, []uuid.UUID{callable.ID, blocked.ID})
	require.NoError(t, err)

	s := f.scheduler(10, tuesday10)
	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	link, err := f.store.Links().Get(ctx, c.ID, callable.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LinkStatusScheduled, link.Status)
	require.NotNil(t, link.IntentID)

	intent, err := f.store.Intents().Get(ctx, *link.IntentID)
	require.NoError(t, err)
	assert.Equal(t, domain.PurposeSales, intent.Purpose)
	assert.Equal(t, "Q1 outreach", intent.Config.Context["campaign_name"])
	assert.Equal(t, "bulk_calls", intent.Config.Context["campaign_type"])
	assert.False(t, intent.ScheduledTime.Before(tuesday10))
	assert.False(t, intent.ScheduledTime.After(tuesday10.Add(30*time.Minute)))

	optedOut, err := f.store.Links().Get(ctx, c.ID, blocked.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LinkStatusOptedOut, optedOut.Status)

	n, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "scheduled links are not swept twice")
}
