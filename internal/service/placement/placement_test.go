package placement

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
	"github.com/acme/outbound-call-engine/internal/repository"
	"github.com/acme/outbound-call-engine/internal/repository/memory"
	"github.com/acme/outbound-call-engine/internal/service/campaign"
	"github.com/acme/outbound-call-engine/internal/telephony"
	"github.com/acme/outbound-call-engine/internal/telephony/mock"
	"github.com/acme/outbound-call-engine/pkg/logger"
)

type fixture struct {
	store     *memory.Store
	provider  *mock.Provider
	adapter   *Adapter
	campaigns *campaign.Service
	rates     *memory.RateCounter
}

func newFixture(script ...error) *fixture {
	return newFixtureWith(nil, script...)
}

// newFixtureWith lets a test swap collaborators before the adapter is built.
func newFixtureWith(override func(*Deps), script ...error) *fixture {
	store := memory.NewStore()
	rates := memory.NewRateCounter(store)
	campaigns := campaign.NewService(store.Campaigns(), store.Windows(), store.Links(), store.Intents(), rates)
	provider := mock.NewProvider(script...)
	retrier := NewRetrier(store.Intents(), store.Links(), NewBackoff(config.PlacementConfig{}), logger.NewNop())
	deps := Deps{
		Intents:   store.Intents(),
		Links:     store.Links(),
		Contacts:  store.Contacts(),
		Calls:     store.Calls(),
		Campaigns: campaigns,
		Provider:  provider,
		Locker:    memory.NewLocker(),
		Rates:     rates,
		Retrier:   retrier,
	}
	if override != nil {
		override(&deps)
	}
	adapter := NewAdapter(deps, config.PlacementConfig{RequestTimeout: time.Second}, config.TelephonyConfig{
		FromNumber:      "+15550001111",
		CallbackBaseURL: "https://calls.example.com",
	}, logger.NewNop())
	return &fixture{store: store, provider: provider, adapter: adapter, campaigns: campaigns, rates: rates}
}

var errStorage = errors.New("storage timeout")

// flakyCalls fails the first writes of a call store.
type flakyCalls struct {
	repository.CallStore
	mu             sync.Mutex
	createFailures int
	updateFailures int
}

func (c *flakyCalls) CreateForIntent(ctx context.Context, call *domain.Call) (*domain.Call, bool, error) {
	c.mu.Lock()
	fail := c.createFailures > 0
	if fail {
		c.createFailures--
	}
	c.mu.Unlock()
	if fail {
		return nil, false, errStorage
	}
	return c.CallStore.CreateForIntent(ctx, call)
}

func (c *flakyCalls) Update(ctx context.Context, call *domain.Call) error {
	c.mu.Lock()
	fail := c.updateFailures > 0
	if fail {
		c.updateFailures--
	}
	c.mu.Unlock()
	if fail {
		return errStorage
	}
	return c.CallStore.Update(ctx, call)
}

// flakyLinks fails the first MarkDialed calls.
type flakyLinks struct {
	repository.LinkRepository
	mu       sync.Mutex
	failures int
}

func (l *flakyLinks) MarkDialed(ctx context.Context, campaignID, contactID uuid.UUID) error {
	l.mu.Lock()
	fail := l.failures > 0
	if fail {
		l.failures--
	}
	l.mu.Unlock()
	if fail {
		return errStorage
	}
	return l.LinkRepository.MarkDialed(ctx, campaignID, contactID)
}

func (f *fixture) claimedIntent(t *testing.T, campaignID *uuid.UUID, maxAttempts int) *domain.CallIntent {
	t.Helper()
	contact := &domain.Contact{ID: uuid.New(), FirstName: "Sam", PhoneNumber: "+15557654321"}
	f.store.PutContact(contact)
	now := time.Now().UTC()
	intent := domain.NewIntent(contact.ID, campaignID, domain.PurposeSales, domain.PriorityNormal, now, maxAttempts, nil, now)
	require.NoError(t, f.store.Intents().Enqueue(context.Background(), intent))
	return f.claim(t, intent.ID)
}

func (f *fixture) claim(t *testing.T, id uuid.UUID) *domain.CallIntent {
	t.Helper()
	claimed, err := f.store.Intents().Transition(context.Background(), id, domain.IntentStatusPending, domain.IntentStatusInProgress, nil)
	require.NoError(t, err)
	return claimed
}

func TestBackoffDelay(t *testing.T) {
	b := NewBackoff(config.PlacementConfig{})
	assert.Equal(t, 5*time.Minute, b.Delay(0))
	assert.Equal(t, 10*time.Minute, b.Delay(1))
	assert.Equal(t, 20*time.Minute, b.Delay(2))
	assert.Equal(t, 40*time.Minute, b.Delay(3))
	assert.Equal(t, time.Hour, b.Delay(4))
	assert.Equal(t, time.Hour, b.Delay(30))
}

func TestPlaceSuccessCompletesIntent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c, err := f.campaigns.Create(ctx, campaign.CreateCampaignInput{Name: "placement"})
	require.NoError(t, err)
	intent := f.claimedIntent(t, &c.ID, 3)

	res, err := f.adapter.Place(ctx, intent)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.NotEmpty(t, res.ProviderCallID)

	stored, err := f.store.Intents().Get(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusCompleted, stored.Status)
	require.NotNil(t, stored.ResultRef)
	assert.Equal(t, res.CallID, *stored.ResultRef)
	assert.Equal(t, 1, stored.AttemptCount)

	call, err := f.store.Calls().GetByIntent(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusInitiated, call.Status)
	assert.Equal(t, "+15557654321", call.ToNumber)

	link, err := f.store.Links().Get(ctx, c.ID, intent.ContactID)
	require.NoError(t, err)
	assert.Equal(t, domain.LinkStatusInProgress, link.Status)
	assert.Equal(t, 1, link.AttemptCount)

	hour, day, err := memory.NewRateCounter(f.store).Counts(ctx, c, call.CreatedAt)
	require.NoError(t, err)
	assert.Equal(t, int64(1), hour)
	assert.Equal(t, int64(1), day)

	requests := f.provider.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "https://calls.example.com/v1/webhooks/telephony/status?call_id="+call.ID.String(), requests[0].StatusCallbackURL)
}

func TestPlaceThreeTransientFailuresExhaustBudget(t *testing.T) {
	flaky := telephony.Transient("carrier busy")
	f := newFixture(flaky, flaky, flaky)
	ctx := context.Background()
	intent := f.claimedIntent(t, nil, 3)

	for attempt := 1; attempt <= 3; attempt++ {
		res, err := f.adapter.Place(ctx, intent)
		require.NoError(t, err)
		assert.False(t, res.Success)

		stored, err := f.store.Intents().Get(ctx, intent.ID)
		require.NoError(t, err)
		assert.Equal(t, attempt, stored.AttemptCount)
		assert.LessOrEqual(t, stored.AttemptCount, stored.MaxAttempts)
		if attempt < 3 {
			assert.True(t, res.Transient)
			assert.Equal(t, domain.IntentStatusPending, stored.Status)
			intent = f.claim(t, intent.ID)
		} else {
			assert.False(t, res.Transient)
			assert.Equal(t, domain.IntentStatusFailed, stored.Status)
		}
	}

	_, err := f.store.Intents().Transition(ctx, intent.ID, domain.IntentStatusPending, domain.IntentStatusInProgress, nil)
	assert.ErrorIs(t, err, repository.ErrConflict)

	res, err := f.adapter.Place(ctx, intent)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Len(t, f.provider.Requests(), 3, "no fourth attempt")

	attempts, err := f.store.Calls().ListAttempts(ctx, intent.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 3)
}

func TestPlacePermanentFailureFailsImmediately(t *testing.T) {
	f := newFixture(telephony.Permanent("invalid number"))
	ctx := context.Background()
	c, err := f.campaigns.Create(ctx, campaign.CreateCampaignInput{Name: "permanent"})
	require.NoError(t, err)
	intent := f.claimedIntent(t, &c.ID, 3)

	res, err := f.adapter.Place(ctx, intent)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.False(t, res.Transient)

	stored, err := f.store.Intents().Get(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusFailed, stored.Status)
	assert.Contains(t, stored.LastError, "invalid number")

	link, err := f.store.Links().Get(ctx, c.ID, intent.ContactID)
	require.NoError(t, err)
	assert.Equal(t, domain.LinkStatusFailed, link.Status)
}

func TestPlaceDuplicateSubmitCreatesOneCall(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	intent := f.claimedIntent(t, nil, 3)

	var wg sync.WaitGroup
	results := make([]Result, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.adapter.Place(ctx, intent)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	res, err := f.adapter.Place(ctx, intent)
	require.NoError(t, err)
	assert.True(t, res.Success)

	assert.Len(t, f.provider.Requests(), 1)
	call, err := f.store.Calls().GetByIntent(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, call.ID, res.CallID)
	for _, r := range results {
		if r.Success {
			assert.Equal(t, call.ID, r.CallID)
		}
	}
}

func TestPlaceSkipsDoNotCallContact(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	intent := f.claimedIntent(t, nil, 3)
	contact, err := f.store.Contacts().Get(ctx, intent.ContactID)
	require.NoError(t, err)
	contact.DoNotCall = true
	f.store.PutContact(contact)

	res, err := f.adapter.Place(ctx, intent)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Empty(t, f.provider.Requests())

	stored, err := f.store.Intents().Get(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusFailed, stored.Status)
}

func TestRetrierRejectsUnclaimedIntent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	now := time.Now().UTC()
	intent := domain.NewIntent(uuid.New(), nil, domain.PurposeSales, domain.PriorityNormal, now, 3, nil, now)
	require.NoError(t, f.store.Intents().Enqueue(ctx, intent))

	retrier := NewRetrier(f.store.Intents(), f.store.Links(), NewBackoff(config.PlacementConfig{}), logger.NewNop())
	_, err := retrier.Fail(ctx, intent, errors.New("boom"))
	assert.ErrorIs(t, err, repository.ErrConflict)
}

func TestPlaceCallStoreFailureDoesNotDialTwice(t *testing.T) {
	calls := &flakyCalls{createFailures: 1}
	f := newFixtureWith(func(d *Deps) {
		calls.CallStore = d.Calls
		d.Calls = calls
	})
	ctx := context.Background()
	intent := f.claimedIntent(t, nil, 3)

	_, err := f.adapter.Place(ctx, intent)
	require.ErrorIs(t, err, errStorage)
	assert.Empty(t, f.provider.Requests())

	res, err := f.adapter.Place(ctx, intent)
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, f.provider.Requests(), 1)
	assert.Equal(t, res.CallID, f.provider.Requests()[0].CallID)
}

func TestPlaceUnconfirmedDialIsNotRepeated(t *testing.T) {
	calls := &flakyCalls{updateFailures: 1}
	f := newFixtureWith(func(d *Deps) {
		calls.CallStore = d.Calls
		d.Calls = calls
	})
	ctx := context.Background()
	intent := f.claimedIntent(t, nil, 3)

	_, err := f.adapter.Place(ctx, intent)
	require.ErrorIs(t, err, errStorage)
	require.Len(t, f.provider.Requests(), 1)

	res, err := f.adapter.Place(ctx, intent)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.False(t, res.Transient)
	assert.Len(t, f.provider.Requests(), 1, "no second dial")

	call, err := f.store.Calls().GetByIntent(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, f.provider.Requests()[0].CallID, call.ID)
	assert.True(t, call.NeedsReview)

	stored, err := f.store.Intents().Get(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusFailed, stored.Status)
	assert.Contains(t, stored.LastError, "dial outcome unknown")
}

func TestPlaceFinishesBookkeepingAfterLinkFailure(t *testing.T) {
	links := &flakyLinks{failures: 1}
	f := newFixtureWith(func(d *Deps) {
		links.LinkRepository = d.Links
		d.Links = links
	})
	ctx := context.Background()
	c, err := f.campaigns.Create(ctx, campaign.CreateCampaignInput{Name: "bookkeeping"})
	require.NoError(t, err)
	intent := f.claimedIntent(t, &c.ID, 3)

	_, err = f.adapter.Place(ctx, intent)
	require.ErrorIs(t, err, errStorage)

	stored, err := f.store.Intents().Get(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusInProgress, stored.Status)

	for i := 0; i < 2; i++ {
		res, err := f.adapter.Place(ctx, intent)
		require.NoError(t, err)
		assert.True(t, res.Success)
	}
	assert.Len(t, f.provider.Requests(), 1)

	stored, err = f.store.Intents().Get(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusCompleted, stored.Status)
	assert.Equal(t, 1, stored.AttemptCount)

	link, err := f.store.Links().Get(ctx, c.ID, intent.ContactID)
	require.NoError(t, err)
	assert.Equal(t, domain.LinkStatusInProgress, link.Status)
	assert.Equal(t, 1, link.AttemptCount)

	call, err := f.store.Calls().GetByIntent(ctx, intent.ID)
	require.NoError(t, err)
	hour, day, err := f.store.Counters().Counts(ctx, c.ID, hourBucket(c, call.CreatedAt), dayBucket(c, call.CreatedAt))
	require.NoError(t, err)
	assert.Equal(t, int64(1), hour)
	assert.Equal(t, int64(1), day)
}

func TestPlaceFailedDialReleasesRateReservation(t *testing.T) {
	f := newFixture(telephony.Permanent("invalid number"))
	ctx := context.Background()
	c, err := f.campaigns.Create(ctx, campaign.CreateCampaignInput{Name: "release"})
	require.NoError(t, err)
	intent := f.claimedIntent(t, &c.ID, 3)

	reserved, err := f.rates.Reserve(ctx, c, intent.UpdatedAt)
	require.NoError(t, err)
	require.True(t, reserved)

	_, err = f.adapter.Place(ctx, intent)
	require.NoError(t, err)

	hour, day, err := f.rates.Counts(ctx, c, intent.UpdatedAt)
	require.NoError(t, err)
	assert.Zero(t, hour)
	assert.Zero(t, day)

	_, err = f.store.Calls().GetByIntent(ctx, intent.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound, "undialled call is discarded")
}

func hourBucket(c *domain.Campaign, t time.Time) time.Time {
	h, _ := c.Buckets(t)
	return h
}

func dayBucket(c *domain.Campaign, t time.Time) time.Time {
	_, d := c.Buckets(t)
	return d
}
