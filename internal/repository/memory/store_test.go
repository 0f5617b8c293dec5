package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-call-engine/internal/domain"
	"github.com/acme/outbound-call-engine/internal/repository"
)

func newIntent(contactID uuid.UUID, campaignID *uuid.UUID) *domain.CallIntent {
	now := time.Now().UTC()
	return &domain.CallIntent{
		ID:            uuid.New(),
		ContactID:     contactID,
		CampaignID:    campaignID,
		Purpose:       domain.PurposeSales,
		Priority:      domain.PriorityNormal,
		Status:        domain.IntentStatusPending,
		ScheduledTime: now,
		MaxAttempts:   domain.DefaultMaxAttempts,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestEnqueueRejectsSecondOutstandingIntent(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	intents := store.Intents()
	campaignID, contactID := uuid.New(), uuid.New()

	first := newIntent(contactID, &campaignID)
	require.NoError(t, intents.Enqueue(ctx, first))

	err := intents.Enqueue(ctx, newIntent(contactID, &campaignID))
	assert.True(t, errors.Is(err, repository.ErrConflict))

	require.NoError(t, store.Links().SetStatus(ctx, campaignID, contactID, domain.LinkStatusCompleted, ""))
	assert.NoError(t, intents.Enqueue(ctx, newIntent(contactID, &campaignID)))
}

func TestTransitionIsConditional(t *testing.T) {
	ctx := context.Background()
	intents := NewStore().Intents()
	intent := newIntent(uuid.New(), nil)
	require.NoError(t, intents.Enqueue(ctx, intent))

	_, err := intents.Transition(ctx, intent.ID, domain.IntentStatusPending, domain.IntentStatusInProgress, nil)
	require.NoError(t, err)

	_, err = intents.Transition(ctx, intent.ID, domain.IntentStatusPending, domain.IntentStatusInProgress, nil)
	assert.True(t, errors.Is(err, repository.ErrConflict))

	_, err = intents.Transition(ctx, intent.ID, domain.IntentStatusInProgress, domain.IntentStatusPending, func(i *domain.CallIntent) {
		i.AttemptCount = i.MaxAttempts + 1
	})
	assert.True(t, errors.Is(err, repository.ErrConflict))

	got, err := intents.Get(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusInProgress, got.Status)
	assert.Equal(t, 0, got.AttemptCount)
}

func TestCreateForIntentKeepsFirstCall(t *testing.T) {
	ctx := context.Background()
	calls := NewStore().Calls()
	intentID := uuid.New()

	first, created, err := calls.CreateForIntent(ctx, &domain.Call{ID: uuid.New(), IntentID: intentID})
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := calls.CreateForIntent(ctx, &domain.Call{ID: uuid.New(), IntentID: intentID})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestLockerExcludesSecondHolder(t *testing.T) {
	ctx := context.Background()
	l := NewLocker()

	release, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, release)

	again, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, again)

	require.NoError(t, release(ctx))
	again, err = l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, again)
}
