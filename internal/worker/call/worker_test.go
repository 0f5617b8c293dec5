package call

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-call-engine/internal/domain"
	"github.com/acme/outbound-call-engine/internal/queue"
	"github.com/acme/outbound-call-engine/internal/repository/memory"
	"github.com/acme/outbound-call-engine/internal/service/placement"
	"github.com/acme/outbound-call-engine/pkg/logger"
)

type scriptedPlacer struct {
	errs  []error
	calls int
}

func (p *scriptedPlacer) Place(_ context.Context, intent *domain.CallIntent) (placement.Result, error) {
	p.calls++
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return placement.Result{}, err
		}
	}
	return placement.Result{Success: true, CallID: uuid.New()}, nil
}

type failureRecorder struct {
	causes []error
}

func (f *failureRecorder) Fail(_ context.Context, intent *domain.CallIntent, cause error) (*domain.CallIntent, error) {
	f.causes = append(f.causes, cause)
	return intent, nil
}

func newTestWorker(t *testing.T, placer Placer) (*Worker, *failureRecorder, *domain.CallIntent) {
	t.Helper()
	store := memory.NewStore()
	now := time.Now().UTC()
	intent := domain.NewIntent(uuid.New(), nil, domain.PurposeSales, domain.PriorityNormal, now, 3, nil, now)
	require.NoError(t, store.Intents().Enqueue(context.Background(), intent))

	failures := &failureRecorder{}
	w := NewWorker(store.Intents(), placer, failures, 2, logger.NewNop())
	w.backoff = time.Millisecond
	return w, failures, intent
}

func dispatchFor(t *testing.T, id uuid.UUID) []byte {
	t.Helper()
	raw, err := json.Marshal(queue.DispatchMessage{IntentID: id, Attempt: 1, MaxAttempts: 3})
	require.NoError(t, err)
	return raw
}

func TestHandlePlacesIntent(t *testing.T) {
	placer := &scriptedPlacer{}
	w, failures, intent := newTestWorker(t, placer)

	require.NoError(t, w.Handle(context.Background(), dispatchFor(t, intent.ID)))
	assert.Equal(t, 1, placer.calls)
	assert.Empty(t, failures.causes)
}

func TestHandleRetriesTransientPlacementErrors(t *testing.T) {
	placer := &scriptedPlacer{errs: []error{errors.New("redis timeout"), nil}}
	w, failures, intent := newTestWorker(t, placer)

	require.NoError(t, w.Handle(context.Background(), dispatchFor(t, intent.ID)))
	assert.Equal(t, 2, placer.calls)
	assert.Empty(t, failures.causes)
}

func TestHandleGivesUpAfterRepeatedErrors(t *testing.T) {
	boom := errors.New("scylla unavailable")
	placer := &scriptedPlacer{errs: []error{boom, boom, boom}}
	w, failures, intent := newTestWorker(t, placer)

	err := w.Handle(context.Background(), dispatchFor(t, intent.ID))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, placeAttempts, placer.calls)
	require.Len(t, failures.causes, 1)
	assert.ErrorIs(t, failures.causes[0], boom)
}

func TestHandleDropsUnknownIntent(t *testing.T) {
	placer := &scriptedPlacer{}
	w, _, _ := newTestWorker(t, placer)

	require.NoError(t, w.Handle(context.Background(), dispatchFor(t, uuid.New())))
	assert.Zero(t, placer.calls)
}

func TestHandleRejectsMalformedMessage(t *testing.T) {
	w, _, _ := newTestWorker(t, &scriptedPlacer{})
	assert.Error(t, w.Handle(context.Background(), []byte("{not json")))
}
