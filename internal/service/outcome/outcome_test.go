package outcome

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-call-engine/internal/domain"
	"github.com/acme/outbound-call-engine/internal/queue"
	"github.com/acme/outbound-call-engine/internal/repository/memory"
	apperrors "github.com/acme/outbound-call-engine/pkg/errors"
	"github.com/acme/outbound-call-engine/pkg/logger"
)

type stubClassifier struct {
	mu    sync.Mutex
	raw   string
	err   error
	calls int
}

func (c *stubClassifier) Classify(context.Context, string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.raw, c.err
}

type notificationRecorder struct {
	mu   sync.Mutex
	msgs []queue.NotificationMessage
}

func (r *notificationRecorder) PublishNotification(_ context.Context, msg queue.NotificationMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

type fixture struct {
	store      *memory.Store
	classifier *stubClassifier
	notified   *notificationRecorder
	processor  *Processor
	contact    *domain.Contact
}

func newFixture(raw string) *fixture {
	store := memory.NewStore()
	classifier := &stubClassifier{raw: raw}
	notified := &notificationRecorder{}
	log := logger.NewNop()
	processor := NewProcessor(Deps{
		Calls:     store.Calls(),
		Sessions:  store.Conversations(),
		Intents:   store.Intents(),
		Links:     store.Links(),
		Contacts:  store.Contacts(),
		Notes:     store.Notes(),
		History:   store.History(),
		Analyzer:  NewAnalyzer(classifier, log),
		FollowUps: NewFollowUpScheduler(store.Intents(), notified, 3, log),
	}, log)
	contact := &domain.Contact{ID: uuid.New(), FirstName: "Priya", PhoneNumber: "+15559870000"}
	store.PutContact(contact)
	return &fixture{store: store, classifier: classifier, notified: notified, processor: processor, contact: contact}
}

// finishedCall stores a completed call with a short conversation.
func (f *fixture) finishedCall(t *testing.T, status domain.CallStatus, turns ...domain.Turn) *domain.Call {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	intent := domain.NewIntent(f.contact.ID, nil, domain.PurposeSales, domain.PriorityNormal, now, 3, nil, now)
	require.NoError(t, f.store.Intents().Enqueue(ctx, intent))

	started := now.Add(-2 * time.Minute)
	call, _, err := f.store.Calls().CreateForIntent(ctx, &domain.Call{
		ID:        uuid.New(),
		IntentID:  intent.ID,
		ContactID: f.contact.ID,
		Status:    status,
		StartedAt: &started,
		EndedAt:   &now,
		CreatedAt: started,
	})
	require.NoError(t, err)

	if len(turns) > 0 {
		_, _, err := f.store.Conversations().Create(ctx, &domain.ConversationSession{
			ID:        uuid.New(),
			CallID:    call.ID,
			Purpose:   domain.PurposeSales,
			Turns:     turns,
			Status:    domain.SessionStatusCompleted,
			StartedAt: started,
		})
		require.NoError(t, err)
	}
	return call
}

var conversation = []domain.Turn{
	{Speaker: domain.SpeakerAgent, Content: "Hi Priya, do you have a minute?"},
	{Speaker: domain.SpeakerContact, Content: "Sure, what does it cost?"},
	{Speaker: domain.SpeakerAgent, Content: "Plans start at fifty dollars a seat."},
}

func TestProcessInterestedWithPricingConcernSendsInfo(t *testing.T) {
	f := newFixture("```json\n" + `{"primary_outcome":"interested","interest_level":"medium","follow_up_needed":true,` +
		`"follow_up_timeframe":"1_week","key_concerns":["pricing"],"next_best_action":"send_info",` +
		`"summary":"Interested, asked about pricing","detailed_summary":"Contact asked for pricing details."}` + "\n```")
	ctx := context.Background()
	call := f.finishedCall(t, domain.CallStatusCompleted, conversation...)

	res, err := f.processor.Process(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeInterested, res.Outcome.PrimaryOutcome)
	assert.Equal(t, domain.ActionSendInfo, res.Outcome.NextBestAction)
	assert.Nil(t, res.FollowUp)

	require.Len(t, f.notified.msgs, 1)
	assert.Equal(t, call.ID, f.notified.msgs[0].CallID)
	assert.Equal(t, []string{"pricing"}, f.notified.msgs[0].KeyConcerns)

	notes, err := f.store.Notes().ListByCall(ctx, call.ID)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "Autonomous Call - interested", notes[0].Title)
	assert.Equal(t, "Contact asked for pricing details.", notes[0].Content)
	assert.Equal(t, f.contact.ID, notes[0].ContactID)

	stored, err := f.store.Calls().Get(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeInterested, stored.Outcome)
	assert.True(t, stored.FollowUpRequired)
	assert.False(t, stored.NeedsReview)

	hist, err := f.store.History().Load(ctx, f.contact.ID)
	require.NoError(t, err)
	latest, ok := hist.Latest()
	require.True(t, ok)
	assert.Equal(t, call.ID, latest.CallID)

	contact, err := f.store.Contacts().Get(ctx, f.contact.ID)
	require.NoError(t, err)
	require.NotNil(t, contact.LastContacted)

	intents, err := f.store.Intents().ListByContact(ctx, f.contact.ID, 10)
	require.NoError(t, err)
	assert.Len(t, intents, 1, "only the original intent")
}

func TestProcessUnparseableOutputDefaultsToNoAction(t *testing.T) {
	f := newFixture("I think they were somewhat interested!")
	ctx := context.Background()
	call := f.finishedCall(t, domain.CallStatusCompleted, conversation...)

	res, err := f.processor.Process(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionNone, res.Outcome.NextBestAction)
	assert.False(t, res.Outcome.FollowUpNeeded)
	assert.Nil(t, res.FollowUp)
	assert.Empty(t, f.notified.msgs)

	stored, err := f.store.Calls().Get(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeUnclassified, stored.Outcome)
	assert.True(t, stored.NeedsReview)
}

func TestProcessDemoSchedulesHighPriorityFollowUp(t *testing.T) {
	f := newFixture(`{"primary_outcome":"demo_scheduled","interest_level":"high","follow_up_needed":true,"next_best_action":"schedule_demo","summary":"Wants a demo"}`)
	ctx := context.Background()
	call := f.finishedCall(t, domain.CallStatusCompleted, conversation...)

	res, err := f.processor.Process(ctx, call.ID)
	require.NoError(t, err)
	require.NotNil(t, res.FollowUp)
	assert.Equal(t, domain.PurposeDemo, res.FollowUp.Purpose)
	assert.Equal(t, domain.PriorityHigh, res.FollowUp.Priority)
	assert.WithinDuration(t, time.Now().Add(72*time.Hour), res.FollowUp.ScheduledTime, time.Minute)
	require.NotNil(t, res.FollowUp.OriginCallID)
	assert.Equal(t, call.ID, *res.FollowUp.OriginCallID)
	assert.Equal(t, call.ID.String(), res.FollowUp.Config.Context["origin_call_id"])
}

func TestProcessCallbackUsesTimeframe(t *testing.T) {
	cases := map[string]time.Duration{
		"immediate": 0,
		"1_day":     24 * time.Hour,
		"1_week":    7 * 24 * time.Hour,
		"1_month":   30 * 24 * time.Hour,
		"someday":   7 * 24 * time.Hour,
	}
	for timeframe, delay := range cases {
		t.Run(timeframe, func(t *testing.T) {
			f := newFixture(`{"primary_outcome":"callback_requested","follow_up_needed":true,"follow_up_timeframe":"` +
				timeframe + `","next_best_action":"callback"}`)
			call := f.finishedCall(t, domain.CallStatusCompleted, conversation...)

			res, err := f.processor.Process(context.Background(), call.ID)
			require.NoError(t, err)
			require.NotNil(t, res.FollowUp)
			assert.Equal(t, domain.PurposeFollowUp, res.FollowUp.Purpose)
			assert.Equal(t, domain.PriorityNormal, res.FollowUp.Priority)
			assert.Equal(t, "callback_requested", res.FollowUp.Config.PreviousOutcome)
			assert.WithinDuration(t, time.Now().Add(delay), res.FollowUp.ScheduledTime, time.Minute)
		})
	}
}

func TestProcessTwiceSchedulesOneFollowUp(t *testing.T) {
	f := newFixture(`{"primary_outcome":"callback_requested","follow_up_needed":true,"follow_up_timeframe":"1_day","next_best_action":"callback"}`)
	ctx := context.Background()
	call := f.finishedCall(t, domain.CallStatusCompleted, conversation...)

	first, err := f.processor.Process(ctx, call.ID)
	require.NoError(t, err)
	require.NotNil(t, first.FollowUp)

	second, err := f.processor.Process(ctx, call.ID)
	require.NoError(t, err)
	assert.True(t, second.AlreadyProcessed)
	assert.Equal(t, 1, f.classifier.calls)

	// A run interrupted before the call was updated replays every write.
	_, err = f.processor.deps.FollowUps.Schedule(ctx, call, first.Outcome)
	require.NoError(t, err)

	intents, err := f.store.Intents().ListByContact(ctx, f.contact.ID, 10)
	require.NoError(t, err)
	assert.Len(t, intents, 2, "original plus one follow-up")

	hist, err := f.store.History().Load(ctx, f.contact.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, hist.Len())
}

func TestProcessVoicemailSkipsClassifier(t *testing.T) {
	f := newFixture(`{"primary_outcome":"interested","follow_up_needed":true,"next_best_action":"schedule_demo"}`)
	ctx := context.Background()
	call := f.finishedCall(t, domain.CallStatusVoicemail)

	res, err := f.processor.Process(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeVoicemail, res.Outcome.PrimaryOutcome)
	assert.Equal(t, domain.ActionNone, res.Outcome.NextBestAction)
	assert.Zero(t, f.classifier.calls)

	contact, err := f.store.Contacts().Get(ctx, f.contact.ID)
	require.NoError(t, err)
	assert.Nil(t, contact.LastContacted)
}

func TestAnalyzeClassifierOutageFallsBackToSafeDefault(t *testing.T) {
	classifier := &stubClassifier{err: errors.New("503")}
	a := NewAnalyzer(classifier, logger.NewNop())

	out, err := a.Analyze(context.Background(), "agent: hi\ncontact: hello\n", CallMetadata{Status: domain.CallStatusCompleted})
	require.NoError(t, err)
	assert.True(t, out.Ambiguous)
	assert.Equal(t, domain.ActionNone, out.NextBestAction)
}

func TestParseRejectsUnknownTaxonomy(t *testing.T) {
	_, err := Parse(`{"primary_outcome":"delighted","follow_up_needed":false,"next_best_action":"no_action"}`)
	assert.ErrorIs(t, err, apperrors.ErrClassificationAmbiguous)

	_, err = Parse(`{"primary_outcome":"interested","follow_up_needed":"yes","next_best_action":"no_action"}`)
	assert.ErrorIs(t, err, apperrors.ErrClassificationAmbiguous)

	out, err := Parse(`Sure! {"primary_outcome":"not_interested","interest_level":"lukewarm","follow_up_needed":false,"next_best_action":"no_action"}`)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNotInterested, out.PrimaryOutcome)
	assert.Equal(t, domain.InterestNone, out.InterestLevel)
}
