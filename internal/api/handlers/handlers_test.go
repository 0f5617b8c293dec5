package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-call-engine/internal/config"
	"github.com/acme/outbound-call-engine/internal/domain"
	"github.com/acme/outbound-call-engine/internal/llm"
	"github.com/acme/outbound-call-engine/internal/queue"
	"github.com/acme/outbound-call-engine/internal/repository/memory"
	callsvc "github.com/acme/outbound-call-engine/internal/service/call"
	campaignsvc "github.com/acme/outbound-call-engine/internal/service/campaign"
	"github.com/acme/outbound-call-engine/internal/service/conversation"
	"github.com/acme/outbound-call-engine/internal/telephony"
	"github.com/acme/outbound-call-engine/pkg/logger"
)

const callbackBase = "https://engine.example.com"

type nopEnder struct{ ended []uuid.UUID }

func (n *nopEnder) End(_ context.Context, callID uuid.UUID) error {
	n.ended = append(n.ended, callID)
	return nil
}

type cannedGenerator struct{}

func (cannedGenerator) Generate(context.Context, string, []domain.Turn) (llm.Generation, error) {
	return llm.Generation{Text: "Happy to help."}, nil
}

type discardStatus struct{}

func (discardStatus) PublishStatus(context.Context, queue.StatusMessage) error { return nil }

type harness struct {
	app   *fiber.App
	store *memory.Store
	ended *nopEnder
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	store := memory.NewStore()
	campaigns := campaignsvc.NewService(store.Campaigns(), store.Windows(), store.Links(), store.Intents(), memory.NewRateCounter(store))
	ended := &nopEnder{}
	calls := callsvc.NewService(callsvc.Deps{
		Intents:   store.Intents(),
		Links:     store.Links(),
		Contacts:  store.Contacts(),
		Calls:     store.Calls(),
		Campaigns: campaigns,
		Sessions:  ended,
	}, config.PlacementConfig{DefaultMaxAttempts: 3})

	conversations := conversation.NewManager(conversation.Deps{
		Calls:     store.Calls(),
		Sessions:  store.Conversations(),
		Intents:   store.Intents(),
		Contacts:  store.Contacts(),
		History:   store.History(),
		Generator: cannedGenerator{},
		Locker:    memory.NewLocker(),
		Status:    discardStatus{},
	}, config.ConversationConfig{MaxTurns: 20, GenerationTimeout: time.Second}, config.LLMConfig{}, logger.NewNop())

	h := NewHandlerSet(Services{Campaigns: campaigns, Calls: calls, Conversations: conversations}, opts, logger.NewNop())
	app := fiber.New(fiber.Config{ErrorHandler: h.ErrorHandler})
	h.Register(app)
	return &harness{app: app, store: store, ended: ended}
}

func (h *harness) contact(t *testing.T) *domain.Contact {
	t.Helper()
	c := &domain.Contact{ID: uuid.New(), FirstName: "Dana", PhoneNumber: "+15550104040"}
	h.store.PutContact(c)
	return c
}

func (h *harness) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := h.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestHealthReportsFailingChecks(t *testing.T) {
	h := newHarness(t, Options{Health: map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}})

	code, body := h.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, map[string]any{"redis": "connection refused"}, body["errors"])
}

func TestCreateCampaign(t *testing.T) {
	h := newHarness(t, Options{})

	code, body := h.do(t, http.MethodPost, "/v1/campaigns", `{"name":"Spring renewals","type":"follow_up","time_zone":"America/New_York"}`)
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, "Spring renewals", body["name"])
	assert.Equal(t, "draft", body["status"])
	assert.Equal(t, "America/New_York", body["time_zone"])

	code, body = h.do(t, http.MethodGet, "/v1/campaigns/"+body["id"].(string), "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Spring renewals", body["name"])
}

func TestCreateCampaignValidation(t *testing.T) {
	h := newHarness(t, Options{})

	tests := []struct {
		name    string
		body    string
		message string
	}{
		{"missing name", `{"type":"survey"}`, "name is required"},
		{"unknown type", `{"name":"x","type":"robocall"}`, "type must be one of"},
		{"bad window", `{"name":"x","calling_window":{"start_hour":9,"end_hour":30,"weekdays":[1]}}`, "end_hour must be less than or equal to 24"},
		{"malformed", `{"name":`, "invalid request body"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, body := h.do(t, http.MethodPost, "/v1/campaigns", tc.body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Contains(t, body["error"], tc.message)
		})
	}
}

func TestGetCampaignErrors(t *testing.T) {
	h := newHarness(t, Options{})

	code, _ := h.do(t, http.MethodGet, "/v1/campaigns/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := h.do(t, http.MethodGet, "/v1/campaigns/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "resource not found", body["error"])
}

func TestTriggerCall(t *testing.T) {
	h := newHarness(t, Options{})
	contact := h.contact(t)

	code, body := h.do(t, http.MethodPost, "/v1/calls/trigger", `{"contact_id":"`+contact.ID.String()+`","purpose":"sales_outreach"}`)
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, "immediate", body["scheduled_time"])
	assert.NotEmpty(t, body["intent_id"])

	later := time.Now().UTC().Add(2 * time.Hour).Truncate(time.Second)
	code, body = h.do(t, http.MethodPost, "/v1/calls/trigger", `{"contact_id":"`+contact.ID.String()+`","purpose":"product_demo","scheduled_time":"`+later.Format(time.RFC3339)+`"}`)
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, later.Format(time.RFC3339), body["scheduled_time"])
}

func TestTriggerCallErrors(t *testing.T) {
	h := newHarness(t, Options{})
	contact := h.contact(t)

	code, _ := h.do(t, http.MethodPost, "/v1/calls/trigger", `{"contact_id":"`+uuid.NewString()+`","purpose":"sales_outreach"}`)
	assert.Equal(t, http.StatusNotFound, code)

	code, body := h.do(t, http.MethodPost, "/v1/calls/trigger", `{"contact_id":"`+contact.ID.String()+`","purpose":"telemarketing"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], "unknown call purpose")

	code, body = h.do(t, http.MethodPost, "/v1/calls/trigger", `{"contact_id":"abc","purpose":"sales_outreach"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], "contact_id must be a UUID")
}

func TestBulkCallsReportsFailuresByPosition(t *testing.T) {
	h := newHarness(t, Options{})
	contact := h.contact(t)

	payload := `[
		{"contact_id":"` + contact.ID.String() + `","purpose":"sales_outreach"},
		{"contact_id":"oops","purpose":"sales_outreach"},
		{"contact_id":"` + uuid.NewString() + `","purpose":"survey","delay_minutes":5}
	]`
	code, body := h.do(t, http.MethodPost, "/v1/calls/bulk", payload)
	require.Equal(t, http.StatusOK, code, body)

	succeeded := body["succeeded"].([]any)
	assert.Len(t, succeeded, 1)
	errs := body["errors"].([]any)
	require.Len(t, errs, 2)
	assert.True(t, strings.HasPrefix(errs[0].(string), "Call #2: "), errs[0])
	assert.True(t, strings.HasPrefix(errs[1].(string), "Call #3: "), errs[1])
}

func TestBulkCallsAllFailing(t *testing.T) {
	h := newHarness(t, Options{})

	code, _ := h.do(t, http.MethodPost, "/v1/calls/bulk", `[{"contact_id":"`+uuid.NewString()+`","purpose":"sales_outreach"}]`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = h.do(t, http.MethodPost, "/v1/calls/bulk", `[]`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCancelIntentOnlyOnce(t *testing.T) {
	h := newHarness(t, Options{})
	contact := h.contact(t)

	_, body := h.do(t, http.MethodPost, "/v1/calls/trigger", `{"contact_id":"`+contact.ID.String()+`","purpose":"sales_outreach"}`)
	intentID := body["intent_id"].(string)

	code, body := h.do(t, http.MethodPost, "/v1/calls/"+intentID+"/cancel", "")
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "cancelled", body["status"])

	code, _ = h.do(t, http.MethodPost, "/v1/calls/"+intentID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, code)

	code, body = h.do(t, http.MethodGet, "/v1/calls/status?intent_id="+intentID, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "cancelled", body["intent"].(map[string]any)["status"])
}

func TestCallStatusRejectsBadQuery(t *testing.T) {
	h := newHarness(t, Options{})
	code, _ := h.do(t, http.MethodGet, "/v1/calls/status?intent_id=nope", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func seedCall(t *testing.T, h *harness, providerID string) *domain.Call {
	t.Helper()
	contact := h.contact(t)
	now := time.Now().UTC()
	intent := domain.NewIntent(contact.ID, nil, domain.PurposeSales, domain.PriorityNormal, now, 3, nil, now)
	require.NoError(t, h.store.Intents().Enqueue(context.Background(), intent))
	call, _, err := h.store.Calls().CreateForIntent(context.Background(), &domain.Call{
		ID:             uuid.New(),
		IntentID:       intent.ID,
		ContactID:      contact.ID,
		Status:         domain.CallStatusInitiated,
		ProviderCallID: providerID,
		CreatedAt:      now,
	})
	require.NoError(t, err)
	return call
}

func postForm(t *testing.T, app *fiber.App, path string, form url.Values, signature string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationForm)
	if signature != "" {
		req.Header.Set(signatureHeader, signature)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func TestStatusWebhookCompletesCall(t *testing.T) {
	h := newHarness(t, Options{CallbackBaseURL: callbackBase})
	call := seedCall(t, h, "CA100")

	form := url.Values{"CallSid": {"CA100"}, "CallStatus": {"completed"}, "CallDuration": {"42"}}
	resp := postForm(t, h.app, "/v1/webhooks/telephony/status?call_id="+call.ID.String(), form, "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get(fiber.HeaderContentType), "application/xml")

	stored, err := h.store.Calls().Get(context.Background(), call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusCompleted, stored.Status)
	assert.Equal(t, []uuid.UUID{call.ID}, h.ended.ended)
}

func TestStatusWebhookSignature(t *testing.T) {
	const token = "secret-token"
	h := newHarness(t, Options{AuthToken: token, CallbackBaseURL: callbackBase})
	call := seedCall(t, h, "CA200")

	path := "/v1/webhooks/telephony/status?call_id=" + call.ID.String()
	form := url.Values{"CallSid": {"CA200"}, "CallStatus": {"ringing"}}

	resp := postForm(t, h.app, path, form, "bogus")
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = postForm(t, h.app, path, form, telephony.Signature(token, callbackBase+path, form))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusWebhookRejectsUnknownStatus(t *testing.T) {
	h := newHarness(t, Options{})
	resp := postForm(t, h.app, "/v1/webhooks/telephony/status", url.Values{"CallSid": {"CA1"}, "CallStatus": {"exploded"}}, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func speechReply(t *testing.T, h *harness, path string, form url.Values) string {
	t.Helper()
	resp := postForm(t, h.app, path, form, "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(raw)
}

func TestSpeechWebhookHangsUpOnSilentContact(t *testing.T) {
	h := newHarness(t, Options{CallbackBaseURL: callbackBase})
	call := seedCall(t, h, "CA300")
	form := url.Values{"CallSid": {"CA300"}}
	path := "/v1/webhooks/telephony/speech?call_id=" + call.ID.String()

	body := speechReply(t, h, path, form)
	assert.Contains(t, body, "<Gather")
	assert.Contains(t, body, "noinput=1")

	for i := 0; i < 2; i++ {
		body = speechReply(t, h, path+"&noinput=1", form)
		assert.Contains(t, body, "Are you still there?")
		assert.NotContains(t, body, "<Hangup")
	}

	body = speechReply(t, h, path+"&noinput=1", form)
	assert.Contains(t, body, "<Hangup")
	assert.NotContains(t, body, "<Gather")

	session, err := h.store.Conversations().GetByCall(context.Background(), call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusTerminated, session.Status)
	assert.Equal(t, conversation.ReasonNoResponse, session.EndReason)
}
