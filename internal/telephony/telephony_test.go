package telephony

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-call-engine/internal/config"
	"github.com/acme/outbound-call-engine/internal/domain"
	apperrors "github.com/acme/outbound-call-engine/pkg/errors"
)

func TestRenderTwiMLGather(t *testing.T) {
	out, err := RenderTwiML(Reply{Text: "Hi Sam, this is Alex.", GatherURL: "https://cb.example/speech?call_id=1"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "<?xml"))
	assert.Contains(t, out, `<Say voice="alice" language="en-US">Hi Sam, this is Alex.</Say>`)
	assert.Contains(t, out, `<Gather input="speech" action="https://cb.example/speech?call_id=1" method="POST" timeout="5" speechTimeout="auto">`)
	assert.Contains(t, out, `<Redirect method="POST">https://cb.example/speech?call_id=1&amp;noinput=1</Redirect>`)
	assert.NotContains(t, out, "<Hangup>")
}

func TestRenderTwiMLHangup(t *testing.T) {
	out, err := RenderTwiML(Reply{Text: "Have a great day!", Hangup: true})
	require.NoError(t, err)
	assert.Contains(t, out, "<Hangup></Hangup>")
	assert.NotContains(t, out, "<Gather")
}

func TestRenderTwiMLRequiresGatherURL(t *testing.T) {
	_, err := RenderTwiML(Reply{Text: "hello"})
	assert.Error(t, err)
}

func TestMapStatus(t *testing.T) {
	tests := []struct {
		status     string
		answeredBy string
		want       domain.CallStatus
		ok         bool
	}{
		{status: "queued", want: domain.CallStatusInitiated, ok: true},
		{status: "ringing", want: domain.CallStatusRinging, ok: true},
		{status: "in-progress", want: domain.CallStatusInProgress, ok: true},
		{status: "in-progress", answeredBy: "machine_start", want: domain.CallStatusVoicemail, ok: true},
		{status: "completed", want: domain.CallStatusCompleted, ok: true},
		{status: "busy", want: domain.CallStatusBusy, ok: true},
		{status: "no-answer", want: domain.CallStatusNoAnswer, ok: true},
		{status: "canceled", want: domain.CallStatusFailed, ok: true},
		{status: "bogus", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.status+tt.answeredBy, func(t *testing.T) {
			got, ok := MapStatus(tt.status, tt.answeredBy)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseStatusCallback(t *testing.T) {
	form := url.Values{"CallSid": {"CA1"}, "CallStatus": {"completed"}, "CallDuration": {"42"}}
	ev, err := ParseStatusCallback(form.Get, time.Unix(0, 0))
	require.NoError(t, err)
	assert.Equal(t, "CA1", ev.ProviderCallID)
	assert.Equal(t, domain.CallStatusCompleted, ev.Status)
	assert.Equal(t, 42*time.Second, ev.Duration)

	_, err = ParseStatusCallback(url.Values{"CallStatus": {"completed"}}.Get, time.Now())
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
}

func TestSignatureRoundTrip(t *testing.T) {
	form := url.Values{"CallSid": {"CA1"}, "SpeechResult": {"tell me more"}}
	sig := Signature("secret", "https://cb.example/speech?call_id=1", form)
	assert.True(t, ValidSignature("secret", "https://cb.example/speech?call_id=1", form, sig))
	assert.False(t, ValidSignature("other", "https://cb.example/speech?call_id=1", form, sig))

	form.Set("SpeechResult", "tampered")
	assert.False(t, ValidSignature("secret", "https://cb.example/speech?call_id=1", form, sig))
}

func TestTwilioOriginate(t *testing.T) {
	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2010-04-01/Accounts/AC1/Calls.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC1", user)
		assert.Equal(t, "token", pass)
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"CA123","status":"queued"}`))
	}))
	defer srv.Close()

	p := NewTwilioProvider(config.TelephonyConfig{BaseURL: srv.URL, AccountSID: "AC1", AuthToken: "token", RequestTimeout: time.Second}, nil)
	answer, status := CallbackURLs("https://cb.example", uuid.New())
	res, err := p.Originate(context.Background(), OriginateRequest{
		To: "+15550001111", From: "+15550002222", AnswerURL: answer, StatusCallbackURL: status, RingTimeout: 30 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "CA123", res.ProviderCallID)
	assert.Equal(t, domain.CallStatusInitiated, res.Status)
	assert.Equal(t, "30", gotForm.Get("Timeout"))
	assert.Equal(t, status, gotForm.Get("StatusCallback"))
	assert.Len(t, gotForm["StatusCallbackEvent"], 4)
}

func TestTwilioOriginateClassifiesFailures(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		transient bool
	}{
		{name: "rate limited", code: http.StatusTooManyRequests, transient: true},
		{name: "server error", code: http.StatusServiceUnavailable, transient: true},
		{name: "invalid number", code: http.StatusBadRequest, transient: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				_, _ = w.Write([]byte(`{"code":21211,"message":"invalid 'To' phone number"}`))
			}))
			defer srv.Close()

			p := NewTwilioProvider(config.TelephonyConfig{BaseURL: srv.URL, AccountSID: "AC1", AuthToken: "t", RequestTimeout: time.Second}, nil)
			_, err := p.Originate(context.Background(), OriginateRequest{To: "+15550001111", From: "+15550002222"})
			require.Error(t, err)
			assert.Equal(t, tt.transient, errors.Is(err, apperrors.ErrProviderTransient))
			assert.Equal(t, !tt.transient, errors.Is(err, apperrors.ErrProviderPermanent))
		})
	}
}

func TestTwilioOriginateTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	p := NewTwilioProvider(config.TelephonyConfig{BaseURL: srv.URL, AccountSID: "AC1", RequestTimeout: 20 * time.Millisecond}, nil)
	_, err := p.Originate(context.Background(), OriginateRequest{To: "+15550001111", From: "+15550002222"})
	assert.True(t, errors.Is(err, apperrors.ErrProviderTransient))
}
