package telephony

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/acme/outbound-call-engine/internal/config"
	"github.com/acme/outbound-call-engine/internal/domain"
)

const defaultTwilioBaseURL = "https://api.twilio.com"

// TwilioProvider places calls through the Twilio REST API.
type TwilioProvider struct {
	baseURL    string
	accountSID string
	authToken  string
	client     *http.Client
}

// NewTwilioProvider builds the provider. The HTTP client timeout bounds each
// origination request.
func NewTwilioProvider(cfg config.TelephonyConfig, client *http.Client) *TwilioProvider {
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultTwilioBaseURL
	}
	return &TwilioProvider{
		baseURL:    base,
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		client:     client,
	}
}

func (p *TwilioProvider) Name() string { return "twilio" }

// Originate creates the outbound call. 429 and 5xx responses, timeouts and
// network errors are transient; other 4xx responses are permanent.
func (p *TwilioProvider) Originate(ctx context.Context, req OriginateRequest) (OriginateResult, error) {
	if req.To == "" || req.From == "" {
		return OriginateResult{}, Permanent("to and from numbers are required")
	}

	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", req.From)
	form.Set("Url", req.AnswerURL)
	form.Set("Method", http.MethodPost)
	if req.StatusCallbackURL != "" {
		form.Set("StatusCallback", req.StatusCallbackURL)
		form.Set("StatusCallbackMethod", http.MethodPost)
		for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
			form.Add("StatusCallbackEvent", ev)
		}
	}
	if req.RingTimeout > 0 {
		form.Set("Timeout", strconv.Itoa(int(req.RingTimeout.Seconds())))
	}
	form.Set("MachineDetection", "Enable")

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", p.baseURL, url.PathEscape(p.accountSID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return OriginateResult{}, Permanent("build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.SetBasicAuth(p.accountSID, p.authToken)

	res, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return OriginateResult{}, err
		}
		return OriginateResult{}, Transient("originate request failed: %v", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err != nil {
		return OriginateResult{}, Transient("read originate response: %v", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg := gjson.GetBytes(body, "message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(body[:min(len(body), 512)]))
		}
		if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
			return OriginateResult{}, Transient("twilio status %d: %s", res.StatusCode, msg)
		}
		return OriginateResult{}, Permanent("twilio status %d (code %d): %s", res.StatusCode, gjson.GetBytes(body, "code").Int(), msg)
	}

	sid := gjson.GetBytes(body, "sid").String()
	if sid == "" {
		return OriginateResult{}, Transient("twilio response missing call sid")
	}
	status, ok := MapStatus(gjson.GetBytes(body, "status").String(), "")
	if !ok {
		status = domain.CallStatusInitiated
	}
	return OriginateResult{ProviderCallID: sid, Status: status}, nil
}

// CallbackURLs builds the answer and status callback URLs for a call.
func CallbackURLs(base string, callID uuid.UUID) (answer, status string) {
	base = strings.TrimRight(base, "/")
	q := url.Values{"call_id": {callID.String()}}.Encode()
	return base + "/v1/webhooks/telephony/speech?" + q, base + "/v1/webhooks/telephony/status?" + q
}

var _ Provider = (*TwilioProvider)(nil)
