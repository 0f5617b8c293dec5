package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/acme/outbound-call-engine/internal/domain"
	"github.com/acme/outbound-call-engine/internal/telephony"
)

// Provider is a scripted telephony provider. Each Originate call pops the
// next scripted error; when the script is exhausted calls succeed.
type Provider struct {
	mu       sync.Mutex
	script   []error
	requests []telephony.OriginateRequest
	seq      int
}

// NewProvider constructs a mock provider that fails with the given errors in order.
func NewProvider(script ...error) *Provider {
	return &Provider{script: script}
}

func (p *Provider) Name() string { return "mock" }

// Originate records the request and replays the script.
func (p *Provider) Originate(ctx context.Context, req telephony.OriginateRequest) (telephony.OriginateResult, error) {
	if err := ctx.Err(); err != nil {
		return telephony.OriginateResult{}, telephony.Transient("%v", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.script) > 0 {
		err := p.script[0]
		p.script = p.script[1:]
		if err != nil {
			return telephony.OriginateResult{}, err
		}
	}
	p.seq++
	return telephony.OriginateResult{
		ProviderCallID: fmt.Sprintf("CA%032d", p.seq),
		Status:         domain.CallStatusInitiated,
	}, nil
}

// Requests returns the originate requests seen so far.
func (p *Provider) Requests() []telephony.OriginateRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]telephony.OriginateRequest, len(p.requests))
	copy(out, p.requests)
	return out
}
