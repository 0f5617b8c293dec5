package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-call-engine/internal/domain"
	"github.com/acme/outbound-call-engine/internal/repository"
)

// CallStore keeps call records with one call per intent.
type CallStore struct {
	s *Store
}

func cloneCall(in *domain.Call) *domain.Call {
	out := *in
	out.CampaignID = copyUUID(in.CampaignID)
	out.StartedAt = copyTime(in.StartedAt)
	out.EndedAt = copyTime(in.EndedAt)
	out.ConversationID = copyUUID(in.ConversationID)
	return &out
}

func (c *CallStore) CreateForIntent(_ context.Context, call *domain.Call) (*domain.Call, bool, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if id, ok := c.s.callsByIntent[call.IntentID]; ok {
		return cloneCall(c.s.calls[id]), false, nil
	}
	c.s.callsByIntent[call.IntentID] = call.ID
	c.s.calls[call.ID] = cloneCall(call)
	return cloneCall(call), true, nil
}

func (c *CallStore) Discard(_ context.Context, call *domain.Call) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	delete(c.s.calls, call.ID)
	if c.s.callsByIntent[call.IntentID] == call.ID {
		delete(c.s.callsByIntent, call.IntentID)
	}
	return nil
}

func (c *CallStore) Get(_ context.Context, id uuid.UUID) (*domain.Call, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	call, ok := c.s.calls[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneCall(call), nil
}

func (c *CallStore) GetByIntent(ctx context.Context, intentID uuid.UUID) (*domain.Call, error) {
	c.s.mu.Lock()
	id, ok := c.s.callsByIntent[intentID]
	c.s.mu.Unlock()
	if !ok {
		return nil, repository.ErrNotFound
	}
	return c.Get(ctx, id)
}

func (c *CallStore) GetByProviderID(_ context.Context, providerCallID string) (*domain.Call, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	for _, call := range c.s.calls {
		if providerCallID != "" && call.ProviderCallID == providerCallID {
			return cloneCall(call), nil
		}
	}
	return nil, repository.ErrNotFound
}

// Update overwrites the mutable non-status fields, like the Scylla store.
func (c *CallStore) Update(_ context.Context, call *domain.Call) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	stored, ok := c.s.calls[call.ID]
	if !ok {
		return repository.ErrNotFound
	}
	call.UpdatedAt = time.Now().UTC()
	stored.ProviderCallID = call.ProviderCallID
	stored.ConversationID = copyUUID(call.ConversationID)
	stored.Outcome = call.Outcome
	stored.Summary = call.Summary
	stored.FollowUpRequired = call.FollowUpRequired
	stored.NeedsReview = call.NeedsReview
	stored.EndedAt = copyTime(call.EndedAt)
	stored.UpdatedAt = call.UpdatedAt
	return nil
}

func (c *CallStore) TransitionStatus(_ context.Context, id uuid.UUID, from, to domain.CallStatus, at time.Time) error {
	if !domain.CanTransitionCall(from, to) {
		return fmt.Errorf("illegal call transition %s -> %s: %w", from, to, repository.ErrConflict)
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	call, ok := c.s.calls[id]
	if !ok || call.Status != from {
		return fmt.Errorf("call %s not in %s: %w", id, from, repository.ErrConflict)
	}
	call.Status = to
	call.UpdatedAt = at
	switch {
	case to == domain.CallStatusInProgress:
		call.StartedAt = copyTime(&at)
	case to.Terminal():
		call.EndedAt = copyTime(&at)
	}
	return nil
}

func (c *CallStore) ListByContact(_ context.Context, contactID uuid.UUID, limit int) ([]*domain.Call, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	var out []*domain.Call
	for _, call := range c.s.calls {
		if call.ContactID == contactID {
			out = append(out, cloneCall(call))
		}
	}
	slices.SortFunc(out, func(a, b *domain.Call) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *CallStore) AppendAttempt(_ context.Context, attempt domain.CallAttempt) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.attempts[attempt.IntentID] = append(c.s.attempts[attempt.IntentID], attempt)
	return nil
}

func (c *CallStore) ListAttempts(_ context.Context, intentID uuid.UUID) ([]domain.CallAttempt, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return slices.Clone(c.s.attempts[intentID]), nil
}

// ConversationStore keeps one session per call.
type ConversationStore struct {
	s *Store
}

func cloneSession(in *domain.ConversationSession) *domain.ConversationSession {
	out := *in
	out.Turns = slices.Clone(in.Turns)
	out.EndedAt = copyTime(in.EndedAt)
	return &out
}

func (c *ConversationStore) Create(_ context.Context, sess *domain.ConversationSession) (*domain.ConversationSession, bool, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if existing, ok := c.s.sessions[sess.CallID]; ok {
		return cloneSession(existing), false, nil
	}
	c.s.sessions[sess.CallID] = cloneSession(sess)
	return cloneSession(sess), true, nil
}

func (c *ConversationStore) GetByCall(_ context.Context, callID uuid.UUID) (*domain.ConversationSession, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	sess, ok := c.s.sessions[callID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneSession(sess), nil
}

func (c *ConversationStore) AppendTurn(_ context.Context, sess *domain.ConversationSession, turn domain.Turn) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	stored, ok := c.s.sessions[sess.CallID]
	if !ok {
		return repository.ErrNotFound
	}
	stored.Turns = append(stored.Turns, turn)
	stored.PromptTokens = sess.PromptTokens
	stored.CompletionTokens = sess.CompletionTokens
	stored.CostMicros = sess.CostMicros
	return nil
}

func (c *ConversationStore) Close(_ context.Context, sess *domain.ConversationSession) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	stored, ok := c.s.sessions[sess.CallID]
	if !ok {
		return repository.ErrNotFound
	}
	if stored.Status != domain.SessionStatusActive {
		return fmt.Errorf("session of call %s already closed: %w", sess.CallID, repository.ErrConflict)
	}
	stored.Status = sess.Status
	stored.EndReason = sess.EndReason
	stored.EndedAt = copyTime(sess.EndedAt)
	return nil
}
