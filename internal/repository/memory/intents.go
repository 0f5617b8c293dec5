package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-call-engine/internal/domain"
	"github.com/acme/outbound-call-engine/internal/repository"
)

// IntentRepository is the in-memory call queue.
type IntentRepository struct {
	s *Store
}

func cloneIntent(in *domain.CallIntent) *domain.CallIntent {
	out := *in
	out.CampaignID = copyUUID(in.CampaignID)
	out.ResultRef = copyUUID(in.ResultRef)
	out.OriginCallID = copyUUID(in.OriginCallID)
	out.Config.Context = maps.Clone(in.Config.Context)
	return &out
}

func (r *IntentRepository) Enqueue(_ context.Context, intent *domain.CallIntent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.enqueueLocked(intent)
}

func (r *IntentRepository) EnqueueIfAbsent(_ context.Context, intent *domain.CallIntent) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.intents[intent.ID]; ok {
		return false, nil
	}
	if err := r.enqueueLocked(intent); err != nil {
		return false, err
	}
	return true, nil
}

func (r *IntentRepository) enqueueLocked(intent *domain.CallIntent) error {
	if _, ok := r.s.intents[intent.ID]; ok {
		return fmt.Errorf("intent %s: %w", intent.ID, repository.ErrConflict)
	}
	if intent.CampaignID != nil {
		key := linkKey{*intent.CampaignID, intent.ContactID}
		link, ok := r.s.links[key]
		if ok && link.Outstanding() {
			return fmt.Errorf("contact %s already has an outstanding intent: %w", intent.ContactID, repository.ErrConflict)
		}
		if !ok {
			link = &domain.CampaignContactLink{
				ID:         uuid.New(),
				CampaignID: *intent.CampaignID,
				ContactID:  intent.ContactID,
				CreatedAt:  intent.CreatedAt,
			}
			r.s.links[key] = link
		}
		id := intent.ID
		scheduled := intent.ScheduledTime
		link.Status = domain.LinkStatusScheduled
		link.IntentID = &id
		link.ScheduledTime = &scheduled
		link.UpdatedAt = intent.CreatedAt
	}
	r.s.seq++
	intent.Seq = r.s.seq
	r.s.intents[intent.ID] = cloneIntent(intent)
	return nil
}

func (r *IntentRepository) Get(_ context.Context, id uuid.UUID) (*domain.CallIntent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	intent, ok := r.s.intents[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneIntent(intent), nil
}

func (r *IntentRepository) ListDue(_ context.Context, now time.Time, limit int) ([]*domain.CallIntent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var due []*domain.CallIntent
	for _, intent := range r.s.intents {
		if intent.Due(now) {
			due = append(due, cloneIntent(intent))
		}
	}
	slices.SortFunc(due, func(a, b *domain.CallIntent) int {
		switch {
		case domain.Less(a, b):
			return -1
		case domain.Less(b, a):
			return 1
		}
		return 0
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *IntentRepository) Transition(_ context.Context, id uuid.UUID, expected, next domain.IntentStatus, mutate func(*domain.CallIntent)) (*domain.CallIntent, error) {
	if !domain.CanTransition(expected, next) {
		return nil, fmt.Errorf("illegal transition %s -> %s: %w", expected, next, repository.ErrConflict)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.intents[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if stored.Status != expected {
		return nil, fmt.Errorf("intent %s is %s, expected %s: %w", id, stored.Status, expected, repository.ErrConflict)
	}
	intent := cloneIntent(stored)
	if mutate != nil {
		mutate(intent)
	}
	intent.Status = next
	intent.UpdatedAt = time.Now().UTC()
	if intent.AttemptCount > intent.MaxAttempts {
		return nil, fmt.Errorf("attempt %d exceeds max %d: %w", intent.AttemptCount, intent.MaxAttempts, repository.ErrConflict)
	}
	r.s.intents[id] = cloneIntent(intent)
	return intent, nil
}

func (r *IntentRepository) ListByContact(_ context.Context, contactID uuid.UUID, limit int) ([]*domain.CallIntent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.CallIntent
	for _, intent := range r.s.intents {
		if intent.ContactID == contactID {
			out = append(out, cloneIntent(intent))
		}
	}
	slices.SortFunc(out, func(a, b *domain.CallIntent) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *IntentRepository) Stats(_ context.Context, campaignID uuid.UUID) (*domain.CampaignStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stats := &domain.CampaignStats{}
	for _, intent := range r.s.intents {
		if intent.CampaignID == nil || *intent.CampaignID != campaignID {
			continue
		}
		stats.TotalIntents++
		switch intent.Status {
		case domain.IntentStatusPending:
			stats.PendingIntents++
		case domain.IntentStatusInProgress:
			stats.InProgress++
		case domain.IntentStatusCompleted:
			stats.CompletedIntents++
		case domain.IntentStatusFailed:
			stats.FailedIntents++
		case domain.IntentStatusCancelled:
			stats.CancelledIntents++
		}
	}
	return stats, nil
}
