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

// CampaignRepository stores campaign metadata. Like the Postgres table it does
// not keep the calling window, which lives in CallingWindowRepository.
type CampaignRepository struct {
	s *Store
}

func cloneCampaign(in *domain.Campaign) *domain.Campaign {
	out := *in
	out.Window = domain.CallingWindow{}
	out.StartedAt = copyTime(in.StartedAt)
	out.CompletedAt = copyTime(in.CompletedAt)
	return &out
}

func (r *CampaignRepository) Create(_ context.Context, campaign *domain.Campaign) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.campaigns[campaign.ID]; ok {
		return fmt.Errorf("campaign %s: %w", campaign.ID, repository.ErrConflict)
	}
	r.s.campaigns[campaign.ID] = cloneCampaign(campaign)
	return nil
}

func (r *CampaignRepository) Get(_ context.Context, id uuid.UUID) (*domain.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneCampaign(c), nil
}

func (r *CampaignRepository) UpdateStatus(_ context.Context, id uuid.UUID, from, to domain.CampaignStatus, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return repository.ErrNotFound
	}
	if c.Status != from {
		return repository.ErrConflict
	}
	c.Status = to
	c.UpdatedAt = at
	if to == domain.CampaignStatusActive && c.StartedAt == nil {
		c.StartedAt = copyTime(&at)
	}
	if to == domain.CampaignStatusCompleted || to == domain.CampaignStatusCancelled {
		c.CompletedAt = copyTime(&at)
	}
	return nil
}

func (r *CampaignRepository) ListByStatus(_ context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Campaign
	for _, c := range r.s.campaigns {
		if c.Status == status {
			out = append(out, cloneCampaign(c))
		}
	}
	slices.SortFunc(out, func(a, b *domain.Campaign) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CallingWindowRepository stores calling windows per campaign.
type CallingWindowRepository struct {
	s *Store
}

func (r *CallingWindowRepository) Replace(_ context.Context, campaignID uuid.UUID, window domain.CallingWindow) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	window.Weekdays = slices.Clone(window.Weekdays)
	slices.Sort(window.Weekdays)
	r.s.windows[campaignID] = window
	return nil
}

func (r *CallingWindowRepository) Get(_ context.Context, campaignID uuid.UUID) (domain.CallingWindow, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	w, ok := r.s.windows[campaignID]
	if !ok || len(w.Weekdays) == 0 {
		return domain.CallingWindow{}, repository.ErrNotFound
	}
	w.Weekdays = slices.Clone(w.Weekdays)
	return w, nil
}

// LinkRepository stores campaign membership.
type LinkRepository struct {
	s *Store
}

func cloneLink(in *domain.CampaignContactLink) *domain.CampaignContactLink {
	out := *in
	out.IntentID = copyUUID(in.IntentID)
	out.ScheduledTime = copyTime(in.ScheduledTime)
	return &out
}

func (r *LinkRepository) Enroll(_ context.Context, campaignID uuid.UUID, contactIDs []uuid.UUID) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for _, contactID := range contactIDs {
		key := linkKey{campaignID, contactID}
		if _, ok := r.s.links[key]; ok {
			continue
		}
		r.s.links[key] = &domain.CampaignContactLink{
			ID:         uuid.New(),
			CampaignID: campaignID,
			ContactID:  contactID,
			Status:     domain.LinkStatusPending,
			CreatedAt:  now.Add(time.Duration(n)),
			UpdatedAt:  now,
		}
		n++
	}
	return n, nil
}

func (r *LinkRepository) Get(_ context.Context, campaignID, contactID uuid.UUID) (*domain.CampaignContactLink, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	link, ok := r.s.links[linkKey{campaignID, contactID}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneLink(link), nil
}

func (r *LinkRepository) ListAwaiting(ctx context.Context, campaignID uuid.UUID, limit int) ([]*domain.CampaignContactLink, error) {
	return r.list(campaignID, limit, func(l *domain.CampaignContactLink) bool {
		return l.Status == domain.LinkStatusPending && l.IntentID == nil
	})
}

func (r *LinkRepository) ListByCampaign(ctx context.Context, campaignID uuid.UUID, limit int) ([]*domain.CampaignContactLink, error) {
	return r.list(campaignID, limit, func(*domain.CampaignContactLink) bool { return true })
}

func (r *LinkRepository) list(campaignID uuid.UUID, limit int, keep func(*domain.CampaignContactLink) bool) ([]*domain.CampaignContactLink, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.CampaignContactLink
	for key, link := range r.s.links {
		if key.campaignID == campaignID && keep(link) {
			out = append(out, cloneLink(link))
		}
	}
	slices.SortFunc(out, func(a, b *domain.CampaignContactLink) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *LinkRepository) SetStatus(_ context.Context, campaignID, contactID uuid.UUID, status domain.LinkStatus, notes string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	link, ok := r.s.links[linkKey{campaignID, contactID}]
	if !ok {
		return repository.ErrNotFound
	}
	link.Status = status
	if notes != "" {
		link.Notes = notes
	}
	link.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *LinkRepository) RecordAttempt(_ context.Context, campaignID, contactID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if link, ok := r.s.links[linkKey{campaignID, contactID}]; ok {
		link.AttemptCount++
		link.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (r *LinkRepository) MarkDialed(_ context.Context, campaignID, contactID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	link, ok := r.s.links[linkKey{campaignID, contactID}]
	if !ok {
		return repository.ErrNotFound
	}
	if link.Status == domain.LinkStatusInProgress {
		return nil
	}
	link.Status = domain.LinkStatusInProgress
	link.AttemptCount++
	link.UpdatedAt = time.Now().UTC()
	return nil
}
