package memory

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-call-engine/internal/domain"
	"github.com/acme/outbound-call-engine/internal/repository"
)

// ContactRepository reads seeded contacts.
type ContactRepository struct {
	s *Store
}

func cloneContact(in *domain.Contact) *domain.Contact {
	out := *in
	out.LastContacted = copyTime(in.LastContacted)
	return &out
}

func (r *ContactRepository) Get(_ context.Context, id uuid.UUID) (*domain.Contact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.contacts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneContact(c), nil
}

func (r *ContactRepository) GetMany(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]*domain.Contact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make(map[uuid.UUID]*domain.Contact, len(ids))
	for _, id := range ids {
		if c, ok := r.s.contacts[id]; ok {
			out[id] = cloneContact(c)
		}
	}
	return out, nil
}

func (r *ContactRepository) TouchLastContacted(_ context.Context, id uuid.UUID, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.contacts[id]
	if !ok {
		return repository.ErrNotFound
	}
	if c.LastContacted == nil || at.After(*c.LastContacted) {
		c.LastContacted = copyTime(&at)
	}
	return nil
}

// NoteRepository keeps audit notes, one per call and note type.
type NoteRepository struct {
	s *Store
}

func (r *NoteRepository) Create(_ context.Context, note *domain.ContactNote) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, n := range r.s.notes {
		if n.CallID == note.CallID && n.NoteType == note.NoteType {
			return nil
		}
	}
	cp := *note
	r.s.notes = append(r.s.notes, &cp)
	return nil
}

func (r *NoteRepository) ListByCall(_ context.Context, callID uuid.UUID) ([]*domain.ContactNote, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.ContactNote
	for _, n := range r.s.notes {
		if n.CallID == callID {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}

// CounterRepository keeps durable campaign call counters.
type CounterRepository struct {
	s *Store
}

func (r *CounterRepository) Increment(_ context.Context, campaignID, callID uuid.UUID, hourBucket, dayBucket time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.counted[callID]; ok {
		return nil
	}
	r.s.counted[callID] = struct{}{}
	r.s.counters[counterKey{campaignID, "hour", hourBucket.Unix()}]++
	r.s.counters[counterKey{campaignID, "day", dayBucket.Unix()}]++
	return nil
}

func (r *CounterRepository) Counts(_ context.Context, campaignID uuid.UUID, hourBucket, dayBucket time.Time) (int64, int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.counters[counterKey{campaignID, "hour", hourBucket.Unix()}],
		r.s.counters[counterKey{campaignID, "day", dayBucket.Unix()}], nil
}

// HistoryStore keeps each contact's capped interaction history.
type HistoryStore struct {
	s *Store
}

func (h *HistoryStore) Append(_ context.Context, contactID uuid.UUID, entry domain.InteractionHistoryEntry) error {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	hist, ok := h.s.history[contactID]
	if !ok {
		hist = domain.NewHistory(h.s.historyCap)
		h.s.history[contactID] = hist
	}
	for _, e := range hist.Entries() {
		if e.CallID == entry.CallID && e.OccurredAt.Equal(entry.OccurredAt) {
			return nil
		}
	}
	entry.Concerns = slices.Clone(entry.Concerns)
	hist.Append(entry)
	return nil
}

func (h *HistoryStore) Load(_ context.Context, contactID uuid.UUID) (*domain.History, error) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	hist, ok := h.s.history[contactID]
	if !ok {
		return domain.NewHistory(h.s.historyCap), nil
	}
	return domain.NewHistory(h.s.historyCap, hist.Entries()...), nil
}
