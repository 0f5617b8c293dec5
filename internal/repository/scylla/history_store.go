package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/outbound-call-engine/internal/domain"
)

// HistoryStore keeps the newest N interaction entries per contact.
type HistoryStore struct {
	session *gocql.Session
	limit   int
}

// NewHistoryStore creates the store.
func NewHistoryStore(session *gocql.Session, limit int) *HistoryStore {
	if limit <= 0 {
		limit = domain.DefaultHistoryCap
	}
	return &HistoryStore{session: session, limit: limit}
}

// Append writes an entry and trims everything older than the newest limit entries.
// Rows are keyed by (occurred_at, call_id) so replays overwrite rather than duplicate.
func (s *HistoryStore) Append(ctx context.Context, contactID uuid.UUID, entry domain.InteractionHistoryEntry) error {
	if err := s.session.Query(`INSERT INTO interaction_history (contact_id, occurred_at, call_id, outcome, interest_level, concerns, next_action)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		contactID.String(), entry.OccurredAt, entry.CallID.String(), string(entry.Outcome),
		string(entry.InterestLevel), entry.Concerns, string(entry.NextAction),
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("history store: insert: %w", err)
	}
	return s.trim(ctx, contactID)
}

func (s *HistoryStore) trim(ctx context.Context, contactID uuid.UUID) error {
	iter := s.session.Query(`SELECT occurred_at, call_id FROM interaction_history WHERE contact_id = ?`,
		contactID.String()).WithContext(ctx).Iter()

	type key struct {
		at     time.Time
		callID string
	}
	var stale []key
	var (
		at     time.Time
		callID string
		seen   int
	)
	for iter.Scan(&at, &callID) {
		seen++
		if seen > s.limit {
			stale = append(stale, key{at: at, callID: callID})
		}
	}
	if err := iter.Close(); err != nil {
		return fmt.Errorf("history store: scan for trim: %w", err)
	}

	for _, k := range stale {
		if err := s.session.Query(`DELETE FROM interaction_history WHERE contact_id = ? AND occurred_at = ? AND call_id = ?`,
			contactID.String(), k.at, k.callID,
		).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("history store: trim: %w", err)
		}
	}
	return nil
}

// Load returns the contact's history, oldest first.
func (s *HistoryStore) Load(ctx context.Context, contactID uuid.UUID) (*domain.History, error) {
	iter := s.session.Query(`SELECT occurred_at, call_id, outcome, interest_level, concerns, next_action
		FROM interaction_history WHERE contact_id = ? LIMIT ?`, contactID.String(), s.limit).WithContext(ctx).Iter()

	var (
		newestFirst []domain.InteractionHistoryEntry
		at          time.Time
		callID      string
		outcome     string
		interest    string
		concerns    []string
		next        string
	)
	for iter.Scan(&at, &callID, &outcome, &interest, &concerns, &next) {
		id, err := uuid.Parse(callID)
		if err != nil {
			continue
		}
		newestFirst = append(newestFirst, domain.InteractionHistoryEntry{
			CallID:        id,
			Outcome:       domain.PrimaryOutcome(outcome),
			InterestLevel: domain.InterestLevel(interest),
			Concerns:      append([]string(nil), concerns...),
			NextAction:    domain.NextAction(next),
			OccurredAt:    at,
		})
		concerns = nil
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("history store: load: %w", err)
	}

	history := domain.NewHistory(s.limit)
	for i := len(newestFirst) - 1; i >= 0; i-- {
		history.Append(newestFirst[i])
	}
	return history, nil
}
