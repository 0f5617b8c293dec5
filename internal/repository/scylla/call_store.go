package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/outbound-call-engine/internal/domain"
	"github.com/acme/outbound-call-engine/internal/repository"
)

const callColumns = `call_id, intent_id, contact_id, campaign_id, direction, status, provider_call_id,
	from_number, to_number, started_at, ended_at, conversation_id, outcome, summary,
	follow_up_required, needs_review, created_at, updated_at`

// CallStore persists call records in Scylla.
type CallStore struct {
	session *gocql.Session
}

// NewCallStore creates a new call store.
func NewCallStore(session *gocql.Session) *CallStore {
	return &CallStore{session: session}
}

// CreateForIntent claims the intent's call slot with a lightweight transaction
// and writes the call only when the slot was free.
func (s *CallStore) CreateForIntent(ctx context.Context, call *domain.Call) (*domain.Call, bool, error) {
	existing := map[string]any{}
	applied, err := s.session.Query(`INSERT INTO calls_by_intent (intent_id, call_id) VALUES (?, ?) IF NOT EXISTS`,
		call.IntentID.String(), call.ID.String(),
	).WithContext(ctx).MapScanCAS(existing)
	if err != nil {
		return nil, false, fmt.Errorf("call store: claim intent slot: %w", err)
	}

	if !applied {
		existingID, err := parseUUID(existing["call_id"])
		if err != nil {
			return nil, false, fmt.Errorf("call store: existing call id: %w", err)
		}
		found, err := s.Get(ctx, existingID)
		if err == nil {
			return found, false, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, false, err
		}
		// slot was claimed but the call row never landed; finish the write under the claimed id
		call.ID = existingID
	}

	if err := s.write(ctx, call); err != nil {
		return nil, false, err
	}
	return call, true, nil
}

// Discard removes a call that was never dialled. The intent slot goes last
// and only while it still points at this call; a slot left behind without its
// row is reused by the next CreateForIntent.
func (s *CallStore) Discard(ctx context.Context, call *domain.Call) error {
	if err := s.session.Query(`DELETE FROM calls_by_contact WHERE contact_id = ? AND created_at = ? AND call_id = ?`,
		call.ContactID.String(), call.CreatedAt, call.ID.String(),
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("call store: discard calls_by_contact: %w", err)
	}
	if err := s.session.Query(`DELETE FROM calls WHERE call_id = ?`, call.ID.String()).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("call store: discard call: %w", err)
	}
	if _, err := s.session.Query(`DELETE FROM calls_by_intent WHERE intent_id = ? IF call_id = ?`,
		call.IntentID.String(), call.ID.String(),
	).WithContext(ctx).MapScanCAS(map[string]any{}); err != nil {
		return fmt.Errorf("call store: release intent slot: %w", err)
	}
	return nil
}

func (s *CallStore) write(ctx context.Context, call *domain.Call) error {
	if err := s.session.Query(`INSERT INTO calls (`+callColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		call.ID.String(), call.IntentID.String(), call.ContactID.String(), uuidPtrString(call.CampaignID),
		call.Direction, string(call.Status), call.ProviderCallID,
		call.FromNumber, call.ToNumber, call.StartedAt, call.EndedAt, uuidPtrString(call.ConversationID),
		string(call.Outcome), call.Summary, call.FollowUpRequired, call.NeedsReview, call.CreatedAt, call.UpdatedAt,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("call store: insert calls: %w", err)
	}

	if err := s.session.Query(`INSERT INTO calls_by_contact (contact_id, created_at, call_id) VALUES (?, ?, ?)`,
		call.ContactID.String(), call.CreatedAt, call.ID.String(),
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("call store: insert calls_by_contact: %w", err)
	}

	return s.indexProvider(ctx, call)
}

func (s *CallStore) indexProvider(ctx context.Context, call *domain.Call) error {
	if call.ProviderCallID == "" {
		return nil
	}
	if err := s.session.Query(`INSERT INTO calls_by_provider (provider_call_id, call_id) VALUES (?, ?)`,
		call.ProviderCallID, call.ID.String(),
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("call store: insert calls_by_provider: %w", err)
	}
	return nil
}

// Get retrieves a call by id.
func (s *CallStore) Get(ctx context.Context, id uuid.UUID) (*domain.Call, error) {
	var row callRow
	if err := s.session.Query(`SELECT `+callColumns+` FROM calls WHERE call_id = ?`, id.String()).
		WithContext(ctx).Scan(row.dest()...); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("call store: get %s: %w", id, err)
	}
	return row.toDomain()
}

// GetByIntent resolves the call placed for an intent.
func (s *CallStore) GetByIntent(ctx context.Context, intentID uuid.UUID) (*domain.Call, error) {
	return s.lookup(ctx, `SELECT call_id FROM calls_by_intent WHERE intent_id = ?`, intentID.String())
}

// GetByProviderID resolves a call from the provider's call id.
func (s *CallStore) GetByProviderID(ctx context.Context, providerCallID string) (*domain.Call, error) {
	return s.lookup(ctx, `SELECT call_id FROM calls_by_provider WHERE provider_call_id = ?`, providerCallID)
}

func (s *CallStore) lookup(ctx context.Context, q string, key string) (*domain.Call, error) {
	var idStr string
	if err := s.session.Query(q, key).WithContext(ctx).Scan(&idStr); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("call store: lookup: %w", err)
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("call store: parse call_id: %w", err)
	}
	return s.Get(ctx, id)
}

// Update writes the non-status fields of a call.
func (s *CallStore) Update(ctx context.Context, call *domain.Call) error {
	call.UpdatedAt = time.Now().UTC()
	if err := s.session.Query(`UPDATE calls SET provider_call_id = ?, conversation_id = ?, outcome = ?, summary = ?,
		follow_up_required = ?, needs_review = ?, ended_at = ?, updated_at = ?
		WHERE call_id = ?`,
		call.ProviderCallID, uuidPtrString(call.ConversationID), string(call.Outcome), call.Summary,
		call.FollowUpRequired, call.NeedsReview, call.EndedAt, call.UpdatedAt, call.ID.String(),
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("call store: update: %w", err)
	}
	return s.indexProvider(ctx, call)
}

// TransitionStatus moves a call from one status to another with a conditional update.
func (s *CallStore) TransitionStatus(ctx context.Context, id uuid.UUID, from, to domain.CallStatus, at time.Time) error {
	if !domain.CanTransitionCall(from, to) {
		return fmt.Errorf("call store: illegal transition %s -> %s: %w", from, to, repository.ErrConflict)
	}

	q := `UPDATE calls SET status = ?, updated_at = ? WHERE call_id = ? IF status = ?`
	args := []any{string(to), at, id.String(), string(from)}
	switch {
	case to == domain.CallStatusInProgress:
		q = `UPDATE calls SET status = ?, updated_at = ?, started_at = ? WHERE call_id = ? IF status = ?`
		args = []any{string(to), at, at, id.String(), string(from)}
	case to.Terminal():
		q = `UPDATE calls SET status = ?, updated_at = ?, ended_at = ? WHERE call_id = ? IF status = ?`
		args = []any{string(to), at, at, id.String(), string(from)}
	}

	applied, err := s.session.Query(q, args...).WithContext(ctx).MapScanCAS(map[string]any{})
	if err != nil {
		return fmt.Errorf("call store: transition: %w", err)
	}
	if !applied {
		return fmt.Errorf("call store: %s not in %s: %w", id, from, repository.ErrConflict)
	}
	return nil
}

// ListByContact returns the newest calls of a contact.
func (s *CallStore) ListByContact(ctx context.Context, contactID uuid.UUID, limit int) ([]*domain.Call, error) {
	if limit <= 0 {
		limit = 5
	}
	iter := s.session.Query(`SELECT call_id FROM calls_by_contact WHERE contact_id = ? LIMIT ?`,
		contactID.String(), limit).WithContext(ctx).Iter()

	var ids []uuid.UUID
	var idStr string
	for iter.Scan(&idStr) {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("call store: list by contact: %w", err)
	}

	calls := make([]*domain.Call, 0, len(ids))
	for _, id := range ids {
		call, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			return nil, err
		}
		calls = append(calls, call)
	}
	return calls, nil
}

// AppendAttempt appends a placement attempt record.
func (s *CallStore) AppendAttempt(ctx context.Context, attempt domain.CallAttempt) error {
	durationMs := int64(attempt.Duration / time.Millisecond)
	if err := s.session.Query(`INSERT INTO call_attempts (intent_id, attempt_number, success, transient, error, provider_call_id, created_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.IntentID.String(), attempt.AttemptNum, attempt.Success, attempt.Transient, attempt.Error,
		attempt.ProviderID, attempt.CreatedAt, durationMs,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("call store: append attempt: %w", err)
	}
	return nil
}

// ListAttempts returns the attempts recorded for an intent in order.
func (s *CallStore) ListAttempts(ctx context.Context, intentID uuid.UUID) ([]domain.CallAttempt, error) {
	iter := s.session.Query(`SELECT attempt_number, success, transient, error, provider_call_id, created_at, duration_ms
		FROM call_attempts WHERE intent_id = ?`, intentID.String()).WithContext(ctx).Iter()

	var (
		attempts   []domain.CallAttempt
		num        int
		success    bool
		transient  bool
		errText    string
		providerID string
		created    time.Time
		durationMs int64
	)
	for iter.Scan(&num, &success, &transient, &errText, &providerID, &created, &durationMs) {
		attempts = append(attempts, domain.CallAttempt{
			IntentID:   intentID,
			AttemptNum: num,
			Success:    success,
			Transient:  transient,
			Error:      errText,
			ProviderID: providerID,
			CreatedAt:  created,
			Duration:   time.Duration(durationMs) * time.Millisecond,
		})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("call store: list attempts: %w", err)
	}
	return attempts, nil
}

type callRow struct {
	id, intentID, contactID, campaignID string
	direction, status, providerCallID  string
	fromNumber, toNumber               string
	startedAt, endedAt                 *time.Time
	conversationID, outcome, summary   string
	followUp, needsReview              bool
	createdAt, updatedAt               time.Time
}

func (r *callRow) dest() []any {
	return []any{
		&r.id, &r.intentID, &r.contactID, &r.campaignID, &r.direction, &r.status, &r.providerCallID,
		&r.fromNumber, &r.toNumber, &r.startedAt, &r.endedAt, &r.conversationID, &r.outcome, &r.summary,
		&r.followUp, &r.needsReview, &r.createdAt, &r.updatedAt,
	}
}

func (r *callRow) toDomain() (*domain.Call, error) {
	id, err := uuid.Parse(r.id)
	if err != nil {
		return nil, fmt.Errorf("call store: parse call_id: %w", err)
	}
	intentID, err := uuid.Parse(r.intentID)
	if err != nil {
		return nil, fmt.Errorf("call store: parse intent_id: %w", err)
	}
	contactID, err := uuid.Parse(r.contactID)
	if err != nil {
		return nil, fmt.Errorf("call store: parse contact_id: %w", err)
	}
	return &domain.Call{
		ID:               id,
		IntentID:         intentID,
		ContactID:        contactID,
		CampaignID:       parseUUIDPtr(r.campaignID),
		Direction:        r.direction,
		Status:           domain.CallStatus(r.status),
		ProviderCallID:   r.providerCallID,
		FromNumber:       r.fromNumber,
		ToNumber:         r.toNumber,
		StartedAt:        r.startedAt,
		EndedAt:          r.endedAt,
		ConversationID:   parseUUIDPtr(r.conversationID),
		Outcome:          domain.PrimaryOutcome(r.outcome),
		Summary:          r.summary,
		FollowUpRequired: r.followUp,
		NeedsReview:      r.needsReview,
		CreatedAt:        r.createdAt,
		UpdatedAt:        r.updatedAt,
	}, nil
}

func uuidPtrString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

func parseUUIDPtr(s string) *uuid.UUID {
	if s == "" {
		return nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil
	}
	return &id
}

func parseUUID(v any) (uuid.UUID, error) {
	s, ok := v.(string)
	if !ok {
		return uuid.Nil, fmt.Errorf("unexpected type %T", v)
	}
	return uuid.Parse(s)
}
