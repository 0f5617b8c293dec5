package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-call-engine/internal/domain"
	"github.com/acme/outbound-call-engine/internal/repository"
)

const intentColumns = `id, seq, contact_id, campaign_id, purpose, priority, status,
	scheduled_time, attempt_count, max_attempts, config, result_ref, origin_call_id,
	last_error, created_at, updated_at`

// IntentRepository implements the call queue on PostgreSQL.
type IntentRepository struct {
	db *sqlx.DB
}

// NewIntentRepository constructs the repository.
func NewIntentRepository(db *sqlx.DB) *IntentRepository {
	return &IntentRepository{db: db}
}

// Enqueue inserts a pending intent, attaching the campaign link when present.
func (r *IntentRepository) Enqueue(ctx context.Context, intent *domain.CallIntent) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		return r.enqueue(ctx, tx, intent)
	})
}

// EnqueueIfAbsent inserts the intent unless its id is already queued.
func (r *IntentRepository) EnqueueIfAbsent(ctx context.Context, intent *domain.CallIntent) (bool, error) {
	created := false
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var exists bool
		if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM call_intents WHERE id = $1)`, intent.ID); err != nil {
			return fmt.Errorf("intent repo: exists: %w", err)
		}
		if exists {
			return nil
		}
		if err := r.enqueue(ctx, tx, intent); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil && errors.Is(err, repository.ErrConflict) && !created {
		// a concurrent insert of the same id won the race
		if _, getErr := r.Get(ctx, intent.ID); getErr == nil {
			return false, nil
		}
	}
	return created, err
}

func (r *IntentRepository) enqueue(ctx context.Context, tx *sqlx.Tx, intent *domain.CallIntent) error {
	if intent.CampaignID != nil {
		if err := attachLink(ctx, tx, *intent.CampaignID, intent.ContactID, intent.ID, intent.ScheduledTime, intent.CreatedAt); err != nil {
			return err
		}
	}

	cfg, err := intent.Config.Marshal()
	if err != nil {
		return fmt.Errorf("intent repo: marshal config: %w", err)
	}

	q := `INSERT INTO call_intents (
		id, contact_id, campaign_id, purpose, priority, priority_rank, status,
		scheduled_time, attempt_count, max_attempts, config, result_ref, origin_call_id,
		last_error, created_at, updated_at
	) VALUES (
		:id, :contact_id, :campaign_id, :purpose, :priority, :priority_rank, :status,
		:scheduled_time, :attempt_count, :max_attempts, :config, :result_ref, :origin_call_id,
		:last_error, :created_at, :updated_at
	) RETURNING seq`

	params := map[string]any{
		"id":             intent.ID,
		"contact_id":     intent.ContactID,
		"campaign_id":    intent.CampaignID,
		"purpose":        intent.Purpose,
		"priority":       intent.Priority,
		"priority_rank":  intent.Priority.Rank(),
		"status":         intent.Status,
		"scheduled_time": intent.ScheduledTime,
		"attempt_count":  intent.AttemptCount,
		"max_attempts":   intent.MaxAttempts,
		"config":         cfg,
		"result_ref":     intent.ResultRef,
		"origin_call_id": intent.OriginCallID,
		"last_error":     intent.LastError,
		"created_at":     intent.CreatedAt,
		"updated_at":     intent.UpdatedAt,
	}

	rows, err := sqlx.NamedQueryContext(ctx, tx, q, params)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("intent repo: insert %s: %w", intent.ID, repository.ErrConflict)
		}
		return fmt.Errorf("intent repo: insert: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&intent.Seq); err != nil {
			return fmt.Errorf("intent repo: scan seq: %w", err)
		}
	}
	return rows.Err()
}

// attachLink points the contact's campaign link at a new intent unless the
// link already holds an outstanding one.
func attachLink(ctx context.Context, tx *sqlx.Tx, campaignID, contactID, intentID uuid.UUID, scheduled, now time.Time) error {
	q := `INSERT INTO campaign_contacts (
		id, campaign_id, contact_id, status, attempt_count, notes, intent_id, scheduled_time, created_at, updated_at
	) VALUES ($1, $2, $3, 'scheduled', 0, '', $4, $5, $6, $6)
	ON CONFLICT (campaign_id, contact_id) DO UPDATE SET
		status = 'scheduled',
		intent_id = EXCLUDED.intent_id,
		scheduled_time = EXCLUDED.scheduled_time,
		updated_at = EXCLUDED.updated_at
	WHERE NOT (campaign_contacts.intent_id IS NOT NULL
		AND campaign_contacts.status IN ('pending', 'scheduled', 'in_progress'))`

	res, err := tx.ExecContext(ctx, q, uuid.New(), campaignID, contactID, intentID, scheduled, now)
	if err != nil {
		return fmt.Errorf("intent repo: attach link: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("intent repo: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("intent repo: contact %s already has an outstanding intent in campaign %s: %w", contactID, campaignID, repository.ErrConflict)
	}
	return nil
}

// Get fetches an intent by id.
func (r *IntentRepository) Get(ctx context.Context, id uuid.UUID) (*domain.CallIntent, error) {
	var record intentRecord
	if err := r.db.GetContext(ctx, &record, `SELECT `+intentColumns+` FROM call_intents WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("intent repo: get: %w", err)
	}
	return record.toDomain()
}

// ListDue returns due pending intents in dispatch order.
func (r *IntentRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.CallIntent, error) {
	if limit <= 0 {
		limit = 10
	}
	q := `SELECT ` + intentColumns + ` FROM call_intents
		WHERE status = 'pending' AND scheduled_time <= $1
		ORDER BY priority_rank DESC, scheduled_time ASC, seq ASC
		LIMIT $2`
	return r.list(ctx, q, now, limit)
}

// ListByContact returns the newest intents of a contact.
func (r *IntentRepository) ListByContact(ctx context.Context, contactID uuid.UUID, limit int) ([]*domain.CallIntent, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT ` + intentColumns + ` FROM call_intents WHERE contact_id = $1 ORDER BY created_at DESC, seq DESC LIMIT $2`
	return r.list(ctx, q, contactID, limit)
}

func (r *IntentRepository) list(ctx context.Context, q string, args ...any) ([]*domain.CallIntent, error) {
	rows, err := r.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("intent repo: query: %w", err)
	}
	defer rows.Close()

	var results []*domain.CallIntent
	for rows.Next() {
		var record intentRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("intent repo: scan: %w", err)
		}
		intent, err := record.toDomain()
		if err != nil {
			return nil, err
		}
		results = append(results, intent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("intent repo: rows err: %w", err)
	}
	return results, nil
}

// Transition applies a conditional status change keyed on (id, expected).
func (r *IntentRepository) Transition(ctx context.Context, id uuid.UUID, expected, next domain.IntentStatus, mutate func(*domain.CallIntent)) (*domain.CallIntent, error) {
	if !domain.CanTransition(expected, next) {
		return nil, fmt.Errorf("intent repo: illegal transition %s -> %s: %w", expected, next, repository.ErrConflict)
	}

	var updated *domain.CallIntent
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var record intentRecord
		if err := tx.GetContext(ctx, &record, `SELECT `+intentColumns+` FROM call_intents WHERE id = $1 FOR UPDATE`, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return repository.ErrNotFound
			}
			return fmt.Errorf("intent repo: lock: %w", err)
		}
		intent, err := record.toDomain()
		if err != nil {
			return err
		}
		if intent.Status != expected {
			return fmt.Errorf("intent repo: %s is %s, expected %s: %w", id, intent.Status, expected, repository.ErrConflict)
		}

		if mutate != nil {
			mutate(intent)
		}
		intent.Status = next
		intent.UpdatedAt = time.Now().UTC()
		if intent.AttemptCount > intent.MaxAttempts {
			return fmt.Errorf("intent repo: attempt %d exceeds max %d: %w", intent.AttemptCount, intent.MaxAttempts, repository.ErrConflict)
		}

		cfg, err := intent.Config.Marshal()
		if err != nil {
			return fmt.Errorf("intent repo: marshal config: %w", err)
		}

		q := `UPDATE call_intents SET
			status = :status,
			scheduled_time = :scheduled_time,
			attempt_count = :attempt_count,
			config = :config,
			result_ref = :result_ref,
			last_error = :last_error,
			updated_at = :updated_at
		 WHERE id = :id AND status = :expected`

		res, err := tx.NamedExecContext(ctx, q, map[string]any{
			"id":             intent.ID,
			"expected":       expected,
			"status":         intent.Status,
			"scheduled_time": intent.ScheduledTime,
			"attempt_count":  intent.AttemptCount,
			"config":         cfg,
			"result_ref":     intent.ResultRef,
			"last_error":     intent.LastError,
			"updated_at":     intent.UpdatedAt,
		})
		if err != nil {
			return fmt.Errorf("intent repo: update: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("intent repo: rows affected: %w", err)
		}
		if n == 0 {
			return repository.ErrConflict
		}
		updated = intent
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Stats aggregates intent counts per status for a campaign.
func (r *IntentRepository) Stats(ctx context.Context, campaignID uuid.UUID) (*domain.CampaignStats, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT status, COUNT(*) AS n FROM call_intents WHERE campaign_id = $1 GROUP BY status`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("intent repo: stats: %w", err)
	}
	defer rows.Close()

	stats := &domain.CampaignStats{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("intent repo: scan stats: %w", err)
		}
		stats.TotalIntents += n
		switch domain.IntentStatus(status) {
		case domain.IntentStatusPending:
			stats.PendingIntents = n
		case domain.IntentStatusInProgress:
			stats.InProgress = n
		case domain.IntentStatusCompleted:
			stats.CompletedIntents = n
		case domain.IntentStatusFailed:
			stats.FailedIntents = n
		case domain.IntentStatusCancelled:
			stats.CancelledIntents = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("intent repo: rows err: %w", err)
	}
	return stats, nil
}

type intentRecord struct {
	ID            uuid.UUID      `db:"id"`
	Seq           int64          `db:"seq"`
	ContactID     uuid.UUID      `db:"contact_id"`
	CampaignID    uuid.NullUUID  `db:"campaign_id"`
	Purpose       string         `db:"purpose"`
	Priority      string         `db:"priority"`
	Status        string         `db:"status"`
	ScheduledTime time.Time      `db:"scheduled_time"`
	AttemptCount  int            `db:"attempt_count"`
	MaxAttempts   int            `db:"max_attempts"`
	Config        []byte         `db:"config"`
	ResultRef     uuid.NullUUID  `db:"result_ref"`
	OriginCallID  uuid.NullUUID  `db:"origin_call_id"`
	LastError     sql.NullString `db:"last_error"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

func (r intentRecord) toDomain() (*domain.CallIntent, error) {
	cfg, err := domain.UnmarshalIntentConfig(r.Config)
	if err != nil {
		return nil, fmt.Errorf("intent repo: decode config of %s: %w", r.ID, err)
	}
	return &domain.CallIntent{
		ID:            r.ID,
		Seq:           r.Seq,
		ContactID:     r.ContactID,
		CampaignID:    nullUUIDPtr(r.CampaignID),
		Purpose:       domain.Purpose(r.Purpose),
		Priority:      domain.Priority(r.Priority),
		Status:        domain.IntentStatus(r.Status),
		ScheduledTime: r.ScheduledTime.UTC(),
		AttemptCount:  r.AttemptCount,
		MaxAttempts:   r.MaxAttempts,
		Config:        cfg,
		ResultRef:     nullUUIDPtr(r.ResultRef),
		OriginCallID:  nullUUIDPtr(r.OriginCallID),
		LastError:     r.LastError.String,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}, nil
}

func nullUUIDPtr(v uuid.NullUUID) *uuid.UUID {
	if !v.Valid {
		return nil
	}
	id := v.UUID
	return &id
}
