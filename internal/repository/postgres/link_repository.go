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

const linkColumns = `id, campaign_id, contact_id, status, attempt_count, notes, intent_id, scheduled_time, created_at, updated_at`

// LinkRepository persists campaign contact links.
type LinkRepository struct {
	db *sqlx.DB
}

// NewLinkRepository constructs the repository.
func NewLinkRepository(db *sqlx.DB) *LinkRepository {
	return &LinkRepository{db: db}
}

// Enroll inserts pending links for contacts not yet in the campaign.
func (r *LinkRepository) Enroll(ctx context.Context, campaignID uuid.UUID, contactIDs []uuid.UUID) (int, error) {
	if len(contactIDs) == 0 {
		return 0, nil
	}

	query := `INSERT INTO campaign_contacts (
		id, campaign_id, contact_id, status, attempt_count, notes, created_at, updated_at
	) VALUES (:id, :campaign_id, :contact_id, :status, 0, '', :created_at, :created_at)
	ON CONFLICT (campaign_id, contact_id) DO NOTHING`

	now := time.Now().UTC()
	rows := make([]map[string]any, 0, len(contactIDs))
	for _, contactID := range contactIDs {
		rows = append(rows, map[string]any{
			"id":          uuid.New(),
			"campaign_id": campaignID,
			"contact_id":  contactID,
			"status":      domain.LinkStatusPending,
			"created_at":  now,
		})
	}

	res, err := r.db.NamedExecContext(ctx, query, rows)
	if err != nil {
		return 0, fmt.Errorf("campaign contacts: enroll: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("campaign contacts: rows affected: %w", err)
	}
	return int(n), nil
}

// Get returns the link of a contact in a campaign.
func (r *LinkRepository) Get(ctx context.Context, campaignID, contactID uuid.UUID) (*domain.CampaignContactLink, error) {
	var rec linkRecord
	err := r.db.GetContext(ctx, &rec, `SELECT `+linkColumns+` FROM campaign_contacts WHERE campaign_id = $1 AND contact_id = $2`, campaignID, contactID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign contacts: get: %w", err)
	}
	return rec.toDomain(), nil
}

// ListAwaiting returns enrolled links without an intent, oldest first.
func (r *LinkRepository) ListAwaiting(ctx context.Context, campaignID uuid.UUID, limit int) ([]*domain.CampaignContactLink, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.list(ctx, `SELECT `+linkColumns+` FROM campaign_contacts
		WHERE campaign_id = $1 AND status = 'pending' AND intent_id IS NULL
		ORDER BY created_at ASC
		LIMIT $2`, campaignID, limit)
}

// ListByCampaign lists links of a campaign in enrollment order.
func (r *LinkRepository) ListByCampaign(ctx context.Context, campaignID uuid.UUID, limit int) ([]*domain.CampaignContactLink, error) {
	if limit <= 0 {
		limit = 1000
	}
	return r.list(ctx, `SELECT `+linkColumns+` FROM campaign_contacts
		WHERE campaign_id = $1
		ORDER BY created_at ASC
		LIMIT $2`, campaignID, limit)
}

func (r *LinkRepository) list(ctx context.Context, q string, args ...any) ([]*domain.CampaignContactLink, error) {
	rows, err := r.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("campaign contacts: list: %w", err)
	}
	defer rows.Close()

	var results []*domain.CampaignContactLink
	for rows.Next() {
		var rec linkRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("campaign contacts: scan: %w", err)
		}
		results = append(results, rec.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign contacts: rows err: %w", err)
	}
	return results, nil
}

// SetStatus updates the link status and notes.
func (r *LinkRepository) SetStatus(ctx context.Context, campaignID, contactID uuid.UUID, status domain.LinkStatus, notes string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE campaign_contacts
		SET status = $3, notes = CASE WHEN $4 = '' THEN notes ELSE $4 END, updated_at = NOW()
		WHERE campaign_id = $1 AND contact_id = $2`, campaignID, contactID, status, notes)
	if err != nil {
		return fmt.Errorf("campaign contacts: set status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign contacts: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// RecordAttempt increments the attempt counter.
func (r *LinkRepository) RecordAttempt(ctx context.Context, campaignID, contactID uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE campaign_contacts
		SET attempt_count = attempt_count + 1, updated_at = NOW()
		WHERE campaign_id = $1 AND contact_id = $2`, campaignID, contactID); err != nil {
		return fmt.Errorf("campaign contacts: record attempt: %w", err)
	}
	return nil
}

// MarkDialed moves the link to in_progress and counts the attempt unless
// the link is already in_progress.
func (r *LinkRepository) MarkDialed(ctx context.Context, campaignID, contactID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `UPDATE campaign_contacts
		SET status = $3, attempt_count = attempt_count + 1, updated_at = NOW()
		WHERE campaign_id = $1 AND contact_id = $2 AND status <> $3`,
		campaignID, contactID, domain.LinkStatusInProgress)
	if err != nil {
		return fmt.Errorf("campaign contacts: mark dialed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign contacts: rows affected: %w", err)
	}
	if n == 0 {
		_, err := r.Get(ctx, campaignID, contactID)
		return err
	}
	return nil
}

type linkRecord struct {
	ID            uuid.UUID     `db:"id"`
	CampaignID    uuid.UUID     `db:"campaign_id"`
	ContactID     uuid.UUID     `db:"contact_id"`
	Status        string        `db:"status"`
	AttemptCount  int           `db:"attempt_count"`
	Notes         string        `db:"notes"`
	IntentID      uuid.NullUUID `db:"intent_id"`
	ScheduledTime sql.NullTime  `db:"scheduled_time"`
	CreatedAt     time.Time     `db:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at"`
}

func (r linkRecord) toDomain() *domain.CampaignContactLink {
	return &domain.CampaignContactLink{
		ID:            r.ID,
		CampaignID:    r.CampaignID,
		ContactID:     r.ContactID,
		Status:        domain.LinkStatus(r.Status),
		AttemptCount:  r.AttemptCount,
		Notes:         r.Notes,
		IntentID:      nullUUIDPtr(r.IntentID),
		ScheduledTime: nullTimePtr(r.ScheduledTime),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}
