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

const campaignColumns = `id, name, description, campaign_type, status, time_zone,
	max_calls_per_hour, max_calls_per_day, default_purpose,
	created_at, updated_at, started_at, completed_at`

// CampaignRepository implements repository.CampaignRepository using PostgreSQL.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository constructs a new repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create inserts a new campaign.
func (r *CampaignRepository) Create(ctx context.Context, campaign *domain.Campaign) error {
	q := `INSERT INTO campaigns (
		id, name, description, campaign_type, status, time_zone,
		max_calls_per_hour, max_calls_per_day, default_purpose,
		created_at, updated_at, started_at, completed_at
	) VALUES (
		:id, :name, :description, :campaign_type, :status, :time_zone,
		:max_calls_per_hour, :max_calls_per_day, :default_purpose,
		:created_at, :updated_at, :started_at, :completed_at
	)`

	params := map[string]any{
		"id":                 campaign.ID,
		"name":               campaign.Name,
		"description":        campaign.Description,
		"campaign_type":      campaign.Type,
		"status":             campaign.Status,
		"time_zone":          campaign.TimeZone,
		"max_calls_per_hour": campaign.MaxCallsPerHour,
		"max_calls_per_day":  campaign.MaxCallsPerDay,
		"default_purpose":    campaign.DefaultPurpose,
		"created_at":         campaign.CreatedAt,
		"updated_at":         campaign.UpdatedAt,
		"started_at":         campaign.StartedAt,
		"completed_at":       campaign.CompletedAt,
	}

	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		return fmt.Errorf("campaign repo: insert: %w", err)
	}
	return nil
}

// Get fetches a campaign by id. The calling window is loaded separately.
func (r *CampaignRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	var record campaignRecord
	if err := row.StructScan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign repo: get: %w", err)
	}

	campaign := record.toDomain()
	return &campaign, nil
}

// UpdateStatus moves a campaign between statuses when it is still in from.
func (r *CampaignRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.CampaignStatus, at time.Time) error {
	q := `UPDATE campaigns SET
		status = $3,
		updated_at = $4,
		started_at = CASE WHEN $3 = 'active' AND started_at IS NULL THEN $4 ELSE started_at END,
		completed_at = CASE WHEN $3 IN ('completed', 'cancelled') THEN $4 ELSE completed_at END
	 WHERE id = $1 AND status = $2`

	res, err := r.db.ExecContext(ctx, q, id, from, to, at)
	if err != nil {
		return fmt.Errorf("campaign repo: update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	if n == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return repository.ErrConflict
	}
	return nil
}

// ListByStatus returns campaigns filtered by status.
func (r *CampaignRepository) ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT `+campaignColumns+`
		FROM campaigns WHERE status = $1 ORDER BY updated_at ASC LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list by status: %w", err)
	}
	defer rows.Close()

	var results []*domain.Campaign
	for rows.Next() {
		var record campaignRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("campaign repo: scan: %w", err)
		}
		campaign := record.toDomain()
		results = append(results, &campaign)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: rows err: %w", err)
	}
	return results, nil
}

type campaignRecord struct {
	ID              uuid.UUID      `db:"id"`
	Name            string         `db:"name"`
	Description     sql.NullString `db:"description"`
	Type            string         `db:"campaign_type"`
	Status          string         `db:"status"`
	TimeZone        string         `db:"time_zone"`
	MaxCallsPerHour int            `db:"max_calls_per_hour"`
	MaxCallsPerDay  int            `db:"max_calls_per_day"`
	DefaultPurpose  sql.NullString `db:"default_purpose"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
	StartedAt       sql.NullTime   `db:"started_at"`
	CompletedAt     sql.NullTime   `db:"completed_at"`
}

func (r campaignRecord) toDomain() domain.Campaign {
	campaign := domain.Campaign{
		ID:              r.ID,
		Name:            r.Name,
		Description:     r.Description.String,
		Type:            domain.CampaignType(r.Type),
		Status:          domain.CampaignStatus(r.Status),
		TimeZone:        r.TimeZone,
		MaxCallsPerHour: r.MaxCallsPerHour,
		MaxCallsPerDay:  r.MaxCallsPerDay,
		DefaultPurpose:  domain.Purpose(r.DefaultPurpose.String),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		StartedAt:       nullTimePtr(r.StartedAt),
		CompletedAt:     nullTimePtr(r.CompletedAt),
	}
	if campaign.DefaultPurpose == "" {
		campaign.DefaultPurpose = campaign.Type.DefaultPurpose()
	}
	return campaign
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
