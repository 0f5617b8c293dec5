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

const contactColumns = `id, first_name, last_name, phone_number, company, job_title, time_zone,
	do_not_call, last_contacted, created_at, updated_at`

// ContactRepository reads CRM contacts and records contact timestamps.
type ContactRepository struct {
	db *sqlx.DB
}

// NewContactRepository constructs the repository.
func NewContactRepository(db *sqlx.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// Get fetches a contact by id.
func (r *ContactRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Contact, error) {
	var rec contactRecord
	if err := r.db.GetContext(ctx, &rec, `SELECT `+contactColumns+` FROM contacts WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("contact repo: get: %w", err)
	}
	return rec.toDomain(), nil
}

// GetMany fetches contacts keyed by id; unknown ids are absent from the map.
func (r *ContactRepository) GetMany(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*domain.Contact, error) {
	out := make(map[uuid.UUID]*domain.Contact, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.db.QueryxContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("contact repo: get many: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec contactRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("contact repo: scan: %w", err)
		}
		out[rec.ID] = rec.toDomain()
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contact repo: rows err: %w", err)
	}
	return out, nil
}

// TouchLastContacted moves last_contacted forward, never backward.
func (r *ContactRepository) TouchLastContacted(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE contacts
		SET last_contacted = GREATEST(COALESCE(last_contacted, $2), $2), updated_at = NOW()
		WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("contact repo: touch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("contact repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

type contactRecord struct {
	ID            uuid.UUID      `db:"id"`
	FirstName     string         `db:"first_name"`
	LastName      string         `db:"last_name"`
	PhoneNumber   string         `db:"phone_number"`
	Company       sql.NullString `db:"company"`
	JobTitle      sql.NullString `db:"job_title"`
	TimeZone      sql.NullString `db:"time_zone"`
	DoNotCall     bool           `db:"do_not_call"`
	LastContacted sql.NullTime   `db:"last_contacted"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

func (r contactRecord) toDomain() *domain.Contact {
	return &domain.Contact{
		ID:            r.ID,
		FirstName:     r.FirstName,
		LastName:      r.LastName,
		PhoneNumber:   r.PhoneNumber,
		Company:       r.Company.String,
		JobTitle:      r.JobTitle.String,
		TimeZone:      r.TimeZone.String,
		DoNotCall:     r.DoNotCall,
		LastContacted: nullTimePtr(r.LastContacted),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}
