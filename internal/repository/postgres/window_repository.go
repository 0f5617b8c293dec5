package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-call-engine/internal/domain"
	"github.com/acme/outbound-call-engine/internal/repository"
)

// CallingWindowRepository persists campaign calling windows, one row per allowed weekday.
type CallingWindowRepository struct {
	db *sqlx.DB
}

// NewCallingWindowRepository creates a new repository.
func NewCallingWindowRepository(db *sqlx.DB) *CallingWindowRepository {
	return &CallingWindowRepository{db: db}
}

// Replace replaces the calling window for a campaign.
func (r *CallingWindowRepository) Replace(ctx context.Context, campaignID uuid.UUID, window domain.CallingWindow) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM campaign_calling_windows WHERE campaign_id = $1`, campaignID); err != nil {
			return fmt.Errorf("calling windows: delete existing: %w", err)
		}

		stmt, err := tx.PreparexContext(ctx, `INSERT INTO campaign_calling_windows (campaign_id, iso_weekday, start_hour, end_hour) VALUES ($1, $2, $3, $4)`)
		if err != nil {
			return fmt.Errorf("calling windows: prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, day := range window.Weekdays {
			if _, err := stmt.ExecContext(ctx, campaignID, day, window.StartHour, window.EndHour); err != nil {
				return fmt.Errorf("calling windows: insert: %w", err)
			}
		}
		return nil
	})
}

// Get reassembles the calling window of a campaign.
func (r *CallingWindowRepository) Get(ctx context.Context, campaignID uuid.UUID) (domain.CallingWindow, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT iso_weekday, start_hour, end_hour FROM campaign_calling_windows WHERE campaign_id = $1 ORDER BY iso_weekday`, campaignID)
	if err != nil {
		return domain.CallingWindow{}, fmt.Errorf("calling windows: query: %w", err)
	}
	defer rows.Close()

	var window domain.CallingWindow
	for rows.Next() {
		var row struct {
			Day   int `db:"iso_weekday"`
			Start int `db:"start_hour"`
			End   int `db:"end_hour"`
		}
		if err := rows.StructScan(&row); err != nil {
			return domain.CallingWindow{}, fmt.Errorf("calling windows: scan: %w", err)
		}
		window.StartHour = row.Start
		window.EndHour = row.End
		window.Weekdays = append(window.Weekdays, row.Day)
	}

	if err := rows.Err(); err != nil {
		return domain.CallingWindow{}, fmt.Errorf("calling windows: rows err: %w", err)
	}
	if len(window.Weekdays) == 0 {
		return domain.CallingWindow{}, repository.ErrNotFound
	}
	return window, nil
}
