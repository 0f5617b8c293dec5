package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// CounterRepository keeps durable per-campaign call counters per time bucket.
type CounterRepository struct {
	db *sqlx.DB
}

// NewCounterRepository builds the repository.
func NewCounterRepository(db *sqlx.DB) *CounterRepository {
	return &CounterRepository{db: db}
}

// Increment adds the call to both the hour and the day bucket. The call id
// is remembered in the same transaction so a replay is not counted twice.
func (r *CounterRepository) Increment(ctx context.Context, campaignID, callID uuid.UUID, hourBucket, dayBucket time.Time) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO campaign_counted_calls (call_id, campaign_id, counted_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (call_id) DO NOTHING`, callID, campaignID)
		if err != nil {
			return fmt.Errorf("call counters: remember call: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("call counters: rows affected: %w", err)
		}
		if n == 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO campaign_call_counters (campaign_id, bucket_kind, bucket_start, call_count, updated_at)
			VALUES ($1, 'hour', $2, 1, NOW()), ($1, 'day', $3, 1, NOW())
			ON CONFLICT (campaign_id, bucket_kind, bucket_start) DO UPDATE SET
				call_count = campaign_call_counters.call_count + 1,
				updated_at = NOW()`,
			campaignID, hourBucket, dayBucket); err != nil {
			return fmt.Errorf("call counters: increment: %w", err)
		}
		return nil
	})
}

// Counts returns the hour and day totals; missing buckets count as zero.
func (r *CounterRepository) Counts(ctx context.Context, campaignID uuid.UUID, hourBucket, dayBucket time.Time) (int64, int64, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT bucket_kind, call_count FROM campaign_call_counters
		WHERE campaign_id = $1
		  AND ((bucket_kind = 'hour' AND bucket_start = $2) OR (bucket_kind = 'day' AND bucket_start = $3))`,
		campaignID, hourBucket, dayBucket)
	if err != nil {
		return 0, 0, fmt.Errorf("call counters: counts: %w", err)
	}
	defer rows.Close()

	var hour, day int64
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return 0, 0, fmt.Errorf("call counters: scan: %w", err)
		}
		switch kind {
		case "hour":
			hour = n
		case "day":
			day = n
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("call counters: rows err: %w", err)
	}
	return hour, day, nil
}
