package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-call-engine/internal/domain"
)

// RateCounter mirrors the Redis rate counter: reservations are held in
// memory, recorded calls go to the store's durable counters.
type RateCounter struct {
	mu       sync.Mutex
	store    *Store
	reserved map[counterKey]int64
}

// NewRateCounter builds a rate counter over the store's counters.
func NewRateCounter(store *Store) *RateCounter {
	return &RateCounter{store: store, reserved: make(map[counterKey]int64)}
}

func (r *RateCounter) Counts(ctx context.Context, campaign *domain.Campaign, now time.Time) (int64, int64, error) {
	hourBucket, dayBucket := campaign.Buckets(now)
	hour, day, err := r.store.Counters().Counts(ctx, campaign.ID, hourBucket, dayBucket)
	if err != nil {
		return 0, 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	hour = max(hour, r.reserved[counterKey{campaign.ID, "hour", hourBucket.Unix()}])
	day = max(day, r.reserved[counterKey{campaign.ID, "day", dayBucket.Unix()}])
	return hour, day, nil
}

func (r *RateCounter) Reserve(ctx context.Context, campaign *domain.Campaign, now time.Time) (bool, error) {
	hour, day, err := r.Counts(ctx, campaign, now)
	if err != nil {
		return false, err
	}
	if (campaign.MaxCallsPerHour > 0 && hour >= int64(campaign.MaxCallsPerHour)) ||
		(campaign.MaxCallsPerDay > 0 && day >= int64(campaign.MaxCallsPerDay)) {
		return false, nil
	}
	hourBucket, dayBucket := campaign.Buckets(now)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reserved[counterKey{campaign.ID, "hour", hourBucket.Unix()}] = hour + 1
	r.reserved[counterKey{campaign.ID, "day", dayBucket.Unix()}] = day + 1
	return true, nil
}

func (r *RateCounter) Release(_ context.Context, campaign *domain.Campaign, now time.Time) error {
	hourBucket, dayBucket := campaign.Buckets(now)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range []counterKey{
		{campaign.ID, "hour", hourBucket.Unix()},
		{campaign.ID, "day", dayBucket.Unix()},
	} {
		if r.reserved[key] > 0 {
			r.reserved[key]--
		}
	}
	return nil
}

func (r *RateCounter) Record(ctx context.Context, campaign *domain.Campaign, callID uuid.UUID, at time.Time) error {
	hourBucket, dayBucket := campaign.Buckets(at)
	return r.store.Counters().Increment(ctx, campaign.ID, callID, hourBucket, dayBucket)
}
