package concurrency

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/acme/outbound-call-engine/internal/domain"
	"github.com/acme/outbound-call-engine/internal/repository"
)

var reserveScript = redis.NewScript(`
local hourKey = KEYS[1]
local dayKey = KEYS[2]
local hourCap = tonumber(ARGV[1])
local dayCap = tonumber(ARGV[2])
local hourFloor = tonumber(ARGV[3])
local dayFloor = tonumber(ARGV[4])
local hourTTL = tonumber(ARGV[5])
local dayTTL = tonumber(ARGV[6])
local hour = math.max(tonumber(redis.call('GET', hourKey) or '0'), hourFloor)
local day = math.max(tonumber(redis.call('GET', dayKey) or '0'), dayFloor)
if (hourCap > 0 and hour >= hourCap) or (dayCap > 0 and day >= dayCap) then
  return 0
end
redis.call('SET', hourKey, hour + 1, 'PX', hourTTL)
redis.call('SET', dayKey, day + 1, 'PX', dayTTL)
return 1
`)

var releaseScript = redis.NewScript(`
for i, key in ipairs(KEYS) do
  local current = tonumber(redis.call('GET', key) or '0')
  if current <= 1 then
    redis.call('DEL', key)
  else
    redis.call('DECR', key)
  end
end
return 1
`)

// RateCounter tracks campaign calls per campaign-local hour and day. Redis
// holds the hot reservation counters; the durable totals live in Postgres and
// act as a floor whenever the cache is cold.
type RateCounter struct {
	client  *redis.Client
	durable repository.CounterRepository
}

// NewRateCounter constructs a rate counter.
func NewRateCounter(client *redis.Client, durable repository.CounterRepository) *RateCounter {
	return &RateCounter{client: client, durable: durable}
}

// Counts returns the calls in the current hour and day bucket of the campaign.
func (r *RateCounter) Counts(ctx context.Context, campaign *domain.Campaign, now time.Time) (int64, int64, error) {
	hourBucket, dayBucket := campaign.Buckets(now)
	hour, day, err := r.durable.Counts(ctx, campaign.ID, hourBucket, dayBucket)
	if err != nil {
		return 0, 0, err
	}

	vals, err := r.client.MGet(ctx, hourKey(campaign.ID, hourBucket), dayKey(campaign.ID, dayBucket)).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("rate counter: counts: %w", err)
	}
	hour = max(hour, parseCount(vals[0]))
	day = max(day, parseCount(vals[1]))
	return hour, day, nil
}

// Reserve takes one unit of the campaign's hourly and daily budget. It
// returns false when either cap is already reached.
func (r *RateCounter) Reserve(ctx context.Context, campaign *domain.Campaign, now time.Time) (bool, error) {
	hourBucket, dayBucket := campaign.Buckets(now)
	hourFloor, dayFloor, err := r.durable.Counts(ctx, campaign.ID, hourBucket, dayBucket)
	if err != nil {
		return false, err
	}

	keys := []string{hourKey(campaign.ID, hourBucket), dayKey(campaign.ID, dayBucket)}
	res, err := reserveScript.Run(ctx, r.client, keys,
		campaign.MaxCallsPerHour, campaign.MaxCallsPerDay,
		hourFloor, dayFloor,
		(2 * time.Hour).Milliseconds(), (48 * time.Hour).Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate counter: reserve: %w", err)
	}
	return res == 1, nil
}

// Release returns a reservation that did not lead to a dispatched call.
func (r *RateCounter) Release(ctx context.Context, campaign *domain.Campaign, now time.Time) error {
	hourBucket, dayBucket := campaign.Buckets(now)
	keys := []string{hourKey(campaign.ID, hourBucket), dayKey(campaign.ID, dayBucket)}
	if err := releaseScript.Run(ctx, r.client, keys).Err(); err != nil {
		return fmt.Errorf("rate counter: release: %w", err)
	}
	return nil
}

// Record persists one placed call in the durable counters. Recording the
// same call again is a no-op.
func (r *RateCounter) Record(ctx context.Context, campaign *domain.Campaign, callID uuid.UUID, at time.Time) error {
	hourBucket, dayBucket := campaign.Buckets(at)
	return r.durable.Increment(ctx, campaign.ID, callID, hourBucket, dayBucket)
}

func hourKey(campaignID uuid.UUID, bucket time.Time) string {
	return fmt.Sprintf("outbound:campaign:%s:calls:hour:%d", campaignID, bucket.Unix())
}

func dayKey(campaignID uuid.UUID, bucket time.Time) string {
	return fmt.Sprintf("outbound:campaign:%s:calls:day:%d", campaignID, bucket.Unix())
}

func parseCount(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
