package concurrency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Locker hands out short-lived Redis locks keyed by name.
type Locker struct {
	client *redis.Client
}

// NewLocker constructs a locker.
func NewLocker(client *redis.Client) *Locker {
	return &Locker{client: client}
}

// Acquire tries to take the lock once. The returned release func is nil when
// the lock is held elsewhere.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock %s: acquire: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return func(ctx context.Context) error {
		if err := unlockScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("lock %s: release: %w", key, err)
		}
		return nil
	}, nil
}

// PlacementLockKey guards placement of one intent.
func PlacementLockKey(intentID uuid.UUID) string {
	return fmt.Sprintf("outbound:intent:%s:placing", intentID)
}

// GenerationLockKey guards the in-flight reply generation of one call.
func GenerationLockKey(callID uuid.UUID) string {
	return fmt.Sprintf("outbound:call:%s:generation", callID)
}
