package memory

import (
	"context"
	"sync"
	"time"
)

// Locker is an in-process stand-in for the Redis locker.
type Locker struct {
	mu   sync.Mutex
	held map[string]time.Time
}

// NewLocker returns an empty locker.
func NewLocker() *Locker {
	return &Locker{held: make(map[string]time.Time)}
}

// Acquire takes key for ttl. A nil release func means the key is held.
func (l *Locker) Acquire(_ context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if exp, ok := l.held[key]; ok && now.Before(exp) {
		return nil, nil
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	exp := now.Add(ttl)
	l.held[key] = exp
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if held, ok := l.held[key]; ok && held.Equal(exp) {
			delete(l.held, key)
		}
		return nil
	}, nil
}
