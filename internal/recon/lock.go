package recon

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const lockKey = "payment-integrity:recon:lock"

// releaseScript deletes the lock only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RunLock serializes reconciliation runs. With redis it coordinates across
// instances; without it, it degrades to an in-process mutex.
type RunLock struct {
	client *redis.Client
	ttl    time.Duration

	mu   sync.Mutex
	held bool
}

func NewRunLock(client *redis.Client, ttl time.Duration) *RunLock {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RunLock{client: client, ttl: ttl}
}

// TryAcquire attempts to take the lock without blocking. On success it
// returns a release function.
func (l *RunLock) TryAcquire(ctx context.Context) (release func(), ok bool, err error) {
	if l.client == nil {
		l.mu.Lock()
		if l.held {
			l.mu.Unlock()
			return nil, false, nil
		}
		l.held = true
		l.mu.Unlock()
		return func() {
			l.mu.Lock()
			l.held = false
			l.mu.Unlock()
		}, true, nil
	}

	token := uuid.New().String()
	acquired, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !acquired {
		return nil, false, nil
	}
	return func() {
		// Best effort; the TTL reaps the lock if this fails.
		_ = releaseScript.Run(context.Background(), l.client, []string{lockKey}, token).Err()
	}, true, nil
}
