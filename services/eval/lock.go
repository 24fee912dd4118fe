package eval

import (
	"context"
	"errors"
	"time"

	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/pkg/cache"
)

// RunLock is a held cross-process pipeline lock.
type RunLock interface {
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// RunLocker hands out pipeline locks. Acquire returns ErrTaskRunning when
// another process holds the lock.
type RunLocker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (RunLock, error)
}

// RedisLocker is a RunLocker on top of the Redis cache client.
type RedisLocker struct {
	Client *cache.Client
}

// Acquire takes the lock with SET NX.
func (l RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (RunLock, error) {
	lock, err := l.Client.Acquire(ctx, key, ttl)
	if errors.Is(err, cache.ErrLockHeld) {
		return nil, ErrTaskRunning
	}
	if err != nil {
		return nil, err
	}
	return lock, nil
}

func runLockKey(taskID string) string {
	return "eval:run:" + taskID
}
