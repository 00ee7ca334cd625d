// Package lock is a Redis-backed mutual-exclusion primitive with expiry.
//
// Locks are never renewed and release is unconditional: any caller may
// delete a key, including one whose TTL already lapsed and was re-acquired
// by someone else. Callers must tolerate the overlap that allows.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cornjacket/roadside/internal/shared/domain/clock"
	"github.com/cornjacket/roadside/internal/shared/metrics"
)

const keyPrefix = "lock:"

// Lock acquires and releases named locks.
type Lock struct {
	rdb     redis.Cmdable
	holder  string
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Lock.
func New(rdb redis.Cmdable, m *metrics.Metrics, logger *slog.Logger) *Lock {
	host, _ := os.Hostname()
	return &Lock{
		rdb:     rdb,
		holder:  fmt.Sprintf("%s:%d", host, os.Getpid()),
		metrics: m,
		logger:  logger.With("component", "lock"),
	}
}

// Acquire atomically creates key with ttl. It returns true only if this
// call created the record.
func (l *Lock) Acquire(ctx context.Context, key string, ttl time.Duration) bool {
	// The value is diagnostic only; release never checks it.
	value := fmt.Sprintf("%s@%d", l.holder, clock.Now().UnixMilli())

	ok, err := l.rdb.SetNX(ctx, keyPrefix+key, value, ttl).Result()
	if err != nil {
		l.logger.Error("failed to acquire lock", "operation", "acquire", "key", key, "error", err)
		l.metrics.LockAcquire("error")
		return false
	}
	if !ok {
		l.logger.Debug("lock busy", "key", key)
		l.metrics.LockAcquire("busy")
		return false
	}

	l.logger.Debug("lock acquired", "key", key, "ttl", ttl)
	l.metrics.LockAcquire("acquired")
	return true
}

// IsLocked reports whether key is currently held. A backend error reads
// as not locked.
func (l *Lock) IsLocked(ctx context.Context, key string) bool {
	n, err := l.rdb.Exists(ctx, keyPrefix+key).Result()
	if err != nil {
		l.logger.Error("failed to check lock", "operation", "is_locked", "key", key, "error", err)
		return false
	}
	return n > 0
}

// Release deletes key.
func (l *Lock) Release(ctx context.Context, key string) {
	if err := l.rdb.Del(ctx, keyPrefix+key).Err(); err != nil {
		l.logger.Error("failed to release lock", "operation", "release", "key", key, "error", err)
		return
	}
	l.logger.Debug("lock released", "key", key)
}
