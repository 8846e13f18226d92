package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const reaperLockKey = "reaper:leader"

// LeaderElector implements Redis-based leader election using SETNX with TTL
// so only one instance runs the stale-session reaper at a time.
type LeaderElector struct {
	rdb        *goredis.Client
	instanceID string
	lockTTL    time.Duration
}

// NewLeaderElector creates a leader election coordinator. instanceID must be
// unique per instance (e.g. hostname-PID).
func NewLeaderElector(rdb *goredis.Client, instanceID string, lockTTL time.Duration) *LeaderElector {
	return &LeaderElector{rdb: rdb, instanceID: instanceID, lockTTL: lockTTL}
}

// TryAcquire attempts to become the leader. Returns false when another
// instance currently holds the lock.
func (l *LeaderElector) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, reaperLockKey, l.instanceID, l.lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire reaper lock: %w", err)
	}
	return ok, nil
}

// Renew extends the lease. Returns an error when this instance is no longer
// the leader.
func (l *LeaderElector) Renew(ctx context.Context) error {
	current, err := l.rdb.Get(ctx, reaperLockKey).Result()
	if err == goredis.Nil {
		return fmt.Errorf("reaper lock lost")
	}
	if err != nil {
		return fmt.Errorf("failed to check reaper lock: %w", err)
	}
	if current != l.instanceID {
		return fmt.Errorf("reaper lock held by %s", current)
	}

	ok, err := l.rdb.Expire(ctx, reaperLockKey, l.lockTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to renew reaper lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("reaper lock expired during renewal")
	}
	return nil
}

// Release gives up leadership, deleting the lock only if this instance still
// holds it.
func (l *LeaderElector) Release(ctx context.Context) error {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.rdb.Eval(ctx, script, []string{reaperLockKey}, l.instanceID).Result()
	return err
}
