package ledgerstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLockLost is returned by Release when the lease had already expired and
// another holder may have taken the lock.
var ErrLockLost = errors.New("lease lock lost")

// releaseScript deletes the lock key only if it still holds our token, so an
// expired lease can never release a lock re-acquired by someone else.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// LeaseLock is a Redis-backed mutual-exclusion lock with a bounded lease.
// It serialises ledger read-modify-write batches across processes when the
// store itself has no multi-key transactions.
type LeaseLock struct {
	client *redis.Client
	key    string
	lease  time.Duration
	token  string
}

// NewLeaseLock creates a lock on the given resource key. A lease of zero
// defaults to 20 seconds.
func NewLeaseLock(client *redis.Client, key string, lease time.Duration) *LeaseLock {
	if lease == 0 {
		lease = 20 * time.Second
	}
	return &LeaseLock{client: client, key: key, lease: lease}
}

// Acquire blocks until the lock is held or ctx is done.
func (l *LeaseLock) Acquire(ctx context.Context) error {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("generate lock token: %w", err)
	}
	l.token = hex.EncodeToString(buf)

	for {
		ok, err := l.client.SetNX(ctx, l.key, l.token, l.lease).Result()
		if err != nil {
			return fmt.Errorf("acquire lock %s: %w", l.key, err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Release gives the lock back. It returns ErrLockLost if the lease expired
// before release; the caller's batch still committed, but another writer may
// have run concurrently and the condition should be logged.
func (l *LeaseLock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}
