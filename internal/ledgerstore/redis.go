package ledgerstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	balancesKey    = "balances"
	logKey         = "log"
	logPositionKey = "log:position"
	writeLockKey   = "lock:ledger"

	logRangeAttempts = 3
)

// RedisStore persists the reward ledger to Redis: balances in a hash keyed
// by address, the log as a list of JSON entries. Redis has no multi-key
// read-modify-write transaction, so every ApplyDeltas batch runs under a
// lease lock shared by all ledger instances. Reads go straight to the hash
// and never wait on the lock.
type RedisStore struct {
	client *redis.Client
	lease  time.Duration
	logger *zap.Logger
}

// NewRedisStore creates a RedisStore on the given client. lease bounds how
// long a crashed writer can block others; zero defaults to 20 seconds.
func NewRedisStore(client *redis.Client, lease time.Duration, logger *zap.Logger) *RedisStore {
	return &RedisStore{client: client, lease: lease, logger: logger}
}

// ApplyDeltas implements Store.
func (s *RedisStore) ApplyDeltas(ctx context.Context, deltas []Delta, opts ApplyOptions) ([]Balance, error) {
	lock := NewLeaseLock(s.client, writeLockKey, s.lease)
	if err := lock.Acquire(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("release ledger lock", zap.Error(err))
		}
	}()

	// Read phase. Balances carry forward through the batch so an address
	// named twice accumulates both deltas.
	updated := make([]Balance, len(deltas))
	pending := make(map[common.Address]*big.Int, len(deltas))
	for i, d := range deltas {
		cur, ok := pending[d.Address]
		if !ok {
			cur = new(big.Int)
			val, err := s.client.HGet(ctx, balancesKey, d.Address.Hex()).Result()
			switch {
			case err == redis.Nil:
				// Absent address: balance is implicitly zero.
			case err != nil:
				return nil, fmt.Errorf("read balance %s: %w", d.Address.Hex(), err)
			default:
				if _, ok := cur.SetString(val, 10); !ok {
					return nil, fmt.Errorf("corrupt balance for %s: %q", d.Address.Hex(), val)
				}
			}
		}

		next := new(big.Int).Add(cur, d.Delta)
		if opts.RejectNegative && next.Sign() < 0 {
			return nil, &NegativeBalanceError{Address: d.Address}
		}
		pending[d.Address] = next
		updated[i] = Balance{Address: d.Address, Amount: next}
	}

	// Reserve the position range for this batch's log entries.
	endPos, err := s.client.IncrBy(ctx, logPositionKey, int64(len(deltas))).Result()
	if err != nil {
		return nil, fmt.Errorf("reserve log positions: %w", err)
	}

	// Write phase: one pipeline so the batch lands together.
	now := time.Now().UTC()
	pipe := s.client.TxPipeline()
	for i, d := range deltas {
		pipe.HSet(ctx, balancesKey, d.Address.Hex(), pending[d.Address].String())

		entry := LogEntry{
			Position:  endPos - int64(len(deltas)-1-i),
			Timestamp: now,
			Address:   d.Address,
			Score:     d.Score,
			Delta:     d.Delta,
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("marshal log entry: %w", err)
		}
		pipe.RPush(ctx, logKey, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("apply ledger batch: %w", err)
	}

	s.logger.Debug("ledger batch applied", zap.Int("deltas", len(deltas)))
	return updated, nil
}

// Balances implements Store.
func (s *RedisStore) Balances(ctx context.Context) ([]Balance, error) {
	all, err := s.client.HGetAll(ctx, balancesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("query balances: %w", err)
	}

	out := make([]Balance, 0, len(all))
	for addr, val := range all {
		amount, ok := new(big.Int).SetString(val, 10)
		if !ok {
			return nil, fmt.Errorf("corrupt balance for %s: %q", addr, val)
		}
		out = append(out, Balance{Address: common.HexToAddress(addr), Amount: amount})
	}
	return out, nil
}

// Balance implements Store.
func (s *RedisStore) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	val, err := s.client.HGet(ctx, balancesKey, addr.Hex()).Result()
	if err == redis.Nil {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get balance %s: %w", addr.Hex(), err)
	}
	amount, ok := new(big.Int).SetString(val, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt balance for %s: %q", addr.Hex(), val)
	}
	return amount, nil
}

// LogRange implements Store. Positions in the list are contiguous and
// ascending (appends are serialised by the write lock, trims only drop the
// head), so the list offset of the page is derived from the head entry's
// position. A concurrent trim shifts indices between the two reads; the
// fetched page is verified against the expected first position and the
// offset re-derived if it moved.
func (s *RedisStore) LogRange(ctx context.Context, after int64, limit int) ([]LogEntry, error) {
	for attempt := 0; attempt < logRangeAttempts; attempt++ {
		headRaw, err := s.client.LIndex(ctx, logKey, 0).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read log head: %w", err)
		}
		var head LogEntry
		if err := json.Unmarshal([]byte(headRaw), &head); err != nil {
			return nil, fmt.Errorf("decode log entry: %w", err)
		}

		wantFirst := after + 1
		if wantFirst < head.Position {
			wantFirst = head.Position
		}
		start := wantFirst - head.Position
		end := int64(-1)
		if limit > 0 {
			end = start + int64(limit) - 1
		}
		chunk, err := s.client.LRange(ctx, logKey, start, end).Result()
		if err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		if len(chunk) == 0 {
			return nil, nil
		}

		out := make([]LogEntry, 0, len(chunk))
		for _, raw := range chunk {
			var e LogEntry
			if err := json.Unmarshal([]byte(raw), &e); err != nil {
				return nil, fmt.Errorf("decode log entry: %w", err)
			}
			out = append(out, e)
		}
		if out[0].Position == wantFirst {
			return out, nil
		}
		// The head moved between the reads; recompute the offset.
	}
	return nil, fmt.Errorf("log trimmed concurrently, range unstable after %d attempts", logRangeAttempts)
}

// TrimLog implements Store.
func (s *RedisStore) TrimLog(ctx context.Context, olderThan time.Time, maxEntries int) (int, error) {
	removed := 0

	if !olderThan.IsZero() {
		for {
			raw, err := s.client.LIndex(ctx, logKey, 0).Result()
			if err == redis.Nil {
				break
			}
			if err != nil {
				return removed, fmt.Errorf("peek log head: %w", err)
			}
			var e LogEntry
			if err := json.Unmarshal([]byte(raw), &e); err != nil {
				return removed, fmt.Errorf("decode log head: %w", err)
			}
			if !e.Timestamp.Before(olderThan) {
				break
			}
			if err := s.client.LPop(ctx, logKey).Err(); err != nil {
				return removed, fmt.Errorf("drop log head: %w", err)
			}
			removed++
		}
	}

	if maxEntries > 0 {
		n, err := s.client.LLen(ctx, logKey).Result()
		if err != nil {
			return removed, fmt.Errorf("log length: %w", err)
		}
		if n > int64(maxEntries) {
			if err := s.client.LTrim(ctx, logKey, n-int64(maxEntries), -1).Err(); err != nil {
				return removed, fmt.Errorf("trim log by count: %w", err)
			}
			removed += int(n) - maxEntries
		}
	}

	if removed > 0 {
		s.logger.Debug("ledger log trimmed", zap.Int("removed", removed))
	}
	return removed, nil
}
