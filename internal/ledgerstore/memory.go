package ledgerstore

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore is an in-memory, thread-safe Store implementation. It is
// primarily useful for testing and for single-process deployments that do
// not require durable persistence across restarts.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[common.Address]*big.Int
	log      []LogEntry
	nextPos  int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[common.Address]*big.Int),
		nextPos:  1,
	}
}

// ApplyDeltas implements Store.
func (s *MemoryStore) ApplyDeltas(_ context.Context, deltas []Delta, opts ApplyOptions) ([]Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Compute every resulting balance before touching state so a rejection
	// leaves the whole batch unapplied. Balances carry forward through the
	// batch so an address named twice accumulates both deltas.
	updated := make([]Balance, len(deltas))
	pending := make(map[common.Address]*big.Int, len(deltas))
	for i, d := range deltas {
		cur, ok := pending[d.Address]
		if !ok {
			if cur, ok = s.balances[d.Address]; !ok {
				cur = new(big.Int)
			}
		}
		next := new(big.Int).Add(cur, d.Delta)
		if opts.RejectNegative && next.Sign() < 0 {
			return nil, &NegativeBalanceError{Address: d.Address}
		}
		pending[d.Address] = next
		updated[i] = Balance{Address: d.Address, Amount: next}
	}

	now := time.Now().UTC()
	for _, d := range deltas {
		s.balances[d.Address] = pending[d.Address]
		s.log = append(s.log, LogEntry{
			Position:  s.nextPos,
			Timestamp: now,
			Address:   d.Address,
			Score:     d.Score,
			Delta:     d.Delta,
		})
		s.nextPos++
	}
	return updated, nil
}

// Balances implements Store.
func (s *MemoryStore) Balances(_ context.Context) ([]Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Balance, 0, len(s.balances))
	for addr, amount := range s.balances {
		out = append(out, Balance{Address: addr, Amount: new(big.Int).Set(amount)})
	}
	return out, nil
}

// Balance implements Store.
func (s *MemoryStore) Balance(_ context.Context, addr common.Address) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if amount, ok := s.balances[addr]; ok {
		return new(big.Int).Set(amount), nil
	}
	return new(big.Int), nil
}

// LogRange implements Store.
func (s *MemoryStore) LogRange(_ context.Context, after int64, limit int) ([]LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []LogEntry
	for _, e := range s.log {
		if e.Position <= after {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// TrimLog implements Store.
func (s *MemoryStore) TrimLog(_ context.Context, olderThan time.Time, maxEntries int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	if !olderThan.IsZero() {
		for len(s.log) > 0 && s.log[0].Timestamp.Before(olderThan) {
			s.log = s.log[1:]
			removed++
		}
	}
	if maxEntries > 0 && len(s.log) > maxEntries {
		removed += len(s.log) - maxEntries
		s.log = s.log[len(s.log)-maxEntries:]
	}
	return removed, nil
}
