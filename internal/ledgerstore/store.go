// Package ledgerstore persists the reward ledger: a map of address → balance
// plus an append-only, time-ordered log of every balance-changing event.
//
// The Store contract is transactional: ApplyDeltas applies a whole batch of
// balance changes and their log entries atomically, or not at all. Reads
// never block behind a writer's exclusive access.
//
// Three implementations are provided:
//   - MemoryStore: in-process, for testing and development.
//   - PostgresStore: durable, serialised through a transaction-scoped
//     advisory lock.
//   - RedisStore: hash + list layout, serialised through a lease lock
//     (the store has no native multi-key transactions).
package ledgerstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Delta is one requested balance change for one address.
type Delta struct {
	Address common.Address

	// Score is the raw performance score behind an increase; nil for
	// payout decrements.
	Score *big.Int

	// Delta is the signed amount to add to the balance.
	Delta *big.Int
}

// Balance is a point-in-time view of one address's net scheduled rewards.
type Balance struct {
	Address common.Address
	Amount  *big.Int
}

// LogEntry is one immutable record in the balance-change log.
type LogEntry struct {
	Position  int64
	Timestamp time.Time
	Address   common.Address
	Score     *big.Int // nil for payout decrements
	Delta     *big.Int
}

// logEntryWire is the JSON shape of a LogEntry. Amounts are decimal strings
// so that consumers never lose precision to float parsing.
type logEntryWire struct {
	Position  int64     `json:"position"`
	Timestamp time.Time `json:"timestamp"`
	Address   string    `json:"address"`
	Score     string    `json:"score,omitempty"`
	Delta     string    `json:"scheduledRewardsDelta"`
}

// MarshalJSON implements json.Marshaler.
func (e LogEntry) MarshalJSON() ([]byte, error) {
	w := logEntryWire{
		Position:  e.Position,
		Timestamp: e.Timestamp,
		Address:   e.Address.Hex(),
		Delta:     e.Delta.String(),
	}
	if e.Score != nil {
		w.Score = e.Score.String()
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *LogEntry) UnmarshalJSON(data []byte) error {
	var w logEntryWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	delta, ok := new(big.Int).SetString(w.Delta, 10)
	if !ok {
		return fmt.Errorf("log entry %d: bad delta %q", w.Position, w.Delta)
	}
	var score *big.Int
	if w.Score != "" {
		score, ok = new(big.Int).SetString(w.Score, 10)
		if !ok {
			return fmt.Errorf("log entry %d: bad score %q", w.Position, w.Score)
		}
	}
	e.Position = w.Position
	e.Timestamp = w.Timestamp
	e.Address = common.HexToAddress(w.Address)
	e.Score = score
	e.Delta = delta
	return nil
}

// NegativeBalanceError reports a rejected batch that would have driven the
// named address's balance below zero.
type NegativeBalanceError struct {
	Address common.Address
}

func (e *NegativeBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s", e.Address.Hex())
}

// ApplyOptions tunes how a batch of deltas is applied.
type ApplyOptions struct {
	// RejectNegative makes the whole batch fail with NegativeBalanceError
	// if any resulting balance would be negative. Used by the payout path;
	// the increase path leaves it off so absent addresses are created
	// implicitly at zero.
	RejectNegative bool
}

// Store is the transactional persistence interface for the reward ledger.
type Store interface {
	// ApplyDeltas atomically applies every delta in the batch and appends
	// one log entry per address, all stamped with the same timestamp.
	// On success it returns the updated balances in batch order. On any
	// failure no balance in the batch is changed and no entry is logged.
	ApplyDeltas(ctx context.Context, deltas []Delta, opts ApplyOptions) ([]Balance, error)

	// Balances returns a snapshot of every known balance.
	Balances(ctx context.Context) ([]Balance, error)

	// Balance returns the balance for one address; zero if unknown.
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)

	// LogRange returns up to limit log entries with Position > after,
	// in position order.
	LogRange(ctx context.Context, after int64, limit int) ([]LogEntry, error)

	// TrimLog deletes log entries older than olderThan (zero time: skip)
	// and then trims the log to at most maxEntries (0: skip), dropping the
	// oldest first. It returns the number of entries removed.
	TrimLog(ctx context.Context, olderThan time.Time, maxEntries int) (int, error)
}
