package ledgerstore

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey is a stable PostgreSQL advisory lock key used to serialise
// concurrent ApplyDeltas calls across all ledger instances sharing one
// database. The value is arbitrary but must be consistent everywhere.
const advisoryLockKey = int64(7_420_917_331)

// PostgresStore persists the reward ledger to PostgreSQL. It implements the
// Store interface.
//
// Because every ApplyDeltas runs inside a single transaction guarded by a
// transaction-scoped advisory lock, no external distributed lock is needed
// in front of this backend.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// ApplyDeltas implements Store. It acquires the advisory lock, reads every
// affected balance, writes the new balances and appends the log entries, all
// within one transaction.
func (s *PostgresStore) ApplyDeltas(ctx context.Context, deltas []Delta, opts ApplyOptions) ([]Balance, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Serialise concurrent read-modify-write batches. The lock is released
	// automatically when the transaction commits or rolls back.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	// Balances carry forward through the batch so an address named twice
	// accumulates both deltas instead of the last write winning.
	updated := make([]Balance, len(deltas))
	pending := make(map[common.Address]*big.Int, len(deltas))
	for i, d := range deltas {
		cur, ok := pending[d.Address]
		if !ok {
			cur = new(big.Int)
			var amountStr string
			err := tx.QueryRow(ctx,
				"SELECT amount::text FROM balances WHERE address = $1",
				d.Address.Hex(),
			).Scan(&amountStr)
			switch {
			case errors.Is(err, pgx.ErrNoRows):
				// Absent address: balance is implicitly zero.
			case err != nil:
				return nil, fmt.Errorf("read balance %s: %w", d.Address.Hex(), err)
			default:
				if _, ok := cur.SetString(amountStr, 10); !ok {
					return nil, fmt.Errorf("corrupt balance for %s: %q", d.Address.Hex(), amountStr)
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

	now := time.Now().UTC()
	for _, d := range deltas {
		if _, err := tx.Exec(ctx,
			`INSERT INTO balances (address, amount) VALUES ($1, $2::numeric)
			 ON CONFLICT (address) DO UPDATE SET amount = EXCLUDED.amount`,
			d.Address.Hex(), pending[d.Address].String(),
		); err != nil {
			return nil, fmt.Errorf("write balance %s: %w", d.Address.Hex(), err)
		}

		var score *string
		if d.Score != nil {
			v := d.Score.String()
			score = &v
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger_log (timestamp, address, score, delta)
			 VALUES ($1, $2, $3::numeric, $4::numeric)`,
			now, d.Address.Hex(), score, d.Delta.String(),
		); err != nil {
			return nil, fmt.Errorf("append log entry for %s: %w", d.Address.Hex(), err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}

	s.logger.Debug("ledger batch applied", zap.Int("deltas", len(deltas)))
	return updated, nil
}

// Balances implements Store.
func (s *PostgresStore) Balances(ctx context.Context) ([]Balance, error) {
	rows, err := s.pool.Query(ctx, "SELECT address, amount::text FROM balances")
	if err != nil {
		return nil, fmt.Errorf("query balances: %w", err)
	}
	defer rows.Close()

	var out []Balance
	for rows.Next() {
		var addr, amountStr string
		if err := rows.Scan(&addr, &amountStr); err != nil {
			return nil, fmt.Errorf("scan balance row: %w", err)
		}
		amount, ok := new(big.Int).SetString(amountStr, 10)
		if !ok {
			return nil, fmt.Errorf("corrupt balance for %s: %q", addr, amountStr)
		}
		out = append(out, Balance{Address: common.HexToAddress(addr), Amount: amount})
	}
	return out, rows.Err()
}

// Balance implements Store.
func (s *PostgresStore) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var amountStr string
	err := s.pool.QueryRow(ctx,
		"SELECT amount::text FROM balances WHERE address = $1", addr.Hex(),
	).Scan(&amountStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get balance %s: %w", addr.Hex(), err)
	}
	amount, ok := new(big.Int).SetString(amountStr, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt balance for %s: %q", addr.Hex(), amountStr)
	}
	return amount, nil
}

// LogRange implements Store.
func (s *PostgresStore) LogRange(ctx context.Context, after int64, limit int) ([]LogEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT position, timestamp, address, score::text, delta::text
		 FROM ledger_log WHERE position > $1 ORDER BY position ASC LIMIT $2`,
		after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query log: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var (
			e        LogEntry
			addr     string
			scoreStr *string
			deltaStr string
		)
		if err := rows.Scan(&e.Position, &e.Timestamp, &addr, &scoreStr, &deltaStr); err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		e.Address = common.HexToAddress(addr)
		var ok bool
		if e.Delta, ok = new(big.Int).SetString(deltaStr, 10); !ok {
			return nil, fmt.Errorf("corrupt delta at position %d: %q", e.Position, deltaStr)
		}
		if scoreStr != nil {
			if e.Score, ok = new(big.Int).SetString(*scoreStr, 10); !ok {
				return nil, fmt.Errorf("corrupt score at position %d: %q", e.Position, *scoreStr)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// TrimLog implements Store.
func (s *PostgresStore) TrimLog(ctx context.Context, olderThan time.Time, maxEntries int) (int, error) {
	removed := 0

	if !olderThan.IsZero() {
		tag, err := s.pool.Exec(ctx,
			"DELETE FROM ledger_log WHERE timestamp < $1", olderThan)
		if err != nil {
			return removed, fmt.Errorf("trim log by age: %w", err)
		}
		removed += int(tag.RowsAffected())
	}

	if maxEntries > 0 {
		// Delete everything at or before the first position beyond the
		// newest maxEntries rows. Positions are monotonic but not
		// necessarily contiguous after age-based trims.
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM ledger_log WHERE position <= COALESCE((
				SELECT position FROM ledger_log
				ORDER BY position DESC LIMIT 1 OFFSET $1
			), 0)`, maxEntries)
		if err != nil {
			return removed, fmt.Errorf("trim log by count: %w", err)
		}
		removed += int(tag.RowsAffected())
	}

	if removed > 0 {
		s.logger.Debug("ledger log trimmed", zap.Int("removed", removed))
	}
	return removed, nil
}
