// Package distributor turns ledger balances into confirmed on-chain payout
// batches: it filters out addresses below the payable threshold or blocked
// by sanctions screening, splits the rest into fixed-size batches, releases
// each batch through the reward contract, and reports the transfers back to
// the ledger.
package distributor

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/statornet/rewards-ledger/internal/chain"
)

// Reward pairs an address with its payable amount in atto units.
type Reward struct {
	Address common.Address
	Amount  *big.Int
}

// DefaultMinPayable is 0.1 FIL in atto: transfers below it cost more in
// operator attention than they deliver.
var DefaultMinPayable = new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil)

// DefaultScreeningConcurrency bounds how many screening checks run at once.
const DefaultScreeningConcurrency = 100

// Screener answers whether an address may receive funds. Implementations
// are expected to retry transient failures internally and only return an
// error when the check cannot be completed at all.
type Screener interface {
	CheckWithRetry(ctx context.Context, addr common.Address) (bool, error)
}

// Filter decides which rewards are worth and allowed to pay out.
type Filter struct {
	// MinPayable is the smallest amount released on its own. An address
	// whose balance plus its in-flight on-chain amount reaches the
	// threshold still qualifies. Defaults to DefaultMinPayable.
	MinPayable *big.Int

	// InFlight reports the amount already scheduled on-chain for an
	// address. Nil means only the ledger balance counts.
	InFlight chain.InFlightReader

	// Screener rejects sanctioned addresses. Nil skips screening.
	Screener Screener

	// Concurrency bounds parallel screening checks. Defaults to
	// DefaultScreeningConcurrency.
	Concurrency int

	Logger *zap.Logger
}

// Apply returns the subset of rewards that pass the threshold and the
// screening policy, in the input order. The threshold runs first so the
// screening service only sees addresses that would actually be paid.
func (f *Filter) Apply(ctx context.Context, rewards []Reward) ([]Reward, error) {
	logger := f.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	payable, err := f.aboveThreshold(ctx, rewards, logger)
	if err != nil {
		return nil, err
	}
	if f.Screener == nil {
		return payable, nil
	}
	return f.screen(ctx, payable, logger)
}

func (f *Filter) aboveThreshold(ctx context.Context, rewards []Reward, logger *zap.Logger) ([]Reward, error) {
	min := f.MinPayable
	if min == nil {
		min = DefaultMinPayable
	}

	payable := make([]Reward, 0, len(rewards))
	for _, r := range rewards {
		total := new(big.Int).Set(r.Amount)
		if f.InFlight != nil {
			inFlight, err := f.InFlight.RewardsScheduledFor(ctx, r.Address)
			if err != nil {
				return nil, fmt.Errorf("query in-flight rewards for %s: %w", r.Address.Hex(), err)
			}
			total.Add(total, inFlight)
		}
		if total.Cmp(min) >= 0 {
			payable = append(payable, r)
		}
	}
	logger.Info("threshold filter applied",
		zap.Int("input", len(rewards)),
		zap.Int("payable", len(payable)),
		zap.String("minPayable", min.String()))
	return payable, nil
}

// screen checks each address with bounded concurrency, preserving input
// order in the result.
func (f *Filter) screen(ctx context.Context, rewards []Reward, logger *zap.Logger) ([]Reward, error) {
	concurrency := f.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultScreeningConcurrency
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	allowed := make([]bool, len(rewards))
	sem := make(chan struct{}, concurrency)
	var (
		wg       sync.WaitGroup
		done     atomic.Int64
		errOnce  sync.Once
		firstErr error
	)

	for i, r := range rewards {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return nil, ctx.Err()
		}
		wg.Add(1)
		go func(i int, r Reward) {
			defer wg.Done()
			defer func() { <-sem }()

			ok, err := f.Screener.CheckWithRetry(ctx, r.Address)
			if err != nil {
				errOnce.Do(func() {
					firstErr = fmt.Errorf("screen %s: %w", r.Address.Hex(), err)
					cancel()
				})
				return
			}
			allowed[i] = ok
			if !ok {
				logger.Warn("address rejected by screening", zap.String("address", r.Address.Hex()))
			}
			if n := done.Add(1); n%100 == 0 {
				logger.Info("screening progress", zap.Int64("checked", n), zap.Int("total", len(rewards)))
			}
		}(i, r)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	out := make([]Reward, 0, len(rewards))
	for i, r := range rewards {
		if allowed[i] {
			out = append(out, r)
		}
	}
	logger.Info("screening complete",
		zap.Int("checked", len(rewards)),
		zap.Int("cleared", len(out)))
	return out, nil
}

// sortRewards orders by amount descending, address ascending on ties, so
// batch composition is deterministic for a given snapshot.
func sortRewards(rewards []Reward) {
	sort.Slice(rewards, func(i, j int) bool {
		if c := rewards[i].Amount.Cmp(rewards[j].Amount); c != 0 {
			return c > 0
		}
		return rewards[i].Address.Cmp(rewards[j].Address) < 0
	})
}
