package distributor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/statornet/rewards-ledger/internal/auth"
	"github.com/statornet/rewards-ledger/internal/chain"
	"github.com/statornet/rewards-ledger/internal/retry"
	"github.com/statornet/rewards-ledger/pkg/client"
)

// DefaultBatchSize bounds how many transfers ride on one transaction.
const DefaultBatchSize = 1000

// ErrAborted is returned when the operator declines a batch. Nothing has
// been transferred for that batch or any later one.
var ErrAborted = errors.New("payout aborted by operator")

// API is the slice of the ledger SDK the distributor needs.
type API interface {
	ScheduledRewards(ctx context.Context) (map[string]string, error)
	ReportPaid(ctx context.Context, participants, rewards []string, sig client.Signature) (map[string]string, error)
}

// ConfirmFunc asks the operator to approve one batch before any value
// moves. index is zero-based; total is the number of batches in the run.
type ConfirmFunc func(batch []Reward, index, total int) (bool, error)

// Distributor executes a payout run end to end.
type Distributor struct {
	API    API
	Chain  chain.Releaser
	Signer chain.Signer
	Filter *Filter

	// BatchSize defaults to DefaultBatchSize.
	BatchSize int

	// Confirm gates each batch. Nil approves everything, for --yes runs.
	Confirm ConfirmFunc

	// ResumeFrom skips the first n batches. Used after a crash once the
	// logged batch digests confirm those batches were already paid.
	ResumeFrom int

	Logger *zap.Logger
}

// Plan fetches the current balances and returns the filtered, sorted
// rewards that a run would pay out. It performs no mutation.
func (d *Distributor) Plan(ctx context.Context) ([]Reward, error) {
	balances, err := d.API.ScheduledRewards(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch scheduled rewards: %w", err)
	}

	rewards := make([]Reward, 0, len(balances))
	for addr, amount := range balances {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("ledger returned invalid address %q", addr)
		}
		n, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			return nil, fmt.Errorf("ledger returned invalid amount %q for %s", amount, addr)
		}
		if n.Sign() <= 0 {
			continue
		}
		rewards = append(rewards, Reward{Address: common.HexToAddress(addr), Amount: n})
	}
	sortRewards(rewards)

	if d.Filter != nil {
		rewards, err = d.Filter.Apply(ctx, rewards)
		if err != nil {
			return nil, err
		}
	}
	return rewards, nil
}

// Run executes the full payout flow: plan, then per batch confirm, release
// on-chain, await confirmation, and report the transfers back to the
// ledger. Batches are strictly sequential.
func (d *Distributor) Run(ctx context.Context) error {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	rewards, err := d.Plan(ctx)
	if err != nil {
		return err
	}
	if len(rewards) == 0 {
		logger.Info("nothing to pay out")
		return nil
	}

	batchSize := d.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	total := (len(rewards) + batchSize - 1) / batchSize

	for i := 0; i < total; i++ {
		batch := rewards[i*batchSize : min((i+1)*batchSize, len(rewards))]
		if i < d.ResumeFrom {
			logger.Info("skipping already-paid batch",
				zap.Int("batch", i), zap.Int("size", len(batch)))
			continue
		}
		if err := d.payBatch(ctx, batch, i, total, logger); err != nil {
			return fmt.Errorf("batch %d/%d: %w", i+1, total, err)
		}
	}
	logger.Info("payout run complete",
		zap.Int("batches", total), zap.Int("rewards", len(rewards)))
	return nil
}

func (d *Distributor) payBatch(ctx context.Context, batch []Reward, index, total int, logger *zap.Logger) error {
	addrs := make([]common.Address, len(batch))
	amounts := make([]*big.Int, len(batch))
	sum := new(big.Int)
	for i, r := range batch {
		addrs[i] = r.Address
		amounts[i] = r.Amount
		sum.Add(sum, r.Amount)
	}

	// The digest is logged before the transfer so a crashed run can be
	// matched against on-chain transactions and resumed.
	digest := auth.Digest(addrs, amounts)
	logger.Info("batch prepared",
		zap.Int("batch", index),
		zap.Int("total", total),
		zap.Int("size", len(batch)),
		zap.String("sum", sum.String()),
		zap.String("digest", hexutil.Encode(digest)))

	if d.Confirm != nil {
		ok, err := d.Confirm(batch, index, total)
		if err != nil {
			return fmt.Errorf("confirm: %w", err)
		}
		if !ok {
			return ErrAborted
		}
	}

	// Release acquires the signer slot only for the transaction approval;
	// the confirmation wait below runs with the slot free.
	tx, err := d.Chain.Release(ctx, addrs, amounts)
	if err != nil {
		return fmt.Errorf("release on chain: %w", err)
	}
	logger.Info("transfer submitted",
		zap.Int("batch", index), zap.String("tx", tx.Hash().Hex()))
	if err := tx.Wait(ctx); err != nil {
		return fmt.Errorf("await transfer %s: %w", tx.Hash().Hex(), err)
	}
	logger.Info("transfer confirmed",
		zap.Int("batch", index), zap.String("tx", tx.Hash().Hex()))

	sig, err := d.Signer.SignMessage(digest)
	if err != nil {
		return fmt.Errorf("sign mark-paid authorization: %w", err)
	}
	if err := d.reportPaid(ctx, addrs, amounts, sig); err != nil {
		return fmt.Errorf("report paid: %w", err)
	}
	logger.Info("batch marked paid",
		zap.Int("batch", index), zap.String("digest", hexutil.Encode(digest)))
	return nil
}

// reportPaid retries the ledger update until it succeeds or the ledger
// definitively rejects it. The value has already moved on-chain at this
// point, so giving up on a transient failure would desynchronize the
// ledger.
func (d *Distributor) reportPaid(ctx context.Context, addrs []common.Address, amounts []*big.Int, sig auth.Signature) error {
	participants := make([]string, len(addrs))
	rewards := make([]string, len(amounts))
	for i := range addrs {
		participants[i] = addrs[i].Hex()
		rewards[i] = amounts[i].String()
	}
	wireSig := client.Signature{V: sig.V, R: sig.R, S: sig.S}

	return retry.Do(ctx, retry.Policy{Initial: time.Second, Max: time.Minute}, func(ctx context.Context) error {
		_, err := d.API.ReportPaid(ctx, participants, rewards, wireSig)
		if err == nil {
			return nil
		}
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			return retry.Definitive(err)
		}
		return retry.Transient(err)
	})
}

// FormatCSV renders a batch as address,amount lines for operator review.
func FormatCSV(batch []Reward) string {
	var b strings.Builder
	for _, r := range batch {
		b.WriteString(r.Address.Hex())
		b.WriteByte(',')
		b.WriteString(r.Amount.String())
		b.WriteByte('\n')
	}
	return b.String()
}
