// Package rewards implements the ledger mutation service: the two authorized
// entry points that change balances (Increase, MarkPaid) and the public read
// operations behind them.
//
// Both mutations follow the same protocol: structural validation, burn
// address removal, signature authorization over the submitted lists, delta
// computation, and one atomic store batch. Failures before the store step
// leave no trace; failures inside it roll the whole batch back.
package rewards

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/statornet/rewards-ledger/internal/accounting"
	"github.com/statornet/rewards-ledger/internal/auth"
	"github.com/statornet/rewards-ledger/internal/ledgerstore"
)

// Service contains the ledger mutation and read logic.
type Service struct {
	store    ledgerstore.Store
	verifier *auth.Verifier
	logger   *zap.Logger
}

// NewService creates a Service over the given store and signer allow-list.
func NewService(store ledgerstore.Store, verifier *auth.Verifier, logger *zap.Logger) *Service {
	return &Service{store: store, verifier: verifier, logger: logger}
}

// Increase converts the submitted scores into scheduled-reward increments
// and applies them. It returns the resulting balances keyed by checksummed
// address.
func (s *Service) Increase(ctx context.Context, participants, scores []string, sig auth.Signature) (map[string]string, error) {
	addrs, values, err := parseRequest(participants, scores)
	if err != nil {
		return nil, err
	}

	addrs, values = accounting.TrimBurn(addrs, values)
	if len(addrs) == 0 {
		return map[string]string{}, nil
	}

	if err := s.authorize(addrs, values, sig); err != nil {
		return nil, err
	}

	deltas := make([]ledgerstore.Delta, len(addrs))
	for i, d := range accounting.ScoresToDeltas(values) {
		deltas[i] = ledgerstore.Delta{Address: addrs[i], Score: values[i], Delta: d}
	}

	updated, err := s.store.ApplyDeltas(ctx, deltas, ledgerstore.ApplyOptions{})
	if err != nil {
		return nil, err
	}

	s.logger.Info("scores applied", zap.Int("participants", len(addrs)))
	return balanceMap(updated), nil
}

// MarkPaid records confirmed on-chain payouts by decrementing balances. The
// store rejects the whole batch if any balance would go negative.
func (s *Service) MarkPaid(ctx context.Context, participants, rewards []string, sig auth.Signature) (map[string]string, error) {
	addrs, values, err := parseRequest(participants, rewards)
	if err != nil {
		return nil, err
	}

	addrs, values = accounting.TrimBurn(addrs, values)
	if len(addrs) == 0 {
		return map[string]string{}, nil
	}

	if err := s.authorize(addrs, values, sig); err != nil {
		return nil, err
	}

	deltas := make([]ledgerstore.Delta, len(addrs))
	for i, d := range accounting.Negate(values) {
		deltas[i] = ledgerstore.Delta{Address: addrs[i], Delta: d}
	}

	updated, err := s.store.ApplyDeltas(ctx, deltas, ledgerstore.ApplyOptions{RejectNegative: true})
	if err != nil {
		return nil, err
	}

	s.logger.Info("payouts recorded", zap.Int("participants", len(addrs)))
	return balanceMap(updated), nil
}

// AllBalances returns every scheduled-reward balance keyed by checksummed
// address.
func (s *Service) AllBalances(ctx context.Context) (map[string]string, error) {
	balances, err := s.store.Balances(ctx)
	if err != nil {
		return nil, err
	}
	return balanceMap(balances), nil
}

// BalanceOf returns one address's balance as a decimal string, "0" when the
// address has never been seen.
func (s *Service) BalanceOf(ctx context.Context, address string) (string, error) {
	if !common.IsHexAddress(address) {
		return "", validationf("%q is not a valid 0x address", address)
	}
	amount, err := s.store.Balance(ctx, common.HexToAddress(address))
	if err != nil {
		return "", err
	}
	return amount.String(), nil
}

// Log returns one page of the balance-change log: up to limit entries with
// positions greater than after, in order.
func (s *Service) Log(ctx context.Context, after int64, limit int) ([]ledgerstore.LogEntry, error) {
	return s.store.LogRange(ctx, after, limit)
}

func (s *Service) authorize(addrs []common.Address, values []*big.Int, sig auth.Signature) error {
	digest := auth.Digest(addrs, values)
	if _, err := s.verifier.Verify(digest, sig); err != nil {
		return &AuthorizationError{Reason: err.Error()}
	}
	return nil
}

// parseRequest validates the two positional lists into addresses and
// positive big integers.
func parseRequest(participants, values []string) ([]common.Address, []*big.Int, error) {
	if len(participants) != len(values) {
		return nil, nil, validationf("participants and values must have the same length (%d != %d)",
			len(participants), len(values))
	}

	addrs := make([]common.Address, len(participants))
	for i, p := range participants {
		if !common.IsHexAddress(p) {
			return nil, nil, validationf("participants[%d]: %q is not a valid 0x address", i, p)
		}
		addrs[i] = common.HexToAddress(p)
	}

	parsed := make([]*big.Int, len(values))
	for i, v := range values {
		amount, err := accounting.ParsePositive(v)
		if err != nil {
			return nil, nil, validationf("values[%d]: %v", i, err)
		}
		parsed[i] = amount
	}
	return addrs, parsed, nil
}

func balanceMap(balances []ledgerstore.Balance) map[string]string {
	out := make(map[string]string, len(balances))
	for _, b := range balances {
		out[b.Address.Hex()] = b.Amount.String()
	}
	return out
}
