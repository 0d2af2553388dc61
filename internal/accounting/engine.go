// Package accounting converts participant performance scores into scheduled
// reward deltas.
//
// All arithmetic is done on arbitrary-precision integers: amounts are
// monetary values in the chain's smallest unit and must never pass through
// floating point. A participant's delta for a round is
//
//	delta = score * RoundReward / MaxScore
//
// with floor division, so the sum of all deltas never exceeds RoundReward
// for a round whose scores sum to MaxScore.
package accounting

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// RoundReward is the total reward scheduled for one evaluation round,
	// in the chain's smallest unit.
	RoundReward = big.NewInt(456_621_004_566_210_048)

	// MaxScore is the divisor a round's scores are normalised against.
	MaxScore = big.NewInt(1_000_000_000_000_000)
)

// BurnAddress is the well-known address participants use to discard rewards.
// It is silently excluded from every mutation before deltas are computed.
var BurnAddress = common.HexToAddress("0x000000000000000000000000000000000000dEaD")

// ErrInvalidScore is returned when a score or reward value is not a positive
// integer encoded as a decimal string.
var ErrInvalidScore = errors.New("value must be a positive integer encoded as a decimal string")

// ParsePositive parses s as a positive (non-zero) base-10 big integer.
func ParsePositive(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScore, s)
	}
	if v.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScore, s)
	}
	return v, nil
}

// ScoresToDeltas converts a batch of scores into scheduled reward deltas.
// Inputs are not mutated.
func ScoresToDeltas(scores []*big.Int) []*big.Int {
	deltas := make([]*big.Int, len(scores))
	for i, score := range scores {
		d := new(big.Int).Mul(score, RoundReward)
		d.Quo(d, MaxScore)
		deltas[i] = d
	}
	return deltas
}

// Negate returns the element-wise negation of values, for the payout path
// where rewards are applied as decrements. Inputs are not mutated.
func Negate(values []*big.Int) []*big.Int {
	out := make([]*big.Int, len(values))
	for i, v := range values {
		out[i] = new(big.Int).Neg(v)
	}
	return out
}

// TrimBurn removes every occurrence of BurnAddress, and its paired value,
// from the given lists. The returned slices alias the inputs when no burn
// entry is present.
func TrimBurn(participants []common.Address, values []*big.Int) ([]common.Address, []*big.Int) {
	found := false
	for _, p := range participants {
		if p == BurnAddress {
			found = true
			break
		}
	}
	if !found {
		return participants, values
	}

	outAddrs := make([]common.Address, 0, len(participants)-1)
	outVals := make([]*big.Int, 0, len(values)-1)
	for i, p := range participants {
		if p == BurnAddress {
			continue
		}
		outAddrs = append(outAddrs, p)
		outVals = append(outVals, values[i])
	}
	return outAddrs, outVals
}
