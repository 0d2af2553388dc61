package distributor

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

type fakeInFlight map[common.Address]*big.Int

func (f fakeInFlight) RewardsScheduledFor(ctx context.Context, addr common.Address) (*big.Int, error) {
	if v, ok := f[addr]; ok {
		return v, nil
	}
	return big.NewInt(0), nil
}

type fakeScreener struct {
	mu      sync.Mutex
	blocked map[common.Address]bool
	err     error
	checked int
}

func (f *fakeScreener) CheckWithRetry(ctx context.Context, addr common.Address) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked++
	if f.err != nil {
		return false, f.err
	}
	return !f.blocked[addr], nil
}

func TestFilterThreshold(t *testing.T) {
	f := &Filter{MinPayable: big.NewInt(100)}
	got, err := f.Apply(context.Background(), []Reward{
		{Address: addr(1), Amount: big.NewInt(99)},
		{Address: addr(2), Amount: big.NewInt(100)},
		{Address: addr(3), Amount: big.NewInt(250)},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(got) != 2 || got[0].Address != addr(2) || got[1].Address != addr(3) {
		t.Errorf("unexpected result %v", got)
	}
}

func TestFilterThresholdCountsInFlightAmount(t *testing.T) {
	f := &Filter{
		MinPayable: big.NewInt(100),
		InFlight:   fakeInFlight{addr(1): big.NewInt(60)},
	}
	got, err := f.Apply(context.Background(), []Reward{
		{Address: addr(1), Amount: big.NewInt(50)},
		{Address: addr(2), Amount: big.NewInt(50)},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(got) != 1 || got[0].Address != addr(1) {
		t.Errorf("in-flight amount not counted: %v", got)
	}
	// The released amount is still only the ledger balance.
	if got[0].Amount.Cmp(big.NewInt(50)) != 0 {
		t.Errorf("amount mutated to %s", got[0].Amount)
	}
}

func TestFilterScreeningRejects(t *testing.T) {
	screener := &fakeScreener{blocked: map[common.Address]bool{addr(2): true}}
	f := &Filter{MinPayable: big.NewInt(1), Screener: screener}

	got, err := f.Apply(context.Background(), []Reward{
		{Address: addr(1), Amount: big.NewInt(10)},
		{Address: addr(2), Amount: big.NewInt(10)},
		{Address: addr(3), Amount: big.NewInt(10)},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(got) != 2 || got[0].Address != addr(1) || got[1].Address != addr(3) {
		t.Errorf("unexpected result %v", got)
	}
	// Screening only sees what passed the threshold.
	if screener.checked != 3 {
		t.Errorf("checked %d addresses, want 3", screener.checked)
	}
}

func TestFilterScreeningRunsAfterThreshold(t *testing.T) {
	screener := &fakeScreener{}
	f := &Filter{MinPayable: big.NewInt(100), Screener: screener}

	_, err := f.Apply(context.Background(), []Reward{
		{Address: addr(1), Amount: big.NewInt(1)},
		{Address: addr(2), Amount: big.NewInt(200)},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if screener.checked != 1 {
		t.Errorf("screener saw %d addresses, want only the payable one", screener.checked)
	}
}

func TestFilterScreeningErrorAborts(t *testing.T) {
	wantErr := errors.New("context canceled")
	f := &Filter{
		MinPayable: big.NewInt(1),
		Screener:   &fakeScreener{err: wantErr},
	}
	_, err := f.Apply(context.Background(), []Reward{{Address: addr(1), Amount: big.NewInt(10)}})
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v, want wrapped %v", err, wantErr)
	}
}

func TestFilterPreservesOrderUnderConcurrency(t *testing.T) {
	rewards := make([]Reward, 500)
	for i := range rewards {
		rewards[i] = Reward{Address: addr(byte(i % 250)), Amount: big.NewInt(int64(1000 - i))}
	}
	f := &Filter{MinPayable: big.NewInt(1), Screener: &fakeScreener{}, Concurrency: 16}

	got, err := f.Apply(context.Background(), rewards)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(got) != len(rewards) {
		t.Fatalf("got %d rewards, want %d", len(got), len(rewards))
	}
	for i := range got {
		if got[i].Amount.Cmp(rewards[i].Amount) != 0 {
			t.Fatalf("order not preserved at %d", i)
		}
	}
}
