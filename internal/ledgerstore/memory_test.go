package ledgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	addrA = common.HexToAddress("0x1111111111111111111111111111111111111111")
	addrB = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func TestApplyDeltas_createsAndAccumulates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	updated, err := s.ApplyDeltas(ctx, []Delta{
		{Address: addrA, Score: big.NewInt(10), Delta: big.NewInt(4566)},
		{Address: addrB, Score: big.NewInt(100), Delta: big.NewInt(45662)},
	}, ApplyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if updated[0].Amount.String() != "4566" || updated[1].Amount.String() != "45662" {
		t.Errorf("unexpected balances: %v %v", updated[0].Amount, updated[1].Amount)
	}

	updated, err = s.ApplyDeltas(ctx, []Delta{
		{Address: addrA, Score: big.NewInt(10), Delta: big.NewInt(4566)},
	}, ApplyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if updated[0].Amount.String() != "9132" {
		t.Errorf("expected accumulated balance 9132, got %s", updated[0].Amount)
	}
}

func TestApplyDeltas_duplicateAddressInBatchAccumulates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	// One batch naming addrA twice must apply both deltas, not let the
	// second read overwrite the first.
	updated, err := s.ApplyDeltas(ctx, []Delta{
		{Address: addrA, Score: big.NewInt(10), Delta: big.NewInt(4566)},
		{Address: addrB, Score: big.NewInt(100), Delta: big.NewInt(45662)},
		{Address: addrA, Score: big.NewInt(10), Delta: big.NewInt(4566)},
	}, ApplyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if updated[2].Amount.String() != "9132" {
		t.Errorf("expected final balance 9132 for duplicated address, got %s", updated[2].Amount)
	}

	a, _ := s.Balance(ctx, addrA)
	if a.String() != "9132" {
		t.Errorf("stored balance %s, want 9132", a)
	}
	entries, _ := s.LogRange(ctx, 0, 0)
	if len(entries) != 3 {
		t.Errorf("expected one log entry per delta, got %d", len(entries))
	}

	// A full payout split across two entries for the same address must
	// drain the balance to zero, and no further.
	updated, err = s.ApplyDeltas(ctx, []Delta{
		{Address: addrA, Delta: big.NewInt(-4566)},
		{Address: addrA, Delta: big.NewInt(-4566)},
	}, ApplyOptions{RejectNegative: true})
	if err != nil {
		t.Fatal(err)
	}
	if updated[1].Amount.Sign() != 0 {
		t.Errorf("expected drained balance, got %s", updated[1].Amount)
	}

	_, err = s.ApplyDeltas(ctx, []Delta{
		{Address: addrA, Delta: big.NewInt(-1)},
	}, ApplyOptions{RejectNegative: true})
	var nbe *NegativeBalanceError
	if !errors.As(err, &nbe) {
		t.Fatalf("expected NegativeBalanceError after full payout, got %v", err)
	}
}

func TestApplyDeltas_duplicateOverdrawInBatchRejected(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.ApplyDeltas(ctx, []Delta{
		{Address: addrA, Score: big.NewInt(20), Delta: big.NewInt(9132)},
	}, ApplyOptions{}); err != nil {
		t.Fatal(err)
	}

	// Each entry alone is payable; together they overdraw.
	_, err := s.ApplyDeltas(ctx, []Delta{
		{Address: addrA, Delta: big.NewInt(-9132)},
		{Address: addrA, Delta: big.NewInt(-9132)},
	}, ApplyOptions{RejectNegative: true})
	var nbe *NegativeBalanceError
	if !errors.As(err, &nbe) {
		t.Fatalf("expected NegativeBalanceError, got %v", err)
	}

	a, _ := s.Balance(ctx, addrA)
	if a.String() != "9132" {
		t.Errorf("balance changed despite rollback: %s", a)
	}
}

func TestApplyDeltas_rejectNegativeRollsBackBatch(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.ApplyDeltas(ctx, []Delta{
		{Address: addrA, Score: big.NewInt(20), Delta: big.NewInt(9132)},
		{Address: addrB, Score: big.NewInt(100), Delta: big.NewInt(45662)},
	}, ApplyOptions{}); err != nil {
		t.Fatal(err)
	}

	// addrA can be fully paid out, but addrB is overdrawn; nothing from the
	// batch may land.
	_, err := s.ApplyDeltas(ctx, []Delta{
		{Address: addrA, Delta: big.NewInt(-9132)},
		{Address: addrB, Delta: big.NewInt(-45663)},
	}, ApplyOptions{RejectNegative: true})

	var nbe *NegativeBalanceError
	if !errors.As(err, &nbe) {
		t.Fatalf("expected NegativeBalanceError, got %v", err)
	}
	if nbe.Address != addrB {
		t.Errorf("error names %s, want %s", nbe.Address.Hex(), addrB.Hex())
	}

	a, _ := s.Balance(ctx, addrA)
	b, _ := s.Balance(ctx, addrB)
	if a.String() != "9132" || b.String() != "45662" {
		t.Errorf("balances changed despite rollback: %s %s", a, b)
	}

	entries, _ := s.LogRange(ctx, 0, 0)
	if len(entries) != 2 {
		t.Errorf("rejected batch appended log entries: %d total", len(entries))
	}
}

func TestApplyDeltas_payoutToZeroThenOverdraw(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.ApplyDeltas(ctx, []Delta{
		{Address: addrA, Score: big.NewInt(20), Delta: big.NewInt(9132)},
	}, ApplyOptions{}); err != nil {
		t.Fatal(err)
	}

	updated, err := s.ApplyDeltas(ctx, []Delta{
		{Address: addrA, Delta: big.NewInt(-9132)},
	}, ApplyOptions{RejectNegative: true})
	if err != nil {
		t.Fatal(err)
	}
	if updated[0].Amount.Sign() != 0 {
		t.Errorf("expected zero balance, got %s", updated[0].Amount)
	}

	_, err = s.ApplyDeltas(ctx, []Delta{
		{Address: addrA, Delta: big.NewInt(-1)},
	}, ApplyOptions{RejectNegative: true})
	var nbe *NegativeBalanceError
	if !errors.As(err, &nbe) {
		t.Errorf("expected NegativeBalanceError on overdraw, got %v", err)
	}
}

func TestBalance_unknownAddressIsZero(t *testing.T) {
	s := NewMemoryStore()
	amount, err := s.Balance(context.Background(), addrA)
	if err != nil {
		t.Fatal(err)
	}
	if amount.Sign() != 0 {
		t.Errorf("expected 0, got %s", amount)
	}
}

func TestLogRange_orderAndPaging(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if _, err := s.ApplyDeltas(ctx, []Delta{
			{Address: addrA, Score: big.NewInt(int64(i)), Delta: big.NewInt(int64(i * 100))},
		}, ApplyOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.LogRange(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(all))
	}
	for i, e := range all {
		if e.Position != int64(i+1) {
			t.Errorf("entry %d has position %d", i, e.Position)
		}
	}

	page, err := s.LogRange(ctx, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].Position != 3 || page[1].Position != 4 {
		t.Errorf("unexpected page after=2 limit=2: %+v", page)
	}
}

func TestTrimLog_byCountAndAge(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := s.ApplyDeltas(ctx, []Delta{
			{Address: addrA, Score: big.NewInt(1), Delta: big.NewInt(1)},
		}, ApplyOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := s.TrimLog(ctx, time.Time{}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}

	entries, _ := s.LogRange(ctx, 0, 0)
	if len(entries) != 2 || entries[0].Position != 3 {
		t.Errorf("unexpected entries after trim: %+v", entries)
	}

	// Everything is younger than one hour ago; an age trim removes nothing.
	removed, err = s.TrimLog(ctx, time.Now().Add(-time.Hour), 0)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 0 {
		t.Errorf("age trim removed recent entries: %d", removed)
	}

	// A future cutoff removes the rest.
	removed, err = s.TrimLog(ctx, time.Now().Add(time.Hour), 0)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Errorf("expected 2 removed by age, got %d", removed)
	}
}

func TestApplyDeltas_concurrentWritersKeepSumConsistent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ApplyDeltas(ctx, []Delta{
				{Address: addrA, Score: big.NewInt(1), Delta: big.NewInt(7)},
			}, ApplyOptions{})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	amount, _ := s.Balance(ctx, addrA)
	if amount.Int64() != 140 {
		t.Errorf("expected 140, got %s", amount)
	}
	entries, _ := s.LogRange(ctx, 0, 0)
	if len(entries) != 20 {
		t.Errorf("expected 20 log entries, got %d", len(entries))
	}
}

func TestLogEntry_jsonShape(t *testing.T) {
	e := LogEntry{
		Position:  3,
		Timestamp: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
		Address:   addrA,
		Score:     big.NewInt(10),
		Delta:     big.NewInt(4566),
	}
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	body := string(data)
	if !strings.Contains(body, `"scheduledRewardsDelta":"4566"`) {
		t.Errorf("delta not serialised as string: %s", body)
	}
	if !strings.Contains(body, `"score":"10"`) {
		t.Errorf("score not serialised as string: %s", body)
	}

	// Payout entries omit score entirely.
	e.Score = nil
	data, _ = json.Marshal(e)
	if strings.Contains(string(data), "score") {
		t.Errorf("nil score must be omitted: %s", data)
	}

	var back LogEntry
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Position != 3 || back.Address != addrA || back.Delta.Int64() != 4566 {
		t.Errorf("round trip mismatch: %+v", back)
	}
}
