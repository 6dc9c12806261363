//go:build integration

package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mbd888/fitpool/internal/testutil"
)

func setupTestStore(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func TestPostgres_CreditAndGetBalance(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	addr := "0xaaaa000000000000000000000000000000000001"

	if err := store.Credit(ctx, addr, 10_500_000, "0xabc123", "test deposit"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	bal, err := store.GetBalance(ctx, addr)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if bal.Available != 10_500_000 || bal.TotalIn != 10_500_000 {
		t.Errorf("available=%d totalIn=%d", bal.Available, bal.TotalIn)
	}

	if err := store.Credit(ctx, addr, 1, "0xabc123", "again"); !errors.Is(err, ErrDuplicateReference) {
		t.Errorf("Expected ErrDuplicateReference, got %v", err)
	}
}

func TestPostgres_HoldSettleRelease(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	addr := "0xaaaa000000000000000000000000000000000002"
	_ = store.Credit(ctx, addr, 10_000_000, "dep", "")

	if err := store.Hold(ctx, addr, 20_000_000, "r0"); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("overdraft hold: expected ErrInsufficientBalance, got %v", err)
	}
	if err := store.Hold(ctx, addr, 6_000_000, "r1"); err != nil {
		t.Fatalf("Hold failed: %v", err)
	}
	if err := store.SettleHold(ctx, addr, "pool:C1", 4_000_000, "r1"); err != nil {
		t.Fatalf("SettleHold failed: %v", err)
	}
	if err := store.ReleaseHold(ctx, addr, 2_000_000, "r1"); err != nil {
		t.Fatalf("ReleaseHold failed: %v", err)
	}

	bal, _ := store.GetBalance(ctx, addr)
	if bal.Available != 6_000_000 || bal.Pending != 0 || bal.TotalOut != 4_000_000 {
		t.Errorf("available=%d pending=%d totalOut=%d", bal.Available, bal.Pending, bal.TotalOut)
	}
	poolBal, _ := store.GetBalance(ctx, "pool:C1")
	if poolBal.Available != 4_000_000 {
		t.Errorf("pool available=%d", poolBal.Available)
	}
}

func TestPostgres_TransferDuplicateReference(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	_ = store.Credit(ctx, "pool:C2", 5_000_000, "seed", "")
	winner := "0xaaaa000000000000000000000000000000000003"

	if err := store.Transfer(ctx, "pool:C2", winner, 3_000_000, "challenge_payout:C2:w"); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	if err := store.Transfer(ctx, "pool:C2", winner, 3_000_000, "challenge_payout:C2:w"); !errors.Is(err, ErrDuplicateReference) {
		t.Fatalf("Expected ErrDuplicateReference, got %v", err)
	}

	bal, _ := store.GetBalance(ctx, winner)
	if bal.Available != 3_000_000 {
		t.Errorf("winner available=%d, want 3000000", bal.Available)
	}
}

func TestPostgres_ConcurrentHolds(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	addr := "0xaaaa000000000000000000000000000000000004"
	_ = store.Credit(ctx, addr, 10, "dep", "")

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if store.Hold(ctx, addr, 1, "r") == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if ok != 10 {
		t.Errorf("Expected 10 successful holds, got %d", ok)
	}
}
