package settle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/escrow-dispatch/internal/apperr"
	"github.com/example/escrow-dispatch/internal/ledger"
	"github.com/example/escrow-dispatch/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRail struct {
	fail  error
	calls int
}

func (f *fakeRail) ProcessWithdrawal(ctx context.Context, amount int64, currency string, details Details) (string, error) {
	f.calls++
	if f.fail != nil {
		return "", f.fail
	}
	return "ref-123", nil
}

func newService(t *testing.T, rail Rail, balance int64) (*Service, *ledger.MemoryStore, string, string) {
	t.Helper()
	store := ledger.NewMemoryStore()
	w, err := store.CreateWallet("u1", "GNF")
	if err != nil {
		t.Fatal(err)
	}
	plat, err := store.CreateWallet("platform", "GNF")
	if err != nil {
		t.Fatal(err)
	}
	if balance > 0 {
		if _, err := store.Credit(w.ID, balance, models.EntryDeposit, ""); err != nil {
			t.Fatal(err)
		}
	}
	svc := NewService(store, map[Method]Rail{MethodMobileMoney: rail}, plat.ID, 100, "GNF", nil, testLogger())
	svc.RetryDelay = time.Millisecond
	return svc, store, w.ID, plat.ID
}

func TestWithdrawHappyPath(t *testing.T) {
	rail := &fakeRail{}
	svc, store, wID, platID := newService(t, rail, 2020)

	res, err := svc.Withdraw(context.Background(), wID, 2000, MethodMobileMoney, Details{"phone": "622000000"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Fee != 20 || res.Reference != "ref-123" {
		t.Fatalf("unexpected result: %+v", res)
	}
	b, _ := store.BalanceOf(wID)
	if b != 0 {
		t.Fatalf("balance = %d, want 0", b)
	}
	bp, _ := store.BalanceOf(platID)
	if bp != 20 {
		t.Fatalf("platform fee = %d, want 20", bp)
	}
	if err := store.Reconcile(wID); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
}

func TestWithdrawInsufficientFundsBeforeRail(t *testing.T) {
	rail := &fakeRail{}
	svc, store, wID, _ := newService(t, rail, 100)

	if _, err := svc.Withdraw(context.Background(), wID, 2000, MethodMobileMoney, nil); !errors.Is(err, apperr.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if rail.calls != 0 {
		t.Fatal("rail must not be called when the debit fails")
	}
	b, _ := store.BalanceOf(wID)
	if b != 100 {
		t.Fatalf("balance = %d, want untouched 100", b)
	}
}

func TestWithdrawRailFailureCompensates(t *testing.T) {
	rail := &fakeRail{fail: errors.New("provider timeout")}
	svc, store, wID, platID := newService(t, rail, 2020)

	_, err := svc.Withdraw(context.Background(), wID, 2000, MethodMobileMoney, nil)
	if !errors.Is(err, apperr.ErrExternal) {
		t.Fatalf("expected external error, got %v", err)
	}

	// the reversal credit restored the full debit, fee included
	b, _ := store.BalanceOf(wID)
	if b != 2020 {
		t.Fatalf("balance = %d, want 2020 restored", b)
	}
	bp, _ := store.BalanceOf(platID)
	if bp != 0 {
		t.Fatalf("platform must not keep a fee on failure, got %d", bp)
	}
	if err := store.Reconcile(wID); err != nil {
		t.Fatalf("reconcile after compensation: %v", err)
	}

	// the books show both sides of the story
	entries, _ := store.EntriesOf(wID)
	var failed, reversed bool
	for _, e := range entries {
		if e.Kind == models.EntryWithdrawal && e.Status == models.EntryFailed {
			failed = true
		}
		if e.Kind == models.EntryReversal {
			reversed = true
		}
	}
	if !failed || !reversed {
		t.Fatalf("expected failed withdrawal plus reversal, got %+v", entries)
	}
}

func TestWithdrawUnknownMethod(t *testing.T) {
	svc, _, wID, _ := newService(t, &fakeRail{}, 1000)
	if _, err := svc.Withdraw(context.Background(), wID, 100, Method("wire"), nil); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestWithdrawZeroAmount(t *testing.T) {
	svc, _, wID, _ := newService(t, &fakeRail{}, 1000)
	if _, err := svc.Withdraw(context.Background(), wID, 0, MethodMobileMoney, nil); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
