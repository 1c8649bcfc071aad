package escrow

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/escrow-dispatch/internal/apperr"
	"github.com/example/escrow-dispatch/internal/ledger"
	"github.com/example/escrow-dispatch/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store    *ledger.MemoryStore
	engine   *Engine
	client   *models.Wallet
	provider *models.Wallet
	platform *models.Wallet
}

func newFixture(t *testing.T, clientBalance int64) *fixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	client, err := store.CreateWallet("client-1", "GNF")
	if err != nil {
		t.Fatal(err)
	}
	provider, err := store.CreateWallet("provider-1", "GNF")
	if err != nil {
		t.Fatal(err)
	}
	platform, err := store.CreateWallet("platform", "GNF")
	if err != nil {
		t.Fatal(err)
	}
	if clientBalance > 0 {
		if _, err := store.Credit(client.ID, clientBalance, models.EntryDeposit, ""); err != nil {
			t.Fatal(err)
		}
	}
	return &fixture{
		store:    store,
		engine:   NewEngine(store, platform.ID, nil, testLogger()),
		client:   client,
		provider: provider,
		platform: platform,
	}
}

func (f *fixture) balance(t *testing.T, walletID string) int64 {
	t.Helper()
	b, err := f.store.BalanceOf(walletID)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestOpenHoldDebitsTotal(t *testing.T) {
	f := newFixture(t, 2000)
	tx, err := f.engine.OpenHold("req-1", "client-1", "provider-1", 1000, 100)
	if err != nil {
		t.Fatal(err)
	}
	if tx.FeeAmount != 10 || tx.TotalAmount != 1010 {
		t.Fatalf("fee=%d total=%d, want 10/1010", tx.FeeAmount, tx.TotalAmount)
	}
	if got := f.balance(t, f.client.ID); got != 990 {
		t.Fatalf("client balance = %d, want 990", got)
	}
	if tx.Status != models.EscrowPending {
		t.Fatalf("status = %s, want pending", tx.Status)
	}
}

func TestOpenHoldDuplicateRef(t *testing.T) {
	f := newFixture(t, 5000)
	if _, err := f.engine.OpenHold("req-1", "client-1", "provider-1", 1000, 100); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.OpenHold("req-1", "client-1", "provider-1", 1000, 100); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestOpenHoldInsufficientFundsLeavesNoHold(t *testing.T) {
	f := newFixture(t, 500)
	if _, err := f.engine.OpenHold("req-1", "client-1", "provider-1", 1000, 100); !errors.Is(err, apperr.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	// the failed hold must not block a retry after topping up
	if _, err := f.store.Credit(f.client.ID, 1000, models.EntryDeposit, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.OpenHold("req-1", "client-1", "provider-1", 1000, 100); err != nil {
		t.Fatalf("retry after funding should succeed: %v", err)
	}
}

func TestReleaseSplitsPrincipalAndFee(t *testing.T) {
	f := newFixture(t, 2000)
	tx, err := f.engine.OpenHold("req-1", "client-1", "provider-1", 1000, 100)
	if err != nil {
		t.Fatal(err)
	}
	out, err := f.engine.Release(tx.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != models.EscrowReleased {
		t.Fatalf("status = %s", out.Status)
	}
	if got := f.balance(t, f.provider.ID); got != 1000 {
		t.Fatalf("provider balance = %d, want 1000", got)
	}
	if got := f.balance(t, f.platform.ID); got != 10 {
		t.Fatalf("platform balance = %d, want 10", got)
	}
	// round trip: client paid exactly amount + fee
	if got := f.balance(t, f.client.ID); got != 990 {
		t.Fatalf("client balance = %d, want 990", got)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	f := newFixture(t, 2000)
	tx, _ := f.engine.OpenHold("req-1", "client-1", "provider-1", 1000, 100)
	if _, err := f.engine.Release(tx.ID, nil); err != nil {
		t.Fatal(err)
	}
	// a retried release must not pay the provider twice
	if _, err := f.engine.Release(tx.ID, nil); err != nil {
		t.Fatalf("retried release should be a no-op success: %v", err)
	}
	if got := f.balance(t, f.provider.ID); got != 1000 {
		t.Fatalf("provider balance = %d after double release, want 1000", got)
	}
}

func TestRefundReturnsTotal(t *testing.T) {
	f := newFixture(t, 2000)
	tx, _ := f.engine.OpenHold("req-1", "client-1", "provider-1", 1000, 100)
	out, err := f.engine.Refund(tx.ID, "client cancelled")
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != models.EscrowRefunded {
		t.Fatalf("status = %s", out.Status)
	}
	if got := f.balance(t, f.client.ID); got != 2000 {
		t.Fatalf("client balance = %d, want full 2000 back", got)
	}
	if got := f.balance(t, f.provider.ID); got != 0 {
		t.Fatalf("provider balance = %d, want 0", got)
	}
}

func TestReleaseAfterRefundConflicts(t *testing.T) {
	f := newFixture(t, 2000)
	tx, _ := f.engine.OpenHold("req-1", "client-1", "provider-1", 1000, 100)
	if _, err := f.engine.Refund(tx.ID, "cancelled"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Release(tx.ID, nil); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := f.engine.Refund(tx.ID, "again"); err != nil {
		t.Fatalf("retried refund should be a no-op success: %v", err)
	}
	if got := f.balance(t, f.client.ID); got != 2000 {
		t.Fatalf("client balance = %d after retried refund, want 2000", got)
	}
}

func TestDisputeFreezesTransaction(t *testing.T) {
	f := newFixture(t, 2000)
	tx, _ := f.engine.OpenHold("req-1", "client-1", "provider-1", 1000, 100)

	if _, err := f.engine.Dispute(tx.ID, "stranger", "bad", "", nil); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("non-party dispute should be rejected, got %v", err)
	}

	d, err := f.engine.Dispute(tx.ID, "client-1", "item damaged", "box crushed", nil)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != models.DisputeOpen {
		t.Fatalf("dispute status = %s", d.Status)
	}

	// neither party can move the money while disputed
	if _, err := f.engine.Release(tx.ID, nil); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("release of disputed should conflict, got %v", err)
	}
	if _, err := f.engine.Refund(tx.ID, "x"); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("refund of disputed should conflict, got %v", err)
	}
}

func TestResolveDisputeRefund(t *testing.T) {
	f := newFixture(t, 2000)
	tx, _ := f.engine.OpenHold("req-1", "client-1", "provider-1", 1000, 100)
	d, err := f.engine.Dispute(tx.ID, "client-1", "no show", "", nil)
	if err != nil {
		t.Fatal(err)
	}

	out, err := f.engine.Resolve(d.ID, models.ActionRefund, "provider never arrived")
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != models.DisputeResolved {
		t.Fatalf("dispute status = %s", out.Status)
	}
	if got := f.balance(t, f.client.ID); got != 2000 {
		t.Fatalf("client balance = %d, want 2000", got)
	}
	tx2, _ := f.engine.Get(tx.ID)
	if tx2.Status != models.EscrowRefunded {
		t.Fatalf("tx status = %s", tx2.Status)
	}

	// a second resolution must conflict
	if _, err := f.engine.Resolve(d.ID, models.ActionRelease, "changed my mind"); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestResolveDisputeRelease(t *testing.T) {
	f := newFixture(t, 2000)
	tx, _ := f.engine.OpenHold("req-1", "client-1", "provider-1", 1000, 100)
	d, _ := f.engine.Dispute(tx.ID, "provider-1", "delivered fine", "", nil)
	if _, err := f.engine.Disputes().Investigate(d.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Resolve(d.ID, models.ActionRelease, "proof checks out"); err != nil {
		t.Fatal(err)
	}
	if got := f.balance(t, f.provider.ID); got != 1000 {
		t.Fatalf("provider balance = %d, want 1000", got)
	}
}

func TestConcurrentHoldsNeverOverspend(t *testing.T) {
	// client has funds for exactly 3 of 10 attempted holds
	f := newFixture(t, 3030)
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		ref := "req-" + string(rune('a'+i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.engine.OpenHold(ref, "client-1", "provider-1", 1000, 100); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if succeeded != 3 {
		t.Fatalf("expected exactly 3 holds, got %d", succeeded)
	}
	if got := f.balance(t, f.client.ID); got != 0 {
		t.Fatalf("client balance = %d, want 0", got)
	}
}

// flakyFeeStore fails credits to one wallet a fixed number of times, then
// passes everything through.
type flakyFeeStore struct {
	ledger.Store
	targetID string
	failures int
}

func (s *flakyFeeStore) Credit(walletID string, amount int64, kind models.EntryKind, refID string) (*models.LedgerEntry, error) {
	if walletID == s.targetID && s.failures > 0 {
		s.failures--
		return nil, apperr.Internal(errors.New("ledger briefly unavailable"))
	}
	return s.Store.Credit(walletID, amount, kind, refID)
}

func TestReleaseRetriesPlatformFeeCredit(t *testing.T) {
	f := newFixture(t, 2000)
	flaky := &flakyFeeStore{Store: f.store, targetID: f.platform.ID, failures: 2}
	f.engine.Ledger = flaky
	f.engine.RetryDelay = time.Millisecond

	tx, err := f.engine.OpenHold("req-1", "client-1", "provider-1", 1000, 100)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Release(tx.ID, nil); err != nil {
		t.Fatal(err)
	}
	if got := f.balance(t, f.provider.ID); got != 1000 {
		t.Fatalf("provider balance = %d, want 1000", got)
	}
	if got := f.balance(t, f.platform.ID); got != tx.FeeAmount {
		t.Fatalf("platform balance = %d, want %d", got, tx.FeeAmount)
	}
	if flaky.failures != 0 {
		t.Fatalf("injected failures left: %d", flaky.failures)
	}
}
