package dispatch

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/escrow-dispatch/internal/apperr"
	"github.com/example/escrow-dispatch/internal/escrow"
	"github.com/example/escrow-dispatch/internal/geo"
	"github.com/example/escrow-dispatch/internal/ledger"
	"github.com/example/escrow-dispatch/internal/models"
	"github.com/example/escrow-dispatch/internal/notify"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type capture struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *capture) Notify(ev notify.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *capture) byType(kind string) []notify.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []notify.Event
	for _, ev := range c.events {
		if ev.Type == kind {
			out = append(out, ev)
		}
	}
	return out
}

// fakeEscrow lets tests inject hold failures without a ledger.
type fakeEscrow struct {
	mu       sync.Mutex
	failHold error
	holds    int
	refunds  int
	releases int
}

func (f *fakeEscrow) OpenHold(refID, clientID, providerID string, amount, feeBps int64) (*models.EscrowTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failHold != nil {
		return nil, f.failHold
	}
	f.holds++
	return &models.EscrowTransaction{ID: "tx-" + refID, RefID: refID, Status: models.EscrowPending}, nil
}

func (f *fakeEscrow) Release(txID string, proof *models.Proof) (*models.EscrowTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	return &models.EscrowTransaction{ID: txID, Status: models.EscrowReleased}, nil
}

func (f *fakeEscrow) Refund(txID, reason string) (*models.EscrowTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds++
	return &models.EscrowTransaction{ID: txID, Status: models.EscrowRefunded}, nil
}

func (f *fakeEscrow) Dispute(txID, raiserID, reason, description string, evidence *models.Evidence) (*models.Dispute, error) {
	return &models.Dispute{ID: "d-" + txID, TxID: txID, Status: models.DisputeOpen}, nil
}

func addProvider(g geo.Index, id string, lat, lon float64) {
	g.Upsert(models.Provider{
		ID:        id,
		Status:    models.ProviderOnline,
		Available: true,
		Pos:       &models.Position{Lat: lat, Lon: lon, Timestamp: time.Now()},
	})
}

func newTestService(esc Escrow, notifier notify.Notifier) (*Service, geo.Index) {
	g := geo.NewMemIndex(time.Minute)
	s := NewService(g, esc, NewMemoryStore(), notifier, testLogger(), Pricing{
		BasePrice: 500, PricePerKm: 100, FeeBps: 100,
	}, 2*time.Minute)
	return s, g
}

func TestQuote(t *testing.T) {
	p := Pricing{BasePrice: 500, PricePerKm: 100, FeeBps: 100}
	price, fee, total := p.Quote(5000) // 5 km
	if price != 1000 {
		t.Fatalf("price = %d, want 1000", price)
	}
	if fee != 10 {
		t.Fatalf("fee = %d, want 10", fee)
	}
	if total != 1010 {
		t.Fatalf("total = %d, want 1010", total)
	}
}

func TestCreateRequestOffersNearestProvider(t *testing.T) {
	cap := &capture{}
	s, g := newTestService(&fakeEscrow{}, cap)
	addProvider(g, "far", 1, 1)
	addProvider(g, "near", 0.001, 0.001)

	r, offered, err := s.CreateRequest("client-1", "A", "B", models.Position{}, models.Position{Lat: 0.05}, "")
	if err != nil {
		t.Fatal(err)
	}
	if !offered {
		t.Fatal("expected an offer to go out")
	}
	if r.Status != models.RequestPending {
		t.Fatalf("status = %s, want pending", r.Status)
	}
	offers := cap.byType("transport_offer")
	if len(offers) != 1 || offers[0].RecipientID != "near" {
		t.Fatalf("expected one offer to near, got %v", offers)
	}
}

func TestCreateRequestNoProviderStaysPending(t *testing.T) {
	s, _ := newTestService(&fakeEscrow{}, &capture{})
	r, offered, err := s.CreateRequest("client-1", "A", "B", models.Position{}, models.Position{Lat: 0.05}, "")
	if err != nil {
		t.Fatal(err)
	}
	if offered {
		t.Fatal("no provider means no offer")
	}
	if r.Status != models.RequestPending {
		t.Fatalf("status = %s, want pending", r.Status)
	}
}

func TestConcurrentAcceptExactlyOneWins(t *testing.T) {
	s, g := newTestService(&fakeEscrow{}, &capture{})
	const n = 8
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = "p" + string(rune('0'+i))
		addProvider(g, ids[i], 0.001, 0.001)
	}
	r, _, err := s.CreateRequest("client-1", "A", "B", models.Position{}, models.Position{Lat: 0.05}, "")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(pid string) {
			defer wg.Done()
			if _, err := s.AcceptRequest(r.ID, pid); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(ids[i])
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
	got, _ := s.Get(r.ID)
	if got.Status != models.RequestAccepted || got.ProviderID == "" {
		t.Fatalf("request not cleanly assigned: %+v", got)
	}
	// the winner is claimed, the losers are still dispatchable
	p, _ := g.Get(got.ProviderID)
	if p.Available || p.Status != models.ProviderOnJob {
		t.Fatalf("winner should be on_job, got %+v", p)
	}
}

func TestAcceptRollsBackOnHoldFailure(t *testing.T) {
	esc := &fakeEscrow{failHold: apperr.ErrInsufficientFunds}
	s, g := newTestService(esc, &capture{})
	addProvider(g, "p1", 0.001, 0.001)
	r, _, err := s.CreateRequest("client-1", "A", "B", models.Position{}, models.Position{Lat: 0.05}, "")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.AcceptRequest(r.ID, "p1"); !errors.Is(err, apperr.ErrInsufficientFunds) {
		t.Fatalf("expected hold failure to surface, got %v", err)
	}

	got, _ := s.Get(r.ID)
	if got.Status != models.RequestPending || got.ProviderID != "" {
		t.Fatalf("request should stay pending and unassigned: %+v", got)
	}
	// the compensating free must leave the provider claimable again
	esc.mu.Lock()
	esc.failHold = nil
	esc.mu.Unlock()
	if _, err := s.AcceptRequest(r.ID, "p1"); err != nil {
		t.Fatalf("accept after rollback should succeed: %v", err)
	}
}

func TestAcceptByUnknownProvider(t *testing.T) {
	s, _ := newTestService(&fakeEscrow{}, &capture{})
	r, _, _ := s.CreateRequest("client-1", "A", "B", models.Position{}, models.Position{Lat: 0.05}, "")
	if _, err := s.AcceptRequest(r.ID, "ghost"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

// Full lifecycle against the real escrow engine and ledger.
func TestDeliveryLifecyclePaysProvider(t *testing.T) {
	store := ledger.NewMemoryStore()
	client, _ := store.CreateWallet("client-1", "GNF")
	provider, _ := store.CreateWallet("p1", "GNF")
	platform, _ := store.CreateWallet("platform", "GNF")
	_, _ = store.Credit(client.ID, 10000, models.EntryDeposit, "")

	engine := escrow.NewEngine(store, platform.ID, nil, testLogger())
	g := geo.NewMemIndex(time.Minute)
	s := NewService(g, engine, NewMemoryStore(), &capture{}, testLogger(), Pricing{
		BasePrice: 500, PricePerKm: 100, FeeBps: 100,
	}, 2*time.Minute)
	addProvider(g, "p1", 0.001, 0.001)

	r, _, err := s.CreateRequest("client-1", "A", "B", models.Position{}, models.Position{Lat: 0.05}, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.AcceptRequest(r.ID, "p1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkPickedUp(r.ID, "p1"); err != nil {
		t.Fatal(err)
	}
	got, err := s.MarkDelivered(r.ID, "client-1", &models.Proof{Signature: "ok"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.RequestDelivered {
		t.Fatalf("status = %s", got.Status)
	}

	pb, _ := store.BalanceOf(provider.ID)
	if pb != r.Price {
		t.Fatalf("provider paid %d, want %d", pb, r.Price)
	}
	platB, _ := store.BalanceOf(platform.ID)
	if platB != r.Fee {
		t.Fatalf("platform got %d, want %d", platB, r.Fee)
	}
	cb, _ := store.BalanceOf(client.ID)
	if cb != 10000-r.TotalPrice {
		t.Fatalf("client balance %d, want %d", cb, 10000-r.TotalPrice)
	}
	// provider is back in rotation
	p, _ := g.Get("p1")
	if !p.Available {
		t.Fatal("provider should be freed after delivery")
	}
	// delivered request is archived but still readable
	if _, err := s.Get(r.ID); err != nil {
		t.Fatalf("archived request should remain readable: %v", err)
	}
}

func TestCancelAfterAcceptRefunds(t *testing.T) {
	esc := &fakeEscrow{}
	s, g := newTestService(esc, &capture{})
	addProvider(g, "p1", 0.001, 0.001)
	r, _, _ := s.CreateRequest("client-1", "A", "B", models.Position{}, models.Position{Lat: 0.05}, "")
	if _, err := s.AcceptRequest(r.ID, "p1"); err != nil {
		t.Fatal(err)
	}

	got, err := s.CancelRequest(r.ID, "client-1", "changed plans")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.RequestCancelled {
		t.Fatalf("status = %s", got.Status)
	}
	if esc.refunds != 1 {
		t.Fatalf("refunds = %d, want 1", esc.refunds)
	}
	p, _ := g.Get("p1")
	if !p.Available {
		t.Fatal("provider should be freed on cancel")
	}
	// terminal: a second cancel conflicts
	if _, err := s.CancelRequest(r.ID, "client-1", "again"); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestCancelByStrangerRejected(t *testing.T) {
	s, _ := newTestService(&fakeEscrow{}, &capture{})
	r, _, _ := s.CreateRequest("client-1", "A", "B", models.Position{}, models.Position{Lat: 0.05}, "")
	if _, err := s.CancelRequest(r.ID, "stranger", ""); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSweepExpiresUnmatchedRequests(t *testing.T) {
	cap := &capture{}
	s, _ := newTestService(&fakeEscrow{}, cap)
	r, offered, _ := s.CreateRequest("client-1", "A", "B", models.Position{}, models.Position{Lat: 0.05}, "")
	if offered {
		t.Fatal("no providers registered")
	}

	s.MatchWindow = time.Nanosecond
	time.Sleep(time.Millisecond)
	s.Sweep()

	got, _ := s.Get(r.ID)
	if got.Status != models.RequestCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if evs := cap.byType("no_provider_available"); len(evs) != 1 || evs[0].RecipientID != "client-1" {
		t.Fatalf("expected one no_provider_available to client, got %v", evs)
	}
}

func TestSweepReoffersWithinWindow(t *testing.T) {
	cap := &capture{}
	s, g := newTestService(&fakeEscrow{}, cap)
	r, offered, _ := s.CreateRequest("client-1", "A", "B", models.Position{}, models.Position{Lat: 0.05}, "")
	if offered {
		t.Fatal("no providers yet")
	}

	addProvider(g, "p1", 0.001, 0.001)
	s.Sweep()

	got, _ := s.Get(r.ID)
	if got.Status != models.RequestPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if evs := cap.byType("transport_offer"); len(evs) != 1 || evs[0].RecipientID != "p1" {
		t.Fatalf("expected a re-offer to p1, got %v", evs)
	}
}

func TestOpenDisputeFreezesRequest(t *testing.T) {
	esc := &fakeEscrow{}
	s, g := newTestService(esc, &capture{})
	addProvider(g, "p1", 0.001, 0.001)
	r, _, _ := s.CreateRequest("client-1", "A", "B", models.Position{}, models.Position{Lat: 0.05}, "")
	if _, err := s.AcceptRequest(r.ID, "p1"); err != nil {
		t.Fatal(err)
	}

	// disputes are not allowed before pickup
	if _, err := s.OpenDispute(r.ID, "client-1", "late", "", nil); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict before pickup, got %v", err)
	}

	if _, err := s.MarkPickedUp(r.ID, "p1"); err != nil {
		t.Fatal(err)
	}
	d, err := s.OpenDispute(r.ID, "client-1", "wrong item", "ordered red", nil)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != models.DisputeOpen {
		t.Fatalf("dispute status = %s", d.Status)
	}
	got, _ := s.Get(r.ID)
	if got.Status != models.RequestDisputed {
		t.Fatalf("request status = %s", got.Status)
	}
}
