// Package dispatch orchestrates the request lifecycle: pricing, matching a
// pending request to the nearest provider, the accept race, and handing the
// money side to the escrow engine.
package dispatch

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/example/escrow-dispatch/internal/apperr"
	"github.com/example/escrow-dispatch/internal/eta"
	"github.com/example/escrow-dispatch/internal/geo"
	"github.com/example/escrow-dispatch/internal/geocode"
	"github.com/example/escrow-dispatch/internal/ledger"
	"github.com/example/escrow-dispatch/internal/models"
	"github.com/example/escrow-dispatch/internal/notify"
	"github.com/example/escrow-dispatch/internal/observability"
)

// Escrow is the slice of the escrow engine the dispatcher drives.
type Escrow interface {
	OpenHold(refID, clientID, providerID string, amount, feeBps int64) (*models.EscrowTransaction, error)
	Release(txID string, proof *models.Proof) (*models.EscrowTransaction, error)
	Refund(txID, reason string) (*models.EscrowTransaction, error)
	Dispute(txID, raiserID, reason, description string, evidence *models.Evidence) (*models.Dispute, error)
}

// Pricing holds the fare parameters: total = base + perKm * km (rounded),
// plus a percentage fee in basis points.
type Pricing struct {
	BasePrice  int64
	PricePerKm int64
	FeeBps     int64
}

// Quote prices a distance in meters.
func (p Pricing) Quote(distanceMeters float64) (price, fee, total int64) {
	price = p.BasePrice + int64(math.Round(distanceMeters/1000*float64(p.PricePerKm)))
	fee = ledger.FeeFor(price, p.FeeBps)
	return price, fee, price + fee
}

// Service is the dispatcher. All request state transitions are linearized
// under a per-request lock; provider claim/free goes through the geo index so
// two concurrent requests can never hold the same provider.
type Service struct {
	Geo         geo.Index
	Escrow      Escrow
	Store       RequestStore
	Notifier    notify.Notifier
	Logger      *slog.Logger
	Pricing     Pricing
	MatchWindow time.Duration
	ETAClient   eta.Client        // optional routing engine
	ETACache    *eta.Cache        // optional ETA cache
	Geocoder    geocode.Geocoder  // optional address fallback
	SpeedMps    float64

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewService(g geo.Index, esc Escrow, store RequestStore, notifier notify.Notifier, logger *slog.Logger, pricing Pricing, matchWindow time.Duration) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{
		Geo: g, Escrow: esc, Store: store, Notifier: notifier, Logger: logger,
		Pricing: pricing, MatchWindow: matchWindow, SpeedMps: 8,
		locks: make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex serializing transitions of one request.
func (s *Service) lockFor(requestID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[requestID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[requestID] = l
	}
	return l
}

func (s *Service) dropLock(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, requestID)
}

// CreateRequest prices the trip, persists the request in pending and offers
// it to the nearest dispatchable provider. It never auto-assigns: the offer
// goes to exactly one provider, who has to accept. The returned bool reports
// whether an offer went out; false is a legitimate pending state, not an
// error.
func (s *Service) CreateRequest(clientID, pickupAddr, dropoffAddr string, pickup, dropoff models.Position, notes string) (*models.Request, bool, error) {
	if clientID == "" {
		return nil, false, apperr.Validation("client id required")
	}
	pickup = s.resolve(pickup, pickupAddr)
	dropoff = s.resolve(dropoff, dropoffAddr)
	dist := geo.Haversine(pickup.Lat, pickup.Lon, dropoff.Lat, dropoff.Lon)
	price, fee, total := s.Pricing.Quote(dist)
	now := time.Now()
	r := &models.Request{
		ID:             models.NewID(),
		ClientID:       clientID,
		PickupAddr:     pickupAddr,
		DropoffAddr:    dropoffAddr,
		Pickup:         pickup,
		Dropoff:        dropoff,
		DistanceMeters: dist,
		Price:          price,
		Fee:            fee,
		TotalPrice:     total,
		Status:         models.RequestPending,
		Notes:          notes,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.Store.Save(r); err != nil {
		return nil, false, err
	}
	offered := s.offer(r)
	out := *r
	return &out, offered, nil
}

// resolve fills in a missing position from its address when a geocoder is
// wired. Callers that send coordinates keep them untouched.
func (s *Service) resolve(pos models.Position, addr string) models.Position {
	if pos.Lat != 0 || pos.Lon != 0 || s.Geocoder == nil || addr == "" {
		return pos
	}
	if p, ok := s.Geocoder.Resolve(addr); ok {
		return p
	}
	return pos
}

// offer finds the nearest provider and pushes the job to it. Best-effort.
func (s *Service) offer(r *models.Request) bool {
	start := time.Now()
	p, ok := s.Geo.Nearest(r.Pickup, geo.Filter{})
	observability.DispatchLatency.Observe(time.Since(start).Seconds())
	if !ok {
		observability.NoProviderTotal.Inc()
		return false
	}
	etaSec := s.estimate(p, r.Pickup)
	s.Notifier.Notify(notify.Event{
		RecipientID: p.ID,
		Type:        "transport_offer",
		Message:     "new job near you",
		Data: map[string]any{
			"request_id": r.ID, "pickup_addr": r.PickupAddr, "dropoff_addr": r.DropoffAddr,
			"price": r.Price, "total_price": r.TotalPrice, "eta_seconds": etaSec,
		},
	})
	return true
}

func (s *Service) estimate(p models.Provider, pickup models.Position) float64 {
	if p.Pos == nil {
		return 0
	}
	if s.ETACache != nil {
		if v, ok := s.ETACache.Get(*p.Pos, pickup); ok {
			return v
		}
	}
	if s.ETAClient != nil {
		if v, err := s.ETAClient.EstimateSeconds(*p.Pos, pickup); err == nil {
			if s.ETACache != nil {
				s.ETACache.Set(*p.Pos, pickup, v)
			}
			return v
		}
	}
	return eta.EstimateSeconds(*p.Pos, pickup, s.SpeedMps)
}

// AcceptRequest claims the request for one provider. Exactly one concurrent
// accept wins; everyone else gets a conflict. A ledger failure while opening
// the hold rolls the provider and the request back instead of leaving a
// half-assigned state.
func (s *Service) AcceptRequest(requestID, providerID string) (*models.Request, error) {
	l := s.lockFor(requestID)
	l.Lock()
	defer l.Unlock()

	r, err := s.Store.Get(requestID)
	if err != nil {
		return nil, err
	}
	if r.Status != models.RequestPending || r.ProviderID != "" {
		return nil, apperr.Conflict("request %s already accepted by another provider", requestID)
	}

	if err := s.Geo.Claim(providerID); err != nil {
		return nil, err
	}

	tx, err := s.Escrow.OpenHold(r.ID, r.ClientID, providerID, r.Price, s.Pricing.FeeBps)
	if err != nil {
		// compensate: free the provider, leave the request pending
		s.Geo.Free(providerID)
		return nil, err
	}

	now := time.Now()
	r.Status = models.RequestAccepted
	r.ProviderID = providerID
	r.EscrowTxID = tx.ID
	r.AcceptedAt = now
	r.UpdatedAt = now
	if err := s.Store.Update(r); err != nil {
		// the hold exists; refund it and revert the claim
		if _, rerr := s.Escrow.Refund(tx.ID, "accept persistence failed"); rerr != nil {
			s.Logger.Error("compensating refund failed, escalate to operator", "tx_id", tx.ID, "error", rerr)
		}
		s.Geo.Free(providerID)
		return nil, err
	}

	observability.DispatchesTotal.Inc()
	s.Notifier.Notify(notify.Event{
		RecipientID: r.ClientID, Type: "transport_accepted", Message: "provider on the way",
		Data: map[string]any{"request_id": r.ID, "provider_id": providerID},
	})
	return r, nil
}

// MarkPickedUp is valid only for the assigned provider.
func (s *Service) MarkPickedUp(requestID, actorID string) (*models.Request, error) {
	l := s.lockFor(requestID)
	l.Lock()
	defer l.Unlock()

	r, err := s.Store.Get(requestID)
	if err != nil {
		return nil, err
	}
	if actorID != r.ProviderID {
		return nil, apperr.Validation("only the assigned provider can mark pickup")
	}
	if r.Status != models.RequestAccepted {
		return nil, apperr.Conflict("request %s is %s, expected accepted", requestID, r.Status)
	}
	now := time.Now()
	r.Status = models.RequestPickedUp
	r.PickedUpAt = now
	r.UpdatedAt = now
	if err := s.Store.Update(r); err != nil {
		return nil, err
	}
	s.Notifier.Notify(notify.Event{
		RecipientID: r.ClientID, Type: "transport_picked_up", Message: "package picked up",
		Data: map[string]any{"request_id": r.ID},
	})
	return r, nil
}

// MarkDelivered confirms completion and releases the escrow. Either party may
// confirm. The release is what pays the provider; if it fails the request
// stays picked_up and the caller can retry.
func (s *Service) MarkDelivered(requestID, actorID string, proof *models.Proof) (*models.Request, error) {
	l := s.lockFor(requestID)
	l.Lock()
	defer l.Unlock()

	r, err := s.Store.Get(requestID)
	if err != nil {
		return nil, err
	}
	if actorID != r.ProviderID && actorID != r.ClientID {
		return nil, apperr.Validation("only a request party can confirm delivery")
	}
	if r.Status != models.RequestPickedUp {
		return nil, apperr.Conflict("request %s is %s, expected picked_up", requestID, r.Status)
	}

	if _, err := s.Escrow.Release(r.EscrowTxID, proof); err != nil {
		return nil, err
	}

	now := time.Now()
	r.Status = models.RequestDelivered
	r.Proof = proof
	r.DeliveredAt = now
	r.UpdatedAt = now
	if err := s.Store.Update(r); err != nil {
		return nil, err
	}
	s.Geo.Free(r.ProviderID)
	s.Notifier.Notify(notify.Event{
		RecipientID: r.ClientID, Type: "transport_delivered", Message: "delivery confirmed",
		Data: map[string]any{"request_id": r.ID},
	})
	_ = s.Store.Archive(r)
	s.dropLock(requestID)
	return r, nil
}

// CancelRequest is valid from any non-terminal state. An existing hold is
// refunded in full; a claimed provider goes back online.
func (s *Service) CancelRequest(requestID, actorID, reason string) (*models.Request, error) {
	l := s.lockFor(requestID)
	l.Lock()
	defer l.Unlock()

	r, err := s.Store.Get(requestID)
	if err != nil {
		return nil, err
	}
	if actorID != r.ClientID && actorID != r.ProviderID {
		return nil, apperr.Validation("only a request party can cancel")
	}
	if r.Status.Terminal() {
		return nil, apperr.Conflict("request %s is already %s", requestID, r.Status)
	}

	if r.EscrowTxID != "" {
		if _, err := s.Escrow.Refund(r.EscrowTxID, "request cancelled: "+reason); err != nil {
			return nil, err
		}
	}
	if r.ProviderID != "" {
		s.Geo.Free(r.ProviderID)
	}

	now := time.Now()
	r.Status = models.RequestCancelled
	r.CancelledAt = now
	r.UpdatedAt = now
	if err := s.Store.Update(r); err != nil {
		return nil, err
	}
	s.Notifier.Notify(notify.Event{
		RecipientID: r.ClientID, Type: "transport_cancelled", Message: "request cancelled",
		Data: map[string]any{"request_id": r.ID, "reason": reason},
	})
	_ = s.Store.Archive(r)
	s.dropLock(requestID)
	return r, nil
}

// OpenDispute freezes the escrow while the job is in flight or just
// delivered. Valid for either party between pickup and release.
func (s *Service) OpenDispute(requestID, actorID, reason, description string, evidence *models.Evidence) (*models.Dispute, error) {
	l := s.lockFor(requestID)
	l.Lock()
	defer l.Unlock()

	r, err := s.Store.Get(requestID)
	if err != nil {
		return nil, err
	}
	if actorID != r.ClientID && actorID != r.ProviderID {
		return nil, apperr.Validation("only a request party can dispute")
	}
	if r.Status != models.RequestPickedUp && r.Status != models.RequestDelivered {
		return nil, apperr.Conflict("request %s is %s, disputes open between pickup and release", requestID, r.Status)
	}

	d, err := s.Escrow.Dispute(r.EscrowTxID, actorID, reason, description, evidence)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	r.Status = models.RequestDisputed
	r.UpdatedAt = now
	if err := s.Store.Update(r); err != nil {
		return nil, err
	}
	return d, nil
}

// Get returns the current request state.
func (s *Service) Get(requestID string) (*models.Request, error) {
	return s.Store.Get(requestID)
}

// Sweep re-offers pending requests and cancels the ones past the match
// window, surfacing NoProviderAvailable to the client instead of leaving
// them open forever. Run it on a ticker.
func (s *Service) Sweep() {
	pending, err := s.Store.Pending()
	if err != nil {
		s.Logger.Error("pending sweep failed", "error", err)
		return
	}
	for i := range pending {
		r := pending[i]
		if s.MatchWindow > 0 && time.Since(r.CreatedAt) > s.MatchWindow {
			if _, err := s.expireNoProvider(r.ID); err != nil {
				s.Logger.Warn("expire failed", "request_id", r.ID, "error", err)
			}
			continue
		}
		s.offer(&r)
	}
}

func (s *Service) expireNoProvider(requestID string) (*models.Request, error) {
	l := s.lockFor(requestID)
	l.Lock()
	defer l.Unlock()

	r, err := s.Store.Get(requestID)
	if err != nil {
		return nil, err
	}
	if r.Status != models.RequestPending {
		return r, nil // lost the race to an accept, nothing to expire
	}
	now := time.Now()
	r.Status = models.RequestCancelled
	r.CancelledAt = now
	r.UpdatedAt = now
	if err := s.Store.Update(r); err != nil {
		return nil, err
	}
	s.Notifier.Notify(notify.Event{
		RecipientID: r.ClientID, Type: "no_provider_available",
		Message: "no provider available, request closed",
		Data:    map[string]any{"request_id": r.ID},
	})
	_ = s.Store.Archive(r)
	s.dropLock(requestID)
	return r, nil
}
