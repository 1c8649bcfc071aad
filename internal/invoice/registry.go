// Package invoice manages provider-initiated payment links. Paying an
// invoice converts it into an escrow hold; past its deadline it can never be
// paid, whether the sweep got to it yet or not.
package invoice

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/escrow-dispatch/internal/apperr"
	"github.com/example/escrow-dispatch/internal/models"
	"github.com/example/escrow-dispatch/internal/notify"
)

// Escrow is the slice of the escrow engine the registry needs.
type Escrow interface {
	OpenHold(refID, clientID, providerID string, amount, feeBps int64) (*models.EscrowTransaction, error)
	ByRef(refID string) (*models.EscrowTransaction, error)
}

// CreateParams carries the provider's invoice details.
type CreateParams struct {
	ProviderID string
	Amount     int64
	StartLoc   string
	EndLoc     string
	StartPos   *models.Position
	EndPos     *models.Position
	ClientID   string // optional: invoice addressed to a known client
	Notes      string
}

// Registry is the invoice store plus its lifecycle rules.
type Registry struct {
	Escrow   Escrow
	Notifier notify.Notifier
	Logger   *slog.Logger
	FeeBps   int64
	TTL      time.Duration
	LinkBase string

	mu       sync.Mutex
	invoices map[string]*models.Invoice
	locks    map[string]*sync.Mutex
}

func NewRegistry(esc Escrow, notifier notify.Notifier, logger *slog.Logger, feeBps int64, ttl time.Duration, linkBase string) *Registry {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Registry{
		Escrow: esc, Notifier: notifier, Logger: logger,
		FeeBps: feeBps, TTL: ttl, LinkBase: linkBase,
		invoices: make(map[string]*models.Invoice),
		locks:    make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex serializing transitions of one invoice. r.mu
// only guards the maps; it is never held across an escrow call.
func (r *Registry) lockFor(invoiceID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[invoiceID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[invoiceID] = l
	}
	return l
}

func (r *Registry) Create(p CreateParams) (*models.Invoice, error) {
	if p.ProviderID == "" {
		return nil, apperr.Validation("provider id required")
	}
	if p.Amount <= 0 {
		return nil, apperr.Validation("invoice amount must be positive, got %d", p.Amount)
	}
	now := time.Now()
	inv := &models.Invoice{
		ID:          models.NewID(),
		ProviderID:  p.ProviderID,
		ClientID:    p.ClientID,
		Amount:      p.Amount,
		Description: fmt.Sprintf("Trip from %s to %s", p.StartLoc, p.EndLoc),
		StartLoc:    p.StartLoc,
		EndLoc:      p.EndLoc,
		StartPos:    p.StartPos,
		EndPos:      p.EndPos,
		Status:      models.InvoiceDraft,
		Notes:       p.Notes,
		CreatedAt:   now,
		ExpiresAt:   now.Add(r.TTL),
	}
	inv.PaymentLink = fmt.Sprintf("%s/%s", r.LinkBase, inv.ID)
	r.mu.Lock()
	r.invoices[inv.ID] = inv
	r.mu.Unlock()
	out := *inv
	return &out, nil
}

// Send marks a draft as shared with the client.
func (r *Registry) Send(invoiceID string) (*models.Invoice, error) {
	lock := r.lockFor(invoiceID)
	lock.Lock()
	defer lock.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invoices[invoiceID]
	if !ok {
		return nil, apperr.NotFound("invoice", invoiceID)
	}
	if r.expired(inv) {
		return nil, apperr.Expired("invoice", invoiceID)
	}
	if inv.Status != models.InvoiceDraft {
		return nil, apperr.Conflict("invoice %s is %s", invoiceID, inv.Status)
	}
	inv.Status = models.InvoiceSent
	out := *inv
	return &out, nil
}

// MarkPaid opens the escrow hold for the invoice. It is idempotent for the
// paying client: a retried call returns the live escrow transaction for the
// hold already opened. Any other state is a conflict, and a past-deadline
// invoice fails with Expired even if the sweep has not caught it yet.
func (r *Registry) MarkPaid(invoiceID, clientID string) (*models.EscrowTransaction, error) {
	if clientID == "" {
		return nil, apperr.Validation("client id required")
	}
	lock := r.lockFor(invoiceID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	inv, ok := r.invoices[invoiceID]
	if !ok {
		r.mu.Unlock()
		return nil, apperr.NotFound("invoice", invoiceID)
	}
	if inv.Status == models.InvoicePaid {
		paidBy, txID := inv.ClientID, inv.EscrowTxID
		r.mu.Unlock()
		if paidBy == clientID && txID != "" {
			return r.Escrow.ByRef(invoiceID)
		}
		return nil, apperr.Conflict("invoice %s already paid", invoiceID)
	}
	if inv.Status != models.InvoiceDraft && inv.Status != models.InvoiceSent {
		r.mu.Unlock()
		return nil, apperr.Conflict("invoice %s already paid", invoiceID)
	}
	if r.expired(inv) {
		inv.Status = models.InvoiceCancelled
		r.mu.Unlock()
		return nil, apperr.Expired("invoice", invoiceID)
	}
	if inv.ClientID != "" && inv.ClientID != clientID {
		r.mu.Unlock()
		return nil, apperr.Validation("invoice %s is addressed to another client", invoiceID)
	}
	providerID, amount := inv.ProviderID, inv.Amount
	r.mu.Unlock()

	// the wallet debit runs outside r.mu so payments of unrelated invoices
	// never serialize; the invoice lock keeps a concurrent retry or sweep
	// away from this one meanwhile
	tx, err := r.Escrow.OpenHold(invoiceID, clientID, providerID, amount, r.FeeBps)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	inv.Status = models.InvoicePaid
	inv.ClientID = clientID
	inv.EscrowTxID = tx.ID
	r.mu.Unlock()
	r.Notifier.Notify(notify.Event{
		RecipientID: providerID, Type: "invoice_paid", Message: "invoice paid into escrow",
		Data: map[string]any{"invoice_id": invoiceID, "tx_id": tx.ID, "amount": amount},
	})
	return tx, nil
}

// Complete closes out a paid invoice after the underlying escrow released.
func (r *Registry) Complete(invoiceID string) (*models.Invoice, error) {
	lock := r.lockFor(invoiceID)
	lock.Lock()
	defer lock.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invoices[invoiceID]
	if !ok {
		return nil, apperr.NotFound("invoice", invoiceID)
	}
	if inv.Status != models.InvoicePaid {
		return nil, apperr.Conflict("invoice %s is %s, expected paid", invoiceID, inv.Status)
	}
	inv.Status = models.InvoiceCompleted
	out := *inv
	return &out, nil
}

// Cancel withdraws an unpaid invoice.
func (r *Registry) Cancel(invoiceID, providerID string) (*models.Invoice, error) {
	lock := r.lockFor(invoiceID)
	lock.Lock()
	defer lock.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invoices[invoiceID]
	if !ok {
		return nil, apperr.NotFound("invoice", invoiceID)
	}
	if inv.ProviderID != providerID {
		return nil, apperr.Validation("only the issuing provider can cancel")
	}
	if inv.Status != models.InvoiceDraft && inv.Status != models.InvoiceSent {
		return nil, apperr.Conflict("invoice %s is %s", invoiceID, inv.Status)
	}
	inv.Status = models.InvoiceCancelled
	out := *inv
	return &out, nil
}

func (r *Registry) Get(invoiceID string) (*models.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invoices[invoiceID]
	if !ok {
		return nil, apperr.NotFound("invoice", invoiceID)
	}
	out := *inv
	return &out, nil
}

func (r *Registry) expired(inv *models.Invoice) bool {
	return time.Now().After(inv.ExpiresAt)
}

// Sweep cancels every unpaid invoice past its deadline. MarkPaid checks
// expiry lazily as well, so the sweep cadence is not correctness-critical.
// Candidates are collected first, then cancelled one at a time under their
// invoice locks; a payment landing in between wins and the sweep skips it.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	var ids []string
	for id, inv := range r.invoices {
		if (inv.Status == models.InvoiceDraft || inv.Status == models.InvoiceSent) && r.expired(inv) {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	n := 0
	for _, id := range ids {
		lock := r.lockFor(id)
		lock.Lock()
		r.mu.Lock()
		inv := r.invoices[id]
		if inv != nil && (inv.Status == models.InvoiceDraft || inv.Status == models.InvoiceSent) && r.expired(inv) {
			inv.Status = models.InvoiceCancelled
			n++
		}
		r.mu.Unlock()
		lock.Unlock()
	}
	if n > 0 && r.Logger != nil {
		r.Logger.Info("invoice sweep", "expired", n)
	}
	return n
}

// Run executes the sweep on a ticker until stop is closed.
func (r *Registry) Run(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			r.Sweep()
		case <-stop:
			return
		}
	}
}
