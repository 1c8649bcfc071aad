// Package escrow owns the hold/release/refund/dispute state machine. Funds
// move only through the ledger store; the engine enforces terminal uniqueness
// and idempotent retries on top of it.
package escrow

import (
	"log/slog"
	"sync"
	"time"

	"github.com/example/escrow-dispatch/internal/apperr"
	"github.com/example/escrow-dispatch/internal/ledger"
	"github.com/example/escrow-dispatch/internal/models"
	"github.com/example/escrow-dispatch/internal/notify"
	"github.com/example/escrow-dispatch/internal/observability"
)

type txRec struct {
	mu sync.Mutex
	tx models.EscrowTransaction
}

// Engine is the escrow transaction state machine. Terminal operations are
// idempotent with respect to retries carrying the same transaction id and
// target status: releasing an already-released transaction is a no-op
// success, never a double credit.
type Engine struct {
	Ledger           ledger.Store
	PlatformWalletID string
	Notifier         notify.Notifier
	Logger           *slog.Logger
	MaxAttempts      int
	RetryDelay       time.Duration

	mu    sync.RWMutex
	txs   map[string]*txRec
	byRef map[string]string

	disputes *DisputeLedger
}

func NewEngine(store ledger.Store, platformWalletID string, notifier notify.Notifier, logger *slog.Logger) *Engine {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Engine{
		Ledger:           store,
		PlatformWalletID: platformWalletID,
		Notifier:         notifier,
		Logger:           logger,
		MaxAttempts:      5,
		RetryDelay:       200 * time.Millisecond,
		txs:              make(map[string]*txRec),
		byRef:            make(map[string]string),
		disputes:         NewDisputeLedger(),
	}
}

// Disputes exposes the dispute ledger for read paths.
func (e *Engine) Disputes() *DisputeLedger { return e.disputes }

// OpenHold debits the client wallet by amount plus fee and freezes the funds
// against refID (a request or invoice id). The balance check and the debit
// are one atomic ledger operation, so two concurrent holds cannot both pass
// against the same stale balance.
func (e *Engine) OpenHold(refID, clientID, providerID string, amount, feeBps int64) (*models.EscrowTransaction, error) {
	if refID == "" || clientID == "" || providerID == "" {
		return nil, apperr.Validation("refID, clientID and providerID are required")
	}
	if amount <= 0 {
		return nil, apperr.Validation("hold amount must be positive, got %d", amount)
	}

	e.mu.Lock()
	if existing, ok := e.byRef[refID]; ok {
		e.mu.Unlock()
		return nil, apperr.Conflict("escrow %s already opened for %s", existing, refID)
	}
	fee := ledger.FeeFor(amount, feeBps)
	tx := models.EscrowTransaction{
		ID:          models.NewID(),
		RefID:       refID,
		ClientID:    clientID,
		ProviderID:  providerID,
		Amount:      amount,
		FeeBps:      feeBps,
		FeeAmount:   fee,
		TotalAmount: amount + fee,
		Status:      models.EscrowPending,
		CreatedAt:   time.Now(),
	}
	rec := &txRec{tx: tx}
	e.txs[tx.ID] = rec
	e.byRef[refID] = tx.ID
	e.mu.Unlock()

	clientWallet, err := e.Ledger.WalletOf(clientID)
	if err == nil {
		_, err = e.Ledger.Debit(clientWallet.ID, tx.TotalAmount, models.EntryEscrowHold, tx.ID)
	}
	if err != nil {
		// hold never materialized; drop the reservation
		e.mu.Lock()
		delete(e.txs, tx.ID)
		delete(e.byRef, refID)
		e.mu.Unlock()
		return nil, err
	}

	observability.EscrowHoldsTotal.Inc()
	e.notifyParties(tx, "escrow_initiated", "funds held in escrow")
	out := tx
	return &out, nil
}

// Get returns the current transaction state.
func (e *Engine) Get(txID string) (*models.EscrowTransaction, error) {
	rec, err := e.rec(txID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	tx := rec.tx
	return &tx, nil
}

// ByRef returns the transaction opened against a request or invoice id.
func (e *Engine) ByRef(refID string) (*models.EscrowTransaction, error) {
	e.mu.RLock()
	id, ok := e.byRef[refID]
	e.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("escrow for ref", refID)
	}
	return e.Get(id)
}

func (e *Engine) rec(txID string) (*txRec, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.txs[txID]
	if !ok {
		return nil, apperr.NotFound("escrow transaction", txID)
	}
	return rec, nil
}

// Release credits the provider with the principal and the platform with the
// fee, both carved from the pool debited at hold time.
func (e *Engine) Release(txID string, proof *models.Proof) (*models.EscrowTransaction, error) {
	return e.release(txID, proof, false)
}

func (e *Engine) release(txID string, proof *models.Proof, fromDispute bool) (*models.EscrowTransaction, error) {
	rec, err := e.rec(txID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	switch rec.tx.Status {
	case models.EscrowReleased:
		tx := rec.tx // retried call, nothing more to do
		return &tx, nil
	case models.EscrowRefunded:
		return nil, apperr.Conflict("escrow %s already refunded", txID)
	case models.EscrowDisputed:
		if !fromDispute {
			return nil, apperr.Conflict("escrow %s is disputed; arbitration must resolve it", txID)
		}
	}

	providerWallet, err := e.Ledger.WalletOf(rec.tx.ProviderID)
	if err != nil {
		return nil, err
	}
	if _, err := e.Ledger.Credit(providerWallet.ID, rec.tx.Amount, models.EntryEscrowFree, txID); err != nil {
		return nil, err
	}
	if rec.tx.FeeAmount > 0 {
		e.creditFee(txID, rec.tx.FeeAmount)
	}

	rec.tx.Status = models.EscrowReleased
	rec.tx.ReleasedAt = time.Now()
	if proof != nil {
		p := *proof
		if p.Timestamp.IsZero() {
			p.Timestamp = rec.tx.ReleasedAt
		}
		rec.tx.Proof = &p
	}
	observability.EscrowReleasesTotal.Inc()
	e.notifyParties(rec.tx, "escrow_released", "escrow released to provider")
	tx := rec.tx
	return &tx, nil
}

// creditFee retries the platform commission credit until it lands or the
// attempts run out. The provider credit already happened, so the fee must
// not be dropped on a transient ledger error; the escalation log carries
// everything the operator needs to replay it by hand.
func (e *Engine) creditFee(txID string, fee int64) {
	delay := e.RetryDelay
	for attempt := 1; ; attempt++ {
		_, err := e.Ledger.Credit(e.PlatformWalletID, fee, models.EntryCommission, txID)
		if err == nil {
			return
		}
		observability.CompensationRetryTotal.Inc()
		if attempt >= e.MaxAttempts {
			e.Logger.Error("platform fee credit exhausted retries, escalate to operator",
				"tx_id", txID, "fee", fee, "error", err)
			return
		}
		time.Sleep(delay)
		delay *= 2
	}
}

// Refund returns the full total (principal plus fee) to the client in a
// single entry.
func (e *Engine) Refund(txID, reason string) (*models.EscrowTransaction, error) {
	return e.refund(txID, reason, false)
}

func (e *Engine) refund(txID, reason string, fromDispute bool) (*models.EscrowTransaction, error) {
	rec, err := e.rec(txID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	switch rec.tx.Status {
	case models.EscrowRefunded:
		tx := rec.tx
		return &tx, nil
	case models.EscrowReleased:
		return nil, apperr.Conflict("escrow %s already released", txID)
	case models.EscrowDisputed:
		if !fromDispute {
			return nil, apperr.Conflict("escrow %s is disputed; arbitration must resolve it", txID)
		}
	}

	clientWallet, err := e.Ledger.WalletOf(rec.tx.ClientID)
	if err != nil {
		return nil, err
	}
	if _, err := e.Ledger.Credit(clientWallet.ID, rec.tx.TotalAmount, models.EntryEscrowRefund, txID); err != nil {
		return nil, err
	}

	rec.tx.Status = models.EscrowRefunded
	rec.tx.RefundedAt = time.Now()
	observability.EscrowRefundsTotal.Inc()
	e.notifyParties(rec.tx, "escrow_refunded", "escrow refunded: "+reason)
	tx := rec.tx
	return &tx, nil
}

// Dispute freezes a pending transaction and opens a dispute record. Funds
// stay locked until an arbitrator resolves.
func (e *Engine) Dispute(txID, raiserID, reason, description string, evidence *models.Evidence) (*models.Dispute, error) {
	rec, err := e.rec(txID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.tx.Status != models.EscrowPending {
		return nil, apperr.Conflict("escrow %s is %s, only pending can be disputed", txID, rec.tx.Status)
	}
	if raiserID != rec.tx.ClientID && raiserID != rec.tx.ProviderID {
		return nil, apperr.Validation("only a transaction party may dispute")
	}

	rec.tx.Status = models.EscrowDisputed
	rec.tx.DisputedAt = time.Now()
	d := e.disputes.Open(txID, raiserID, reason, description, evidence)
	observability.EscrowDisputesTotal.Inc()
	e.notifyParties(rec.tx, "escrow_disputed", "escrow disputed: "+reason)
	return d, nil
}

// Resolve applies the arbitrator's decision to the frozen transaction and
// closes out the dispute.
func (e *Engine) Resolve(disputeID string, action models.DisputeAction, resolution string) (*models.Dispute, error) {
	d, err := e.disputes.Get(disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != models.DisputeOpen && d.Status != models.DisputeInvestigating {
		return nil, apperr.Conflict("dispute %s is %s", disputeID, d.Status)
	}

	switch action {
	case models.ActionRelease:
		if _, err := e.release(d.TxID, nil, true); err != nil {
			return nil, err
		}
	case models.ActionRefund:
		if _, err := e.refund(d.TxID, resolution, true); err != nil {
			return nil, err
		}
	default:
		return nil, apperr.Validation("unknown dispute action %q", action)
	}

	return e.disputes.Resolve(disputeID, action, resolution)
}

func (e *Engine) notifyParties(tx models.EscrowTransaction, kind, msg string) {
	data := map[string]any{
		"tx_id": tx.ID, "ref_id": tx.RefID,
		"amount": tx.Amount, "fee": tx.FeeAmount, "total": tx.TotalAmount,
		"status": string(tx.Status),
	}
	e.Notifier.Notify(notify.Event{RecipientID: tx.ClientID, Type: kind, Message: msg, Data: data})
	e.Notifier.Notify(notify.Event{RecipientID: tx.ProviderID, Type: kind, Message: msg, Data: data})
}
