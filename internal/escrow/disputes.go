package escrow

import (
	"sync"
	"time"

	"github.com/example/escrow-dispatch/internal/apperr"
	"github.com/example/escrow-dispatch/internal/models"
)

// DisputeLedger records disputes and their resolutions. Writes go through the
// engine; counterparties can never resolve their own dispute.
type DisputeLedger struct {
	mu       sync.RWMutex
	disputes map[string]models.Dispute
	byTx     map[string]string
}

func NewDisputeLedger() *DisputeLedger {
	return &DisputeLedger{
		disputes: make(map[string]models.Dispute),
		byTx:     make(map[string]string),
	}
}

func (l *DisputeLedger) Open(txID, raiserID, reason, description string, evidence *models.Evidence) *models.Dispute {
	l.mu.Lock()
	defer l.mu.Unlock()
	d := models.Dispute{
		ID:          models.NewID(),
		TxID:        txID,
		RaiserID:    raiserID,
		Reason:      reason,
		Description: description,
		Evidence:    evidence,
		Status:      models.DisputeOpen,
		CreatedAt:   time.Now(),
	}
	l.disputes[d.ID] = d
	l.byTx[txID] = d.ID
	out := d
	return &out
}

func (l *DisputeLedger) Get(disputeID string) (*models.Dispute, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	d, ok := l.disputes[disputeID]
	if !ok {
		return nil, apperr.NotFound("dispute", disputeID)
	}
	return &d, nil
}

func (l *DisputeLedger) ByTx(txID string) (*models.Dispute, error) {
	l.mu.RLock()
	id, ok := l.byTx[txID]
	l.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("dispute for tx", txID)
	}
	return l.Get(id)
}

// Investigate marks an open dispute as under review.
func (l *DisputeLedger) Investigate(disputeID string) (*models.Dispute, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.disputes[disputeID]
	if !ok {
		return nil, apperr.NotFound("dispute", disputeID)
	}
	if d.Status != models.DisputeOpen {
		return nil, apperr.Conflict("dispute %s is %s", disputeID, d.Status)
	}
	d.Status = models.DisputeInvestigating
	l.disputes[disputeID] = d
	return &d, nil
}

func (l *DisputeLedger) Resolve(disputeID string, action models.DisputeAction, resolution string) (*models.Dispute, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.disputes[disputeID]
	if !ok {
		return nil, apperr.NotFound("dispute", disputeID)
	}
	d.Status = models.DisputeResolved
	d.Action = action
	d.Resolution = resolution
	d.ResolvedAt = time.Now()
	l.disputes[disputeID] = d
	return &d, nil
}
