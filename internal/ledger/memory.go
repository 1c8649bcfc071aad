package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/example/escrow-dispatch/internal/apperr"
	"github.com/example/escrow-dispatch/internal/models"
)

// MemoryStore keeps wallets and entries in process memory with a mutex per
// wallet. Transfer locks both wallets in id order so two opposing transfers
// cannot deadlock.
type MemoryStore struct {
	mu      sync.RWMutex // guards the maps, not the balances
	wallets map[string]*walletRec
	byOwner map[string]string

	entMu   sync.RWMutex
	entries []models.LedgerEntry
	byEntry map[string]int
}

type walletRec struct {
	mu sync.Mutex
	w  models.Wallet
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*walletRec),
		byOwner: make(map[string]string),
		byEntry: make(map[string]int),
	}
}

func (m *MemoryStore) CreateWallet(ownerID, currency string) (*models.Wallet, error) {
	if ownerID == "" {
		return nil, apperr.Validation("owner id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byOwner[ownerID]; ok {
		return nil, apperr.Conflict("wallet for owner %s already exists", ownerID)
	}
	now := time.Now()
	w := models.Wallet{
		ID:        models.NewID(),
		OwnerID:   ownerID,
		Currency:  currency,
		Status:    models.WalletActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.wallets[w.ID] = &walletRec{w: w}
	m.byOwner[ownerID] = w.ID
	out := w
	return &out, nil
}

func (m *MemoryStore) rec(walletID string) (*walletRec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.wallets[walletID]
	if !ok {
		return nil, apperr.NotFound("wallet", walletID)
	}
	return r, nil
}

func (m *MemoryStore) Wallet(walletID string) (*models.Wallet, error) {
	r, err := m.rec(walletID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.w
	return &w, nil
}

func (m *MemoryStore) WalletOf(ownerID string) (*models.Wallet, error) {
	m.mu.RLock()
	id, ok := m.byOwner[ownerID]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("wallet for owner", ownerID)
	}
	return m.Wallet(id)
}

func (m *MemoryStore) BalanceOf(walletID string) (int64, error) {
	w, err := m.Wallet(walletID)
	if err != nil {
		return 0, err
	}
	return w.Balance, nil
}

func (m *MemoryStore) EntriesOf(walletID string) ([]models.LedgerEntry, error) {
	if _, err := m.rec(walletID); err != nil {
		return nil, err
	}
	m.entMu.RLock()
	defer m.entMu.RUnlock()
	var out []models.LedgerEntry
	for _, e := range m.entries {
		if e.SourceID == walletID || e.DestID == walletID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) append(e models.LedgerEntry) models.LedgerEntry {
	m.entMu.Lock()
	defer m.entMu.Unlock()
	m.byEntry[e.ID] = len(m.entries)
	m.entries = append(m.entries, e)
	return e
}

func newEntry(kind models.EntryKind, amount, fee int64, srcID, dstID, refID string) models.LedgerEntry {
	now := time.Now()
	return models.LedgerEntry{
		ID:          models.NewID(),
		Kind:        kind,
		Amount:      amount,
		Fee:         fee,
		NetAmount:   amount - fee,
		SourceID:    srcID,
		DestID:      dstID,
		RefID:       refID,
		Status:      models.EntryCompleted,
		CreatedAt:   now,
		CompletedAt: now,
	}
}

func (m *MemoryStore) Debit(walletID string, amount int64, kind models.EntryKind, refID string) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, apperr.Validation("debit amount must be positive, got %d", amount)
	}
	r, err := m.rec(walletID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w.Status != models.WalletActive {
		return nil, apperr.Conflict("wallet %s is %s", walletID, r.w.Status)
	}
	if r.w.Balance < amount {
		return nil, fmt.Errorf("%w: wallet %s balance %d < %d", apperr.ErrInsufficientFunds, walletID, r.w.Balance, amount)
	}
	r.w.Balance -= amount
	r.w.UpdatedAt = time.Now()
	e := m.append(newEntry(kind, amount, 0, walletID, "", refID))
	return &e, nil
}

func (m *MemoryStore) Credit(walletID string, amount int64, kind models.EntryKind, refID string) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, apperr.Validation("credit amount must be positive, got %d", amount)
	}
	r, err := m.rec(walletID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.w.Balance += amount
	r.w.UpdatedAt = time.Now()
	e := m.append(newEntry(kind, amount, 0, "", walletID, refID))
	return &e, nil
}

func (m *MemoryStore) Transfer(fromID, toID string, amount, fee int64, kind models.EntryKind, refID string) (*models.LedgerEntry, error) {
	if amount <= 0 || fee < 0 || fee > amount {
		return nil, apperr.Validation("bad transfer amount=%d fee=%d", amount, fee)
	}
	if fromID == toID {
		return nil, apperr.Validation("transfer to self")
	}
	from, err := m.rec(fromID)
	if err != nil {
		return nil, err
	}
	to, err := m.rec(toID)
	if err != nil {
		return nil, err
	}
	// lock in id order
	first, second := from, to
	if toID < fromID {
		first, second = to, from
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if from.w.Status != models.WalletActive {
		return nil, apperr.Conflict("wallet %s is %s", fromID, from.w.Status)
	}
	if from.w.Balance < amount {
		return nil, fmt.Errorf("%w: wallet %s balance %d < %d", apperr.ErrInsufficientFunds, fromID, from.w.Balance, amount)
	}
	now := time.Now()
	from.w.Balance -= amount
	from.w.UpdatedAt = now
	to.w.Balance += amount - fee
	to.w.UpdatedAt = now
	e := m.append(newEntry(kind, amount, fee, fromID, toID, refID))
	return &e, nil
}

func (m *MemoryStore) MarkEntryFailed(entryID string) error {
	m.entMu.Lock()
	defer m.entMu.Unlock()
	idx, ok := m.byEntry[entryID]
	if !ok {
		return apperr.NotFound("ledger entry", entryID)
	}
	m.entries[idx].Status = models.EntryFailed
	return nil
}

func (m *MemoryStore) Reconcile(walletID string) error {
	r, err := m.rec(walletID)
	if err != nil {
		return err
	}
	// hold the wallet lock so no mutation lands between the sum and the read
	r.mu.Lock()
	defer r.mu.Unlock()
	m.entMu.RLock()
	var sum int64
	for _, e := range m.entries {
		sum += entryDelta(e, walletID)
	}
	m.entMu.RUnlock()
	if sum != r.w.Balance {
		return apperr.Internal(fmt.Errorf("wallet %s balance %d != entry sum %d", walletID, r.w.Balance, sum))
	}
	return nil
}
