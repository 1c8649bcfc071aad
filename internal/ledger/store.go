// Package ledger owns wallet balances and the append-only entry log that
// backs them. Every balance mutation is paired with exactly one entry inside
// the same atomic unit, so the stored balance and the entry sum can never
// diverge.
package ledger

import (
	"github.com/example/escrow-dispatch/internal/models"
)

// Store is the atomic wallet/entry contract. Implementations must guarantee
// that concurrent mutations of the same wallet serialize, and that no debit
// can take a balance below zero.
type Store interface {
	CreateWallet(ownerID, currency string) (*models.Wallet, error)
	Wallet(walletID string) (*models.Wallet, error)
	WalletOf(ownerID string) (*models.Wallet, error)
	BalanceOf(walletID string) (int64, error)
	EntriesOf(walletID string) ([]models.LedgerEntry, error)

	// Debit removes amount from the wallet and appends a completed entry.
	// Fails with apperr.ErrInsufficientFunds when the balance cannot cover
	// it; the check and the write are one atomic step.
	Debit(walletID string, amount int64, kind models.EntryKind, refID string) (*models.LedgerEntry, error)
	// Credit adds amount to the wallet and appends a completed entry.
	Credit(walletID string, amount int64, kind models.EntryKind, refID string) (*models.LedgerEntry, error)
	// Transfer debits amount from one wallet and credits amount-fee to the
	// other in a single atomic step with a single entry.
	Transfer(fromID, toID string, amount, fee int64, kind models.EntryKind, refID string) (*models.LedgerEntry, error)

	// MarkEntryFailed flags an entry whose external settlement failed. The
	// internal debit it recorded stays in effect until a compensating
	// credit referencing the entry is appended.
	MarkEntryFailed(entryID string) error

	// Reconcile verifies balance == sum of applied entries for the wallet.
	Reconcile(walletID string) error
}

// entryDelta is the balance effect of one entry on one wallet. Completed and
// failed entries both moved funds internally (a failed settlement is undone
// by its own compensating entry); pending entries have not been applied.
func entryDelta(e models.LedgerEntry, walletID string) int64 {
	if e.Status == models.EntryPending {
		return 0
	}
	var d int64
	if e.SourceID == walletID {
		d -= e.Amount
	}
	if e.DestID == walletID {
		d += e.NetAmount
	}
	return d
}
