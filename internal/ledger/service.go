package ledger

import (
	"log/slog"

	"github.com/example/escrow-dispatch/internal/apperr"
	"github.com/example/escrow-dispatch/internal/models"
	"github.com/example/escrow-dispatch/internal/notify"
)

// FeeFor computes a percentage fee on integer minor units with half-up
// rounding. Rates are basis points (100 = 1%).
func FeeFor(amount, bps int64) int64 {
	if amount <= 0 || bps <= 0 {
		return 0
	}
	return (amount*bps + 5000) / 10000
}

// Service is the wallet operations surface: deposits and peer transfers with
// the platform commission carved out. Escrow holds go through the escrow
// engine, withdrawals through the settlement service; nothing else touches
// balances.
// EntryPublisher streams completed entries to downstream reconciliation and
// analytics consumers. Publishing is best-effort; the books live in the Store.
type EntryPublisher interface {
	PublishLedgerEntry(e models.LedgerEntry) error
}

type Service struct {
	Store            Store
	PlatformWalletID string
	TransferFeeBps   int64
	Notifier         notify.Notifier
	Logger           *slog.Logger
	Publisher        EntryPublisher // optional
}

func (s *Service) publish(e *models.LedgerEntry) {
	if s.Publisher == nil || e == nil {
		return
	}
	if err := s.Publisher.PublishLedgerEntry(*e); err != nil && s.Logger != nil {
		s.Logger.Warn("entry publish failed", "entry_id", e.ID, "error", err)
	}
}

func (s *Service) Deposit(walletID string, amount int64, reference string) (*models.LedgerEntry, error) {
	e, err := s.Store.Credit(walletID, amount, models.EntryDeposit, reference)
	if err != nil {
		return nil, err
	}
	s.publish(e)
	s.notifyOwner(walletID, "wallet_deposit", "deposit credited", map[string]any{
		"amount": amount, "entry_id": e.ID,
	})
	return e, nil
}

// Transfer moves amount between wallets; the receiver gets amount minus the
// commission, which lands on the platform wallet as its own entry.
func (s *Service) Transfer(fromID, toID string, amount int64, reference string) (*models.LedgerEntry, error) {
	fee := FeeFor(amount, s.TransferFeeBps)
	e, err := s.Store.Transfer(fromID, toID, amount, fee, models.EntryTransfer, reference)
	if err != nil {
		return nil, err
	}
	if fee > 0 && s.PlatformWalletID != "" {
		if _, err := s.Store.Credit(s.PlatformWalletID, fee, models.EntryCommission, e.ID); err != nil {
			// The transfer itself is complete; a missing commission credit
			// is an accounting gap that must be surfaced, not rolled back.
			if s.Logger != nil {
				s.Logger.Error("commission credit failed", "entry_id", e.ID, "fee", fee, "error", err)
			}
			return e, apperr.Internal(err)
		}
	}
	s.publish(e)
	s.notifyOwner(toID, "wallet_transfer_in", "transfer received", map[string]any{
		"amount": e.NetAmount, "entry_id": e.ID,
	})
	return e, nil
}

func (s *Service) notifyOwner(walletID, kind, msg string, data map[string]any) {
	if s.Notifier == nil {
		return
	}
	w, err := s.Store.Wallet(walletID)
	if err != nil {
		return
	}
	s.Notifier.Notify(notify.Event{RecipientID: w.OwnerID, Type: kind, Message: msg, Data: data})
}
