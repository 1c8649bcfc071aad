package settle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/escrow-dispatch/internal/apperr"
	"github.com/example/escrow-dispatch/internal/ledger"
	"github.com/example/escrow-dispatch/internal/models"
	"github.com/example/escrow-dispatch/internal/notify"
	"github.com/example/escrow-dispatch/internal/observability"
)

// Service debits the wallet, pushes the funds to a rail and compensates when
// the rail fails. Funds are never left in a debited-but-unaccounted state:
// either the rail confirms, or the entry flips to failed and a reversal
// credit restores the balance.
type Service struct {
	Ledger           ledger.Store
	Rails            map[Method]Rail
	PlatformWalletID string
	WithdrawFeeBps   int64
	Currency         string
	Notifier         notify.Notifier
	Logger           *slog.Logger

	// compensation retry knobs
	MaxAttempts int
	RetryDelay  time.Duration
}

func NewService(store ledger.Store, rails map[Method]Rail, platformWalletID string, feeBps int64, currency string, notifier notify.Notifier, logger *slog.Logger) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{
		Ledger: store, Rails: rails, PlatformWalletID: platformWalletID,
		WithdrawFeeBps: feeBps, Currency: currency,
		Notifier: notifier, Logger: logger,
		MaxAttempts: 5, RetryDelay: 200 * time.Millisecond,
	}
}

// WithdrawResult reports what happened to a withdrawal request.
type WithdrawResult struct {
	EntryID   string `json:"entry_id"`
	Amount    int64  `json:"amount"`
	Fee       int64  `json:"fee"`
	Reference string `json:"reference,omitempty"`
}

// Withdraw debits amount plus the withdrawal fee, then hands amount to the
// selected rail. Insufficient funds surface before any external call.
func (s *Service) Withdraw(ctx context.Context, walletID string, amount int64, method Method, details Details) (*WithdrawResult, error) {
	if amount <= 0 {
		return nil, apperr.Validation("withdrawal amount must be positive, got %d", amount)
	}
	rail, ok := s.Rails[method]
	if !ok {
		return nil, apperr.Validation("unknown settlement method %q", method)
	}

	fee := ledger.FeeFor(amount, s.WithdrawFeeBps)
	entry, err := s.Ledger.Debit(walletID, amount+fee, models.EntryWithdrawal, "")
	if err != nil {
		return nil, err
	}

	ref, err := rail.ProcessWithdrawal(ctx, amount, s.Currency, details)
	if err != nil {
		observability.WithdrawalsTotal.WithLabelValues("failed").Inc()
		s.compensate(walletID, entry.ID, amount+fee)
		if errors.Is(err, apperr.ErrExternal) {
			return nil, err
		}
		return nil, apperr.External("settlement rail", err)
	}

	if fee > 0 && s.PlatformWalletID != "" {
		if _, cerr := s.Ledger.Credit(s.PlatformWalletID, fee, models.EntryCommission, entry.ID); cerr != nil {
			s.Logger.Error("withdrawal fee credit failed, escalate to operator", "entry_id", entry.ID, "fee", fee, "error", cerr)
		}
	}

	observability.WithdrawalsTotal.WithLabelValues("success").Inc()
	s.notifyOwner(walletID, "withdrawal_completed", map[string]any{
		"amount": amount, "fee": fee, "reference": ref,
	})
	return &WithdrawResult{EntryID: entry.ID, Amount: amount, Fee: fee, Reference: ref}, nil
}

// compensate marks the debited entry failed and credits the wallet back,
// retrying until the credit lands or escalating to the operator log.
func (s *Service) compensate(walletID, entryID string, amount int64) {
	if err := s.Ledger.MarkEntryFailed(entryID); err != nil {
		s.Logger.Error("mark entry failed errored", "entry_id", entryID, "error", err)
	}
	delay := s.RetryDelay
	for attempt := 1; ; attempt++ {
		_, err := s.Ledger.Credit(walletID, amount, models.EntryReversal, entryID)
		if err == nil {
			s.notifyOwner(walletID, "withdrawal_failed", map[string]any{
				"amount": amount, "entry_id": entryID,
			})
			return
		}
		observability.CompensationRetryTotal.Inc()
		if attempt >= s.MaxAttempts {
			// manual intervention needed; the failed entry plus this log
			// line carry everything the operator must replay
			s.Logger.Error("compensating credit exhausted retries, escalate to operator",
				"wallet_id", walletID, "entry_id", entryID, "amount", amount, "error", err)
			return
		}
		time.Sleep(delay)
		delay *= 2
	}
}

func (s *Service) notifyOwner(walletID, kind string, data map[string]any) {
	w, err := s.Ledger.Wallet(walletID)
	if err != nil {
		return
	}
	s.Notifier.Notify(notify.Event{RecipientID: w.OwnerID, Type: kind, Message: kind, Data: data})
}
