package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/escrow-dispatch/internal/apperr"
	"github.com/example/escrow-dispatch/internal/models"
)

// PostgresStore backs the ledger with row-level transactions. Each mutation
// runs SELECT ... FOR UPDATE on the wallet rows involved (ordered by id to
// avoid deadlocks), applies the balance change and inserts the entry in the
// same transaction.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) CreateWallet(ownerID, currency string) (*models.Wallet, error) {
	if ownerID == "" {
		return nil, apperr.Validation("owner id required")
	}
	now := time.Now()
	w := models.Wallet{
		ID: models.NewID(), OwnerID: ownerID, Currency: currency,
		Status: models.WalletActive, CreatedAt: now, UpdatedAt: now,
	}
	_, err := p.db.Exec(`INSERT INTO wallets(id, owner_id, balance, currency, status, created_at, updated_at)
		VALUES($1,$2,0,$3,$4,$5,$6)`,
		w.ID, w.OwnerID, w.Currency, w.Status, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.Conflict("wallet for owner %s already exists", ownerID)
		}
		return nil, apperr.Internal(err)
	}
	return &w, nil
}

const walletCols = `id, owner_id, balance, currency, status, created_at, updated_at`

func scanWallet(row interface{ Scan(...any) error }) (*models.Wallet, error) {
	var w models.Wallet
	err := row.Scan(&w.ID, &w.OwnerID, &w.Balance, &w.Currency, &w.Status, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (p *PostgresStore) Wallet(walletID string) (*models.Wallet, error) {
	w, err := scanWallet(p.db.QueryRow(`SELECT `+walletCols+` FROM wallets WHERE id=$1`, walletID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("wallet", walletID)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return w, nil
}

func (p *PostgresStore) WalletOf(ownerID string) (*models.Wallet, error) {
	w, err := scanWallet(p.db.QueryRow(`SELECT `+walletCols+` FROM wallets WHERE owner_id=$1`, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("wallet for owner", ownerID)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return w, nil
}

func (p *PostgresStore) BalanceOf(walletID string) (int64, error) {
	w, err := p.Wallet(walletID)
	if err != nil {
		return 0, err
	}
	return w.Balance, nil
}

func (p *PostgresStore) EntriesOf(walletID string) ([]models.LedgerEntry, error) {
	rows, err := p.db.Query(`SELECT id, kind, amount, fee, net_amount,
			COALESCE(source_id,''), COALESCE(dest_id,''), COALESCE(ref_id,''), status, created_at, completed_at
		FROM wallet_transactions WHERE source_id=$1 OR dest_id=$1 ORDER BY created_at`, walletID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	defer rows.Close()
	var out []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var completed sql.NullTime
		if err := rows.Scan(&e.ID, &e.Kind, &e.Amount, &e.Fee, &e.NetAmount,
			&e.SourceID, &e.DestID, &e.RefID, &e.Status, &e.CreatedAt, &completed); err != nil {
			return nil, apperr.Internal(err)
		}
		if completed.Valid {
			e.CompletedAt = completed.Time
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// lockWallet reads a wallet row FOR UPDATE inside tx.
func lockWallet(tx *sql.Tx, walletID string) (*models.Wallet, error) {
	w, err := scanWallet(tx.QueryRow(`SELECT `+walletCols+` FROM wallets WHERE id=$1 FOR UPDATE`, walletID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("wallet", walletID)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return w, nil
}

func insertEntry(tx *sql.Tx, e models.LedgerEntry) error {
	_, err := tx.Exec(`INSERT INTO wallet_transactions(id, kind, amount, fee, net_amount, source_id, dest_id, ref_id, status, created_at, completed_at)
		VALUES($1,$2,$3,$4,$5,NULLIF($6,''),NULLIF($7,''),NULLIF($8,''),$9,$10,$11)`,
		e.ID, e.Kind, e.Amount, e.Fee, e.NetAmount, e.SourceID, e.DestID, e.RefID, e.Status, e.CreatedAt, e.CompletedAt)
	return err
}

func (p *PostgresStore) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := p.db.Begin()
	if err != nil {
		return apperr.Internal(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperr.Internal(err)
	}
	return nil
}

func (p *PostgresStore) Debit(walletID string, amount int64, kind models.EntryKind, refID string) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, apperr.Validation("debit amount must be positive, got %d", amount)
	}
	e := newEntry(kind, amount, 0, walletID, "", refID)
	err := p.inTx(func(tx *sql.Tx) error {
		w, err := lockWallet(tx, walletID)
		if err != nil {
			return err
		}
		if w.Status != models.WalletActive {
			return apperr.Conflict("wallet %s is %s", walletID, w.Status)
		}
		if w.Balance < amount {
			return fmt.Errorf("%w: wallet %s balance %d < %d", apperr.ErrInsufficientFunds, walletID, w.Balance, amount)
		}
		if _, err := tx.Exec(`UPDATE wallets SET balance=balance-$1, updated_at=$2 WHERE id=$3`, amount, time.Now(), walletID); err != nil {
			return apperr.Internal(err)
		}
		return insertEntry(tx, e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (p *PostgresStore) Credit(walletID string, amount int64, kind models.EntryKind, refID string) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, apperr.Validation("credit amount must be positive, got %d", amount)
	}
	e := newEntry(kind, amount, 0, "", walletID, refID)
	err := p.inTx(func(tx *sql.Tx) error {
		if _, err := lockWallet(tx, walletID); err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE wallets SET balance=balance+$1, updated_at=$2 WHERE id=$3`, amount, time.Now(), walletID); err != nil {
			return apperr.Internal(err)
		}
		return insertEntry(tx, e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (p *PostgresStore) Transfer(fromID, toID string, amount, fee int64, kind models.EntryKind, refID string) (*models.LedgerEntry, error) {
	if amount <= 0 || fee < 0 || fee > amount {
		return nil, apperr.Validation("bad transfer amount=%d fee=%d", amount, fee)
	}
	if fromID == toID {
		return nil, apperr.Validation("transfer to self")
	}
	e := newEntry(kind, amount, fee, fromID, toID, refID)
	err := p.inTx(func(tx *sql.Tx) error {
		// lock both rows in id order
		ids := []string{fromID, toID}
		if toID < fromID {
			ids[0], ids[1] = toID, fromID
		}
		var from *models.Wallet
		for _, id := range ids {
			w, err := lockWallet(tx, id)
			if err != nil {
				return err
			}
			if id == fromID {
				from = w
			}
		}
		if from.Status != models.WalletActive {
			return apperr.Conflict("wallet %s is %s", fromID, from.Status)
		}
		if from.Balance < amount {
			return fmt.Errorf("%w: wallet %s balance %d < %d", apperr.ErrInsufficientFunds, fromID, from.Balance, amount)
		}
		now := time.Now()
		if _, err := tx.Exec(`UPDATE wallets SET balance=balance-$1, updated_at=$2 WHERE id=$3`, amount, now, fromID); err != nil {
			return apperr.Internal(err)
		}
		if _, err := tx.Exec(`UPDATE wallets SET balance=balance+$1, updated_at=$2 WHERE id=$3`, amount-fee, now, toID); err != nil {
			return apperr.Internal(err)
		}
		return insertEntry(tx, e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (p *PostgresStore) MarkEntryFailed(entryID string) error {
	res, err := p.db.Exec(`UPDATE wallet_transactions SET status=$1 WHERE id=$2`, models.EntryFailed, entryID)
	if err != nil {
		return apperr.Internal(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("ledger entry", entryID)
	}
	return nil
}

func (p *PostgresStore) Reconcile(walletID string) error {
	return p.inTx(func(tx *sql.Tx) error {
		w, err := lockWallet(tx, walletID)
		if err != nil {
			return err
		}
		var sum sql.NullInt64
		err = tx.QueryRow(`SELECT
			COALESCE(SUM(CASE WHEN dest_id=$1 THEN net_amount ELSE 0 END),0) -
			COALESCE(SUM(CASE WHEN source_id=$1 THEN amount ELSE 0 END),0)
			FROM wallet_transactions
			WHERE (source_id=$1 OR dest_id=$1) AND status <> $2`, walletID, models.EntryPending).Scan(&sum)
		if err != nil {
			return apperr.Internal(err)
		}
		if sum.Int64 != w.Balance {
			return apperr.Internal(fmt.Errorf("wallet %s balance %d != entry sum %d", walletID, w.Balance, sum.Int64))
		}
		return nil
	})
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
