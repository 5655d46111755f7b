package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/tutorhive/backend/internal/audit"
	"github.com/tutorhive/backend/internal/config"
	"github.com/tutorhive/backend/internal/models"
)

// CreditLedgerService owns every balance mutation. Balances are a
// materialized cache of the ledger: an account row is only ever written in
// the same transaction as the entry that explains the change, under a
// FOR UPDATE row lock.
type CreditLedgerService struct {
	db          *sql.DB
	audit       *audit.Logger
	lockTimeout time.Duration
	maxTransfer int64
}

func NewCreditLedgerService(db *sql.DB, cfg *config.CreditsConfig) *CreditLedgerService {
	return &CreditLedgerService{
		db:          db,
		audit:       audit.NewLogger(),
		lockTimeout: cfg.LockTimeout,
		maxTransfer: cfg.MaxTransferAmount,
	}
}

// BeginTx starts a transaction with the bounded lock timeout applied. All
// ledger-affecting work, including composite flows in other services, goes
// through transactions created here.
func (s *CreditLedgerService) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	ms := s.lockTimeout.Milliseconds()
	if ms <= 0 {
		ms = 3000
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", ms)); err != nil {
		tx.Rollback()
		return nil, err
	}
	return tx, nil
}

// Append records a single ledger entry and updates the account balance in
// one transaction. When externalRef matches an existing entry for the
// account the call is an idempotent replay: the existing entry is returned
// and nothing is written.
func (s *CreditLedgerService) Append(ctx context.Context, accountID string, delta int64, kind models.EntryKind, externalRef *string) (*models.LedgerEntry, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown entry kind %q", models.ErrInvalidState, kind)
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	entry, err := s.AppendTx(ctx, tx, accountID, delta, kind, externalRef)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.audit.LogLedger(entry.ID, accountID, delta, string(kind))
	return entry, nil
}

// AppendTx is Append within a caller-owned transaction. The account row
// lock taken here serializes the replay check against competing writers, so
// the unique index on (account_id, external_ref) only acts as a backstop.
func (s *CreditLedgerService) AppendTx(ctx context.Context, tx *sql.Tx, accountID string, delta int64, kind models.EntryKind, externalRef *string) (*models.LedgerEntry, error) {
	account, err := s.lockAccount(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}

	if externalRef != nil {
		if existing, err := s.findEntryByRef(ctx, tx, accountID, *externalRef); err == nil {
			return existing, nil
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}

	if account.Balance+delta < 0 {
		return nil, fmt.Errorf("%w: balance %d, delta %d", models.ErrInvalidDelta, account.Balance, delta)
	}

	entry, err := s.insertEntry(ctx, tx, accountID, delta, kind, externalRef)
	if err != nil {
		return nil, err
	}

	if err := s.updateAccount(ctx, tx, account, account.Balance+delta, account.Reserved); err != nil {
		return nil, err
	}

	return entry, nil
}

// Transfer moves amount between two accounts as a transfer_out/transfer_in
// entry pair in one transaction. Rows are locked in ascending account-id
// order to avoid deadlocks between concurrent opposing transfers.
func (s *CreditLedgerService) Transfer(ctx context.Context, fromID, toID string, amount int64, reference string) error {
	if amount <= 0 {
		return fmt.Errorf("%w: transfer amount must be positive", models.ErrInvalidDelta)
	}
	if s.maxTransfer > 0 && amount > s.maxTransfer {
		return fmt.Errorf("%w: transfer amount %d exceeds limit %d", models.ErrInvalidDelta, amount, s.maxTransfer)
	}
	if fromID == toID {
		return fmt.Errorf("%w: cannot transfer to the same account", models.ErrInvalidState)
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	firstLock, secondLock := fromID, toID
	if fromID > toID {
		firstLock, secondLock = toID, fromID
	}

	first, err := s.lockAccount(ctx, tx, firstLock)
	if err != nil {
		return err
	}
	second, err := s.lockAccount(ctx, tx, secondLock)
	if err != nil {
		return err
	}

	from, to := first, second
	if firstLock != fromID {
		from, to = second, first
	}

	outRef := reference + ":out"
	inRef := reference + ":in"

	// Replay: the out entry existing means the whole pair was committed.
	if _, err := s.findEntryByRef(ctx, tx, fromID, outRef); err == nil {
		return nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	if from.Available() < amount {
		return fmt.Errorf("%w: available %d, requested %d", models.ErrInsufficientAvailable, from.Available(), amount)
	}

	if _, err := s.insertEntry(ctx, tx, from.ID, -amount, models.EntryTransferOut, &outRef); err != nil {
		return err
	}
	if _, err := s.insertEntry(ctx, tx, to.ID, amount, models.EntryTransferIn, &inRef); err != nil {
		return err
	}

	if err := s.updateAccount(ctx, tx, from, from.Balance-amount, from.Reserved); err != nil {
		return err
	}
	if err := s.updateAccount(ctx, tx, to, to.Balance+amount, to.Reserved); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.audit.LogTransfer(reference, fromID, toID, amount, "SUCCESS")
	return nil
}

// Topup credits an account, idempotent on the external reference.
func (s *CreditLedgerService) Topup(ctx context.Context, accountID string, amount int64, reference string) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: topup amount must be positive", models.ErrInvalidDelta)
	}
	return s.Append(ctx, accountID, amount, models.EntryTopup, &reference)
}

// RewardTask credits a study-task reward exactly once per task.
func (s *CreditLedgerService) RewardTask(ctx context.Context, accountID, taskID string, amount int64) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: reward amount must be positive", models.ErrInvalidDelta)
	}
	ref := "task:" + taskID
	return s.Append(ctx, accountID, amount, models.EntryTaskReward, &ref)
}

// Balance returns the account's balance and reserved amounts.
func (s *CreditLedgerService) Balance(ctx context.Context, accountID string) (*models.Account, error) {
	account := &models.Account{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, balance, reserved, version, updated_at
		FROM accounts
		WHERE id = $1`, accountID).
		Scan(&account.ID, &account.Balance, &account.Reserved, &account.Version, &account.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: account %s", models.ErrNotFound, accountID)
		}
		return nil, err
	}
	return account, nil
}

// Entries lists the most recent ledger entries for an account.
func (s *CreditLedgerService) Entries(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, delta, kind, external_ref, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Delta, &e.Kind, &e.ExternalRef, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *CreditLedgerService) lockAccount(ctx context.Context, tx *sql.Tx, accountID string) (*models.Account, error) {
	account := &models.Account{}
	err := tx.QueryRowContext(ctx, `
		SELECT id, balance, reserved, version, updated_at
		FROM accounts
		WHERE id = $1
		FOR UPDATE`, accountID).
		Scan(&account.ID, &account.Balance, &account.Reserved, &account.Version, &account.UpdatedAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: account %s", models.ErrNotFound, accountID)
		}
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "55P03" {
			return nil, fmt.Errorf("%w: lock on account %s", models.ErrBusy, accountID)
		}
		return nil, err
	}

	return account, nil
}

func (s *CreditLedgerService) findEntryByRef(ctx context.Context, tx *sql.Tx, accountID, externalRef string) (*models.LedgerEntry, error) {
	entry := &models.LedgerEntry{}
	err := tx.QueryRowContext(ctx, `
		SELECT id, account_id, delta, kind, external_ref, created_at
		FROM ledger_entries
		WHERE account_id = $1 AND external_ref = $2`, accountID, externalRef).
		Scan(&entry.ID, &entry.AccountID, &entry.Delta, &entry.Kind, &entry.ExternalRef, &entry.CreatedAt)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *CreditLedgerService) insertEntry(ctx context.Context, tx *sql.Tx, accountID string, delta int64, kind models.EntryKind, externalRef *string) (*models.LedgerEntry, error) {
	entry := &models.LedgerEntry{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		Delta:       delta,
		Kind:        kind,
		ExternalRef: externalRef,
		CreatedAt:   time.Now(),
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account_id, delta, kind, external_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.AccountID, entry.Delta, string(entry.Kind), entry.ExternalRef, entry.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, fmt.Errorf("%w: reference already recorded", models.ErrDuplicateEvent)
		}
		return nil, err
	}

	return entry, nil
}

func (s *CreditLedgerService) updateAccount(ctx context.Context, tx *sql.Tx, account *models.Account, newBalance, newReserved int64) error {
	if newReserved > newBalance || newReserved < 0 || newBalance < 0 {
		return fmt.Errorf("%w: balance %d, reserved %d", models.ErrInvalidDelta, newBalance, newReserved)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = $1, reserved = $2, version = version + 1, updated_at = $3
		WHERE id = $4 AND version = $5`,
		newBalance, newReserved, time.Now(), account.ID, account.Version)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: optimistic lock failed for account %s", models.ErrBusy, account.ID)
	}

	account.Balance = newBalance
	account.Reserved = newReserved
	account.Version++
	return nil
}
