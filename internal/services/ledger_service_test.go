package services

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/tutorhive/backend/internal/config"
	"github.com/tutorhive/backend/internal/models"
)

func newTestLedger(t *testing.T) (*CreditLedgerService, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	return NewCreditLedgerService(db, &config.CreditsConfig{LockTimeout: 3 * time.Second}), mock, db
}

func accountRows(id string, balance, reserved int64, version int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "balance", "reserved", "version", "updated_at"}).
		AddRow(id, balance, reserved, version, time.Now())
}

func expectTxStart(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestCreditLedgerService_Append(t *testing.T) {
	service, mock, db := newTestLedger(t)
	defer db.Close()

	t.Run("topup credits the account", func(t *testing.T) {
		expectTxStart(mock)

		mock.ExpectQuery("SELECT id, balance, reserved, version, updated_at").
			WithArgs("acct-1").
			WillReturnRows(accountRows("acct-1", 5000, 0, 1))

		mock.ExpectQuery("SELECT id, account_id, delta, kind, external_ref, created_at").
			WithArgs("acct-1", "pay-1").
			WillReturnError(sql.ErrNoRows)

		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), "acct-1", int64(1000), "topup", "pay-1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE accounts").
			WithArgs(int64(6000), int64(0), sqlmock.AnyArg(), "acct-1", 1).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		entry, err := service.Topup(context.Background(), "acct-1", 1000, "pay-1")
		assert.NoError(t, err)
		assert.Equal(t, int64(1000), entry.Delta)
		assert.Equal(t, models.EntryTopup, entry.Kind)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("replayed reference returns the existing entry", func(t *testing.T) {
		expectTxStart(mock)

		mock.ExpectQuery("SELECT id, balance, reserved, version, updated_at").
			WithArgs("acct-1").
			WillReturnRows(accountRows("acct-1", 6000, 0, 2))

		mock.ExpectQuery("SELECT id, account_id, delta, kind, external_ref, created_at").
			WithArgs("acct-1", "pay-1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "delta", "kind", "external_ref", "created_at"}).
				AddRow("entry-1", "acct-1", 1000, "topup", "pay-1", time.Now()))

		mock.ExpectCommit()

		entry, err := service.Topup(context.Background(), "acct-1", 1000, "pay-1")
		assert.NoError(t, err)
		assert.Equal(t, "entry-1", entry.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("delta below zero balance is rejected", func(t *testing.T) {
		expectTxStart(mock)

		mock.ExpectQuery("SELECT id, balance, reserved, version, updated_at").
			WithArgs("acct-1").
			WillReturnRows(accountRows("acct-1", 500, 0, 1))

		mock.ExpectRollback()

		_, err := service.Append(context.Background(), "acct-1", -1000, models.EntryPurchase, nil)
		assert.ErrorIs(t, err, models.ErrInvalidDelta)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown account", func(t *testing.T) {
		expectTxStart(mock)

		mock.ExpectQuery("SELECT id, balance, reserved, version, updated_at").
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)

		mock.ExpectRollback()

		_, err := service.Append(context.Background(), "missing", 100, models.EntryTopup, nil)
		assert.ErrorIs(t, err, models.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stale version surfaces as busy", func(t *testing.T) {
		expectTxStart(mock)

		mock.ExpectQuery("SELECT id, balance, reserved, version, updated_at").
			WithArgs("acct-1").
			WillReturnRows(accountRows("acct-1", 5000, 0, 1))

		mock.ExpectExec("INSERT INTO ledger_entries").
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE accounts").
			WillReturnResult(sqlmock.NewResult(0, 0))

		mock.ExpectRollback()

		_, err := service.Append(context.Background(), "acct-1", 100, models.EntryTopup, nil)
		assert.ErrorIs(t, err, models.ErrBusy)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCreditLedgerService_Transfer(t *testing.T) {
	service, mock, db := newTestLedger(t)
	defer db.Close()

	t.Run("successful transfer", func(t *testing.T) {
		expectTxStart(mock)

		// acct-a < acct-b, locked in that order
		mock.ExpectQuery("SELECT id, balance, reserved, version, updated_at").
			WithArgs("acct-a").
			WillReturnRows(accountRows("acct-a", 5000, 0, 1))
		mock.ExpectQuery("SELECT id, balance, reserved, version, updated_at").
			WithArgs("acct-b").
			WillReturnRows(accountRows("acct-b", 2000, 0, 1))

		mock.ExpectQuery("SELECT id, account_id, delta, kind, external_ref, created_at").
			WithArgs("acct-a", "ref-1:out").
			WillReturnError(sql.ErrNoRows)

		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), "acct-a", int64(-1000), "transfer_out", "ref-1:out", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), "acct-b", int64(1000), "transfer_in", "ref-1:in", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE accounts").
			WithArgs(int64(4000), int64(0), sqlmock.AnyArg(), "acct-a", 1).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE accounts").
			WithArgs(int64(3000), int64(0), sqlmock.AnyArg(), "acct-b", 1).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		err := service.Transfer(context.Background(), "acct-a", "acct-b", 1000, "ref-1")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("locks in ascending id order regardless of direction", func(t *testing.T) {
		expectTxStart(mock)

		// sender acct-b sorts after receiver acct-a, acct-a still locked first
		mock.ExpectQuery("SELECT id, balance, reserved, version, updated_at").
			WithArgs("acct-a").
			WillReturnRows(accountRows("acct-a", 2000, 0, 1))
		mock.ExpectQuery("SELECT id, balance, reserved, version, updated_at").
			WithArgs("acct-b").
			WillReturnRows(accountRows("acct-b", 5000, 0, 1))

		mock.ExpectQuery("SELECT id, account_id, delta, kind, external_ref, created_at").
			WithArgs("acct-b", "ref-2:out").
			WillReturnError(sql.ErrNoRows)

		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), "acct-b", int64(-500), "transfer_out", "ref-2:out", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), "acct-a", int64(500), "transfer_in", "ref-2:in", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE accounts").
			WithArgs(int64(4500), int64(0), sqlmock.AnyArg(), "acct-b", 1).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE accounts").
			WithArgs(int64(2500), int64(0), sqlmock.AnyArg(), "acct-a", 1).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		err := service.Transfer(context.Background(), "acct-b", "acct-a", 500, "ref-2")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reserved credits are not spendable", func(t *testing.T) {
		expectTxStart(mock)

		mock.ExpectQuery("SELECT id, balance, reserved, version, updated_at").
			WithArgs("acct-a").
			WillReturnRows(accountRows("acct-a", 5000, 4500, 1))
		mock.ExpectQuery("SELECT id, balance, reserved, version, updated_at").
			WithArgs("acct-b").
			WillReturnRows(accountRows("acct-b", 2000, 0, 1))

		mock.ExpectQuery("SELECT id, account_id, delta, kind, external_ref, created_at").
			WithArgs("acct-a", "ref-3:out").
			WillReturnError(sql.ErrNoRows)

		mock.ExpectRollback()

		err := service.Transfer(context.Background(), "acct-a", "acct-b", 1000, "ref-3")
		assert.ErrorIs(t, err, models.ErrInsufficientAvailable)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("replayed reference is a no-op", func(t *testing.T) {
		expectTxStart(mock)

		mock.ExpectQuery("SELECT id, balance, reserved, version, updated_at").
			WithArgs("acct-a").
			WillReturnRows(accountRows("acct-a", 4000, 0, 2))
		mock.ExpectQuery("SELECT id, balance, reserved, version, updated_at").
			WithArgs("acct-b").
			WillReturnRows(accountRows("acct-b", 3000, 0, 2))

		mock.ExpectQuery("SELECT id, account_id, delta, kind, external_ref, created_at").
			WithArgs("acct-a", "ref-1:out").
			WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "delta", "kind", "external_ref", "created_at"}).
				AddRow("entry-out", "acct-a", -1000, "transfer_out", "ref-1:out", time.Now()))

		mock.ExpectRollback()

		err := service.Transfer(context.Background(), "acct-a", "acct-b", 1000, "ref-1")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("self transfer rejected", func(t *testing.T) {
		err := service.Transfer(context.Background(), "acct-a", "acct-a", 1000, "ref-4")
		assert.ErrorIs(t, err, models.ErrInvalidState)
	})

	t.Run("non-positive amount rejected", func(t *testing.T) {
		err := service.Transfer(context.Background(), "acct-a", "acct-b", 0, "ref-5")
		assert.ErrorIs(t, err, models.ErrInvalidDelta)
	})

	t.Run("amount above the configured cap rejected", func(t *testing.T) {
		capped := NewCreditLedgerService(db, &config.CreditsConfig{
			LockTimeout:       3 * time.Second,
			MaxTransferAmount: 10_000,
		})

		err := capped.Transfer(context.Background(), "acct-a", "acct-b", 10_001, "ref-6")
		assert.ErrorIs(t, err, models.ErrInvalidDelta)

		// at the cap still goes through the normal path
		expectTxStart(mock)
		mock.ExpectQuery("SELECT id, balance, reserved, version, updated_at").
			WithArgs("acct-a").
			WillReturnRows(accountRows("acct-a", 50_000, 0, 1))
		mock.ExpectQuery("SELECT id, balance, reserved, version, updated_at").
			WithArgs("acct-b").
			WillReturnRows(accountRows("acct-b", 0, 0, 1))
		mock.ExpectQuery("SELECT id, account_id, delta, kind, external_ref, created_at").
			WithArgs("acct-a", "ref-7:out").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectExec("INSERT INTO ledger_entries").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE accounts").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE accounts").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		err = capped.Transfer(context.Background(), "acct-a", "acct-b", 10_000, "ref-7")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCreditLedgerService_Balance(t *testing.T) {
	service, mock, db := newTestLedger(t)
	defer db.Close()

	t.Run("returns balance and reserved", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, balance, reserved, version, updated_at").
			WithArgs("acct-1").
			WillReturnRows(accountRows("acct-1", 5000, 1200, 3))

		account, err := service.Balance(context.Background(), "acct-1")
		assert.NoError(t, err)
		assert.Equal(t, int64(5000), account.Balance)
		assert.Equal(t, int64(1200), account.Reserved)
		assert.Equal(t, int64(3800), account.Available())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown account", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, balance, reserved, version, updated_at").
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)

		_, err := service.Balance(context.Background(), "missing")
		assert.ErrorIs(t, err, models.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
