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

func newTestReservations(t *testing.T) (*ReservationService, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	ledger := NewCreditLedgerService(db, &config.CreditsConfig{LockTimeout: 3 * time.Second})
	return NewReservationService(db, ledger), mock, db
}

func reservationRows(id, accountID string, amount int64, status string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "account_id", "amount", "status", "created_at", "resolved_at"}).
		AddRow(id, accountID, amount, status, time.Now(), nil)
}

func TestReservationService_Hold(t *testing.T) {
	service, mock, db := newTestReservations(t)
	defer db.Close()

	t.Run("hold reserves available balance", func(t *testing.T) {
		expectTxStart(mock)

		mock.ExpectQuery("SELECT id, balance, reserved, version, updated_at").
			WithArgs("acct-1").
			WillReturnRows(accountRows("acct-1", 5000, 1000, 1))

		mock.ExpectExec("INSERT INTO reservations").
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), "acct-1", int64(0), "reservation_hold", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		// balance untouched, reserved raised
		mock.ExpectExec("UPDATE accounts").
			WithArgs(int64(5000), int64(3000), sqlmock.AnyArg(), "acct-1", 1).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		reservation, err := service.Hold(context.Background(), "acct-1", 2000)
		assert.NoError(t, err)
		assert.Equal(t, models.ReservationHeld, reservation.Status)
		assert.Equal(t, int64(2000), reservation.Amount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("hold beyond available fails", func(t *testing.T) {
		expectTxStart(mock)

		mock.ExpectQuery("SELECT id, balance, reserved, version, updated_at").
			WithArgs("acct-1").
			WillReturnRows(accountRows("acct-1", 5000, 4000, 1))

		mock.ExpectRollback()

		_, err := service.Hold(context.Background(), "acct-1", 2000)
		assert.ErrorIs(t, err, models.ErrInsufficientAvailable)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-positive amount rejected", func(t *testing.T) {
		expectTxStart(mock)
		mock.ExpectRollback()

		_, err := service.Hold(context.Background(), "acct-1", 0)
		assert.ErrorIs(t, err, models.ErrInvalidDelta)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestReservationService_Release(t *testing.T) {
	service, mock, db := newTestReservations(t)
	defer db.Close()

	t.Run("release frees the reserved amount", func(t *testing.T) {
		expectTxStart(mock)

		mock.ExpectQuery("UPDATE reservations").
			WillReturnRows(reservationRows("res-1", "acct-1", 2000, "released"))

		mock.ExpectQuery("SELECT id, balance, reserved, version, updated_at").
			WithArgs("acct-1").
			WillReturnRows(accountRows("acct-1", 5000, 3000, 2))

		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), "acct-1", int64(0), "reservation_release", "release:res-1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE accounts").
			WithArgs(int64(5000), int64(1000), sqlmock.AnyArg(), "acct-1", 2).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		err := service.Release(context.Background(), "res-1")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already resolved reservation", func(t *testing.T) {
		expectTxStart(mock)

		mock.ExpectQuery("UPDATE reservations").
			WillReturnError(sql.ErrNoRows)

		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("res-1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		mock.ExpectRollback()

		err := service.Release(context.Background(), "res-1")
		assert.ErrorIs(t, err, models.ErrInvalidState)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown reservation", func(t *testing.T) {
		expectTxStart(mock)

		mock.ExpectQuery("UPDATE reservations").
			WillReturnError(sql.ErrNoRows)

		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		mock.ExpectRollback()

		err := service.Release(context.Background(), "missing")
		assert.ErrorIs(t, err, models.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestReservationService_Capture(t *testing.T) {
	service, mock, db := newTestReservations(t)
	defer db.Close()

	t.Run("capture spends the hold", func(t *testing.T) {
		expectTxStart(mock)

		mock.ExpectQuery("UPDATE reservations").
			WillReturnRows(reservationRows("res-1", "acct-1", 2000, "captured"))

		mock.ExpectQuery("SELECT id, balance, reserved, version, updated_at").
			WithArgs("acct-1").
			WillReturnRows(accountRows("acct-1", 5000, 2000, 2))

		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), "acct-1", int64(-2000), "purchase", "order:ord-1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE accounts").
			WithArgs(int64(3000), int64(0), sqlmock.AnyArg(), "acct-1", 2).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		err := service.Capture(context.Background(), "res-1", models.EntryPurchase, "order:ord-1")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("capture kind restricted to spends", func(t *testing.T) {
		expectTxStart(mock)
		mock.ExpectRollback()

		err := service.Capture(context.Background(), "res-1", models.EntryTopup, "ref")
		assert.ErrorIs(t, err, models.ErrInvalidState)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
