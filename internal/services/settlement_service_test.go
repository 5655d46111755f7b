package services

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/tutorhive/backend/internal/config"
	"github.com/tutorhive/backend/internal/models"
)

func newTestSettlement(t *testing.T) (*SettlementService, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	cfg := &config.CreditsConfig{LockTimeout: 3 * time.Second}
	ledger := NewCreditLedgerService(db, cfg)
	reservations := NewReservationService(db, ledger)
	family := NewFamilyService(db, nil, cfg)
	orders := NewOrderService(db, ledger, reservations, family, cfg)
	return NewSettlementService(db, ledger, orders), mock, db
}

func TestSettlementService_Apply(t *testing.T) {
	service, mock, db := newTestSettlement(t)
	defer db.Close()

	t.Run("payment succeeded settles the order", func(t *testing.T) {
		event := &models.PaymentEvent{
			ID:     "evt-1",
			Type:   EventPaymentSucceeded,
			Amount: 3000,
			Metadata: models.EventMetadata{
				OrderID: "ord-1",
			},
		}

		expectTxStart(mock)

		mock.ExpectQuery("SELECT id, payer_account, total, status, reservation_id, created_at, updated_at, expires_at").
			WithArgs("ord-1").
			WillReturnRows(orderRows("ord-1", "acct-1", 3000, "awaiting_payment", nil))

		// topup entry funds the purchase entry
		mock.ExpectQuery("SELECT id, balance, reserved, version, updated_at").
			WithArgs("acct-1").
			WillReturnRows(accountRows("acct-1", 0, 0, 1))
		mock.ExpectQuery("SELECT id, account_id, delta, kind, external_ref, created_at").
			WithArgs("acct-1", "event:evt-1").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), "acct-1", int64(3000), "topup", "event:evt-1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE accounts").
			WithArgs(int64(3000), int64(0), sqlmock.AnyArg(), "acct-1", 1).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectQuery("SELECT id, balance, reserved, version, updated_at").
			WithArgs("acct-1").
			WillReturnRows(accountRows("acct-1", 3000, 0, 2))
		mock.ExpectQuery("SELECT id, account_id, delta, kind, external_ref, created_at").
			WithArgs("acct-1", "order:ord-1").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), "acct-1", int64(-3000), "purchase", "order:ord-1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE accounts").
			WithArgs(int64(0), int64(0), sqlmock.AnyArg(), "acct-1", 2).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE orders").
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("INSERT INTO payment_events").
			WithArgs("evt-1", EventPaymentSucceeded, "ord-1", OutcomeApplied).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		result, err := service.Apply(context.Background(), event)
		assert.NoError(t, err)
		assert.Equal(t, OutcomeApplied, result.Outcome)
		assert.Equal(t, "ord-1", result.OrderID)
		assert.False(t, result.Duplicate)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("payment failed cancels the order", func(t *testing.T) {
		event := &models.PaymentEvent{
			ID:   "evt-2",
			Type: EventPaymentFailed,
			Metadata: models.EventMetadata{
				OrderID: "ord-2",
			},
		}

		expectTxStart(mock)

		mock.ExpectQuery("SELECT id, payer_account, total, status, reservation_id, created_at, updated_at, expires_at").
			WithArgs("ord-2").
			WillReturnRows(orderRows("ord-2", "acct-1", 3000, "awaiting_payment", nil))

		mock.ExpectExec("UPDATE orders").
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("INSERT INTO payment_events").
			WithArgs("evt-2", EventPaymentFailed, "ord-2", OutcomeApplied).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		result, err := service.Apply(context.Background(), event)
		assert.NoError(t, err)
		assert.Equal(t, OutcomeApplied, result.Outcome)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate delivery replays the recorded outcome", func(t *testing.T) {
		event := &models.PaymentEvent{
			ID:   "evt-1",
			Type: EventPaymentSucceeded,
			Metadata: models.EventMetadata{
				OrderID: "ord-1",
			},
		}

		expectTxStart(mock)

		mock.ExpectQuery("SELECT id, payer_account, total, status, reservation_id, created_at, updated_at, expires_at").
			WithArgs("ord-1").
			WillReturnRows(orderRows("ord-1", "acct-1", 3000, "paid", nil))

		mock.ExpectExec("INSERT INTO reconciliation_exceptions").
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("INSERT INTO payment_events").
			WillReturnError(&pq.Error{Code: "23505"})

		mock.ExpectRollback()

		mock.ExpectQuery("SELECT outcome, order_id").
			WithArgs("evt-1").
			WillReturnRows(sqlmock.NewRows([]string{"outcome", "order_id"}).
				AddRow(OutcomeApplied, "ord-1"))

		result, err := service.Apply(context.Background(), event)
		assert.NoError(t, err)
		assert.True(t, result.Duplicate)
		assert.Equal(t, OutcomeApplied, result.Outcome)
		assert.Equal(t, "ord-1", result.OrderID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unrecognized event type is recorded and acknowledged", func(t *testing.T) {
		event := &models.PaymentEvent{
			ID:   "evt-3",
			Type: "customer.updated",
		}

		expectTxStart(mock)

		mock.ExpectExec("INSERT INTO payment_events").
			WithArgs("evt-3", "customer.updated", nil, OutcomeIgnored).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		result, err := service.Apply(context.Background(), event)
		assert.NoError(t, err)
		assert.Equal(t, OutcomeIgnored, result.Outcome)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("uncorrelated event lands in reconciliation exceptions", func(t *testing.T) {
		event := &models.PaymentEvent{
			ID:   "evt-4",
			Type: EventPaymentSucceeded,
			Metadata: models.EventMetadata{
				OrderID: "ord-missing",
			},
		}

		expectTxStart(mock)

		mock.ExpectQuery("SELECT id, payer_account, total, status, reservation_id, created_at, updated_at, expires_at").
			WithArgs("ord-missing").
			WillReturnError(sql.ErrNoRows)

		mock.ExpectExec("INSERT INTO reconciliation_exceptions").
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("INSERT INTO payment_events").
			WithArgs("evt-4", EventPaymentSucceeded, nil, OutcomeException).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		result, err := service.Apply(context.Background(), event)
		assert.NoError(t, err)
		assert.Equal(t, OutcomeException, result.Outcome)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("amount mismatch is an exception, not a settlement", func(t *testing.T) {
		event := &models.PaymentEvent{
			ID:     "evt-5",
			Type:   EventPaymentSucceeded,
			Amount: 100,
			Metadata: models.EventMetadata{
				OrderID: "ord-3",
			},
		}

		expectTxStart(mock)

		mock.ExpectQuery("SELECT id, payer_account, total, status, reservation_id, created_at, updated_at, expires_at").
			WithArgs("ord-3").
			WillReturnRows(orderRows("ord-3", "acct-1", 3000, "awaiting_payment", nil))

		mock.ExpectExec("INSERT INTO reconciliation_exceptions").
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("INSERT INTO payment_events").
			WithArgs("evt-5", EventPaymentSucceeded, "ord-3", OutcomeException).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		result, err := service.Apply(context.Background(), event)
		assert.NoError(t, err)
		assert.Equal(t, OutcomeException, result.Outcome)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
