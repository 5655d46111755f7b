package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tutorhive/backend/internal/audit"
	"github.com/tutorhive/backend/internal/models"
)

// ReservationService places and resolves holds against available balance.
// A reservation leaves balance untouched and raises reserved; capture and
// release are terminal and each produces exactly one ledger entry, all in
// one transaction with the account update.
type ReservationService struct {
	db     *sql.DB
	ledger *CreditLedgerService
	audit  *audit.Logger
}

func NewReservationService(db *sql.DB, ledger *CreditLedgerService) *ReservationService {
	return &ReservationService{
		db:     db,
		ledger: ledger,
		audit:  audit.NewLogger(),
	}
}

// Hold reserves amount of available balance.
func (s *ReservationService) Hold(ctx context.Context, accountID string, amount int64) (*models.Reservation, error) {
	tx, err := s.ledger.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	reservation, err := s.HoldTx(ctx, tx, accountID, amount)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.audit.LogOperation(reservation.ID, accountID, "RESERVATION_HOLD", fmt.Sprintf("held %d", amount))
	return reservation, nil
}

// HoldTx is Hold within a caller-owned transaction.
func (s *ReservationService) HoldTx(ctx context.Context, tx *sql.Tx, accountID string, amount int64) (*models.Reservation, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: hold amount must be positive", models.ErrInvalidDelta)
	}

	account, err := s.ledger.lockAccount(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}

	if account.Available() < amount {
		return nil, fmt.Errorf("%w: available %d, requested %d", models.ErrInsufficientAvailable, account.Available(), amount)
	}

	reservation := &models.Reservation{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Amount:    amount,
		Status:    models.ReservationHeld,
		CreatedAt: time.Now(),
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO reservations (id, account_id, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		reservation.ID, reservation.AccountID, reservation.Amount, string(reservation.Status), reservation.CreatedAt)
	if err != nil {
		return nil, err
	}

	holdRef := "hold:" + reservation.ID
	if _, err := s.ledger.insertEntry(ctx, tx, accountID, 0, models.EntryReservationHold, &holdRef); err != nil {
		return nil, err
	}

	if err := s.ledger.updateAccount(ctx, tx, account, account.Balance, account.Reserved+amount); err != nil {
		return nil, err
	}

	return reservation, nil
}

// Release voids a held reservation, freeing the reserved amount. Balance is
// unchanged; a bookkeeping entry with delta 0 marks the release.
func (s *ReservationService) Release(ctx context.Context, reservationID string) error {
	tx, err := s.ledger.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.ReleaseTx(ctx, tx, reservationID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.audit.LogOperation(reservationID, "", "RESERVATION_RELEASE", "released")
	return nil
}

// ReleaseTx is Release within a caller-owned transaction.
func (s *ReservationService) ReleaseTx(ctx context.Context, tx *sql.Tx, reservationID string) error {
	reservation, err := s.resolve(ctx, tx, reservationID, models.ReservationReleased)
	if err != nil {
		return err
	}

	account, err := s.ledger.lockAccount(ctx, tx, reservation.AccountID)
	if err != nil {
		return err
	}

	releaseRef := "release:" + reservationID
	if _, err := s.ledger.insertEntry(ctx, tx, reservation.AccountID, 0, models.EntryReservationRelease, &releaseRef); err != nil {
		return err
	}

	return s.ledger.updateAccount(ctx, tx, account, account.Balance, account.Reserved-reservation.Amount)
}

// Capture spends a held reservation: one negative entry of kind, balance
// and reserved both decrease by the reserved amount.
func (s *ReservationService) Capture(ctx context.Context, reservationID string, kind models.EntryKind, externalRef string) error {
	tx, err := s.ledger.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.CaptureTx(ctx, tx, reservationID, kind, externalRef); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.audit.LogOperation(reservationID, "", "RESERVATION_CAPTURE", "captured")
	return nil
}

// CaptureTx is Capture within a caller-owned transaction.
func (s *ReservationService) CaptureTx(ctx context.Context, tx *sql.Tx, reservationID string, kind models.EntryKind, externalRef string) error {
	if kind != models.EntryPurchase && kind != models.EntryTransferOut {
		return fmt.Errorf("%w: cannot capture as %q", models.ErrInvalidState, kind)
	}

	reservation, err := s.resolve(ctx, tx, reservationID, models.ReservationCaptured)
	if err != nil {
		return err
	}

	account, err := s.ledger.lockAccount(ctx, tx, reservation.AccountID)
	if err != nil {
		return err
	}

	if _, err := s.ledger.insertEntry(ctx, tx, reservation.AccountID, -reservation.Amount, kind, &externalRef); err != nil {
		return err
	}

	return s.ledger.updateAccount(ctx, tx, account,
		account.Balance-reservation.Amount, account.Reserved-reservation.Amount)
}

// Get returns a reservation by id.
func (s *ReservationService) Get(ctx context.Context, reservationID string) (*models.Reservation, error) {
	reservation := &models.Reservation{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, amount, status, created_at, resolved_at
		FROM reservations
		WHERE id = $1`, reservationID).
		Scan(&reservation.ID, &reservation.AccountID, &reservation.Amount,
			&reservation.Status, &reservation.CreatedAt, &reservation.ResolvedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: reservation %s", models.ErrNotFound, reservationID)
		}
		return nil, err
	}
	return reservation, nil
}

// resolve transitions a reservation out of held. The guarded UPDATE is the
// terminal-state enforcement: zero rows affected means the reservation was
// already resolved (or never existed), so at most one of release/capture
// can ever succeed.
func (s *ReservationService) resolve(ctx context.Context, tx *sql.Tx, reservationID string, to models.ReservationStatus) (*models.Reservation, error) {
	reservation := &models.Reservation{}
	err := tx.QueryRowContext(ctx, `
		UPDATE reservations
		SET status = $1, resolved_at = $2
		WHERE id = $3 AND status = $4
		RETURNING id, account_id, amount, status, created_at, resolved_at`,
		string(to), time.Now(), reservationID, string(models.ReservationHeld)).
		Scan(&reservation.ID, &reservation.AccountID, &reservation.Amount,
			&reservation.Status, &reservation.CreatedAt, &reservation.ResolvedAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			var exists bool
			if checkErr := tx.QueryRowContext(ctx,
				`SELECT EXISTS(SELECT 1 FROM reservations WHERE id = $1)`, reservationID).Scan(&exists); checkErr != nil {
				return nil, checkErr
			}
			if !exists {
				return nil, fmt.Errorf("%w: reservation %s", models.ErrNotFound, reservationID)
			}
			return nil, fmt.Errorf("%w: reservation %s already resolved", models.ErrInvalidState, reservationID)
		}
		return nil, err
	}

	return reservation, nil
}
