package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/lib/pq"

	"github.com/tutorhive/backend/internal/audit"
	"github.com/tutorhive/backend/internal/models"
)

const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
)

// Settlement outcomes recorded against payment_events.
const (
	OutcomeApplied   = "applied"
	OutcomeIgnored   = "ignored"
	OutcomeException = "exception"
)

// SettlementService applies payment-processor webhook events to orders,
// exactly once per event id. The event row is claimed by insert before any
// work happens; a duplicate claim rolls back and replays the recorded
// outcome, so retried deliveries are harmless no matter where the first
// attempt got to.
type SettlementService struct {
	db     *sql.DB
	ledger *CreditLedgerService
	orders *OrderService
	audit  *audit.Logger
}

// SettlementResult is what a webhook delivery learns about its event.
type SettlementResult struct {
	EventID   string `json:"event_id"`
	Outcome   string `json:"outcome"`
	OrderID   string `json:"order_id,omitempty"`
	Duplicate bool   `json:"duplicate"`
}

func NewSettlementService(db *sql.DB, ledger *CreditLedgerService, orders *OrderService) *SettlementService {
	return &SettlementService{
		db:     db,
		ledger: ledger,
		orders: orders,
		audit:  audit.NewLogger(),
	}
}

// Apply settles one webhook event. Unrecognized event types are recorded
// and acknowledged so the processor stops redelivering them.
func (s *SettlementService) Apply(ctx context.Context, event *models.PaymentEvent) (*SettlementResult, error) {
	tx, err := s.ledger.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	result, err := s.applyTx(ctx, tx, event)
	if err != nil {
		if errors.Is(err, models.ErrDuplicateEvent) {
			// The claim insert aborted the transaction; the prior
			// outcome lives outside it.
			tx.Rollback()
			return s.priorOutcome(ctx, event.ID)
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.audit.LogOperation(event.ID, event.Metadata.AccountID, "SETTLEMENT", result.Outcome)
	return result, nil
}

func (s *SettlementService) applyTx(ctx context.Context, tx *sql.Tx, event *models.PaymentEvent) (*SettlementResult, error) {
	result := &SettlementResult{EventID: event.ID}

	if event.Type != EventPaymentSucceeded && event.Type != EventPaymentFailed {
		log.Printf("[SETTLE] ignoring unrecognized event type %q (event %s)", event.Type, event.ID)
		result.Outcome = OutcomeIgnored
		return result, s.claim(ctx, tx, event, result.Outcome, nil)
	}

	if event.Metadata.OrderID == "" {
		result.Outcome = OutcomeException
		if err := s.recordException(ctx, tx, event, "event carries no order_id"); err != nil {
			return nil, err
		}
		return result, s.claim(ctx, tx, event, result.Outcome, nil)
	}

	order, err := s.orders.lockOrder(ctx, tx, event.Metadata.OrderID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			result.Outcome = OutcomeException
			if recErr := s.recordException(ctx, tx, event, fmt.Sprintf("order %s not found", event.Metadata.OrderID)); recErr != nil {
				return nil, recErr
			}
			return result, s.claim(ctx, tx, event, result.Outcome, nil)
		}
		return nil, err
	}
	result.OrderID = order.ID

	if order.Status != models.OrderAwaitingPayment {
		result.Outcome = OutcomeException
		if err := s.recordException(ctx, tx, event,
			fmt.Sprintf("order %s is %s, not awaiting payment", order.ID, order.Status)); err != nil {
			return nil, err
		}
		return result, s.claim(ctx, tx, event, result.Outcome, &order.ID)
	}

	switch event.Type {
	case EventPaymentSucceeded:
		if event.Amount != order.Total {
			result.Outcome = OutcomeException
			if err := s.recordException(ctx, tx, event,
				fmt.Sprintf("amount %d does not match order total %d", event.Amount, order.Total)); err != nil {
				return nil, err
			}
			return result, s.claim(ctx, tx, event, result.Outcome, &order.ID)
		}

		// Credit the payment in, then spend it on the order, so the
		// ledger shows both the funding and the purchase.
		topupRef := "event:" + event.ID
		if _, err := s.ledger.AppendTx(ctx, tx, order.PayerAccount, order.Total, models.EntryTopup, &topupRef); err != nil {
			return nil, err
		}
		purchaseRef := "order:" + order.ID
		if _, err := s.ledger.AppendTx(ctx, tx, order.PayerAccount, -order.Total, models.EntryPurchase, &purchaseRef); err != nil {
			return nil, err
		}
		if err := s.orders.transition(ctx, tx, order, models.OrderPaid); err != nil {
			return nil, err
		}

	case EventPaymentFailed:
		if err := s.orders.transition(ctx, tx, order, models.OrderCancelled); err != nil {
			return nil, err
		}
	}

	result.Outcome = OutcomeApplied
	return result, s.claim(ctx, tx, event, result.Outcome, &order.ID)
}

// claim records the event id with its outcome. A unique violation means
// another delivery already settled this event.
func (s *SettlementService) claim(ctx context.Context, tx *sql.Tx, event *models.PaymentEvent, outcome string, orderID *string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO payment_events (event_id, event_type, order_id, outcome)
		VALUES ($1, $2, $3, $4)`,
		event.ID, event.Type, orderID, outcome)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: event %s", models.ErrDuplicateEvent, event.ID)
		}
		return err
	}
	return nil
}

// priorOutcome replays the recorded result of an already-settled event.
func (s *SettlementService) priorOutcome(ctx context.Context, eventID string) (*SettlementResult, error) {
	result := &SettlementResult{EventID: eventID, Duplicate: true}
	var orderID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT outcome, order_id
		FROM payment_events
		WHERE event_id = $1`, eventID).Scan(&result.Outcome, &orderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: event %s", models.ErrNotFound, eventID)
		}
		return nil, err
	}
	result.OrderID = orderID.String
	log.Printf("[SETTLE] duplicate delivery of event %s, replaying outcome %s", eventID, result.Outcome)
	return result, nil
}

func (s *SettlementService) recordException(ctx context.Context, tx *sql.Tx, event *models.PaymentEvent, reason string) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO reconciliation_exceptions (event_id, event_type, reason, payload)
		VALUES ($1, $2, $3, $4)`,
		event.ID, event.Type, reason, payload)
	if err == nil {
		log.Printf("[SETTLE] reconciliation exception for event %s: %s", event.ID, reason)
		s.audit.LogError("event:"+event.ID, event.Metadata.OrderID, errors.New(reason))
	}
	return err
}

// Exceptions lists unresolved reconciliation exceptions for review.
func (s *SettlementService) Exceptions(ctx context.Context, limit int) ([]models.ReconciliationException, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, event_type, reason, payload, created_at
		FROM reconciliation_exceptions
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exceptions []models.ReconciliationException
	for rows.Next() {
		var e models.ReconciliationException
		if err := rows.Scan(&e.ID, &e.EventID, &e.EventType, &e.Reason, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		exceptions = append(exceptions, e)
	}
	return exceptions, rows.Err()
}
