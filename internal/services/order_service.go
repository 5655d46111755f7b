package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/tutorhive/backend/internal/audit"
	"github.com/tutorhive/backend/internal/config"
	"github.com/tutorhive/backend/internal/models"
)

// PurchaseItem is one line of a purchase request.
type PurchaseItem struct {
	ProductID string `json:"product_id" validate:"required"`
	Title     string `json:"title" validate:"required"`
	UnitPrice int64  `json:"unit_price" validate:"gte=0"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
}

// OrderService drives the purchase lifecycle: order creation with an
// optional credit hold, parent approval or rejection, and expiry of stale
// orders. All status changes go through the order state machine; the hold,
// the order row and the item rows are written in one transaction so a
// crash never leaves a hold without an order.
type OrderService struct {
	db           *sql.DB
	ledger       *CreditLedgerService
	reservations *ReservationService
	family       *FamilyService
	cfg          *config.CreditsConfig
	audit        *audit.Logger
}

func NewOrderService(db *sql.DB, ledger *CreditLedgerService, reservations *ReservationService, family *FamilyService, cfg *config.CreditsConfig) *OrderService {
	return &OrderService{
		db:           db,
		ledger:       ledger,
		reservations: reservations,
		family:       family,
		cfg:          cfg,
		audit:        audit.NewLogger(),
	}
}

// Purchase creates an order for payerAccount. With useCredits the full
// total is held immediately. A payer with a parent in their group lands in
// pending_approval regardless of payment method; otherwise credit orders
// are captured and paid on the spot and card orders wait in
// awaiting_payment for the payment processor.
func (s *OrderService) Purchase(ctx context.Context, payerAccount string, items []PurchaseItem, useCredits bool) (*models.Order, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: order has no items", models.ErrInvalidState)
	}

	var total int64
	for _, item := range items {
		total += item.UnitPrice * int64(item.Quantity)
	}
	if total <= 0 {
		return nil, fmt.Errorf("%w: order total must be positive", models.ErrInvalidDelta)
	}

	needsApproval, err := s.family.HasApprover(ctx, payerAccount)
	if err != nil {
		return nil, err
	}

	tx, err := s.ledger.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	order := &models.Order{
		ID:           uuid.NewString(),
		PayerAccount: payerAccount,
		Total:        total,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}

	if useCredits {
		reservation, err := s.reservations.HoldTx(ctx, tx, payerAccount, total)
		if err != nil {
			return nil, err
		}
		order.ReservationID = &reservation.ID
	}

	switch {
	case needsApproval:
		order.Status = models.OrderPendingApproval
		order.ExpiresAt = order.CreatedAt.Add(s.cfg.OrderApprovalTimeout)
	case useCredits:
		order.Status = models.OrderPaid
	default:
		order.Status = models.OrderAwaitingPayment
		order.ExpiresAt = order.CreatedAt.Add(s.cfg.PaymentTimeout)
	}

	if order.ExpiresAt.IsZero() {
		order.ExpiresAt = order.CreatedAt
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, payer_account, total, status, reservation_id, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		order.ID, order.PayerAccount, order.Total, string(order.Status),
		order.ReservationID, order.CreatedAt, order.UpdatedAt, order.ExpiresAt)
	if err != nil {
		return nil, err
	}

	for _, item := range items {
		orderItem := models.OrderItem{
			ID:        uuid.NewString(),
			OrderID:   order.ID,
			ProductID: item.ProductID,
			Title:     item.Title,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (id, order_id, product_id, title, unit_price, quantity)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			orderItem.ID, orderItem.OrderID, orderItem.ProductID,
			orderItem.Title, orderItem.UnitPrice, orderItem.Quantity)
		if err != nil {
			return nil, err
		}
		order.Items = append(order.Items, orderItem)
	}

	// Self-approved credit purchase: capture the hold in the same
	// transaction so the caller sees a paid order or nothing.
	if order.Status == models.OrderPaid {
		if err := s.reservations.CaptureTx(ctx, tx, *order.ReservationID, models.EntryPurchase, "order:"+order.ID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.audit.LogOperation(order.ID, payerAccount, "ORDER_CREATE", fmt.Sprintf("total %d, status %s", total, order.Status))
	return order, nil
}

// Decide applies a parent's approval decision to a pending order.
func (s *OrderService) Decide(ctx context.Context, orderID, approverAccount string, approve bool) (*models.Order, error) {
	tx, err := s.ledger.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	order, err := s.lockOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	if order.Status != models.OrderPendingApproval {
		return nil, fmt.Errorf("%w: order %s is %s, not pending approval", models.ErrInvalidState, orderID, order.Status)
	}

	allowed, err := s.family.CanAuthorize(ctx, approverAccount, order.PayerAccount)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, fmt.Errorf("%w: account %s cannot approve orders for %s", models.ErrNotAuthorized, approverAccount, order.PayerAccount)
	}

	// Credit orders carry a hold and settle on approval; card orders have
	// nothing to capture yet and move on to wait for the processor.
	next := models.OrderRejected
	if approve {
		if order.ReservationID != nil {
			next = models.OrderPaid
		} else {
			next = models.OrderAwaitingPayment
		}
	}

	if order.ReservationID != nil {
		if approve {
			err = s.reservations.CaptureTx(ctx, tx, *order.ReservationID, models.EntryPurchase, "order:"+order.ID)
		} else {
			err = s.reservations.ReleaseTx(ctx, tx, *order.ReservationID)
		}
		if err != nil {
			return nil, err
		}
	}

	if err := s.transition(ctx, tx, order, next); err != nil {
		return nil, err
	}

	if next == models.OrderAwaitingPayment {
		deadline := time.Now().Add(s.cfg.PaymentTimeout)
		if _, err := tx.ExecContext(ctx, `UPDATE orders SET expires_at = $1 WHERE id = $2`, deadline, order.ID); err != nil {
			return nil, err
		}
		order.ExpiresAt = deadline
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.audit.LogOperation(orderID, approverAccount, "ORDER_DECIDE", string(next))
	return order, nil
}

// Cancel voids a non-terminal order, releasing any hold.
func (s *OrderService) Cancel(ctx context.Context, orderID, requesterAccount string) (*models.Order, error) {
	tx, err := s.ledger.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	order, err := s.lockOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	if order.PayerAccount != requesterAccount {
		allowed, err := s.family.CanAuthorize(ctx, requesterAccount, order.PayerAccount)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, fmt.Errorf("%w: account %s cannot cancel order %s", models.ErrNotAuthorized, requesterAccount, orderID)
		}
	}

	if order.ReservationID != nil {
		if err := s.reservations.ReleaseTx(ctx, tx, *order.ReservationID); err != nil {
			return nil, err
		}
	}

	if err := s.transition(ctx, tx, order, models.OrderCancelled); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.audit.LogOperation(orderID, requesterAccount, "ORDER_CANCEL", "cancelled")
	return order, nil
}

// Get returns an order with its items.
func (s *OrderService) Get(ctx context.Context, orderID string) (*models.Order, error) {
	order := &models.Order{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, payer_account, total, status, reservation_id, created_at, updated_at, expires_at
		FROM orders
		WHERE id = $1`, orderID).
		Scan(&order.ID, &order.PayerAccount, &order.Total, &order.Status,
			&order.ReservationID, &order.CreatedAt, &order.UpdatedAt, &order.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: order %s", models.ErrNotFound, orderID)
		}
		return nil, err
	}

	items, err := s.itemsOf(ctx, orderID)
	if err != nil {
		return nil, err
	}
	order.Items = items
	return order, nil
}

// List returns an account's orders, newest first.
func (s *OrderService) List(ctx context.Context, accountID string, limit int) ([]models.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payer_account, total, status, reservation_id, created_at, updated_at, expires_at
		FROM orders
		WHERE payer_account = $1
		ORDER BY created_at DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var order models.Order
		if err := rows.Scan(&order.ID, &order.PayerAccount, &order.Total, &order.Status,
			&order.ReservationID, &order.CreatedAt, &order.UpdatedAt, &order.ExpiresAt); err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// ExpireStale cancels non-terminal orders past their deadline, releasing
// holds. Called by the sweeper; each order is its own transaction so one
// contended account cannot block the whole sweep.
func (s *OrderService) ExpireStale(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id
		FROM orders
		WHERE status IN ($1, $2) AND expires_at < NOW()`,
		string(models.OrderPendingApproval), string(models.OrderAwaitingPayment))
	if err != nil {
		return 0, err
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		if err := s.expireOne(ctx, id); err != nil {
			log.Printf("[SWEEP] failed to expire order %s: %v", id, err)
			continue
		}
		expired++
	}
	return expired, nil
}

func (s *OrderService) expireOne(ctx context.Context, orderID string) error {
	tx, err := s.ledger.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	order, err := s.lockOrder(ctx, tx, orderID)
	if err != nil {
		return err
	}

	// Re-check under the lock: a webhook or decision may have raced the
	// sweep and already resolved the order.
	if order.Status.Terminal() || order.ExpiresAt.After(time.Now()) {
		return nil
	}

	if order.ReservationID != nil {
		if err := s.reservations.ReleaseTx(ctx, tx, *order.ReservationID); err != nil {
			return err
		}
	}

	if err := s.transition(ctx, tx, order, models.OrderCancelled); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *OrderService) lockOrder(ctx context.Context, tx *sql.Tx, orderID string) (*models.Order, error) {
	order := &models.Order{}
	err := tx.QueryRowContext(ctx, `
		SELECT id, payer_account, total, status, reservation_id, created_at, updated_at, expires_at
		FROM orders
		WHERE id = $1
		FOR UPDATE`, orderID).
		Scan(&order.ID, &order.PayerAccount, &order.Total, &order.Status,
			&order.ReservationID, &order.CreatedAt, &order.UpdatedAt, &order.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: order %s", models.ErrNotFound, orderID)
		}
		return nil, err
	}
	return order, nil
}

// transition moves a locked order to next, enforcing the state machine.
func (s *OrderService) transition(ctx context.Context, tx *sql.Tx, order *models.Order, next models.OrderStatus) error {
	if !order.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: order %s cannot go from %s to %s", models.ErrInvalidState, order.ID, order.Status, next)
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $1, updated_at = NOW()
		WHERE id = $2`, string(next), order.ID)
	if err != nil {
		return err
	}

	order.Status = next
	order.UpdatedAt = time.Now()
	return nil
}

func (s *OrderService) itemsOf(ctx context.Context, orderID string) ([]models.OrderItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, product_id, title, unit_price, quantity
		FROM order_items
		WHERE order_id = $1`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var item models.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID,
			&item.Title, &item.UnitPrice, &item.Quantity); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
