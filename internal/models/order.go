package models

import (
	"time"
)

type OrderStatus string

const (
	OrderPendingApproval OrderStatus = "pending_approval"
	OrderAwaitingPayment OrderStatus = "awaiting_payment"
	OrderPaid            OrderStatus = "paid"
	OrderRejected        OrderStatus = "rejected"
	OrderCancelled       OrderStatus = "cancelled"
)

// orderTransitions encodes the strictly-forward order state machine.
// Paid, rejected and cancelled are terminal.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPendingApproval: {OrderAwaitingPayment, OrderPaid, OrderRejected, OrderCancelled},
	OrderAwaitingPayment: {OrderPaid, OrderCancelled},
}

func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s OrderStatus) Terminal() bool {
	return len(orderTransitions[s]) == 0
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPendingApproval, OrderAwaitingPayment, OrderPaid, OrderRejected, OrderCancelled:
		return true
	}
	return false
}

type OrderItem struct {
	ID        string `json:"id" db:"id"`
	OrderID   string `json:"order_id" db:"order_id"`
	ProductID string `json:"product_id" db:"product_id"`
	Title     string `json:"title" db:"title"`
	UnitPrice int64  `json:"unit_price" db:"unit_price"` // in cents
	Quantity  int    `json:"quantity" db:"quantity"`
}

type Order struct {
	ID            string      `json:"id" db:"id"`
	PayerAccount  string      `json:"payer_account" db:"payer_account"`
	Total         int64       `json:"total" db:"total"` // in cents
	Status        OrderStatus `json:"status" db:"status"`
	ReservationID *string     `json:"reservation_id,omitempty" db:"reservation_id"`
	Items         []OrderItem `json:"items"`
	CreatedAt     time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at" db:"updated_at"`
	ExpiresAt     time.Time   `json:"expires_at" db:"expires_at"`
}
