package saga

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"example.com/backstage/services/orders/internal/models"
)

// PaymentResult is the explicit outcome of a payment attempt. A declined
// payment is a result, not an error; errors are reserved for transport
// failures and timeouts. Both end the saga the same way.
type PaymentResult struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transaction_id"`
	DeclineReason string `json:"decline_reason,omitempty"`
}

// PaymentGateway charges and refunds payments for orders.
type PaymentGateway interface {
	ProcessPayment(ctx context.Context, orderID string, amountCents int64, currencyCode, method string) (PaymentResult, error)
	Refund(ctx context.Context, transactionID string, amountCents int64) error
}

// ReservationItem is one order line presented to inventory.
type ReservationItem struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

// InventoryService holds and commits stock for orders. Reserve returns a
// reservation ID used by the two follow-up calls. ConfirmReservation is
// final; a confirmed reservation can not be released.
type InventoryService interface {
	Reserve(ctx context.Context, orderID string, items []ReservationItem) (string, error)
	ConfirmReservation(ctx context.Context, reservationID string) error
	ReleaseReservation(ctx context.Context, reservationID string) error
}

// OrderStore loads and persists order aggregate state. SaveInTx runs inside
// the same transaction that appends the order's events.
type OrderStore interface {
	Load(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	SaveInTx(tx *gorm.DB, order *models.Order) error
}
