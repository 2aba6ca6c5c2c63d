package domain

import (
	"time"

	"github.com/google/uuid"
)

// Aggregate types
const (
	AggregateTypeOrder = "ORDER"
)

// EventType constants
const (
	// Order events
	OrderCreated       = "ORDER_CREATED"
	OrderConfirmed     = "ORDER_CONFIRMED"
	OrderPaid          = "ORDER_PAID"
	OrderPaymentFailed = "ORDER_PAYMENT_FAILED"
	OrderCancelled     = "ORDER_CANCELLED"
	OrderRefunded      = "ORDER_REFUNDED"
)

// Metadata carries tracing context alongside an event payload.
type Metadata struct {
	CausationID   string `json:"causation_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Actor         string `json:"actor,omitempty"`
}

// Event represents a domain event
type Event struct {
	ID               uuid.UUID   `json:"id"`
	EventType        string      `json:"event_type"`
	EventVersion     int         `json:"event_version"`
	AggregateID      string      `json:"aggregate_id"`
	AggregateType    string      `json:"aggregate_type"`
	AggregateVersion int         `json:"aggregate_version"`
	Sequence         int64       `json:"sequence"`
	Payload          interface{} `json:"payload"`
	Metadata         Metadata    `json:"metadata"`
	OccurredAt       time.Time   `json:"occurred_at"`
}

// NewEvent builds an event with a fresh ID and UTC timestamp. The store fills
// AggregateVersion and Sequence at append time.
func NewEvent(eventType string, eventVersion int, aggregateID, aggregateType string, payload interface{}, meta Metadata) Event {
	return Event{
		ID:            uuid.New(),
		EventType:     eventType,
		EventVersion:  eventVersion,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Payload:       payload,
		Metadata:      meta,
		OccurredAt:    time.Now().UTC(),
	}
}

// OrderItem is one line of an order.
type OrderItem struct {
	SKU            string `json:"sku" validate:"required"`
	Quantity       int    `json:"quantity" validate:"required,gt=0"`
	UnitPriceCents int64  `json:"unit_price_cents" validate:"gte=0"`
}

// Order Events

// OrderCreatedPayload represents an order created event
type OrderCreatedPayload struct {
	OrderID      string      `json:"order_id" validate:"required,uuid"`
	CustomerID   string      `json:"customer_id" validate:"required,uuid"`
	Items        []OrderItem `json:"items" validate:"required,min=1,dive"`
	TotalCents   int64       `json:"total_cents" validate:"gt=0"`
	CurrencyCode string      `json:"currency_code" validate:"required,len=3"`
}

// OrderConfirmedPayload represents an order confirmed event
type OrderConfirmedPayload struct {
	OrderID       string `json:"order_id" validate:"required,uuid"`
	ReservationID string `json:"reservation_id" validate:"required"`
}

// OrderPaidPayload represents an order paid event
type OrderPaidPayload struct {
	OrderID       string `json:"order_id" validate:"required,uuid"`
	TransactionID string `json:"transaction_id" validate:"required"`
	AmountCents   int64  `json:"amount_cents" validate:"gt=0"`
	CurrencyCode  string `json:"currency_code" validate:"required,len=3"`
}

// OrderPaymentFailedPayload represents an order payment failed event
type OrderPaymentFailedPayload struct {
	OrderID    string `json:"order_id" validate:"required,uuid"`
	Reason     string `json:"reason" validate:"required"`
	FailedStep string `json:"failed_step,omitempty"`
}

// OrderCancelledPayload represents an order cancelled event
type OrderCancelledPayload struct {
	OrderID string `json:"order_id" validate:"required,uuid"`
	Reason  string `json:"reason,omitempty"`
}

// OrderRefundedPayload represents an order refunded event
type OrderRefundedPayload struct {
	OrderID       string `json:"order_id" validate:"required,uuid"`
	TransactionID string `json:"transaction_id" validate:"required"`
	AmountCents   int64  `json:"amount_cents" validate:"gt=0"`
}
