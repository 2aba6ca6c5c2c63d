package handlers

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/backstage/services/orders/internal/domain"
	"example.com/backstage/services/orders/internal/eventstore"
	"example.com/backstage/services/orders/internal/models"
	"example.com/backstage/services/orders/internal/repositories"
	"example.com/backstage/services/orders/internal/saga"
)

// Command structs
type CreateOrderCommand struct {
	OrderID      string             `json:"order_id" validate:"required,uuid"`
	CustomerID   string             `json:"customer_id" validate:"required,uuid"`
	Items        []domain.OrderItem `json:"items" validate:"required,min=1,dive"`
	CurrencyCode string             `json:"currency_code" validate:"required,len=3"`
}

type StartOrderPaymentCommand struct {
	OrderID       string `json:"order_id" validate:"required,uuid"`
	PaymentMethod string `json:"payment_method" validate:"required"`
}

type CancelOrderPaymentCommand struct {
	OrderID string `json:"order_id" validate:"required,uuid"`
	Reason  string `json:"reason"`
}

type RefundOrderCommand struct {
	OrderID string `json:"order_id" validate:"required,uuid"`
}

// OrderHandler executes order commands against the event store and the
// payment saga.
type OrderHandler struct {
	eventStore   eventstore.EventStore
	orders       *repositories.OrderRepository
	orchestrator *saga.Orchestrator
}

// NewOrderHandler creates a new order handler
func NewOrderHandler(es eventstore.EventStore, orders *repositories.OrderRepository, orchestrator *saga.Orchestrator) *OrderHandler {
	return &OrderHandler{
		eventStore:   es,
		orders:       orders,
		orchestrator: orchestrator,
	}
}

// HandleCreateOrder creates the order row and its ORDER_CREATED event in one
// transaction. A redelivered command for an existing order is a no-op.
func (h *OrderHandler) HandleCreateOrder(ctx context.Context, cmd CreateOrderCommand) error {
	if err := domain.ValidateStruct(cmd); err != nil {
		return errors.Wrap(err, "invalid create order command")
	}

	orderID, err := uuid.Parse(cmd.OrderID)
	if err != nil {
		return errors.Wrap(err, "invalid order ID")
	}
	customerID, err := uuid.Parse(cmd.CustomerID)
	if err != nil {
		return errors.Wrap(err, "invalid customer ID")
	}

	existing, err := h.orders.Load(ctx, orderID)
	if err != nil {
		return err
	}
	if existing != nil {
		log.Info().Str("orderID", cmd.OrderID).Msg("Order already exists, skipping create")
		return nil
	}

	var total int64
	for _, item := range cmd.Items {
		total += item.UnitPriceCents * int64(item.Quantity)
	}

	items, err := json.Marshal(cmd.Items)
	if err != nil {
		return errors.Wrap(err, "failed to marshal order items")
	}

	order := &models.Order{
		ID:           orderID,
		CustomerID:   customerID,
		Status:       models.OrderStatusPending,
		CurrencyCode: cmd.CurrencyCode,
		TotalCents:   total,
		Items:        items,
		Version:      1,
	}

	payload := &domain.OrderCreatedPayload{
		OrderID:      cmd.OrderID,
		CustomerID:   cmd.CustomerID,
		Items:        cmd.Items,
		TotalCents:   total,
		CurrencyCode: cmd.CurrencyCode,
	}
	event := domain.NewEvent(domain.OrderCreated, 1, cmd.OrderID, domain.AggregateTypeOrder, payload, domain.Metadata{
		CausationID: "create-order",
		Actor:       "order-commands",
	})

	_, err = h.eventStore.AppendInTransaction(ctx, cmd.OrderID, domain.AggregateTypeOrder, 0, []domain.Event{event}, func(tx *gorm.DB) error {
		return h.orders.CreateInTx(tx, order)
	})
	if err != nil {
		if errors.Is(err, eventstore.ErrVersionConflict) {
			// Lost a race with a concurrent create of the same order.
			log.Info().Str("orderID", cmd.OrderID).Msg("Order already created concurrently")
			return nil
		}
		return err
	}

	log.Info().
		Str("orderID", cmd.OrderID).
		Int64("totalCents", total).
		Msg("Order created")
	return nil
}

// HandleStartOrderPayment runs the payment saga for an order
func (h *OrderHandler) HandleStartOrderPayment(ctx context.Context, cmd StartOrderPaymentCommand) error {
	if err := domain.ValidateStruct(cmd); err != nil {
		return errors.Wrap(err, "invalid start payment command")
	}

	orderID, err := uuid.Parse(cmd.OrderID)
	if err != nil {
		return errors.Wrap(err, "invalid order ID")
	}

	_, err = h.orchestrator.Execute(ctx, orderID, cmd.PaymentMethod)
	return h.swallowBusinessRefusal(err, cmd.OrderID, "start payment")
}

// HandleCancelOrderPayment cancels an in-flight payment saga
func (h *OrderHandler) HandleCancelOrderPayment(ctx context.Context, cmd CancelOrderPaymentCommand) error {
	if err := domain.ValidateStruct(cmd); err != nil {
		return errors.Wrap(err, "invalid cancel payment command")
	}

	orderID, err := uuid.Parse(cmd.OrderID)
	if err != nil {
		return errors.Wrap(err, "invalid order ID")
	}

	_, err = h.orchestrator.Cancel(ctx, orderID, cmd.Reason)
	return h.swallowBusinessRefusal(err, cmd.OrderID, "cancel payment")
}

// HandleRefundOrder refunds a captured payment
func (h *OrderHandler) HandleRefundOrder(ctx context.Context, cmd RefundOrderCommand) error {
	if err := domain.ValidateStruct(cmd); err != nil {
		return errors.Wrap(err, "invalid refund command")
	}

	orderID, err := uuid.Parse(cmd.OrderID)
	if err != nil {
		return errors.Wrap(err, "invalid order ID")
	}

	_, err = h.orchestrator.Refund(ctx, orderID)
	return h.swallowBusinessRefusal(err, cmd.OrderID, "refund")
}

// swallowBusinessRefusal keeps business refusals from bouncing back into the
// queue. Redelivering a command the domain rejected will never succeed, so
// those are logged and completed; anything else stays an error and is
// retried by the broker.
func (h *OrderHandler) swallowBusinessRefusal(err error, orderID, action string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, saga.ErrCaptureNotReversible) ||
		errors.Is(err, saga.ErrNothingToRefund) ||
		errors.Is(err, saga.ErrOrderNotFound) {
		log.Warn().
			Err(err).
			Str("orderID", orderID).
			Str("action", action).
			Msg("Command refused")
		return nil
	}

	return err
}
