package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/orders/internal/handlers"
	"example.com/backstage/services/orders/internal/tracing"
)

// Command type definitions
const (
	CreateOrder        = "CreateOrder"
	StartOrderPayment  = "StartOrderPayment"
	CancelOrderPayment = "CancelOrderPayment"
	RefundOrder        = "RefundOrder"
)

// CommandMessage is the common message structure
type CommandMessage struct {
	CommandType string          `json:"commandType"`
	Data        json.RawMessage `json:"data"`
}

type MessageProcessor interface {
	ProcessMessage(ctx context.Context, message *azservicebus.ReceivedMessage) error
}

// Processor routes command messages to the order handler.
type Processor struct {
	orderHandler *handlers.OrderHandler
	tracer       tracing.Tracer
}

func NewProcessor(orderHandler *handlers.OrderHandler, tracer tracing.Tracer) *Processor {
	return &Processor{
		orderHandler: orderHandler,
		tracer:       tracer,
	}
}

func (p *Processor) ProcessMessage(ctx context.Context, message *azservicebus.ReceivedMessage) error {
	var msg CommandMessage
	if err := json.Unmarshal(message.Body, &msg); err != nil {
		return fmt.Errorf("error unmarshalling message: %w", err)
	}

	txn := p.tracer.StartTransaction("process-command")
	defer p.tracer.EndTransaction(txn)
	p.tracer.AddAttribute(txn, "command_type", msg.CommandType)

	log.Info().Str("commandType", msg.CommandType).Msg("Processing message")

	if err := p.dispatch(ctx, msg); err != nil {
		p.tracer.RecordError(txn, err)
		return err
	}
	return nil
}

func (p *Processor) dispatch(ctx context.Context, msg CommandMessage) error {
	switch msg.CommandType {
	case CreateOrder:
		var cmd handlers.CreateOrderCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			return err
		}
		return p.orderHandler.HandleCreateOrder(ctx, cmd)

	case StartOrderPayment:
		var cmd handlers.StartOrderPaymentCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			return err
		}
		return p.orderHandler.HandleStartOrderPayment(ctx, cmd)

	case CancelOrderPayment:
		var cmd handlers.CancelOrderPaymentCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			return err
		}
		return p.orderHandler.HandleCancelOrderPayment(ctx, cmd)

	case RefundOrder:
		var cmd handlers.RefundOrderCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			return err
		}
		return p.orderHandler.HandleRefundOrder(ctx, cmd)

	default:
		log.Warn().Str("commandType", msg.CommandType).Msg("Unknown command type")
		return nil
	}
}
