package saga

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/backstage/services/orders/config"
	"example.com/backstage/services/orders/internal/domain"
	"example.com/backstage/services/orders/internal/eventstore"
	"example.com/backstage/services/orders/internal/metrics"
	"example.com/backstage/services/orders/internal/models"
)

// SagaTypeOrderPayment identifies the payment saga in the instance store.
const SagaTypeOrderPayment = "ORDER_PAYMENT"

// Step names in execution order.
const (
	StepReserveInventory   = "RESERVE_INVENTORY"
	StepProcessPayment     = "PROCESS_PAYMENT"
	StepConfirmReservation = "CONFIRM_RESERVATION"
	StepMarkOrderPaid      = "MARK_ORDER_PAID"
)

// Compensation names recorded on the instance.
const (
	CompReleaseReservation = "RELEASE_RESERVATION"
	CompRefundPayment      = "REFUND_PAYMENT"
)

// ReasonCancelled marks a saga ended by an explicit cancel command rather
// than a step failure.
const ReasonCancelled = "cancelled"

var paymentSteps = []string{
	StepReserveInventory,
	StepProcessPayment,
	StepConfirmReservation,
	StepMarkOrderPaid,
}

var (
	// ErrOrderNotFound means the business key does not match a stored order.
	ErrOrderNotFound = errors.New("order not found")

	// ErrCaptureNotReversible means the payment was already captured, so a
	// cancel can no longer unwind the saga. The refund flow is the way out.
	ErrCaptureNotReversible = errors.New("payment already captured, use refund")

	// ErrNothingToRefund means no captured payment exists for the order.
	ErrNothingToRefund = errors.New("no captured payment to refund")
)

// Orchestrator drives the order payment saga:
// reserve inventory, process payment, confirm reservation, mark order paid.
// Any step failure compensates the completed steps in reverse order. Every
// transition is persisted so a crashed run can resume where it stopped.
type Orchestrator struct {
	eventStore  eventstore.EventStore
	instances   *InstanceStore
	orders      OrderStore
	payments    PaymentGateway
	inventory   InventoryService
	metrics     *metrics.Metrics
	stepTimeout time.Duration
	resumeAfter time.Duration
}

// NewOrchestrator creates a new payment saga orchestrator
func NewOrchestrator(
	eventStore eventstore.EventStore,
	instances *InstanceStore,
	orders OrderStore,
	payments PaymentGateway,
	inventory InventoryService,
	m *metrics.Metrics,
	cfg config.SagaConfig,
) *Orchestrator {
	stepTimeout := cfg.StepTimeout
	if stepTimeout <= 0 {
		stepTimeout = 10 * time.Second
	}
	resumeAfter := cfg.ResumeAfter
	if resumeAfter <= 0 {
		resumeAfter = 5 * time.Minute
	}
	return &Orchestrator{
		eventStore:  eventStore,
		instances:   instances,
		orders:      orders,
		payments:    payments,
		inventory:   inventory,
		metrics:     m,
		stepTimeout: stepTimeout,
		resumeAfter: resumeAfter,
	}
}

// Execute runs the payment saga for an order. Calling it again for the same
// order resumes an interrupted run or returns the recorded outcome.
func (o *Orchestrator) Execute(ctx context.Context, orderID uuid.UUID, paymentMethod string) (*Instance, error) {
	existing, err := o.instances.FindByBusinessKey(ctx, SagaTypeOrderPayment, orderID.String())
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Terminal() {
			log.Info().
				Str("orderID", orderID.String()).
				Str("state", existing.State).
				Msg("Payment saga already finished")
			return existing, nil
		}
		return o.resume(ctx, existing)
	}

	order, err := o.orders.Load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, errors.Wrapf(ErrOrderNotFound, "order %s", orderID)
	}
	if order.Status != models.OrderStatusPending {
		return nil, errors.Errorf("order %s is %s, payment requires a pending order", orderID, order.Status)
	}

	inst := &Instance{
		ID:          uuid.New(),
		SagaType:    SagaTypeOrderPayment,
		BusinessKey: orderID.String(),
		State:       models.SagaStateRunning,
		CurrentStep: StepReserveInventory,
		Context: PaymentContext{
			OrderID:       orderID.String(),
			CustomerID:    order.CustomerID.String(),
			AmountCents:   order.TotalCents,
			CurrencyCode:  order.CurrencyCode,
			PaymentMethod: paymentMethod,
		},
	}

	if err := o.instances.Create(ctx, inst); err != nil {
		return nil, err
	}

	o.metrics.IncrementCounter(metrics.CounterSagasStarted)
	log.Info().
		Str("orderID", orderID.String()).
		Str("sagaID", inst.ID.String()).
		Msg("Payment saga started")

	return o.runFrom(ctx, inst, 0)
}

// Cancel stops an in-flight saga before the payment is captured and unwinds
// its completed steps. A saga without a live instance cancels the pending
// order directly. After capture the refund flow must be used instead.
func (o *Orchestrator) Cancel(ctx context.Context, orderID uuid.UUID, reason string) (*Instance, error) {
	if reason == "" {
		reason = ReasonCancelled
	}

	inst, err := o.instances.FindByBusinessKey(ctx, SagaTypeOrderPayment, orderID.String())
	if err != nil {
		return nil, err
	}

	if inst == nil {
		return nil, o.cancelPendingOrder(ctx, orderID, reason)
	}

	if inst.State == models.SagaStatePaid {
		return nil, errors.Wrapf(ErrCaptureNotReversible, "order %s", orderID)
	}
	if inst.State == models.SagaStatePaymentFailed {
		return inst, nil
	}
	if inst.StepCompleted(StepProcessPayment) {
		return nil, errors.Wrapf(ErrCaptureNotReversible, "order %s", orderID)
	}

	inst.Context.Cancelled = true
	inst.Context.Reason = reason
	log.Info().
		Str("orderID", orderID.String()).
		Str("step", inst.CurrentStep).
		Msg("Cancelling payment saga")

	return o.fail(ctx, inst)
}

// Refund reverses a captured payment for a paid order and records the order
// as refunded. This is the post-capture counterpart of Cancel.
func (o *Orchestrator) Refund(ctx context.Context, orderID uuid.UUID) (*Instance, error) {
	inst, err := o.instances.FindByBusinessKey(ctx, SagaTypeOrderPayment, orderID.String())
	if err != nil {
		return nil, err
	}
	if inst == nil || inst.State != models.SagaStatePaid {
		return nil, errors.Wrapf(ErrNothingToRefund, "order %s", orderID)
	}

	order, err := o.orders.Load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, errors.Wrapf(ErrOrderNotFound, "order %s", orderID)
	}
	if order.Status == models.OrderStatusRefunded {
		return inst, nil
	}

	refundCtx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	defer cancel()
	if err := o.payments.Refund(refundCtx, inst.Context.TransactionID, inst.Context.AmountCents); err != nil {
		return nil, errors.Wrap(err, "refund failed")
	}

	payload := &domain.OrderRefundedPayload{
		OrderID:       inst.Context.OrderID,
		TransactionID: inst.Context.TransactionID,
		AmountCents:   inst.Context.AmountCents,
	}
	err = o.appendOrderEvent(ctx, inst, "refund", domain.OrderRefunded, payload, func(order *models.Order) {
		order.Status = models.OrderStatusRefunded
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("orderID", orderID.String()).
		Str("transactionID", inst.Context.TransactionID).
		Msg("Order refunded")

	return inst, nil
}

// ResumeUnfinished picks up sagas interrupted by a crash and drives each to
// a terminal state. Only instances untouched for the resume window qualify,
// so a saga a live worker is still executing is left alone. A compare-and-set
// loss mid-resume means another worker claimed the instance first; that saga
// is skipped, not retried.
func (o *Orchestrator) ResumeUnfinished(ctx context.Context, limit int) error {
	instances, err := o.instances.FindUnfinished(ctx, SagaTypeOrderPayment, o.resumeAfter, limit)
	if err != nil {
		return err
	}

	for _, inst := range instances {
		if _, err := o.resume(ctx, inst); err != nil {
			if errors.Is(err, ErrInstanceConflict) {
				log.Info().
					Str("orderID", inst.Context.OrderID).
					Msg("Saga claimed by another worker, skipping")
				continue
			}
			log.Error().
				Err(err).
				Str("orderID", inst.Context.OrderID).
				Msg("Failed to resume saga")
		}
	}

	return nil
}

func (o *Orchestrator) resume(ctx context.Context, inst *Instance) (*Instance, error) {
	log.Info().
		Str("orderID", inst.Context.OrderID).
		Str("state", inst.State).
		Str("step", inst.CurrentStep).
		Msg("Resuming payment saga")

	if inst.State == models.SagaStateCompensating {
		return o.fail(ctx, inst)
	}

	idx := stepIndex(inst.CurrentStep)
	if idx < 0 {
		idx = 0
	}
	// The recorded step already finished when the crash hit between the
	// completion write and the next step write.
	if inst.StepCompleted(inst.CurrentStep) {
		idx++
	}

	return o.runFrom(ctx, inst, idx)
}

func (o *Orchestrator) runFrom(ctx context.Context, inst *Instance, startIdx int) (*Instance, error) {
	for idx := startIdx; idx < len(paymentSteps); idx++ {
		step := paymentSteps[idx]
		inst.CurrentStep = step
		if err := o.instances.Save(ctx, inst); err != nil {
			return nil, err
		}

		if err := o.runStep(ctx, step, inst); err != nil {
			reason := err.Error()
			inst.Context.FailedStep = step
			inst.Context.Reason = reason
			inst.LastError = &reason

			log.Warn().
				Str("orderID", inst.Context.OrderID).
				Str("step", step).
				Err(err).
				Msg("Saga step failed, compensating")

			return o.fail(ctx, inst)
		}

		inst.StepsCompleted = append(inst.StepsCompleted, step)
		if err := o.instances.Save(ctx, inst); err != nil {
			return nil, err
		}
	}

	inst.State = models.SagaStatePaid
	inst.CurrentStep = ""
	if err := o.instances.Save(ctx, inst); err != nil {
		return nil, err
	}

	o.metrics.IncrementCounter(metrics.CounterSagasPaid)
	log.Info().
		Str("orderID", inst.Context.OrderID).
		Str("sagaID", inst.ID.String()).
		Msg("Payment saga completed")

	return inst, nil
}

func (o *Orchestrator) runStep(ctx context.Context, step string, inst *Instance) error {
	stepCtx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	defer cancel()

	switch step {
	case StepReserveInventory:
		items, err := o.reservationItems(ctx, inst)
		if err != nil {
			return err
		}
		reservationID, err := o.inventory.Reserve(stepCtx, inst.Context.OrderID, items)
		if err != nil {
			return errors.Wrap(err, "inventory reservation failed")
		}
		inst.Context.ReservationID = reservationID

		payload := &domain.OrderConfirmedPayload{
			OrderID:       inst.Context.OrderID,
			ReservationID: reservationID,
		}
		return o.appendOrderEvent(ctx, inst, step, domain.OrderConfirmed, payload, func(order *models.Order) {
			order.Status = models.OrderStatusConfirmed
			order.ReservationID = &inst.Context.ReservationID
		})

	case StepProcessPayment:
		result, err := o.payments.ProcessPayment(stepCtx, inst.Context.OrderID, inst.Context.AmountCents, inst.Context.CurrencyCode, inst.Context.PaymentMethod)
		if err != nil {
			return errors.Wrap(err, "payment processing failed")
		}
		if !result.Success {
			if result.DeclineReason != "" {
				return errors.Errorf("payment declined: %s", result.DeclineReason)
			}
			return errors.New("payment declined")
		}
		inst.Context.TransactionID = result.TransactionID
		return nil

	case StepConfirmReservation:
		if err := o.inventory.ConfirmReservation(stepCtx, inst.Context.ReservationID); err != nil {
			return errors.Wrap(err, "reservation confirmation failed")
		}
		return nil

	case StepMarkOrderPaid:
		payload := &domain.OrderPaidPayload{
			OrderID:       inst.Context.OrderID,
			TransactionID: inst.Context.TransactionID,
			AmountCents:   inst.Context.AmountCents,
			CurrencyCode:  inst.Context.CurrencyCode,
		}
		return o.appendOrderEvent(ctx, inst, step, domain.OrderPaid, payload, func(order *models.Order) {
			order.Status = models.OrderStatusPaid
			order.PaymentTransactionID = &inst.Context.TransactionID
		})

	default:
		return errors.Errorf("unknown saga step %s", step)
	}
}

// fail compensates the completed steps in reverse order, then records the
// terminal failure. The instance stays COMPENSATING until the terminal event
// commits, so an interrupted unwind is resumed, not forgotten.
func (o *Orchestrator) fail(ctx context.Context, inst *Instance) (*Instance, error) {
	inst.State = models.SagaStateCompensating
	if err := o.instances.Save(ctx, inst); err != nil {
		return nil, err
	}

	o.compensate(ctx, inst)

	var err error
	if inst.Context.Cancelled {
		payload := &domain.OrderCancelledPayload{
			OrderID: inst.Context.OrderID,
			Reason:  inst.Context.Reason,
		}
		err = o.appendOrderEvent(ctx, inst, "cancel", domain.OrderCancelled, payload, func(order *models.Order) {
			order.Status = models.OrderStatusCancelled
		})
	} else {
		payload := &domain.OrderPaymentFailedPayload{
			OrderID:    inst.Context.OrderID,
			Reason:     inst.Context.Reason,
			FailedStep: inst.Context.FailedStep,
		}
		err = o.appendOrderEvent(ctx, inst, "failure", domain.OrderPaymentFailed, payload, func(order *models.Order) {
			order.Status = models.OrderStatusPaymentFailed
		})
	}
	if err != nil {
		return nil, err
	}

	inst.State = models.SagaStatePaymentFailed
	inst.CurrentStep = ""
	if err := o.instances.Save(ctx, inst); err != nil {
		return nil, err
	}

	o.metrics.IncrementCounter(metrics.CounterSagasFailed)
	log.Info().
		Str("orderID", inst.Context.OrderID).
		Str("reason", inst.Context.Reason).
		Msg("Payment saga failed and compensated")

	return inst, nil
}

func (o *Orchestrator) compensate(ctx context.Context, inst *Instance) {
	confirmed := inst.StepCompleted(StepConfirmReservation)

	for i := len(inst.StepsCompleted) - 1; i >= 0; i-- {
		switch inst.StepsCompleted[i] {
		case StepProcessPayment:
			if inst.CompensationRun(CompRefundPayment) {
				continue
			}
			o.runCompensation(ctx, inst, CompRefundPayment, func(cctx context.Context) error {
				return o.payments.Refund(cctx, inst.Context.TransactionID, inst.Context.AmountCents)
			})

		case StepReserveInventory:
			if inst.CompensationRun(CompReleaseReservation) {
				continue
			}
			if confirmed {
				// The reservation was committed to stock before the
				// failure. Releasing it now would corrupt inventory,
				// so flag it for manual reconciliation instead.
				o.metrics.IncrementCounter(metrics.CounterCompensationFailures)
				log.Error().
					Str("orderID", inst.Context.OrderID).
					Str("reservationID", inst.Context.ReservationID).
					Msg("Confirmed stock left behind by failed saga, manual reconciliation required")
				o.recordCompensation(ctx, inst, CompReleaseReservation)
				continue
			}
			o.runCompensation(ctx, inst, CompReleaseReservation, func(cctx context.Context) error {
				return o.inventory.ReleaseReservation(cctx, inst.Context.ReservationID)
			})
		}
	}
}

// runCompensation executes one compensation and records it as attempted
// either way. A failed compensation alerts but never blocks the saga from
// reaching its terminal state.
func (o *Orchestrator) runCompensation(ctx context.Context, inst *Instance, name string, fn func(context.Context) error) {
	cctx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	defer cancel()

	if err := fn(cctx); err != nil {
		reason := err.Error()
		inst.LastError = &reason
		o.metrics.IncrementCounter(metrics.CounterCompensationFailures)
		log.Error().
			Err(err).
			Str("orderID", inst.Context.OrderID).
			Str("compensation", name).
			Msg("Compensation failed, manual intervention required")
	} else {
		log.Info().
			Str("orderID", inst.Context.OrderID).
			Str("compensation", name).
			Msg("Compensation applied")
	}

	o.recordCompensation(ctx, inst, name)
}

func (o *Orchestrator) recordCompensation(ctx context.Context, inst *Instance, name string) {
	inst.CompensationsRun = append(inst.CompensationsRun, name)
	if err := o.instances.Save(ctx, inst); err != nil {
		log.Error().
			Err(err).
			Str("orderID", inst.Context.OrderID).
			Msg("Failed to record compensation progress")
	}
}

func (o *Orchestrator) cancelPendingOrder(ctx context.Context, orderID uuid.UUID, reason string) error {
	order, err := o.orders.Load(ctx, orderID)
	if err != nil {
		return err
	}
	if order == nil {
		return errors.Wrapf(ErrOrderNotFound, "order %s", orderID)
	}
	if order.Status == models.OrderStatusCancelled {
		return nil
	}
	if order.Status != models.OrderStatusPending {
		return errors.Errorf("order %s is %s and can not be cancelled", orderID, order.Status)
	}

	payload := &domain.OrderCancelledPayload{OrderID: orderID.String(), Reason: reason}
	event := domain.NewEvent(domain.OrderCancelled, 1, orderID.String(), domain.AggregateTypeOrder, payload, domain.Metadata{
		CausationID: "cancel",
		Actor:       "order-payment-saga",
	})

	expected := order.Version
	order.Status = models.OrderStatusCancelled
	order.Version = expected + 1

	_, err = o.eventStore.AppendInTransaction(ctx, orderID.String(), domain.AggregateTypeOrder, expected, []domain.Event{event}, func(tx *gorm.DB) error {
		return o.orders.SaveInTx(tx, order)
	})
	return err
}

// appendOrderEvent reloads the order, applies the mutation and appends the
// event in one transaction. The fresh load keeps the expected version honest
// after resumes and concurrent writers.
func (o *Orchestrator) appendOrderEvent(ctx context.Context, inst *Instance, causation, eventType string, payload interface{}, mutate func(*models.Order)) error {
	orderID, err := uuid.Parse(inst.Context.OrderID)
	if err != nil {
		return errors.Wrap(err, "invalid order ID in saga context")
	}

	order, err := o.orders.Load(ctx, orderID)
	if err != nil {
		return err
	}
	if order == nil {
		return errors.Wrapf(ErrOrderNotFound, "order %s", orderID)
	}

	expected := order.Version
	mutate(order)
	order.Version = expected + 1

	event := domain.NewEvent(eventType, 1, inst.Context.OrderID, domain.AggregateTypeOrder, payload, domain.Metadata{
		CausationID:   causation,
		CorrelationID: inst.ID.String(),
		Actor:         "order-payment-saga",
	})

	_, err = o.eventStore.AppendInTransaction(ctx, inst.Context.OrderID, domain.AggregateTypeOrder, expected, []domain.Event{event}, func(tx *gorm.DB) error {
		return o.orders.SaveInTx(tx, order)
	})
	return err
}

func (o *Orchestrator) reservationItems(ctx context.Context, inst *Instance) ([]ReservationItem, error) {
	orderID, err := uuid.Parse(inst.Context.OrderID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid order ID in saga context")
	}

	order, err := o.orders.Load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, errors.Wrapf(ErrOrderNotFound, "order %s", orderID)
	}

	var items []domain.OrderItem
	if err := json.Unmarshal(order.Items, &items); err != nil {
		return nil, errors.Wrap(err, "failed to decode order items")
	}

	out := make([]ReservationItem, 0, len(items))
	for _, item := range items {
		out = append(out, ReservationItem{SKU: item.SKU, Quantity: item.Quantity})
	}
	return out, nil
}

func stepIndex(step string) int {
	for i, s := range paymentSteps {
		if s == step {
			return i
		}
	}
	return -1
}
