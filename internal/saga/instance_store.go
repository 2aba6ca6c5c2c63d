package saga

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"example.com/backstage/services/orders/internal/models"
)

// ErrInstanceConflict means another worker advanced the instance since this
// copy was loaded. The holder of a conflicting copy must stop, not overwrite.
var ErrInstanceConflict = errors.New("saga instance changed by another worker")

// PaymentContext is the data a payment saga accumulates while running.
// It is persisted with the instance so a resumed run has everything the
// original had.
type PaymentContext struct {
	OrderID       string `json:"order_id"`
	CustomerID    string `json:"customer_id"`
	AmountCents   int64  `json:"amount_cents"`
	CurrencyCode  string `json:"currency_code"`
	PaymentMethod string `json:"payment_method"`
	ReservationID string `json:"reservation_id,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	FailedStep    string `json:"failed_step,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Cancelled     bool   `json:"cancelled,omitempty"`
}

// Instance is the runtime view of one saga run. Version mirrors the stored
// row and advances with every successful Save.
type Instance struct {
	ID               uuid.UUID      `json:"id"`
	SagaType         string         `json:"saga_type"`
	BusinessKey      string         `json:"business_key"`
	State            string         `json:"state"`
	CurrentStep      string         `json:"current_step"`
	StepsCompleted   []string       `json:"steps_completed"`
	CompensationsRun []string       `json:"compensations_run"`
	Context          PaymentContext `json:"context"`
	LastError        *string        `json:"last_error,omitempty"`
	Version          int            `json:"version"`
}

// Terminal reports whether the instance reached a final state
func (i *Instance) Terminal() bool {
	return i.State == models.SagaStatePaid || i.State == models.SagaStatePaymentFailed
}

// StepCompleted reports whether a step finished during this run
func (i *Instance) StepCompleted(step string) bool {
	for _, s := range i.StepsCompleted {
		if s == step {
			return true
		}
	}
	return false
}

// CompensationRun reports whether a compensation was already executed
func (i *Instance) CompensationRun(name string) bool {
	for _, c := range i.CompensationsRun {
		if c == name {
			return true
		}
	}
	return false
}

// InstanceStore persists saga instances so progress survives a crash.
type InstanceStore struct {
	db *gorm.DB
}

// NewInstanceStore creates a new saga instance store
func NewInstanceStore(db *gorm.DB) *InstanceStore {
	return &InstanceStore{db: db}
}

// Create inserts a fresh instance. The unique index on
// (saga_type, business_key) rejects a second saga for the same order.
func (s *InstanceStore) Create(ctx context.Context, inst *Instance) error {
	row, err := toRow(inst)
	if err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return errors.Wrap(err, "failed to create saga instance")
	}

	return nil
}

// Save writes the instance's current progress. The version predicate makes
// the write a compare-and-set: a copy that lost the race gets
// ErrInstanceConflict instead of overwriting the winner's progress.
func (s *InstanceStore) Save(ctx context.Context, inst *Instance) error {
	row, err := toRow(inst)
	if err != nil {
		return err
	}

	res := s.db.WithContext(ctx).
		Model(&models.SagaInstance{}).
		Where("id = ? AND version = ?", inst.ID, inst.Version).
		Updates(map[string]interface{}{
			"state":             row.State,
			"current_step":      row.CurrentStep,
			"steps_completed":   row.StepsCompleted,
			"compensations_run": row.CompensationsRun,
			"context":           row.Context,
			"last_error":        row.LastError,
			"version":           inst.Version + 1,
		})
	if res.Error != nil {
		return errors.Wrap(res.Error, "failed to save saga instance")
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(ErrInstanceConflict, "saga %s at version %d", inst.ID, inst.Version)
	}

	inst.Version++
	return nil
}

// FindByBusinessKey returns the instance for a saga type and business key,
// or nil when none exists.
func (s *InstanceStore) FindByBusinessKey(ctx context.Context, sagaType, businessKey string) (*Instance, error) {
	var row models.SagaInstance
	err := s.db.WithContext(ctx).
		Where("saga_type = ? AND business_key = ?", sagaType, businessKey).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to find saga instance")
	}

	return fromRow(row)
}

// FindUnfinished returns instances that were interrupted before reaching a
// terminal state, oldest first. Only instances untouched for staleAfter
// qualify: a live run bumps updated_at with every step write, so it never
// shows up here while its worker is still driving it.
func (s *InstanceStore) FindUnfinished(ctx context.Context, sagaType string, staleAfter time.Duration, limit int) ([]*Instance, error) {
	cutoff := time.Now().Add(-staleAfter)

	var rows []models.SagaInstance
	err := s.db.WithContext(ctx).
		Where("saga_type = ? AND state IN ? AND updated_at < ?",
			sagaType, []string{models.SagaStateRunning, models.SagaStateCompensating}, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to find unfinished sagas")
	}

	instances := make([]*Instance, 0, len(rows))
	for _, row := range rows {
		inst, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}

	return instances, nil
}

func toRow(inst *Instance) (models.SagaInstance, error) {
	steps, err := json.Marshal(inst.StepsCompleted)
	if err != nil {
		return models.SagaInstance{}, errors.Wrap(err, "failed to marshal saga steps")
	}
	comps, err := json.Marshal(inst.CompensationsRun)
	if err != nil {
		return models.SagaInstance{}, errors.Wrap(err, "failed to marshal saga compensations")
	}
	sagaCtx, err := json.Marshal(inst.Context)
	if err != nil {
		return models.SagaInstance{}, errors.Wrap(err, "failed to marshal saga context")
	}

	return models.SagaInstance{
		ID:               inst.ID,
		SagaType:         inst.SagaType,
		BusinessKey:      inst.BusinessKey,
		State:            inst.State,
		CurrentStep:      inst.CurrentStep,
		StepsCompleted:   steps,
		CompensationsRun: comps,
		Context:          sagaCtx,
		LastError:        inst.LastError,
		Version:          inst.Version,
	}, nil
}

func fromRow(row models.SagaInstance) (*Instance, error) {
	inst := &Instance{
		ID:          row.ID,
		SagaType:    row.SagaType,
		BusinessKey: row.BusinessKey,
		State:       row.State,
		CurrentStep: row.CurrentStep,
		LastError:   row.LastError,
		Version:     row.Version,
	}

	if len(row.StepsCompleted) > 0 {
		if err := json.Unmarshal(row.StepsCompleted, &inst.StepsCompleted); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal saga steps")
		}
	}
	if len(row.CompensationsRun) > 0 {
		if err := json.Unmarshal(row.CompensationsRun, &inst.CompensationsRun); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal saga compensations")
		}
	}
	if len(row.Context) > 0 {
		if err := json.Unmarshal(row.Context, &inst.Context); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal saga context")
		}
	}

	return inst, nil
}
