package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Processing log statuses for subscriber-side idempotency tracking.
const (
	ProcessingStatusProcessing = "PROCESSING"
	ProcessingStatusCompleted  = "COMPLETED"
	ProcessingStatusFailed     = "FAILED"
	ProcessingStatusRetry      = "RETRY"
)

// Saga instance states. PAID and PAYMENT_FAILED are terminal.
const (
	SagaStateRunning       = "RUNNING"
	SagaStateCompensating  = "COMPENSATING"
	SagaStatePaid          = "PAID"
	SagaStatePaymentFailed = "PAYMENT_FAILED"
)

// Order statuses.
const (
	OrderStatusPending       = "PENDING"
	OrderStatusConfirmed     = "CONFIRMED"
	OrderStatusPaid          = "PAID"
	OrderStatusPaymentFailed = "PAYMENT_FAILED"
	OrderStatusCancelled     = "CANCELLED"
	OrderStatusRefunded      = "REFUNDED"
)

// Event is one immutable record in the append-only event log. Sequence is
// assigned by the database at insert time and is the global ordering key.
// Only Published and PublishedAt change after insert.
type Event struct {
	Sequence         int64      `gorm:"primaryKey;autoIncrement" json:"sequence"`
	EventID          uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex" json:"event_id"`
	EventType        string     `gorm:"not null;index" json:"event_type"`
	EventVersion     int        `gorm:"not null;default:1" json:"event_version"`
	AggregateID      string     `gorm:"not null;uniqueIndex:idx_events_aggregate_version;index" json:"aggregate_id"`
	AggregateType    string     `gorm:"not null;uniqueIndex:idx_events_aggregate_version" json:"aggregate_type"`
	AggregateVersion int        `gorm:"not null;uniqueIndex:idx_events_aggregate_version" json:"aggregate_version"`
	Partition        int        `gorm:"not null;index" json:"partition"`
	Payload          []byte     `json:"payload"`
	Metadata         []byte     `json:"metadata"`
	OccurredAt       time.Time  `gorm:"not null" json:"occurred_at"`
	Published        bool       `gorm:"not null;default:false;index" json:"published"`
	PublishedAt      *time.Time `json:"published_at"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// EventSubscription holds one subscriber's cursor into the event log for a
// single event type. LastProcessedSequence never moves backwards.
type EventSubscription struct {
	ID                    uint      `gorm:"primaryKey" json:"id"`
	SubscriberName        string    `gorm:"not null;uniqueIndex:idx_subscription_cursor" json:"subscriber_name"`
	EventType             string    `gorm:"not null;uniqueIndex:idx_subscription_cursor" json:"event_type"`
	LastProcessedSequence int64     `gorm:"not null;default:0" json:"last_processed_sequence"`
	CreatedAt             time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// EventProcessingLog records each (event, subscriber) delivery outcome so a
// redelivered event is never handled twice.
type EventProcessingLog struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	EventID        uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_processing_event_subscriber" json:"event_id"`
	SubscriberName string     `gorm:"not null;uniqueIndex:idx_processing_event_subscriber" json:"subscriber_name"`
	Status         string     `gorm:"not null;index" json:"status"`
	Attempts       int        `gorm:"not null;default:0" json:"attempts"`
	LastError      *string    `json:"last_error"`
	NextAttemptAt  *time.Time `gorm:"index" json:"next_attempt_at"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// AggregateSnapshot caches the state of an aggregate at a specific version.
// The event log stays authoritative; snapshots can be dropped at any time.
type AggregateSnapshot struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	AggregateID      string    `gorm:"not null;uniqueIndex:idx_snapshots_aggregate_version" json:"aggregate_id"`
	AggregateType    string    `gorm:"not null;uniqueIndex:idx_snapshots_aggregate_version" json:"aggregate_type"`
	AggregateVersion int       `gorm:"not null;uniqueIndex:idx_snapshots_aggregate_version" json:"aggregate_version"`
	State            []byte    `json:"state"`
	TakenAt          time.Time `gorm:"not null" json:"taken_at"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// SagaInstance persists the progress of one saga run so a crashed worker can
// resume from the last recorded step instead of starting over. Version is the
// compare-and-set token for progress writes.
type SagaInstance struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	SagaType         string    `gorm:"not null;uniqueIndex:idx_saga_business_key" json:"saga_type"`
	BusinessKey      string    `gorm:"not null;uniqueIndex:idx_saga_business_key" json:"business_key"`
	State            string    `gorm:"not null;index" json:"state"`
	CurrentStep      string    `json:"current_step"`
	StepsCompleted   []byte    `gorm:"type:json" json:"steps_completed"`
	CompensationsRun []byte    `gorm:"type:json" json:"compensations_run"`
	Context          []byte    `gorm:"type:json" json:"context"`
	LastError        *string   `json:"last_error"`
	Version          int       `gorm:"not null;default:0" json:"version"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Order is the current-state row for an order aggregate. It is written in the
// same transaction as the events that changed it.
type Order struct {
	ID                   uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt            time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt            gorm.DeletedAt `gorm:"index" json:"-"`
	CustomerID           uuid.UUID      `gorm:"type:uuid;not null" json:"customer_id"`
	Status               string         `gorm:"not null;index" json:"status"`
	CurrencyCode         string         `gorm:"not null" json:"currency_code"`
	TotalCents           int64          `gorm:"not null" json:"total_cents"`
	Items                []byte         `gorm:"type:json" json:"items"`
	Version              int            `gorm:"not null;default:0" json:"version"`
	PaymentTransactionID *string        `json:"payment_transaction_id"`
	ReservationID        *string        `json:"reservation_id"`
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	// Apply all migrations
	err := db.AutoMigrate(
		&Event{},
		&EventSubscription{},
		&EventProcessingLog{},
		&AggregateSnapshot{},
		&SagaInstance{},
		&Order{},
	)

	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	return nil
}
