package idempotency

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/backstage/services/orders/config"
	"example.com/backstage/services/orders/internal/domain"
	"example.com/backstage/services/orders/internal/metrics"
	"example.com/backstage/services/orders/internal/models"
)

// Outcome says what the guard did with a delivery.
type Outcome int

const (
	// OutcomeCompleted means the handler ran and succeeded.
	OutcomeCompleted Outcome = iota
	// OutcomeDuplicate means the event was already processed; nothing ran.
	OutcomeDuplicate
	// OutcomeAlreadyDead means the event was dead-lettered earlier; nothing ran.
	OutcomeAlreadyDead
	// OutcomeDeferred means the event is waiting on backoff or another worker.
	OutcomeDeferred
	// OutcomeRetryScheduled means the handler failed and a retry is booked.
	OutcomeRetryScheduled
	// OutcomeDeadLettered means the handler failed its last allowed attempt.
	OutcomeDeadLettered
)

// Advances reports whether a subscriber may move its cursor past an event
// with this outcome. Retries hold the cursor so the event is seen again.
func (o Outcome) Advances() bool {
	switch o {
	case OutcomeCompleted, OutcomeDuplicate, OutcomeAlreadyDead, OutcomeDeadLettered:
		return true
	default:
		return false
	}
}

// Guard runs event handlers exactly once per (event, subscriber) from the
// subscriber's point of view. Failed runs are retried with exponential
// backoff until maxAttempts, then parked as dead letters. A processing row
// stuck in PROCESSING past the stale window is treated as a crashed run and
// executed again.
type Guard struct {
	db          *gorm.DB
	metrics     *metrics.Metrics
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
}

// NewGuard creates a new idempotency guard
func NewGuard(db *gorm.DB, m *metrics.Metrics, cfg config.ProcessingConfig) *Guard {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	backoffBase := cfg.BackoffBase
	if backoffBase <= 0 {
		backoffBase = time.Second
	}
	backoffCap := cfg.BackoffCap
	if backoffCap <= 0 {
		backoffCap = 5 * time.Minute
	}

	return &Guard{
		db:          db,
		metrics:     m,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
	}
}

// Execute runs the handler for one delivery unless the processing log says
// it must be skipped. The returned error is the handler's error, present for
// retry and dead-letter outcomes.
func (g *Guard) Execute(ctx context.Context, event domain.Event, subscriberName string, handler func(context.Context, domain.Event) error) (Outcome, error) {
	now := time.Now().UTC()

	var rec models.EventProcessingLog
	err := g.db.WithContext(ctx).
		Where("event_id = ? AND subscriber_name = ?", event.ID, subscriberName).
		First(&rec).Error

	switch {
	case err == nil:
		switch rec.Status {
		case models.ProcessingStatusCompleted:
			g.metrics.IncrementCounter(metrics.CounterDuplicatesSkipped)
			return OutcomeDuplicate, nil

		case models.ProcessingStatusFailed:
			return OutcomeAlreadyDead, nil

		case models.ProcessingStatusRetry:
			if rec.NextAttemptAt != nil && now.Before(*rec.NextAttemptAt) {
				return OutcomeDeferred, nil
			}

		case models.ProcessingStatusProcessing:
			// Another worker may still be on it. Past the stale window
			// it is a crashed run and gets claimed again.
			if now.Sub(rec.UpdatedAt) < g.staleAfter() {
				return OutcomeDeferred, nil
			}
		}

		attempt := rec.Attempts + 1
		if err := g.db.WithContext(ctx).
			Model(&models.EventProcessingLog{}).
			Where("id = ?", rec.ID).
			Updates(map[string]interface{}{
				"status":          models.ProcessingStatusProcessing,
				"attempts":        attempt,
				"next_attempt_at": nil,
			}).Error; err != nil {
			return OutcomeDeferred, errors.Wrap(err, "failed to claim processing record")
		}
		return g.run(ctx, event, subscriberName, rec.ID, attempt, handler)

	case errors.Is(err, gorm.ErrRecordNotFound):
		rec = models.EventProcessingLog{
			EventID:        event.ID,
			SubscriberName: subscriberName,
			Status:         models.ProcessingStatusProcessing,
			Attempts:       1,
		}
		if err := g.db.WithContext(ctx).Create(&rec).Error; err != nil {
			if isUniqueViolation(err) {
				// Lost the insert race; the winner is processing it now.
				return OutcomeDeferred, nil
			}
			return OutcomeDeferred, errors.Wrap(err, "failed to create processing record")
		}
		return g.run(ctx, event, subscriberName, rec.ID, 1, handler)

	default:
		return OutcomeDeferred, errors.Wrap(err, "failed to read processing record")
	}
}

func (g *Guard) run(ctx context.Context, event domain.Event, subscriberName string, recID uint, attempt int, handler func(context.Context, domain.Event) error) (Outcome, error) {
	handlerErr := handler(ctx, event)

	if handlerErr == nil {
		if err := g.db.WithContext(ctx).
			Model(&models.EventProcessingLog{}).
			Where("id = ?", recID).
			Updates(map[string]interface{}{
				"status":     models.ProcessingStatusCompleted,
				"last_error": nil,
			}).Error; err != nil {
			return OutcomeRetryScheduled, errors.Wrap(err, "failed to record completion")
		}
		g.metrics.IncrementCounter(metrics.CounterEventsProcessed)
		return OutcomeCompleted, nil
	}

	msg := handlerErr.Error()

	if attempt >= g.maxAttempts {
		if err := g.db.WithContext(ctx).
			Model(&models.EventProcessingLog{}).
			Where("id = ?", recID).
			Updates(map[string]interface{}{
				"status":          models.ProcessingStatusFailed,
				"last_error":      &msg,
				"next_attempt_at": nil,
			}).Error; err != nil {
			return OutcomeRetryScheduled, errors.Wrap(err, "failed to record dead letter")
		}

		g.metrics.IncrementCounter(metrics.CounterDeadLetters)
		log.Error().
			Str("eventID", event.ID.String()).
			Str("eventType", event.EventType).
			Str("subscriber", subscriberName).
			Int("attempts", attempt).
			Str("error", msg).
			Msg("Event dead-lettered, manual intervention required")

		return OutcomeDeadLettered, handlerErr
	}

	next := time.Now().UTC().Add(g.backoffFor(attempt))
	if err := g.db.WithContext(ctx).
		Model(&models.EventProcessingLog{}).
		Where("id = ?", recID).
		Updates(map[string]interface{}{
			"status":          models.ProcessingStatusRetry,
			"last_error":      &msg,
			"next_attempt_at": &next,
		}).Error; err != nil {
		return OutcomeRetryScheduled, errors.Wrap(err, "failed to schedule retry")
	}

	g.metrics.IncrementCounter(metrics.CounterRetriesScheduled)
	log.Warn().
		Str("eventID", event.ID.String()).
		Str("subscriber", subscriberName).
		Int("attempt", attempt).
		Time("nextAttemptAt", next).
		Err(handlerErr).
		Msg("Event handling failed, retry scheduled")

	return OutcomeRetryScheduled, handlerErr
}

// DeadLetters lists dead-lettered deliveries, newest first
func (g *Guard) DeadLetters(ctx context.Context, limit int) ([]models.EventProcessingLog, error) {
	var rows []models.EventProcessingLog
	err := g.db.WithContext(ctx).
		Where("status = ?", models.ProcessingStatusFailed).
		Order("updated_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list dead letters")
	}
	return rows, nil
}

// CountDeadLetters counts dead-lettered deliveries
func (g *Guard) CountDeadLetters(ctx context.Context) (int64, error) {
	var count int64
	err := g.db.WithContext(ctx).
		Model(&models.EventProcessingLog{}).
		Where("status = ?", models.ProcessingStatusFailed).
		Count(&count).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to count dead letters")
	}
	return count, nil
}

// backoffFor doubles the delay per attempt up to the cap.
func (g *Guard) backoffFor(attempt int) time.Duration {
	backoff := g.backoffBase
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= g.backoffCap {
			return g.backoffCap
		}
	}
	if backoff > g.backoffCap {
		return g.backoffCap
	}
	return backoff
}

func (g *Guard) staleAfter() time.Duration {
	stale := g.backoffCap
	if stale < time.Minute {
		stale = time.Minute
	}
	return stale
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "SQLSTATE 23505") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}
