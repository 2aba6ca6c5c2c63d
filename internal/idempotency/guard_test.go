package idempotency

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"example.com/backstage/services/orders/config"
	"example.com/backstage/services/orders/internal/domain"
	"example.com/backstage/services/orders/internal/metrics"
	"example.com/backstage/services/orders/internal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.SetupModels(db))
	return db
}

func newTestGuard(t *testing.T, db *gorm.DB, maxAttempts int) *Guard {
	t.Helper()
	return NewGuard(db, metrics.NewMetrics(), config.ProcessingConfig{
		MaxAttempts: maxAttempts,
		BackoffBase: time.Second,
		BackoffCap:  8 * time.Second,
	})
}

func testEvent() domain.Event {
	return domain.Event{
		ID:        uuid.New(),
		EventType: domain.OrderCreated,
		Sequence:  1,
	}
}

func forceNextAttempt(t *testing.T, db *gorm.DB, eventID uuid.UUID) {
	t.Helper()
	require.NoError(t, db.Model(&models.EventProcessingLog{}).
		Where("event_id = ?", eventID).
		UpdateColumn("next_attempt_at", time.Now().UTC().Add(-time.Second)).Error)
}

func TestExecuteRunsHandlerOncePerEvent(t *testing.T) {
	db := setupTestDB(t)
	guard := newTestGuard(t, db, 5)
	event := testEvent()
	ctx := context.Background()

	calls := 0
	handler := func(context.Context, domain.Event) error {
		calls++
		return nil
	}

	outcome, err := guard.Execute(ctx, event, "search-indexer", handler)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, outcome)
	require.Equal(t, 1, calls)

	// A redelivery of the same event is skipped without running the handler
	outcome, err = guard.Execute(ctx, event, "search-indexer", handler)
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, outcome)
	require.Equal(t, 1, calls)
}

func TestSubscribersTrackIndependently(t *testing.T) {
	db := setupTestDB(t)
	guard := newTestGuard(t, db, 5)
	event := testEvent()
	ctx := context.Background()

	calls := 0
	handler := func(context.Context, domain.Event) error {
		calls++
		return nil
	}

	_, err := guard.Execute(ctx, event, "search-indexer", handler)
	require.NoError(t, err)

	// The same event for a different subscriber runs again
	outcome, err := guard.Execute(ctx, event, "audit-log", handler)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, outcome)
	require.Equal(t, 2, calls)
}

func TestFailedHandlerSchedulesRetryWithBackoff(t *testing.T) {
	db := setupTestDB(t)
	guard := newTestGuard(t, db, 5)
	event := testEvent()
	ctx := context.Background()

	handlerErr := errors.New("downstream unavailable")
	handler := func(context.Context, domain.Event) error { return handlerErr }

	outcome, err := guard.Execute(ctx, event, "search-indexer", handler)
	require.Error(t, err)
	require.Equal(t, OutcomeRetryScheduled, outcome)

	var rec models.EventProcessingLog
	require.NoError(t, db.Where("event_id = ?", event.ID).First(&rec).Error)
	require.Equal(t, models.ProcessingStatusRetry, rec.Status)
	require.Equal(t, 1, rec.Attempts)
	require.NotNil(t, rec.NextAttemptAt)
	require.NotNil(t, rec.LastError)
	require.Contains(t, *rec.LastError, "downstream unavailable")

	// Until the backoff elapses the event is deferred, handler untouched
	outcome, err = guard.Execute(ctx, event, "search-indexer", handler)
	require.NoError(t, err)
	require.Equal(t, OutcomeDeferred, outcome)

	// After the backoff the next attempt runs and doubles the delay
	forceNextAttempt(t, db, event.ID)
	before := time.Now().UTC()
	outcome, _ = guard.Execute(ctx, event, "search-indexer", handler)
	require.Equal(t, OutcomeRetryScheduled, outcome)

	require.NoError(t, db.Where("event_id = ?", event.ID).First(&rec).Error)
	require.Equal(t, 2, rec.Attempts)
	require.NotNil(t, rec.NextAttemptAt)
	require.True(t, rec.NextAttemptAt.After(before.Add(time.Second)))
}

func TestDeadLetterAfterMaxAttempts(t *testing.T) {
	db := setupTestDB(t)
	guard := newTestGuard(t, db, 2)
	event := testEvent()
	ctx := context.Background()

	calls := 0
	handler := func(context.Context, domain.Event) error {
		calls++
		return errors.New("poison event")
	}

	outcome, _ := guard.Execute(ctx, event, "search-indexer", handler)
	require.Equal(t, OutcomeRetryScheduled, outcome)

	forceNextAttempt(t, db, event.ID)
	outcome, err := guard.Execute(ctx, event, "search-indexer", handler)
	require.Error(t, err)
	require.Equal(t, OutcomeDeadLettered, outcome)
	require.Equal(t, 2, calls)

	var rec models.EventProcessingLog
	require.NoError(t, db.Where("event_id = ?", event.ID).First(&rec).Error)
	require.Equal(t, models.ProcessingStatusFailed, rec.Status)
	require.Nil(t, rec.NextAttemptAt)

	// Dead letters stay dead until an operator intervenes
	outcome, err = guard.Execute(ctx, event, "search-indexer", handler)
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyDead, outcome)
	require.Equal(t, 2, calls)

	total, err := guard.CountDeadLetters(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), total)

	letters, err := guard.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.Equal(t, event.ID, letters[0].EventID)
}

func TestStaleProcessingIsReclaimed(t *testing.T) {
	db := setupTestDB(t)
	guard := newTestGuard(t, db, 5)
	event := testEvent()
	ctx := context.Background()

	rec := models.EventProcessingLog{
		EventID:        event.ID,
		SubscriberName: "search-indexer",
		Status:         models.ProcessingStatusProcessing,
		Attempts:       1,
	}
	require.NoError(t, db.Create(&rec).Error)

	calls := 0
	handler := func(context.Context, domain.Event) error {
		calls++
		return nil
	}

	// A fresh PROCESSING row belongs to a live worker
	outcome, err := guard.Execute(ctx, event, "search-indexer", handler)
	require.NoError(t, err)
	require.Equal(t, OutcomeDeferred, outcome)
	require.Zero(t, calls)

	// Past the stale window the claim is treated as a crashed run
	require.NoError(t, db.Model(&models.EventProcessingLog{}).
		Where("id = ?", rec.ID).
		UpdateColumn("updated_at", time.Now().UTC().Add(-2*time.Hour)).Error)

	outcome, err = guard.Execute(ctx, event, "search-indexer", handler)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, outcome)
	require.Equal(t, 1, calls)

	var reloaded models.EventProcessingLog
	require.NoError(t, db.Where("id = ?", rec.ID).First(&reloaded).Error)
	require.Equal(t, models.ProcessingStatusCompleted, reloaded.Status)
	require.Equal(t, 2, reloaded.Attempts)
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	guard := newTestGuard(t, setupTestDB(t), 10)

	require.Equal(t, time.Second, guard.backoffFor(1))
	require.Equal(t, 2*time.Second, guard.backoffFor(2))
	require.Equal(t, 4*time.Second, guard.backoffFor(3))
	require.Equal(t, 8*time.Second, guard.backoffFor(4))
	require.Equal(t, 8*time.Second, guard.backoffFor(5))
	require.Equal(t, 8*time.Second, guard.backoffFor(12))
}

func TestOutcomeAdvances(t *testing.T) {
	require.True(t, OutcomeCompleted.Advances())
	require.True(t, OutcomeDuplicate.Advances())
	require.True(t, OutcomeAlreadyDead.Advances())
	require.True(t, OutcomeDeadLettered.Advances())
	require.False(t, OutcomeDeferred.Advances())
	require.False(t, OutcomeRetryScheduled.Advances())
}
