package eventstore

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/backstage/services/orders/internal/cache"
	"example.com/backstage/services/orders/internal/domain"
	"example.com/backstage/services/orders/internal/metrics"
	"example.com/backstage/services/orders/internal/models"
)

const snapshotCacheTTL = time.Hour

// GormEventStore implements EventStore using GORM
type GormEventStore struct {
	db       *gorm.DB
	registry *domain.Registry
	cache    *cache.RedisCache
	metrics  *metrics.Metrics
}

// NewGormEventStore creates a new GORM event store
func NewGormEventStore(db *gorm.DB, registry *domain.Registry, redisCache *cache.RedisCache, m *metrics.Metrics) *GormEventStore {
	return &GormEventStore{
		db:       db,
		registry: registry,
		cache:    redisCache,
		metrics:  m,
	}
}

// Append writes events for one aggregate inside the caller's transaction.
// The expected version is checked against the stored maximum first; the
// composite unique index on (aggregate_type, aggregate_id, aggregate_version)
// is the backstop for writers racing past that check.
func (s *GormEventStore) Append(ctx context.Context, tx *gorm.DB, aggregateID, aggregateType string, expectedVersion int, events []domain.Event) ([]domain.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	if aggregateID == "" {
		return nil, errors.New("aggregate ID is empty")
	}
	if expectedVersion < 0 {
		return nil, errors.Errorf("expected version must not be negative, got %d", expectedVersion)
	}

	for i := range events {
		if !s.registry.Known(events[i].EventType, events[i].EventVersion) {
			return nil, errors.Wrapf(domain.ErrUnknownEventType, "%s v%d", events[i].EventType, events[i].EventVersion)
		}
		if err := domain.ValidateStruct(events[i].Payload); err != nil {
			return nil, errors.Wrapf(err, "invalid %s payload", events[i].EventType)
		}
	}

	current, err := currentVersionTx(tx, aggregateID, aggregateType)
	if err != nil {
		return nil, err
	}
	if current != expectedVersion {
		return nil, errors.Wrapf(ErrVersionConflict, "aggregate %s: expected version %d, stored %d", aggregateID, expectedVersion, current)
	}

	partition := PartitionFor(aggregateID, PartitionBuckets)
	appended := make([]domain.Event, 0, len(events))

	for i, event := range events {
		payload, err := json.Marshal(event.Payload)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal event payload")
		}
		metadata, err := json.Marshal(event.Metadata)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal event metadata")
		}

		dbEvent := models.Event{
			EventID:          event.ID,
			EventType:        event.EventType,
			EventVersion:     event.EventVersion,
			AggregateID:      aggregateID,
			AggregateType:    aggregateType,
			AggregateVersion: expectedVersion + i + 1,
			Partition:        partition,
			Payload:          payload,
			Metadata:         metadata,
			OccurredAt:       event.OccurredAt.UTC(),
		}

		if err := tx.Create(&dbEvent).Error; err != nil {
			if isUniqueViolation(err) {
				return nil, errors.Wrapf(ErrVersionConflict, "aggregate %s: concurrent append at version %d", aggregateID, dbEvent.AggregateVersion)
			}
			return nil, errors.Wrap(err, "failed to append event")
		}

		event.AggregateID = aggregateID
		event.AggregateType = aggregateType
		event.AggregateVersion = dbEvent.AggregateVersion
		event.Sequence = dbEvent.Sequence
		appended = append(appended, event)

		log.Info().
			Str("aggregateID", aggregateID).
			Str("eventType", event.EventType).
			Int("version", event.AggregateVersion).
			Int64("sequence", event.Sequence).
			Msg("Event appended")
	}

	s.metrics.IncrementCounterBy(metrics.CounterEventsAppended, int64(len(appended)))
	return appended, nil
}

// AppendInTransaction runs the aggregate state write and the event append in
// one database transaction. Either both commit or neither does.
func (s *GormEventStore) AppendInTransaction(ctx context.Context, aggregateID, aggregateType string, expectedVersion int, events []domain.Event, stateWrite func(tx *gorm.DB) error) ([]domain.Event, error) {
	var appended []domain.Event

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if stateWrite != nil {
			if err := stateWrite(tx); err != nil {
				return err
			}
		}

		var err error
		appended, err = s.Append(ctx, tx, aggregateID, aggregateType, expectedVersion, events)
		return err
	})
	if err != nil {
		return nil, err
	}

	return appended, nil
}

// LoadEvents returns an aggregate's events after fromVersion in version order
func (s *GormEventStore) LoadEvents(ctx context.Context, aggregateID, aggregateType string, fromVersion int) ([]domain.Event, error) {
	var dbEvents []models.Event
	if err := s.db.WithContext(ctx).
		Where("aggregate_id = ? AND aggregate_type = ? AND aggregate_version > ?", aggregateID, aggregateType, fromVersion).
		Order("aggregate_version ASC").
		Find(&dbEvents).Error; err != nil {
		return nil, errors.Wrap(err, "failed to load events")
	}

	events := make([]domain.Event, 0, len(dbEvents))
	for _, dbEvent := range dbEvents {
		event, err := s.toDomainEvent(dbEvent)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	return events, nil
}

// CurrentVersion returns the highest stored version for an aggregate
func (s *GormEventStore) CurrentVersion(ctx context.Context, aggregateID, aggregateType string) (int, error) {
	return currentVersionTx(s.db.WithContext(ctx), aggregateID, aggregateType)
}

// SaveSnapshot stores a snapshot for an aggregate version that has an event.
// Re-saving the same version is a no-op.
func (s *GormEventStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&models.Event{}).
		Where("aggregate_id = ? AND aggregate_type = ? AND aggregate_version = ?", snap.AggregateID, snap.AggregateType, snap.AggregateVersion).
		Count(&count).Error; err != nil {
		return errors.Wrap(err, "failed to verify snapshot version")
	}
	if count == 0 {
		return errors.Wrapf(ErrSnapshotVersion, "aggregate %s version %d", snap.AggregateID, snap.AggregateVersion)
	}

	row := models.AggregateSnapshot{
		AggregateID:      snap.AggregateID,
		AggregateType:    snap.AggregateType,
		AggregateVersion: snap.AggregateVersion,
		State:            snap.State,
		TakenAt:          snap.TakenAt.UTC(),
	}

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error; err != nil {
		return errors.Wrap(err, "failed to save snapshot")
	}

	s.cacheSnapshot(ctx, snap)
	return nil
}

// LatestSnapshot returns the newest snapshot for an aggregate, or nil when
// none exists. Reads through the cache when one is configured.
func (s *GormEventStore) LatestSnapshot(ctx context.Context, aggregateID, aggregateType string) (*Snapshot, error) {
	if s.cache != nil && s.cache.IsEnabled() {
		var cached Snapshot
		if err := s.cache.Get(ctx, cache.GetSnapshotCacheKey(aggregateType, aggregateID), &cached); err == nil {
			return &cached, nil
		}
	}

	var row models.AggregateSnapshot
	err := s.db.WithContext(ctx).
		Where("aggregate_id = ? AND aggregate_type = ?", aggregateID, aggregateType).
		Order("aggregate_version DESC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to load snapshot")
	}

	snap := Snapshot{
		AggregateID:      row.AggregateID,
		AggregateType:    row.AggregateType,
		AggregateVersion: row.AggregateVersion,
		State:            row.State,
		TakenAt:          row.TakenAt,
	}

	s.cacheSnapshot(ctx, snap)
	return &snap, nil
}

func (s *GormEventStore) cacheSnapshot(ctx context.Context, snap Snapshot) {
	if s.cache == nil || !s.cache.IsEnabled() {
		return
	}
	if err := s.cache.Set(ctx, cache.GetSnapshotCacheKey(snap.AggregateType, snap.AggregateID), snap, snapshotCacheTTL); err != nil {
		log.Warn().
			Err(err).
			Str("aggregateID", snap.AggregateID).
			Msg("Failed to cache snapshot")
	}
}

func (s *GormEventStore) toDomainEvent(dbEvent models.Event) (domain.Event, error) {
	payload, err := s.registry.Decode(dbEvent.EventType, dbEvent.EventVersion, dbEvent.Payload)
	if err != nil {
		return domain.Event{}, err
	}

	var meta domain.Metadata
	if len(dbEvent.Metadata) > 0 {
		if err := json.Unmarshal(dbEvent.Metadata, &meta); err != nil {
			return domain.Event{}, errors.Wrap(err, "failed to decode event metadata")
		}
	}

	return domain.Event{
		ID:               dbEvent.EventID,
		EventType:        dbEvent.EventType,
		EventVersion:     dbEvent.EventVersion,
		AggregateID:      dbEvent.AggregateID,
		AggregateType:    dbEvent.AggregateType,
		AggregateVersion: dbEvent.AggregateVersion,
		Sequence:         dbEvent.Sequence,
		Payload:          payload,
		Metadata:         meta,
		OccurredAt:       dbEvent.OccurredAt,
	}, nil
}

func currentVersionTx(tx *gorm.DB, aggregateID, aggregateType string) (int, error) {
	var current int
	err := tx.Model(&models.Event{}).
		Where("aggregate_id = ? AND aggregate_type = ?", aggregateID, aggregateType).
		Select("COALESCE(MAX(aggregate_version), 0)").
		Scan(&current).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to read aggregate version")
	}
	return current, nil
}

// isUniqueViolation matches duplicate key errors across the drivers we run
// on. GORM only translates to ErrDuplicatedKey when the dialect supports it,
// so the raw messages are checked as well.
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
