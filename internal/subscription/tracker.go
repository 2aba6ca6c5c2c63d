package subscription

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/backstage/services/orders/internal/domain"
	"example.com/backstage/services/orders/internal/models"
)

// Tracker keeps one cursor per (subscriber, event type) into the global
// event sequence. Fetching never mutates the cursor; a subscriber advances
// explicitly after it has durably handled what it fetched, so a crash in
// between redelivers instead of skipping.
type Tracker struct {
	db       *gorm.DB
	registry *domain.Registry
}

// NewTracker creates a new subscription cursor tracker
func NewTracker(db *gorm.DB, registry *domain.Registry) *Tracker {
	return &Tracker{
		db:       db,
		registry: registry,
	}
}

// Cursor returns the last processed sequence for a subscriber and event
// type. A subscriber that never advanced reads as 0, the start of the log.
func (t *Tracker) Cursor(ctx context.Context, subscriberName, eventType string) (int64, error) {
	var row models.EventSubscription
	err := t.db.WithContext(ctx).
		Where("subscriber_name = ? AND event_type = ?", subscriberName, eventType).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "failed to read subscription cursor")
	}
	return row.LastProcessedSequence, nil
}

// FetchNew returns up to limit events of one type past the subscriber's
// cursor, in ascending sequence order, payloads decoded.
func (t *Tracker) FetchNew(ctx context.Context, subscriberName, eventType string, limit int) ([]domain.Event, error) {
	cursor, err := t.Cursor(ctx, subscriberName, eventType)
	if err != nil {
		return nil, err
	}

	var rows []models.Event
	err = t.db.WithContext(ctx).
		Where("event_type = ? AND sequence > ?", eventType, cursor).
		Order("sequence ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch new events")
	}

	events := make([]domain.Event, 0, len(rows))
	for _, row := range rows {
		event, err := t.toDomainEvent(row)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	return events, nil
}

// Advance moves the cursor forward to sequence. Moves that would go
// backwards or stand still are silent no-ops, which makes redelivered
// batches harmless.
func (t *Tracker) Advance(ctx context.Context, subscriberName, eventType string, sequence int64) error {
	row := models.EventSubscription{
		SubscriberName:        subscriberName,
		EventType:             eventType,
		LastProcessedSequence: 0,
	}
	if err := t.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error; err != nil {
		return errors.Wrap(err, "failed to ensure subscription cursor")
	}

	err := t.db.WithContext(ctx).
		Model(&models.EventSubscription{}).
		Where("subscriber_name = ? AND event_type = ? AND last_processed_sequence < ?", subscriberName, eventType, sequence).
		Update("last_processed_sequence", sequence).Error
	if err != nil {
		return errors.Wrap(err, "failed to advance subscription cursor")
	}

	return nil
}

func (t *Tracker) toDomainEvent(row models.Event) (domain.Event, error) {
	payload, err := t.registry.Decode(row.EventType, row.EventVersion, row.Payload)
	if err != nil {
		return domain.Event{}, err
	}

	var meta domain.Metadata
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &meta); err != nil {
			return domain.Event{}, errors.Wrap(err, "failed to decode event metadata")
		}
	}

	return domain.Event{
		ID:               row.EventID,
		EventType:        row.EventType,
		EventVersion:     row.EventVersion,
		AggregateID:      row.AggregateID,
		AggregateType:    row.AggregateType,
		AggregateVersion: row.AggregateVersion,
		Sequence:         row.Sequence,
		Payload:          payload,
		Metadata:         meta,
		OccurredAt:       row.OccurredAt,
	}, nil
}
