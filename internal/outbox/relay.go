package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/backstage/services/orders/config"
	"example.com/backstage/services/orders/internal/messaging"
	"example.com/backstage/services/orders/internal/metrics"
	"example.com/backstage/services/orders/internal/models"
)

// Relay drains unpublished events from the log to the broker in sequence
// order. Each worker owns a slice of the partition space, so one aggregate's
// events are always published by the same worker and never reordered.
// Delivery is at least once: rows are only marked published after the broker
// accepted them, and unpublished rows are never deleted.
type Relay struct {
	db           *gorm.DB
	broker       messaging.Broker
	metrics      *metrics.Metrics
	topics       map[string]string
	defaultTopic string
	totalWorkers int
	workerKey    int
	batchSize    int
	pollInterval time.Duration
	running      bool
	mutex        sync.Mutex
	stopChan     chan struct{}
}

// NewRelay creates a new outbox relay
func NewRelay(db *gorm.DB, broker messaging.Broker, m *metrics.Metrics, cfg config.OutboxConfig) *Relay {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	totalWorkers := cfg.TotalWorkers
	if totalWorkers <= 0 {
		totalWorkers = 1
	}

	return &Relay{
		db:           db,
		broker:       broker,
		metrics:      m,
		topics:       cfg.Topics,
		defaultTopic: cfg.DefaultTopic,
		totalWorkers: totalWorkers,
		workerKey:    cfg.WorkerKey % totalWorkers,
		batchSize:    batchSize,
		pollInterval: pollInterval,
		stopChan:     make(chan struct{}),
	}
}

// Start starts the relay loop
func (r *Relay) Start() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.running {
		return
	}

	r.running = true
	go r.relayLoop()
}

// Stop stops the relay loop
func (r *Relay) Stop() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if !r.running {
		return
	}

	r.running = false
	r.stopChan <- struct{}{}
}

func (r *Relay) relayLoop() {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx := context.Background()
			if _, err := r.RelayBatch(ctx); err != nil {
				log.Error().Err(err).Msg("Failed to relay outbox batch")
			}
			if backlog, err := r.Backlog(ctx); err == nil {
				r.metrics.SetGauge(metrics.GaugeOutboxBacklog, backlog)
			}
		case <-r.stopChan:
			return
		}
	}
}

// RelayBatch claims up to one batch of this worker's unpublished events and
// publishes them in ascending sequence order. Publishing stops at the first
// broker failure so later events can not overtake the failed one; everything
// already accepted stays marked. Returns the number published.
func (r *Relay) RelayBatch(ctx context.Context) (int, error) {
	published := 0
	var publishErr error

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var events []models.Event

		query := tx.Where("published = ?", false)
		if r.totalWorkers > 1 {
			query = query.Where("partition % ? = ?", r.totalWorkers, r.workerKey)
		}
		// Row locks keep concurrent workers off the same batch; workers on
		// other partitions skip past instead of queueing.
		if tx.Dialector.Name() == "postgres" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		if err := query.
			Order("sequence ASC").
			Limit(r.batchSize).
			Find(&events).Error; err != nil {
			return errors.Wrap(err, "failed to claim outbox batch")
		}

		if len(events) == 0 {
			return nil
		}

		log.Info().Msgf("Relaying %d events", len(events))

		for _, event := range events {
			envelope := messaging.NewEventEnvelope(event)
			if err := r.broker.Publish(ctx, r.topicFor(event.AggregateType), envelope); err != nil {
				r.metrics.IncrementCounter(metrics.CounterPublishFailures)
				publishErr = errors.Wrapf(err, "failed to publish event %d", event.Sequence)
				log.Error().
					Err(err).
					Int64("sequence", event.Sequence).
					Str("eventType", event.EventType).
					Msg("Broker publish failed, stopping batch")
				break
			}

			now := time.Now().UTC()
			if err := tx.Model(&models.Event{}).
				Where("sequence = ?", event.Sequence).
				Updates(map[string]interface{}{
					"published":    true,
					"published_at": now,
				}).Error; err != nil {
				return errors.Wrap(err, "failed to mark event published")
			}

			published++
			r.metrics.IncrementCounter(metrics.CounterEventsPublished)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return published, publishErr
}

// Backlog counts this store's events not yet published
func (r *Relay) Backlog(ctx context.Context) (int64, error) {
	return Backlog(ctx, r.db)
}

// Backlog counts events not yet published across all partitions
func Backlog(ctx context.Context, db *gorm.DB) (int64, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&models.Event{}).
		Where("published = ?", false).
		Count(&count).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to count outbox backlog")
	}
	return count, nil
}

func (r *Relay) topicFor(aggregateType string) string {
	if topic, ok := r.topics[aggregateType]; ok {
		return topic
	}
	return r.defaultTopic
}
