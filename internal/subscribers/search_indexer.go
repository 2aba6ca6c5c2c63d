package subscribers

import (
	"context"

	"example.com/backstage/services/orders/internal/domain"
	"example.com/backstage/services/orders/internal/search"
)

// SearchIndexer projects order lifecycle events into Elasticsearch. It runs
// behind the subscription poller and the idempotency guard like any other
// subscriber; redelivered events overwrite the same document ID.
type SearchIndexer struct {
	elastic *search.ElasticClient
}

// NewSearchIndexer creates a new search indexer subscriber
func NewSearchIndexer(elastic *search.ElasticClient) *SearchIndexer {
	return &SearchIndexer{elastic: elastic}
}

// Name returns the subscriber name used for cursors and the processing log
func (s *SearchIndexer) Name() string {
	return "search-indexer"
}

// EventTypes returns the event types this subscriber follows
func (s *SearchIndexer) EventTypes() []string {
	return []string{
		domain.OrderCreated,
		domain.OrderConfirmed,
		domain.OrderPaid,
		domain.OrderPaymentFailed,
		domain.OrderCancelled,
		domain.OrderRefunded,
	}
}

// Handle indexes one event
func (s *SearchIndexer) Handle(ctx context.Context, event domain.Event) error {
	return s.elastic.IndexOrderEvent(ctx, event)
}
