package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"example.com/backstage/services/orders/config"
	"example.com/backstage/services/orders/internal/domain"
	"example.com/backstage/services/orders/internal/idempotency"
)

// Handler is a named subscriber for a set of event types.
type Handler interface {
	Name() string
	EventTypes() []string
	Handle(ctx context.Context, event domain.Event) error
}

// Poller drives one subscriber: fetch past the cursor, run each event
// through the idempotency guard, advance the cursor behind durable
// outcomes. An event waiting on a retry holds the cursor for its event type
// so ordering survives; the guard's dead-letter cap keeps a poison event
// from holding it forever.
type Poller struct {
	tracker      *Tracker
	guard        *idempotency.Guard
	handler      Handler
	batchSize    int
	pollInterval time.Duration
	running      bool
	mutex        sync.Mutex
	stopChan     chan struct{}
}

// NewPoller creates a new subscription poller
func NewPoller(tracker *Tracker, guard *idempotency.Guard, handler Handler, cfg config.SubscriptionConfig) *Poller {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	return &Poller{
		tracker:      tracker,
		guard:        guard,
		handler:      handler,
		batchSize:    batchSize,
		pollInterval: pollInterval,
		stopChan:     make(chan struct{}),
	}
}

// Start starts the polling loop
func (p *Poller) Start() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.running {
		return
	}

	p.running = true
	go p.pollLoop()
}

// Stop stops the polling loop
func (p *Poller) Stop() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.running {
		return
	}

	p.running = false
	p.stopChan <- struct{}{}
}

func (p *Poller) pollLoop() {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.ProcessOnce(context.Background()); err != nil {
				log.Error().
					Err(err).
					Str("subscriber", p.handler.Name()).
					Msg("Failed to process subscription batch")
			}
		case <-p.stopChan:
			return
		}
	}
}

// ProcessOnce runs one fetch/handle/advance round for every event type the
// handler subscribes to.
func (p *Poller) ProcessOnce(ctx context.Context) error {
	for _, eventType := range p.handler.EventTypes() {
		if err := p.processEventType(ctx, eventType); err != nil {
			return err
		}
	}
	return nil
}

func (p *Poller) processEventType(ctx context.Context, eventType string) error {
	events, err := p.tracker.FetchNew(ctx, p.handler.Name(), eventType, p.batchSize)
	if err != nil {
		return err
	}

	for _, event := range events {
		outcome, err := p.guard.Execute(ctx, event, p.handler.Name(), p.handler.Handle)
		if !outcome.Advances() {
			// The event is pending a retry or held by another worker.
			// Stop here so it is seen again before anything later.
			if err != nil {
				log.Warn().
					Err(err).
					Str("subscriber", p.handler.Name()).
					Int64("sequence", event.Sequence).
					Msg("Holding cursor for retry")
			}
			return nil
		}

		if err := p.tracker.Advance(ctx, p.handler.Name(), eventType, event.Sequence); err != nil {
			return err
		}
	}

	return nil
}
