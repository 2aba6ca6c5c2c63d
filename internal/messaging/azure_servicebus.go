package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"

	"example.com/backstage/services/orders/config"
)

// AzureBroker implements Broker on Azure Service Bus with one sender per
// topic, created lazily and reused.
type AzureBroker struct {
	client  *azservicebus.Client
	mu      sync.Mutex
	senders map[string]*azservicebus.Sender
}

// NewAzureBroker creates a new Azure Service Bus broker
func NewAzureBroker(cfg config.AzureConfig) (*AzureBroker, error) {
	if cfg.QueueConnStr == "" {
		return nil, fmt.Errorf("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus client: %w", err)
	}

	return &AzureBroker{
		client:  client,
		senders: make(map[string]*azservicebus.Sender),
	}, nil
}

// Publish sends an event envelope to a topic
func (b *AzureBroker) Publish(ctx context.Context, topic string, envelope EventEnvelope) error {
	sender, err := b.senderFor(topic)
	if err != nil {
		return err
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal event envelope: %w", err)
	}

	// Session ID pins an aggregate's events to one consumer session so
	// downstream ordering matches append order.
	sessionID := envelope.AggregateID
	msg := &azservicebus.Message{
		Body:      data,
		MessageID: &envelope.EventID,
		SessionID: &sessionID,
		ApplicationProperties: map[string]interface{}{
			"event_type":     envelope.EventType,
			"event_version":  envelope.EventVersion,
			"aggregate_id":   envelope.AggregateID,
			"aggregate_type": envelope.AggregateType,
			"sequence":       envelope.Sequence,
			"time":           time.Now().UTC().Format(time.RFC3339),
		},
	}

	return sender.SendMessage(ctx, msg, nil)
}

func (b *AzureBroker) senderFor(topic string) (*azservicebus.Sender, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sender, ok := b.senders[topic]; ok {
		return sender, nil
	}

	sender, err := b.client.NewSender(topic, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus sender for %s: %w", topic, err)
	}

	b.senders[topic] = sender
	return sender, nil
}

// Close closes all senders and the underlying client
func (b *AzureBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sender := range b.senders {
		if err := sender.Close(context.Background()); err != nil {
			return err
		}
	}

	if b.client != nil {
		return b.client.Close(context.Background())
	}

	return nil
}
