package domain

import (
	"encoding/json"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// ErrUnknownEventType is returned when a (type, version) pair was never
// registered. Callers must not guess at a schema for such events.
var ErrUnknownEventType = errors.New("unknown event type")

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// ValidateStruct validates a struct using validation tags
func ValidateStruct(s interface{}) error {
	if err := validate.Struct(s); err != nil {
		return err
	}
	return nil
}

// PayloadFactory returns a new zero payload for one event schema.
type PayloadFactory func() interface{}

type registryKey struct {
	eventType    string
	eventVersion int
}

// Registry maps (eventType, eventVersion) pairs to payload schemas. Decoding
// an unregistered pair fails instead of falling back to raw JSON.
type Registry struct {
	mu        sync.RWMutex
	factories map[registryKey]PayloadFactory
}

// NewRegistry creates an empty payload registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[registryKey]PayloadFactory)}
}

// Register adds a payload factory for an event type and schema version
func (r *Registry) Register(eventType string, eventVersion int, factory PayloadFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[registryKey{eventType, eventVersion}] = factory
}

// Known reports whether a (type, version) pair has a registered schema
func (r *Registry) Known(eventType string, eventVersion int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[registryKey{eventType, eventVersion}]
	return ok
}

// Decode unmarshals raw payload bytes into the registered schema and
// validates the result.
func (r *Registry) Decode(eventType string, eventVersion int, raw []byte) (interface{}, error) {
	r.mu.RLock()
	factory, ok := r.factories[registryKey{eventType, eventVersion}]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.Wrapf(ErrUnknownEventType, "%s v%d", eventType, eventVersion)
	}

	payload := factory()
	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s v%d payload", eventType, eventVersion)
	}

	if err := ValidateStruct(payload); err != nil {
		return nil, errors.Wrapf(err, "invalid %s v%d payload", eventType, eventVersion)
	}

	return payload, nil
}

// NewOrderRegistry returns a registry preloaded with all order event schemas
func NewOrderRegistry() *Registry {
	r := NewRegistry()
	r.Register(OrderCreated, 1, func() interface{} { return &OrderCreatedPayload{} })
	r.Register(OrderConfirmed, 1, func() interface{} { return &OrderConfirmedPayload{} })
	r.Register(OrderPaid, 1, func() interface{} { return &OrderPaidPayload{} })
	r.Register(OrderPaymentFailed, 1, func() interface{} { return &OrderPaymentFailedPayload{} })
	r.Register(OrderCancelled, 1, func() interface{} { return &OrderCancelledPayload{} })
	r.Register(OrderRefunded, 1, func() interface{} { return &OrderRefundedPayload{} })
	return r
}
