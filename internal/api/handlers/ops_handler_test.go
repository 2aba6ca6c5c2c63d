package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"example.com/backstage/services/orders/config"
	"example.com/backstage/services/orders/internal/idempotency"
	"example.com/backstage/services/orders/internal/metrics"
	"example.com/backstage/services/orders/internal/models"
	"example.com/backstage/services/orders/internal/repositories"
	"example.com/backstage/services/orders/internal/saga"
	"example.com/backstage/services/orders/internal/tracing"
)

type opsTestKit struct {
	router    *gin.Engine
	db        *gorm.DB
	metrics   *metrics.Metrics
	instances *saga.InstanceStore
}

func setupOpsTest(t *testing.T) *opsTestKit {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.SetupModels(db))

	m := metrics.NewMetrics()
	guard := idempotency.NewGuard(db, m, config.ProcessingConfig{})
	instances := saga.NewInstanceStore(db)
	tracer, err := tracing.NewTracer(config.TracingConfig{})
	require.NoError(t, err)

	handler := NewOpsHandler(db, repositories.NewOrderRepository(db, db), m, guard, instances, nil, tracer)
	router := gin.New()
	handler.RegisterRoutes(router)

	return &opsTestKit{router: router, db: db, metrics: m, instances: instances}
}

func (k *opsTestKit) get(t *testing.T, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	w := httptest.NewRecorder()
	req, err := http.NewRequest(http.MethodGet, path, nil)
	require.NoError(t, err)
	k.router.ServeHTTP(w, req)

	var body map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func (k *opsTestKit) seedOrder(t *testing.T, status string) *models.Order {
	t.Helper()

	order := &models.Order{
		ID:           uuid.New(),
		CustomerID:   uuid.New(),
		Status:       status,
		CurrencyCode: "KES",
		TotalCents:   3000,
		Items:        []byte(`[{"sku":"SKU-1","quantity":2,"unit_price_cents":1500}]`),
		Version:      1,
	}
	require.NoError(t, k.db.Create(order).Error)
	return order
}

func TestMetricsEndpoint(t *testing.T) {
	kit := setupOpsTest(t)
	kit.metrics.IncrementCounter(metrics.CounterEventsAppended)

	w, body := kit.get(t, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)

	counters, ok := body["counters"].(map[string]interface{})
	require.True(t, ok)
	require.EqualValues(t, 1, counters[metrics.CounterEventsAppended])
	require.Contains(t, body, "uptime_seconds")
}

func TestOrdersEndpoint(t *testing.T) {
	kit := setupOpsTest(t)
	kit.seedOrder(t, models.OrderStatusPending)
	kit.seedOrder(t, models.OrderStatusPaid)

	w, body := kit.get(t, "/orders?status=PAID")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "PAID", body["status"])
	require.Len(t, body["orders"], 1)

	// Status defaults to PENDING
	w, body = kit.get(t, "/orders")
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, body["orders"], 1)

	w, _ = kit.get(t, "/orders?status=SHIPPED")
	require.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = kit.get(t, "/orders?status=PAID&limit=zero")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOrderByIDEndpoint(t *testing.T) {
	kit := setupOpsTest(t)
	order := kit.seedOrder(t, models.OrderStatusPaid)

	w, body := kit.get(t, "/orders/"+order.ID.String())
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, body["items"], 1)

	w, _ = kit.get(t, "/orders/"+uuid.NewString())
	require.Equal(t, http.StatusNotFound, w.Code)

	w, _ = kit.get(t, "/orders/not-a-uuid")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSagaEndpoint(t *testing.T) {
	kit := setupOpsTest(t)

	businessKey := uuid.NewString()
	inst := &saga.Instance{
		ID:          uuid.New(),
		SagaType:    saga.SagaTypeOrderPayment,
		BusinessKey: businessKey,
		State:       models.SagaStateRunning,
		CurrentStep: saga.StepProcessPayment,
		Context:     saga.PaymentContext{OrderID: businessKey},
	}
	require.NoError(t, kit.instances.Create(context.Background(), inst))

	w, body := kit.get(t, "/sagas/"+businessKey)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, models.SagaStateRunning, body["state"])

	w, _ = kit.get(t, "/sagas/"+uuid.NewString())
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestOutboxBacklogEndpoint(t *testing.T) {
	kit := setupOpsTest(t)

	event := models.Event{
		EventID:          uuid.New(),
		EventType:        "ORDER_CREATED",
		EventVersion:     1,
		AggregateID:      uuid.NewString(),
		AggregateType:    "ORDER",
		AggregateVersion: 1,
		Partition:        7,
		Payload:          []byte(`{}`),
		OccurredAt:       time.Now().UTC(),
	}
	require.NoError(t, kit.db.Create(&event).Error)

	w, body := kit.get(t, "/outbox/backlog")
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 1, body["unpublished"])
}

func TestEventSearchWithoutClient(t *testing.T) {
	kit := setupOpsTest(t)

	w, body := kit.get(t, "/events/search?aggregate_id="+uuid.NewString())
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, "search is not available", body["error"])
}

func TestDeadLettersEndpoint(t *testing.T) {
	kit := setupOpsTest(t)

	msg := "handler exploded"
	row := models.EventProcessingLog{
		EventID:        uuid.New(),
		SubscriberName: "search-indexer",
		Status:         models.ProcessingStatusFailed,
		Attempts:       5,
		LastError:      &msg,
	}
	require.NoError(t, kit.db.Create(&row).Error)

	w, body := kit.get(t, "/dead-letters")
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 1, body["total"])
	require.Len(t, body["dead_letters"], 1)

	w, _ = kit.get(t, "/dead-letters?limit=-3")
	require.Equal(t, http.StatusBadRequest, w.Code)
}
