package handlers

import (
	"net/http"
	"strconv"

	"example.com/backstage/services/orders/internal/idempotency"
	"example.com/backstage/services/orders/internal/metrics"
	"example.com/backstage/services/orders/internal/models"
	"example.com/backstage/services/orders/internal/outbox"
	"example.com/backstage/services/orders/internal/repositories"
	"example.com/backstage/services/orders/internal/saga"
	"example.com/backstage/services/orders/internal/search"
	"example.com/backstage/services/orders/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// OpsHandler exposes operational state over HTTP
type OpsHandler struct {
	db            *gorm.DB
	orders        *repositories.OrderRepository
	metrics       *metrics.Metrics
	guard         *idempotency.Guard
	instanceStore *saga.InstanceStore
	searchClient  *search.ElasticClient
	tracer        tracing.Tracer
}

// NewOpsHandler creates a new operations handler
func NewOpsHandler(db *gorm.DB, orders *repositories.OrderRepository, m *metrics.Metrics, guard *idempotency.Guard, instanceStore *saga.InstanceStore, searchClient *search.ElasticClient, tracer tracing.Tracer) *OpsHandler {
	return &OpsHandler{
		db:            db,
		orders:        orders,
		metrics:       m,
		guard:         guard,
		instanceStore: instanceStore,
		searchClient:  searchClient,
		tracer:        tracer,
	}
}

// HandleMetrics returns the current metrics snapshot
func (h *OpsHandler) HandleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.metrics.GetAllMetrics())
}

// HandleDeadLetters lists dead-lettered events awaiting manual intervention
func (h *OpsHandler) HandleDeadLetters(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-dead-letters")
	defer h.tracer.EndTransaction(txn)

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	entries, err := h.guard.DeadLetters(c, limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list dead letters")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	total, err := h.guard.CountDeadLetters(c)
	if err != nil {
		log.Error().Err(err).Msg("Failed to count dead letters")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total":        total,
		"dead_letters": entries,
	})
}

// HandleSagaByBusinessKey returns the saga instance tracking an order payment
func (h *OpsHandler) HandleSagaByBusinessKey(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-saga-by-business-key")
	defer h.tracer.EndTransaction(txn)

	businessKey := c.Param("businessKey")
	h.tracer.AddAttribute(txn, "business_key", businessKey)

	instance, err := h.instanceStore.FindByBusinessKey(c, saga.SagaTypeOrderPayment, businessKey)
	if err != nil {
		log.Error().Err(err).Str("businessKey", businessKey).Msg("Failed to load saga instance")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}
	if instance == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "saga not found"})
		return
	}

	c.JSON(http.StatusOK, instance)
}

// HandleOutboxBacklog reports how many events are waiting to be published
func (h *OpsHandler) HandleOutboxBacklog(c *gin.Context) {
	backlog, err := outbox.Backlog(c, h.db)
	if err != nil {
		log.Error().Err(err).Msg("Failed to count outbox backlog")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"unpublished": backlog})
}

// HandleOrders lists orders in a status, newest first
func (h *OpsHandler) HandleOrders(c *gin.Context) {
	status := c.DefaultQuery("status", models.OrderStatusPending)
	if !validOrderStatus(status) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown order status"})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	orders, err := h.orders.GetByStatus(c, status, limit)
	if err != nil {
		log.Error().Err(err).Str("status", status).Msg("Failed to list orders")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": status,
		"orders": orders,
	})
}

// HandleOrderByID returns one order with its decoded line items
func (h *OpsHandler) HandleOrderByID(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order ID"})
		return
	}

	order, err := h.orders.Load(c, orderID)
	if err != nil {
		log.Error().Err(err).Str("orderID", orderID.String()).Msg("Failed to load order")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if order == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}

	items, err := repositories.DecodeItems(order)
	if err != nil {
		log.Error().Err(err).Str("orderID", orderID.String()).Msg("Failed to decode order items")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"items": items,
	})
}

// HandleEventSearch queries the search index for order events
func (h *OpsHandler) HandleEventSearch(c *gin.Context) {
	if h.searchClient == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "search is not available"})
		return
	}

	txn := h.tracer.StartTransaction("api-event-search")
	defer h.tracer.EndTransaction(txn)

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	filters := []map[string]interface{}{}
	if raw := c.Query("aggregate_id"); raw != "" {
		aggregateID, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid aggregate ID"})
			return
		}
		filters = append(filters, map[string]interface{}{
			"term": map[string]interface{}{"aggregate_id": aggregateID.String()},
		})
	}
	if eventType := c.Query("event_type"); eventType != "" {
		filters = append(filters, map[string]interface{}{
			"term": map[string]interface{}{"event_type": eventType},
		})
	}

	query := map[string]interface{}{
		"size": limit,
		"sort": []map[string]interface{}{
			{"sequence": map[string]interface{}{"order": "desc"}},
		},
		"query": map[string]interface{}{
			"bool": map[string]interface{}{"filter": filters},
		},
	}

	docs, err := h.searchClient.SearchOrderEvents(c, query)
	if err != nil {
		log.Error().Err(err).Msg("Failed to search order events")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"count":  len(docs),
		"events": docs,
	})
}

func validOrderStatus(status string) bool {
	switch status {
	case models.OrderStatusPending,
		models.OrderStatusConfirmed,
		models.OrderStatusPaid,
		models.OrderStatusPaymentFailed,
		models.OrderStatusCancelled,
		models.OrderStatusRefunded:
		return true
	default:
		return false
	}
}

// RegisterRoutes registers the handler's routes
func (h *OpsHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/metrics", h.HandleMetrics)
	router.GET("/dead-letters", h.HandleDeadLetters)
	router.GET("/sagas/:businessKey", h.HandleSagaByBusinessKey)
	router.GET("/outbox/backlog", h.HandleOutboxBacklog)
	router.GET("/orders", h.HandleOrders)
	router.GET("/orders/:id", h.HandleOrderByID)
	router.GET("/events/search", h.HandleEventSearch)
}
