package repositories

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"example.com/backstage/services/orders/internal/domain"
	"example.com/backstage/services/orders/internal/models"
)

// OrderRepository provides access to order aggregate state. Reads go to the
// read replica; writes happen inside the caller's event transaction so order
// state and events always commit together.
type OrderRepository struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(db *gorm.DB, readOnlyDB *gorm.DB) *OrderRepository {
	return &OrderRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Load gets an order by ID, or nil when it does not exist.
// Loads bypass the replica because saga decisions need current state.
func (r *OrderRepository) Load(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).Where("id = ?", orderID).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to load order")
	}
	return &order, nil
}

// SaveInTx writes the order inside an open transaction
func (r *OrderRepository) SaveInTx(tx *gorm.DB, order *models.Order) error {
	if err := tx.Save(order).Error; err != nil {
		return errors.Wrap(err, "failed to save order")
	}
	return nil
}

// CreateInTx inserts a new order inside an open transaction
func (r *OrderRepository) CreateInTx(tx *gorm.DB, order *models.Order) error {
	if err := tx.Create(order).Error; err != nil {
		return errors.Wrap(err, "failed to create order")
	}
	return nil
}

// GetByStatus lists orders in a status, newest first
func (r *OrderRepository) GetByStatus(ctx context.Context, status string, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := r.readOnlyDB.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at DESC").
		Limit(limit).
		Find(&orders).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get orders by status")
	}
	return orders, nil
}

// DecodeItems returns the order's line items
func DecodeItems(order *models.Order) ([]domain.OrderItem, error) {
	var items []domain.OrderItem
	if len(order.Items) == 0 {
		return items, nil
	}
	if err := json.Unmarshal(order.Items, &items); err != nil {
		return nil, errors.Wrap(err, "failed to decode order items")
	}
	return items, nil
}
