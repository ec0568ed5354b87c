package repository

import (
	"context"
	"errors"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"signalpipeline/src/database"
	"signalpipeline/src/model"
)

// OrderRepository handles persistence for pipeline orders and their
// submission attempts.
type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository() *OrderRepository {
	return &OrderRepository{db: database.MainDB}
}

// WithDB overrides the underlying *gorm.DB instance. Useful for tests.
func (r *OrderRepository) WithDB(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) Create(ctx context.Context, order *model.PipelineOrder) error {
	if err := r.db.WithContext(ctx).Create(order).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":            "OrderRepository",
			"op":              "Create",
			"client_order_id": order.ClientOrderID,
		}).WithError(err).Error("Failed to create pipeline order")
		return err
	}
	return nil
}

// UpdateStatus transitions an order's status and records broker/fill context.
func (r *OrderRepository) UpdateStatus(ctx context.Context, order *model.PipelineOrder) error {
	updates := map[string]interface{}{
		"status":      order.Status,
		"broker":      order.Broker,
		"fail_reason": order.FailReason,
		"updated_at":  time.Now().UTC(),
	}
	if order.FillPrice != nil {
		updates["fill_price"] = *order.FillPrice
	}
	if order.RoutedAt != nil {
		updates["routed_at"] = *order.RoutedAt
	}
	if order.SettledAt != nil {
		updates["settled_at"] = *order.SettledAt
	}

	err := r.db.WithContext(ctx).
		Model(&model.PipelineOrder{}).
		Where("id = ?", order.ID).
		Updates(updates).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "OrderRepository",
			"op":     "UpdateStatus",
			"id":     order.ID,
			"status": order.Status,
		}).WithError(err).Error("Failed to update order status")
	}
	return err
}

func (r *OrderRepository) AddAttempt(ctx context.Context, attempt *model.OrderAttempt) error {
	return r.db.WithContext(ctx).Create(attempt).Error
}

// FindByClientOrderID returns (nil, nil) if not found.
func (r *OrderRepository) FindByClientOrderID(ctx context.Context, clientOrderID string) (*model.PipelineOrder, error) {
	var order model.PipelineOrder

	err := r.db.WithContext(ctx).
		Where("client_order_id = ?", clientOrderID).
		First(&order).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &order, nil
}

// OrderSearchOptions narrows Search results.
type OrderSearchOptions struct {
	Ticker        *string
	Status        *string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
}

func (r *OrderRepository) Search(ctx context.Context, opts OrderSearchOptions) ([]model.PipelineOrder, error) {
	q := r.db.WithContext(ctx).Model(&model.PipelineOrder{})

	if opts.Ticker != nil {
		q = q.Where("ticker = ?", *opts.Ticker)
	}
	if opts.Status != nil {
		q = q.Where("status = ?", *opts.Status)
	}
	if opts.CreatedAfter != nil {
		q = q.Where("created_at >= ?", *opts.CreatedAfter)
	}
	if opts.CreatedBefore != nil {
		q = q.Where("created_at <= ?", *opts.CreatedBefore)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}

	var orders []model.PipelineOrder
	if err := q.Order("created_at DESC, id DESC").Find(&orders).Error; err != nil {
		return nil, err
	}

	return orders, nil
}
