package repository

import (
	"context"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"signalpipeline/src/database"
	"signalpipeline/src/model"
)

// PositionRepository persists the lifecycle manager's positions collection.
// The in-memory collection is authoritative while the process runs; the DB
// copy is for restart recovery and audit.
type PositionRepository struct {
	db *gorm.DB
}

func NewPositionRepository() *PositionRepository {
	return &PositionRepository{db: database.MainDB}
}

// WithDB overrides the underlying *gorm.DB instance. Useful for tests.
func (r *PositionRepository) WithDB(db *gorm.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

func (r *PositionRepository) Create(ctx context.Context, pos *model.Position) error {
	if err := r.db.WithContext(ctx).Create(pos).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "PositionRepository",
			"op":     "Create",
			"ticker": pos.Ticker,
		}).WithError(err).Error("Failed to create position")
		return err
	}
	return nil
}

// UpdateMark refreshes current price and unrealized P&L for an open position.
func (r *PositionRepository) UpdateMark(ctx context.Context, pos *model.Position) error {
	return r.db.WithContext(ctx).
		Model(&model.Position{}).
		Where("id = ? AND status = ?", pos.ID, model.PositionStatusOpen).
		Updates(map[string]interface{}{
			"current_price":  pos.CurrentPrice,
			"unrealized_pnl": pos.UnrealizedPnl,
			"stop_loss":      pos.StopLoss,
			"updated_at":     time.Now().UTC(),
		}).Error
}

// Close marks a position closed with its exit context.
func (r *PositionRepository) Close(ctx context.Context, pos *model.Position) error {
	err := r.db.WithContext(ctx).
		Model(&model.Position{}).
		Where("id = ?", pos.ID).
		Updates(map[string]interface{}{
			"status":     model.PositionStatusClosed,
			"quantity":   pos.Quantity,
			"exit_price": pos.ExitPrice,
			"closed_at":  pos.ClosedAt,
			"updated_at": time.Now().UTC(),
		}).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "PositionRepository",
			"op":     "Close",
			"id":     pos.ID,
			"ticker": pos.Ticker,
		}).WithError(err).Error("Failed to close position")
	}
	return err
}

// FindOpen returns all open positions, oldest first.
func (r *PositionRepository) FindOpen(ctx context.Context) ([]model.Position, error) {
	var positions []model.Position

	err := r.db.WithContext(ctx).
		Where("status = ?", model.PositionStatusOpen).
		Order("opened_at ASC").
		Find(&positions).Error

	if err != nil {
		return nil, err
	}

	return positions, nil
}
