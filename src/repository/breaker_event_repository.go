package repository

import (
	"context"

	"gorm.io/gorm"

	"signalpipeline/src/database"
	"signalpipeline/src/model"
)

// BreakerEventRepository is the append-only log of circuit-breaker and
// kill-switch transitions.
type BreakerEventRepository struct {
	db *gorm.DB
}

func NewBreakerEventRepository() *BreakerEventRepository {
	return &BreakerEventRepository{db: database.MainDB}
}

// WithDB overrides the underlying *gorm.DB instance. Useful for tests.
func (r *BreakerEventRepository) WithDB(db *gorm.DB) *BreakerEventRepository {
	return &BreakerEventRepository{db: db}
}

func (r *BreakerEventRepository) Append(ctx context.Context, event *model.BreakerEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

// FindByMachine returns the newest transitions for one machine, newest first.
func (r *BreakerEventRepository) FindByMachine(ctx context.Context, machine string, limit int) ([]model.BreakerEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	var events []model.BreakerEvent
	err := r.db.WithContext(ctx).
		Where("machine = ?", machine).
		Order("id DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, err
	}

	return events, nil
}
