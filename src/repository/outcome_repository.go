package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"signalpipeline/src/database"
	"signalpipeline/src/model"
)

// OutcomeRepository persists realized trade outcomes for the feedback loop.
type OutcomeRepository struct {
	db *gorm.DB
}

func NewOutcomeRepository() *OutcomeRepository {
	return &OutcomeRepository{db: database.MainDB}
}

// WithDB overrides the underlying *gorm.DB instance. Useful for tests.
func (r *OutcomeRepository) WithDB(db *gorm.DB) *OutcomeRepository {
	return &OutcomeRepository{db: db}
}

func (r *OutcomeRepository) Create(ctx context.Context, outcome *model.TradeOutcome) error {
	return r.db.WithContext(ctx).Create(outcome).Error
}

// CountSince reports how many trades closed at or after the cutoff.
func (r *OutcomeRepository) CountSince(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.TradeOutcome{}).
		Where("closed_at >= ?", cutoff).
		Count(&count).Error
	return count, err
}

// FindWindow returns outcomes closed within [from, to], oldest first.
func (r *OutcomeRepository) FindWindow(ctx context.Context, from, to time.Time) ([]model.TradeOutcome, error) {
	var outcomes []model.TradeOutcome

	err := r.db.WithContext(ctx).
		Where("closed_at >= ? AND closed_at <= ?", from, to).
		Order("closed_at ASC").
		Find(&outcomes).Error
	if err != nil {
		return nil, err
	}

	return outcomes, nil
}
