package repository

import (
	"context"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"signalpipeline/src/database"
	"signalpipeline/src/model"
)

// DecisionRepository persists risk gate decisions. Every evaluation is
// recorded, pass or fail, for compliance replay.
type DecisionRepository struct {
	db *gorm.DB
}

func NewDecisionRepository() *DecisionRepository {
	return &DecisionRepository{db: database.MainDB}
}

// WithDB overrides the underlying *gorm.DB instance. Useful for tests.
func (r *DecisionRepository) WithDB(db *gorm.DB) *DecisionRepository {
	return &DecisionRepository{db: db}
}

func (r *DecisionRepository) Create(ctx context.Context, rec *model.RiskDecisionRecord) error {
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":        "DecisionRepository",
			"op":          "Create",
			"decision_id": rec.DecisionID,
			"verdict":     rec.Verdict,
		}).WithError(err).Error("Failed to persist risk decision")
		return err
	}
	return nil
}

// FindRecent returns the newest decisions, newest first.
func (r *DecisionRepository) FindRecent(ctx context.Context, limit int) ([]model.RiskDecisionRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	var decisions []model.RiskDecisionRecord
	err := r.db.WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Find(&decisions).Error
	if err != nil {
		return nil, err
	}

	return decisions, nil
}
