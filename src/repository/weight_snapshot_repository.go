package repository

import (
	"context"
	"errors"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"signalpipeline/src/database"
	"signalpipeline/src/model"
)

// WeightSnapshotRepository is the append-only store for fusion weight
// history. The feedback loop is the only writer.
type WeightSnapshotRepository struct {
	db *gorm.DB
}

func NewWeightSnapshotRepository() *WeightSnapshotRepository {
	return &WeightSnapshotRepository{db: database.MainDB}
}

// WithDB overrides the underlying *gorm.DB instance. Useful for tests.
func (r *WeightSnapshotRepository) WithDB(db *gorm.DB) *WeightSnapshotRepository {
	return &WeightSnapshotRepository{db: db}
}

func (r *WeightSnapshotRepository) Append(ctx context.Context, snap *model.WeightSnapshot) error {
	if err := r.db.WithContext(ctx).Create(snap).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":    "WeightSnapshotRepository",
			"op":      "Append",
			"version": snap.Version,
		}).WithError(err).Error("Failed to append weight snapshot")
		return err
	}
	return nil
}

// Latest returns the highest-version snapshot, or (nil, nil) when the history
// is empty.
func (r *WeightSnapshotRepository) Latest(ctx context.Context) (*model.WeightSnapshot, error) {
	var snap model.WeightSnapshot

	err := r.db.WithContext(ctx).
		Order("version DESC").
		First(&snap).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &snap, nil
}

// FindByVersion returns (nil, nil) if the version does not exist.
func (r *WeightSnapshotRepository) FindByVersion(ctx context.Context, version uint) (*model.WeightSnapshot, error) {
	var snap model.WeightSnapshot

	err := r.db.WithContext(ctx).
		Where("version = ?", version).
		First(&snap).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &snap, nil
}
