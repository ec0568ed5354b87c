package repository

import (
	"context"
	"errors"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"signalpipeline/src/database"
	"signalpipeline/src/model"
)

// SignalRepository reads raw producer signals from the read-only database and
// persists normalized signals to the main database.
type SignalRepository struct {
	readDB *gorm.DB
	db     *gorm.DB
}

func NewSignalRepository() *SignalRepository {
	return &SignalRepository{
		readDB: database.ReadOnlyDB,
		db:     database.MainDB,
	}
}

// WithDB overrides the underlying connections. Useful for tests.
func (r *SignalRepository) WithDB(readDB, mainDB *gorm.DB) *SignalRepository {
	return &SignalRepository{readDB: readDB, db: mainDB}
}

// FindRawAfterID fetches producer signals with ID greater than lastID,
// ordered oldest to newest. This is the incremental poll the pipeline runs
// every tick.
func (r *SignalRepository) FindRawAfterID(
	ctx context.Context,
	lastID uint,
	limit int,
) ([]model.RawProducerSignal, error) {
	if limit <= 0 {
		limit = 100
	}

	var raws []model.RawProducerSignal

	err := r.readDB.WithContext(ctx).
		Where("id > ?", lastID).
		Order("id ASC").
		Limit(limit).
		Find(&raws).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":    "SignalRepository",
			"op":      "FindRawAfterID",
			"last_id": lastID,
		}).WithError(err).Error("Failed to fetch producer signals")
		return nil, err
	}

	return raws, nil
}

// Create persists a normalized signal.
func (r *SignalRepository) Create(ctx context.Context, sig *model.Signal) error {
	if err := r.db.WithContext(ctx).Create(sig).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":      "SignalRepository",
			"op":        "Create",
			"signal_id": sig.SignalID,
		}).WithError(err).Error("Failed to persist signal")
		return err
	}
	return nil
}

// CreateFused persists one fusion cycle result.
func (r *SignalRepository) CreateFused(ctx context.Context, rec *model.FusedSignalRecord) error {
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "SignalRepository",
			"op":     "CreateFused",
			"ticker": rec.Ticker,
		}).WithError(err).Error("Failed to persist fused signal")
		return err
	}
	return nil
}

// FindBySignalID fetches a normalized signal by its uuid. Returns (nil, nil)
// if not found.
func (r *SignalRepository) FindBySignalID(ctx context.Context, signalID string) (*model.Signal, error) {
	var sig model.Signal

	err := r.db.WithContext(ctx).
		Where("signal_id = ?", signalID).
		First(&sig).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil // not found is not an error
		}
		return nil, err
	}

	return &sig, nil
}
