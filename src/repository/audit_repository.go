package repository

import (
	"context"
	"errors"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"signalpipeline/src/database"
	"signalpipeline/src/model"
)

// AuditRepository is the append-only store backing the hash-chained audit
// ledger.
type AuditRepository struct {
	db *gorm.DB
}

func NewAuditRepository() *AuditRepository {
	return &AuditRepository{db: database.MainDB}
}

// WithDB overrides the underlying *gorm.DB instance. Useful for tests.
func (r *AuditRepository) WithDB(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Append(ctx context.Context, rec *model.AuditRecord) error {
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "AuditRepository",
			"op":   "Append",
			"seq":  rec.Seq,
			"kind": rec.Kind,
		}).WithError(err).Error("Failed to append audit record")
		return err
	}
	return nil
}

// Last returns the highest-sequence record, or (nil, nil) when the chain is
// empty.
func (r *AuditRepository) Last(ctx context.Context) (*model.AuditRecord, error) {
	var rec model.AuditRecord

	err := r.db.WithContext(ctx).
		Order("seq DESC").
		First(&rec).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &rec, nil
}

// Walk streams the chain in sequence order in fixed-size batches, calling fn
// for each record. Verification uses this to avoid loading the full chain.
func (r *AuditRepository) Walk(ctx context.Context, batchSize int, fn func(model.AuditRecord) error) error {
	if batchSize <= 0 {
		batchSize = 500
	}

	var lastSeq uint64
	for {
		var batch []model.AuditRecord
		err := r.db.WithContext(ctx).
			Where("seq > ?", lastSeq).
			Order("seq ASC").
			Limit(batchSize).
			Find(&batch).Error
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		for _, rec := range batch {
			if err := fn(rec); err != nil {
				return err
			}
			lastSeq = rec.Seq
		}
	}
}
