package migrations

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// DataMigration tracks executed data migrations. Table name is fixed to avoid
// collisions with other models.
type DataMigration struct {
	ID        string    `gorm:"primaryKey;size:200;column:id"`
	AppliedAt time.Time `gorm:"not null;column:applied_at"`
}

func (DataMigration) TableName() string { return "data_migrations" }

// RunOnce runs fn only if migrationID was not executed before. It records the
// migration as executed only after fn succeeds.
func RunOnce(db *gorm.DB, migrationID string, fn func(*gorm.DB) error) error {
	if db == nil {
		return nil
	}
	if migrationID == "" {
		return fmt.Errorf("migration id is empty")
	}
	if fn == nil {
		return fmt.Errorf("migration %q has nil fn", migrationID)
	}

	return db.Transaction(func(tx *gorm.DB) error {
		var m DataMigration
		err := tx.First(&m, "id = ?", migrationID).Error
		if err == nil {
			// already applied
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("check migration %q: %w", migrationID, err)
		}

		if err := fn(tx); err != nil {
			return fmt.Errorf("run migration %q: %w", migrationID, err)
		}

		rec := DataMigration{
			ID:        migrationID,
			AppliedAt: time.Now().UTC(),
		}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("record migration %q: %w", migrationID, err)
		}

		return nil
	})
}

// Run executes all registered data migrations in order.
func Run(db *gorm.DB) error {
	type migration struct {
		id string
		fn func(*gorm.DB) error
	}

	list := []migration{
		{
			// Seed version 1 of the fusion weights if the history is empty so
			// fusion never starts without a published snapshot.
			id: "2025_09_seed_initial_weight_snapshot",
			fn: seedInitialWeightSnapshot,
		},
	}

	for _, m := range list {
		if err := RunOnce(db, m.id, m.fn); err != nil {
			return err
		}
	}

	return nil
}

func seedInitialWeightSnapshot(tx *gorm.DB) error {
	var count int64
	if err := tx.Table("weight_snapshots").Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	return tx.Exec(
		`INSERT INTO weight_snapshots (version, weights, "trigger", created_at) VALUES (?, ?, ?, ?)`,
		1,
		`{"ema_cloud":0.25,"mean_reversion":0.20,"momentum_breakout":0.25,"sentiment":0.10,"ml_ranking":0.20}`,
		"manual",
		time.Now().UTC(),
	).Error
}
