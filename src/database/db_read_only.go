package database

import (
	"fmt"

	"signalpipeline/src/model"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ReadOnlyDB is the read-only connection used to poll producer signals. The
// database user for this connection should have SELECT-only permissions;
// producers (momentum engine, sentiment engine, ML ranking, ...) own the
// write side.
var ReadOnlyDB *gorm.DB

// InitReadOnlyDB initializes the read-only database connection. It does not
// run migrations.
func InitReadOnlyDB() error {
	config := GetConfig()

	db, err := gorm.Open(openDialector(config.DatabaseURLReadOnly),
		&gorm.Config{
			PrepareStmt:    true,
			TranslateError: true,
			Logger:         logger.Default.LogMode(logger.LogLevel(config.GormLogLevel)),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to connect to read-only database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB from ReadOnlyDB: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("failed to ping ReadOnlyDB: %w", err)
	}

	// Confirm the producer table is actually reachable before the poller
	// starts; failing here is much clearer than failing on the first tick.
	var count int64
	if err := db.
		Model(&model.RawProducerSignal{}).
		Count(&count).Error; err != nil {
		return fmt.Errorf("failed to access producer_signals: %w", err)
	}

	logrus.WithFields(map[string]interface{}{"count": count}).
		Info("[ReadOnlyDB] producer_signals reachable")

	ReadOnlyDB = db

	return nil
}
