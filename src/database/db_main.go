package database

import (
	"fmt"
	"strings"
	"time"

	"signalpipeline/src/database/migrations"
	"signalpipeline/src/model"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// MainDB is the primary read/write database connection. Everything the
// pipeline persists (orders, positions, decisions, audit chain, weight
// history) lives here.
var MainDB *gorm.DB

func openDialector(dsn string) gorm.Dialector {
	// File-backed sqlite is supported for local runs and tests; anything else
	// is treated as a postgres DSN.
	if strings.HasPrefix(dsn, "sqlite://") {
		return sqlite.Open(strings.TrimPrefix(dsn, "sqlite://"))
	}
	return postgres.Open(dsn)
}

// InitMainDB initializes the main (read/write) database connection and runs
// migrations. Called once at process startup.
func InitMainDB() error {
	config := GetConfig()

	db, err := gorm.Open(openDialector(config.DatabaseURLMain),
		&gorm.Config{
			TranslateError: true,
			Logger:         logger.Default.LogMode(logger.LogLevel(config.GormLogLevel)),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to connect to main database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB from GORM: %w", err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(1 * time.Hour)

	// Assign to the global variable only after a successful connection.
	MainDB = db

	logrus.Info("[database] MainDB connection established")

	if err := MainDB.AutoMigrate(
		&model.Signal{},
		&model.FusedSignalRecord{},
		&model.PipelineOrder{},
		&model.OrderAttempt{},
		&model.Position{},
		&model.RiskDecisionRecord{},
		&model.WeightSnapshot{},
		&model.BreakerEvent{},
		&model.TradeOutcome{},
		&model.AuditRecord{},
		&migrations.DataMigration{},
	); err != nil {
		return fmt.Errorf("failed to run migrations on MainDB: %w", err)
	}

	if err := migrations.Run(MainDB); err != nil {
		return fmt.Errorf("failed to run data migrations on MainDB: %w", err)
	}

	logrus.Info("[database] MainDB migrations completed")

	return nil
}
