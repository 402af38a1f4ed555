package registry

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kubev2v/fragproc/internal/config"
)

// InitDB opens the jobs table's backing database: Postgres in production,
// SQLite when Database.Type is anything else (Database.Name is then
// the SQLite file name), matching internal/store's InitDB
// dual-dialector shape.
func InitDB(cfg *config.Config) (*gorm.DB, error) {
	var dia gorm.Dialector

	if cfg.Database.Type == "pgsql" {
		dsn := fmt.Sprintf("host=%s user=%s password=%s port=%s",
			cfg.Database.Hostname,
			cfg.Database.User,
			cfg.Database.Password,
			cfg.Database.Port,
		)
		if cfg.Database.Name != "" {
			dsn = fmt.Sprintf("%s dbname=%s", dsn, cfg.Database.Name)
		}
		dia = postgres.Open(dsn)
	} else {
		dia = sqlite.Open(cfg.Database.Name)
	}

	gormLogger := logger.New(
		logrus.New(),
		logger.Config{
			SlowThreshold:        time.Second,
			LogLevel:             logger.Warn,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries: true,
			Colorful:             false,
		},
	)

	db, err := gorm.Open(dia, &gorm.Config{Logger: gormLogger, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("configuring connection pool: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)

	if err := db.AutoMigrate(&Job{}); err != nil {
		zap.S().Named("registry").Errorw("auto-migration failed", "error", err)
		return nil, fmt.Errorf("migrating jobs table: %w", err)
	}

	return db, nil
}
