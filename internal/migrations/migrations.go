// Package migrations applies the jobs table's schema via goose and river's
// own queue-table migrations via rivermigrate, matching pkg/migrations'
// split between application-owned and library-owned schema.
package migrations

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed sql/*.sql
var sqlFS embed.FS

// Migrate applies pending jobs-table migrations against db, then applies
// river's own queue-table migrations against pool.
func Migrate(db *gorm.DB, pool *pgxpool.Pool) error {
	goose.SetLogger(&gooseLogger{})
	goose.SetBaseFS(sqlFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("unwrapping *sql.DB: %w", err)
	}

	if err := goose.Up(sqlDB, "sql"); err != nil {
		return fmt.Errorf("applying jobs table migrations: %w", err)
	}

	if err := migrateRiver(pool); err != nil {
		return fmt.Errorf("applying river migrations: %w", err)
	}

	return nil
}

func migrateRiver(pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return err
	}
	_, err = migrator.Migrate(context.Background(), rivermigrate.DirectionUp, nil)
	return err
}

// gooseLogger implements goose.Logger interface:
//
//	type Logger interface {
//	    Fatalf(format string, v ...interface{})
//	    Printf(format string, v ...interface{})
//	}
type gooseLogger struct{}

func (l *gooseLogger) Printf(format string, v ...interface{}) { zap.S().Named("goose").Infof(format, v...) }
func (l *gooseLogger) Fatalf(format string, v ...interface{}) { zap.S().Named("goose").Fatalf(format, v...) }
