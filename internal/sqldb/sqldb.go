// Package sqldb opens gorm databases from persistence connection strings.
package sqldb

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open selects a driver from the connection string: postgres:// and
// postgresql:// URLs use PostgreSQL, sqlite:// or anything else is treated as
// a SQLite DSN.
func Open(dsn string, log *slog.Logger) (*gorm.DB, error) {
	if log == nil {
		log = slog.Default()
	}

	var dialector gorm.Dialector
	embedded := false
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		dialector = postgres.Open(dsn)
	default:
		dialector = sqlite.Open(strings.TrimPrefix(dsn, "sqlite://"))
		embedded = true
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         NewLogger(log, logger.Warn, 200*time.Millisecond),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite allows a single writer
	if embedded {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to access database handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// TableName builds a table name from a store name and a suffix
func TableName(storeName, suffix string) string {
	name := strings.ToLower(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(storeName))
	if name == "" {
		return suffix
	}
	return name + "_" + suffix
}
