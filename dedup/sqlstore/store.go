// Package sqlstore implements dedup.Store on a SQL table through gorm.
package sqlstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mbus-go/dedup"
	"github.com/glimte/mbus-go/internal/sqldb"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ dedup.Store = (*Store)(nil)

type record struct {
	MessageID string    `gorm:"primaryKey;size:191"`
	FirstSeen time.Time `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

// Store keeps dedup records in a table named {store}_dedup
type Store struct {
	db    *gorm.DB
	table string
	owned bool
}

// New wraps db and migrates the table
func New(db *gorm.DB, storeName string) (*Store, error) {
	s := &Store{db: db, table: sqldb.TableName(storeName, "dedup")}
	if err := s.db.Table(s.table).AutoMigrate(&record{}); err != nil {
		return nil, fmt.Errorf("failed to migrate %s: %w", s.table, err)
	}
	return s, nil
}

// Open opens the database named by dsn
func Open(dsn, storeName string, logger *slog.Logger) (*Store, error) {
	db, err := sqldb.Open(dsn, logger)
	if err != nil {
		return nil, err
	}
	s, err := New(db, storeName)
	if err != nil {
		return nil, err
	}
	s.owned = true
	return s, nil
}

func (s *Store) records(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Table(s.table)
}

// HasSeen implements dedup.Store
func (s *Store) HasSeen(ctx context.Context, messageID string) (bool, error) {
	var count int64
	err := s.records(ctx).
		Where("message_id = ? AND expires_at > ?", messageID, time.Now().UTC()).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check message id: %w", err)
	}
	return count > 0, nil
}

// Record implements dedup.Store
func (s *Store) Record(ctx context.Context, messageID string, expiry time.Time) error {
	rec := record{MessageID: messageID, FirstSeen: time.Now().UTC(), ExpiresAt: expiry.UTC()}
	err := s.records(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"expires_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to record message id: %w", err)
	}
	return nil
}

// Cleanup implements dedup.Store
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	res := s.records(ctx).Where("expires_at <= ?", time.Now().UTC()).Delete(&record{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete expired records: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// Close implements dedup.Store
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
