// Package sqlstore implements saga.Finder on a SQL table through gorm.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mbus-go/internal/sqldb"
	"github.com/glimte/mbus-go/saga"
	"gorm.io/gorm"
)

var _ saga.Finder = (*Finder)(nil)

type row struct {
	CorrelationID string `gorm:"primaryKey;size:191"`
	Status        string `gorm:"size:32;not null"`
	Data          []byte
	Version       int64     `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime:false"`
}

// Finder keeps states in a table named {store}_saga
type Finder struct {
	db    *gorm.DB
	table string
	owned bool
}

// New wraps db and migrates the table
func New(db *gorm.DB, storeName string) (*Finder, error) {
	f := &Finder{db: db, table: sqldb.TableName(storeName, "saga")}
	if err := f.db.Table(f.table).AutoMigrate(&row{}); err != nil {
		return nil, fmt.Errorf("failed to migrate %s: %w", f.table, err)
	}
	return f, nil
}

// Open opens the database named by dsn
func Open(dsn, storeName string, logger *slog.Logger) (*Finder, error) {
	db, err := sqldb.Open(dsn, logger)
	if err != nil {
		return nil, err
	}
	f, err := New(db, storeName)
	if err != nil {
		return nil, err
	}
	f.owned = true
	return f, nil
}

func (f *Finder) rows(ctx context.Context) *gorm.DB {
	return f.db.WithContext(ctx).Table(f.table)
}

// Find implements saga.Finder
func (f *Finder) Find(ctx context.Context, correlationID string) (*saga.State, error) {
	var r row
	err := f.rows(ctx).Where("correlation_id = ?", correlationID).Take(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, saga.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load saga state: %w", err)
	}
	return &saga.State{
		CorrelationID: r.CorrelationID,
		Status:        saga.Status(r.Status),
		Data:          r.Data,
		Version:       r.Version,
		UpdatedAt:     r.UpdatedAt,
	}, nil
}

// Save implements saga.Finder. New states are inserted; existing states are
// updated with a version predicate.
func (f *Finder) Save(ctx context.Context, state *saga.State) error {
	if state.CorrelationID == "" {
		return saga.ErrMissingCorrelationID
	}
	now := time.Now().UTC()
	next := state.Version + 1

	if state.IsNew() {
		err := f.rows(ctx).Create(&row{
			CorrelationID: state.CorrelationID,
			Status:        string(state.Status),
			Data:          state.Data,
			Version:       next,
			UpdatedAt:     now,
		}).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return saga.ErrVersionConflict
		}
		if err != nil {
			return fmt.Errorf("failed to insert saga state: %w", err)
		}
	} else {
		res := f.rows(ctx).
			Where("correlation_id = ? AND version = ?", state.CorrelationID, state.Version).
			Updates(map[string]any{
				"status":     string(state.Status),
				"data":       state.Data,
				"version":    next,
				"updated_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to update saga state: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return saga.ErrVersionConflict
		}
	}

	state.Version = next
	state.UpdatedAt = now
	return nil
}

// Delete implements saga.Finder
func (f *Finder) Delete(ctx context.Context, correlationID string) error {
	if err := f.rows(ctx).Where("correlation_id = ?", correlationID).Delete(&row{}).Error; err != nil {
		return fmt.Errorf("failed to delete saga state: %w", err)
	}
	return nil
}

// Close implements saga.Finder
func (f *Finder) Close() error {
	if !f.owned {
		return nil
	}
	sqlDB, err := f.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
