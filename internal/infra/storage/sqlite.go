package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"perpfeed/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Storage persists collector metadata: backfill checkpoints and capability
// flags. Market data itself goes to the JSONL sink, not here.
type Storage struct {
	db *gorm.DB
}

// NewStorage opens (or creates) the metadata database under dataDir.
func NewStorage(dataDir string) (*Storage, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "meta.db")

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Auto Migration
	if err := db.AutoMigrate(&domain.BackfillCheckpoint{}, &domain.CapabilityFlag{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// ======================================================================================
// Checkpoint Operations
// ======================================================================================

// SaveCheckpoint records how far a symbol's backfill has progressed.
func (s *Storage) SaveCheckpoint(symbol string, doneUntil int64) error {
	cp := domain.BackfillCheckpoint{
		Symbol:    symbol,
		DoneUntil: doneUntil,
		UpdatedAt: time.Now(),
	}
	return s.db.Save(&cp).Error
}

// GetCheckpoint retrieves a symbol's checkpoint. Returns nil when none exists.
func (s *Storage) GetCheckpoint(symbol string) (*domain.BackfillCheckpoint, error) {
	var cp domain.BackfillCheckpoint
	err := s.db.First(&cp, "symbol = ?", symbol).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// ListCheckpoints retrieves all checkpoints.
func (s *Storage) ListCheckpoints() ([]domain.BackfillCheckpoint, error) {
	var cps []domain.BackfillCheckpoint
	err := s.db.Find(&cps).Error
	return cps, err
}

// DeleteCheckpoint removes a symbol's checkpoint.
func (s *Storage) DeleteCheckpoint(symbol string) error {
	return s.db.Where("symbol = ?", symbol).Delete(&domain.BackfillCheckpoint{}).Error
}

// ======================================================================================
// Capability Flag Operations
// ======================================================================================

// SetCapabilityFlag marks a data source as unsupported for a symbol, or for
// every symbol when symbol is domain.CapabilityScopeAll.
func (s *Storage) SetCapabilityFlag(symbol, source, reason string) error {
	flag := domain.CapabilityFlag{
		Symbol:    symbol,
		Source:    source,
		Reason:    reason,
		CreatedAt: time.Now(),
	}
	return s.db.Save(&flag).Error
}

// IsUnsupported reports whether a source has been flagged for a symbol,
// either directly or via a run-wide flag.
func (s *Storage) IsUnsupported(symbol, source string) (bool, error) {
	var count int64
	err := s.db.Model(&domain.CapabilityFlag{}).
		Where("source = ? AND symbol IN ?", source, []string{symbol, domain.CapabilityScopeAll}).
		Count(&count).Error
	return count > 0, err
}

// ListCapabilityFlags retrieves all capability flags.
func (s *Storage) ListCapabilityFlags() ([]domain.CapabilityFlag, error) {
	var flags []domain.CapabilityFlag
	err := s.db.Find(&flags).Error
	return flags, err
}

// ClearCapabilityFlags removes all flags. Used when starting a fresh run so
// previously unsupported sources get re-probed.
func (s *Storage) ClearCapabilityFlags() error {
	return s.db.Where("1 = 1").Delete(&domain.CapabilityFlag{}).Error
}
