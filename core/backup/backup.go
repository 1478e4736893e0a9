// Package backup snapshots the operation journal so it can be moved to
// another machine or recovered after the data directory is lost.
package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Layr-Labs/eigensdk-go/logging"

	"github.com/AvaProtocol/smartwallet/storage"
)

const backupFileName = "journal.bak"

type Service struct {
	logger    logging.Logger
	db        storage.Storage
	backupDir string

	now func() time.Time
}

func NewService(logger logging.Logger, db storage.Storage, backupDir string) *Service {
	return &Service{
		logger:    logger,
		db:        db,
		backupDir: backupDir,
		now:       time.Now,
	}
}

// PerformBackup writes a full snapshot to <dir>/<yy-mm-dd-hh-mm>/journal.bak
// and returns its path.
func (s *Service) PerformBackup(ctx context.Context) (string, error) {
	timestamp := s.now().Format("06-01-02-15-04")
	backupPath := filepath.Join(s.backupDir, timestamp)

	if err := os.MkdirAll(backupPath, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	backupFile := filepath.Join(backupPath, backupFileName)
	f, err := os.Create(backupFile)
	if err != nil {
		return "", fmt.Errorf("failed to create backup file: %w", err)
	}
	defer f.Close()

	s.logger.Info("running journal backup", "file", backupFile)
	if _, err := s.db.Backup(ctx, f, 0); err != nil {
		return "", fmt.Errorf("backup operation failed: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", err
	}

	s.logger.Info("journal backup completed", "file", backupFile)
	return backupFile, nil
}

// Restore loads a snapshot written by PerformBackup into the journal.
func (s *Service) Restore(ctx context.Context, backupFile string) error {
	f, err := os.Open(backupFile)
	if err != nil {
		return fmt.Errorf("failed to open backup file: %w", err)
	}
	defer f.Close()

	if err := s.db.Load(ctx, f); err != nil {
		return fmt.Errorf("restore from %s failed: %w", backupFile, err)
	}
	s.logger.Info("journal restored", "file", backupFile)
	return nil
}
