package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"offsync/internal/config"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	backupPrefix = "queue_"
	backupSuffix = ".db"
)

// BackupService snapshots the SQLite store holding the queue on a fixed
// interval and prunes snapshots past the retention window.
type BackupService struct {
	store  *KVStore
	config config.BackupConfig
	logger *zerolog.Logger
	now    func() time.Time
}

func NewBackupService(store *KVStore, cfg config.BackupConfig, logger *zerolog.Logger) *BackupService {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "backup").Logger()
	return &BackupService{
		store:  store,
		config: cfg,
		logger: &l,
		now:    time.Now,
	}
}

// Start takes one snapshot immediately, then one per interval until ctx is
// done. It blocks.
func (s *BackupService) Start(ctx context.Context) {
	if !s.config.Enabled {
		s.logger.Info().Msg("backup disabled")
		return
	}

	interval := s.config.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	run := func() {
		if _, err := s.PerformBackup(ctx); err != nil {
			s.logger.Error().Err(err).Msg("queue backup failed")
			return
		}
		s.CleanupOldBackups()
	}

	c := cron.New()
	c.Schedule(cron.Every(interval), cron.FuncJob(run))

	run()
	c.Start()
	s.logger.Info().Dur("interval", interval).Msg("backup scheduled")

	<-ctx.Done()
	<-c.Stop().Done()
}

// PerformBackup writes a consistent copy of the store with VACUUM INTO and
// returns its path.
func (s *BackupService) PerformBackup(ctx context.Context) (string, error) {
	if s.store == nil || s.store.Path() == memoryPath {
		return "", fmt.Errorf("backup requires a file-backed store")
	}
	if err := os.MkdirAll(s.config.StoragePath, 0o755); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}

	name := backupPrefix + s.now().UTC().Format("20060102T150405.000") + backupSuffix
	backupPath := filepath.Join(s.config.StoragePath, name)

	quoted := strings.ReplaceAll(backupPath, "'", "''")
	if _, err := s.store.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", quoted)); err != nil {
		return "", fmt.Errorf("vacuum into %s: %w", backupPath, err)
	}

	s.logger.Info().Str("path", backupPath).Msg("queue backup written")
	return backupPath, nil
}

// CleanupOldBackups removes queue snapshots older than RetentionDays. Other
// files in the directory are left alone.
func (s *BackupService) CleanupOldBackups() int {
	if s.config.RetentionDays <= 0 {
		return 0
	}

	entries, err := os.ReadDir(s.config.StoragePath)
	if err != nil {
		s.logger.Error().Err(err).Msg("read backup directory")
		return 0
	}

	cutoff := s.now().AddDate(0, 0, -s.config.RetentionDays)
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, backupSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.config.StoragePath, name)); err != nil {
			s.logger.Warn().Err(err).Str("file", name).Msg("remove old backup")
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("old backups pruned")
	}
	return removed
}
