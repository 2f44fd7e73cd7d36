package admin

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"VPN-Outline-backend/internal/apperr"
	"VPN-Outline-backend/internal/logger"
)

// BackupRetention is how long dumps are kept.
const BackupRetention = 31 * 24 * time.Hour

// runCommand is replaced in tests.
var runCommand = func(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Backup writes a pg_dump custom-format file and prunes old dumps.
func (s *Service) Backup(ctx context.Context, prefix string) (string, error) {
	if s.dsn == "" {
		return "", apperr.Validation("database url is not configured")
	}
	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return "", err
	}
	filename := filepath.Join(s.backupDir, prefix+"_"+s.now().Format("20060102_150405")+".dump")
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if err := runCommand(ctx, "pg_dump", s.dsn, "-Fc", "-f", filename); err != nil {
		return "", err
	}
	if err := CleanOldBackups(s.backupDir, BackupRetention, s.now()); err != nil {
		s.log.Warn("clean old backups", zap.Error(err))
	}
	s.log.Info("database backup written", zap.String("file", filename))
	return filename, nil
}

// BackupNow is the on-demand variant of the nightly backup.
func (s *Service) BackupNow(ctx context.Context, adminID int64) (string, error) {
	name, err := s.Backup(ctx, "backup")
	if err != nil {
		return "", err
	}
	logger.LogAdminAction(adminID, "backup", filepath.Base(name))
	return filepath.Base(name), nil
}

// Restore loads a dump from the backup directory. name must be a bare file name.
func (s *Service) Restore(ctx context.Context, adminID int64, name string) error {
	if name == "" || filepath.Base(name) != name || !strings.HasSuffix(name, ".dump") {
		return apperr.Validation("invalid backup name %q", name)
	}
	filename := filepath.Join(s.backupDir, name)
	if _, err := os.Stat(filename); err != nil {
		return apperr.NotFound("backup")
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if err := runCommand(ctx, "pg_restore", "--clean", "-d", s.dsn, filename); err != nil {
		return err
	}
	logger.LogAdminAction(adminID, "restore", name)
	return nil
}

// CleanOldBackups removes dumps in dir modified before now-maxAge.
func CleanOldBackups(dir string, maxAge time.Duration, now time.Time) error {
	files, err := filepath.Glob(filepath.Join(dir, "*backup_*.dump"))
	if err != nil {
		return err
	}
	cutoff := now.Add(-maxAge)
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(f); err != nil {
				return err
			}
		}
	}
	return nil
}

// ScheduleBackup registers the nightly dump at 03:00 UTC on c.
func (s *Service) ScheduleBackup(c *cron.Cron) error {
	_, err := c.AddFunc("0 3 * * *", func() {
		defer logger.NotifyOnPanic(s.notify, "backup")
		if _, err := s.Backup(context.Background(), "autobackup"); err != nil {
			s.log.Error("auto backup", zap.Error(err))
			s.notify.NotifyAdmins(context.Background(), "Ошибка резервного копирования: "+err.Error())
		}
	})
	return err
}
