// Package backup produces and restores zip archives of instance directories.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"hostvisor/internal/archive"
	"hostvisor/internal/domain"
)

// Archiver is the subset of the archive provider backups need.
type Archiver interface {
	Archive(ctx context.Context, sourceDir, destPath string, progress archive.ProgressFunc) (int64, error)
	Extract(ctx context.Context, archivePath, destDir string) error
}

type Coordinator struct {
	backupsPath string
	archiver    Archiver
	store       domain.BackupRepository
	log         zerolog.Logger
	now         func() time.Time
}

func NewCoordinator(backupsPath string, archiver Archiver, store domain.BackupRepository, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		backupsPath: backupsPath,
		archiver:    archiver,
		store:       store,
		log:         log,
		now:         time.Now,
	}
}

// CreateBackup archives inst's directory into a new zip file and records
// it. The archive is written to a temporary file and renamed into place, so
// a failed backup leaves no artifact behind. Errors match
// domain.ErrBackupFailed.
func (c *Coordinator) CreateBackup(ctx context.Context, inst domain.Instance, name string, progress chan<- domain.ProgressEvent) (*domain.BackupRecord, error) {
	rec, err := c.createBackup(ctx, inst, name, progress)
	if err != nil {
		c.log.Error().Err(err).Str("instance_id", inst.ID).Msg("backup failed")
		return nil, domain.NewOpError("backup", inst.ID, fmt.Errorf("%w: %v", domain.ErrBackupFailed, err))
	}
	return rec, nil
}

func (c *Coordinator) createBackup(ctx context.Context, inst domain.Instance, name string, progress chan<- domain.ProgressEvent) (*domain.BackupRecord, error) {
	if info, err := os.Stat(inst.Dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("instance directory %q does not exist", inst.Dir)
	}
	if name == "" {
		name = inst.Name
	}

	id := uuid.NewString()
	createdAt := c.now()
	fileName := fmt.Sprintf("%s-%s-%s.zip", sanitizeFileName(name), createdAt.Format("20060102-150405"), id[:8])
	finalPath := filepath.Join(c.backupsPath, fileName)
	tempPath := finalPath + ".temp"

	if err := os.MkdirAll(c.backupsPath, 0755); err != nil {
		return nil, fmt.Errorf("could not create backups directory: %w", err)
	}

	var lastProgress int
	size, err := c.archiver.Archive(ctx, inst.Dir, tempPath, func(current, total int64) {
		if total <= 0 {
			return
		}
		percentage := float64(current) / float64(total) * 100
		if int(percentage) > lastProgress {
			lastProgress = int(percentage)
			domain.SendProgress(progress, domain.ProgressEvent{
				ServerID:     inst.ID,
				Message:      fmt.Sprintf("Backing up... %d%%", lastProgress),
				Progress:     percentage,
				CurrentBytes: current,
				TotalBytes:   total,
			})
		}
	})
	if err != nil {
		_ = os.Remove(tempPath)
		return nil, fmt.Errorf("error creating archive: %w", err)
	}
	if size <= 0 {
		_ = os.Remove(tempPath)
		return nil, errors.New("archive is empty")
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return nil, fmt.Errorf("error renaming temp file: %w", err)
	}

	rec := &domain.BackupRecord{
		ID:         id,
		InstanceID: inst.ID,
		Name:       name,
		Path:       finalPath,
		Size:       size,
		CreatedAt:  createdAt,
	}
	if err := c.store.SaveBackup(rec); err != nil {
		_ = os.Remove(finalPath)
		return nil, fmt.Errorf("error saving backup record: %w", err)
	}

	domain.SendProgress(progress, domain.ProgressEvent{
		ServerID: inst.ID,
		Message:  "Backup completed",
		Progress: 100,
	})
	c.log.Info().Str("instance_id", inst.ID).Str("path", finalPath).Int64("size", size).Msg("backup created")
	return rec, nil
}

// List returns the backups of one instance, newest first.
func (c *Coordinator) List(instanceID string) ([]domain.BackupRecord, error) {
	return c.store.ListBackups(instanceID)
}

func (c *Coordinator) ListAll() ([]domain.BackupRecord, error) {
	return c.store.ListBackups("")
}

func (c *Coordinator) Get(id string) (*domain.BackupRecord, error) {
	return c.store.GetBackup(id)
}

// Delete removes the backup's archive and its record.
func (c *Coordinator) Delete(id string) error {
	rec, err := c.store.GetBackup(id)
	if err != nil {
		return err
	}
	if err := os.Remove(rec.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error removing backup file: %w", err)
	}
	return c.store.DeleteBackup(id)
}

// Restore replaces the contents of dir with the backup's archive. The
// caller must make sure no process is using dir.
func (c *Coordinator) Restore(ctx context.Context, id, dir string) error {
	rec, err := c.store.GetBackup(id)
	if err != nil {
		return err
	}
	if _, err := os.Stat(rec.Path); err != nil {
		return fmt.Errorf("%w: archive %s is missing", domain.ErrBackupNotFound, filepath.Base(rec.Path))
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("error clearing %s: %w", dir, err)
		}
	}

	if err := c.archiver.Extract(ctx, rec.Path, dir); err != nil {
		return err
	}
	c.log.Info().Str("backup_id", id).Str("dir", dir).Msg("backup restored")
	return nil
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

func sanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, " ", "-")
	sanitized := unsafeChars.ReplaceAllString(name, "")
	sanitized = strings.Trim(sanitized, ".")
	if len(sanitized) > 50 {
		sanitized = sanitized[:50]
	}
	if sanitized == "" {
		sanitized = "backup"
	}
	return sanitized
}
