package invoice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	backupPrefix     = "billipocket_"
	backupSuffix     = ".db"
	backupTimeLayout = "20060102_150405"
)

// ErrBackupUnsupported is returned when the store cannot be snapshotted.
var ErrBackupUnsupported = errors.New("backups are not supported by this store")

// Snapshotter writes a consistent copy of a database
type Snapshotter interface {
	Snapshot(w io.Writer) (int64, error)
}

// BackupInfo describes one snapshot file
type BackupInfo struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Backups keeps timestamped database snapshots in a local directory
type Backups struct {
	basePath   string
	keep       int
	source     Snapshotter
	timeSource TimeSource
}

// NewBackups creates the backup directory. keep <= 0 keeps every snapshot.
func NewBackups(basePath string, keep int, source Snapshotter) (*Backups, error) {
	if source == nil {
		return nil, ErrBackupUnsupported
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}
	return &Backups{
		basePath:   basePath,
		keep:       keep,
		source:     source,
		timeSource: &defaultTimeSource{},
	}, nil
}

// Create writes a new snapshot and prunes old ones
func (b *Backups) Create(ctx context.Context) (BackupInfo, error) {
	if err := ctx.Err(); err != nil {
		return BackupInfo{}, err
	}
	now := b.timeSource.Now().UTC()
	name := backupPrefix + now.Format(backupTimeLayout) + backupSuffix

	tmp, err := os.CreateTemp(b.basePath, ".backup-*")
	if err != nil {
		return BackupInfo{}, fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	size, err := b.source.Snapshot(tmp)
	if err != nil {
		tmp.Close()
		return BackupInfo{}, fmt.Errorf("writing snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return BackupInfo{}, fmt.Errorf("syncing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return BackupInfo{}, fmt.Errorf("closing snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(b.basePath, name)); err != nil {
		return BackupInfo{}, fmt.Errorf("renaming snapshot: %w", err)
	}

	if err := b.prune(); err != nil {
		return BackupInfo{}, err
	}
	return BackupInfo{Name: name, Size: size, CreatedAt: now}, nil
}

// List returns the snapshots, newest first
func (b *Backups) List() ([]BackupInfo, error) {
	entries, err := os.ReadDir(b.basePath)
	if err != nil {
		return nil, fmt.Errorf("reading backup directory: %w", err)
	}

	backups := make([]BackupInfo, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, backupSuffix) {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, backupPrefix), backupSuffix)
		createdAt, err := time.Parse(backupTimeLayout, stamp)
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", name, err)
		}
		backups = append(backups, BackupInfo{Name: name, Size: info.Size(), CreatedAt: createdAt})
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].Name > backups[j].Name })
	return backups, nil
}

// prune removes the oldest snapshots beyond keep
func (b *Backups) prune() error {
	if b.keep <= 0 {
		return nil
	}
	backups, err := b.List()
	if err != nil {
		return err
	}
	for _, old := range backups[min(b.keep, len(backups)):] {
		if err := os.Remove(filepath.Join(b.basePath, old.Name)); err != nil {
			return fmt.Errorf("deleting backup %s: %w", old.Name, err)
		}
	}
	return nil
}
