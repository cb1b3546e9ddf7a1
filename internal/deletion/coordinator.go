// Package deletion removes a service and its files from a manifest store.
//
// The whole store is snapshotted before anything is removed. If any removal
// fails the snapshot replaces the store, so a deletion either completes or
// leaves the store as it was.
package deletion

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/metarepo/server/internal/domain"
	"github.com/metarepo/server/internal/fsutil"
)

//go:generate mockgen -source=coordinator.go -destination=mocks/mock_fs.go -package=mocks FileSystem

// FileSystem performs the destructive operations of a deletion
type FileSystem interface {
	Remove(name string) error
	RemoveAll(path string) error
	Rename(oldpath, newpath string) error
}

type osFS struct{}

func (osFS) Remove(name string) error             { return os.Remove(name) }
func (osFS) RemoveAll(path string) error          { return os.RemoveAll(path) }
func (osFS) Rename(oldpath, newpath string) error { return os.Rename(oldpath, newpath) }

// Coordinator deletes services from one manifest store
type Coordinator struct {
	storeRoot  string
	backupRoot string
	layout     domain.Layout
	fs         FileSystem
	cache      Invalidator
	logger     *slog.Logger
	now        func() time.Time
}

// Config holds coordinator configuration
type Config struct {
	StoreRoot string
	// BackupRoot holds snapshots. It must not be inside StoreRoot.
	BackupRoot string
	Layout     domain.Layout
	FileSystem FileSystem
	Cache      Invalidator
	Logger     *slog.Logger
}

// New creates a deletion coordinator
func New(cfg Config) *Coordinator {
	if cfg.Layout == nil {
		cfg.Layout = domain.DefaultSourceLayout()
	}
	if cfg.FileSystem == nil {
		cfg.FileSystem = osFS{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{
		storeRoot:  cfg.StoreRoot,
		backupRoot: cfg.BackupRoot,
		layout:     cfg.Layout,
		fs:         cfg.FileSystem,
		cache:      cfg.Cache,
		logger:     cfg.Logger,
		now:        time.Now,
	}
}

// ExcludeShared returns files minus every path another manifest still
// declares for the same data type. Duplicates are dropped; order is kept.
func ExcludeShared(files map[domain.DataType][]string, others []*domain.ServiceManifest) map[domain.DataType][]string {
	out := make(map[domain.DataType][]string, len(files))
	for dt, paths := range files {
		shared := make(map[string]struct{})
		for _, o := range others {
			for _, p := range o.Files[dt] {
				shared[p] = struct{}{}
			}
		}

		var keep []string
		for _, p := range paths {
			if _, ok := shared[p]; ok {
				continue
			}
			shared[p] = struct{}{}
			keep = append(keep, p)
		}
		if len(keep) > 0 {
			out[dt] = keep
		}
	}
	return out
}

// Delete removes the manifest of m and the given files. The store is
// snapshotted first; on any removal failure the snapshot is restored and
// the failure returned. A failed restore is reported as domain.ErrRollback.
// A cache invalidation failure after the removal returns StateCommitted with
// an error.
func (c *Coordinator) Delete(m *domain.ServiceManifest, files map[domain.DataType][]string) (State, error) {
	log := c.logger.With("service_id", m.ID)

	snapshot, err := c.snapshot()
	if err != nil {
		return StateSnapshotting, fmt.Errorf("failed to snapshot store: %w", err)
	}
	log.Debug("store snapshot taken", "snapshot", snapshot)

	if err := c.remove(m, files); err != nil {
		log.Error("deletion failed, restoring snapshot", "error", err)
		if rerr := c.restore(snapshot); rerr != nil {
			log.Error("failed to restore store from snapshot",
				"snapshot", snapshot,
				"error", rerr,
			)
			return StateRolledBack, fmt.Errorf("%w: %v (deletion failed: %v)", domain.ErrRollback, rerr, err)
		}
		return StateRolledBack, fmt.Errorf("failed to delete service %s: %w", m.ID, err)
	}

	if err := c.fs.RemoveAll(snapshot); err != nil {
		log.Warn("failed to remove store snapshot", "snapshot", snapshot, "error", err)
	}
	log.Info("service deleted")

	if c.cache != nil {
		if err := c.cache.Reset(); err != nil {
			log.Error("failed to invalidate archive cache", "error", err)
			return StateCommitted, fmt.Errorf("service %s deleted but archive cache invalidation failed: %w", m.ID, err)
		}
	}
	return StateCommitted, nil
}

func (c *Coordinator) snapshot() (string, error) {
	if err := os.MkdirAll(c.backupRoot, 0755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("backup-%s-%s", c.now().UTC().Format("20060102T150405Z"), uuid.NewString())
	path := filepath.Join(c.backupRoot, name)
	if err := fsutil.CopyTree(c.storeRoot, path); err != nil {
		if rerr := os.RemoveAll(path); rerr != nil {
			c.logger.Warn("failed to remove partial snapshot", "snapshot", path, "error", rerr)
		}
		return "", err
	}
	return path, nil
}

func (c *Coordinator) remove(m *domain.ServiceManifest, files map[domain.DataType][]string) error {
	manifestPath := filepath.Join(c.storeRoot, m.FileName())
	if err := c.fs.Remove(manifestPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove manifest: %w", err)
	}

	for _, dt := range domain.DataTypes {
		root := c.layout.Dir(c.storeRoot, dt)
		for _, f := range files[dt] {
			path, err := fsutil.SafeJoin(root, f)
			if err != nil {
				c.logger.Warn("skipping path outside its data type root",
					"service_id", m.ID,
					"data_type", dt,
					"path", f,
				)
				continue
			}
			// Manifest files of other services are removed only by their own deletion
			if dt == domain.DataTypeManifest && strings.HasSuffix(path, domain.ManifestSuffix) && path != manifestPath {
				c.logger.Warn("skipping manifest of another service",
					"service_id", m.ID,
					"path", f,
				)
				continue
			}
			if !fsutil.Exists(path) {
				continue
			}
			if err := c.fs.Remove(path); err != nil {
				return fmt.Errorf("failed to remove %s/%s: %w", dt, f, err)
			}
		}
	}
	return nil
}

// restore replaces the live store with the snapshot
func (c *Coordinator) restore(snapshot string) error {
	if err := c.fs.RemoveAll(c.storeRoot); err != nil {
		return fmt.Errorf("failed to clear store: %w", err)
	}
	if err := c.fs.Rename(snapshot, c.storeRoot); err != nil {
		return fmt.Errorf("failed to move snapshot into place: %w", err)
	}
	return nil
}
