package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/metarepo/server/internal/domain"
	"github.com/metarepo/server/internal/fsutil"
)

// Entry is a file or directory of a data type root
type Entry struct {
	// File is the open file for file entries; the caller closes it
	File *os.File
	// Listing holds the files below a directory entry, relative to it
	Listing []string
}

// IsDir reports whether the entry is a directory
func (e *Entry) IsDir() bool {
	return e.File == nil
}

// ListFiles lists the files of a data type. The manifest type lists the
// manifest files at the store root; other types list every file below
// subPath recursively.
func (r *Registry) ListFiles(ctx context.Context, tenantID string, dt domain.DataType, subPath string) (files []string, err error) {
	_, span := startSpan(ctx, "registry.ListFiles", tenantID, attribute.String("data_type", string(dt)))
	defer func() { finish(span, err) }()

	t, err := r.tenant(tenantID)
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	return r.listFiles(t, dt, subPath)
}

func (r *Registry) listFiles(t *tenant, dt domain.DataType, subPath string) ([]string, error) {
	if dt == domain.DataTypeManifest {
		if strings.Trim(subPath, "/") != "" {
			return nil, fmt.Errorf("%w: manifests have no subdirectories", domain.ErrValidation)
		}
		return listManifestFiles(t.root)
	}

	dir, err := fsutil.SafeJoin(r.source.Dir(t.root, dt), subPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrNotFound, dt, subPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", subPath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s/%s is not a directory", domain.ErrValidation, dt, subPath)
	}

	files, err := fsutil.WalkFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dt, err)
	}
	if files == nil {
		files = []string{}
	}
	return files, nil
}

func listManifestFiles(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list manifest store: %w", err)
	}
	files := []string{}
	for _, e := range entries {
		if e.Type().IsRegular() && strings.Contains(e.Name(), "-manifest") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// OpenEntry returns a file of a data type for download, or the listing of a
// directory.
func (r *Registry) OpenEntry(ctx context.Context, tenantID string, dt domain.DataType, rel string) (entry *Entry, err error) {
	_, span := startSpan(ctx, "registry.OpenEntry", tenantID, attribute.String("data_type", string(dt)))
	defer func() { finish(span, err) }()

	t, err := r.tenant(tenantID)
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	p, err := r.entryPath(t, dt, rel)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrNotFound, dt, rel)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", rel, err)
	}

	if info.IsDir() {
		files, err := r.listFiles(t, dt, rel)
		if err != nil {
			return nil, err
		}
		return &Entry{Listing: files}, nil
	}

	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", rel, err)
	}
	return &Entry{File: f}, nil
}

// SaveFile stores a new file named name in subPath of a data type. subPath
// must exist and the file must not. Caches of the client types consuming
// the data type are invalidated.
func (r *Registry) SaveFile(ctx context.Context, tenantID string, dt domain.DataType, subPath, name string, body io.Reader) (err error) {
	_, span := startSpan(ctx, "registry.SaveFile", tenantID,
		attribute.String("data_type", string(dt)),
		attribute.String("file", name),
	)
	defer func() { finish(span, err) }()

	name, err = sanitizeFileName(name)
	if err != nil {
		return err
	}
	t, err := r.tenant(tenantID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	dir, err := r.entryPath(t, dt, subPath)
	if err != nil {
		return err
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: directory %s/%s", domain.ErrNotFound, dt, subPath)
	}

	dst := filepath.Join(dir, name)
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%w: file %s already exists", domain.ErrConflict, path.Join(subPath, name))
	}
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}
	if _, err := io.Copy(out, body); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if dt == domain.DataTypeManifest {
		t.manifests.Forget(dst)
	}

	r.logger.Info("file saved", "tenant", tenantID, "data_type", dt, "path", path.Join(subPath, name))
	return r.invalidate(t, r.clients.Consumers(dt))
}

// CreateDirectory creates a directory below a data type root. An existing
// directory is not an error. Manifests have no subdirectories.
func (r *Registry) CreateDirectory(ctx context.Context, tenantID string, dt domain.DataType, rel string) (err error) {
	_, span := startSpan(ctx, "registry.CreateDirectory", tenantID, attribute.String("data_type", string(dt)))
	defer func() { finish(span, err) }()

	if dt == domain.DataTypeManifest {
		return fmt.Errorf("%w: manifests have no subdirectories", domain.ErrConflict)
	}
	if strings.Trim(rel, "/") == "" {
		return fmt.Errorf("%w: directory path is required", domain.ErrValidation)
	}
	t, err := r.tenant(tenantID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	dir, err := r.entryPath(t, dt, rel)
	if err != nil {
		return err
	}
	if info, err := os.Stat(dir); err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%w: %s/%s is a file", domain.ErrConflict, dt, rel)
		}
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", rel, err)
	}

	r.logger.Info("directory created", "tenant", tenantID, "data_type", dt, "path", rel)
	return nil
}

// DeleteEntry removes a file, or an empty directory, below a data type root
func (r *Registry) DeleteEntry(ctx context.Context, tenantID string, dt domain.DataType, rel string) (err error) {
	_, span := startSpan(ctx, "registry.DeleteEntry", tenantID, attribute.String("data_type", string(dt)))
	defer func() { finish(span, err) }()

	if strings.Trim(rel, "/") == "" {
		return fmt.Errorf("%w: path is required", domain.ErrValidation)
	}
	t, err := r.tenant(tenantID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	p, err := r.entryPath(t, dt, rel)
	if err != nil {
		return err
	}
	info, err := os.Lstat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s/%s", domain.ErrNotFound, dt, rel)
	}
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", rel, err)
	}

	if info.IsDir() && dt == domain.DataTypeManifest {
		return fmt.Errorf("%w: %s is not a manifest file", domain.ErrConflict, rel)
	}
	if info.IsDir() {
		entries, err := os.ReadDir(p)
		if err != nil {
			return fmt.Errorf("failed to read directory %s: %w", rel, err)
		}
		if len(entries) > 0 {
			return fmt.Errorf("%w: directory %s/%s is not empty", domain.ErrConflict, dt, rel)
		}
	}
	if err := os.Remove(p); err != nil {
		return fmt.Errorf("failed to delete %s: %w", rel, err)
	}
	if dt == domain.DataTypeManifest {
		t.manifests.Forget(p)
	}

	r.logger.Info("entry deleted", "tenant", tenantID, "data_type", dt, "path", rel)
	return r.invalidate(t, r.clients.Consumers(dt))
}

// entryPath resolves rel below the root of dt. Manifest entries must be
// files at the store root.
func (r *Registry) entryPath(t *tenant, dt domain.DataType, rel string) (string, error) {
	if dt == domain.DataTypeManifest && strings.Contains(strings.Trim(rel, "/"), "/") {
		return "", fmt.Errorf("%w: manifests have no subdirectories", domain.ErrValidation)
	}
	return fsutil.SafeJoin(r.source.Dir(t.root, dt), rel)
}

// sanitizeFileName reduces an uploaded file name to a single safe path element
func sanitizeFileName(name string) (string, error) {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == ".." || base == "" || strings.HasPrefix(base, ".") {
		return "", fmt.Errorf("%w: invalid file name %q", domain.ErrValidation, name)
	}
	return base, nil
}
