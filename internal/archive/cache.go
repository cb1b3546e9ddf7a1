package archive

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/metarepo/server/internal/domain"
)

// ArchiveName is the file name of a cached archive inside its hash directory
const ArchiveName = "archive.tar.gz"

// Cache stores composed archives on disk as <root>/<client>/<hash>/archive.tar.gz.
// At most one hash directory exists per client type. Cache does no locking.
type Cache struct {
	root string
}

// NewCache creates a cache rooted at dir
func NewCache(root string) *Cache {
	return &Cache{root: root}
}

// Root returns the cache directory
func (c *Cache) Root() string {
	return c.root
}

// ClientDir returns the directory holding a client's cache entry
func (c *Cache) ClientDir(client domain.ClientType) string {
	return filepath.Join(c.root, string(client))
}

// ArchivePath returns the path of the archive for a client and hash
func (c *Cache) ArchivePath(client domain.ClientType, hash string) string {
	return filepath.Join(c.ClientDir(client), hash, ArchiveName)
}

// Existing returns the hash of the client's cache entry, or "" when there is
// none. More than one entry, or an entry without its archive, is reported as
// domain.ErrConsistency and left in place for an operator to inspect.
func (c *Cache) Existing(client domain.ClientType) (string, error) {
	entries, err := os.ReadDir(c.ClientDir(client))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read cache directory: %w", err)
	}

	var hashes []string
	for _, e := range entries {
		if e.IsDir() {
			hashes = append(hashes, e.Name())
		}
	}

	switch len(hashes) {
	case 0:
		return "", nil
	case 1:
	default:
		return "", fmt.Errorf("%w: %d cache entries for client type %s",
			domain.ErrConsistency, len(hashes), client)
	}

	hash := hashes[0]
	info, err := os.Stat(c.ArchivePath(client, hash))
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: cache entry %s for client type %s has no archive",
			domain.ErrConsistency, hash, client)
	}
	return hash, nil
}

// Store writes data as the client's archive under hash and returns its path.
// The archive is written to a temporary file first and renamed into place.
func (c *Cache) Store(client domain.ClientType, hash string, data []byte) (string, error) {
	dir := filepath.Join(c.ClientDir(client), hash)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create cache entry: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".archive-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create cache file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write cache file: %w", err)
	}

	path := filepath.Join(dir, ArchiveName)
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("failed to store archive: %w", err)
	}
	return path, nil
}

// Remove deletes one cache entry
func (c *Cache) Remove(client domain.ClientType, hash string) error {
	if hash == "" {
		return nil
	}
	if err := os.RemoveAll(filepath.Join(c.ClientDir(client), hash)); err != nil {
		return fmt.Errorf("failed to remove cache entry %s: %w", hash, err)
	}
	return nil
}

// Invalidate drops every cache entry of the given client types
func (c *Cache) Invalidate(clients ...domain.ClientType) error {
	var errs []error
	for _, client := range clients {
		if err := os.RemoveAll(c.ClientDir(client)); err != nil {
			errs = append(errs, fmt.Errorf("failed to invalidate cache for %s: %w", client, err))
		}
	}
	return errors.Join(errs...)
}

// Reset drops the whole cache
func (c *Cache) Reset() error {
	if err := os.RemoveAll(c.root); err != nil {
		return fmt.Errorf("failed to reset cache: %w", err)
	}
	return nil
}
