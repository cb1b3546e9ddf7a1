// Package manifest reads, validates and rewrites the service manifests kept at
// the root of a manifest store.
//
// A store is a directory holding one <service_id>-manifest.yaml per service
// next to one subdirectory per data type. The package does no locking; the
// caller serialises writers.
package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/metarepo/server/internal/domain"
	"github.com/metarepo/server/internal/fsutil"
)

// Store provides manifest access for one manifest store directory
type Store struct {
	root   string
	layout domain.Layout
	docs   *DocumentCache
	logger *slog.Logger
}

// Config holds manifest store configuration
type Config struct {
	Root   string
	Layout domain.Layout
	Docs   *DocumentCache
	Logger *slog.Logger
}

// New creates a manifest store over an existing directory
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, errors.New("store root is required")
	}
	if cfg.Layout == nil {
		cfg.Layout = domain.DefaultSourceLayout()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Docs == nil {
		docs, err := NewDocumentCache(0)
		if err != nil {
			return nil, err
		}
		cfg.Docs = docs
	}

	return &Store{
		root:   cfg.Root,
		layout: cfg.Layout,
		docs:   cfg.Docs,
		logger: cfg.Logger,
	}, nil
}

// Root returns the store directory
func (s *Store) Root() string {
	return s.root
}

// Layout returns the data type directory mapping of the store
func (s *Store) Layout() domain.Layout {
	return s.layout
}

// ManifestPath returns the path of a service's manifest file
func (s *Store) ManifestPath(serviceID string) string {
	return filepath.Join(s.root, domain.ManifestFileName(serviceID))
}

// ParseAll parses every manifest at the store root. Files that are not YAML,
// fail to decode, or whose service id does not match the file name are
// logged and skipped. Manifests that reference missing files are returned
// with Valid set to false.
func (s *Store) ParseAll() ([]*domain.ServiceManifest, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list manifest store: %w", err)
	}

	var manifests []*domain.ServiceManifest
	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(s.root, name)

		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}

		if !strings.HasSuffix(name, ".yaml") {
			s.logger.Warn("skipping non-yaml file in manifest store", "file", name)
			continue
		}

		doc, err := s.load(path, info)
		if err != nil {
			s.logger.Warn("failed to load manifest file", "file", name, "error", err)
			continue
		}

		id := doc.manifest.ID
		if id == "" {
			s.logger.Error("manifest has no service id", "file", name, "key", domain.KeyServiceID)
			continue
		}
		if domain.ManifestFileName(id) != name {
			s.logger.Error("manifest service id does not match file name",
				"file", name,
				"service_id", id,
			)
			continue
		}

		manifests = append(manifests, s.evaluate(name, doc))
	}

	return manifests, nil
}

// ParseOne parses the manifest of a single service
func (s *Store) ParseOne(serviceID string) (*domain.ServiceManifest, error) {
	if err := domain.ValidateServiceID(serviceID); err != nil {
		return nil, err
	}

	path := s.ManifestPath(serviceID)
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: manifest for service %s", domain.ErrNotFound, serviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat manifest: %w", err)
	}

	doc, err := s.load(path, info)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed manifest %s: %v", domain.ErrValidation, filepath.Base(path), err)
	}
	if doc.manifest.ID != serviceID {
		return nil, fmt.Errorf("%w: manifest %s declares service id %q",
			domain.ErrValidation, filepath.Base(path), doc.manifest.ID)
	}

	return s.evaluate(filepath.Base(path), doc), nil
}

// Forget drops the decoded document cached for the manifest file at path.
// Callers that replace or remove manifest files outside this package call it
// so a rewrite that keeps size and modification time is not missed.
func (s *Store) Forget(path string) {
	s.docs.remove(filepath.Clean(path))
}

// Exists reports whether a manifest file exists for the service
func (s *Store) Exists(serviceID string) bool {
	return fsutil.Exists(s.ManifestPath(serviceID))
}

func (s *Store) load(path string, info fs.FileInfo) (*document, error) {
	if doc, ok := s.docs.get(path, info); ok {
		return doc, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	_, doc, err := decodeDocument(data)
	if err != nil {
		return nil, err
	}

	s.docs.add(path, info, doc)
	return doc, nil
}

// evaluate checks every declared file and computes the Valid flag. All
// problems are logged, not just the first one.
func (s *Store) evaluate(fileName string, doc *document) *domain.ServiceManifest {
	m := doc.clone()
	valid := true

	for _, dt := range doc.badKeys {
		s.logger.Error("manifest section should be a file listing",
			"file", fileName,
			"data_type", dt,
		)
		valid = false
	}

	for _, dt := range domain.DataTypes {
		files, ok := m.Files[dt]
		if !ok {
			continue
		}
		root := s.layout.Dir(s.root, dt)
		for _, f := range files {
			path, err := fsutil.SafeJoin(root, f)
			if err != nil {
				s.logger.Warn("manifest references a path outside its data type root",
					"file", fileName,
					"data_type", dt,
					"path", f,
				)
				valid = false
				continue
			}
			if _, err := os.Stat(path); err != nil {
				s.logger.Warn("file specified in manifest does not exist",
					"file", fileName,
					"data_type", dt,
					"path", f,
					"location", path,
				)
				valid = false
			}
		}
	}

	m.Valid = valid
	return m
}
