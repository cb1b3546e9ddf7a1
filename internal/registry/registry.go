// Package registry is the tenant-scoped entry point to the metadata
// repository. It owns one manifest store and one archive cache per tenant
// and serialises access to them: read-only operations share a tenant's
// read lock, every mutation takes its write lock, and archive builds of one
// client type additionally hold that client type's build lock.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/metarepo/server/internal/archive"
	"github.com/metarepo/server/internal/deletion"
	"github.com/metarepo/server/internal/domain"
	"github.com/metarepo/server/internal/fsutil"
	"github.com/metarepo/server/internal/manifest"
	"github.com/metarepo/server/internal/middleware"
)

var tracer = otel.Tracer("github.com/metarepo/server/internal/registry")

// Registry provides tenant-scoped access to manifest stores and archives
type Registry struct {
	dataPath   string
	seed       Seed
	scratchDir string
	clients    domain.ClientTypes
	source     domain.Layout
	output     domain.Layout
	docs       *manifest.DocumentCache
	cacheSize  int
	logger     *slog.Logger

	mu      sync.Mutex
	tenants map[string]*tenant
	// opening provisions each tenant once; other tenants are not blocked
	opening singleflight.Group

	lastSyncAt atomic.Value // time.Time
}

// Config holds registry configuration
type Config struct {
	// DataPath holds tenant stores, caches and backups
	DataPath string
	// Seed is copied into every newly provisioned tenant store. When it is
	// nil SeedPath is used as a plain directory. When both are empty, or the
	// directory is missing, new stores start empty.
	Seed     Seed
	SeedPath string
	// ScratchPath holds staging, upload and export files. Empty means os.TempDir().
	ScratchPath  string
	Clients      domain.ClientTypes
	SourceLayout domain.Layout
	OutputLayout domain.Layout
	CacheSize    int
	Logger       *slog.Logger
}

// Seed gives read access to the catalogue new tenant stores are copied from
type Seed interface {
	// WithReadLock calls fn with the seed directory, which does not change
	// until fn returns.
	WithReadLock(fn func(dir string) error) error
}

// dirSeed is a seed directory nothing rewrites while the server runs
type dirSeed string

func (d dirSeed) WithReadLock(fn func(dir string) error) error {
	return fn(string(d))
}

// tenant bundles the components working on one tenant store
type tenant struct {
	id   string
	root string

	// mu guards the store and cache; buildMu serialises builds per client type
	mu      sync.RWMutex
	buildMu map[domain.ClientType]*sync.Mutex

	manifests *manifest.Store
	cache     *archive.Cache
	builder   *archive.Builder
	extractor *archive.Extractor
	exporter  *archive.Exporter
	deleter   *deletion.Coordinator
}

// New creates a registry
func New(cfg Config) (*Registry, error) {
	if cfg.DataPath == "" {
		return nil, errors.New("data path is required")
	}
	if cfg.Clients == nil {
		cfg.Clients = domain.DefaultClientTypes()
	}
	if cfg.SourceLayout == nil {
		cfg.SourceLayout = domain.DefaultSourceLayout()
	}
	if cfg.OutputLayout == nil {
		cfg.OutputLayout = domain.DefaultOutputLayout()
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1000
	}
	if cfg.Seed == nil && cfg.SeedPath != "" {
		cfg.Seed = dirSeed(cfg.SeedPath)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	docs, err := manifest.NewDocumentCache(cfg.CacheSize)
	if err != nil {
		return nil, err
	}

	for _, dir := range []string{cfg.DataPath, cfg.ScratchPath} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	r := &Registry{
		dataPath:   cfg.DataPath,
		seed:       cfg.Seed,
		scratchDir: cfg.ScratchPath,
		clients:    cfg.Clients,
		source:     cfg.SourceLayout,
		output:     cfg.OutputLayout,
		docs:       docs,
		cacheSize:  cfg.CacheSize,
		logger:     cfg.Logger,
		tenants:    make(map[string]*tenant),
	}
	r.lastSyncAt.Store(time.Time{})
	return r, nil
}

// StorePath returns the manifest store directory of a tenant
func (r *Registry) StorePath(tenantID string) string {
	return filepath.Join(r.dataPath, "services", tenantID)
}

// DataPath returns the data directory
func (r *Registry) DataPath() string {
	return r.dataPath
}

// ClientTypes returns the configured client types, sorted
func (r *Registry) ClientTypes() []domain.ClientType {
	clients := make([]domain.ClientType, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	return clients
}

// Tenants returns the number of tenant stores opened since start
func (r *Registry) Tenants() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tenants)
}

// CacheStats returns manifest document cache statistics
func (r *Registry) CacheStats() *domain.CacheStats {
	return r.docs.Stats()
}

// SeedUpdated records a seed catalogue sync. Existing tenant stores are not
// touched; stores provisioned later copy the updated seed.
func (r *Registry) SeedUpdated() {
	r.lastSyncAt.Store(time.Now())
}

// LastSyncAt returns the time of the last seed sync
func (r *Registry) LastSyncAt() time.Time {
	return r.lastSyncAt.Load().(time.Time)
}

func (r *Registry) lookup(id string) (*tenant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tenants[id]
	return t, ok
}

// tenant returns the components of a tenant, provisioning its store on
// first use. Concurrent first requests for one tenant share a single
// provisioning.
func (r *Registry) tenant(id string) (*tenant, error) {
	if err := domain.ValidateTenant(id); err != nil {
		return nil, err
	}
	if t, ok := r.lookup(id); ok {
		return t, nil
	}

	v, err, _ := r.opening.Do(id, func() (any, error) {
		if t, ok := r.lookup(id); ok {
			return t, nil
		}
		t, err := r.open(id)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.tenants[id] = t
		n := len(r.tenants)
		r.mu.Unlock()
		middleware.TenantsTotal.Set(float64(n))
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tenant), nil
}

// open provisions the store of a tenant and wires its components
func (r *Registry) open(id string) (*tenant, error) {
	root := r.StorePath(id)
	if err := r.provision(id, root); err != nil {
		return nil, err
	}

	store, err := manifest.New(manifest.Config{
		Root:   root,
		Layout: r.source,
		Docs:   r.docs,
		Logger: r.logger.With("tenant", id),
	})
	if err != nil {
		return nil, err
	}

	logger := r.logger.With("tenant", id)
	cache := archive.NewCache(filepath.Join(r.dataPath, "cache", id))
	t := &tenant{
		id:        id,
		root:      root,
		buildMu:   make(map[domain.ClientType]*sync.Mutex, len(r.clients)),
		manifests: store,
		cache:     cache,
		builder: archive.NewBuilder(archive.BuilderConfig{
			Manifests: store,
			Stager: archive.NewStager(archive.StagerConfig{
				StoreRoot: root,
				Source:    r.source,
				Output:    r.output,
				Logger:    logger,
			}),
			Cache:      cache,
			Clients:    r.clients,
			ScratchDir: r.scratchDir,
			Logger:     logger,
		}),
		extractor: archive.NewExtractor(archive.ExtractorConfig{
			StoreRoot:  root,
			Source:     r.source,
			ScratchDir: r.scratchDir,
			Logger:     logger,
		}),
		exporter: archive.NewExporter(archive.ExporterConfig{
			StoreRoot:  root,
			Source:     r.source,
			ScratchDir: r.scratchDir,
			Logger:     logger,
		}),
		deleter: deletion.New(deletion.Config{
			StoreRoot:  root,
			BackupRoot: filepath.Join(r.dataPath, "backups", id),
			Layout:     r.source,
			Cache:      cache,
			Logger:     logger,
		}),
	}
	for client := range r.clients {
		t.buildMu[client] = &sync.Mutex{}
	}
	return t, nil
}

// provision creates a tenant store from the seed when it does not exist yet
func (r *Registry) provision(id, root string) error {
	if !fsutil.Exists(root) {
		if err := os.MkdirAll(filepath.Dir(root), 0755); err != nil {
			return fmt.Errorf("failed to create stores directory: %w", err)
		}

		copied, err := r.copySeed(root)
		if err != nil {
			return err
		}
		if copied {
			r.logger.Info("tenant store provisioned from seed", "tenant", id)
		} else {
			r.logger.Info("tenant store provisioned empty", "tenant", id)
		}
	}

	for _, dt := range domain.DataTypes {
		if err := os.MkdirAll(r.source.Dir(root, dt), 0755); err != nil {
			return fmt.Errorf("failed to create %s directory: %w", dt, err)
		}
	}
	return nil
}

// copySeed installs a copy of the seed at root. It reports false when there
// is no seed to copy.
func (r *Registry) copySeed(root string) (bool, error) {
	if r.seed == nil {
		return false, nil
	}

	tmp := filepath.Join(filepath.Dir(root), ".provision-"+uuid.NewString())
	copied := false
	err := r.seed.WithReadLock(func(dir string) error {
		if !fsutil.Exists(dir) {
			return nil
		}
		copied = true
		return fsutil.CopyTree(dir, tmp)
	})
	if err != nil {
		_ = os.RemoveAll(tmp)
		return false, fmt.Errorf("failed to copy seed into tenant store: %w", err)
	}
	if !copied {
		return false, nil
	}

	if err := os.RemoveAll(filepath.Join(tmp, ".git")); err != nil {
		_ = os.RemoveAll(tmp)
		return false, fmt.Errorf("failed to prepare tenant store: %w", err)
	}
	if err := os.Rename(tmp, root); err != nil {
		_ = os.RemoveAll(tmp)
		return false, fmt.Errorf("failed to install tenant store: %w", err)
	}
	return true, nil
}

// invalidate drops the cached archives of the given client types. The
// caller holds the tenant write lock.
func (r *Registry) invalidate(t *tenant, clients []domain.ClientType) error {
	if err := t.cache.Invalidate(clients...); err != nil {
		r.logger.Error("failed to invalidate archive cache", "tenant", t.id, "error", err)
		return err
	}
	for _, c := range clients {
		middleware.CacheInvalidationsTotal.WithLabelValues(string(c)).Inc()
	}
	return nil
}

func (r *Registry) invalidateAll(t *tenant) error {
	return r.invalidate(t, r.ClientTypes())
}

func startSpan(ctx context.Context, name, tenantID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("tenant", tenantID))
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// finish records err on the span and ends it
func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
