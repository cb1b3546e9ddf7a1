// Package archive composes the per-client archives served to UI and conductor
// clients, caches them by content hash, and moves single services in and out
// of a manifest store as bundles.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/metarepo/server/internal/domain"
)

// Status describes the outcome of a build
type Status string

const (
	// StatusFresh means Path holds an archive the caller should transfer
	StatusFresh Status = "FRESH"
	// StatusNotModified means the caller's archive is current
	StatusNotModified Status = "NOT_MODIFIED"
)

// Result is the outcome of Builder.Build
type Result struct {
	Path   string
	Hash   string
	Status Status
	// Cached is set when a stored archive was returned without rebuilding
	Cached bool
}

// ManifestLister supplies the manifests an archive is built from
type ManifestLister interface {
	ParseAll() ([]*domain.ServiceManifest, error)
}

// Builder runs the cache protocol for client archives
type Builder struct {
	manifests  ManifestLister
	stager     *Stager
	cache      *Cache
	clients    domain.ClientTypes
	scratchDir string
	logger     *slog.Logger
}

// BuilderConfig holds builder configuration
type BuilderConfig struct {
	Manifests ManifestLister
	Stager    *Stager
	Cache     *Cache
	Clients   domain.ClientTypes
	// ScratchDir is where staging directories are created. Empty means os.TempDir().
	ScratchDir string
	Logger     *slog.Logger
}

// NewBuilder creates a builder
func NewBuilder(cfg BuilderConfig) *Builder {
	if cfg.Clients == nil {
		cfg.Clients = domain.DefaultClientTypes()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Builder{
		manifests:  cfg.Manifests,
		stager:     cfg.Stager,
		cache:      cfg.Cache,
		clients:    cfg.Clients,
		scratchDir: cfg.ScratchDir,
		logger:     cfg.Logger,
	}
}

// Build returns the archive for a client type. requestedHash is the hash of
// the archive the client already holds, or "" if it holds none.
//
// A cached archive is returned as is when no hash was requested. A matching
// hash yields StatusNotModified and leaves the cache alone. A differing hash
// drops the cached entry and a new archive is built. The caller must hold
// the client's build lock.
func (b *Builder) Build(ctx context.Context, client domain.ClientType, requestedHash string) (*Result, error) {
	types, err := b.clients.Lookup(client)
	if err != nil {
		return nil, err
	}

	existing, err := b.cache.Existing(client)
	if err != nil {
		b.logger.Error("archive cache is inconsistent", "client_type", client, "error", err)
		return nil, err
	}

	if existing != "" {
		switch requestedHash {
		case "":
			b.logger.Debug("serving cached archive", "client_type", client, "hash", existing)
			return &Result{
				Path:   b.cache.ArchivePath(client, existing),
				Hash:   existing,
				Status: StatusFresh,
				Cached: true,
			}, nil
		case existing:
			b.logger.Debug("client archive not modified", "client_type", client, "hash", existing)
			return &Result{Hash: existing, Status: StatusNotModified}, nil
		default:
			b.logger.Info("client archive hash mismatch, rebuilding",
				"client_type", client,
				"hash", existing,
				"requested_hash", requestedHash,
			)
			if err := b.cache.Remove(client, existing); err != nil {
				return nil, err
			}
		}
	}

	return b.rebuild(ctx, client, types)
}

func (b *Builder) rebuild(_ context.Context, client domain.ClientType, types []domain.DataType) (*Result, error) {
	manifests, err := b.manifests.ParseAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifests: %w", err)
	}

	scratch, err := os.MkdirTemp(b.scratchDir, "stage-"+string(client)+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			b.logger.Warn("failed to remove staging directory", "path", scratch, "error", err)
		}
	}()

	if err := b.stager.Stage(manifests, types, scratch); err != nil {
		return nil, err
	}

	data, err := Compose(scratch)
	if err != nil {
		return nil, fmt.Errorf("failed to compose archive: %w", err)
	}
	hash := Fingerprint(data)

	if err := b.cache.Invalidate(client); err != nil {
		return nil, err
	}
	path, err := b.cache.Store(client, hash, data)
	if err != nil {
		return nil, err
	}

	b.logger.Info("client archive built",
		"client_type", client,
		"hash", hash,
		"services", len(manifests),
		"bytes", len(data),
	)
	return &Result{Path: path, Hash: hash, Status: StatusFresh}, nil
}
