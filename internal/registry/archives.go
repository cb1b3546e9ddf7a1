package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/metarepo/server/internal/archive"
	"github.com/metarepo/server/internal/domain"
	"github.com/metarepo/server/internal/middleware"
)

// MaxUploadSize is the largest service bundle accepted for upload
const MaxUploadSize int64 = 256 << 20

// BuildResult is a client archive ready to be sent
type BuildResult struct {
	archive.Result
	// File is the open archive when Status is archive.StatusFresh. It stays
	// readable after a later invalidation removes the cache entry. The
	// caller closes it.
	File *os.File
}

// Build returns the archive of a client type for a tenant, running the
// cache protocol under the client type's build lock.
func (r *Registry) Build(ctx context.Context, tenantID string, client domain.ClientType, requestedHash string) (res *BuildResult, err error) {
	ctx, span := startSpan(ctx, "registry.Build", tenantID,
		attribute.String("client_type", string(client)),
		attribute.String("requested_hash", requestedHash),
	)
	defer func() { finish(span, err) }()

	if _, err := r.clients.Lookup(client); err != nil {
		return nil, err
	}
	t, err := r.tenant(tenantID)
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	lock := t.buildMu[client]
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	result, err := t.builder.Build(ctx, client, requestedHash)
	if err != nil {
		middleware.ArchiveBuildsTotal.WithLabelValues(string(client), "error").Inc()
		if errors.Is(err, domain.ErrConsistency) {
			middleware.ConsistencyErrors.Inc()
		}
		return nil, err
	}

	switch {
	case result.Status == archive.StatusNotModified:
		middleware.ArchiveBuildsTotal.WithLabelValues(string(client), "not_modified").Inc()
	case result.Cached:
		middleware.ArchiveBuildsTotal.WithLabelValues(string(client), "cached").Inc()
	default:
		middleware.ArchiveBuildsTotal.WithLabelValues(string(client), "built").Inc()
		middleware.ArchiveBuildDuration.WithLabelValues(string(client)).Observe(time.Since(start).Seconds())
	}
	span.SetAttributes(
		attribute.String("hash", result.Hash),
		attribute.String("status", string(result.Status)),
	)

	res = &BuildResult{Result: *result}
	if result.Status == archive.StatusFresh {
		f, err := os.Open(result.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open archive: %w", err)
		}
		res.File = f
	}
	return res, nil
}

// ResetCache drops every cached archive of a tenant
func (r *Registry) ResetCache(ctx context.Context, tenantID string) (err error) {
	_, span := startSpan(ctx, "registry.ResetCache", tenantID)
	defer func() { finish(span, err) }()

	t, err := r.tenant(tenantID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.cache.Reset(); err != nil {
		return err
	}
	for _, c := range r.ClientTypes() {
		middleware.CacheInvalidationsTotal.WithLabelValues(string(c)).Inc()
	}
	r.logger.Info("archive cache reset", "tenant", tenantID)
	return nil
}

// UploadServiceArchive installs a service bundle read from body. The bundle
// is spooled to a temporary file first so a slow upload never holds the
// tenant lock.
func (r *Registry) UploadServiceArchive(ctx context.Context, tenantID string, body io.Reader) (serviceID string, err error) {
	_, span := startSpan(ctx, "registry.UploadServiceArchive", tenantID)
	defer func() { finish(span, err) }()

	t, err := r.tenant(tenantID)
	if err != nil {
		return "", err
	}

	spool, err := r.spool(body)
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	serviceID, err = t.extractor.Extract(spool)
	if err != nil {
		return "", err
	}
	t.manifests.Forget(t.manifests.ManifestPath(serviceID))
	span.SetAttributes(attribute.String("service_id", serviceID))

	if err := r.invalidateAll(t); err != nil {
		return "", err
	}
	return serviceID, nil
}

func (r *Registry) spool(body io.Reader) (string, error) {
	dir := r.scratchDir
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, "upload-"+uuid.NewString()+".tar.gz")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(body, MaxUploadSize+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > MaxUploadSize {
		err = fmt.Errorf("%w: bundle exceeds maximum size of %d bytes", domain.ErrValidation, MaxUploadSize)
	}
	if err == nil && n == 0 {
		err = fmt.Errorf("%w: empty bundle", domain.ErrValidation)
	}
	if err != nil {
		_ = os.Remove(path)
		if errors.Is(err, domain.ErrValidation) {
			return "", err
		}
		return "", fmt.Errorf("failed to store upload: %w", err)
	}
	return path, nil
}

// ExportService writes a bundle of one service to a temporary file and
// returns its path. The caller removes the file.
func (r *Registry) ExportService(ctx context.Context, tenantID, serviceID string) (path string, err error) {
	_, span := startSpan(ctx, "registry.ExportService", tenantID, attribute.String("service_id", serviceID))
	defer func() { finish(span, err) }()

	t, err := r.tenant(tenantID)
	if err != nil {
		return "", err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	m, err := t.manifests.ParseOne(serviceID)
	if err != nil {
		return "", err
	}

	f, err := os.CreateTemp(r.scratchDir, "export-"+serviceID+"-*.tar.gz")
	if err != nil {
		return "", fmt.Errorf("failed to create export file: %w", err)
	}
	path = f.Name()
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to create export file: %w", err)
	}

	if err := t.exporter.Export(m, path); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}
