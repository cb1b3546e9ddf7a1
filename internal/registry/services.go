package registry

import (
	"context"
	"errors"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"github.com/metarepo/server/internal/deletion"
	"github.com/metarepo/server/internal/domain"
	"github.com/metarepo/server/internal/middleware"
)

// ListServices returns every parseable service of a tenant sorted by id
func (r *Registry) ListServices(ctx context.Context, tenantID string) (services []domain.ServiceInfo, err error) {
	_, span := startSpan(ctx, "registry.ListServices", tenantID)
	defer func() { finish(span, err) }()

	t, err := r.tenant(tenantID)
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	manifests, err := t.manifests.ParseAll()
	if err != nil {
		return nil, err
	}
	sort.Slice(manifests, func(i, j int) bool { return manifests[i].ID < manifests[j].ID })

	services = make([]domain.ServiceInfo, 0, len(manifests))
	for _, m := range manifests {
		services = append(services, domain.NewServiceInfo(m))
	}
	return services, nil
}

// GetService returns one service of a tenant
func (r *Registry) GetService(ctx context.Context, tenantID, serviceID string) (info *domain.ServiceInfo, err error) {
	_, span := startSpan(ctx, "registry.GetService", tenantID, attribute.String("service_id", serviceID))
	defer func() { finish(span, err) }()

	t, err := r.tenant(tenantID)
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	m, err := t.manifests.ParseOne(serviceID)
	if err != nil {
		return nil, err
	}
	si := domain.NewServiceInfo(m)
	return &si, nil
}

// CreateOrUpdateService merges fields into a service manifest, creating the
// manifest with defaults when it does not exist. It reports whether the
// manifest was created.
func (r *Registry) CreateOrUpdateService(ctx context.Context, tenantID, serviceID string, fields map[string]any) (info *domain.ServiceInfo, created bool, err error) {
	_, span := startSpan(ctx, "registry.CreateOrUpdateService", tenantID, attribute.String("service_id", serviceID))
	defer func() { finish(span, err) }()

	if err := domain.ValidateServiceID(serviceID); err != nil {
		return nil, false, err
	}
	t, err := r.tenant(tenantID)
	if err != nil {
		return nil, false, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var m *domain.ServiceManifest
	if t.manifests.Exists(serviceID) {
		m, err = t.manifests.UpdateFields(serviceID, fields)
	} else {
		m, err = t.manifests.Create(serviceID, fields)
		created = true
	}
	if err != nil {
		return nil, false, err
	}

	if err := r.invalidateAll(t); err != nil {
		return nil, false, err
	}
	si := domain.NewServiceInfo(m)
	return &si, created, nil
}

// ToggleEnabled flips the enabled flag of a service and returns the new value
func (r *Registry) ToggleEnabled(ctx context.Context, tenantID, serviceID string) (enabled bool, err error) {
	_, span := startSpan(ctx, "registry.ToggleEnabled", tenantID, attribute.String("service_id", serviceID))
	defer func() { finish(span, err) }()

	t, err := r.tenant(tenantID)
	if err != nil {
		return false, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	enabled, err = t.manifests.ToggleEnabled(serviceID)
	if err != nil {
		return false, err
	}
	if err := r.invalidateAll(t); err != nil {
		return false, err
	}
	return enabled, nil
}

// DeleteService removes a service manifest and every file no other service
// still declares. The store is restored from a snapshot if any removal
// fails.
func (r *Registry) DeleteService(ctx context.Context, tenantID, serviceID string) (err error) {
	_, span := startSpan(ctx, "registry.DeleteService", tenantID, attribute.String("service_id", serviceID))
	defer func() { finish(span, err) }()

	t, err := r.tenant(tenantID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	m, err := t.manifests.ParseOne(serviceID)
	if err != nil {
		return err
	}
	all, err := t.manifests.ParseAll()
	if err != nil {
		return err
	}
	others := make([]*domain.ServiceManifest, 0, len(all))
	for _, o := range all {
		if o.ID != serviceID {
			others = append(others, o)
		}
	}

	state, err := t.deleter.Delete(m, deletion.ExcludeShared(m.Files, others))
	t.manifests.Forget(t.manifests.ManifestPath(serviceID))
	middleware.DeletionsTotal.WithLabelValues(string(state)).Inc()
	span.SetAttributes(attribute.String("state", string(state)))
	if err != nil {
		if errors.Is(err, domain.ErrRollback) {
			middleware.RollbackFailures.Inc()
			r.logger.Error("tenant store may be inconsistent after failed rollback",
				"tenant", tenantID,
				"service_id", serviceID,
				"error", err,
			)
		}
		return err
	}

	for _, c := range r.ClientTypes() {
		middleware.CacheInvalidationsTotal.WithLabelValues(string(c)).Inc()
	}
	return nil
}
