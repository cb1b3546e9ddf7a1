package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/metarepo/server/internal/archive"
	"github.com/metarepo/server/internal/domain"
	"github.com/metarepo/server/internal/middleware"
	"github.com/metarepo/server/internal/registry"
)

// Build information (set at compile time)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// ArchiveHashHeader carries the fingerprint of a client archive
const ArchiveHashHeader = "X-Archive-Hash"

// SeedInfo describes the git-backed seed catalogue
type SeedInfo interface {
	RepoURL() string
	CurrentCommit() string
}

// Handlers provides HTTP handlers for the API
type Handlers struct {
	registry *registry.Registry
	seed     SeedInfo
	logger   *slog.Logger
}

// NewHandlers creates a new handlers instance. seed may be nil.
func NewHandlers(reg *registry.Registry, seed SeedInfo, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		registry: reg,
		seed:     seed,
		logger:   logger,
	}
}

// Health returns health check information
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := domain.HealthResponse{
		Status:     "ok",
		DataPath:   h.registry.DataPath(),
		Tenants:    h.registry.Tenants(),
		CacheStats: h.registry.CacheStats(),
	}
	if h.seed != nil {
		resp.SeedSource = h.seed.RepoURL()
		resp.SeedCommit = h.seed.CurrentCommit()
	}
	if last := h.registry.LastSyncAt(); !last.IsZero() {
		resp.LastSyncAt = last.Format(time.RFC3339)
	}

	writeJSON(w, http.StatusOK, resp)
}

// Ping returns a simple pong response
func (h *Handlers) Ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, domain.PingResponse{Pong: true})
}

// Version returns build version information
func (h *Handlers) Version(w http.ResponseWriter, r *http.Request) {
	version := Version
	commit := GitCommit
	buildTime := BuildTime

	// Try to get from build info if not set
	if info, ok := debug.ReadBuildInfo(); ok && version == "dev" {
		version = info.Main.Version
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				commit = setting.Value
			case "vcs.time":
				buildTime = setting.Value
			}
		}
	}

	writeJSON(w, http.StatusOK, domain.VersionResponse{
		Version:   version,
		GitCommit: commit,
		BuildTime: buildTime,
	})
}

// ClientArchive sends the archive of a client type. A hash query parameter
// equal to the current fingerprint answers 304.
func (h *Handlers) ClientArchive(w http.ResponseWriter, r *http.Request) {
	client := domain.ClientType(chi.URLParam(r, "clientType"))

	res, err := h.registry.Build(r.Context(), middleware.TenantFrom(r.Context()), client, r.URL.Query().Get("hash"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	w.Header().Set(ArchiveHashHeader, res.Hash)
	if res.Status == archive.StatusNotModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	defer res.File.Close()

	serveArchive(w, r, string(client)+".tar.gz", res.File)
}

// ExportService sends a bundle of one service in the layout the bundle
// upload accepts
func (h *Handlers) ExportService(w http.ResponseWriter, r *http.Request) {
	serviceID := chi.URLParam(r, "serviceID")

	path, err := h.registry.ExportService(r.Context(), middleware.TenantFrom(r.Context()), serviceID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer os.Remove(path)

	f, err := os.Open(path)
	if err != nil {
		h.fail(w, r, fmt.Errorf("failed to open export: %w", err))
		return
	}
	defer f.Close()

	serveArchive(w, r, serviceID+".tar.gz", f)
}

// ListDataType lists the files of a data type as {"<type>": [...]}
func (h *Handlers) ListDataType(w http.ResponseWriter, r *http.Request) {
	dt, ok := h.dataType(w, r)
	if !ok {
		return
	}

	files, err := h.registry.ListFiles(r.Context(), middleware.TenantFrom(r.Context()), dt, "")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{string(dt): files})
}

// GetEntry downloads a file or lists a directory below a data type root
func (h *Handlers) GetEntry(w http.ResponseWriter, r *http.Request) {
	dt, ok := h.dataType(w, r)
	if !ok {
		return
	}
	rel := chi.URLParam(r, "*")

	entry, err := h.registry.OpenEntry(r.Context(), middleware.TenantFrom(r.Context()), dt, rel)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if entry.IsDir() {
		writeJSON(w, http.StatusOK, map[string][]string{string(dt): entry.Listing})
		return
	}
	defer entry.File.Close()

	info, err := entry.File.Stat()
	if err != nil {
		h.fail(w, r, fmt.Errorf("failed to stat %s: %w", rel, err))
		return
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), entry.File)
}

// UploadFile stores a new file in a data type root or one of its
// directories
func (h *Handlers) UploadFile(w http.ResponseWriter, r *http.Request) {
	dt, ok := h.dataType(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, registry.MaxUploadSize)

	name, body, err := uploadedFile(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.registry.SaveFile(r.Context(), middleware.TenantFrom(r.Context()), dt, chi.URLParam(r, "*"), name, body); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.SuccessResponse)
}

// CreateDirectory creates a directory below a data type root
func (h *Handlers) CreateDirectory(w http.ResponseWriter, r *http.Request) {
	dt, ok := h.dataType(w, r)
	if !ok {
		return
	}
	if err := h.registry.CreateDirectory(r.Context(), middleware.TenantFrom(r.Context()), dt, chi.URLParam(r, "*")); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.SuccessResponse)
}

// DeleteEntry removes a file or an empty directory below a data type root
func (h *Handlers) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	dt, ok := h.dataType(w, r)
	if !ok {
		return
	}
	if err := h.registry.DeleteEntry(r.Context(), middleware.TenantFrom(r.Context()), dt, chi.URLParam(r, "*")); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.SuccessResponse)
}

// ListServices returns every service of the tenant
func (h *Handlers) ListServices(w http.ResponseWriter, r *http.Request) {
	services, err := h.registry.ListServices(r.Context(), middleware.TenantFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.ServiceListResponse{
		Services: services,
		Count:    len(services),
	})
}

// UploadService installs a service bundle
func (h *Handlers) UploadService(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, registry.MaxUploadSize+1)

	_, body, err := uploadedFile(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	serviceID, err := h.registry.UploadServiceArchive(r.Context(), middleware.TenantFrom(r.Context()), body)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.UploadResponse{
		Result:    domain.SuccessResponse.Result,
		ServiceID: serviceID,
	})
}

// GetService returns one service
func (h *Handlers) GetService(w http.ResponseWriter, r *http.Request) {
	info, err := h.registry.GetService(r.Context(), middleware.TenantFrom(r.Context()), chi.URLParam(r, "serviceID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// PutService merges a JSON object into a service manifest, creating it
// when missing
func (h *Handlers) PutService(w http.ResponseWriter, r *http.Request) {
	var fields map[string]any
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&fields); err != nil {
		h.fail(w, r, fmt.Errorf("%w: invalid JSON body: %v", domain.ErrValidation, err))
		return
	}

	_, created, err := h.registry.CreateOrUpdateService(r.Context(), middleware.TenantFrom(r.Context()), chi.URLParam(r, "serviceID"), fields)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, domain.SuccessResponse)
}

// DeleteService removes a service and the files no other service declares
func (h *Handlers) DeleteService(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.DeleteService(r.Context(), middleware.TenantFrom(r.Context()), chi.URLParam(r, "serviceID")); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.SuccessResponse)
}

// ToggleEnabled flips the enabled flag of a service
func (h *Handlers) ToggleEnabled(w http.ResponseWriter, r *http.Request) {
	serviceID := chi.URLParam(r, "serviceID")

	enabled, err := h.registry.ToggleEnabled(r.Context(), middleware.TenantFrom(r.Context()), serviceID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.ToggleResponse{
		Result:  domain.SuccessResponse.Result,
		ID:      serviceID,
		Enabled: enabled,
	})
}

// ResetCaches drops every cached archive of the tenant
func (h *Handlers) ResetCaches(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.ResetCache(r.Context(), middleware.TenantFrom(r.Context())); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.SuccessResponse)
}

// dataType resolves the {dataType} URL parameter. Unknown types answer 404.
func (h *Handlers) dataType(w http.ResponseWriter, r *http.Request) (domain.DataType, bool) {
	name := chi.URLParam(r, "dataType")
	dt, err := domain.ParseDataType(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "Not Found", "Unknown data type: "+name)
		return "", false
	}
	return dt, true
}

// fail maps an error to its HTTP status and writes it
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	detail := err.Error()

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			"tenant", middleware.TenantFrom(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		detail = "The request could not be completed. See server logs for details."
	} else {
		h.logger.Debug("request rejected",
			"tenant", middleware.TenantFrom(r.Context()),
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	}

	writeError(w, status, http.StatusText(status), detail)
}

func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// uploadedFile returns the uploaded file of a request: the "file" (or
// "files") part of a multipart form, or else the raw body named by the
// filename query parameter.
func uploadedFile(r *http.Request) (string, io.Reader, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return r.URL.Query().Get("filename"), r.Body, nil
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return "", nil, fmt.Errorf("%w: invalid multipart body: %v", domain.ErrValidation, err)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return "", nil, fmt.Errorf("%w: no file in multipart body", domain.ErrValidation)
		}
		if err != nil {
			return "", nil, fmt.Errorf("%w: invalid multipart body: %v", domain.ErrValidation, err)
		}
		switch part.FormName() {
		case "file", "files":
			return part.FileName(), part, nil
		}
	}
}

func serveArchive(w http.ResponseWriter, r *http.Request, name string, f *os.File) {
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	http.ServeContent(w, r, name, time.Time{}, f)
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, title, detail string) {
	resp := domain.ErrorResponse{
		Status: status,
		Title:  title,
		Detail: detail,
	}
	writeJSON(w, status, resp)
}
