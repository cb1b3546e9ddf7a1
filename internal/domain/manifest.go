package domain

import (
	"strings"
)

// ManifestSuffix is appended to a service id to form its manifest file name
const ManifestSuffix = "-manifest.yaml"

// Manifest YAML keys for service metadata
const (
	KeyServiceID      = "full_service_name"
	KeyDisplayName    = "service_display_name"
	KeyDescription    = "description"
	KeyAuthor         = "author"
	KeyVersion        = "version"
	KeyServiceVersion = "service_version"
	KeyEnabled        = "enabled"
)

// ServiceManifest describes one service and the files it contributes per data type
type ServiceManifest struct {
	ID             string `json:"full_service_name" yaml:"full_service_name" validate:"required,service_id"`
	DisplayName    string `json:"service_display_name" yaml:"service_display_name" validate:"required"`
	Description    string `json:"description" yaml:"description"`
	Author         string `json:"author" yaml:"author"`
	Version        string `json:"version" yaml:"version"`
	ServiceVersion string `json:"service_version" yaml:"service_version"`
	Enabled        bool   `json:"enabled" yaml:"enabled"`

	// Valid is computed on every parse and never persisted
	Valid bool `json:"valid" yaml:"-"`

	// Files holds the declared paths per data type, in declaration order
	Files map[DataType][]string `json:"-" yaml:"-"`
}

// FileName returns the manifest file name for the service
func (m *ServiceManifest) FileName() string {
	return ManifestFileName(m.ID)
}

// Usable reports whether the manifest may contribute files to client archives
func (m *ServiceManifest) Usable() bool {
	return m.Enabled && m.Valid
}

// ManifestFileName returns the manifest file name for a service id
func ManifestFileName(serviceID string) string {
	return serviceID + ManifestSuffix
}

// ServiceIDFromFileName reverses ManifestFileName
func ServiceIDFromFileName(name string) (string, bool) {
	if !strings.HasSuffix(name, ManifestSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(name, ManifestSuffix)
	return id, id != ""
}

// ServiceInfo is the API view of a service manifest
type ServiceInfo struct {
	ServiceManifest
	Files map[DataType][]string `json:"files,omitempty"`
}

// NewServiceInfo builds the API view of a manifest
func NewServiceInfo(m *ServiceManifest) ServiceInfo {
	return ServiceInfo{ServiceManifest: *m, Files: m.Files}
}
