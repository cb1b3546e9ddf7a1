package domain

// ResultResponse is returned by successful mutations
type ResultResponse struct {
	Result string `json:"result"`
}

// SuccessResponse is the canonical mutation acknowledgement
var SuccessResponse = ResultResponse{Result: "success"}

// ServiceListResponse represents the list of services of a tenant
type ServiceListResponse struct {
	Services []ServiceInfo `json:"services"`
	Count    int           `json:"count"`
}

// ToggleResponse reports the enabled state after a toggle
type ToggleResponse struct {
	Result  string `json:"result"`
	ID      string `json:"full_service_name"`
	Enabled bool   `json:"enabled"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string      `json:"status"`
	DataPath   string      `json:"data_path"`
	SeedSource string      `json:"seed_source,omitempty"`
	SeedCommit string      `json:"seed_commit,omitempty"`
	LastSyncAt string      `json:"last_sync_at,omitempty"`
	Tenants    int         `json:"tenants"`
	CacheStats *CacheStats `json:"cache_stats,omitempty"`
}

// CacheStats contains manifest document cache statistics
type CacheStats struct {
	Size     int     `json:"size"`
	Capacity int     `json:"capacity"`
	HitRate  float64 `json:"hit_rate"`
}

// PingResponse represents the ping response
type PingResponse struct {
	Pong bool `json:"pong"`
}

// VersionResponse represents the version info response
type VersionResponse struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
}

// ErrorResponse represents an API error following Huma format
type ErrorResponse struct {
	Status int           `json:"status"`
	Title  string        `json:"title"`
	Detail string        `json:"detail,omitempty"`
	Errors []ErrorDetail `json:"errors,omitempty"`
}

// ErrorDetail provides detailed error information
type ErrorDetail struct {
	Message  string      `json:"message"`
	Location string      `json:"location,omitempty"`
	Value    interface{} `json:"value,omitempty"`
}

// UploadResponse acknowledges an installed service bundle
type UploadResponse struct {
	Result    string `json:"result"`
	ServiceID string `json:"full_service_name"`
}
