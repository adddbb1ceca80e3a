package common

import (
	"github.com/ValentinKolb/uStore/lib/db"
)

// --------------------------------------------------------------------------
// Routes and Headers
// --------------------------------------------------------------------------

const (
	UploadPath   = "/sync/upload"
	DownloadPath = "/sync/download"
	HealthPath   = "/health"
	MetricsPath  = "/metrics"

	// LastSyncTimeParam is the query parameter of a download, unix milliseconds
	LastSyncTimeParam = "lastSyncTime"
	// StatsParam adds per-store statistics to the health response
	StatsParam = "stats"

	// ClientIDHeader identifies the uploading client, so a download does not
	// return the client's own changes
	ClientIDHeader = "X-Ustore-Client"
	// RequestIDHeader is set per request for log correlation
	RequestIDHeader = "X-Request-Id"
)

// --------------------------------------------------------------------------
// Messages
// --------------------------------------------------------------------------

// UploadRequest carries the pending change log of a client.
type UploadRequest struct {
	Changes      []db.SyncRecord `json:"changes"`
	LastSyncTime int64           `json:"lastSyncTime"`
}

// UploadResponse acknowledges an upload. Success=false keeps the client's
// pending log intact.
type UploadResponse struct {
	Success  bool   `json:"success"`
	Accepted int    `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// DownloadResponse holds the changes since the requested time, one per
// "<store>:<id>" with the latest change winning.
type DownloadResponse struct {
	Changes    []db.SyncRecord `json:"changes"`
	ServerTime int64           `json:"serverTime"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// NewUploadRequest creates an upload request; a nil change list is sent as [].
func NewUploadRequest(changes []db.SyncRecord, lastSyncTime int64) *UploadRequest {
	if changes == nil {
		changes = make([]db.SyncRecord, 0)
	}
	return &UploadRequest{Changes: changes, LastSyncTime: lastSyncTime}
}

// NewErrorResponse creates the body of a failed request
func NewErrorResponse(err error) *ErrorResponse {
	return &ErrorResponse{Success: false, Error: err.Error()}
}
