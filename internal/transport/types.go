package transport

import "github.com/sietchlabs/notesync"

// RestoreRequest is the body of POST /api/v1/notes/{id}/restore.
type RestoreRequest struct {
	ClientUpdatedAtMs int64 `json:"client_updated_at_ms"`
}

// ErrorEnvelope is the body of every non-2xx response.
type ErrorEnvelope struct {
	Error     string        `json:"error"`
	Message   string        `json:"message"`
	RequestID string        `json:"request_id,omitempty"`
	Details   *ErrorDetails `json:"details,omitempty"`
}

// ErrorDetails carries structured diagnostics. A 409 on a record-mutating
// endpoint always includes the server's current snapshot.
type ErrorDetails struct {
	ServerSnapshot *notesync.Record `json:"server_snapshot,omitempty"`
	Field          string           `json:"field,omitempty"`
}

// HealthResponse from GET /api/v1/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
