package notesync

import "context"

// ServerAPI is the engine's view of the remote notes service. The concrete
// HTTP implementation lives in internal/transport; tests substitute fakes.
//
// Every method classifies failures into the engine's error taxonomy:
// *TransientError (retryable), *RejectedError (permanent) or *ConflictError
// (409 carrying the server's current snapshot).
type ServerAPI interface {
	// Ping validates connectivity.
	Ping(ctx context.Context) error

	// ListNotes retrieves a page of notes. With UpdatedSince set it acts as
	// the incremental change stream the sync cursor walks.
	ListNotes(ctx context.Context, owner string, q ListQuery) (*NotesPage, error)

	// CreateNote creates a note, optionally with a client-assigned ID.
	CreateNote(ctx context.Context, owner string, req CreateNoteRequest) (*Record, error)

	// UpdateNote patches a note under optimistic concurrency.
	UpdateNote(ctx context.Context, owner, id string, req UpdateNoteRequest) (*Record, error)

	// DeleteNote soft-deletes a note under optimistic concurrency.
	DeleteNote(ctx context.Context, owner, id string, clientUpdatedAtMs int64) (*Record, error)

	// RestoreNote un-deletes a tombstoned note.
	RestoreNote(ctx context.Context, owner, id string, clientUpdatedAtMs int64) (*Record, error)
}

// ListQuery are the query parameters of GET /api/v1/notes.
type ListQuery struct {
	Limit          int
	Offset         int
	Tag            string
	Search         string
	IncludeDeleted bool
	// UpdatedSince filters to records whose server updated_at_ms is strictly
	// greater than the given watermark. Results are ordered by
	// (updated_at_ms, id) so pages form a stable change stream.
	UpdatedSince int64
}

// NotesPage is the paginated response of GET /api/v1/notes.
type NotesPage struct {
	Items  []Record `json:"items"`
	Total  int      `json:"total"`
	Limit  int      `json:"limit"`
	Offset int      `json:"offset"`
}

// CreateNoteRequest is the body of POST /api/v1/notes.
type CreateNoteRequest struct {
	ID                string   `json:"id,omitempty"`
	Title             string   `json:"title,omitempty"`
	Body              string   `json:"body"`
	Tags              []string `json:"tags,omitempty"`
	ClientUpdatedAtMs int64    `json:"client_updated_at_ms,omitempty"`
}

// UpdateNoteRequest is the body of PATCH /api/v1/notes/{id}. The logical
// clock is mandatory; at least one mutable field must be present.
type UpdateNoteRequest struct {
	ClientUpdatedAtMs int64     `json:"client_updated_at_ms"`
	Title             *string   `json:"title,omitempty"`
	Body              *string   `json:"body,omitempty"`
	Tags              *[]string `json:"tags,omitempty"`
}
