// Package server is the reference implementation of the versioned notes REST
// contract. It exists so the sync engine can be exercised end-to-end in
// development and integration tests; production deployments may substitute
// any server honoring the same contract.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sietchlabs/notesync"
	"github.com/sietchlabs/notesync/internal/transport"
)

// Version reported by the health endpoint.
const Version = "1.0.0"

// ownerHeader identifies the logical owner. Authentication proper is outside
// the sync core's scope; deployments front this with their own auth layer.
const ownerHeader = "X-Notesync-Owner"

const defaultPageLimit = 100

// Server serves the notes REST API.
type Server struct {
	storage *Storage
	logger  *slog.Logger
}

// NewServer creates a notes API server over the given storage.
func NewServer(storage *Storage, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{storage: storage, logger: logger}
}

// Handler returns the HTTP handler with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)

	r.Get("/api/v1/health", s.handleHealth)
	r.Route("/api/v1/notes", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)
		r.Patch("/{id}", s.handleUpdate)
		r.Delete("/{id}", s.handleDelete)
		r.Post("/{id}/restore", s.handleRestore)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, transport.HealthResponse{Status: "ok", Version: Version})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	owner := ownerOf(r)
	q := ListQuery{
		Limit:          intParam(r, "limit", defaultPageLimit),
		Offset:         intParam(r, "offset", 0),
		Tag:            r.URL.Query().Get("tag"),
		Search:         r.URL.Query().Get("q"),
		IncludeDeleted: r.URL.Query().Get("include_deleted") == "true",
	}
	if v := r.URL.Query().Get("updated_since"); v != "" {
		since, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, "invalid_param", "updated_since must be an integer", nil)
			return
		}
		q.UpdatedSince = since
	}

	items, total, err := s.storage.List(r.Context(), owner, q)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if items == nil {
		items = []notesync.Record{}
	}
	writeJSON(w, http.StatusOK, notesync.NotesPage{
		Items:  items,
		Total:  total,
		Limit:  q.Limit,
		Offset: q.Offset,
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req notesync.CreateNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_body", "malformed JSON body", nil)
		return
	}
	if req.Body == "" {
		s.writeError(w, r, http.StatusUnprocessableEntity, "validation_failed", "body is required", nil)
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	token := req.ClientUpdatedAtMs
	if token == 0 {
		token = time.Now().UnixMilli()
	}

	rec, err := s.storage.Create(r.Context(), ownerOf(r), notesync.Record{
		ID:                id,
		Title:             req.Title,
		Body:              req.Body,
		Tags:              req.Tags,
		ClientUpdatedAtMs: token,
	})
	if err != nil {
		s.mutationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req notesync.UpdateNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_body", "malformed JSON body", nil)
		return
	}
	if req.ClientUpdatedAtMs == 0 {
		s.writeError(w, r, http.StatusBadRequest, "invalid_param", "client_updated_at_ms is required", nil)
		return
	}
	if req.Title == nil && req.Body == nil && req.Tags == nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_param", "at least one mutable field is required", nil)
		return
	}
	if req.Body != nil && *req.Body == "" {
		s.writeError(w, r, http.StatusUnprocessableEntity, "validation_failed", "body cannot be empty", nil)
		return
	}

	rec, err := s.storage.Update(r.Context(), ownerOf(r), chi.URLParam(r, "id"),
		req.ClientUpdatedAtMs, req.Title, req.Body, req.Tags)
	if err != nil {
		s.mutationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	token, err := strconv.ParseInt(r.URL.Query().Get("client_updated_at_ms"), 10, 64)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_param", "client_updated_at_ms is required", nil)
		return
	}

	rec, err := s.storage.Delete(r.Context(), ownerOf(r), chi.URLParam(r, "id"), token)
	if err != nil {
		s.mutationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req transport.RestoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_body", "malformed JSON body", nil)
		return
	}
	if req.ClientUpdatedAtMs == 0 {
		s.writeError(w, r, http.StatusBadRequest, "invalid_param", "client_updated_at_ms is required", nil)
		return
	}

	rec, err := s.storage.Restore(r.Context(), ownerOf(r), chi.URLParam(r, "id"), req.ClientUpdatedAtMs)
	if err != nil {
		s.mutationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// mutationError maps storage failures of record-mutating endpoints onto the
// error envelope. Conflicts always carry the server snapshot.
func (s *Server) mutationError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *ConflictError
	switch {
	case errors.As(err, &conflict):
		s.writeError(w, r, http.StatusConflict, "sync_conflict", conflict.Message, &transport.ErrorDetails{
			ServerSnapshot: conflict.Snapshot,
		})
	case errors.Is(err, ErrNoteNotFound):
		s.writeError(w, r, http.StatusNotFound, "not_found", "note not found", nil)
	default:
		s.internalError(w, r, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("internal error", "method", r.Method, "path", r.URL.Path, "error", err)
	s.writeError(w, r, http.StatusInternalServerError, "internal", "internal server error", nil)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details *transport.ErrorDetails) {
	writeJSON(w, status, transport.ErrorEnvelope{
		Error:     code,
		Message:   message,
		RequestID: requestIDOf(r),
		Details:   details,
	})
}

// requestLogger assigns a request ID and logs each request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		r.Header.Set("X-Request-ID", id)

		start := time.Now()
		next.ServeHTTP(w, r)

		s.logger.Debug("request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"owner", ownerOf(r),
			"duration", time.Since(start).Round(time.Microsecond),
		)
	})
}

func ownerOf(r *http.Request) string {
	if owner := r.Header.Get(ownerHeader); owner != "" {
		return owner
	}
	return notesync.DefaultOwner
}

func requestIDOf(r *http.Request) string {
	return r.Header.Get("X-Request-ID")
}

func intParam(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
