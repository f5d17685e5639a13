package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/sietchlabs/notesync"
	"github.com/sietchlabs/notesync/internal/server/migrations"
)

// ErrNoteNotFound is returned when a note does not exist for the owner.
var ErrNoteNotFound = errors.New("note not found")

// ConflictError signals an optimistic-concurrency rejection. It carries the
// stored snapshot so the response envelope can include it.
type ConflictError struct {
	Snapshot *notesync.Record
	Message  string
}

func (e *ConflictError) Error() string { return e.Message }

// Storage is the server-side note store. The server treats the writer's
// client_updated_at_ms as an optimistic-concurrency token: a mutation whose
// token is behind the stored value is rejected with the current snapshot.
type Storage struct {
	db *sql.DB
}

// NewStorage opens the server database. Use ":memory:" for tests.
func NewStorage(ctx context.Context, dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// One writer at a time keeps SQLite happy under WAL.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *Storage) migrate() error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(s.db, ".")
}

// Close closes the database.
func (s *Storage) Close() error { return s.db.Close() }

// ListQuery mirrors the GET /notes parameters.
type ListQuery struct {
	Limit          int
	Offset         int
	Tag            string
	Search         string
	IncludeDeleted bool
	UpdatedSince   int64
}

// List returns a page of notes ordered by (updated_at_ms, id) so the page
// sequence forms a stable change stream, plus the total match count.
func (s *Storage) List(ctx context.Context, owner string, q ListQuery) ([]notesync.Record, int, error) {
	where := []string{"owner = ?"}
	args := []any{owner}

	if !q.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	if q.Tag != "" {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(notes.tags) WHERE json_each.value = ?)")
		args = append(args, q.Tag)
	}
	if q.Search != "" {
		where = append(where, "(title LIKE ? OR body LIKE ?)")
		pattern := "%" + q.Search + "%"
		args = append(args, pattern, pattern)
	}
	if q.UpdatedSince > 0 {
		where = append(where, "updated_at_ms > ?")
		args = append(args, q.UpdatedSince)
	}

	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM notes WHERE "+cond, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notes: %w", err)
	}

	query := `
		SELECT id, title, body, tags, client_updated_at_ms, created_at, updated_at, updated_at_ms, deleted_at
		FROM notes WHERE ` + cond + " ORDER BY updated_at_ms, id"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", q.Limit, q.Offset)
	} else if q.Offset > 0 {
		query += fmt.Sprintf(" LIMIT -1 OFFSET %d", q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var out []notesync.Record
	for rows.Next() {
		rec, err := scanNote(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *rec)
	}
	return out, total, rows.Err()
}

// Get returns one note, deleted or not.
func (s *Storage) Get(ctx context.Context, owner, id string) (*notesync.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, body, tags, client_updated_at_ms, created_at, updated_at, updated_at_ms, deleted_at
		FROM notes WHERE owner = ? AND id = ?
	`, owner, id)
	return scanNote(row)
}

// Create inserts a note. Creating an ID that already exists is a conflict
// carrying the stored snapshot.
func (s *Storage) Create(ctx context.Context, owner string, rec notesync.Record) (*notesync.Record, error) {
	if rec.ID == "" {
		return nil, errors.New("create: missing id")
	}

	existing, err := s.Get(ctx, owner, rec.ID)
	if err != nil && !errors.Is(err, ErrNoteNotFound) {
		return nil, err
	}
	if existing != nil {
		return nil, &ConflictError{Snapshot: existing, Message: "note already exists"}
	}

	now := time.Now().UTC()
	rec.Tags = notesync.CanonicalTags(rec.Tags)
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.UpdatedAtMs, err = s.nextChangeStamp(ctx, owner)
	if err != nil {
		return nil, err
	}

	tags, _ := json.Marshal(rec.Tags)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notes (owner, id, title, body, tags, client_updated_at_ms, created_at, updated_at, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		owner, rec.ID, rec.Title, rec.Body, string(tags), rec.ClientUpdatedAtMs,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), rec.UpdatedAtMs,
	)
	if err != nil {
		return nil, fmt.Errorf("insert note: %w", err)
	}
	return &rec, nil
}

// Update patches a note under the concurrency token. nil fields are left
// unchanged.
func (s *Storage) Update(ctx context.Context, owner, id string, token int64, title, body *string, tags *[]string) (*notesync.Record, error) {
	existing, err := s.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if existing.Deleted() {
		return nil, &ConflictError{Snapshot: existing, Message: "note is deleted"}
	}
	if existing.ClientUpdatedAtMs > token {
		return nil, &ConflictError{Snapshot: existing, Message: "concurrent update detected"}
	}

	rec := *existing
	if title != nil {
		rec.Title = *title
	}
	if body != nil {
		rec.Body = *body
	}
	if tags != nil {
		rec.Tags = notesync.CanonicalTags(*tags)
	}
	rec.ClientUpdatedAtMs = token

	return s.write(ctx, owner, &rec)
}

// Delete soft-deletes a note under the concurrency token. Deleting a
// tombstone is an idempotent success.
func (s *Storage) Delete(ctx context.Context, owner, id string, token int64) (*notesync.Record, error) {
	existing, err := s.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if existing.Deleted() {
		return existing, nil
	}
	if existing.ClientUpdatedAtMs > token {
		return nil, &ConflictError{Snapshot: existing, Message: "concurrent update detected"}
	}

	now := time.Now().UTC()
	rec := *existing
	rec.DeletedAt = &now
	rec.ClientUpdatedAtMs = token

	return s.write(ctx, owner, &rec)
}

// Restore clears a tombstone under the concurrency token. Restoring a live
// note is an idempotent success.
func (s *Storage) Restore(ctx context.Context, owner, id string, token int64) (*notesync.Record, error) {
	existing, err := s.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if !existing.Deleted() {
		return existing, nil
	}
	if existing.ClientUpdatedAtMs > token {
		return nil, &ConflictError{Snapshot: existing, Message: "concurrent update detected"}
	}

	rec := *existing
	rec.DeletedAt = nil
	rec.ClientUpdatedAtMs = token

	return s.write(ctx, owner, &rec)
}

// write persists an updated record with a fresh change stamp.
func (s *Storage) write(ctx context.Context, owner string, rec *notesync.Record) (*notesync.Record, error) {
	now := time.Now().UTC()
	rec.UpdatedAt = now

	stamp, err := s.nextChangeStamp(ctx, owner)
	if err != nil {
		return nil, err
	}
	rec.UpdatedAtMs = stamp

	tags, _ := json.Marshal(notesync.CanonicalTags(rec.Tags))
	_, err = s.db.ExecContext(ctx, `
		UPDATE notes
		SET title = ?, body = ?, tags = ?, client_updated_at_ms = ?, updated_at = ?, updated_at_ms = ?, deleted_at = ?
		WHERE owner = ? AND id = ?
	`,
		rec.Title, rec.Body, string(tags), rec.ClientUpdatedAtMs,
		now.Format(time.RFC3339Nano), rec.UpdatedAtMs, nullDeletedAt(rec.DeletedAt),
		owner, rec.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update note: %w", err)
	}
	return rec, nil
}

// nextChangeStamp returns a change-stream position strictly greater than any
// stamp the owner has seen, so cursor-based pulls never miss a mutation.
func (s *Storage) nextChangeStamp(ctx context.Context, owner string) (int64, error) {
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(updated_at_ms) FROM notes WHERE owner = ?", owner,
	).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("read change stamp: %w", err)
	}

	stamp := time.Now().UnixMilli()
	if last.Valid && stamp <= last.Int64 {
		stamp = last.Int64 + 1
	}
	return stamp, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(sc rowScanner) (*notesync.Record, error) {
	var (
		rec       notesync.Record
		tags      string
		createdAt string
		updatedAt string
		deletedAt sql.NullString
	)

	err := sc.Scan(
		&rec.ID, &rec.Title, &rec.Body, &tags, &rec.ClientUpdatedAtMs,
		&createdAt, &updatedAt, &rec.UpdatedAtMs, &deletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan note: %w", err)
	}

	if err := json.Unmarshal([]byte(tags), &rec.Tags); err != nil {
		return nil, fmt.Errorf("decode tags for %s: %w", rec.ID, err)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if deletedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, deletedAt.String)
		rec.DeletedAt = &t
	}
	return &rec, nil
}

func nullDeletedAt(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
