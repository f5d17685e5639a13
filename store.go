package notesync

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/sietchlabs/notesync/internal/store/migrations"
)

const schemaVersion = "1"

// Store manages the local SQLite cache: cached records, the outbox and the
// per-owner sync cursors. Every mutating call commits before returning, so a
// crash can never be observed between "applied in memory" and "persisted".
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewStore opens or creates the local cache at path.
func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows one writer; funnel everything through a single connection
	// so transactions never contend with each other in-process.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("store: set goose dialect: %w", err)
	}
	if err := goose.Up(s.db, "."); err != nil {
		return fmt.Errorf("store: run migrations: %w", err)
	}

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, schemaVersion)
	return err
}

// Close closes the store. Further calls return ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// GetRecord retrieves a cached row by owner and record ID.
// Tombstoned rows are returned as-is; callers decide what deletion means.
func (s *Store) GetRecord(owner, id string) (*CachedRecordRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	row := s.db.QueryRow(`
		SELECT owner, id, title, body, tags, client_updated_at_ms,
		       created_at, updated_at, updated_at_ms, deleted_at,
		       local_updated_at_ms, local_status, server_snapshot, local_snapshot
		FROM records WHERE owner = ? AND id = ?
	`, owner, id)

	return s.scanRecordRow(row)
}

// PutRecord inserts or replaces a cached row. The write is idempotent:
// putting the same logical version twice leaves observers unchanged.
func (s *Store) PutRecord(row *CachedRecordRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tags, err := json.Marshal(CanonicalTags(row.Record.Tags))
	if err != nil {
		return fmt.Errorf("store: encode tags: %w", err)
	}

	serverSnap, err := marshalSnapshot(row.ServerSnapshot)
	if err != nil {
		return fmt.Errorf("store: encode server snapshot: %w", err)
	}
	localSnap, err := marshalSnapshot(row.LocalSnapshot)
	if err != nil {
		return fmt.Errorf("store: encode local snapshot: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO records (owner, id, title, body, tags, client_updated_at_ms,
		                     created_at, updated_at, updated_at_ms, deleted_at,
		                     local_updated_at_ms, local_status, server_snapshot, local_snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner, id) DO UPDATE SET
			title = excluded.title,
			body = excluded.body,
			tags = excluded.tags,
			client_updated_at_ms = excluded.client_updated_at_ms,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			updated_at_ms = excluded.updated_at_ms,
			deleted_at = excluded.deleted_at,
			local_updated_at_ms = excluded.local_updated_at_ms,
			local_status = excluded.local_status,
			server_snapshot = excluded.server_snapshot,
			local_snapshot = excluded.local_snapshot
	`,
		row.Owner,
		row.Record.ID,
		row.Record.Title,
		row.Record.Body,
		string(tags),
		row.Record.ClientUpdatedAtMs,
		nullTime(row.Record.CreatedAt),
		nullTime(row.Record.UpdatedAt),
		row.Record.UpdatedAtMs,
		nullTimePtr(row.Record.DeletedAt),
		row.LocalUpdatedAtMs,
		string(row.LocalStatus),
		serverSnap,
		localSnap,
	)
	if err != nil {
		return fmt.Errorf("store: put record: %w", err)
	}
	return nil
}

// DeleteRecord tombstones a cached row after a local delete: deleted_at is
// set, the row is marked queued and the claimed logical clock recorded. The
// row itself is retained so an out-of-order pull cannot resurrect it.
func (s *Store) DeleteRecord(owner, id string, clientUpdatedAtMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	now := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE records
		SET deleted_at = ?, client_updated_at_ms = ?, local_updated_at_ms = ?, local_status = ?
		WHERE owner = ? AND id = ?
	`, now.Format(time.RFC3339Nano), clientUpdatedAtMs, now.UnixMilli(), string(StatusQueued), owner, id)
	if err != nil {
		return fmt.Errorf("store: delete record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete record: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRecords returns all cached rows for an owner, tombstones included.
// Order is unspecified.
func (s *Store) ListRecords(owner string) ([]CachedRecordRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT owner, id, title, body, tags, client_updated_at_ms,
		       created_at, updated_at, updated_at_ms, deleted_at,
		       local_updated_at_ms, local_status, server_snapshot, local_snapshot
		FROM records WHERE owner = ?
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("store: list records: %w", err)
	}
	defer rows.Close()

	var out []CachedRecordRow
	for rows.Next() {
		row, err := s.scanRecordRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *row)
	}
	return out, rows.Err()
}

// MarkConflict flips a row to conflict status, retaining both the server's
// snapshot and the local edit that triggered it. Existing local content is
// left untouched so nothing the user wrote is lost.
func (s *Store) MarkConflict(owner, id string, server, local *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	serverSnap, err := marshalSnapshot(server)
	if err != nil {
		return fmt.Errorf("store: encode server snapshot: %w", err)
	}
	localSnap, err := marshalSnapshot(local)
	if err != nil {
		return fmt.Errorf("store: encode local snapshot: %w", err)
	}

	res, err := s.db.Exec(`
		UPDATE records
		SET local_status = ?, server_snapshot = ?, local_snapshot = ?, local_updated_at_ms = ?
		WHERE owner = ? AND id = ?
	`, string(StatusConflict), serverSnap, localSnap, time.Now().UnixMilli(), owner, id)
	if err != nil {
		return fmt.Errorf("store: mark conflict: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateServerSnapshot refreshes the stored server snapshot of a conflicted
// row without touching the local edits or the conflict status.
func (s *Store) UpdateServerSnapshot(owner, id string, server *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	snap, err := marshalSnapshot(server)
	if err != nil {
		return fmt.Errorf("store: encode server snapshot: %w", err)
	}

	res, err := s.db.Exec(`
		UPDATE records SET server_snapshot = ?
		WHERE owner = ? AND id = ? AND local_status = ?
	`, snap, owner, id, string(StatusConflict))
	if err != nil {
		return fmt.Errorf("store: update server snapshot: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetCache drops every row belonging to owner: records, outbox entries and
// the sync cursor. This is the only physical delete the store performs.
func (s *Store) ResetCache(owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin reset: %w", err)
	}
	defer tx.Rollback() // no-op if committed

	for _, stmt := range []string{
		"DELETE FROM records WHERE owner = ?",
		"DELETE FROM outbox WHERE owner = ?",
		"DELETE FROM sync_cursors WHERE owner = ?",
	} {
		if _, err := tx.Exec(stmt, owner); err != nil {
			return fmt.Errorf("store: reset cache: %w", err)
		}
	}
	return tx.Commit()
}

// Stats returns cache statistics for an owner.
func (s *Store) Stats(owner string) (*StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	stats := &StoreStats{}
	if err := s.db.QueryRow(
		"SELECT COUNT(*) FROM records WHERE owner = ?", owner,
	).Scan(&stats.RecordCount); err != nil {
		return nil, fmt.Errorf("store: count records: %w", err)
	}
	if err := s.db.QueryRow(
		"SELECT COUNT(*) FROM outbox WHERE owner = ? AND status = ?", owner, string(EntryPending),
	).Scan(&stats.PendingCount); err != nil {
		return nil, fmt.Errorf("store: count pending: %w", err)
	}
	if err := s.db.QueryRow(
		"SELECT COUNT(*) FROM outbox WHERE owner = ? AND status = ?", owner, string(EntryBlocked),
	).Scan(&stats.BlockedCount); err != nil {
		return nil, fmt.Errorf("store: count blocked: %w", err)
	}

	var cursor sql.NullInt64
	var updated sql.NullInt64
	err := s.db.QueryRow(
		"SELECT cursor, updated_at_ms FROM sync_cursors WHERE owner = ?", owner,
	).Scan(&cursor, &updated)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("store: read cursor: %w", err)
	}
	stats.Cursor = cursor.Int64
	stats.LastSyncMs = updated.Int64

	return stats, nil
}

// GetMetadata returns the metadata value for key, or "" when unset.
func (s *Store) GetMetadata(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", ErrStoreClosed
	}

	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get metadata: %w", err)
	}
	return value, nil
}

// SetMetadata stores a metadata key/value pair.
func (s *Store) SetMetadata(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.Exec(`
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("store: set metadata: %w", err)
	}
	return nil
}

// scanner abstracts the Scan method shared by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanRecordRow(sc scanner) (*CachedRecordRow, error) {
	var (
		row        CachedRecordRow
		tags       string
		createdAt  sql.NullString
		updatedAt  sql.NullString
		deletedAt  sql.NullString
		status     string
		serverSnap sql.NullString
		localSnap  sql.NullString
	)

	err := sc.Scan(
		&row.Owner,
		&row.Record.ID,
		&row.Record.Title,
		&row.Record.Body,
		&tags,
		&row.Record.ClientUpdatedAtMs,
		&createdAt,
		&updatedAt,
		&row.Record.UpdatedAtMs,
		&deletedAt,
		&row.LocalUpdatedAtMs,
		&status,
		&serverSnap,
		&localSnap,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan record: %w", err)
	}

	if tags != "" && tags != "null" {
		if err := json.Unmarshal([]byte(tags), &row.Record.Tags); err != nil {
			return nil, fmt.Errorf("%w: record %s tags: %v", ErrStoreCorrupt, row.Record.ID, err)
		}
	}

	switch LocalStatus(status) {
	case StatusClean, StatusQueued, StatusConflict:
		row.LocalStatus = LocalStatus(status)
	default:
		return nil, fmt.Errorf("%w: record %s has status %q", ErrStoreCorrupt, row.Record.ID, status)
	}

	if createdAt.Valid {
		row.Record.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt.String)
	}
	if updatedAt.Valid {
		row.Record.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt.String)
	}
	if deletedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, deletedAt.String)
		if err != nil {
			return nil, fmt.Errorf("%w: record %s deleted_at: %v", ErrStoreCorrupt, row.Record.ID, err)
		}
		row.Record.DeletedAt = &t
	}

	if row.ServerSnapshot, err = unmarshalSnapshot(serverSnap); err != nil {
		return nil, fmt.Errorf("%w: record %s server snapshot: %v", ErrStoreCorrupt, row.Record.ID, err)
	}
	if row.LocalSnapshot, err = unmarshalSnapshot(localSnap); err != nil {
		return nil, fmt.Errorf("%w: record %s local snapshot: %v", ErrStoreCorrupt, row.Record.ID, err)
	}

	return &row, nil
}

func marshalSnapshot(r *Record) (any, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalSnapshot(s sql.NullString) (*Record, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var r Record
	if err := json.Unmarshal([]byte(s.String), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
