package notesync

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Enqueue appends a mutation to the outbox and returns its assigned ID.
// Enqueue never fails for queue-full reasons; the outbox is append-only.
func (s *Store) Enqueue(entry *OutboxEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("store: begin enqueue: %w", err)
	}
	defer tx.Rollback() // no-op if committed

	id, err := s.enqueueTx(tx, entry)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit enqueue: %w", err)
	}
	return id, nil
}

// EnqueueWrite atomically records an optimistic local write: the cached row
// update and its outbox entry commit together, so a crash leaves either both
// or neither.
func (s *Store) EnqueueWrite(row *CachedRecordRow, entry *OutboxEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("store: begin write: %w", err)
	}
	defer tx.Rollback() // no-op if committed

	if err := s.putRecordTx(tx, row); err != nil {
		return 0, err
	}
	id, err := s.enqueueTx(tx, entry)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit write: %w", err)
	}
	return id, nil
}

func (s *Store) enqueueTx(tx *sql.Tx, entry *OutboxEntry) (int64, error) {
	if entry.Resource == "" {
		entry.Resource = ResourceNote
	}
	if entry.Status == "" {
		entry.Status = EntryPending
	}
	if entry.CreatedAtMs == 0 {
		entry.CreatedAtMs = time.Now().UnixMilli()
	}

	data, err := json.Marshal(entry.Data)
	if err != nil {
		return 0, fmt.Errorf("store: encode entry data: %w", err)
	}

	res, err := tx.Exec(`
		INSERT INTO outbox (owner, resource, op, entity_id, client_updated_at_ms, data, created_at_ms, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.Owner,
		entry.Resource,
		string(entry.Op),
		entry.EntityID,
		entry.ClientUpdatedAtMs,
		string(data),
		entry.CreatedAtMs,
		string(entry.Status),
	)
	if err != nil {
		return 0, fmt.Errorf("store: enqueue: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: enqueue id: %w", err)
	}
	entry.ID = id
	return id, nil
}

// putRecordTx mirrors PutRecord inside an open transaction.
func (s *Store) putRecordTx(tx *sql.Tx, row *CachedRecordRow) error {
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

	_, err = tx.Exec(`
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

// NextPending returns the oldest pending entry whose entity has no older
// unfinished entry ahead of it. A blocked entry therefore fences every later
// entry for the same entity, preserving per-entity send order. Returns
// (nil, nil) when nothing is eligible.
func (s *Store) NextPending(owner string) (*OutboxEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	row := s.db.QueryRow(`
		SELECT id, owner, resource, op, entity_id, client_updated_at_ms, data, created_at_ms, status, last_error
		FROM outbox o
		WHERE o.owner = ? AND o.status = ?
		  AND NOT EXISTS (
			SELECT 1 FROM outbox b
			WHERE b.owner = o.owner AND b.resource = o.resource
			  AND b.entity_id = o.entity_id AND b.id < o.id
		  )
		ORDER BY o.id
		LIMIT 1
	`, owner, string(EntryPending))

	entry, err := s.scanEntry(row)
	if err == ErrEntryNotFound {
		return nil, nil
	}
	return entry, err
}

// GetEntry retrieves an outbox entry by ID.
func (s *Store) GetEntry(id int64) (*OutboxEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	row := s.db.QueryRow(`
		SELECT id, owner, resource, op, entity_id, client_updated_at_ms, data, created_at_ms, status, last_error
		FROM outbox WHERE id = ?
	`, id)
	return s.scanEntry(row)
}

// MarkSent removes an entry after the server confirmed it.
func (s *Store) MarkSent(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.db.Exec("DELETE FROM outbox WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("store: mark sent: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// MarkBlocked parks an entry with a diagnostic. The entry stays in the outbox
// until explicitly resolved; it is never silently dropped.
func (s *Store) MarkBlocked(id int64, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.db.Exec(`
		UPDATE outbox SET status = ?, last_error = ? WHERE id = ?
	`, string(EntryBlocked), cause, id)
	if err != nil {
		return fmt.Errorf("store: mark blocked: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// ListBlocked returns the owner's blocked entries in FIFO order, for
// surfacing unresolved conflicts.
func (s *Store) ListBlocked(owner string) ([]OutboxEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT id, owner, resource, op, entity_id, client_updated_at_ms, data, created_at_ms, status, last_error
		FROM outbox WHERE owner = ? AND status = ? ORDER BY id
	`, owner, string(EntryBlocked))
	if err != nil {
		return nil, fmt.Errorf("store: list blocked: %w", err)
	}
	defer rows.Close()

	var out []OutboxEntry
	for rows.Next() {
		entry, err := s.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}

// EntityQueueDepth returns how many outbox entries (pending or blocked)
// remain for one entity. The engine adopts server-canonical state into the
// cached row only when the depth reaches zero, so later optimistic edits are
// never clobbered by earlier confirmations.
func (s *Store) EntityQueueDepth(owner, entityID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM outbox WHERE owner = ? AND resource = ? AND entity_id = ?",
		owner, ResourceNote, entityID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: entity queue depth: %w", err)
	}
	return n, nil
}

// PendingCount returns the number of pending entries for an owner.
func (s *Store) PendingCount(owner string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM outbox WHERE owner = ? AND status = ?", owner, string(EntryPending),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: pending count: %w", err)
	}
	return n, nil
}

// ResolveBlocked applies an explicit resolution to a blocked entry in one
// transaction.
//
// ResolutionKeepLocal re-arms the entry as pending with its logical clock
// rebased above the stored server snapshot; the cached row keeps the local
// edits and goes back to queued.
//
// ResolutionAcceptRemote removes the entry and adopts the stored server
// snapshot into the cached row, which becomes clean. When no snapshot was
// stored (validation rejections), the row keeps its content and is cleaned.
func (s *Store) ResolveBlocked(id int64, resolution Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin resolve: %w", err)
	}
	defer tx.Rollback() // no-op if committed

	entry, err := s.scanEntry(tx.QueryRow(`
		SELECT id, owner, resource, op, entity_id, client_updated_at_ms, data, created_at_ms, status, last_error
		FROM outbox WHERE id = ?
	`, id))
	if err != nil {
		return err
	}
	if entry.Status != EntryBlocked {
		return ErrEntryNotBlocked
	}

	row, err := s.scanRecordRow(tx.QueryRow(`
		SELECT owner, id, title, body, tags, client_updated_at_ms,
		       created_at, updated_at, updated_at_ms, deleted_at,
		       local_updated_at_ms, local_status, server_snapshot, local_snapshot
		FROM records WHERE owner = ? AND id = ?
	`, entry.Owner, entry.EntityID))
	if err != nil && err != ErrNotFound {
		return err
	}

	now := time.Now().UnixMilli()

	switch resolution {
	case ResolutionKeepLocal:
		token := entry.ClientUpdatedAtMs
		if row != nil && row.ServerSnapshot != nil && row.ServerSnapshot.ClientUpdatedAtMs >= token {
			token = row.ServerSnapshot.ClientUpdatedAtMs + 1
		}
		if _, err := tx.Exec(`
			UPDATE outbox SET status = ?, client_updated_at_ms = ?, last_error = NULL WHERE id = ?
		`, string(EntryPending), token, id); err != nil {
			return fmt.Errorf("store: re-arm entry: %w", err)
		}
		if row != nil {
			if _, err := tx.Exec(`
				UPDATE records
				SET client_updated_at_ms = ?, local_status = ?, local_updated_at_ms = ?,
				    server_snapshot = NULL, local_snapshot = NULL
				WHERE owner = ? AND id = ?
			`, token, string(StatusQueued), now, entry.Owner, entry.EntityID); err != nil {
				return fmt.Errorf("store: requeue record: %w", err)
			}
		}

	case ResolutionAcceptRemote:
		if _, err := tx.Exec("DELETE FROM outbox WHERE id = ?", id); err != nil {
			return fmt.Errorf("store: drop entry: %w", err)
		}
		if row != nil {
			adopted := row.Record
			if row.ServerSnapshot != nil {
				adopted = *row.ServerSnapshot
			}
			fresh := &CachedRecordRow{
				Owner:            entry.Owner,
				Record:           adopted,
				LocalUpdatedAtMs: now,
				LocalStatus:      StatusClean,
			}
			if err := s.putRecordTx(tx, fresh); err != nil {
				return err
			}
		}

	default:
		return fmt.Errorf("unknown resolution %q", resolution)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit resolve: %w", err)
	}
	return nil
}

func (s *Store) scanEntry(sc scanner) (*OutboxEntry, error) {
	var (
		entry     OutboxEntry
		op        string
		data      string
		status    string
		lastError sql.NullString
	)

	err := sc.Scan(
		&entry.ID,
		&entry.Owner,
		&entry.Resource,
		&op,
		&entry.EntityID,
		&entry.ClientUpdatedAtMs,
		&data,
		&entry.CreatedAtMs,
		&status,
		&lastError,
	)
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan entry: %w", err)
	}

	switch Op(op) {
	case OpUpsert, OpDelete:
		entry.Op = Op(op)
	default:
		return nil, fmt.Errorf("%w: outbox entry %d has op %q", ErrStoreCorrupt, entry.ID, op)
	}
	switch EntryStatus(status) {
	case EntryPending, EntryBlocked:
		entry.Status = EntryStatus(status)
	default:
		return nil, fmt.Errorf("%w: outbox entry %d has status %q", ErrStoreCorrupt, entry.ID, status)
	}

	if err := json.Unmarshal([]byte(data), &entry.Data); err != nil {
		return nil, fmt.Errorf("%w: outbox entry %d data: %v", ErrStoreCorrupt, entry.ID, err)
	}
	if lastError.Valid {
		entry.LastError = lastError.String
	}
	return &entry, nil
}
