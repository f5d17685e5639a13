package notesync

import (
	"database/sql"
	"fmt"
	"time"
)

// Cursor returns the owner's sync watermark, or 0 when the owner has never
// completed a pull.
func (s *Store) Cursor(owner string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	var cursor int64
	err := s.db.QueryRow("SELECT cursor FROM sync_cursors WHERE owner = ?", owner).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: get cursor: %w", err)
	}
	return cursor, nil
}

// AdvanceCursor moves the owner's watermark to cursor. The watermark is
// monotonically non-decreasing: a stale pull response arriving after a newer
// one gets ErrOutOfOrderCursor and the stored value is left untouched.
// Advancing to the current value is a successful no-op.
func (s *Store) AdvanceCursor(owner string, cursor int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	var stored sql.NullInt64
	err := s.db.QueryRow("SELECT cursor FROM sync_cursors WHERE owner = ?", owner).Scan(&stored)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("store: read cursor: %w", err)
	}
	if stored.Valid && cursor < stored.Int64 {
		return fmt.Errorf("%w: have %d, got %d", ErrOutOfOrderCursor, stored.Int64, cursor)
	}

	_, err = s.db.Exec(`
		INSERT INTO sync_cursors (owner, cursor, updated_at_ms) VALUES (?, ?, ?)
		ON CONFLICT (owner) DO UPDATE SET cursor = excluded.cursor, updated_at_ms = excluded.updated_at_ms
	`, owner, cursor, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: advance cursor: %w", err)
	}
	return nil
}
