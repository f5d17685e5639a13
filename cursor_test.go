package notesync

import (
	"errors"
	"testing"
)

// TestCursor_UnsetIsZero verifies a fresh owner starts at watermark 0.
func TestCursor_UnsetIsZero(t *testing.T) {
	store := newTestStore(t)

	cursor, err := store.Cursor("alice")
	if err != nil {
		t.Fatalf("Cursor failed: %v", err)
	}
	if cursor != 0 {
		t.Errorf("expected 0, got %d", cursor)
	}
}

// TestAdvanceCursor_Monotonic verifies the watermark only moves forward.
func TestAdvanceCursor_Monotonic(t *testing.T) {
	store := newTestStore(t)

	if err := store.AdvanceCursor("alice", 100); err != nil {
		t.Fatalf("first advance failed: %v", err)
	}
	if err := store.AdvanceCursor("alice", 200); err != nil {
		t.Fatalf("second advance failed: %v", err)
	}

	err := store.AdvanceCursor("alice", 150)
	if !errors.Is(err, ErrOutOfOrderCursor) {
		t.Errorf("expected ErrOutOfOrderCursor, got %v", err)
	}

	cursor, _ := store.Cursor("alice")
	if cursor != 200 {
		t.Errorf("stored cursor must be untouched after rejection, got %d", cursor)
	}
}

// TestAdvanceCursor_EqualIsNoOp verifies re-advancing to the current value
// succeeds, so replaying an applied page is harmless.
func TestAdvanceCursor_EqualIsNoOp(t *testing.T) {
	store := newTestStore(t)

	if err := store.AdvanceCursor("alice", 100); err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	if err := store.AdvanceCursor("alice", 100); err != nil {
		t.Errorf("equal advance must succeed, got %v", err)
	}
}

// TestAdvanceCursor_PerOwner verifies cursors are independent per owner.
func TestAdvanceCursor_PerOwner(t *testing.T) {
	store := newTestStore(t)

	if err := store.AdvanceCursor("alice", 100); err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	if err := store.AdvanceCursor("bob", 50); err != nil {
		t.Fatalf("advance failed: %v", err)
	}

	if cursor, _ := store.Cursor("alice"); cursor != 100 {
		t.Errorf("alice: expected 100, got %d", cursor)
	}
	if cursor, _ := store.Cursor("bob"); cursor != 50 {
		t.Errorf("bob: expected 50, got %d", cursor)
	}
}
