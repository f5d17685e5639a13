package notesync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

// fakeServer is an in-memory ServerAPI with the same optimistic-concurrency
// semantics as the reference server, plus failure injection for transport
// fault scenarios.
type fakeServer struct {
	mu    sync.Mutex
	notes map[string]map[string]*Record
	stamp int64

	// transientLeft makes the next N calls fail with a TransientError.
	transientLeft int
	// rejectUpserts makes note mutations fail permanently.
	rejectUpserts bool

	listCalls   int
	updateCalls int
}

func newFakeServer() *fakeServer {
	return &fakeServer{notes: make(map[string]map[string]*Record), stamp: 1000}
}

func (f *fakeServer) seed(owner string, rec Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stamp++
	rec.UpdatedAtMs = f.stamp
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	f.ownerNotes(owner)[rec.ID] = &rec
}

func (f *fakeServer) ownerNotes(owner string) map[string]*Record {
	if f.notes[owner] == nil {
		f.notes[owner] = make(map[string]*Record)
	}
	return f.notes[owner]
}

func (f *fakeServer) get(owner, id string) *Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.ownerNotes(owner)[id]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

func (f *fakeServer) failNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transientLeft = n
}

func (f *fakeServer) injectFailure(op string) error {
	if f.transientLeft > 0 {
		f.transientLeft--
		return &TransientError{Operation: op, Err: errors.New("injected network failure")}
	}
	return nil
}

func (f *fakeServer) Ping(ctx context.Context) error { return nil }

func (f *fakeServer) ListNotes(ctx context.Context, owner string, q ListQuery) (*NotesPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if err := f.injectFailure("list"); err != nil {
		return nil, err
	}

	var items []Record
	for _, rec := range f.ownerNotes(owner) {
		if q.UpdatedSince > 0 && rec.UpdatedAtMs <= q.UpdatedSince {
			continue
		}
		if !q.IncludeDeleted && rec.Deleted() {
			continue
		}
		items = append(items, *rec)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].UpdatedAtMs < items[j].UpdatedAtMs })

	total := len(items)
	if q.Limit > 0 && len(items) > q.Limit {
		items = items[:q.Limit]
	}
	return &NotesPage{Items: items, Total: total, Limit: q.Limit}, nil
}

func (f *fakeServer) CreateNote(ctx context.Context, owner string, req CreateNoteRequest) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injectFailure("create"); err != nil {
		return nil, err
	}
	if f.rejectUpserts {
		return nil, &RejectedError{EntityID: req.ID, StatusCode: 422, Code: "validation_failed", Message: "rejected"}
	}
	if existing, ok := f.ownerNotes(owner)[req.ID]; ok {
		cp := *existing
		return nil, &ConflictError{EntityID: req.ID, ServerSnapshot: &cp, Message: "note already exists"}
	}

	f.stamp++
	rec := &Record{
		ID:                req.ID,
		Title:             req.Title,
		Body:              req.Body,
		Tags:              CanonicalTags(req.Tags),
		ClientUpdatedAtMs: req.ClientUpdatedAtMs,
		CreatedAt:         time.Now().UTC(),
		UpdatedAt:         time.Now().UTC(),
		UpdatedAtMs:       f.stamp,
	}
	f.ownerNotes(owner)[req.ID] = rec
	cp := *rec
	return &cp, nil
}

func (f *fakeServer) UpdateNote(ctx context.Context, owner, id string, req UpdateNoteRequest) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if err := f.injectFailure("update"); err != nil {
		return nil, err
	}
	if f.rejectUpserts {
		return nil, &RejectedError{EntityID: id, StatusCode: 422, Code: "validation_failed", Message: "rejected"}
	}

	rec, ok := f.ownerNotes(owner)[id]
	if !ok {
		return nil, &RejectedError{EntityID: id, StatusCode: 404, Code: "not_found", Message: "note not found"}
	}
	if rec.Deleted() {
		cp := *rec
		return nil, &ConflictError{EntityID: id, ServerSnapshot: &cp, Message: "note is deleted"}
	}
	if rec.ClientUpdatedAtMs > req.ClientUpdatedAtMs {
		cp := *rec
		return nil, &ConflictError{EntityID: id, ServerSnapshot: &cp, Message: "concurrent update detected"}
	}

	if req.Title != nil {
		rec.Title = *req.Title
	}
	if req.Body != nil {
		rec.Body = *req.Body
	}
	if req.Tags != nil {
		rec.Tags = CanonicalTags(*req.Tags)
	}
	rec.ClientUpdatedAtMs = req.ClientUpdatedAtMs
	rec.UpdatedAt = time.Now().UTC()
	f.stamp++
	rec.UpdatedAtMs = f.stamp

	cp := *rec
	return &cp, nil
}

func (f *fakeServer) DeleteNote(ctx context.Context, owner, id string, clientUpdatedAtMs int64) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injectFailure("delete"); err != nil {
		return nil, err
	}

	rec, ok := f.ownerNotes(owner)[id]
	if !ok {
		return nil, &RejectedError{EntityID: id, StatusCode: 404, Code: "not_found", Message: "note not found"}
	}
	if rec.Deleted() {
		cp := *rec
		return &cp, nil
	}
	if rec.ClientUpdatedAtMs > clientUpdatedAtMs {
		cp := *rec
		return nil, &ConflictError{EntityID: id, ServerSnapshot: &cp, Message: "concurrent update detected"}
	}

	now := time.Now().UTC()
	rec.DeletedAt = &now
	rec.ClientUpdatedAtMs = clientUpdatedAtMs
	f.stamp++
	rec.UpdatedAtMs = f.stamp

	cp := *rec
	return &cp, nil
}

func (f *fakeServer) RestoreNote(ctx context.Context, owner, id string, clientUpdatedAtMs int64) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injectFailure("restore"); err != nil {
		return nil, err
	}

	rec, ok := f.ownerNotes(owner)[id]
	if !ok {
		return nil, &RejectedError{EntityID: id, StatusCode: 404, Code: "not_found", Message: "note not found"}
	}
	if !rec.Deleted() {
		cp := *rec
		return &cp, nil
	}
	if rec.ClientUpdatedAtMs > clientUpdatedAtMs {
		cp := *rec
		return nil, &ConflictError{EntityID: id, ServerSnapshot: &cp, Message: "concurrent update detected"}
	}

	rec.DeletedAt = nil
	rec.ClientUpdatedAtMs = clientUpdatedAtMs
	f.stamp++
	rec.UpdatedAtMs = f.stamp

	cp := *rec
	return &cp, nil
}

func newTestEngine(t *testing.T, api ServerAPI) (*Engine, *Store) {
	t.Helper()
	store := newTestStore(t)
	engine := NewEngine(store, api, nil, WithRetryPolicy(2, time.Millisecond))
	t.Cleanup(engine.Close)
	return engine, store
}

func queueLocalWrite(t *testing.T, store *Store, owner, id, body string, clock int64) *OutboxEntry {
	t.Helper()
	rec := Record{ID: id, Body: body, ClientUpdatedAtMs: clock}
	entry := &OutboxEntry{
		Owner:             owner,
		Op:                OpUpsert,
		EntityID:          id,
		ClientUpdatedAtMs: clock,
		Data:              rec,
	}
	row := &CachedRecordRow{
		Owner:            owner,
		Record:           rec,
		LocalUpdatedAtMs: time.Now().UnixMilli(),
		LocalStatus:      StatusQueued,
	}
	if _, err := store.EnqueueWrite(row, entry); err != nil {
		t.Fatalf("EnqueueWrite failed: %v", err)
	}
	return entry
}

// TestReconcile_OfflineCreateThenDrain verifies the full offline-write path:
// the queued note reaches the server and the cached row becomes clean.
func TestReconcile_OfflineCreateThenDrain(t *testing.T) {
	api := newFakeServer()
	engine, store := newTestEngine(t, api)

	queueLocalWrite(t, store, "alice", "n1", "written offline", 100)

	result, err := engine.Reconcile(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if result.Sent != 1 {
		t.Errorf("expected 1 sent, got %d", result.Sent)
	}

	if remote := api.get("alice", "n1"); remote == nil || remote.Body != "written offline" {
		t.Errorf("note did not reach server: %+v", remote)
	}
	row, err := store.GetRecord("alice", "n1")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if row.LocalStatus != StatusClean {
		t.Errorf("expected clean after drain, got %s", row.LocalStatus)
	}
	if n, _ := store.PendingCount("alice"); n != 0 {
		t.Errorf("expected empty outbox, got %d", n)
	}
}

// TestReconcile_PullAppliesServerChanges verifies a pull populates the cache
// and advances the cursor to the newest change stamp seen.
func TestReconcile_PullAppliesServerChanges(t *testing.T) {
	api := newFakeServer()
	api.seed("alice", Record{ID: "n1", Body: "one", ClientUpdatedAtMs: 10})
	api.seed("alice", Record{ID: "n2", Body: "two", ClientUpdatedAtMs: 20})
	engine, store := newTestEngine(t, api)

	result, err := engine.Reconcile(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if result.Pulled != 2 || result.Applied != 2 {
		t.Errorf("expected 2 pulled+applied, got %+v", result)
	}

	row, err := store.GetRecord("alice", "n2")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if row.Record.Body != "two" || row.LocalStatus != StatusClean {
		t.Errorf("unexpected row: %+v", row)
	}

	cursor, _ := store.Cursor("alice")
	if cursor != result.Cursor || cursor == 0 {
		t.Errorf("cursor not advanced: stored %d, result %d", cursor, result.Cursor)
	}
}

// TestReconcile_PullIsIdempotent verifies re-applying an already-applied page
// leaves the cache unchanged.
func TestReconcile_PullIsIdempotent(t *testing.T) {
	api := newFakeServer()
	api.seed("alice", Record{ID: "n1", Body: "one", ClientUpdatedAtMs: 10})
	engine, store := newTestEngine(t, api)

	if _, err := engine.Reconcile(context.Background(), "alice"); err != nil {
		t.Fatalf("first Reconcile failed: %v", err)
	}
	before, _ := store.GetRecord("alice", "n1")

	// Force a replay by rewinding the watermark.
	if _, err := store.db.Exec("UPDATE sync_cursors SET cursor = 0 WHERE owner = 'alice'"); err != nil {
		t.Fatalf("rewind failed: %v", err)
	}
	if _, err := engine.Reconcile(context.Background(), "alice"); err != nil {
		t.Fatalf("second Reconcile failed: %v", err)
	}

	after, _ := store.GetRecord("alice", "n1")
	if after.Record.Body != before.Record.Body || after.Record.UpdatedAtMs != before.Record.UpdatedAtMs {
		t.Errorf("replay changed the row: before %+v, after %+v", before.Record, after.Record)
	}
	if rows, _ := store.ListRecords("alice"); len(rows) != 1 {
		t.Errorf("replay duplicated rows: %d", len(rows))
	}
}

// TestReconcile_PullDefersQueuedEntities verifies a remote change never
// clobbers a row with pending local edits.
func TestReconcile_PullDefersQueuedEntities(t *testing.T) {
	api := newFakeServer()
	engine, store := newTestEngine(t, api)

	// Local queued edit and a remote change for the same note. The remote
	// clock is higher, but the local optimistic state must stay visible.
	queueLocalWrite(t, store, "alice", "n1", "local edit", 100)
	api.seed("alice", Record{ID: "n1", Body: "remote edit", ClientUpdatedAtMs: 500})
	api.rejectUpserts = true // keep the entry queued through this cycle

	result, _ := engine.Reconcile(context.Background(), "alice")
	if result.Deferred != 1 {
		t.Errorf("expected 1 deferred, got %+v", result)
	}
}

// TestReconcile_PullAppliesTombstones verifies remote deletes tombstone clean
// local rows.
func TestReconcile_PullAppliesTombstones(t *testing.T) {
	api := newFakeServer()
	engine, store := newTestEngine(t, api)

	api.seed("alice", Record{ID: "n1", Body: "doomed", ClientUpdatedAtMs: 10})
	if _, err := engine.Reconcile(context.Background(), "alice"); err != nil {
		t.Fatalf("first Reconcile failed: %v", err)
	}

	now := time.Now().UTC()
	api.seed("alice", Record{ID: "n1", Body: "doomed", ClientUpdatedAtMs: 20, DeletedAt: &now})
	if _, err := engine.Reconcile(context.Background(), "alice"); err != nil {
		t.Fatalf("second Reconcile failed: %v", err)
	}

	row, err := store.GetRecord("alice", "n1")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if !row.Record.Deleted() {
		t.Error("expected tombstone after remote delete")
	}
}

// TestReconcile_ConflictRetainsBothSnapshots verifies a 409 with differing
// content blocks the entry and keeps both versions on the row.
func TestReconcile_ConflictRetainsBothSnapshots(t *testing.T) {
	api := newFakeServer()
	engine, store := newTestEngine(t, api)

	api.seed("alice", Record{ID: "n1", Body: "server body", ClientUpdatedAtMs: 150})
	queueLocalWrite(t, store, "alice", "n1", "local body", 100)
	api.rejectUpserts = false

	result, err := engine.Reconcile(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if result.Blocked != 1 {
		t.Errorf("expected 1 blocked, got %+v", result)
	}

	row, err := store.GetRecord("alice", "n1")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if row.LocalStatus != StatusConflict {
		t.Errorf("expected conflict status, got %s", row.LocalStatus)
	}
	if row.ServerSnapshot == nil || row.ServerSnapshot.Body != "server body" {
		t.Errorf("server snapshot wrong: %+v", row.ServerSnapshot)
	}
	if row.LocalSnapshot == nil || row.LocalSnapshot.Body != "local body" {
		t.Errorf("local snapshot wrong: %+v", row.LocalSnapshot)
	}

	blocked, _ := store.ListBlocked("alice")
	if len(blocked) != 1 {
		t.Fatalf("expected 1 blocked entry, got %d", len(blocked))
	}
}

// TestReconcile_CausallyNewerLocalWins verifies a local edit with a higher
// logical clock overwrites the server's version after a 409.
func TestReconcile_CausallyNewerLocalWins(t *testing.T) {
	api := newFakeServer()
	engine, store := newTestEngine(t, api)

	api.seed("alice", Record{ID: "n1", Body: "server body", ClientUpdatedAtMs: 150})
	queueLocalWrite(t, store, "alice", "n1", "local body", 200)

	result, err := engine.Reconcile(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if result.Blocked != 0 || result.Sent != 1 {
		t.Errorf("expected clean overwrite, got %+v", result)
	}

	if remote := api.get("alice", "n1"); remote.Body != "local body" {
		t.Errorf("server kept stale body %q", remote.Body)
	}
	row, _ := store.GetRecord("alice", "n1")
	if row.LocalStatus != StatusClean {
		t.Errorf("expected clean, got %s", row.LocalStatus)
	}
}

// TestReconcile_IdempotentReplayDropsEntry verifies a 409 whose server state
// already equals the local payload is treated as a confirmed send.
func TestReconcile_IdempotentReplayDropsEntry(t *testing.T) {
	api := newFakeServer()
	engine, store := newTestEngine(t, api)

	api.seed("alice", Record{ID: "n1", Body: "same body", ClientUpdatedAtMs: 150})
	queueLocalWrite(t, store, "alice", "n1", "same body", 100)

	result, err := engine.Reconcile(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if result.Blocked != 0 {
		t.Errorf("expected no blocks, got %+v", result)
	}
	if n, _ := store.PendingCount("alice"); n != 0 {
		t.Errorf("expected drained outbox, got %d", n)
	}
	row, _ := store.GetRecord("alice", "n1")
	if row.LocalStatus != StatusClean {
		t.Errorf("expected clean, got %s", row.LocalStatus)
	}
}

// TestReconcile_TransientFailureKeepsEntryPending verifies a network failure
// aborts the cycle with the entry still pending, then a later cycle resumes.
func TestReconcile_TransientFailureKeepsEntryPending(t *testing.T) {
	api := newFakeServer()
	engine, store := newTestEngine(t, api)

	queueLocalWrite(t, store, "alice", "n1", "body", 100)
	api.failNext(10) // exhaust the retry budget

	if _, err := engine.Reconcile(context.Background(), "alice"); !IsTransient(err) {
		t.Fatalf("expected transient failure, got %v", err)
	}
	if n, _ := store.PendingCount("alice"); n != 1 {
		t.Errorf("entry must stay pending, got %d", n)
	}

	api.failNext(0)
	result, err := engine.Reconcile(context.Background(), "alice")
	if err != nil {
		t.Fatalf("resumed Reconcile failed: %v", err)
	}
	if result.Sent != 1 {
		t.Errorf("expected resumed send, got %+v", result)
	}
}

// TestReconcile_RetriesTransientWithinBudget verifies a short outage is
// absorbed by the in-cycle retry.
func TestReconcile_RetriesTransientWithinBudget(t *testing.T) {
	api := newFakeServer()
	engine, store := newTestEngine(t, api)

	queueLocalWrite(t, store, "alice", "n1", "body", 100)
	api.failNext(1)

	result, err := engine.Reconcile(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if result.Sent != 1 {
		t.Errorf("expected send after retry, got %+v", result)
	}
}

// TestReconcile_PermanentRejectionBlocksEntry verifies a validation rejection
// parks the entry without retrying.
func TestReconcile_PermanentRejectionBlocksEntry(t *testing.T) {
	api := newFakeServer()
	engine, store := newTestEngine(t, api)

	queueLocalWrite(t, store, "alice", "n1", "body", 100)
	api.rejectUpserts = true

	result, err := engine.Reconcile(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if result.Blocked != 1 {
		t.Errorf("expected 1 blocked, got %+v", result)
	}
	blocked, _ := store.ListBlocked("alice")
	if len(blocked) != 1 || blocked[0].LastError == "" {
		t.Errorf("expected blocked entry with diagnostic: %+v", blocked)
	}
}

// TestReconcile_PerEntityOrderPreserved verifies two queued edits to one note
// arrive in FIFO order.
func TestReconcile_PerEntityOrderPreserved(t *testing.T) {
	api := newFakeServer()
	engine, store := newTestEngine(t, api)

	queueLocalWrite(t, store, "alice", "n1", "first", 100)
	queueLocalWrite(t, store, "alice", "n1", "second", 200)

	result, err := engine.Reconcile(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if result.Sent != 2 {
		t.Errorf("expected 2 sent, got %+v", result)
	}
	if remote := api.get("alice", "n1"); remote.Body != "second" {
		t.Errorf("last write must win on server, got %q", remote.Body)
	}
	row, _ := store.GetRecord("alice", "n1")
	if row.Record.Body != "second" || row.LocalStatus != StatusClean {
		t.Errorf("unexpected final row: %+v", row)
	}
}

// TestReconcile_DeleteFlowsThrough verifies a queued delete tombstones the
// server copy.
func TestReconcile_DeleteFlowsThrough(t *testing.T) {
	api := newFakeServer()
	engine, store := newTestEngine(t, api)

	api.seed("alice", Record{ID: "n1", Body: "body", ClientUpdatedAtMs: 100})

	now := time.Now().UTC()
	rec := Record{ID: "n1", Body: "body", ClientUpdatedAtMs: 200, DeletedAt: &now}
	row := &CachedRecordRow{Owner: "alice", Record: rec, LocalUpdatedAtMs: now.UnixMilli(), LocalStatus: StatusQueued}
	entry := &OutboxEntry{Owner: "alice", Op: OpDelete, EntityID: "n1", ClientUpdatedAtMs: 200, Data: rec}
	if _, err := store.EnqueueWrite(row, entry); err != nil {
		t.Fatalf("EnqueueWrite failed: %v", err)
	}

	if _, err := engine.Reconcile(context.Background(), "alice"); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if remote := api.get("alice", "n1"); !remote.Deleted() {
		t.Errorf("server copy not tombstoned: %+v", remote)
	}
}

// TestReconcile_DeleteOfUnknownNoteSucceeds verifies deleting a note the
// server never saw is a satisfied intent, not an error.
func TestReconcile_DeleteOfUnknownNoteSucceeds(t *testing.T) {
	api := newFakeServer()
	engine, store := newTestEngine(t, api)

	now := time.Now().UTC()
	rec := Record{ID: "ghost", Body: "never synced", ClientUpdatedAtMs: 100, DeletedAt: &now}
	entry := &OutboxEntry{Owner: "alice", Op: OpDelete, EntityID: "ghost", ClientUpdatedAtMs: 100, Data: rec}
	row := &CachedRecordRow{Owner: "alice", Record: rec, LocalUpdatedAtMs: now.UnixMilli(), LocalStatus: StatusQueued}
	if _, err := store.EnqueueWrite(row, entry); err != nil {
		t.Fatalf("EnqueueWrite failed: %v", err)
	}

	result, err := engine.Reconcile(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if result.Blocked != 0 || result.Sent != 1 {
		t.Errorf("expected satisfied delete, got %+v", result)
	}
}

// TestReconcile_OverwriteRestoresServerTombstone verifies a causally newer
// local edit resurrects a note the server had deleted.
func TestReconcile_OverwriteRestoresServerTombstone(t *testing.T) {
	api := newFakeServer()
	engine, store := newTestEngine(t, api)

	now := time.Now().UTC()
	api.seed("alice", Record{ID: "n1", Body: "body", ClientUpdatedAtMs: 150, DeletedAt: &now})
	queueLocalWrite(t, store, "alice", "n1", "edited after delete", 200)

	result, err := engine.Reconcile(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if result.Sent != 1 || result.Blocked != 0 {
		t.Errorf("expected restore+update, got %+v", result)
	}
	remote := api.get("alice", "n1")
	if remote.Deleted() || remote.Body != "edited after delete" {
		t.Errorf("server state wrong after restore: %+v", remote)
	}
}

// TestReconcile_ConcurrentCallCoalesces verifies a second trigger during a
// running cycle returns ErrSyncInProgress.
func TestReconcile_ConcurrentCallCoalesces(t *testing.T) {
	engine, _ := newTestEngine(t, newFakeServer())

	if !engine.begin("alice") {
		t.Fatal("begin should claim the owner")
	}
	if _, err := engine.Reconcile(context.Background(), "alice"); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("expected ErrSyncInProgress, got %v", err)
	}
	engine.end("alice")

	if !engine.consumeRerun("alice") {
		t.Error("the coalesced trigger must request a rerun")
	}
}

// TestReconcile_Offline verifies the engine refuses to run without a server.
func TestReconcile_Offline(t *testing.T) {
	store := newTestStore(t)
	engine := NewEngine(store, nil, nil)
	defer engine.Close()

	if _, err := engine.Reconcile(context.Background(), "alice"); !errors.Is(err, ErrOffline) {
		t.Errorf("expected ErrOffline, got %v", err)
	}
}

// TestReconcile_CancellationStopsBetweenEntries verifies a canceled context
// aborts the drain with remaining entries intact.
func TestReconcile_CancellationStopsBetweenEntries(t *testing.T) {
	api := newFakeServer()
	engine, store := newTestEngine(t, api)

	queueLocalWrite(t, store, "alice", "n1", "body", 100)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := engine.Reconcile(ctx, "alice"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if n, _ := store.PendingCount("alice"); n != 1 {
		t.Errorf("entry must survive cancellation, got %d", n)
	}
}

// TestEngine_EventsPublished verifies the event stream carries record,
// cursor and blocked notifications.
func TestEngine_EventsPublished(t *testing.T) {
	api := newFakeServer()
	engine, store := newTestEngine(t, api)

	events, cancelSub := engine.Subscribe(64)
	defer cancelSub()

	api.seed("alice", Record{ID: "n1", Body: "server", ClientUpdatedAtMs: 150})
	queueLocalWrite(t, store, "alice", "n2", "local", 100)

	if _, err := engine.Reconcile(context.Background(), "alice"); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	seen := make(map[EventType]bool)
	for {
		select {
		case ev := <-events:
			seen[ev.Type] = true
		default:
			if !seen[EventRecordUpdated] || !seen[EventCursorAdvanced] {
				t.Errorf("missing events: %v", seen)
			}
			return
		}
	}
}

// TestEngine_DegradedEventListsBlockedEntities verifies the degraded signal
// names the entities awaiting resolution.
func TestEngine_DegradedEventListsBlockedEntities(t *testing.T) {
	api := newFakeServer()
	engine, store := newTestEngine(t, api)

	events, cancelSub := engine.Subscribe(64)
	defer cancelSub()

	api.seed("alice", Record{ID: "n1", Body: "server body", ClientUpdatedAtMs: 150})
	queueLocalWrite(t, store, "alice", "n1", "local body", 100)

	if _, err := engine.Reconcile(context.Background(), "alice"); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	var degraded *Event
	for {
		var done bool
		select {
		case ev := <-events:
			if ev.Type == EventSyncDegraded {
				degraded = &ev
			}
		default:
			done = true
		}
		if done {
			break
		}
	}
	if degraded == nil {
		t.Fatal("expected sync_degraded event")
	}
	if len(degraded.BlockedEntities) != 1 || degraded.BlockedEntities[0] != "n1" {
		t.Errorf("wrong blocked entities: %v", degraded.BlockedEntities)
	}
}

// TestEngine_PaginatedPull verifies multi-page pulls advance the cursor per
// page and apply everything.
func TestEngine_PaginatedPull(t *testing.T) {
	api := newFakeServer()
	store := newTestStore(t)
	engine := NewEngine(store, api, nil, WithPageSize(2))
	defer engine.Close()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		api.seed("alice", Record{ID: id, Body: "body " + id, ClientUpdatedAtMs: 10})
	}

	result, err := engine.Reconcile(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if result.Pulled != 5 || result.Applied != 5 {
		t.Errorf("expected 5 pulled+applied, got %+v", result)
	}
	if api.listCalls < 3 {
		t.Errorf("expected at least 3 pages, got %d list calls", api.listCalls)
	}
	rows, _ := store.ListRecords("alice")
	if len(rows) != 5 {
		t.Errorf("expected 5 cached rows, got %d", len(rows))
	}
}
