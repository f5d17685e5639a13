package notesync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Client is the main interface for reading and writing notes. Local writes
// succeed immediately: they update the cache optimistically and queue an
// outbox entry; the reconciliation engine settles them with the server later.
type Client struct {
	store  *Store
	engine *Engine
	api    ServerAPI
	config Config
	logger *slog.Logger

	mu       sync.Mutex
	closed   bool
	stopSync chan struct{}
	syncDone chan struct{}
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithServer wires the remote API implementation (see internal/transport).
// Without it the client is offline-only.
func WithServer(api ServerAPI) ClientOption {
	return func(c *Client) { c.api = api }
}

// WithLogger sets the structured logger used by the client and engine.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// New creates a notesync client.
func New(cfg Config, opts ...ClientOption) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	c := &Client{
		store:    store,
		config:   cfg,
		stopSync: make(chan struct{}),
		syncDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}

	c.engine = NewEngine(store, c.api, c.logger, WithPageSize(cfg.PageSize))

	if c.api != nil && cfg.AutoSync {
		go c.backgroundSync()
	} else {
		close(c.syncDone)
	}

	return c, nil
}

// NoteDraft is the content of a new note.
type NoteDraft struct {
	ID    string   `json:"id,omitempty"`
	Title string   `json:"title,omitempty"`
	Body  string   `json:"body"`
	Tags  []string `json:"tags,omitempty"`
}

// NoteUpdate is a partial edit; nil fields are left unchanged.
type NoteUpdate struct {
	Title *string   `json:"title,omitempty"`
	Body  *string   `json:"body,omitempty"`
	Tags  *[]string `json:"tags,omitempty"`
}

// Owner returns the logical owner key this client operates as.
func (c *Client) Owner() string { return c.config.Owner }

// Store exposes the underlying cache for read-only snapshot access.
// All mutation must go through the client or the engine.
func (c *Client) Store() *Store { return c.store }

// CreateNote writes a new note locally and queues it for the server.
func (c *Client) CreateNote(ctx context.Context, draft NoteDraft) (*Record, error) {
	if err := validateContent(draft.Title, draft.Body, draft.Tags); err != nil {
		return nil, err
	}

	id := draft.ID
	if id == "" {
		id = ulid.Make().String()
	}

	now := time.Now().UTC()
	rec := Record{
		ID:                id,
		Title:             draft.Title,
		Body:              draft.Body,
		Tags:              CanonicalTags(draft.Tags),
		ClientUpdatedAtMs: now.UnixMilli(),
	}

	if err := c.enqueueUpsert(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpdateNote edits a cached note locally and queues the edit.
func (c *Client) UpdateNote(ctx context.Context, id string, update NoteUpdate) (*Record, error) {
	row, err := c.store.GetRecord(c.config.Owner, id)
	if err != nil {
		return nil, err
	}
	if row.Record.Deleted() {
		return nil, ErrNotFound
	}

	rec := row.Record
	if update.Title != nil {
		rec.Title = *update.Title
	}
	if update.Body != nil {
		rec.Body = *update.Body
	}
	if update.Tags != nil {
		rec.Tags = CanonicalTags(*update.Tags)
	}
	if err := validateContent(rec.Title, rec.Body, rec.Tags); err != nil {
		return nil, err
	}
	rec.ClientUpdatedAtMs = nextClock(row.Record.ClientUpdatedAtMs)

	if err := c.enqueueUpsertOver(row, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteNote tombstones a note locally and queues the delete. The tombstone
// is retained so an out-of-order pull cannot resurrect the note.
func (c *Client) DeleteNote(ctx context.Context, id string) error {
	row, err := c.store.GetRecord(c.config.Owner, id)
	if err != nil {
		return err
	}
	if row.Record.Deleted() {
		return nil
	}

	now := time.Now().UTC()
	rec := row.Record
	rec.DeletedAt = &now
	rec.ClientUpdatedAtMs = nextClock(row.Record.ClientUpdatedAtMs)

	entry := &OutboxEntry{
		Owner:             c.config.Owner,
		Op:                OpDelete,
		EntityID:          rec.ID,
		ClientUpdatedAtMs: rec.ClientUpdatedAtMs,
		Data:              rec,
	}
	newRow := c.queuedRow(row, &rec)
	if _, err := c.store.EnqueueWrite(newRow, entry); err != nil {
		return err
	}
	return nil
}

// RestoreNote clears a local tombstone and queues the restore as an upsert.
func (c *Client) RestoreNote(ctx context.Context, id string) (*Record, error) {
	row, err := c.store.GetRecord(c.config.Owner, id)
	if err != nil {
		return nil, err
	}
	if !row.Record.Deleted() {
		return &row.Record, nil
	}

	rec := row.Record
	rec.DeletedAt = nil
	rec.ClientUpdatedAtMs = nextClock(row.Record.ClientUpdatedAtMs)

	if err := c.enqueueUpsertOver(row, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetNote returns the cached row for a note, tombstones included.
func (c *Client) GetNote(id string) (*CachedRecordRow, error) {
	return c.store.GetRecord(c.config.Owner, id)
}

// ListNotes returns the owner's cached rows. Tombstones are filtered out
// unless includeDeleted is set. Order is unspecified.
func (c *Client) ListNotes(includeDeleted bool) ([]CachedRecordRow, error) {
	rows, err := c.store.ListRecords(c.config.Owner)
	if err != nil {
		return nil, err
	}
	if includeDeleted {
		return rows, nil
	}
	out := rows[:0]
	for _, row := range rows {
		if !row.Record.Deleted() {
			out = append(out, row)
		}
	}
	return out, nil
}

// Conflicts lists blocked outbox entries awaiting explicit resolution,
// oldest first. Presentation layers decide how to queue them at the user.
func (c *Client) Conflicts() ([]OutboxEntry, error) {
	return c.store.ListBlocked(c.config.Owner)
}

// ResolveConflict applies an explicit resolution to a blocked entry.
func (c *Client) ResolveConflict(entryID int64, resolution Resolution) error {
	return c.store.ResolveBlocked(entryID, resolution)
}

// Sync runs one reconciliation cycle against the server.
func (c *Client) Sync(ctx context.Context) (*SyncResult, error) {
	if c.api == nil {
		return nil, ErrOffline
	}
	return c.engine.Reconcile(ctx, c.config.Owner)
}

// Subscribe returns a bounded channel of engine events and a cancel func.
func (c *Client) Subscribe(buffer int) (<-chan Event, func()) {
	return c.engine.Subscribe(buffer)
}

// Stats returns cache statistics for this owner.
func (c *Client) Stats() (*StoreStats, error) {
	return c.store.Stats(c.config.Owner)
}

// PendingCount returns the number of mutations awaiting sync.
func (c *Client) PendingCount() (int, error) {
	return c.store.PendingCount(c.config.Owner)
}

// Reset drops all local state for this owner: cache, outbox and cursor.
func (c *Client) Reset() error {
	return c.store.ResetCache(c.config.Owner)
}

// HealthCheck reports store and server health.
func (c *Client) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{Healthy: true, StoreOK: true}

	if _, err := c.store.Stats(c.config.Owner); err != nil {
		status.StoreOK = false
		status.Healthy = false
		status.Error = err.Error()
		return status
	}

	if c.api != nil {
		err := c.api.Ping(ctx)
		status.ServerReachable = err == nil
		if err != nil {
			status.Error = err.Error()
		}
	}
	return status
}

// Close stops the background loop and closes the store. A final reconcile is
// attempted so a clean shutdown leaves nothing pending when the server is
// reachable.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	close(c.stopSync)
	select {
	case <-c.syncDone:
	case <-time.After(5 * time.Second):
	}

	if c.api != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if _, err := c.engine.Reconcile(ctx, c.config.Owner); err != nil {
			c.logger.Debug("final reconcile on close failed", "error", err)
		}
		cancel()
	}

	c.engine.Close()
	return c.store.Close()
}

func (c *Client) backgroundSync() {
	defer close(c.syncDone)

	ticker := time.NewTicker(c.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopSync:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			if _, err := c.engine.Reconcile(ctx, c.config.Owner); err != nil && err != ErrSyncInProgress {
				c.logger.Warn("background sync failed", "error", err)
			}
			cancel()
		}
	}
}

func (c *Client) enqueueUpsert(rec *Record) error {
	entry := &OutboxEntry{
		Owner:             c.config.Owner,
		Op:                OpUpsert,
		EntityID:          rec.ID,
		ClientUpdatedAtMs: rec.ClientUpdatedAtMs,
		Data:              *rec,
	}
	row := &CachedRecordRow{
		Owner:            c.config.Owner,
		Record:           *rec,
		LocalUpdatedAtMs: time.Now().UnixMilli(),
		LocalStatus:      StatusQueued,
	}
	_, err := c.store.EnqueueWrite(row, entry)
	return err
}

func (c *Client) enqueueUpsertOver(prev *CachedRecordRow, rec *Record) error {
	entry := &OutboxEntry{
		Owner:             c.config.Owner,
		Op:                OpUpsert,
		EntityID:          rec.ID,
		ClientUpdatedAtMs: rec.ClientUpdatedAtMs,
		Data:              *rec,
	}
	_, err := c.store.EnqueueWrite(c.queuedRow(prev, rec), entry)
	return err
}

// queuedRow builds the optimistic row for a local write. Editing a conflicted
// note keeps the conflict flag and refreshes the local snapshot; nothing is
// discarded until the user resolves it.
func (c *Client) queuedRow(prev *CachedRecordRow, rec *Record) *CachedRecordRow {
	row := &CachedRecordRow{
		Owner:            c.config.Owner,
		Record:           *rec,
		LocalUpdatedAtMs: time.Now().UnixMilli(),
		LocalStatus:      StatusQueued,
	}
	if prev != nil && prev.LocalStatus == StatusConflict {
		row.LocalStatus = StatusConflict
		row.ServerSnapshot = prev.ServerSnapshot
		row.LocalSnapshot = rec
	}
	return row
}

// nextClock produces the next logical timestamp for a record: wall clock,
// bumped past the previous claim so the per-record clock never stalls or
// regresses even under clock skew.
func nextClock(prev int64) int64 {
	now := time.Now().UnixMilli()
	if now <= prev {
		return prev + 1
	}
	return now
}

func validateContent(title, body string, tags []string) error {
	if body == "" {
		return ErrEmptyBody
	}
	if len(title) > MaxTitleLength {
		return ErrTitleTooLong
	}
	if len(body) > MaxBodyLength {
		return ErrBodyTooLong
	}
	if len(tags) > MaxTags {
		return ErrTooManyTags
	}
	return nil
}
