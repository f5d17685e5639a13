package notesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// Engine reconciles the local cache with the server: it pulls server changes
// since the sync cursor, defers entities with pending local edits, drains the
// outbox in per-entity FIFO order and routes rejections through the conflict
// resolver. The engine is the only writer of the store; presentation layers
// read snapshots and subscribe to events.
type Engine struct {
	store  *Store
	api    ServerAPI
	logger *slog.Logger
	bus    *eventBus

	pageSize    int
	maxAttempts uint64
	retryBase   time.Duration

	mu     sync.Mutex
	owners map[string]*ownerState
}

// ownerState serializes reconciliation per owner. A trigger arriving while a
// cycle runs is coalesced into one rerun instead of interleaving.
type ownerState struct {
	running bool
	rerun   bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithPageSize sets the pull page size.
func WithPageSize(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// WithRetryPolicy sets the transient-error retry budget and base backoff.
func WithRetryPolicy(attempts uint64, base time.Duration) EngineOption {
	return func(e *Engine) {
		e.maxAttempts = attempts
		if base > 0 {
			e.retryBase = base
		}
	}
}

// NewEngine creates a reconciliation engine over the given store and server.
func NewEngine(store *Store, api ServerAPI, logger *slog.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	e := &Engine{
		store:       store,
		api:         api,
		logger:      logger,
		bus:         newEventBus(),
		pageSize:    100,
		maxAttempts: 4,
		retryBase:   500 * time.Millisecond,
		owners:      make(map[string]*ownerState),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Subscribe returns a bounded event channel and a cancel function. Events are
// dropped for a subscriber whose queue is full; consumers resynchronize from
// the store.
func (e *Engine) Subscribe(buffer int) (<-chan Event, func()) {
	return e.bus.subscribe(buffer)
}

// Close releases the engine's event subscribers. The store is owned by the
// caller and is not closed.
func (e *Engine) Close() {
	e.bus.close()
}

// Reconcile runs one reconciliation cycle for the owner: pull, then drain.
// Transient failures abort the cycle at an entry/page boundary and are
// retried with backoff; the cycle resumes exactly where it stopped because
// all progress is durable.
//
// Only one cycle per owner runs at a time. A concurrent call returns
// ErrSyncInProgress after flagging the running cycle to go again.
func (e *Engine) Reconcile(ctx context.Context, owner string) (*SyncResult, error) {
	if e.api == nil {
		return nil, ErrOffline
	}
	if !e.begin(owner) {
		return nil, ErrSyncInProgress
	}
	defer e.end(owner)

	result := &SyncResult{}
	start := time.Now()

	for {
		backoff := retry.WithMaxRetries(e.maxAttempts, retry.NewFibonacci(e.retryBase))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			if err := e.runCycle(ctx, owner, result); err != nil {
				if IsTransient(err) {
					e.logger.Warn("reconciliation interrupted, will retry",
						"owner", owner, "error", err)
					return retry.RetryableError(err)
				}
				return err
			}
			return nil
		})
		result.Duration = time.Since(start)
		if err != nil {
			e.degraded(owner, err)
			return result, err
		}
		if !e.consumeRerun(owner) {
			break
		}
	}

	if result.Blocked > 0 {
		e.degraded(owner, nil)
	}
	return result, nil
}

func (e *Engine) runCycle(ctx context.Context, owner string, result *SyncResult) error {
	if err := e.pull(ctx, owner, result); err != nil {
		return fmt.Errorf("pull: %w", err)
	}
	if err := e.drain(ctx, owner, result); err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	if err := e.store.SetMetadata("last_sync_"+owner, fmt.Sprintf("%d", time.Now().UnixMilli())); err != nil {
		e.logger.Warn("failed to record last sync time", "owner", owner, "error", err)
	}
	return nil
}

// pull walks the server change stream from the sync cursor, applying each
// page durably before advancing the watermark. Cancellation is honored at
// page boundaries only.
func (e *Engine) pull(ctx context.Context, owner string, result *SyncResult) error {
	cursor, err := e.store.Cursor(owner)
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := e.api.ListNotes(ctx, owner, ListQuery{
			Limit:          e.pageSize,
			IncludeDeleted: true,
			UpdatedSince:   cursor,
		})
		if err != nil {
			return err
		}
		if len(page.Items) == 0 {
			break
		}

		maxSeen := cursor
		for i := range page.Items {
			remote := &page.Items[i]
			result.Pulled++

			applied, err := e.applyRemote(owner, remote)
			if err != nil {
				return err
			}
			if applied {
				result.Applied++
			} else {
				result.Deferred++
			}
			if remote.UpdatedAtMs > maxSeen {
				maxSeen = remote.UpdatedAtMs
			}
		}

		// The page is durable; only now may the watermark move.
		if maxSeen > cursor {
			if err := e.store.AdvanceCursor(owner, maxSeen); err != nil {
				if errors.Is(err, ErrOutOfOrderCursor) {
					e.logger.Error("cursor regression detected, aborting cycle",
						"owner", owner, "cursor", maxSeen, "error", err)
				}
				return err
			}
			cursor = maxSeen
			result.Cursor = cursor
			e.bus.publish(Event{Type: EventCursorAdvanced, Owner: owner, Cursor: cursor})
		}

		if len(page.Items) < e.pageSize {
			break
		}
	}

	result.Cursor = cursor
	return nil
}

// applyRemote merges one server-side record into the cache. Returns false
// when the record was deferred because local edits are pending for it.
func (e *Engine) applyRemote(owner string, remote *Record) (bool, error) {
	row, err := e.store.GetRecord(owner, remote.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}

	switch {
	case row == nil, row.LocalStatus == StatusClean:
		// No local divergence: the server is authoritative, tombstones
		// included.
		if err := e.store.PutRecord(&CachedRecordRow{
			Owner:            owner,
			Record:           *remote,
			LocalUpdatedAtMs: time.Now().UnixMilli(),
			LocalStatus:      StatusClean,
		}); err != nil {
			return false, err
		}
		e.bus.publish(Event{Type: EventRecordUpdated, Owner: owner, RecordID: remote.ID})
		return true, nil

	case row.LocalStatus == StatusQueued:
		// A pending outbox entry exists for this entity. The optimistic
		// local state stays visible; the drain phase reconciles when the
		// matching entry is sent.
		return false, nil

	default: // StatusConflict
		// Refresh only the stored server snapshot. Local edits and the
		// conflict flag are untouched until explicit resolution.
		if err := e.store.UpdateServerSnapshot(owner, remote.ID, remote); err != nil && !errors.Is(err, ErrNotFound) {
			return false, err
		}
		return false, nil
	}
}

// drain sends eligible outbox entries oldest-first. A blocked entry fences
// its entity; other entities keep draining. Transient errors abort the cycle
// with the entry still pending. Cancellation is honored between entries.
func (e *Engine) drain(ctx context.Context, owner string, result *SyncResult) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		entry, err := e.store.NextPending(owner)
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}

		canonical, sendErr := e.send(ctx, entry)
		switch {
		case sendErr == nil:
			if err := e.confirm(owner, entry, canonical); err != nil {
				return err
			}
			result.Sent++

		case IsTransient(sendErr):
			return sendErr

		default:
			if ce, ok := AsConflict(sendErr); ok {
				blocked, err := e.resolveConflict(ctx, owner, entry, ce, result)
				if err != nil {
					return err
				}
				if blocked {
					result.Blocked++
				}
				continue
			}
			// Permanent rejection: park the entry, surface it, keep going
			// with other entities.
			e.logger.Warn("outbox entry rejected",
				"owner", owner, "entry", entry.ID, "entity", entry.EntityID, "error", sendErr)
			if err := e.store.MarkBlocked(entry.ID, sendErr.Error()); err != nil {
				return err
			}
			e.bus.publish(Event{
				Type: EventEntryBlocked, Owner: owner,
				RecordID: entry.EntityID, EntryID: entry.ID, Error: sendErr.Error(),
			})
			result.Blocked++
		}
	}
}

// send performs the network call for one entry and returns the server's
// canonical record on success.
func (e *Engine) send(ctx context.Context, entry *OutboxEntry) (*Record, error) {
	switch entry.Op {
	case OpDelete:
		rec, err := e.api.DeleteNote(ctx, entry.Owner, entry.EntityID, entry.ClientUpdatedAtMs)
		if isRemoteMissing(err) {
			// Deleting something the server never saw (or already purged) is
			// a satisfied intent.
			return tombstoneOf(entry), nil
		}
		return rec, err

	case OpUpsert:
		rec, err := e.api.UpdateNote(ctx, entry.Owner, entry.EntityID, updateRequestOf(entry))
		if isRemoteMissing(err) {
			return e.api.CreateNote(ctx, entry.Owner, CreateNoteRequest{
				ID:                entry.EntityID,
				Title:             entry.Data.Title,
				Body:              entry.Data.Body,
				Tags:              CanonicalTags(entry.Data.Tags),
				ClientUpdatedAtMs: entry.ClientUpdatedAtMs,
			})
		}
		return rec, err

	default:
		return nil, fmt.Errorf("%w: entry %d has op %q", ErrStoreCorrupt, entry.ID, entry.Op)
	}
}

// resolveConflict routes a 409 through the resolver. Returns whether the
// entry ended up blocked.
func (e *Engine) resolveConflict(ctx context.Context, owner string, entry *OutboxEntry, ce *ConflictError, result *SyncResult) (bool, error) {
	decision := Resolve(entry, ce.ServerSnapshot)
	e.logger.Debug("conflict decision",
		"owner", owner, "entity", entry.EntityID, "decision", decision.String())

	switch decision {
	case AcceptRemote:
		// Idempotent replay of a previously successful send: drop silently.
		if err := e.store.MarkSent(entry.ID); err != nil {
			return false, err
		}
		return false, e.adoptCanonical(owner, entry.EntityID, ce.ServerSnapshot)

	case OverwriteWithLocal:
		canonical, err := e.overwrite(ctx, entry, ce.ServerSnapshot)
		if err != nil {
			if IsTransient(err) {
				return false, err
			}
			// The server moved again underneath us; surface it as a real
			// conflict rather than looping.
			return true, e.flagConflict(owner, entry, ce)
		}
		if err := e.confirm(owner, entry, canonical); err != nil {
			return false, err
		}
		result.Sent++
		return false, nil

	default: // FlagConflict
		return true, e.flagConflict(owner, entry, ce)
	}
}

// overwrite re-sends a causally newer local mutation over the server's
// current state, restoring the note first when the server holds a tombstone.
func (e *Engine) overwrite(ctx context.Context, entry *OutboxEntry, server *Record) (*Record, error) {
	if entry.Op == OpDelete {
		return e.api.DeleteNote(ctx, entry.Owner, entry.EntityID, entry.ClientUpdatedAtMs)
	}
	if server != nil && server.Deleted() && entry.Data.DeletedAt == nil {
		if _, err := e.api.RestoreNote(ctx, entry.Owner, entry.EntityID, entry.ClientUpdatedAtMs); err != nil {
			return nil, err
		}
	}
	return e.api.UpdateNote(ctx, entry.Owner, entry.EntityID, updateRequestOf(entry))
}

// confirm finalizes a successful send: the entry leaves the outbox and, once
// no further entries exist for the entity, the row adopts the server's
// canonical fields and becomes clean.
func (e *Engine) confirm(owner string, entry *OutboxEntry, canonical *Record) error {
	if err := e.store.MarkSent(entry.ID); err != nil {
		return err
	}
	return e.adoptCanonical(owner, entry.EntityID, canonical)
}

func (e *Engine) adoptCanonical(owner, entityID string, canonical *Record) error {
	depth, err := e.store.EntityQueueDepth(owner, entityID)
	if err != nil {
		return err
	}
	if depth > 0 || canonical == nil {
		// Later local edits are still queued; keep the optimistic row.
		return nil
	}
	if err := e.store.PutRecord(&CachedRecordRow{
		Owner:            owner,
		Record:           *canonical,
		LocalUpdatedAtMs: time.Now().UnixMilli(),
		LocalStatus:      StatusClean,
	}); err != nil {
		return err
	}
	e.bus.publish(Event{Type: EventRecordUpdated, Owner: owner, RecordID: entityID})
	return nil
}

// flagConflict records a true conflict: both snapshots retained on the row,
// the entry blocked, nothing auto-merged.
func (e *Engine) flagConflict(owner string, entry *OutboxEntry, ce *ConflictError) error {
	local := entry.Data
	if err := e.store.MarkConflict(owner, entry.EntityID, ce.ServerSnapshot, &local); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	cause := ce.Message
	if cause == "" {
		cause = "optimistic concurrency conflict"
	}
	if err := e.store.MarkBlocked(entry.ID, cause); err != nil {
		return err
	}
	e.bus.publish(Event{
		Type: EventEntryBlocked, Owner: owner,
		RecordID: entry.EntityID, EntryID: entry.ID, Error: cause,
	})
	return nil
}

// degraded publishes the summarized "sync degraded" signal with the entities
// awaiting resolution. This is the only failure surface beyond the engine.
func (e *Engine) degraded(owner string, cause error) {
	blocked, err := e.store.ListBlocked(owner)
	if err != nil {
		e.logger.Error("failed to list blocked entries", "owner", owner, "error", err)
	}
	entities := make([]string, 0, len(blocked))
	seen := make(map[string]struct{}, len(blocked))
	for _, b := range blocked {
		if _, ok := seen[b.EntityID]; ok {
			continue
		}
		seen[b.EntityID] = struct{}{}
		entities = append(entities, b.EntityID)
	}

	ev := Event{Type: EventSyncDegraded, Owner: owner, BlockedEntities: entities}
	if cause != nil {
		ev.Error = cause.Error()
	}
	e.bus.publish(ev)
}

func (e *Engine) begin(owner string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.owners[owner]
	if st == nil {
		st = &ownerState{}
		e.owners[owner] = st
	}
	if st.running {
		st.rerun = true
		return false
	}
	st.running = true
	return true
}

func (e *Engine) consumeRerun(owner string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.owners[owner]
	if st != nil && st.rerun {
		st.rerun = false
		return true
	}
	return false
}

func (e *Engine) end(owner string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st := e.owners[owner]; st != nil {
		st.running = false
	}
}

func updateRequestOf(entry *OutboxEntry) UpdateNoteRequest {
	title := entry.Data.Title
	body := entry.Data.Body
	tags := CanonicalTags(entry.Data.Tags)
	if tags == nil {
		tags = []string{}
	}
	return UpdateNoteRequest{
		ClientUpdatedAtMs: entry.ClientUpdatedAtMs,
		Title:             &title,
		Body:              &body,
		Tags:              &tags,
	}
}

func tombstoneOf(entry *OutboxEntry) *Record {
	rec := entry.Data
	if rec.DeletedAt == nil {
		now := time.Now().UTC()
		rec.DeletedAt = &now
	}
	rec.ClientUpdatedAtMs = entry.ClientUpdatedAtMs
	return &rec
}

func isRemoteMissing(err error) bool {
	var re *RejectedError
	return errors.As(err, &re) && re.StatusCode == 404
}
