package notesync

import (
	"encoding/json"
	"slices"
	"time"
)

// Record is a single note as the server knows it (or would know it once the
// outbox drains). The ID is globally unique and may be assigned by either side.
type Record struct {
	ID                string     `json:"id"`
	Title             string     `json:"title"`
	Body              string     `json:"body"`
	Tags              []string   `json:"tags,omitempty"`
	ClientUpdatedAtMs int64      `json:"client_updated_at_ms"`
	CreatedAt         time.Time  `json:"created_at,omitzero"`
	UpdatedAt         time.Time  `json:"updated_at,omitzero"`
	UpdatedAtMs       int64      `json:"updated_at_ms,omitempty"`
	DeletedAt         *time.Time `json:"deleted_at,omitempty"`
}

// Deleted reports whether the record is a tombstone.
func (r *Record) Deleted() bool {
	return r.DeletedAt != nil
}

// CanonicalTags returns the record's tags sorted and deduplicated.
// Tag order is never significant; this is the comparison form.
func CanonicalTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := slices.Clone(tags)
	slices.Sort(out)
	return slices.Compact(out)
}

// ContentEqual reports whether two records carry the same note content:
// title, body, canonical tag set and deletion state. Server-assigned
// timestamps and logical clocks are ignored.
func ContentEqual(a, b *Record) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Title != b.Title || a.Body != b.Body || a.Deleted() != b.Deleted() {
		return false
	}
	return slices.Equal(CanonicalTags(a.Tags), CanonicalTags(b.Tags))
}

// LocalStatus describes how a cached row relates to the server.
type LocalStatus string

const (
	// StatusClean means the row matches the last state confirmed by the server.
	StatusClean LocalStatus = "clean"
	// StatusQueued means at least one outbox entry for this record is pending.
	StatusQueued LocalStatus = "queued"
	// StatusConflict means a send was rejected and both snapshots are retained
	// until the conflict is explicitly resolved.
	StatusConflict LocalStatus = "conflict"
)

// CachedRecordRow wraps a Record with the local-only metadata the engine
// needs. Rows are keyed by (owner, record ID) and are never physically
// removed outside a full cache reset: deletions become tombstones so a stale
// pull cannot resurrect them.
type CachedRecordRow struct {
	Owner            string      `json:"owner"`
	Record           Record      `json:"record"`
	LocalUpdatedAtMs int64       `json:"local_updated_at_ms"`
	LocalStatus      LocalStatus `json:"local_status"`

	// ServerSnapshot and LocalSnapshot are populated only while
	// LocalStatus is StatusConflict.
	ServerSnapshot *Record `json:"server_snapshot,omitempty"`
	LocalSnapshot  *Record `json:"local_snapshot,omitempty"`
}

// Op is the kind of mutation an outbox entry carries.
type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// EntryStatus is the lifecycle state of an outbox entry. Entries are removed
// on confirmed server acceptance; they are never silently dropped.
type EntryStatus string

const (
	// EntryPending entries are eligible for draining in FIFO order per entity.
	EntryPending EntryStatus = "pending"
	// EntryBlocked entries hit a conflict or permanent rejection and fence all
	// later entries for the same entity until explicitly resolved.
	EntryBlocked EntryStatus = "blocked"
)

// ResourceNote is the only resource the outbox currently carries.
const ResourceNote = "note"

// OutboxEntry is one queued local mutation. The auto-assigned ID defines
// global FIFO order; entries for the same entity drain strictly in that order.
type OutboxEntry struct {
	ID                int64       `json:"id"`
	Owner             string      `json:"owner"`
	Resource          string      `json:"resource"`
	Op                Op          `json:"op"`
	EntityID          string      `json:"entity_id"`
	ClientUpdatedAtMs int64       `json:"client_updated_at_ms"`
	Data              Record      `json:"data"`
	CreatedAtMs       int64       `json:"created_at_ms"`
	Status            EntryStatus `json:"status"`
	LastError         string      `json:"last_error,omitempty"`
}

// Resolution is the user- or policy-chosen outcome for a blocked entry.
type Resolution string

const (
	// ResolutionKeepLocal re-arms the blocked entry as pending with its logical
	// clock rebased above the stored server snapshot, so the next drain wins.
	ResolutionKeepLocal Resolution = "keep_local"
	// ResolutionAcceptRemote drops the blocked entry and adopts the stored
	// server snapshot; the cached row becomes clean.
	ResolutionAcceptRemote Resolution = "accept_remote"
)

// SyncResult summarizes one reconciliation cycle.
type SyncResult struct {
	Pulled   int           `json:"pulled"`
	Applied  int           `json:"applied"`
	Deferred int           `json:"deferred"`
	Sent     int           `json:"sent"`
	Blocked  int           `json:"blocked"`
	Cursor   int64         `json:"cursor"`
	Duration time.Duration `json:"duration"`
}

// StoreStats describes the local cache for one owner.
type StoreStats struct {
	RecordCount  int   `json:"record_count"`
	PendingCount int   `json:"pending_count"`
	BlockedCount int   `json:"blocked_count"`
	Cursor       int64 `json:"cursor"`
	LastSyncMs   int64 `json:"last_sync_ms"`
}

// HealthStatus reports client health for status surfaces.
type HealthStatus struct {
	Healthy         bool   `json:"healthy"`
	StoreOK         bool   `json:"store_ok"`
	ServerReachable bool   `json:"server_reachable"`
	Error           string `json:"error,omitempty"`
}

// Content limits enforced on local writes before they reach the outbox.
const (
	MaxTitleLength = 512
	MaxBodyLength  = 64 * 1024
	MaxTags        = 64
)

// canonicalJSON renders a record's comparable content deterministically.
// Used where "byte-equivalent" payloads must be detected.
func canonicalJSON(r *Record) string {
	type payload struct {
		Title   string   `json:"title"`
		Body    string   `json:"body"`
		Tags    []string `json:"tags"`
		Deleted bool     `json:"deleted"`
	}
	b, _ := json.Marshal(payload{
		Title:   r.Title,
		Body:    r.Body,
		Tags:    CanonicalTags(r.Tags),
		Deleted: r.Deleted(),
	})
	return string(b)
}
