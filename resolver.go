package notesync

// Decision is the outcome of conflict resolution for one pending mutation
// against the server's current snapshot.
type Decision int

const (
	// AcceptRemote: the pending mutation is already reflected server-side
	// (idempotent retry of a previously successful send); drop it and adopt
	// the server snapshot.
	AcceptRemote Decision = iota
	// OverwriteWithLocal: the local edit is causally newer than what the
	// server held when the client last synced; re-sending is safe.
	OverwriteWithLocal
	// FlagConflict: the server advanced past the local edit's base and the
	// payloads differ. Both snapshots are retained and surfaced; content is
	// never auto-merged.
	FlagConflict
)

func (d Decision) String() string {
	switch d {
	case AcceptRemote:
		return "accept_remote"
	case OverwriteWithLocal:
		return "overwrite_with_local"
	case FlagConflict:
		return "flag_conflict"
	default:
		return "unknown"
	}
}

// Resolve decides what to do with a pending local mutation after the server
// rejected it (or after a pull surfaced a newer server state for a queued
// entity). It is a pure function of its inputs.
//
// Policy: the writer's self-reported logical clock (client_updated_at_ms) is
// the only causality signal. Whole-record comparison only; simultaneous edits
// to different fields still conflict.
func Resolve(local *OutboxEntry, server *Record) Decision {
	if server == nil {
		// Nothing on the server to conflict with.
		return OverwriteWithLocal
	}

	payload := local.Data
	if local.Op == OpDelete && payload.DeletedAt == nil {
		// A delete's intended end state is a tombstone regardless of the
		// snapshot carried in the entry.
		deleted := payload
		now := server.UpdatedAt
		deleted.DeletedAt = &now
		payload = deleted
	}

	if canonicalJSON(&payload) == canonicalJSON(server) {
		return AcceptRemote
	}
	if local.ClientUpdatedAtMs > server.ClientUpdatedAtMs {
		return OverwriteWithLocal
	}
	return FlagConflict
}
