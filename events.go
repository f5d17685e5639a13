package notesync

import "sync"

// EventType identifies an engine event.
type EventType string

const (
	// EventRecordUpdated fires when a cached row changes (pull apply, drain
	// confirmation, or conflict resolution).
	EventRecordUpdated EventType = "record_updated"
	// EventEntryBlocked fires when an outbox entry transitions to blocked.
	EventEntryBlocked EventType = "entry_blocked"
	// EventCursorAdvanced fires after a page of server changes was durably
	// applied and the watermark moved.
	EventCursorAdvanced EventType = "cursor_advanced"
	// EventSyncDegraded summarizes a cycle that ended with blocked entities
	// or a transient failure; this is the only failure signal surfaced
	// beyond the engine.
	EventSyncDegraded EventType = "sync_degraded"
)

// Event is a typed notification published by the reconciliation engine.
// Consumers subscribe instead of hooking callbacks into storage internals.
type Event struct {
	Type     EventType `json:"type"`
	Owner    string    `json:"owner"`
	RecordID string    `json:"record_id,omitempty"`
	EntryID  int64     `json:"entry_id,omitempty"`
	Cursor   int64     `json:"cursor,omitempty"`
	// BlockedEntities lists entity IDs with unresolved entries
	// (EventSyncDegraded only).
	BlockedEntities []string `json:"blocked_entities,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// eventBus fans engine events out to bounded subscriber queues. Publishing
// never blocks the engine: when a subscriber's queue is full the event is
// dropped for that subscriber (consumers resynchronize from the store).
type eventBus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]chan Event)}
}

func (b *eventBus) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *eventBus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
