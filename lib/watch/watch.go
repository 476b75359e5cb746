package watch

import "sync"

// --------------------------------------------------------------------------
// Events
// --------------------------------------------------------------------------

// Notice is delivered to exactly one waiting watcher when the observed
// key (or a key below the watched directory) changes.
type Notice struct {
	WatchKey string // the key the watch was registered on
	Key      string // the key that actually changed
	Value    []byte
	Deleted  bool
	Canceled bool // the registration was replaced or its session expired
}

// Event is a one-shot subscription on a key, bound to a session. Notify
// is invoked at most once; the event is removed from the table when it
// fires.
type Event struct {
	Key       string
	SessionID string
	Notify    func(Notice)
}

// --------------------------------------------------------------------------
// Table
// --------------------------------------------------------------------------

// Table registers watch events double-indexed by key and by session id.
// Both indices hold the same *Event records and change together under one
// mutex.
//
// Thread-safety: all methods are safe for concurrent use. Notify
// callbacks run without the table lock held.
type Table struct {
	mu        sync.Mutex
	byKey     map[string][]*Event
	bySession map[string][]*Event
}

// NewTable creates an empty watch table.
func NewTable() *Table {
	return &Table{
		byKey:     make(map[string][]*Event),
		bySession: make(map[string][]*Event),
	}
}

// Register adds a watch event. A previous registration of the same
// session on the same key is canceled first, so a client re-arming its
// watch never holds two slots.
func (t *Table) Register(ev *Event) {
	canceled := t.removeBySessionAndKey(ev.SessionID, ev.Key)
	t.mu.Lock()
	t.byKey[ev.Key] = append(t.byKey[ev.Key], ev)
	t.bySession[ev.SessionID] = append(t.bySession[ev.SessionID], ev)
	t.mu.Unlock()
	for _, old := range canceled {
		old.Notify(Notice{WatchKey: old.Key, Key: old.Key, Canceled: true})
	}
}

// Trigger fires every event registered on watchKey and removes them.
// It reports whether at least one event fired.
func (t *Table) Trigger(watchKey, changedKey string, value []byte, deleted bool) bool {
	t.mu.Lock()
	events := t.byKey[watchKey]
	delete(t.byKey, watchKey)
	for _, ev := range events {
		t.dropFromSession(ev)
	}
	t.mu.Unlock()

	for _, ev := range events {
		ev.Notify(Notice{
			WatchKey: watchKey,
			Key:      changedKey,
			Value:    value,
			Deleted:  deleted,
		})
	}
	return len(events) > 0
}

// TriggerBySessionAndKey fires only the events a specific session has
// registered on key. Used when the watched state already differs at
// registration time.
func (t *Table) TriggerBySessionAndKey(sessionID, key string, value []byte, deleted bool) {
	fired := t.removeBySessionAndKey(sessionID, key)
	for _, ev := range fired {
		ev.Notify(Notice{
			WatchKey: key,
			Key:      key,
			Value:    value,
			Deleted:  deleted,
		})
	}
}

// RemoveBySession cancels all events of an expired session.
func (t *Table) RemoveBySession(sessionID string) {
	t.mu.Lock()
	events := t.bySession[sessionID]
	delete(t.bySession, sessionID)
	for _, ev := range events {
		t.dropFromKey(ev)
	}
	t.mu.Unlock()

	for _, ev := range events {
		ev.Notify(Notice{WatchKey: ev.Key, Key: ev.Key, Canceled: true})
	}
}

// Len returns the number of registered events.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, evs := range t.byKey {
		n += len(evs)
	}
	return n
}

// --------------------------------------------------------------------------
// Internals
// --------------------------------------------------------------------------

// removeBySessionAndKey detaches the session's events on key from both
// indices and returns them; the caller decides how to complete them.
func (t *Table) removeBySessionAndKey(sessionID, key string) []*Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []*Event
	kept := t.bySession[sessionID][:0]
	for _, ev := range t.bySession[sessionID] {
		if ev.Key == key {
			removed = append(removed, ev)
			t.dropFromKey(ev)
		} else {
			kept = append(kept, ev)
		}
	}
	if len(kept) == 0 {
		delete(t.bySession, sessionID)
	} else {
		t.bySession[sessionID] = kept
	}
	return removed
}

func (t *Table) dropFromKey(ev *Event) {
	kept := t.byKey[ev.Key][:0]
	for _, e := range t.byKey[ev.Key] {
		if e != ev {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(t.byKey, ev.Key)
	} else {
		t.byKey[ev.Key] = kept
	}
}

func (t *Table) dropFromSession(ev *Event) {
	kept := t.bySession[ev.SessionID][:0]
	for _, e := range t.bySession[ev.SessionID] {
		if e != ev {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(t.bySession, ev.SessionID)
	} else {
		t.bySession[ev.SessionID] = kept
	}
}
