package session

import (
	"sync"

	"github.com/google/btree"
)

// --------------------------------------------------------------------------
// Session
// --------------------------------------------------------------------------

// Session is a client lease. It stays alive as long as KeepAlive requests
// arrive before ExpiryMicros; expiry releases the session's locks and
// cancels its watches.
type Session struct {
	ID           string
	UUID         string // login token, empty for anonymous sessions
	ExpiryMicros int64
}

// --------------------------------------------------------------------------
// Table
// --------------------------------------------------------------------------

type expiryKey struct {
	expiry int64
	id     string
}

func lessExpiry(a, b expiryKey) bool {
	if a.expiry != b.expiry {
		return a.expiry < b.expiry
	}
	return a.id < b.id
}

// Table tracks live sessions, indexed both by id (KeepAlive upsert,
// liveness checks) and by expiry time (the expiry sweep). The two indices
// point at the same records and are updated together under one mutex.
//
// Thread-safety: all methods are safe for concurrent use.
type Table struct {
	mu       sync.Mutex
	byID     map[string]*Session
	byExpiry *btree.BTreeG[expiryKey]
}

// NewTable creates an empty session table.
func NewTable() *Table {
	return &Table{
		byID:     make(map[string]*Session),
		byExpiry: btree.NewG[expiryKey](16, lessExpiry),
	}
}

// Upsert inserts the session or refreshes an existing one with the same id.
func (t *Table) Upsert(s Session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.byID[s.ID]; ok {
		t.byExpiry.Delete(expiryKey{expiry: old.ExpiryMicros, id: old.ID})
	}
	copied := s
	t.byID[s.ID] = &copied
	t.byExpiry.ReplaceOrInsert(expiryKey{expiry: s.ExpiryMicros, id: s.ID})
}

// Find returns the session with the given id.
func (t *Table) Find(id string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byID[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Len returns the number of live sessions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// ExpireBefore removes and returns all sessions whose expiry lies strictly
// before now, ordered by expiry time.
func (t *Table) ExpireBefore(now int64) []Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []Session
	t.byExpiry.AscendLessThan(expiryKey{expiry: now}, func(k expiryKey) bool {
		if s, ok := t.byID[k.id]; ok {
			expired = append(expired, *s)
		}
		return true
	})
	for _, s := range expired {
		t.byExpiry.Delete(expiryKey{expiry: s.ExpiryMicros, id: s.ID})
		delete(t.byID, s.ID)
	}
	return expired
}
