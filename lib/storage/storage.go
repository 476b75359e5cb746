package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/btree"
	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Constants and Errors
// --------------------------------------------------------------------------

const (
	// AnonymousUser is the sub-store used for requests carrying no login,
	// and the only sub-store covered by snapshots.
	AnonymousUser = ""

	// TagLastAppliedIndex is the reserved key in the anonymous sub-store
	// that records the highest log index applied to this store.
	TagLastAppliedIndex = "#TAG_LAST_APPLIED_INDEX#"

	storeMagic   = "ACRDSTOR"
	storeVersion = 1
)

var (
	// ErrUnknownUser is returned when the addressed sub-store has not
	// been opened. Callers may open it lazily and retry.
	ErrUnknownUser = errors.New("storage: unknown user")

	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("storage: key not found")
)

// --------------------------------------------------------------------------
// Value Encoding
// --------------------------------------------------------------------------

// Values are stored with a one byte tag prefix identifying the operation
// that wrote them (a plain put or a lock marker). EncodeValue and
// ParseValue are the only places aware of this framing.

// EncodeValue prefixes payload with its tag byte.
func EncodeValue(tag byte, payload []byte) []byte {
	out := make([]byte, 0, 1+len(payload))
	out = append(out, tag)
	return append(out, payload...)
}

// ParseValue splits a raw stored value into tag and payload. A raw value
// shorter than the tag yields (0, nil).
func ParseValue(raw []byte) (byte, []byte) {
	if len(raw) < 1 {
		return 0, nil
	}
	return raw[0], raw[1:]
}

// --------------------------------------------------------------------------
// Per-User Sub-Store
// --------------------------------------------------------------------------

type item struct {
	key   string
	value []byte
}

func lessItem(a, b item) bool { return a.key < b.key }

type userStore struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[item]
}

func newUserStore() *userStore {
	return &userStore{tree: btree.NewG[item](32, lessItem)}
}

// --------------------------------------------------------------------------
// Storage Manager
// --------------------------------------------------------------------------

// Manager keeps one ordered key space per user. The anonymous sub-store
// always exists; user sub-stores are opened explicitly (lazily, on the
// first committed entry naming the user).
//
// Thread-safety: all methods are safe for concurrent use. The apply loop
// is the only writer, readers are the RPC handlers.
type Manager struct {
	users *xsync.MapOf[string, *userStore]
}

// NewManager creates a storage manager with an open anonymous sub-store.
func NewManager() *Manager {
	m := &Manager{users: xsync.NewMapOf[string, *userStore]()}
	m.users.Store(AnonymousUser, newUserStore())
	return m
}

// OpenDatabase opens the sub-store for user if it is not open yet.
func (m *Manager) OpenDatabase(user string) bool {
	m.users.LoadOrStore(user, newUserStore())
	return true
}

// Reset drops all sub-stores, leaving a fresh anonymous one. Used when a
// snapshot replaces the full state.
func (m *Manager) Reset() {
	m.users.Clear()
	m.users.Store(AnonymousUser, newUserStore())
}

// Put stores the raw (tagged) value under key in the user's sub-store.
func (m *Manager) Put(user, key string, value []byte) error {
	us, ok := m.users.Load(user)
	if !ok {
		return ErrUnknownUser
	}
	us.mu.Lock()
	defer us.mu.Unlock()
	us.tree.ReplaceOrInsert(item{key: key, value: append([]byte(nil), value...)})
	return nil
}

// Get returns the raw (tagged) value stored under key.
func (m *Manager) Get(user, key string) ([]byte, error) {
	us, ok := m.users.Load(user)
	if !ok {
		return nil, ErrUnknownUser
	}
	us.mu.RLock()
	defer us.mu.RUnlock()
	it, ok := us.tree.Get(item{key: key})
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), it.value...), nil
}

// Delete removes key from the user's sub-store. Deleting a missing key
// is not an error.
func (m *Manager) Delete(user, key string) error {
	us, ok := m.users.Load(user)
	if !ok {
		return ErrUnknownUser
	}
	us.mu.Lock()
	defer us.mu.Unlock()
	us.tree.Delete(item{key: key})
	return nil
}

// --------------------------------------------------------------------------
// Iteration
// --------------------------------------------------------------------------

// Iterator walks a point-in-time copy of one sub-store in key order.
type Iterator struct {
	items []item
	pos   int
}

// NewIterator returns an iterator over the user's sub-store, or nil if
// that sub-store is not open.
func (m *Manager) NewIterator(user string) *Iterator {
	us, ok := m.users.Load(user)
	if !ok {
		return nil
	}
	us.mu.RLock()
	defer us.mu.RUnlock()
	items := make([]item, 0, us.tree.Len())
	us.tree.Ascend(func(it item) bool {
		items = append(items, it)
		return true
	})
	return &Iterator{items: items}
}

// Seek positions the iterator at the first key >= start.
func (it *Iterator) Seek(start string) {
	it.pos = 0
	for it.pos < len(it.items) && it.items[it.pos].key < start {
		it.pos++
	}
}

// Valid reports whether the iterator points at an entry.
func (it *Iterator) Valid() bool { return it.pos < len(it.items) }

// Next advances the iterator.
func (it *Iterator) Next() { it.pos++ }

// Key returns the key at the current position.
func (it *Iterator) Key() string { return it.items[it.pos].key }

// Value returns the raw (tagged) value at the current position.
func (it *Iterator) Value() []byte { return it.items[it.pos].value }

// --------------------------------------------------------------------------
// Persistence
// --------------------------------------------------------------------------

// SaveUser writes the user's sub-store to w: a magic header, a version
// byte, the entry count, then length-prefixed key/value pairs.
func (m *Manager) SaveUser(user string, w io.Writer) error {
	it := m.NewIterator(user)
	if it == nil {
		return ErrUnknownUser
	}
	bw := bufio.NewWriterSize(w, 1024*1024)
	if _, err := bw.WriteString(storeMagic); err != nil {
		return err
	}
	if err := bw.WriteByte(storeVersion); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(it.items))); err != nil {
		return err
	}
	for _, kv := range it.items {
		if err := binary.Write(bw, binary.LittleEndian, uint32(len(kv.key))); err != nil {
			return err
		}
		if _, err := bw.WriteString(kv.key); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, uint32(len(kv.value))); err != nil {
			return err
		}
		if _, err := bw.Write(kv.value); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// LoadUser replaces the user's sub-store with the contents read from r.
func (m *Manager) LoadUser(user string, r io.Reader) error {
	br := bufio.NewReaderSize(r, 1024*1024)
	magic := make([]byte, len(storeMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return err
	}
	if string(magic) != storeMagic {
		return fmt.Errorf("storage: invalid file format: magic number mismatch")
	}
	version, err := br.ReadByte()
	if err != nil {
		return err
	}
	if version != storeVersion {
		return fmt.Errorf("storage: unsupported version: %d", version)
	}
	var count uint64
	if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
		return err
	}
	us := newUserStore()
	for i := uint64(0); i < count; i++ {
		var keyLen uint32
		if err := binary.Read(br, binary.LittleEndian, &keyLen); err != nil {
			return err
		}
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(br, key); err != nil {
			return err
		}
		var valLen uint32
		if err := binary.Read(br, binary.LittleEndian, &valLen); err != nil {
			return err
		}
		val := make([]byte, valLen)
		if _, err := io.ReadFull(br, val); err != nil {
			return err
		}
		us.tree.ReplaceOrInsert(item{key: string(key), value: val})
	}
	m.users.Store(user, us)
	return nil
}
