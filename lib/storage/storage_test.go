package storage

import (
	"bytes"
	"testing"
)

func TestPutGetDelete(t *testing.T) {
	m := NewManager()

	if err := m.Put(AnonymousUser, "k1", EncodeValue(1, []byte("v1"))); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	raw, err := m.Get(AnonymousUser, "k1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	tag, val := ParseValue(raw)
	if tag != 1 || !bytes.Equal(val, []byte("v1")) {
		t.Errorf("got tag %d value %q", tag, val)
	}

	if err := m.Delete(AnonymousUser, "k1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := m.Get(AnonymousUser, "k1"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUnknownUserAndLazyOpen(t *testing.T) {
	m := NewManager()

	if err := m.Put("alice", "k", []byte("v")); err != ErrUnknownUser {
		t.Fatalf("expected ErrUnknownUser, got %v", err)
	}
	m.OpenDatabase("alice")
	if err := m.Put("alice", "k", []byte("v")); err != nil {
		t.Fatalf("Put after open failed: %v", err)
	}
	// user spaces are isolated
	if _, err := m.Get(AnonymousUser, "k"); err != ErrNotFound {
		t.Errorf("expected key to be invisible in anonymous space, got %v", err)
	}
}

func TestIteratorOrderAndSeek(t *testing.T) {
	m := NewManager()
	for _, k := range []string{"b", "a", "d", "c"} {
		m.Put(AnonymousUser, k, []byte(k))
	}

	it := m.NewIterator(AnonymousUser)
	var keys []string
	for it.Seek(""); it.Valid(); it.Next() {
		keys = append(keys, it.Key())
	}
	want := []string{"a", "b", "c", "d"}
	if len(keys) != len(want) {
		t.Fatalf("got %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("got %v, want %v", keys, want)
		}
	}

	it.Seek("bb")
	if !it.Valid() || it.Key() != "c" {
		t.Errorf("Seek(bb) should land on c")
	}
	it.Seek("zz")
	if it.Valid() {
		t.Errorf("Seek past the end should be invalid")
	}
}

func TestIteratorOfUnknownUser(t *testing.T) {
	m := NewManager()
	if it := m.NewIterator("nobody"); it != nil {
		t.Errorf("expected nil iterator for unknown user")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m := NewManager()
	m.Put(AnonymousUser, "x", EncodeValue(1, []byte("1")))
	m.Put(AnonymousUser, "y", EncodeValue(3, []byte("session-1")))
	m.Put(AnonymousUser, TagLastAppliedIndex, []byte("42"))

	var buf bytes.Buffer
	if err := m.SaveUser(AnonymousUser, &buf); err != nil {
		t.Fatalf("SaveUser failed: %v", err)
	}

	m2 := NewManager()
	if err := m2.LoadUser(AnonymousUser, &buf); err != nil {
		t.Fatalf("LoadUser failed: %v", err)
	}
	raw, err := m2.Get(AnonymousUser, "y")
	if err != nil {
		t.Fatalf("Get after load failed: %v", err)
	}
	tag, val := ParseValue(raw)
	if tag != 3 || string(val) != "session-1" {
		t.Errorf("got tag %d value %q", tag, val)
	}
	raw, _ = m2.Get(AnonymousUser, TagLastAppliedIndex)
	if string(raw) != "42" {
		t.Errorf("sentinel key lost in round trip: %q", raw)
	}
}

func TestReset(t *testing.T) {
	m := NewManager()
	m.OpenDatabase("alice")
	m.Put("alice", "k", []byte("v"))
	m.Put(AnonymousUser, "k", []byte("v"))

	m.Reset()
	if _, err := m.Get("alice", "k"); err != ErrUnknownUser {
		t.Errorf("expected user spaces dropped, got %v", err)
	}
	if _, err := m.Get(AnonymousUser, "k"); err != ErrNotFound {
		t.Errorf("expected anonymous space emptied, got %v", err)
	}
}
