package binlog

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return l, dir
}

func TestAppendRead(t *testing.T) {
	l, _ := openTestLog(t)
	defer l.Close()

	entries := []Entry{
		{Term: 1, Op: OpNop, Key: "Ping"},
		{Term: 1, Op: OpPut, Key: "a/b", Value: []byte("v1"), User: "alice"},
		{Term: 2, Op: OpDel, Key: "a/b", User: "alice"},
	}
	for i, e := range entries {
		idx, err := l.Append(e)
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if idx != int64(i) {
			t.Errorf("expected index %d, got %d", i, idx)
		}
	}

	if l.Length() != 3 {
		t.Errorf("expected length 3, got %d", l.Length())
	}
	last, term := l.LastIndexAndTerm()
	if last != 2 || term != 2 {
		t.Errorf("expected last (2, 2), got (%d, %d)", last, term)
	}

	for i, want := range entries {
		got, err := l.Read(int64(i))
		if err != nil {
			t.Fatalf("Read(%d) failed: %v", i, err)
		}
		if got.Term != want.Term || got.Op != want.Op || got.Key != want.Key ||
			got.User != want.User || !bytes.Equal(got.Value, want.Value) {
			t.Errorf("Read(%d): got %+v, want %+v", i, got, want)
		}
	}

	if _, err := l.Read(3); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEmptyLog(t *testing.T) {
	l, _ := openTestLog(t)
	defer l.Close()

	if l.Length() != 0 {
		t.Errorf("expected length 0, got %d", l.Length())
	}
	last, term := l.LastIndexAndTerm()
	if last != -1 || term != -1 {
		t.Errorf("expected (-1, -1), got (%d, %d)", last, term)
	}
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := l.Append(Entry{Term: 1, Op: OpPut, Key: "k", Value: []byte{byte(i)}}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	l.Close()

	l2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer l2.Close()
	if l2.Length() != 10 {
		t.Fatalf("expected length 10 after reopen, got %d", l2.Length())
	}
	e, err := l2.Read(7)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(e.Value, []byte{7}) {
		t.Errorf("expected value [7], got %v", e.Value)
	}
}

func TestTruncate(t *testing.T) {
	l, _ := openTestLog(t)
	defer l.Close()

	for i := 0; i < 5; i++ {
		l.Append(Entry{Term: int64(i), Op: OpPut, Key: "k"})
	}
	if err := l.Truncate(2); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	if l.Length() != 3 {
		t.Errorf("expected length 3, got %d", l.Length())
	}
	if _, err := l.Read(3); err != ErrNotFound {
		t.Errorf("expected ErrNotFound beyond truncation, got %v", err)
	}

	// truncating everything leaves an empty log that accepts new entries
	if err := l.Truncate(-1); err != nil {
		t.Fatalf("Truncate(-1) failed: %v", err)
	}
	if l.Length() != 0 {
		t.Errorf("expected empty log, got length %d", l.Length())
	}
	idx, err := l.Append(Entry{Term: 9, Op: OpNop})
	if err != nil || idx != 0 {
		t.Errorf("expected append at 0, got %d (%v)", idx, err)
	}
}

func TestRemovePrefix(t *testing.T) {
	l, _ := openTestLog(t)
	defer l.Close()

	for i := 0; i < 6; i++ {
		l.Append(Entry{Term: int64(i), Op: OpPut, Key: "k"})
	}
	if err := l.RemovePrefix(3); err != nil {
		t.Fatalf("RemovePrefix failed: %v", err)
	}
	if l.StartIndex() != 4 {
		t.Errorf("expected start 4, got %d", l.StartIndex())
	}
	if l.Length() != 6 {
		t.Errorf("compaction must not change logical length, got %d", l.Length())
	}
	if _, err := l.Read(2); err != ErrCompacted {
		t.Errorf("expected ErrCompacted, got %v", err)
	}
	e, err := l.Read(4)
	if err != nil || e.Term != 4 {
		t.Errorf("expected term 4 at index 4, got %+v (%v)", e, err)
	}
}

func TestRemovePrefixSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	l, _ := Open(dir)
	for i := 0; i < 6; i++ {
		l.Append(Entry{Term: int64(i), Op: OpPut, Key: "k"})
	}
	l.RemovePrefix(4)
	l.Close()

	l2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer l2.Close()
	last, term := l2.LastIndexAndTerm()
	if last != 5 || term != 5 {
		t.Errorf("expected (5, 5), got (%d, %d)", last, term)
	}
	if _, err := l2.Read(1); err != ErrCompacted {
		t.Errorf("expected ErrCompacted after reopen, got %v", err)
	}
}

func TestSetLengthAndLastTerm(t *testing.T) {
	l, _ := openTestLog(t)
	defer l.Close()

	for i := 0; i < 3; i++ {
		l.Append(Entry{Term: 1, Op: OpPut, Key: "k"})
	}
	if err := l.SetLengthAndLastTerm(100, 7); err != nil {
		t.Fatalf("SetLengthAndLastTerm failed: %v", err)
	}
	if l.Length() != 100 {
		t.Errorf("expected length 100, got %d", l.Length())
	}
	last, term := l.LastIndexAndTerm()
	if last != 99 || term != 7 {
		t.Errorf("expected (99, 7), got (%d, %d)", last, term)
	}
	idx, err := l.Append(Entry{Term: 8, Op: OpNop})
	if err != nil || idx != 100 {
		t.Errorf("expected append at 100, got %d (%v)", idx, err)
	}
}

func TestTornTailDiscarded(t *testing.T) {
	dir := t.TempDir()
	l, _ := Open(dir)
	for i := 0; i < 4; i++ {
		l.Append(Entry{Term: 1, Op: OpPut, Key: "k", Value: []byte("value")})
	}
	l.Close()

	// simulate a crash mid-append by chopping a few bytes off the tail
	path := filepath.Join(dir, logFileName)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if err := os.Truncate(path, info.Size()-3); err != nil {
		t.Fatalf("truncate failed: %v", err)
	}

	l2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer l2.Close()
	if l2.Length() != 3 {
		t.Errorf("expected torn record dropped (length 3), got %d", l2.Length())
	}
}
