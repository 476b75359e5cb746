package watch

import "testing"

func record(dst *[]Notice) func(Notice) {
	return func(n Notice) { *dst = append(*dst, n) }
}

func TestTriggerFiresOnce(t *testing.T) {
	tbl := NewTable()
	var got []Notice
	tbl.Register(&Event{Key: "p", SessionID: "s1", Notify: record(&got)})

	if fired := tbl.Trigger("p", "p", []byte("w"), false); !fired {
		t.Fatalf("expected trigger to fire")
	}
	if len(got) != 1 || string(got[0].Value) != "w" || got[0].Deleted {
		t.Fatalf("unexpected notices %v", got)
	}

	// one-shot: second change finds no registration
	if fired := tbl.Trigger("p", "p", []byte("x"), false); fired {
		t.Errorf("expected no second fire")
	}
	if len(got) != 1 {
		t.Errorf("watch fired twice: %v", got)
	}
	if tbl.Len() != 0 {
		t.Errorf("expected empty table, got %d", tbl.Len())
	}
}

func TestDirectoryTrigger(t *testing.T) {
	tbl := NewTable()
	var got []Notice
	tbl.Register(&Event{Key: "a/b", SessionID: "s1", Notify: record(&got)})

	// a change below the watched directory reports the changed key
	tbl.Trigger("a/b", "a/b/c", []byte("v"), false)
	if len(got) != 1 || got[0].WatchKey != "a/b" || got[0].Key != "a/b/c" {
		t.Fatalf("unexpected notices %v", got)
	}
}

func TestReRegisterCancelsPrevious(t *testing.T) {
	tbl := NewTable()
	var first, second []Notice
	tbl.Register(&Event{Key: "k", SessionID: "s1", Notify: record(&first)})
	tbl.Register(&Event{Key: "k", SessionID: "s1", Notify: record(&second)})

	if len(first) != 1 || !first[0].Canceled {
		t.Fatalf("expected first registration canceled, got %v", first)
	}
	tbl.Trigger("k", "k", nil, true)
	if len(second) != 1 || !second[0].Deleted {
		t.Fatalf("expected second registration to fire with deleted=true, got %v", second)
	}
}

func TestRemoveBySession(t *testing.T) {
	tbl := NewTable()
	var s1, s2 []Notice
	tbl.Register(&Event{Key: "k1", SessionID: "s1", Notify: record(&s1)})
	tbl.Register(&Event{Key: "k2", SessionID: "s1", Notify: record(&s1)})
	tbl.Register(&Event{Key: "k1", SessionID: "s2", Notify: record(&s2)})

	tbl.RemoveBySession("s1")
	if len(s1) != 2 || !s1[0].Canceled || !s1[1].Canceled {
		t.Fatalf("expected both s1 watches canceled, got %v", s1)
	}

	// the other session's watch on the shared key survives
	tbl.Trigger("k1", "k1", []byte("v"), false)
	if len(s2) != 1 || s2[0].Canceled {
		t.Fatalf("expected s2 watch to fire normally, got %v", s2)
	}
}

func TestTriggerBySessionAndKey(t *testing.T) {
	tbl := NewTable()
	var s1, s2 []Notice
	tbl.Register(&Event{Key: "k", SessionID: "s1", Notify: record(&s1)})
	tbl.Register(&Event{Key: "k", SessionID: "s2", Notify: record(&s2)})

	tbl.TriggerBySessionAndKey("s1", "k", []byte("v"), false)
	if len(s1) != 1 || len(s2) != 0 {
		t.Fatalf("expected only s1 to fire: s1=%v s2=%v", s1, s2)
	}
	if tbl.Len() != 1 {
		t.Errorf("expected one remaining event, got %d", tbl.Len())
	}
}
