package raft

import (
	"bytes"
	"testing"
	"time"

	"github.com/accord-kv/accord/lib/storage"
)

func TestSnapshotWriteAndRestartFromSnapshot(t *testing.T) {
	net := newMemNetwork()
	cfg := testConfig(t, "a:20", []string{"a:20"})
	cfg.EnableSnapshot = true
	cfg.SnapshotInterval = time.Hour // written explicitly below
	n := newTestNode(t, net, cfg)
	n.Start()

	waitFor(t, 5*time.Second, "self election", func() bool {
		return n.ShowStatus().Role == Leader
	})
	for _, kv := range [][2]string{{"x", "1"}, {"y", "2"}} {
		if resp := n.Put(ctxWith(t, 5*time.Second), &PutRequest{Key: kv[0], Value: []byte(kv[1])}); !resp.Success {
			t.Fatalf("Put(%s) failed", kv[0])
		}
	}
	if err := n.writeSnapshot(); err != nil {
		t.Fatalf("writeSnapshot failed: %v", err)
	}
	meta, err := n.snaps.Meta()
	if err != nil {
		t.Fatalf("snapshot meta missing: %v", err)
	}
	appliedAtSnapshot := n.ShowStatus().LastApplied
	if meta.LogIndex != appliedAtSnapshot {
		t.Fatalf("snapshot covers %d, applied %d", meta.LogIndex, appliedAtSnapshot)
	}
	n.Stop()

	// a restart recovers the state from the snapshot, not by replay
	n2 := newTestNode(t, newMemNetwork(), cfg)
	defer n2.Stop()
	status := n2.ShowStatus()
	if status.LastApplied != meta.LogIndex {
		t.Fatalf("expected last_applied %d after load, got %d", meta.LogIndex, status.LastApplied)
	}
	raw, err := n2.store.Get(storage.AnonymousUser, "y")
	if err != nil {
		t.Fatalf("state lost after snapshot load: %v", err)
	}
	if _, value := storage.ParseValue(raw); !bytes.Equal(value, []byte("2")) {
		t.Fatalf("unexpected value after load: %q", value)
	}
}

func TestInstallSnapshotChunked(t *testing.T) {
	net := newMemNetwork()

	cfgA := testConfig(t, "a:21", []string{"a:21"})
	cfgA.EnableSnapshot = true
	cfgA.SnapshotInterval = time.Hour
	cfgA.MaxSnapshotRequestSize = 16 // forces several packets
	a := newTestNode(t, net, cfgA)
	a.Start()
	defer a.Stop()

	waitFor(t, 5*time.Second, "self election", func() bool {
		return a.ShowStatus().Role == Leader
	})
	for _, k := range []string{"k1", "k2", "k3", "k4", "k5"} {
		if resp := a.Put(ctxWith(t, 5*time.Second), &PutRequest{Key: k, Value: []byte(k)}); !resp.Success {
			t.Fatalf("Put(%s) failed", k)
		}
	}
	if err := a.writeSnapshot(); err != nil {
		t.Fatalf("writeSnapshot failed: %v", err)
	}
	meta, _ := a.snaps.Meta()

	cfgB := testConfig(t, "b:21", []string{"a:21", "b:21"})
	cfgB.Quiet = true
	b := newTestNode(t, net, cfgB)
	b.Start()
	defer b.Stop()

	if ok := a.trySendSnapshot("b:21"); !ok {
		t.Fatalf("trySendSnapshot failed")
	}

	// receiver state equals the sender's snapshot
	bStatus := b.ShowStatus()
	if bStatus.LastApplied != meta.LogIndex || bStatus.CommitIndex != meta.LogIndex {
		t.Fatalf("receiver at (%d, %d), want %d",
			bStatus.LastApplied, bStatus.CommitIndex, meta.LogIndex)
	}
	if b.log.Length() != meta.LogIndex+1 {
		t.Fatalf("receiver log length %d, want %d", b.log.Length(), meta.LogIndex+1)
	}
	for _, k := range []string{"k1", "k3", "k5"} {
		raw, err := b.store.Get(storage.AnonymousUser, k)
		if err != nil {
			t.Fatalf("receiver missing %s: %v", k, err)
		}
		if _, value := storage.ParseValue(raw); !bytes.Equal(value, []byte(k)) {
			t.Fatalf("receiver has wrong value for %s: %q", k, value)
		}
	}

	// sender side bumped the replication indexes past the snapshot
	a.mu.Lock()
	next, match := a.nextIndex["b:21"], a.matchIndex["b:21"]
	a.mu.Unlock()
	if next != meta.LogIndex+1 || match != meta.LogIndex {
		t.Fatalf("sender indexes (%d, %d), want (%d, %d)",
			next, match, meta.LogIndex+1, meta.LogIndex)
	}
}

func TestMismatchedInstallTimestampRefused(t *testing.T) {
	net := newMemNetwork()
	cfg := testConfig(t, "a:22", []string{"a:22"})
	n := newTestNode(t, net, cfg)
	defer n.Stop()

	first := n.HandleInstallSnapshot(&InstallSnapshotRequest{
		Timestamp: 100,
		Items:     []SnapshotItem{{Key: "k", Val: []byte("v")}},
	})
	if !first.Success {
		t.Fatalf("first packet refused")
	}
	other := n.HandleInstallSnapshot(&InstallSnapshotRequest{
		Timestamp: 200,
		Items:     []SnapshotItem{{Key: "k2", Val: []byte("v2")}},
	})
	if other.Success {
		t.Fatalf("packet of a different transfer accepted mid-install")
	}
	cont := n.HandleInstallSnapshot(&InstallSnapshotRequest{
		Timestamp: 100,
		Items:     []SnapshotItem{{Key: "k2", Val: []byte("v2")}},
	})
	if !cont.Success {
		t.Fatalf("continuation of the active transfer refused")
	}
}

func TestLogCompactionRound(t *testing.T) {
	net := newMemNetwork()
	cfg := testConfig(t, "a:23", []string{"a:23"})
	cfg.EnableLogCompaction = false // driven explicitly below
	n := newTestNode(t, net, cfg)
	n.Start()
	defer n.Stop()

	waitFor(t, 5*time.Second, "self election", func() bool {
		return n.ShowStatus().Role == Leader
	})
	for i := 0; i < 10; i++ {
		if resp := n.Put(ctxWith(t, 5*time.Second), &PutRequest{Key: "k", Value: []byte{byte(i)}}); !resp.Success {
			t.Fatalf("Put #%d failed", i)
		}
	}
	lengthBefore := n.log.Length()
	n.garbageClean([]string{"a:23"})

	if n.log.StartIndex() == 0 {
		t.Fatalf("log prefix was not compacted")
	}
	if n.log.Length() != lengthBefore {
		t.Fatalf("compaction changed the logical length")
	}
	if _, err := n.log.Read(0); err == nil {
		t.Fatalf("compacted slot still readable")
	}

	// unsafe cleaning is refused
	resp := n.HandleCleanBinlog(&CleanBinlogRequest{EndIndex: n.log.Length() + 10})
	if resp.Success {
		t.Fatalf("unsafe compaction accepted")
	}
}
