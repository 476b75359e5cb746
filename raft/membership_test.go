package raft

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/accord-kv/accord/lib/storage"
)

func TestGetMembershipByIndex(t *testing.T) {
	n := &Node{
		changedMembers: map[int64][]string{
			-1: {"a"},
			5:  {"a", "b"},
			9:  {"a", "b", "c"},
		},
	}
	cases := []struct {
		logIdx int64
		want   int
	}{
		{-1, 1}, {0, 1}, {5, 2}, {6, 2}, {9, 3}, {10, 3}, {100, 3},
	}
	for _, c := range cases {
		got := n.getMembership(c.logIdx)
		if len(got) != c.want {
			t.Errorf("getMembership(%d) = %v, want %d members", c.logIdx, got, c.want)
		}
	}
}

func TestUpdateCommitIndexNeedsMajority(t *testing.T) {
	n := &Node{
		selfID:         "a",
		members:        []string{"a", "b", "c"},
		changedMembers: map[int64][]string{-1: {"a", "b", "c"}},
		matchIndex:     map[string]int64{"b": -1, "c": -1},
		commitIndex:    -1,
	}
	n.commitCond = sync.NewCond(&n.mu)

	n.updateCommitIndex(0)
	if n.commitIndex != -1 {
		t.Fatalf("commit advanced without any match")
	}
	n.matchIndex["b"] = 0
	n.updateCommitIndex(0)
	if n.commitIndex != 0 {
		t.Fatalf("commit did not advance with self + one match")
	}
	// never regresses
	n.updateCommitIndex(-1)
	if n.commitIndex != 0 {
		t.Fatalf("commit index regressed")
	}
}

func TestAddNodeCatchUpAndPromotion(t *testing.T) {
	net := newMemNetwork()

	cfgA := testConfig(t, "a:10", []string{"a:10"})
	a := newTestNode(t, net, cfgA)
	a.Start()
	defer a.Stop()

	waitFor(t, 5*time.Second, "self election", func() bool {
		return a.ShowStatus().Role == Leader
	})
	for _, kv := range [][2]string{{"x", "1"}, {"y", "2"}} {
		if resp := a.Put(ctxWith(t, 5*time.Second), &PutRequest{Key: kv[0], Value: []byte(kv[1])}); !resp.Success {
			t.Fatalf("Put(%s) failed", kv[0])
		}
	}

	// the newcomer starts quiet: no election authority until admitted
	cfgB := testConfig(t, "b:10", []string{"a:10", "b:10"})
	cfgB.Quiet = true
	b := newTestNode(t, net, cfgB)
	b.Start()
	defer b.Stop()

	add := a.AddNode(ctxWith(t, 10*time.Second), &AddNodeRequest{NodeAddr: "b:10"})
	if !add.Success {
		t.Fatalf("AddNode failed: %+v", add)
	}

	a.mu.Lock()
	memberCount := len(a.members)
	a.mu.Unlock()
	if memberCount != 2 {
		t.Fatalf("expected 2 members on leader, got %d", memberCount)
	}

	// the newcomer replays the log and leaves quiet mode
	waitFor(t, 10*time.Second, "newcomer catches up", func() bool {
		raw, err := b.store.Get(storage.AnonymousUser, "x")
		if err != nil {
			return false
		}
		_, value := storage.ParseValue(raw)
		return bytes.Equal(value, []byte("1"))
	})
	waitFor(t, 5*time.Second, "newcomer promotion", func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return !b.quiet && len(b.members) == 2
	})
}

func TestAddNodeRefusedWhileInFlight(t *testing.T) {
	net := newMemNetwork()
	cfg := testConfig(t, "a:11", []string{"a:11"})
	a := newTestNode(t, net, cfg)
	a.Start()
	defer a.Stop()

	waitFor(t, 5*time.Second, "self election", func() bool {
		return a.ShowStatus().Role == Leader
	})

	// the target is unreachable, so the change stays in flight
	go a.AddNode(ctxWith(t, 5*time.Second), &AddNodeRequest{NodeAddr: "ghost:1"})
	waitFor(t, 2*time.Second, "change context", func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.memberChange != nil
	})

	second := a.AddNode(ctxWith(t, time.Second), &AddNodeRequest{NodeAddr: "other:1"})
	if second.Success {
		t.Fatalf("second membership change accepted while one is in flight")
	}
}

func TestRemoveNodeShrinksMembership(t *testing.T) {
	addrs := []string{"a:12", "b:12", "c:12"}
	net := newMemNetwork()
	nodes := newTestCluster(t, net, addrs)

	leader := findLeader(t, nodes, nil)
	var victim string
	for _, addr := range addrs {
		if addr != leader.selfID {
			victim = addr
			break
		}
	}

	resp := leader.RemoveNode(ctxWith(t, 10*time.Second), &RemoveNodeRequest{NodeAddr: victim})
	if !resp.Success {
		t.Fatalf("RemoveNode failed: %+v", resp)
	}
	leader.mu.Lock()
	count := len(leader.members)
	leader.mu.Unlock()
	if count != 2 {
		t.Fatalf("expected 2 members after removal, got %d", count)
	}

	// the removed node observes its own retirement
	waitFor(t, 10*time.Second, "victim retires", func() bool {
		n := nodes[victim]
		n.mu.Lock()
		defer n.mu.Unlock()
		return n.quiet
	})
}
