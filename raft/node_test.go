package raft

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/accord-kv/accord/lib/storage"
)

func ctxWith(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

// --------------------------------------------------------------------------
// Single-Node Cluster
// --------------------------------------------------------------------------

func TestSingleNodeWriteRead(t *testing.T) {
	net := newMemNetwork()
	nodes := newTestCluster(t, net, []string{"a:1"})
	n := nodes["a:1"]

	waitFor(t, 5*time.Second, "self election", func() bool {
		return n.ShowStatus().Role == Leader
	})

	put := n.Put(ctxWith(t, 5*time.Second), &PutRequest{Key: "x", Value: []byte("1")})
	if !put.Success {
		t.Fatalf("Put failed: %+v", put)
	}
	get := n.Get(ctxWith(t, 5*time.Second), &GetRequest{Key: "x"})
	if !get.Success || !get.Hit || !bytes.Equal(get.Value, []byte("1")) {
		t.Fatalf("Get returned %+v", get)
	}

	del := n.Delete(ctxWith(t, 5*time.Second), &DelRequest{Key: "x"})
	if !del.Success {
		t.Fatalf("Delete failed: %+v", del)
	}
	get = n.Get(ctxWith(t, 5*time.Second), &GetRequest{Key: "x"})
	if !get.Success || get.Hit {
		t.Fatalf("expected miss after delete, got %+v", get)
	}
}

func TestSingleNodeRestartReplaysLog(t *testing.T) {
	net := newMemNetwork()
	cfg := testConfig(t, "a:1", []string{"a:1"})
	n := newTestNode(t, net, cfg)
	n.Start()

	waitFor(t, 5*time.Second, "self election", func() bool {
		return n.ShowStatus().Role == Leader
	})
	for _, kv := range [][2]string{{"x", "1"}, {"y", "2"}, {"x", "3"}} {
		if resp := n.Put(ctxWith(t, 5*time.Second), &PutRequest{Key: kv[0], Value: []byte(kv[1])}); !resp.Success {
			t.Fatalf("Put(%s) failed", kv[0])
		}
	}
	n.Stop()

	net2 := newMemNetwork()
	n2 := newTestNode(t, net2, cfg)
	n2.Start()
	defer n2.Stop()

	waitFor(t, 5*time.Second, "replay after restart", func() bool {
		if n2.ShowStatus().Role != Leader {
			return false
		}
		resp := n2.Get(ctxWith(t, time.Second), &GetRequest{Key: "x"})
		return resp.Hit && bytes.Equal(resp.Value, []byte("3"))
	})
	resp := n2.Get(ctxWith(t, time.Second), &GetRequest{Key: "y"})
	if !resp.Hit || !bytes.Equal(resp.Value, []byte("2")) {
		t.Fatalf("lost write after restart: %+v", resp)
	}
}

// --------------------------------------------------------------------------
// Three-Node Cluster
// --------------------------------------------------------------------------

func TestElectionSafetyAndReplication(t *testing.T) {
	addrs := []string{"a:1", "b:1", "c:1"}
	net := newMemNetwork()
	nodes := newTestCluster(t, net, addrs)

	leader := findLeader(t, nodes, nil)

	// election safety: exactly one node reports leadership
	leaders := 0
	for _, n := range nodes {
		if n.ShowStatus().Role == Leader {
			leaders++
		}
	}
	if leaders != 1 {
		t.Fatalf("expected exactly one leader, got %d", leaders)
	}

	put := leader.Put(ctxWith(t, 5*time.Second), &PutRequest{Key: "k", Value: []byte("v")})
	if !put.Success {
		t.Fatalf("Put failed: %+v", put)
	}

	// the committed entry reaches every state machine
	waitFor(t, 5*time.Second, "replication to all nodes", func() bool {
		for _, n := range nodes {
			raw, err := n.store.Get(storage.AnonymousUser, "k")
			if err != nil {
				return false
			}
			if _, value := storage.ParseValue(raw); string(value) != "v" {
				return false
			}
		}
		return true
	})

	get := leader.Get(ctxWith(t, 5*time.Second), &GetRequest{Key: "k"})
	if !get.Hit || !bytes.Equal(get.Value, []byte("v")) {
		t.Fatalf("Get returned %+v", get)
	}
}

func TestRedirectOnFollower(t *testing.T) {
	addrs := []string{"a:2", "b:2", "c:2"}
	net := newMemNetwork()
	nodes := newTestCluster(t, net, addrs)

	leader := findLeader(t, nodes, nil)
	var follower *Node
	for _, n := range nodes {
		if n != leader {
			follower = n
			break
		}
	}

	waitFor(t, 5*time.Second, "follower learns leader", func() bool {
		resp := follower.Put(ctxWith(t, time.Second), &PutRequest{Key: "k", Value: []byte("v")})
		return !resp.Success && resp.LeaderID == leader.selfID
	})
}

func TestLeaderFailoverPreservesWrites(t *testing.T) {
	addrs := []string{"a:3", "b:3", "c:3"}
	net := newMemNetwork()
	nodes := newTestCluster(t, net, addrs)

	leader := findLeader(t, nodes, nil)
	put := leader.Put(ctxWith(t, 5*time.Second), &PutRequest{Key: "k", Value: []byte("v")})
	if !put.Success {
		t.Fatalf("Put failed: %+v", put)
	}

	// wait until the write reached every state machine, then kill the
	// leader
	waitFor(t, 5*time.Second, "replication before failover", func() bool {
		count := 0
		for _, n := range nodes {
			if _, err := n.store.Get(storage.AnonymousUser, "k"); err == nil {
				count++
			}
		}
		return count == len(nodes)
	})
	net.partition(leader.selfID)

	skip := map[string]bool{leader.selfID: true}
	newLeader := findLeader(t, nodes, skip)
	if newLeader.selfID == leader.selfID {
		t.Fatalf("partitioned leader still counted")
	}

	// the new leader serves the old write once out of safe mode
	waitFor(t, 10*time.Second, "read after failover", func() bool {
		resp := newLeader.Get(ctxWith(t, time.Second), &GetRequest{Key: "k"})
		return resp.Success && resp.Hit && bytes.Equal(resp.Value, []byte("v"))
	})
}

func TestStaleLeaderEntryTruncated(t *testing.T) {
	addrs := []string{"a:4", "b:4", "c:4"}
	net := newMemNetwork()
	nodes := newTestCluster(t, net, addrs)

	leader := findLeader(t, nodes, nil)
	put := leader.Put(ctxWith(t, 5*time.Second), &PutRequest{Key: "k", Value: []byte("v")})
	if !put.Success {
		t.Fatalf("Put failed: %+v", put)
	}
	waitFor(t, 5*time.Second, "replication before partition", func() bool {
		for _, n := range nodes {
			if _, err := n.store.Get(storage.AnonymousUser, "k"); err == nil {
				continue
			}
			return false
		}
		return true
	})

	// partition the leader and let it append an entry it cannot commit
	net.partition(leader.selfID)
	staleCtx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	leader.Put(staleCtx, &PutRequest{Key: "k", Value: []byte("w")})
	cancel()
	staleLength := leader.log.Length()

	skip := map[string]bool{leader.selfID: true}
	newLeader := findLeader(t, nodes, skip)
	put = newLeader.Put(ctxWith(t, 5*time.Second), &PutRequest{Key: "k", Value: []byte("v2")})
	if !put.Success {
		t.Fatalf("Put on new leader failed: %+v", put)
	}

	// heal: the stale entry is truncated away and overwritten
	net.heal(leader.selfID)
	waitFor(t, 10*time.Second, "stale leader catches up", func() bool {
		raw, err := leader.store.Get(storage.AnonymousUser, "k")
		if err != nil {
			return false
		}
		_, value := storage.ParseValue(raw)
		return string(value) == "v2"
	})
	if staleLength <= 0 {
		t.Fatalf("stale leader never appended its entry")
	}
}

// --------------------------------------------------------------------------
// Sessions, Locks, Watches
// --------------------------------------------------------------------------

func TestLockMutualExclusionAndReentry(t *testing.T) {
	net := newMemNetwork()
	nodes := newTestCluster(t, net, []string{"a:5"})
	n := nodes["a:5"]

	waitFor(t, 5*time.Second, "self election", func() bool {
		return n.ShowStatus().Role == Leader
	})
	// wait out the lock gate of a fresh server
	time.Sleep(700 * time.Millisecond)

	n.KeepAlive(&KeepAliveRequest{SessionID: "s1", TimeoutMillis: 60000})
	n.KeepAlive(&KeepAliveRequest{SessionID: "s2", TimeoutMillis: 60000})

	if resp := n.Lock(ctxWith(t, 5*time.Second), &LockRequest{Key: "m", SessionID: "s1"}); !resp.Success {
		t.Fatalf("initial lock failed: %+v", resp)
	}
	if resp := n.Lock(ctxWith(t, 5*time.Second), &LockRequest{Key: "m", SessionID: "s2"}); resp.Success {
		t.Fatalf("lock held by s1 granted to s2")
	}
	// re-entry by the holder succeeds
	if resp := n.Lock(ctxWith(t, 5*time.Second), &LockRequest{Key: "m", SessionID: "s1"}); !resp.Success {
		t.Fatalf("re-entrant lock failed: %+v", resp)
	}
	// explicit unlock frees the key for the other session
	if resp := n.Unlock(ctxWith(t, 5*time.Second), &UnlockRequest{Key: "m", SessionID: "s1"}); !resp.Success {
		t.Fatalf("unlock failed: %+v", resp)
	}
	if resp := n.Lock(ctxWith(t, 5*time.Second), &LockRequest{Key: "m", SessionID: "s2"}); !resp.Success {
		t.Fatalf("lock after unlock failed: %+v", resp)
	}
}

func TestLockAutoReleaseOnSessionExpiry(t *testing.T) {
	net := newMemNetwork()
	nodes := newTestCluster(t, net, []string{"a:6"})
	n := nodes["a:6"]

	waitFor(t, 5*time.Second, "self election", func() bool {
		return n.ShowStatus().Role == Leader
	})
	time.Sleep(700 * time.Millisecond)

	n.KeepAlive(&KeepAliveRequest{SessionID: "s1", Locks: []string{}})
	if resp := n.Lock(ctxWith(t, 5*time.Second), &LockRequest{Key: "m", SessionID: "s1"}); !resp.Success {
		t.Fatalf("lock failed: %+v", resp)
	}

	// s1 stops sending KeepAlives; the sweeper proposes the unlock
	waitFor(t, 10*time.Second, "lock auto release", func() bool {
		n.KeepAlive(&KeepAliveRequest{SessionID: "s2", TimeoutMillis: 60000})
		resp := n.Lock(ctxWith(t, time.Second), &LockRequest{Key: "m", SessionID: "s2"})
		return resp.Success
	})
}

func TestWatchFiresOnce(t *testing.T) {
	net := newMemNetwork()
	nodes := newTestCluster(t, net, []string{"a:7"})
	n := nodes["a:7"]

	waitFor(t, 5*time.Second, "self election", func() bool {
		return n.ShowStatus().Role == Leader
	})
	time.Sleep(700 * time.Millisecond)

	results := make(chan *WatchResponse, 4)
	watchCtx := ctxWith(t, 10*time.Second)
	go func() {
		results <- n.Watch(watchCtx, &WatchRequest{
			Key:       "p",
			SessionID: "s1",
			KeyExist:  false,
		})
	}()
	time.Sleep(100 * time.Millisecond) // let the watch register

	if resp := n.Put(ctxWith(t, 5*time.Second), &PutRequest{Key: "p", Value: []byte("w")}); !resp.Success {
		t.Fatalf("Put failed")
	}

	select {
	case resp := <-results:
		if !resp.Success || resp.Deleted || !bytes.Equal(resp.Value, []byte("w")) {
			t.Fatalf("unexpected watch response: %+v", resp)
		}
		if resp.Key != "p" || resp.WatchKey != "p" {
			t.Fatalf("watch response keys wrong: %+v", resp)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("watch never fired")
	}

	// one-shot: a second write does not produce a second response
	if resp := n.Put(ctxWith(t, 5*time.Second), &PutRequest{Key: "p", Value: []byte("x")}); !resp.Success {
		t.Fatalf("second Put failed")
	}
	select {
	case resp := <-results:
		t.Fatalf("watch fired twice: %+v", resp)
	case <-time.After(300 * time.Millisecond):
	}
}

// --------------------------------------------------------------------------
// Users
// --------------------------------------------------------------------------

func TestRegisterLoginLogoutFlow(t *testing.T) {
	net := newMemNetwork()
	nodes := newTestCluster(t, net, []string{"a:8"})
	n := nodes["a:8"]

	waitFor(t, 5*time.Second, "self election", func() bool {
		return n.ShowStatus().Role == Leader
	})

	reg := n.Register(ctxWith(t, 5*time.Second), &RegisterRequest{Username: "alice", Password: "pw"})
	if reg.Status != RetOK {
		t.Fatalf("Register failed: %+v", reg)
	}
	login := n.Login(ctxWith(t, 5*time.Second), &LoginRequest{Username: "alice", Password: "pw"})
	if login.Status != RetOK || login.UUID == "" {
		t.Fatalf("Login failed: %+v", login)
	}
	badLogin := n.Login(ctxWith(t, 5*time.Second), &LoginRequest{Username: "alice", Password: "nope"})
	if badLogin.Status != RetWrongPassword {
		t.Fatalf("expected WrongPassword, got %+v", badLogin)
	}
	unknown := n.Login(ctxWith(t, 5*time.Second), &LoginRequest{Username: "bob", Password: "pw"})
	if unknown.Status != RetUnknownUser {
		t.Fatalf("expected UnknownUser, got %+v", unknown)
	}

	// the logged-in user writes into an isolated key space
	put := n.Put(ctxWith(t, 5*time.Second), &PutRequest{Key: "k", Value: []byte("private"), UUID: login.UUID})
	if !put.Success {
		t.Fatalf("Put as alice failed: %+v", put)
	}
	anon := n.Get(ctxWith(t, 5*time.Second), &GetRequest{Key: "k"})
	if anon.Hit {
		t.Fatalf("anonymous read must not see alice's key")
	}
	own := n.Get(ctxWith(t, 5*time.Second), &GetRequest{Key: "k", UUID: login.UUID})
	if !own.Hit || !bytes.Equal(own.Value, []byte("private")) {
		t.Fatalf("alice cannot read her own key: %+v", own)
	}

	logout := n.Logout(ctxWith(t, 5*time.Second), &LogoutRequest{UUID: login.UUID})
	if logout.Status != RetOK {
		t.Fatalf("Logout failed: %+v", logout)
	}
	expired := n.Get(ctxWith(t, 5*time.Second), &GetRequest{Key: "k", UUID: login.UUID})
	if !expired.UuidExpired {
		t.Fatalf("expected UuidExpired after logout, got %+v", expired)
	}
}

// --------------------------------------------------------------------------
// Scan
// --------------------------------------------------------------------------

func TestScanRangeAndReservedKey(t *testing.T) {
	net := newMemNetwork()
	nodes := newTestCluster(t, net, []string{"a:9"})
	n := nodes["a:9"]

	waitFor(t, 5*time.Second, "self election", func() bool {
		return n.ShowStatus().Role == Leader
	})
	time.Sleep(700 * time.Millisecond) // scan gate of a fresh server

	for _, k := range []string{"a", "b", "c", "d"} {
		if resp := n.Put(ctxWith(t, 5*time.Second), &PutRequest{Key: k, Value: []byte(k)}); !resp.Success {
			t.Fatalf("Put(%s) failed", k)
		}
	}

	scan := n.Scan(&ScanRequest{StartKey: "a", EndKey: "d", SizeLimit: 10})
	if !scan.Success || scan.HasMore {
		t.Fatalf("Scan failed: %+v", scan)
	}
	if len(scan.Items) != 3 {
		t.Fatalf("expected [a b c], got %+v", scan.Items)
	}
	for _, item := range scan.Items {
		if item.Key == storage.TagLastAppliedIndex {
			t.Fatalf("reserved key leaked into scan")
		}
	}

	limited := n.Scan(&ScanRequest{StartKey: "", EndKey: "", SizeLimit: 2})
	if len(limited.Items) != 2 || !limited.HasMore {
		t.Fatalf("size limit not honored: %+v", limited)
	}
}
