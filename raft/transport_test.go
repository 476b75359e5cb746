package raft

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// --------------------------------------------------------------------------
// In-Memory Network
// --------------------------------------------------------------------------

// memNetwork routes peer RPCs between nodes of a test cluster and can
// partition or kill individual nodes.
type memNetwork struct {
	mu    sync.Mutex
	nodes map[string]*Node
	down  map[string]bool
}

func newMemNetwork() *memNetwork {
	return &memNetwork{
		nodes: make(map[string]*Node),
		down:  make(map[string]bool),
	}
}

func (net *memNetwork) register(n *Node) {
	net.mu.Lock()
	defer net.mu.Unlock()
	net.nodes[n.selfID] = n
}

// partition cuts a node off: it can neither send nor receive.
func (net *memNetwork) partition(addr string) {
	net.mu.Lock()
	defer net.mu.Unlock()
	net.down[addr] = true
}

func (net *memNetwork) heal(addr string) {
	net.mu.Lock()
	defer net.mu.Unlock()
	delete(net.down, addr)
}

var errUnreachable = errors.New("memnetwork: peer unreachable")

func (net *memNetwork) target(from, to string) (*Node, error) {
	net.mu.Lock()
	defer net.mu.Unlock()
	if net.down[from] || net.down[to] {
		return nil, errUnreachable
	}
	n, ok := net.nodes[to]
	if !ok {
		return nil, errUnreachable
	}
	return n, nil
}

// memTransport is one node's view of the network.
type memTransport struct {
	net  *memNetwork
	self string
}

func (t *memTransport) Vote(addr string, req *VoteRequest, _ time.Duration) (*VoteResponse, error) {
	n, err := t.net.target(t.self, addr)
	if err != nil {
		return nil, err
	}
	return n.HandleVote(req), nil
}

func (t *memTransport) AppendEntries(addr string, req *AppendEntriesRequest, _ time.Duration) (*AppendEntriesResponse, error) {
	n, err := t.net.target(t.self, addr)
	if err != nil {
		return nil, err
	}
	return n.HandleAppendEntries(req), nil
}

func (t *memTransport) InstallSnapshot(addr string, req *InstallSnapshotRequest, _ time.Duration) (*InstallSnapshotResponse, error) {
	n, err := t.net.target(t.self, addr)
	if err != nil {
		return nil, err
	}
	return n.HandleInstallSnapshot(req), nil
}

func (t *memTransport) ShowStatus(addr string, _ time.Duration) (*ShowStatusResponse, error) {
	n, err := t.net.target(t.self, addr)
	if err != nil {
		return nil, err
	}
	return n.ShowStatus(), nil
}

func (t *memTransport) CleanBinlog(addr string, req *CleanBinlogRequest, _ time.Duration) (*CleanBinlogResponse, error) {
	n, err := t.net.target(t.self, addr)
	if err != nil {
		return nil, err
	}
	return n.HandleCleanBinlog(req), nil
}

func (t *memTransport) KeepAlive(addr string, req *KeepAliveRequest, _ time.Duration) (*KeepAliveResponse, error) {
	n, err := t.net.target(t.self, addr)
	if err != nil {
		return nil, err
	}
	return n.KeepAlive(req), nil
}

// --------------------------------------------------------------------------
// Cluster Harness
// --------------------------------------------------------------------------

func testConfig(t *testing.T, id string, members []string) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		SelfID:               id,
		Members:              members,
		DataDir:              dir + "/data",
		BinlogDir:            dir + "/binlog",
		SnapshotDir:          dir + "/snapshot",
		ElectTimeoutMin:      150 * time.Millisecond,
		ElectTimeoutMax:      300 * time.Millisecond,
		SessionExpireTimeout: 500 * time.Millisecond,
		LogRepBatchMax:       64,
		MaxWritePending:      1000,
		MaxCommitPending:     1000,
		MinLogGap:            64,
		ReplicationRetrySpan: 100 * time.Millisecond,
		GCInterval:           time.Hour,
		AddNodeTimeout:       10 * time.Second,
	}
}

func newTestNode(t *testing.T, net *memNetwork, cfg Config) *Node {
	t.Helper()
	n, err := NewNode(cfg, &memTransport{net: net, self: cfg.SelfID})
	if err != nil {
		t.Fatalf("NewNode(%s) failed: %v", cfg.SelfID, err)
	}
	net.register(n)
	return n
}

// newTestCluster starts a cluster of the given addresses and registers
// cleanup for every node.
func newTestCluster(t *testing.T, net *memNetwork, addrs []string) map[string]*Node {
	t.Helper()
	nodes := make(map[string]*Node, len(addrs))
	for _, addr := range addrs {
		cfg := testConfig(t, addr, addrs)
		nodes[addr] = newTestNode(t, net, cfg)
	}
	for _, n := range nodes {
		n.Start()
	}
	t.Cleanup(func() {
		for _, n := range nodes {
			n.Stop()
		}
	})
	return nodes
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// findLeader waits until exactly one live node reports leadership and
// returns it.
func findLeader(t *testing.T, nodes map[string]*Node, skip map[string]bool) *Node {
	t.Helper()
	var leader *Node
	waitFor(t, 10*time.Second, "leader election", func() bool {
		leader = nil
		count := 0
		for addr, n := range nodes {
			if skip[addr] {
				continue
			}
			if n.ShowStatus().Role == Leader {
				leader = n
				count++
			}
		}
		return count == 1
	})
	return leader
}
