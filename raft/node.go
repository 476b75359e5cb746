package raft

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/accord-kv/accord/lib/auth"
	"github.com/accord-kv/accord/lib/binlog"
	"github.com/accord-kv/accord/lib/meta"
	"github.com/accord-kv/accord/lib/session"
	"github.com/accord-kv/accord/lib/snapshot"
	"github.com/accord-kv/accord/lib/storage"
	"github.com/accord-kv/accord/lib/watch"
)

var log = logger.GetLogger("raft")

// --------------------------------------------------------------------------
// Client Acknowledgements
// --------------------------------------------------------------------------

// applyResult is what the apply loop hands back to a waiting client call
// once the entry that satisfies it has been applied.
type applyResult struct {
	ok     bool
	status RetCode
	uuid   string // login only
}

// clientAck is a pending client completion, keyed in Node.clientAck by
// the log index that satisfies it. done is invoked exactly once.
type clientAck struct {
	op   binlog.Op
	done func(applyResult)
}

// memberChangeContext is the single in-flight membership change on the
// leader.
type memberChangeContext struct {
	nodeAddr string
	logIndex int64
	timer    *time.Timer
	done     func(ok bool)
}

// --------------------------------------------------------------------------
// Node
// --------------------------------------------------------------------------

// Node is one replica of the coordination service: the consensus core,
// the state machine and the session, lock and watch bookkeeping layered
// on top of it.
type Node struct {
	cfg    Config
	selfID string

	// durable collaborators
	log    *binlog.Log
	meta   *meta.Store
	store  *storage.Manager
	users  *auth.Manager
	snaps  *snapshot.Store
	transp Transport

	// mu is the core mutex: role state, indexes, membership, replication
	// progress, client acks. snapMu is the snapshot-exclusion lock and is
	// acquired before mu where both are needed.
	mu     sync.Mutex
	snapMu sync.Mutex

	stop          bool
	stopCh        chan struct{}
	role          Role
	currentTerm   int64
	voteGrant     map[int64]int
	currentLeader string

	heartbeatCount      int
	inSafeMode          bool
	singleNode          bool
	quiet               bool
	serverStartMicros   int64
	heartbeatReadMicros int64

	commitIndex int64
	lastApplied int64

	// commitCond wakes the apply loop; replCh is closed and replaced to
	// broadcast to the replicators (a cond var cannot wait with timeout).
	commitCond *sync.Cond
	replCh     chan struct{}

	members        []string
	changedMembers map[int64][]string

	nextIndex   map[string]int64
	matchIndex  map[string]int64
	replicating map[string]bool

	clientAck     map[int64]*clientAck
	memberChange  *memberChangeContext
	lastSafeClean int64

	// snapshot install progress, guarded by snapMu
	doingSnapshotTS int64
	installWriter   *snapshot.Writer

	sessions *session.Table
	watches  *watch.Table

	sessionLocksMu sync.Mutex
	sessionLocks   map[string]map[string]struct{}

	electionTimer *time.Timer
	stats         *Stats
	wg            sync.WaitGroup
}

// NewNode opens the durable state of the replica and assembles a node.
// Start must be called before the node participates in the cluster.
func NewNode(cfg Config, transport Transport) (*Node, error) {
	cfg = cfg.withDefaults()
	if cfg.SelfID == "" {
		return nil, fmt.Errorf("raft: SelfID is required")
	}
	subDir := strings.ReplaceAll(cfg.SelfID, ":", "_")

	metaStore, err := meta.Open(filepath.Join(cfg.DataDir, subDir))
	if err != nil {
		return nil, err
	}
	binLog, err := binlog.Open(filepath.Join(cfg.BinlogDir, subDir))
	if err != nil {
		return nil, err
	}
	snapStore, err := snapshot.NewStore(filepath.Join(cfg.SnapshotDir, subDir))
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:             cfg,
		selfID:          cfg.SelfID,
		log:             binLog,
		meta:            metaStore,
		store:           storage.NewManager(),
		snaps:           snapStore,
		transp:          transport,
		role:            Follower,
		voteGrant:       make(map[int64]int),
		inSafeMode:      true,
		quiet:           cfg.Quiet,
		stopCh:          make(chan struct{}),
		commitIndex:     -1,
		lastApplied:     -1,
		replCh:          make(chan struct{}),
		changedMembers:  make(map[int64][]string),
		nextIndex:       make(map[string]int64),
		matchIndex:      make(map[string]int64),
		replicating:     make(map[string]bool),
		clientAck:       make(map[int64]*clientAck),
		lastSafeClean:   -1,
		doingSnapshotTS: -1,
		sessions:        session.NewTable(),
		watches:         watch.NewTable(),
		sessionLocks:    make(map[string]map[string]struct{}),
		stats:           NewStats(),
	}
	n.commitCond = sync.NewCond(&n.mu)

	root := metaStore.Root()
	n.users = auth.NewManager(root.Username, root.PasswordHash)
	n.currentTerm = metaStore.CurrentTerm()

	selfInCluster := false
	for _, member := range cfg.Members {
		if member == cfg.SelfID && cfg.Quiet {
			// quiet joiners are not counted until their AddNode commits
			continue
		}
		n.members = append(n.members, member)
		if member == cfg.SelfID {
			selfInCluster = true
		}
	}
	if !selfInCluster && !cfg.Quiet {
		return nil, fmt.Errorf("raft: %s is not in the cluster membership", cfg.SelfID)
	}
	if len(n.members) == 1 {
		n.singleNode = true
	}
	n.changedMembers[-1] = append([]string(nil), n.members...)

	if raw, err := n.store.Get(storage.AnonymousUser, storage.TagLastAppliedIndex); err == nil {
		if idx, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
			n.lastApplied = idx
		}
	}
	if cfg.EnableSnapshot && snapStore.Has() {
		if err := n.loadSnapshot(); err != nil {
			log.Warningf("load snapshot on startup failed: %v", err)
		}
	}
	return n, nil
}

// Start launches the background workers of the node.
func (n *Node) Start() {
	n.mu.Lock()
	n.serverStartMicros = nowMicros()
	if !n.quiet {
		n.checkLeaderCrash()
	}
	n.mu.Unlock()

	n.wg.Add(2)
	go n.commitIndexObserv()
	go n.sessionSweeper()
	if n.cfg.EnableLogCompaction {
		n.wg.Add(1)
		go n.garbageCleanLoop()
	}
	if n.cfg.EnableSnapshot {
		n.wg.Add(1)
		go n.snapshotLoop()
	}
}

// Stop shuts the node down: workers are woken and joined, in-flight RPCs
// drain via their timeouts.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stop {
		n.mu.Unlock()
		return
	}
	n.stop = true
	close(n.stopCh)
	if n.electionTimer != nil {
		n.electionTimer.Stop()
	}
	n.commitCond.Broadcast()
	n.replBroadcast()
	n.failPendingAcksLocked()
	n.mu.Unlock()

	n.wg.Wait()
	n.log.Close()
	n.meta.Close()
}

// --------------------------------------------------------------------------
// Shared Helpers (mu held unless noted)
// --------------------------------------------------------------------------

func nowMicros() int64 { return time.Now().UnixMicro() }

// replBroadcast wakes all replicators. Callers hold mu.
func (n *Node) replBroadcast() {
	close(n.replCh)
	n.replCh = make(chan struct{})
}

// replWait blocks until the next replication broadcast or the timeout,
// releasing mu while waiting.
func (n *Node) replWait(timeout time.Duration) {
	ch := n.replCh
	n.mu.Unlock()
	select {
	case <-ch:
	case <-time.After(timeout):
	}
	n.mu.Lock()
}

// transToFollower steps down into the given, higher term. The term write
// is durable before the new role is observable.
func (n *Node) transToFollower(caller string, newTerm int64) {
	log.Infof("%s: term is outdated (%d < %d), trans to follower",
		caller, n.currentTerm, newTerm)
	n.role = Follower
	n.currentTerm = newTerm
	if err := n.meta.WriteCurrentTerm(newTerm); err != nil {
		log.Panicf("persist term: %v", err)
	}
	n.failPendingAcksLocked()
}

// failPendingAcksLocked completes every pending client ack as failed.
// Called on leadership loss and on shutdown; the entries may still
// commit later, but this node can no longer confirm them.
func (n *Node) failPendingAcksLocked() {
	for idx, ack := range n.clientAck {
		ack.done(applyResult{ok: false, status: RetNotLeader})
		delete(n.clientAck, idx)
	}
	if n.memberChange != nil {
		n.memberChange.timer.Stop()
		n.memberChange.done(false)
		n.memberChange = nil
	}
}

func (n *Node) lastLogIndexAndTerm() (int64, int64) {
	return n.log.LastIndexAndTerm()
}

func (n *Node) isMember(addr string) bool {
	for _, m := range n.members {
		if m == addr {
			return true
		}
	}
	return false
}

// ShowStatus reports the node's consensus position.
func (n *Node) ShowStatus() *ShowStatusResponse {
	lastIndex, lastTerm := n.lastLogIndexAndTerm()
	n.mu.Lock()
	defer n.mu.Unlock()
	return &ShowStatusResponse{
		Role:         n.role,
		Term:         n.currentTerm,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
		CommitIndex:  n.commitIndex,
		LastApplied:  n.lastApplied,
	}
}

// Stats returns the node's RPC meters.
func (n *Node) Stats() *Stats { return n.stats }

// RpcStat reports the momentary and lifetime request rates per operation.
func (n *Node) RpcStat(ops []string) *RpcStatResponse {
	n.mu.Lock()
	role := n.role
	n.mu.Unlock()
	return &RpcStatResponse{Role: role, Stats: n.stats.Report(ops)}
}

// --------------------------------------------------------------------------
// Value Helpers
// --------------------------------------------------------------------------

// bindKeyAndUser prefixes a key with its user for the watch indexes.
func bindKeyAndUser(user, key string) string {
	return user + "::" + key
}

// keyFromEvent strips the user prefix added by bindKeyAndUser.
func keyFromEvent(eventKey string) string {
	if i := strings.Index(eventKey, "::"); i >= 0 {
		return eventKey[i+2:]
	}
	return eventKey
}

// parentKey returns the directory component of a hierarchical key.
func parentKey(key string) (string, bool) {
	if i := strings.LastIndex(key, "/"); i >= 0 {
		return key[:i], true
	}
	return "", false
}
