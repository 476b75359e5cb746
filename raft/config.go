package raft

import "time"

// --------------------------------------------------------------------------
// Timing Constants
// --------------------------------------------------------------------------

const (
	// heartbeatInterval is the fixed leader heartbeat cadence.
	heartbeatInterval = 50 * time.Millisecond

	// replicatorIdleWait bounds how long a replicator sleeps when no new
	// entries exist before re-checking.
	replicatorIdleWait = 2 * time.Second

	// sessionSweepInterval is the cadence of the expired-session sweep.
	sessionSweepInterval = 2 * time.Second

	// snapshotStartupDelay postpones the first periodic snapshot after boot.
	snapshotStartupDelay = 10 * time.Second

	// rpcControlTimeout applies to votes, heartbeats and status probes.
	rpcControlTimeout = 2 * time.Second

	// rpcReplicationTimeout applies to entry batches and snapshot packets.
	rpcReplicationTimeout = 60 * time.Second

	// maxScanBytes caps the payload of a single Scan response.
	maxScanBytes = 26 << 20
)

// --------------------------------------------------------------------------
// Config
// --------------------------------------------------------------------------

// Config holds all tunables of a node.
type Config struct {
	// SelfID is this node's address ("host:port"), also its cluster id.
	SelfID string

	// Members is the bootstrap cluster membership, including SelfID
	// (unless Quiet is set).
	Members []string

	// Storage locations. Each node stores under <dir>/<id with colons
	// replaced by underscores>.
	DataDir     string
	BinlogDir   string
	SnapshotDir string

	// Election timeouts; each timer run picks a random value in between.
	ElectTimeoutMin time.Duration
	ElectTimeoutMax time.Duration

	// SessionExpireTimeout is the lease length of a client session and
	// the quiescent window of a fresh leader.
	SessionExpireTimeout time.Duration

	// LogRepBatchMax caps entries per AppendEntries batch.
	LogRepBatchMax int

	// MaxWritePending caps unacknowledged client proposals.
	MaxWritePending int

	// MaxCommitPending caps how far commit may run ahead of apply before
	// a follower pushes back.
	MaxCommitPending int64

	// MinLogGap is how close a joining node must have caught up before
	// the membership change entry is written.
	MinLogGap int64

	// ReplicationRetrySpan is the backoff after a failed or refused
	// replication RPC.
	ReplicationRetrySpan time.Duration

	// GCInterval is the cadence of the log compaction round.
	GCInterval time.Duration

	// AddNodeTimeout bounds how long a membership change may stay
	// uncommitted before the caller is failed.
	AddNodeTimeout time.Duration

	// Log compaction and snapshotting.
	EnableLogCompaction    bool
	EnableSnapshot         bool
	SnapshotInterval       time.Duration
	MaxSnapshotRequestSize int

	// Quiet starts the node as a non-member: no election timer, not
	// counted in any majority, promoted by a committed AddNode entry.
	Quiet bool

	// TraceRatio samples client requests into the access log ([0, 1]).
	TraceRatio float64
}

// DefaultConfig returns a config with production defaults; SelfID and
// Members must still be set.
func DefaultConfig() Config {
	return Config{
		DataDir:                "data",
		BinlogDir:              "binlog",
		SnapshotDir:            "snapshot",
		ElectTimeoutMin:        1 * time.Second,
		ElectTimeoutMax:        2 * time.Second,
		SessionExpireTimeout:   30 * time.Second,
		LogRepBatchMax:         500,
		MaxWritePending:        10000,
		MaxCommitPending:       10000,
		MinLogGap:              64,
		ReplicationRetrySpan:   2 * time.Second,
		GCInterval:             60 * time.Second,
		AddNodeTimeout:         60 * time.Second,
		EnableLogCompaction:    true,
		EnableSnapshot:         true,
		SnapshotInterval:       10 * time.Minute,
		MaxSnapshotRequestSize: 1 << 20,
	}
}

func (c *Config) withDefaults() Config {
	out := *c
	def := DefaultConfig()
	if out.DataDir == "" {
		out.DataDir = def.DataDir
	}
	if out.BinlogDir == "" {
		out.BinlogDir = def.BinlogDir
	}
	if out.SnapshotDir == "" {
		out.SnapshotDir = def.SnapshotDir
	}
	if out.ElectTimeoutMin == 0 {
		out.ElectTimeoutMin = def.ElectTimeoutMin
	}
	if out.ElectTimeoutMax == 0 {
		out.ElectTimeoutMax = def.ElectTimeoutMax
	}
	if out.SessionExpireTimeout == 0 {
		out.SessionExpireTimeout = def.SessionExpireTimeout
	}
	if out.LogRepBatchMax == 0 {
		out.LogRepBatchMax = def.LogRepBatchMax
	}
	if out.MaxWritePending == 0 {
		out.MaxWritePending = def.MaxWritePending
	}
	if out.MaxCommitPending == 0 {
		out.MaxCommitPending = def.MaxCommitPending
	}
	if out.MinLogGap == 0 {
		out.MinLogGap = def.MinLogGap
	}
	if out.ReplicationRetrySpan == 0 {
		out.ReplicationRetrySpan = def.ReplicationRetrySpan
	}
	if out.GCInterval == 0 {
		out.GCInterval = def.GCInterval
	}
	if out.AddNodeTimeout == 0 {
		out.AddNodeTimeout = def.AddNodeTimeout
	}
	if out.SnapshotInterval == 0 {
		out.SnapshotInterval = def.SnapshotInterval
	}
	if out.MaxSnapshotRequestSize == 0 {
		out.MaxSnapshotRequestSize = def.MaxSnapshotRequestSize
	}
	return out
}
