package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/accord-kv/accord/raft"
)

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

// ServerConfig holds all configuration parameters of one cluster node:
// its identity, the consensus tunables and the client-facing endpoint.
type ServerConfig struct {
	// Node identity and cluster bootstrap
	SelfID  string
	Members []string

	// Storage locations
	DataDir     string
	BinlogDir   string
	SnapshotDir string

	// Consensus parameters
	ElectTimeoutMinMs      int64
	ElectTimeoutMaxMs      int64
	SessionExpireTimeoutMs int64
	LogRepBatchMax         int
	MaxWritePending        int
	MaxCommitPending       int64
	MinLogGap              int64
	ReplicationRetryMs     int64
	GCIntervalSec          int64
	AddNodeTimeoutSec      int64
	EnableLogCompaction    bool
	EnableSnapshot         bool
	SnapshotIntervalSec    int64
	MaxSnapshotRequestSize int
	Quiet                  bool
	TraceRatio             float64

	// RPC settings
	TimeoutSecond int64
	MetricsAddr   string

	// Logging configuration
	LogLevel string
}

// ToRaftConfig converts the server configuration into the consensus
// core's config.
func (c *ServerConfig) ToRaftConfig() raft.Config {
	return raft.Config{
		SelfID:                 c.SelfID,
		Members:                c.Members,
		DataDir:                c.DataDir,
		BinlogDir:              c.BinlogDir,
		SnapshotDir:            c.SnapshotDir,
		ElectTimeoutMin:        time.Duration(c.ElectTimeoutMinMs) * time.Millisecond,
		ElectTimeoutMax:        time.Duration(c.ElectTimeoutMaxMs) * time.Millisecond,
		SessionExpireTimeout:   time.Duration(c.SessionExpireTimeoutMs) * time.Millisecond,
		LogRepBatchMax:         c.LogRepBatchMax,
		MaxWritePending:        c.MaxWritePending,
		MaxCommitPending:       c.MaxCommitPending,
		MinLogGap:              c.MinLogGap,
		ReplicationRetrySpan:   time.Duration(c.ReplicationRetryMs) * time.Millisecond,
		GCInterval:             time.Duration(c.GCIntervalSec) * time.Second,
		AddNodeTimeout:         time.Duration(c.AddNodeTimeoutSec) * time.Second,
		EnableLogCompaction:    c.EnableLogCompaction,
		EnableSnapshot:         c.EnableSnapshot,
		SnapshotInterval:       time.Duration(c.SnapshotIntervalSec) * time.Second,
		MaxSnapshotRequestSize: c.MaxSnapshotRequestSize,
		Quiet:                  c.Quiet,
		TraceRatio:             c.TraceRatio,
	}
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-24s: %s\n", name, value))
	}

	addSection("Node Identity")
	addField("Address", c.SelfID)
	addField("Quiet Mode", strconv.FormatBool(c.Quiet))

	addSection("Cluster")
	for i, member := range c.Members {
		addField(fmt.Sprintf("Member %d", i), member)
	}

	addSection("Consensus Parameters")
	addField("Elect Timeout", fmt.Sprintf("%d-%d ms", c.ElectTimeoutMinMs, c.ElectTimeoutMaxMs))
	addField("Session Expire Timeout", fmt.Sprintf("%d ms", c.SessionExpireTimeoutMs))
	addField("Replication Batch Max", strconv.Itoa(c.LogRepBatchMax))
	addField("Max Write Pending", strconv.Itoa(c.MaxWritePending))
	addField("Max Commit Pending", strconv.FormatInt(c.MaxCommitPending, 10))
	addField("Min Log Gap", strconv.FormatInt(c.MinLogGap, 10))
	addField("Replication Retry", fmt.Sprintf("%d ms", c.ReplicationRetryMs))

	addSection("Compaction and Snapshots")
	addField("Log Compaction", strconv.FormatBool(c.EnableLogCompaction))
	addField("GC Interval", fmt.Sprintf("%d sec", c.GCIntervalSec))
	addField("Snapshots", strconv.FormatBool(c.EnableSnapshot))
	addField("Snapshot Interval", fmt.Sprintf("%d sec", c.SnapshotIntervalSec))
	addField("Snapshot Packet Size", strconv.Itoa(c.MaxSnapshotRequestSize))

	addSection("Storage")
	addField("Data Directory", c.DataDir)
	addField("Binlog Directory", c.BinlogDir)
	addField("Snapshot Directory", c.SnapshotDir)

	addSection("RPC Server")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Metrics Endpoint", c.MetricsAddr)

	addSection("Logging")
	addField("Log Level", c.LogLevel)
	addField("Trace Ratio", fmt.Sprintf("%.3f", c.TraceRatio))

	return sb.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

type ClientConfig struct {
	Endpoints              []string
	TimeoutSecond          int
	RetryCount             int
	ConnectionsPerEndpoint int
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-24s: %s\n", name, value))
	}

	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.RetryCount))
	addField("Connections Per Endpoint", strconv.Itoa(max(1, c.ConnectionsPerEndpoint)))

	addSection("Endpoints")
	for i, endpoint := range c.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}
