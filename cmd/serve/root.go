package serve

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdUtil "github.com/accord-kv/accord/cmd/util"
	"github.com/accord-kv/accord/rpc/common"
	"github.com/accord-kv/accord/rpc/server"
	"github.com/accord-kv/accord/rpc/transport"
	"github.com/accord-kv/accord/rpc/transport/tcp"
	"github.com/accord-kv/accord/rpc/transport/unix"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start an accord cluster node",
		Long:    `Start an accord cluster node with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is ACCORD_<flag> (e.g. ACCORD_ELECT_TIMEOUT_MIN=1000)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(initConfig)

	// add flags
	key := "self-id"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address of this node (host:port). Used as the cluster identity and the listen endpoint"))

	key = "members"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Comma-separated list of cluster member addresses, including this node (unless quiet mode)"))

	key = "data-dir"
	ServeCmd.PersistentFlags().String(key, "data", cmdUtil.WrapString("Directory for the term/vote meta files and the user stores"))

	key = "binlog-dir"
	ServeCmd.PersistentFlags().String(key, "binlog", cmdUtil.WrapString("Directory for the operation log"))

	key = "snapshot-dir"
	ServeCmd.PersistentFlags().String(key, "snapshot", cmdUtil.WrapString("Directory for the state snapshots"))

	key = "elect-timeout-min"
	ServeCmd.PersistentFlags().Int64(key, 1000, cmdUtil.WrapString("Lower bound of the randomized election timeout (ms)"))

	key = "elect-timeout-max"
	ServeCmd.PersistentFlags().Int64(key, 2000, cmdUtil.WrapString("Upper bound of the randomized election timeout (ms)"))

	key = "session-expire-timeout"
	ServeCmd.PersistentFlags().Int64(key, 30000, cmdUtil.WrapString("Client session lease length (ms). Also gates lock and scan traffic on a fresh leader"))

	key = "log-rep-batch-max"
	ServeCmd.PersistentFlags().Int(key, 500, cmdUtil.WrapString("Maximum number of log entries per replication batch"))

	key = "max-write-pending"
	ServeCmd.PersistentFlags().Int(key, 10000, cmdUtil.WrapString("Maximum number of unacknowledged client proposals"))

	key = "max-commit-pending"
	ServeCmd.PersistentFlags().Int64(key, 10000, cmdUtil.WrapString("How far commit may run ahead of apply before this node pushes back on its leader"))

	key = "min-log-gap"
	ServeCmd.PersistentFlags().Int64(key, 64, cmdUtil.WrapString("How close a joining node must have caught up before the membership change entry is written"))

	key = "replication-retry-timespan"
	ServeCmd.PersistentFlags().Int64(key, 2000, cmdUtil.WrapString("Backoff after a failed or refused replication RPC (ms)"))

	key = "gc-interval"
	ServeCmd.PersistentFlags().Int64(key, 60, cmdUtil.WrapString("Cadence of the log compaction round (sec)"))

	key = "add-node-timeout"
	ServeCmd.PersistentFlags().Int64(key, 60, cmdUtil.WrapString("How long a membership change may stay uncommitted before the caller is failed (sec)"))

	key = "enable-log-compaction"
	ServeCmd.PersistentFlags().Bool(key, true, cmdUtil.WrapString("Whether to run the cluster-wide log compaction round"))

	key = "enable-snapshot"
	ServeCmd.PersistentFlags().Bool(key, true, cmdUtil.WrapString("Whether to write periodic snapshots of the applied state"))

	key = "snapshot-interval"
	ServeCmd.PersistentFlags().Int64(key, 600, cmdUtil.WrapString("Cadence of the periodic snapshot writer (sec)"))

	key = "max-snapshot-request-size"
	ServeCmd.PersistentFlags().Int(key, 1024*1024, cmdUtil.WrapString("Maximum payload of one snapshot transfer packet (bytes)"))

	key = "quiet"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Start as a non-member: no election timer, promoted by a committed AddNode entry"))

	key = "trace-ratio"
	ServeCmd.PersistentFlags().Float64(key, 0, cmdUtil.WrapString("Fraction of client requests sampled into the access log (0-1)"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 30, cmdUtil.WrapString("RPC timeout in seconds"))

	key = "metrics-addr"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address of the debug/metrics HTTP endpoint (e.g. :6060, empty to disable)"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and
// environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	serveCmdConfig.SelfID = viper.GetString("self-id")
	if serveCmdConfig.SelfID == "" {
		return fmt.Errorf("self-id is required")
	}

	members := viper.GetString("members")
	if members == "" {
		return fmt.Errorf("members is required")
	}
	serveCmdConfig.Members = nil
	for _, member := range strings.Split(members, ",") {
		serveCmdConfig.Members = append(serveCmdConfig.Members, strings.TrimSpace(member))
	}

	serveCmdConfig.DataDir = viper.GetString("data-dir")
	serveCmdConfig.BinlogDir = viper.GetString("binlog-dir")
	serveCmdConfig.SnapshotDir = viper.GetString("snapshot-dir")
	serveCmdConfig.ElectTimeoutMinMs = viper.GetInt64("elect-timeout-min")
	serveCmdConfig.ElectTimeoutMaxMs = viper.GetInt64("elect-timeout-max")
	serveCmdConfig.SessionExpireTimeoutMs = viper.GetInt64("session-expire-timeout")
	serveCmdConfig.LogRepBatchMax = viper.GetInt("log-rep-batch-max")
	serveCmdConfig.MaxWritePending = viper.GetInt("max-write-pending")
	serveCmdConfig.MaxCommitPending = viper.GetInt64("max-commit-pending")
	serveCmdConfig.MinLogGap = viper.GetInt64("min-log-gap")
	serveCmdConfig.ReplicationRetryMs = viper.GetInt64("replication-retry-timespan")
	serveCmdConfig.GCIntervalSec = viper.GetInt64("gc-interval")
	serveCmdConfig.AddNodeTimeoutSec = viper.GetInt64("add-node-timeout")
	serveCmdConfig.EnableLogCompaction = viper.GetBool("enable-log-compaction")
	serveCmdConfig.EnableSnapshot = viper.GetBool("enable-snapshot")
	serveCmdConfig.SnapshotIntervalSec = viper.GetInt64("snapshot-interval")
	serveCmdConfig.MaxSnapshotRequestSize = viper.GetInt("max-snapshot-request-size")
	serveCmdConfig.Quiet = viper.GetBool("quiet")
	serveCmdConfig.TraceRatio = viper.GetFloat64("trace-ratio")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.MetricsAddr = viper.GetString("metrics-addr")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	if serveCmdConfig.ElectTimeoutMinMs >= serveCmdConfig.ElectTimeoutMaxMs {
		return fmt.Errorf("elect-timeout-min must be below elect-timeout-max")
	}

	// this node must be part of the configured cluster (quiet joiners
	// are admitted later via AddNode)
	selfInCluster := false
	for _, member := range serveCmdConfig.Members {
		if member == serveCmdConfig.SelfID {
			selfInCluster = true
		}
	}
	if !selfInCluster && !serveCmdConfig.Quiet {
		return fmt.Errorf("no member entry found for self-id %s", serveCmdConfig.SelfID)
	}

	return nil
}

// run starts the accord node
func run(_ *cobra.Command, _ []string) error {

	// parse the serializer
	s, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}

	// Parse the transport
	var t transport.IRPCServerTransport
	switch viper.GetString("transport") {
	case "tcp":
		t = tcp.NewTCPServerTransport()
	case "unix":
		t = unix.NewUnixServerTransport()
	default:
		return fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}

	serv := server.NewRPCServer(
		*serveCmdConfig,
		t,
		s,
	)

	return serv.Serve()
}

// initConfig reads in serveCmdConfig file and ENV variables if set.
func initConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("accord")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}
