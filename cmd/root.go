package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/accord-kv/accord/cmd/cluster"
	"github.com/accord-kv/accord/cmd/kv"
	"github.com/accord-kv/accord/cmd/lock"
	"github.com/accord-kv/accord/cmd/serve"
	"github.com/accord-kv/accord/cmd/user"
	"github.com/accord-kv/accord/cmd/util"
)

const (
	Version = "0.3.1"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "accord",
		Short: "replicated coordination service",
		Long: fmt.Sprintf(`accord (v%s)

A replicated, strongly-consistent coordination service: a distributed
key-value store with linearizable reads and writes, sessions, advisory
locks and per-key watches, built on leader-based log replication.`, Version),
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of accord",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("accord v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(kv.KeyValueCommands)
	RootCmd.AddCommand(lock.LockCommands)
	RootCmd.AddCommand(user.UserCommands)
	RootCmd.AddCommand(cluster.ClusterCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "json", util.WrapString("serializer to use (json, gob)"))
	key = "transport"
	RootCmd.PersistentFlags().String(key, "tcp", util.WrapString("transport to use (tcp, unix)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
