package cluster

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/accord-kv/accord/cmd/util"
	"github.com/accord-kv/accord/rpc/client"
)

var (
	rpcClient *client.Client

	// ClusterCommands represents the cluster administration command group
	ClusterCommands = &cobra.Command{
		Use:               "cluster",
		Short:             "Cluster administration",
		PersistentPreRunE: setupClient,
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the consensus position of a node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := rpcClient.ShowStatus()
			if err != nil {
				return err
			}
			fmt.Printf("role:           %s\n", resp.Role)
			fmt.Printf("term:           %d\n", resp.Term)
			fmt.Printf("last log index: %d\n", resp.LastLogIndex)
			fmt.Printf("last log term:  %d\n", resp.LastLogTerm)
			fmt.Printf("commit index:   %d\n", resp.CommitIndex)
			fmt.Printf("last applied:   %d\n", resp.LastApplied)
			return nil
		},
	}

	addNodeCmd = &cobra.Command{
		Use:   "add-node [address]",
		Short: "Admit a new server to the cluster",
		Long:  "Admit a new server to the cluster. The server should be running in quiet mode; it is caught up first and counted toward majorities once the membership change commits.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := rpcClient.AddNode(args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("membership change refused or timed out")
			}
			fmt.Println("node added")
			return nil
		},
	}

	removeNodeCmd = &cobra.Command{
		Use:   "remove-node [address]",
		Short: "Retire a server from the cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := rpcClient.RemoveNode(args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("membership change refused or timed out")
			}
			fmt.Println("node removed")
			return nil
		},
	}

	statCmd = &cobra.Command{
		Use:   "stat",
		Short: "Show the per-operation request rates of a node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, role, err := rpcClient.RpcStat(nil)
			if err != nil {
				return err
			}
			fmt.Printf("role: %s\n", role)
			fmt.Printf("%-12s %12s %12s\n", "op", "current/s", "average/s")
			for _, stat := range stats {
				fmt.Printf("%-12s %12.2f %12.2f\n", stat.Op, stat.Current, stat.Average)
			}
			return nil
		},
	}
)

func init() {
	cobra.OnInitialize(util.InitClientConfig)
	util.SetupRPCClientFlags(ClusterCommands)
	ClusterCommands.AddCommand(statusCmd)
	ClusterCommands.AddCommand(addNodeCmd)
	ClusterCommands.AddCommand(removeNodeCmd)
	ClusterCommands.AddCommand(statCmd)
}

func setupClient(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	c, err := util.NewRPCClient()
	if err != nil {
		return err
	}
	rpcClient = c
	return nil
}
