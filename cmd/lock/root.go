package lock

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lithammer/shortuuid/v3"
	"github.com/spf13/cobra"

	"github.com/accord-kv/accord/cmd/util"
	"github.com/accord-kv/accord/rpc/client"
)

var (
	rpcClient *client.Client
	sessionID string

	// LockCommands represents the lock command group
	LockCommands = &cobra.Command{
		Use:               "lock",
		Short:             "Perform advisory lock operations",
		PersistentPreRunE: setupClient,
	}

	// acquireCmd acquires a lock and keeps its session alive until the
	// process is interrupted
	acquireCmd = &cobra.Command{
		Use:   "acquire [key]",
		Short: "Acquire a lock and hold it until interrupted",
		Long:  "Acquire a lock for a fresh session and keep the session alive until the process is interrupted. The lock is released by the cluster once the KeepAlives stop.",
		Args:  cobra.ExactArgs(1),
		RunE:  runAcquire,
	}

	// releaseCmd represents the release command
	releaseCmd = &cobra.Command{
		Use:   "release [key] [sessionID]",
		Short: "Release a previously acquired lock",
		Long:  "Release a lock using the key and the session ID printed by the acquire command.",
		Args:  cobra.ExactArgs(2),
		RunE:  runRelease,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitClientConfig)

	// Add subcommands to lock command
	LockCommands.AddCommand(acquireCmd)
	LockCommands.AddCommand(releaseCmd)

	// Add common RPC flags to the lock command
	util.SetupRPCClientFlags(LockCommands)

	LockCommands.PersistentFlags().StringVar(&sessionID, "session", "", util.WrapString("Session ID to use (a fresh one is generated when empty)"))
}

// setupClient initializes the cluster client
func setupClient(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	c, err := util.NewRPCClient()
	if err != nil {
		return err
	}
	rpcClient = c
	if sessionID == "" {
		sessionID = shortuuid.New()
	}
	return nil
}

func runAcquire(_ *cobra.Command, args []string) error {
	key := args[0]
	uuid := util.GetUUID()

	// establish the session before asking for the lock
	if err := rpcClient.KeepAlive(sessionID, uuid, 0, nil); err != nil {
		return err
	}
	ok, err := rpcClient.Lock(key, sessionID, uuid)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("lock %s is held by another session", key)
	}
	fmt.Printf("acquired %s with session %s\n", key, sessionID)

	// hold the lease until interrupted
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := rpcClient.KeepAlive(sessionID, uuid, 0, []string{key}); err != nil {
				fmt.Printf("keepalive failed: %v\n", err)
			}
		case <-sigCh:
			ok, err := rpcClient.Unlock(key, sessionID, uuid)
			if err != nil {
				return err
			}
			if ok {
				fmt.Println("released")
			}
			return nil
		}
	}
}

func runRelease(_ *cobra.Command, args []string) error {
	ok, err := rpcClient.Unlock(args[0], args[1], util.GetUUID())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("release failed")
	}
	fmt.Println("released")
	return nil
}
