package user

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/accord-kv/accord/cmd/util"
	"github.com/accord-kv/accord/rpc/client"
)

var (
	rpcClient *client.Client

	// UserCommands represents the user command group
	UserCommands = &cobra.Command{
		Use:               "user",
		Short:             "Manage users and login sessions",
		PersistentPreRunE: setupClient,
	}

	registerCmd = &cobra.Command{
		Use:   "register [username] [password]",
		Short: "Register a new user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rpcClient.Register(args[0], args[1]); err != nil {
				return err
			}
			fmt.Println("registered successfully")
			return nil
		},
	}

	loginCmd = &cobra.Command{
		Use:   "login [username] [password]",
		Short: "Login and print the issued token",
		Long:  "Login and print the issued token. Pass the token to other commands via --uuid to operate on the user's key space.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			uuid, err := rpcClient.Login(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Println(uuid)
			return nil
		},
	}

	logoutCmd = &cobra.Command{
		Use:   "logout",
		Short: "Invalidate the login token passed via --uuid",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rpcClient.Logout(util.GetUUID()); err != nil {
				return err
			}
			fmt.Println("logged out")
			return nil
		},
	}
)

func init() {
	cobra.OnInitialize(util.InitClientConfig)
	util.SetupRPCClientFlags(UserCommands)
	UserCommands.AddCommand(registerCmd)
	UserCommands.AddCommand(loginCmd)
	UserCommands.AddCommand(logoutCmd)
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
