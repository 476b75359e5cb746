package kv

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/accord-kv/accord/cmd/util"
)

var (
	putCmd = &cobra.Command{
		Use:   "put [key] [value]",
		Short: "Sets the value for a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rpcClient.Put(args[0], []byte(args[1]), util.GetUUID()); err != nil {
				return err
			}
			fmt.Println("put successfully")
			return nil
		},
	}

	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Gets the value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, hit, err := rpcClient.Get(args[0], util.GetUUID())
			if err != nil {
				return err
			}
			if !hit {
				fmt.Println("key not found")
				return nil
			}
			fmt.Println(string(value))
			return nil
		},
	}

	delCmd = &cobra.Command{
		Use:   "del [key]",
		Short: "Deletes a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rpcClient.Delete(args[0], util.GetUUID()); err != nil {
				return err
			}
			fmt.Println("deleted successfully")
			return nil
		},
	}

	scanCmd = &cobra.Command{
		Use:   "scan [startKey] [endKey] [limit]",
		Short: "Lists the keys in [startKey, endKey)",
		Long:  "Lists the keys in the half-open range [startKey, endKey). An empty endKey scans to the end of the key space.",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit := 100
			if len(args) == 3 {
				parsed, err := strconv.Atoi(args[2])
				if err != nil {
					return fmt.Errorf("limit must be a number: %w", err)
				}
				limit = parsed
			}
			items, hasMore, err := rpcClient.Scan(args[0], args[1], limit, util.GetUUID())
			if err != nil {
				return err
			}
			for _, item := range items {
				fmt.Printf("%s\t%s\n", item.Key, item.Value)
			}
			if hasMore {
				fmt.Println("... (more)")
			}
			return nil
		},
	}
)
