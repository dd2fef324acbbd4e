package kv

import (
	"fmt"

	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/spf13/cobra"
)

var (
	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Reads the value for a key from one of the servers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			result, err := directory.Get([]byte(key))
			if err != nil {
				return err
			}
			if !result.Found() {
				return fmt.Errorf("key=%s not found (storage=%s)", key, result.StorageRC)
			}
			fmt.Printf("key=%s, value=%s\n", key, result.Value)
			return nil
		},
	}
	putCmd = &cobra.Command{
		Use:   "put [key] [value]",
		Short: "Sets the value for a key, overwriting an existing value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printCommit("put", args[0])(directory.Put([]byte(args[0]), []byte(args[1])))
		},
	}
	updateCmd = &cobra.Command{
		Use:   "update [key] [value]",
		Short: "Updates the value for a key, inserting it if absent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printCommit("update", args[0])(directory.Update([]byte(args[0]), []byte(args[1])))
		},
	}
	delCmd = &cobra.Command{
		Use:   "delete [key]",
		Short: "Deletes a key value pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printCommit("delete", args[0])(directory.Delete([]byte(args[0])))
		},
	}
)

// printCommit reports the result of a mutation. A mutation that was accepted
// but failed in the storage engine is an error.
func printCommit(op, key string) func(store.CommitResult, error) error {
	return func(result store.CommitResult, err error) error {
		if err != nil {
			return err
		}
		if !result.IsSuccess() {
			return fmt.Errorf("%s key=%s failed: %s", op, key, result)
		}
		fmt.Printf("%s key=%s successfully\n", op, key)
		return nil
	}
}
