package kv

import (
	"github.com/ValentinKolb/rKV/cmd/util"
	"github.com/ValentinKolb/rKV/rpc/client"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	directory *client.Directory
	logger    *zap.Logger

	// KeyValueCommands represents the KV command group
	KeyValueCommands = &cobra.Command{
		Use:                "kv",
		Short:              "Perform key-value store operations",
		PersistentPreRunE:  setupKVClient,
		PersistentPostRunE: closeKVClient,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add common RPC flags to the KV command
	util.SetupRPCClientFlags(KeyValueCommands)

	// Add subcommands
	KeyValueCommands.AddCommand(getCmd)
	KeyValueCommands.AddCommand(putCmd)
	KeyValueCommands.AddCommand(updateCmd)
	KeyValueCommands.AddCommand(delCmd)
	KeyValueCommands.AddCommand(perfTestCmd)
}

// setupKVClient connects the client directory to the replica group
func setupKVClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	var err error
	if logger, err = util.GetLogger(); err != nil {
		return err
	}

	config := util.GetClientConfig()
	dial, err := util.GetDialer(config, logger)
	if err != nil {
		return err
	}

	directory, err = client.NewDirectory(*config, dial, logger)
	return err
}

func closeKVClient(_ *cobra.Command, _ []string) error {
	if logger != nil {
		_ = logger.Sync()
	}
	if directory == nil {
		return nil
	}
	return directory.Close()
}
