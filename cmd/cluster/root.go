package cluster

import (
	"github.com/ValentinKolb/rKV/cmd/util"
	"github.com/ValentinKolb/rKV/rpc/client"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	directory *client.Directory
	logger    *zap.Logger

	// ClusterCommands represents the cluster administration command group
	ClusterCommands = &cobra.Command{
		Use:                "cluster",
		Short:              "Inspect and administer a replica group",
		PersistentPreRunE:  setupClusterClient,
		PersistentPostRunE: closeClusterClient,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add common RPC flags to the cluster command
	util.SetupRPCClientFlags(ClusterCommands)

	// Add subcommands
	ClusterCommands.AddCommand(joinCmd)
	ClusterCommands.AddCommand(serversCmd)
	ClusterCommands.AddCommand(leaderCmd)
	ClusterCommands.AddCommand(idCmd)
	ClusterCommands.AddCommand(endpointCmd)
	ClusterCommands.AddCommand(pingCmd)
	ClusterCommands.AddCommand(dumpCacheCmd)
	ClusterCommands.AddCommand(clearCacheCmd)
}

// setupLogger binds the flags and creates the client logger
func setupLogger(cmd *cobra.Command) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	var err error
	logger, err = util.GetLogger()
	return err
}

// setupClusterClient connects the client directory to the replica group
func setupClusterClient(cmd *cobra.Command, _ []string) error {
	if err := setupLogger(cmd); err != nil {
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

func closeClusterClient(_ *cobra.Command, _ []string) error {
	if logger != nil {
		_ = logger.Sync()
	}
	if directory == nil {
		return nil
	}
	return directory.Close()
}
