package cluster

import (
	"fmt"
	"strconv"

	"github.com/ValentinKolb/rKV/cmd/util"
	"github.com/ValentinKolb/rKV/lib/statemgr"
	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/ValentinKolb/rKV/rpc/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// joinCmd does not need a connection to the group, only to the join endpoint
	joinCmd = &cobra.Command{
		Use:   "join [join-endpoint] [server-id] [raft-endpoint] [client-endpoint]",
		Short: "Asks a replica group to add a new server",
		Long: `Asks the member listening on join-endpoint to add the server with the given id and endpoints to its replica group.
Only the leader can add servers, if the member is not the leader the rejection names the leader.`,
		Args: cobra.ExactArgs(4),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setupLogger(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[1])
			if err != nil {
				return err
			}
			member := statemgr.Member{ID: id, RaftEndpoint: args[2], ClientEndpoint: args[3]}
			if err := member.Validate(); err != nil {
				return err
			}

			config := util.GetClientConfig()
			dial, err := util.GetDialer(config, logger)
			if err != nil {
				return err
			}
			code, leader, err := client.JoinCluster(dial, args[0], member, viper.GetInt("retries"), logger)
			if err != nil {
				return err
			}
			switch code {
			case store.ConsensusOK, store.ConsensusServerAlreadyExists:
				fmt.Printf("server %s is a member (%s)\n", member, code)
				return nil
			case store.ConsensusNotLeader:
				return fmt.Errorf("join rejected: %s, leader=%s", code, leader)
			default:
				return fmt.Errorf("join rejected: %s", code)
			}
		},
	}
	serversCmd = &cobra.Command{
		Use:   "servers",
		Short: "Lists the members of the replica group with their client endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			servers, err := directory.GetAllServers()
			if err != nil {
				return err
			}
			leader, _ := directory.GetLeaderID()
			for _, s := range servers {
				marker := ""
				if s.ID == leader {
					marker = " (leader)"
				}
				fmt.Printf("id=%d, endpoint=%s%s\n", s.ID, s.Endpoint, marker)
			}
			return nil
		},
	}
	leaderCmd = &cobra.Command{
		Use:   "leader",
		Short: "Prints the id of the current leader",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			leader, err := directory.GetLeaderID()
			if err != nil {
				return err
			}
			fmt.Printf("leader=%d\n", leader)
			return nil
		},
	}
	idCmd = &cobra.Command{
		Use:   "id [server-id]",
		Short: "Asks a server for its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			reported, err := directory.GetServerID(id)
			if err != nil {
				return err
			}
			fmt.Printf("id=%d\n", reported)
			return nil
		},
	}
	endpointCmd = &cobra.Command{
		Use:   "endpoint [server-id]",
		Short: "Prints the client endpoint of a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			endpoint, err := directory.GetEndpoint(id)
			if err != nil {
				return err
			}
			fmt.Printf("id=%d, endpoint=%s\n", id, endpoint)
			return nil
		},
	}
	pingCmd = &cobra.Command{
		Use:   "ping [server-id...]",
		Short: "Pings the given servers, or every server if none is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := directory.Servers()
			if len(args) > 0 {
				ids = make([]int32, 0, len(args))
				for _, arg := range args {
					id, err := parseID(arg)
					if err != nil {
						return err
					}
					ids = append(ids, id)
				}
			}
			var failed int
			for _, id := range ids {
				if err := directory.Ping(id); err != nil {
					fmt.Printf("id=%d: %v\n", id, err)
					failed++
					continue
				}
				fmt.Printf("id=%d: pong\n", id)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d servers did not answer", failed, len(ids))
			}
			return nil
		},
	}
	dumpCacheCmd = &cobra.Command{
		Use:   "dumpcache",
		Short: "Makes every server write the diagnostics of its storage engine to its log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := directory.TriggerCacheDumps(); err != nil {
				return err
			}
			fmt.Println("cache dumps triggered")
			return nil
		},
	}
	clearCacheCmd = &cobra.Command{
		Use:   "clearcache",
		Short: "Makes every server drop the caches of its storage engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := directory.ClearCaches(); err != nil {
				return err
			}
			fmt.Println("caches cleared")
			return nil
		},
	}
)

func parseID(s string) (int32, error) {
	id, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid server id %s: %v", s, err)
	}
	return int32(id), nil
}
