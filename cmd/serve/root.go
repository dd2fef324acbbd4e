package serve

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ValentinKolb/rKV/cmd/util"
	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/ValentinKolb/rKV/lib/db/engines/bolt"
	"github.com/ValentinKolb/rKV/lib/db/engines/btree"
	"github.com/ValentinKolb/rKV/lib/logstore"
	"github.com/ValentinKolb/rKV/lib/statemgr"
	"github.com/ValentinKolb/rKV/lib/store"
	"github.com/ValentinKolb/rKV/lib/store/rstore"
	"github.com/ValentinKolb/rKV/rpc/client"
	"github.com/ValentinKolb/rKV/rpc/common"
	"github.com/ValentinKolb/rKV/rpc/server"
	"github.com/hashicorp/raft"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:   "serve",
		Short: "Start a replica of an rKV replica group",
		Long: `Start a replica with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is RKV_<flag> (e.g. RKV_SERVER_ID=1).

Without --join the replica bootstraps a new single node group. With --join it starts empty and asks the given join endpoint to be added to the existing group.`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(util.InitConfig)

	flags := ServeCmd.PersistentFlags()

	// identity
	key := "server-id"
	flags.Int32(key, 0, util.WrapString("The unique id of this server in the replica group (must be > 0)"))
	key = "raft-endpoint"
	flags.String(key, "localhost:10001", util.WrapString("The address on which the replicas exchange raft messages"))
	key = "client-endpoint"
	flags.String(key, "localhost:10002", util.WrapString("The address on which clients are served"))
	key = "join-endpoint"
	flags.String(key, "localhost:10003", util.WrapString("The address on which join requests of new servers are accepted"))
	key = "join"
	flags.String(key, "", util.WrapString("The join endpoint of a member of an existing replica group. If empty a new group is bootstrapped"))

	// storage
	key = "data-dir"
	flags.String(key, "./data", util.WrapString("The directory for the raft log, the raft state, snapshots and the bolt engine"))
	key = "log-store"
	flags.String(key, "bolt", util.WrapString("The raft log store (bolt, memory)"))
	key = "state-store"
	flags.String(key, "bolt", util.WrapString("The store of the raft term and vote (bolt, memory)"))
	key = "engine"
	flags.String(key, "bolt", util.WrapString("The storage engine (bolt, btree)"))
	key = "engine-disk-size"
	flags.Int(key, 1024, util.WrapString("Initial size of the bolt engine file in MB"))
	key = "engine-max-workers"
	flags.Int(key, 64, util.WrapString("Maximum number of threads registered with the storage engine"))

	// consensus
	key = "heartbeat"
	flags.Int(key, 100, util.WrapString("Leader lease in ms: a leader without quorum contact for this long steps down. Capped at the election timeout"))
	key = "election-timeout"
	flags.Int(key, 300, util.WrapString("Time without contact to the leader before a new election starts (in ms)"))
	key = "reserved-log-items"
	flags.Uint64(key, 1000000, util.WrapString("Number of log entries kept after a snapshot"))
	key = "client-req-timeout"
	flags.Int(key, 3000, util.WrapString("Time in ms to enqueue and commit a client request, after which it answers Timeout"))
	key = "return-method"
	flags.String(key, "blocking", util.WrapString("How the result of a mutation is awaited (blocking, async)"))
	key = "snapshot-frequency"
	flags.Uint64(key, 0, util.WrapString("Number of log entries between snapshots, 0 disables snapshots"))
	key = "async-snapshots"
	flags.Bool(key, false, util.WrapString("Encode snapshots on a worker pool"))
	key = "snapshot-workers"
	flags.Int(key, 2, util.WrapString("Size of the snapshot worker pool"))
	key = "raft-pool"
	flags.Int(key, 4, util.WrapString("Connections per peer of the raft transport"))
	key = "init-retries"
	flags.Int(key, 20, util.WrapString("How many times the startup waits for the replica to become usable"))
	key = "init-delay"
	flags.Int(key, 250, util.WrapString("Pause between two startup checks in ms"))
	key = "shutdown-timeout"
	flags.Int(key, 5, util.WrapString("Time in seconds the replica is given to shut down"))

	// rpc
	key = "transport-workers"
	flags.Int(key, 16, util.WrapString(fmt.Sprintf("Number of workers serving client requests (at least %d)", common.MinTransportWorkers)))
	key = "timeout"
	flags.Int64(key, 5, util.WrapString("Timeout of a single client request in seconds"))
	util.SetupSocketFlags(ServeCmd)

	// observability
	key = "metrics-endpoint"
	flags.String(key, "", util.WrapString("Optional address on which /metrics is served in the prometheus format"))
	key = "log-level"
	flags.String(key, "info", util.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	serveCmdConfig.ServerID = viper.GetInt32("server-id")
	serveCmdConfig.RaftEndpoint = viper.GetString("raft-endpoint")
	serveCmdConfig.ClientEndpoint = viper.GetString("client-endpoint")
	serveCmdConfig.JoinEndpoint = viper.GetString("join-endpoint")
	serveCmdConfig.Join = viper.GetString("join")

	serveCmdConfig.DataDir = viper.GetString("data-dir")
	serveCmdConfig.LogStore = viper.GetString("log-store")
	serveCmdConfig.StateStore = viper.GetString("state-store")
	serveCmdConfig.Engine = viper.GetString("engine")
	serveCmdConfig.EngineDiskSize = viper.GetInt("engine-disk-size")
	serveCmdConfig.EngineWorkers = viper.GetInt("engine-max-workers")

	serveCmdConfig.HeartbeatMs = viper.GetInt("heartbeat")
	serveCmdConfig.ElectionTimeoutMs = viper.GetInt("election-timeout")
	serveCmdConfig.ReservedLogItems = viper.GetUint64("reserved-log-items")
	serveCmdConfig.ClientReqTimeout = viper.GetInt("client-req-timeout")
	serveCmdConfig.ReturnMethod = viper.GetString("return-method")
	serveCmdConfig.SnapshotFrequency = viper.GetUint64("snapshot-frequency")
	serveCmdConfig.AsyncSnapshots = viper.GetBool("async-snapshots")
	serveCmdConfig.SnapshotWorkers = viper.GetInt("snapshot-workers")
	serveCmdConfig.RaftPool = viper.GetInt("raft-pool")
	serveCmdConfig.InitRetries = viper.GetInt("init-retries")
	serveCmdConfig.InitDelayMs = viper.GetInt("init-delay")
	serveCmdConfig.ShutdownTimeout = viper.GetInt("shutdown-timeout")

	serveCmdConfig.Transport = viper.GetString("transport")
	serveCmdConfig.Serializer = viper.GetString("serializer")
	serveCmdConfig.TransportConfig = common.ServerTransportConfig{
		SocketConf:    util.GetSocketConf(),
		Workers:       viper.GetInt("transport-workers"),
		TimeoutSecond: viper.GetInt64("timeout"),
	}

	serveCmdConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	if serveCmdConfig.ServerID <= 0 {
		return fmt.Errorf("server-id must be > 0 (got %d)", serveCmdConfig.ServerID)
	}
	switch serveCmdConfig.ReturnMethod {
	case string(rstore.ReturnBlocking), string(rstore.ReturnAsync):
	default:
		return fmt.Errorf("invalid return method %s (expected blocking or async)", serveCmdConfig.ReturnMethod)
	}

	return self().Validate()
}

// self returns the member description of this server
func self() statemgr.Member {
	return statemgr.Member{
		ID:             serveCmdConfig.ServerID,
		RaftEndpoint:   serveCmdConfig.RaftEndpoint,
		ClientEndpoint: serveCmdConfig.ClientEndpoint,
	}
}

// run assembles the replica, starts the rpc server and blocks until a signal arrives
func run(_ *cobra.Command, _ []string) error {
	logger, err := common.NewLogger(serveCmdConfig.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.Int32("server", serveCmdConfig.ServerID))

	fmt.Println(serveCmdConfig.String())

	comps, err := openComponents(logger)
	if err != nil {
		return err
	}

	cfg := replicaConfig()
	replica := rstore.NewReplica(cfg, comps, logger)
	if err := replica.Initialize(); err != nil {
		_ = replica.Shutdown(shutdownTimeout())
		logger.Fatal("failed to initialize replica", zap.Error(err))
	}

	s, err := util.GetSerializer()
	if err != nil {
		return err
	}
	clientTransport, err := util.GetServerTransport(logger)
	if err != nil {
		return err
	}
	joinTransport, err := util.GetServerTransport(logger)
	if err != nil {
		return err
	}
	srv := server.NewRPCServer(*serveCmdConfig, clientTransport, joinTransport, s, replica, logger)

	served := make(chan error, 1)
	go func() { served <- srv.Serve() }()

	if serveCmdConfig.Join != "" {
		go join(logger)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case received := <-sig:
		logger.Info("received signal, shutting down", zap.Stringer("signal", received))
		err = srv.Close()
		err = multierr.Append(err, <-served)
	case err = <-served:
		logger.Error("rpc server stopped", zap.Error(err))
	}

	return multierr.Append(err, replica.Shutdown(shutdownTimeout()))
}

// join asks the configured member to add this server to its replica group
func join(logger *zap.Logger) {
	config := util.GetClientConfig()
	dial, err := util.GetDialer(config, logger)
	if err != nil {
		logger.Error("failed to join replica group", zap.Error(err))
		return
	}
	code, leader, err := client.JoinCluster(dial, serveCmdConfig.Join, self(), serveCmdConfig.InitRetries, logger)
	switch {
	case err != nil:
		logger.Error("failed to join replica group", zap.String("join", serveCmdConfig.Join), zap.Error(err))
	case code != store.ConsensusOK && code != store.ConsensusServerAlreadyExists:
		logger.Error("join rejected", zap.String("join", serveCmdConfig.Join),
			zap.Stringer("code", code), zap.String("leader", leader))
	}
}

func shutdownTimeout() time.Duration {
	return time.Duration(serveCmdConfig.ShutdownTimeout) * time.Second
}

func replicaConfig() rstore.Config {
	cfg := rstore.DefaultConfig(self())
	cfg.Bootstrap = serveCmdConfig.Join == ""
	cfg.Heartbeat = time.Duration(serveCmdConfig.HeartbeatMs) * time.Millisecond
	cfg.ElectionTimeout = time.Duration(serveCmdConfig.ElectionTimeoutMs) * time.Millisecond
	cfg.ReservedLogItems = serveCmdConfig.ReservedLogItems
	cfg.ClientReqTimeout = time.Duration(serveCmdConfig.ClientReqTimeout) * time.Millisecond
	cfg.ReturnMethod = rstore.ReturnMethod(serveCmdConfig.ReturnMethod)
	cfg.SnapshotFrequency = serveCmdConfig.SnapshotFrequency
	cfg.AsyncSnapshots = serveCmdConfig.AsyncSnapshots
	cfg.SnapshotWorkers = serveCmdConfig.SnapshotWorkers
	cfg.InitRetries = serveCmdConfig.InitRetries
	cfg.InitDelay = time.Duration(serveCmdConfig.InitDelayMs) * time.Millisecond
	return cfg
}

// openComponents creates the storage engine, the log store, the state manager
// and the raft snapshot store and transport. On error everything opened so far
// is closed again.
func openComponents(logger *zap.Logger) (comps rstore.Components, err error) {
	c := serveCmdConfig
	var closers []func() error
	defer func() {
		if err != nil {
			for _, closeFn := range closers {
				err = multierr.Append(err, closeFn())
			}
		}
	}()

	if comps.DB, err = openEngine(); err != nil {
		return comps, err
	}
	closers = append(closers, comps.DB.Close)

	switch c.LogStore {
	case "bolt":
		comps.LogStore, err = logstore.NewBoltLogStore(logstore.BoltOptions{
			Path: logstore.FileName(c.DataDir, c.ServerID),
		}, logger)
		if err != nil {
			return comps, err
		}
	case "memory":
		comps.LogStore = logstore.NewMemoryLogStore(logger)
	default:
		return comps, fmt.Errorf("invalid log store %s (expected bolt or memory)", c.LogStore)
	}
	closers = append(closers, comps.LogStore.Close)

	if comps.State, err = statemgr.New(statemgr.Implementation(c.StateStore), self(), c.DataDir, logger); err != nil {
		return comps, err
	}
	closers = append(closers, comps.State.Close)

	raftLogger := rstore.NewRaftLogger(logger)
	comps.Snapshots, err = raft.NewFileSnapshotStoreWithLogger(
		filepath.Join(c.DataDir, fmt.Sprintf("snapshots-%d", c.ServerID)), 2, raftLogger)
	if err != nil {
		return comps, err
	}

	transport, err := raft.NewTCPTransportWithLogger(c.RaftEndpoint, nil, max(1, c.RaftPool),
		time.Duration(c.ClientReqTimeout)*time.Millisecond, raftLogger)
	if err != nil {
		return comps, err
	}
	comps.Transport = transport
	return comps, nil
}

// openEngine creates an empty storage engine, its content is rebuilt from
// the latest snapshot and the raft log
func openEngine() (db.KVDB, error) {
	c := serveCmdConfig
	switch c.Engine {
	case "bolt":
		opts := bolt.DefaultOptions(bolt.FileName(c.DataDir, c.ServerID))
		opts.DiskSizeMB = c.EngineDiskSize
		opts.MaxWorkers = c.EngineWorkers
		return bolt.NewBoltDB(opts)
	case "btree":
		opts := btree.DefaultOptions()
		opts.MaxWorkers = c.EngineWorkers
		return btree.NewBTreeDB(opts), nil
	default:
		return nil, fmt.Errorf("invalid engine %s (expected bolt or btree)", c.Engine)
	}
}
