package statemgr

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Keys the consensus engine uses in its stable store
var (
	keyCurrentTerm  = []byte("CurrentTerm")
	keyLastVoteTerm = []byte("LastVoteTerm")
	keyLastVoteCand = []byte("LastVoteCand")
)

// Implementation selects the backing of the term and vote store.
type Implementation string

const (
	ImplMemory Implementation = "memory"
	ImplBolt   Implementation = "bolt"
)

// StateManager owns the identity of the local server and the persistent
// consensus state (current term and vote). Cluster membership itself lives in
// the configuration entries of the replicated log.
type StateManager struct {
	self   Member
	stable raft.StableStore
	closer func() error
	path   string
	logger *zap.Logger
}

// FileName returns the file name of the durable term and vote store of a server.
func FileName(dataDir string, serverID int32) string {
	return filepath.Join(dataDir, fmt.Sprintf("raft-state-%d.db", serverID))
}

// New creates the state manager for self with the given backing. dataDir is
// only used by the bolt backing.
func New(impl Implementation, self Member, dataDir string, logger *zap.Logger) (*StateManager, error) {
	switch impl {
	case ImplMemory:
		return NewInMemory(self, logger), nil
	case ImplBolt:
		return NewDurable(self, dataDir, logger)
	default:
		return nil, errors.Errorf("statemgr: unknown implementation %q", impl)
	}
}

// NewInMemory creates a state manager whose term and vote are lost on restart.
func NewInMemory(self Member, logger *zap.Logger) *StateManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateManager{
		self:   self,
		stable: raft.NewInmemStore(),
		closer: func() error { return nil },
		logger: logger.Named("statemgr"),
	}
}

// NewDurable creates a state manager backed by a bolt file in dataDir.
func NewDurable(self Member, dataDir string, logger *zap.Logger) (*StateManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create data directory %s", dataDir)
	}
	path := FileName(dataDir, self.ID)
	store, err := raftboltdb.New(raftboltdb.Options{
		Path:        path,
		BoltOptions: &bbolt.Options{Timeout: time.Second},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open state store %s", path)
	}
	m := &StateManager{
		self:   self,
		stable: store,
		closer: store.Close,
		path:   path,
		logger: logger.Named("statemgr"),
	}
	m.logger.Info("opened state store", zap.String("path", path), zap.Uint64("term", m.CurrentTerm()))
	return m, nil
}

// Self returns the local member.
func (m *StateManager) Self() Member {
	return m.self
}

// StableStore returns the store the consensus engine persists term and vote in.
func (m *StateManager) StableStore() raft.StableStore {
	return m.stable
}

// InitialConfiguration returns the configuration a new cluster is bootstrapped
// with: the local member as the only voter.
func (m *StateManager) InitialConfiguration() raft.Configuration {
	return raft.Configuration{Servers: []raft.Server{m.self.Server()}}
}

// CurrentTerm returns the persisted term, 0 if none was stored yet.
func (m *StateManager) CurrentTerm() uint64 {
	term, err := m.stable.GetUint64(keyCurrentTerm)
	if err != nil {
		return 0
	}
	return term
}

// LastVote returns the term and the candidate of the last vote cast by this
// server. The candidate is empty if it never voted.
func (m *StateManager) LastVote() (uint64, string) {
	term, err := m.stable.GetUint64(keyLastVoteTerm)
	if err != nil {
		return 0, ""
	}
	cand, err := m.stable.Get(keyLastVoteCand)
	if err != nil {
		return term, ""
	}
	return term, string(cand)
}

// Close releases the backing store.
func (m *StateManager) Close() error {
	if err := m.closer(); err != nil {
		return errors.Wrapf(err, "close state store %s", m.path)
	}
	return nil
}
