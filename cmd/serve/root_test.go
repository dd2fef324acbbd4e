package serve

import (
	"io"
	"testing"
	"time"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/ValentinKolb/rKV/lib/store/rstore"
	"go.uber.org/zap/zaptest"
)

func setConfig(t *testing.T, mutate func()) {
	t.Helper()
	saved := *serveCmdConfig
	t.Cleanup(func() { *serveCmdConfig = saved })
	mutate()
}

func TestReplicaConfig(t *testing.T) {
	setConfig(t, func() {
		serveCmdConfig.ServerID = 3
		serveCmdConfig.RaftEndpoint = "localhost:20001"
		serveCmdConfig.ClientEndpoint = "localhost:20002"
		serveCmdConfig.HeartbeatMs = 50
		serveCmdConfig.ElectionTimeoutMs = 400
		serveCmdConfig.ClientReqTimeout = 1500
		serveCmdConfig.ReturnMethod = "async"
		serveCmdConfig.InitDelayMs = 10
		serveCmdConfig.InitRetries = 7
	})

	tests := []struct {
		name      string
		join      string
		bootstrap bool
	}{
		{"bootstrap", "", true},
		{"join", "localhost:10003", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			serveCmdConfig.Join = tt.join
			cfg := replicaConfig()
			if cfg.Bootstrap != tt.bootstrap {
				t.Errorf("Bootstrap = %v, want %v", cfg.Bootstrap, tt.bootstrap)
			}
			if cfg.Self.ID != 3 || cfg.Self.RaftEndpoint != "localhost:20001" {
				t.Errorf("Self = %s", cfg.Self)
			}
			if cfg.Heartbeat != 50*time.Millisecond || cfg.ElectionTimeout != 400*time.Millisecond {
				t.Errorf("Heartbeat = %s, ElectionTimeout = %s", cfg.Heartbeat, cfg.ElectionTimeout)
			}
			if cfg.ClientReqTimeout != 1500*time.Millisecond {
				t.Errorf("ClientReqTimeout = %s", cfg.ClientReqTimeout)
			}
			if cfg.ReturnMethod != rstore.ReturnAsync {
				t.Errorf("ReturnMethod = %s", cfg.ReturnMethod)
			}
			if cfg.InitRetries != 7 || cfg.InitDelay != 10*time.Millisecond {
				t.Errorf("InitRetries = %d, InitDelay = %s", cfg.InitRetries, cfg.InitDelay)
			}
		})
	}
}

func TestOpenEngine(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		engine  string
		wantErr bool
	}{
		{"bolt", false},
		{"btree", false},
		{"splinter", true},
	}
	for _, tt := range tests {
		t.Run(tt.engine, func(t *testing.T) {
			setConfig(t, func() {
				serveCmdConfig.ServerID = 1
				serveCmdConfig.DataDir = dir
				serveCmdConfig.Engine = tt.engine
				serveCmdConfig.EngineDiskSize = 1
				serveCmdConfig.EngineWorkers = 4
			})
			database, err := openEngine()
			if (err != nil) != tt.wantErr {
				t.Fatalf("openEngine() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			defer database.Close()

			h, err := database.Register()
			if err != nil {
				t.Fatalf("Register() error = %v", err)
			}
			defer h.Deregister()
			if _, rc := h.Lookup([]byte("key")); rc != db.RetCNotFound {
				t.Errorf("Lookup() on a new engine = %s, want %s", rc, db.RetCNotFound)
			}
		})
	}
}

func TestOpenComponents(t *testing.T) {
	setConfig(t, func() {
		serveCmdConfig.ServerID = 1
		serveCmdConfig.RaftEndpoint = "127.0.0.1:0"
		serveCmdConfig.ClientEndpoint = "127.0.0.1:0"
		serveCmdConfig.DataDir = t.TempDir()
		serveCmdConfig.Engine = "btree"
		serveCmdConfig.LogStore = "memory"
		serveCmdConfig.StateStore = "memory"
		serveCmdConfig.RaftPool = 1
		serveCmdConfig.ClientReqTimeout = 1000
	})

	comps, err := openComponents(zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("openComponents() error = %v", err)
	}
	defer func() {
		_ = comps.DB.Close()
		_ = comps.LogStore.Close()
		_ = comps.State.Close()
		_ = comps.Transport.(io.Closer).Close()
	}()
	if comps.Snapshots == nil || comps.Transport == nil {
		t.Fatalf("components missing: %+v", comps)
	}

	t.Run("InvalidLogStore", func(t *testing.T) {
		serveCmdConfig.LogStore = "etcd"
		if _, err := openComponents(zaptest.NewLogger(t)); err == nil {
			t.Errorf("openComponents() error = nil for log store %s", serveCmdConfig.LogStore)
		}
	})
}
