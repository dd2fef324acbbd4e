package statemgr

import (
	"testing"

	"github.com/hashicorp/raft"
	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"
)

func TestServerIDRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		member Member
		id     raft.ServerID
	}{
		{"TCP", Member{ID: 1, RaftEndpoint: "localhost:10001", ClientEndpoint: "localhost:10002"}, "1/localhost:10002"},
		{"Unix socket", Member{ID: 7, RaftEndpoint: "10.0.0.7:10001", ClientEndpoint: "/tmp/rkv-7.sock"}, "7//tmp/rkv-7.sock"},
		{"No client endpoint", Member{ID: 3, RaftEndpoint: "h:1"}, "3/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := tt.member.Server()
			if server.ID != tt.id {
				t.Errorf("ServerID() = %q, want %q", server.ID, tt.id)
			}
			if server.Suffrage != raft.Voter {
				t.Errorf("Suffrage = %v, want Voter", server.Suffrage)
			}
			parsed, err := FromServer(server)
			if err != nil {
				t.Fatalf("FromServer() error = %v", err)
			}
			if parsed != tt.member {
				t.Errorf("FromServer() = %+v, want %+v", parsed, tt.member)
			}
		})
	}
}

func TestParseServerIDErrors(t *testing.T) {
	for _, id := range []raft.ServerID{"", "abc/x", "99999999999/x", "/x"} {
		if _, _, err := ParseServerID(id); !errors.Is(err, ErrInvalidMember) {
			t.Errorf("ParseServerID(%q) error = %v, want ErrInvalidMember", id, err)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		member  Member
		wantErr bool
	}{
		{"Valid", Member{ID: 1, RaftEndpoint: "a:1", ClientEndpoint: "a:2"}, false},
		{"Zero id", Member{ID: 0, RaftEndpoint: "a:1"}, true},
		{"Negative id", Member{ID: -1, RaftEndpoint: "a:1"}, true},
		{"No raft endpoint", Member{ID: 1}, true},
		{"Relative path", Member{ID: 1, RaftEndpoint: "a:1", ClientEndpoint: "tmp/x.sock"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.member.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMembers(t *testing.T) {
	cfg := raft.Configuration{Servers: []raft.Server{
		Member{ID: 3, RaftEndpoint: "c:1", ClientEndpoint: "c:2"}.Server(),
		{ID: "garbage", Address: "x:1"},
		Member{ID: 1, RaftEndpoint: "a:1", ClientEndpoint: "a:2"}.Server(),
	}}

	members := Members(cfg)
	if len(members) != 2 || members[0].ID != 1 || members[1].ID != 3 {
		t.Fatalf("Members() = %+v", members)
	}
	if m, ok := Find(cfg, 3); !ok || m.ClientEndpoint != "c:2" {
		t.Errorf("Find(3) = %+v, %v", m, ok)
	}
	if _, ok := Find(cfg, 2); ok {
		t.Errorf("Find(2) found a member")
	}
}

func TestInitialConfiguration(t *testing.T) {
	self := Member{ID: 1, RaftEndpoint: "a:1", ClientEndpoint: "a:2"}
	cfg := NewInMemory(self, zaptest.NewLogger(t)).InitialConfiguration()
	if len(cfg.Servers) != 1 || cfg.Servers[0] != self.Server() {
		t.Errorf("InitialConfiguration() = %+v", cfg)
	}
}

func TestStableStore(t *testing.T) {
	self := Member{ID: 5, RaftEndpoint: "a:1", ClientEndpoint: "a:2"}
	dir := t.TempDir()

	tests := []struct {
		name string
		impl Implementation
	}{
		{"Memory", ImplMemory},
		{"Bolt", ImplBolt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(tt.impl, self, dir, zaptest.NewLogger(t))
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if m.CurrentTerm() != 0 {
				t.Errorf("CurrentTerm() of a new store = %d", m.CurrentTerm())
			}
			if term, cand := m.LastVote(); term != 0 || cand != "" {
				t.Errorf("LastVote() of a new store = %d, %q", term, cand)
			}

			s := m.StableStore()
			if err := s.SetUint64(keyCurrentTerm, 4); err != nil {
				t.Fatalf("SetUint64() error = %v", err)
			}
			if err := s.SetUint64(keyLastVoteTerm, 4); err != nil {
				t.Fatalf("SetUint64() error = %v", err)
			}
			if err := s.Set(keyLastVoteCand, []byte("2/b:2")); err != nil {
				t.Fatalf("Set() error = %v", err)
			}
			if m.CurrentTerm() != 4 {
				t.Errorf("CurrentTerm() = %d, want 4", m.CurrentTerm())
			}
			if term, cand := m.LastVote(); term != 4 || cand != "2/b:2" {
				t.Errorf("LastVote() = %d, %q", term, cand)
			}
			if err := m.Close(); err != nil {
				t.Fatalf("Close() error = %v", err)
			}
		})
	}

	t.Run("Durable across reopen", func(t *testing.T) {
		m, err := NewDurable(self, dir, nil)
		if err != nil {
			t.Fatalf("NewDurable() error = %v", err)
		}
		defer m.Close()
		if m.CurrentTerm() != 4 {
			t.Errorf("CurrentTerm() after reopen = %d, want 4", m.CurrentTerm())
		}
	})

	t.Run("Unknown implementation", func(t *testing.T) {
		if _, err := New("etcd", self, dir, nil); err == nil {
			t.Errorf("New() with an unknown implementation succeeded")
		}
	})
}
