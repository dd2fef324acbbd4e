package statemgr

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/raft"
	"github.com/pkg/errors"
)

// ErrInvalidMember is returned when a raft server entry does not describe a Member.
var ErrInvalidMember = errors.New("statemgr: invalid member")

// Member is one server of the cluster. The raft endpoint is the address the
// consensus engine talks to; the client endpoint is where the server accepts
// client requests.
type Member struct {
	ID             int32  `json:"id"`
	RaftEndpoint   string `json:"raft_endpoint"`
	ClientEndpoint string `json:"client_endpoint"`
}

// Validate checks that m can be added to a cluster.
func (m Member) Validate() error {
	switch {
	case m.ID <= 0:
		return errors.Wrapf(ErrInvalidMember, "server id %d is not positive", m.ID)
	case m.RaftEndpoint == "":
		return errors.Wrapf(ErrInvalidMember, "server %d has no raft endpoint", m.ID)
	case strings.Contains(m.ClientEndpoint, "/") && !strings.HasPrefix(m.ClientEndpoint, "/"):
		// unix socket paths are absolute, anything else with a slash is ambiguous
		return errors.Wrapf(ErrInvalidMember, "client endpoint %q of server %d", m.ClientEndpoint, m.ID)
	}
	return nil
}

// ServerID returns the id the consensus engine knows this member by. The raft
// configuration has no field for the client endpoint, so it is carried as aux
// data behind the numeric id: "<id>/<client endpoint>".
func (m Member) ServerID() raft.ServerID {
	return raft.ServerID(fmt.Sprintf("%d/%s", m.ID, m.ClientEndpoint))
}

// Server returns the raft configuration entry of m as a voter.
func (m Member) Server() raft.Server {
	return raft.Server{
		Suffrage: raft.Voter,
		ID:       m.ServerID(),
		Address:  raft.ServerAddress(m.RaftEndpoint),
	}
}

func (m Member) String() string {
	return fmt.Sprintf("%d (raft %s, client %s)", m.ID, m.RaftEndpoint, m.ClientEndpoint)
}

// ParseServerID splits a raft server id into the numeric id and the client endpoint.
func ParseServerID(id raft.ServerID) (int32, string, error) {
	raw, aux, _ := strings.Cut(string(id), "/")
	n, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return 0, "", errors.Wrapf(ErrInvalidMember, "server id %q", id)
	}
	return int32(n), aux, nil
}

// FromServer rebuilds the Member of a raft configuration entry.
func FromServer(s raft.Server) (Member, error) {
	id, client, err := ParseServerID(s.ID)
	if err != nil {
		return Member{}, err
	}
	return Member{ID: id, RaftEndpoint: string(s.Address), ClientEndpoint: client}, nil
}

// Members returns the members of a configuration ordered by id. Entries that do
// not parse are skipped.
func Members(cfg raft.Configuration) []Member {
	members := make([]Member, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		m, err := FromServer(s)
		if err != nil {
			continue
		}
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members
}

// Find returns the member with the given id.
func Find(cfg raft.Configuration, id int32) (Member, bool) {
	for _, m := range Members(cfg) {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}
