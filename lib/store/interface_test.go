package store

import (
	"testing"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/pkg/errors"
)

func TestCommitResult(t *testing.T) {
	tests := []struct {
		name     string
		result   CommitResult
		success  bool
		accepted bool
	}{
		{"Success", CommitResult{}, true, true},
		{"Storage failure", CommitResult{StorageRC: db.RetCNotFound}, false, true},
		{"Not leader", CommitResult{ConsensusRC: ConsensusNotLeader}, false, false},
		{"Ambiguous", CommitResult{ConsensusRC: ConsensusAmbiguous}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.result.IsSuccess(); got != tt.success {
				t.Errorf("IsSuccess() = %v, want %v", got, tt.success)
			}
			if got := tt.result.WasAccepted(); got != tt.accepted {
				t.Errorf("WasAccepted() = %v, want %v", got, tt.accepted)
			}
		})
	}
}

func TestConsensusCode(t *testing.T) {
	retryable := map[ConsensusCode]bool{
		ConsensusNotLeader: true,
		ConsensusCancelled: true,
	}
	for _, c := range []ConsensusCode{
		ConsensusOK, ConsensusCancelled, ConsensusTimeout, ConsensusNotLeader, ConsensusBadRequest,
		ConsensusServerAlreadyExists, ConsensusConfigChanging, ConsensusServerIsJoining,
		ConsensusServerNotFound, ConsensusFailed, ConsensusAmbiguous,
	} {
		if c.Retryable() != retryable[c] {
			t.Errorf("%s.Retryable() = %v", c, c.Retryable())
		}
	}
	if s := ConsensusCode(42).String(); s != "ConsensusCode(42)" {
		t.Errorf("String() = %q", s)
	}
	if s := (CommitResult{StorageRC: db.RetCNotFound, Message: "x"}).String(); s != "storage=NotFound consensus=OK: x" {
		t.Errorf("String() = %q", s)
	}
}

func TestErrorIs(t *testing.T) {
	err := errors.Wrap(NewError(RetCNoLiveLeader, "no leader after 3 attempts"), "put")
	if !errors.Is(err, &Error{Code: RetCNoLiveLeader}) {
		t.Errorf("errors.Is() did not match the code")
	}
	if errors.Is(err, &Error{Code: RetCRetriesExhausted}) {
		t.Errorf("errors.Is() matched another code")
	}
	if msg := NewError(RetCConnection, "bad pong").Error(); msg != "rKV error (code Connection): bad pong" {
		t.Errorf("Error() = %q", msg)
	}
}
