package logstore_test

import (
	"testing"

	"github.com/ValentinKolb/rKV/lib/logstore"
	logstoretesting "github.com/ValentinKolb/rKV/lib/logstore/testing"
	"go.uber.org/zap/zaptest"
)

func TestMemoryLogStore(t *testing.T) {
	logstoretesting.RunLogStoreTests(t, "memory", func() logstore.ILogStore {
		return logstore.NewMemoryLogStore(zaptest.NewLogger(t))
	})
}

type testNode string

func (n testNode) NodeName() string { return string(n) }

func TestMemoryClosed(t *testing.T) {
	s := logstore.NewMemoryLogStore(nil)
	s.SetNode(testNode("node-1"))
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := s.Append(&logstore.Entry{Term: 1}); err != logstore.ErrClosed {
		t.Errorf("Append() after Close() error = %v, want ErrClosed", err)
	}
	if err := s.Compact(1); err != logstore.ErrClosed {
		t.Errorf("Compact() after Close() error = %v, want ErrClosed", err)
	}
}
