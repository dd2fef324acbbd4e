package bolt

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/rKV/lib/db"
	dbtesting "github.com/ValentinKolb/rKV/lib/db/testing"
)

// factory returns a db factory that creates each database in its own file below dir
func factory(tb testing.TB, dir string) dbtesting.DBFactory {
	var n atomic.Int32
	return func() db.KVDB {
		opts := DefaultOptions(filepath.Join(dir, fmt.Sprintf("db-%d.db", n.Add(1))))
		opts.DiskSizeMB = 16
		opts.NoSync = true
		database, err := NewBoltDB(opts)
		if err != nil {
			tb.Fatalf("NewBoltDB() error = %v", err)
		}
		return database
	}
}

func Test(t *testing.T) {
	dbtesting.RunKVDBTests(t, "BoltDB", factory(t, t.TempDir()))
}

func TestFileIsRecreated(t *testing.T) {
	path := FileName(t.TempDir(), 7)
	if filepath.Base(path) != "sm-state-7.db" {
		t.Fatalf("FileName() = %s", path)
	}

	first, err := NewBoltDB(&DBOptions{Path: path, DiskSizeMB: 1})
	if err != nil {
		t.Fatalf("NewBoltDB() error = %v", err)
	}
	h, _ := first.Register()
	if rc := h.Insert([]byte("k"), []byte("v")); rc != db.RetCSuccess {
		t.Fatalf("Insert() = %v", rc)
	}
	h.Deregister()
	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	second, err := NewBoltDB(&DBOptions{Path: path, DiskSizeMB: 1})
	if err != nil {
		t.Fatalf("NewBoltDB() error = %v", err)
	}
	defer second.Close()
	h, _ = second.Register()
	defer h.Deregister()
	if _, rc := h.Lookup([]byte("k")); rc != db.RetCNotFound {
		t.Errorf("Expected a fresh database after reopen, Lookup() = %v", rc)
	}
}

func TestMissingPath(t *testing.T) {
	if _, err := NewBoltDB(&DBOptions{}); err == nil {
		t.Errorf("Expected an error for a missing path")
	}
}

func Benchmark(b *testing.B) {
	dbtesting.RunKVDBBenchmarks(b, "BoltDB", factory(b, b.TempDir()))
}
