package testing

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ValentinKolb/rKV/lib/db"
)

// DBFactory is a function that creates a new, empty instance of a KVDB implementation
type DBFactory func() db.KVDB

// RunKVDBTests runs a comprehensive test suite for a KVDB implementation.
func RunKVDBTests(t *testing.T, name string, factory DBFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Insert&Lookup", func(t *testing.T) {
			testInsertLookup(t, factory())
		})

		t.Run("Update", func(t *testing.T) {
			testUpdate(t, factory())
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, factory())
		})

		t.Run("EdgeCases", func(t *testing.T) {
			testEdgeCases(t, factory())
		})

		t.Run("Registration", func(t *testing.T) {
			testRegistration(t, factory())
		})

		t.Run("Snapshot", func(t *testing.T) {
			testSnapshot(t, factory())
		})

		t.Run("Reset", func(t *testing.T) {
			testReset(t, factory())
		})

		t.Run("Diagnostics", func(t *testing.T) {
			testDiagnostics(t, factory())
		})

		t.Run("ConcurrentWorkers", func(t *testing.T) {
			testConcurrentWorkers(t, factory())
		})

		t.Run("Close", func(t *testing.T) {
			testClose(t, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// register returns a handle or fails the test
func register(t testing.TB, database db.KVDB) db.Handle {
	h, err := database.Register()
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return h
}

func expectLookup(t testing.TB, h db.Handle, key string, want []byte, wantRC db.RetCode) {
	t.Helper()
	got, rc := h.Lookup([]byte(key))
	if rc != wantRC {
		t.Errorf("Lookup(%q) rc = %v, want %v", key, rc, wantRC)
		return
	}
	if wantRC == db.RetCSuccess && !bytes.Equal(got, want) {
		t.Errorf("Lookup(%q) = %q, want %q", key, got, want)
	}
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testInsertLookup(t *testing.T, database db.KVDB) {
	defer database.Close()
	h := register(t, database)
	defer h.Deregister()

	if rc := h.Insert([]byte("test-key"), []byte("test-value1")); rc != db.RetCSuccess {
		t.Fatalf("Insert() = %v", rc)
	}
	expectLookup(t, h, "test-key", []byte("test-value1"), db.RetCSuccess)

	// insert overwrites
	if rc := h.Insert([]byte("test-key"), []byte("test-value2")); rc != db.RetCSuccess {
		t.Fatalf("Insert() = %v", rc)
	}
	expectLookup(t, h, "test-key", []byte("test-value2"), db.RetCSuccess)

	expectLookup(t, h, "nonexistent-key", nil, db.RetCNotFound)

	// lookup returns a copy
	retrieved, _ := h.Lookup([]byte("test-key"))
	retrieved[0] = 'X'
	expectLookup(t, h, "test-key", []byte("test-value2"), db.RetCSuccess)

	// the engine copies the inserted buffers
	key := []byte("reused")
	value := []byte("first")
	h.Insert(key, value)
	copy(value, "XXXXX")
	key[0] = 'X'
	expectLookup(t, h, "reused", []byte("first"), db.RetCSuccess)
}

func testUpdate(t *testing.T, database db.KVDB) {
	defer database.Close()
	h := register(t, database)
	defer h.Deregister()

	// update of an absent key inserts it
	if rc := h.Update([]byte("k"), []byte("v1")); rc != db.RetCSuccess {
		t.Fatalf("Update() on absent key = %v", rc)
	}
	expectLookup(t, h, "k", []byte("v1"), db.RetCSuccess)

	if rc := h.Update([]byte("k"), []byte("v2")); rc != db.RetCSuccess {
		t.Fatalf("Update() = %v", rc)
	}
	expectLookup(t, h, "k", []byte("v2"), db.RetCSuccess)
}

func testDelete(t *testing.T, database db.KVDB) {
	defer database.Close()
	h := register(t, database)
	defer h.Deregister()

	h.Insert([]byte("k"), []byte("v"))
	if rc := h.Delete([]byte("k")); rc != db.RetCSuccess {
		t.Errorf("Delete() = %v", rc)
	}
	expectLookup(t, h, "k", nil, db.RetCNotFound)

	if rc := h.Delete([]byte("k")); rc != db.RetCNotFound {
		t.Errorf("Delete() of a deleted key = %v, want %v", rc, db.RetCNotFound)
	}
	if rc := h.Delete([]byte("missing")); rc != db.RetCNotFound {
		t.Errorf("Delete() of a missing key = %v, want %v", rc, db.RetCNotFound)
	}
}

func testEdgeCases(t *testing.T, database db.KVDB) {
	defer database.Close()
	h := register(t, database)
	defer h.Deregister()

	tests := []struct {
		name  string
		key   []byte
		value []byte
	}{
		{"Empty value", []byte("empty"), []byte{}},
		{"Binary key", []byte{0, 1, 2, 255}, []byte("binary")},
		{"Unicode key", []byte("你好世界"), []byte("unicode")},
		{"Large value", []byte("large"), bytes.Repeat([]byte("x"), 1<<20)},
		{"Long key", bytes.Repeat([]byte("k"), 512), []byte("long")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rc := h.Insert(tt.key, tt.value); rc != db.RetCSuccess {
				t.Fatalf("Insert() = %v", rc)
			}
			got, rc := h.Lookup(tt.key)
			if rc != db.RetCSuccess || !bytes.Equal(got, tt.value) {
				t.Errorf("Lookup() = (%d bytes, %v), want %d bytes", len(got), rc, len(tt.value))
			}
		})
	}

	t.Run("Empty key", func(t *testing.T) {
		if rc := h.Insert(nil, []byte("v")); rc != db.RetCInvalid {
			t.Errorf("Insert(empty) = %v, want %v", rc, db.RetCInvalid)
		}
		if _, rc := h.Lookup([]byte{}); rc != db.RetCInvalid {
			t.Errorf("Lookup(empty) = %v, want %v", rc, db.RetCInvalid)
		}
		if rc := h.Delete([]byte{}); rc != db.RetCInvalid {
			t.Errorf("Delete(empty) = %v, want %v", rc, db.RetCInvalid)
		}
	})
}

func testRegistration(t *testing.T, database db.KVDB) {
	defer database.Close()

	var handles []db.Handle
	for {
		h, err := database.Register()
		if err != nil {
			if !errors.Is(err, db.ErrTooManyWorkers) {
				t.Fatalf("Register() error = %v, want ErrTooManyWorkers", err)
			}
			break
		}
		handles = append(handles, h)
		if len(handles) > 4096 {
			t.Fatalf("Register() never reached a worker limit")
		}
	}
	if len(handles) == 0 {
		t.Fatalf("Register() failed for the first worker")
	}
	if got := database.GetInfo().Workers; got != len(handles) {
		t.Errorf("GetInfo().Workers = %d, want %d", got, len(handles))
	}

	// deregistering frees a slot, deregistering twice is harmless
	handles[0].Deregister()
	handles[0].Deregister()
	h, err := database.Register()
	if err != nil {
		t.Fatalf("Register() after Deregister() error = %v", err)
	}
	h.Deregister()

	// a deregistered handle is unusable
	if rc := handles[0].Insert([]byte("k"), []byte("v")); rc == db.RetCSuccess {
		t.Errorf("Insert() on a deregistered handle succeeded")
	}

	for _, h := range handles[1:] {
		h.Deregister()
	}
}

func testSnapshot(t *testing.T, database db.KVDB) {
	defer database.Close()
	h := register(t, database)
	defer h.Deregister()

	for i := 0; i < 100; i++ {
		h.Insert([]byte(fmt.Sprintf("key-%03d", i)), []byte(fmt.Sprintf("value-%d", i)))
	}

	snap, err := database.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	defer snap.Release()

	// later writes are not visible in the snapshot
	h.Insert([]byte("key-000"), []byte("changed"))
	h.Delete([]byte("key-001"))
	h.Insert([]byte("key-999"), []byte("new"))

	if snap.Len() != 100 {
		t.Errorf("Len() = %d, want 100", snap.Len())
	}

	var keys []string
	snap.Range(nil, func(key, value []byte) bool {
		keys = append(keys, string(key))
		if string(key) == "key-000" && string(value) != "value-0" {
			t.Errorf("snapshot sees a later write: %s=%s", key, value)
		}
		return true
	})
	if len(keys) != 100 {
		t.Fatalf("Range() visited %d keys, want 100", len(keys))
	}
	for i := 1; i < len(keys); i++ {
		if keys[i-1] >= keys[i] {
			t.Fatalf("Range() not in ascending order: %s before %s", keys[i-1], keys[i])
		}
	}

	// range from a key and stop early
	var first string
	visited := 0
	snap.Range([]byte("key-050"), func(key, value []byte) bool {
		if visited == 0 {
			first = string(key)
		}
		visited++
		return visited < 10
	})
	if first != "key-050" || visited != 10 {
		t.Errorf("Range(from) started at %q and visited %d, want key-050 and 10", first, visited)
	}
}

func testReset(t *testing.T, database db.KVDB) {
	defer database.Close()
	h := register(t, database)
	defer h.Deregister()

	h.Insert([]byte("a"), []byte("1"))
	h.Insert([]byte("b"), []byte("2"))
	if err := database.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	expectLookup(t, h, "a", nil, db.RetCNotFound)
	if keys := database.GetInfo().Keys; keys != 0 {
		t.Errorf("GetInfo().Keys = %d after Reset(), want 0", keys)
	}

	// the database is usable after a reset
	h.Insert([]byte("c"), []byte("3"))
	expectLookup(t, h, "c", []byte("3"), db.RetCSuccess)
}

func testDiagnostics(t *testing.T, database db.KVDB) {
	defer database.Close()
	h := register(t, database)
	defer h.Deregister()

	for i := 0; i < 10; i++ {
		h.Insert([]byte(fmt.Sprintf("k%d", i)), []byte("v"))
	}

	var buf bytes.Buffer
	if err := database.DumpCache(&buf); err != nil {
		t.Fatalf("DumpCache() error = %v", err)
	}
	if buf.Len() == 0 {
		t.Errorf("DumpCache() wrote nothing")
	}
	if err := database.ClearCache(); err != nil {
		t.Errorf("ClearCache() error = %v", err)
	}

	info := database.GetInfo()
	if info.Keys != 10 {
		t.Errorf("GetInfo().Keys = %d, want 10", info.Keys)
	}
	if info.DbType == "" {
		t.Errorf("GetInfo().DbType is empty")
	}
}

func testConcurrentWorkers(t *testing.T, database db.KVDB) {
	defer database.Close()

	const workers = 8
	const perWorker = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			h, err := database.Register()
			if err != nil {
				t.Errorf("Register() error = %v", err)
				return
			}
			defer h.Deregister()
			for i := 0; i < perWorker; i++ {
				key := []byte(fmt.Sprintf("w%d-k%d", w, i))
				if rc := h.Insert(key, key); rc != db.RetCSuccess {
					t.Errorf("Insert() = %v", rc)
					return
				}
				if got, rc := h.Lookup(key); rc != db.RetCSuccess || !bytes.Equal(got, key) {
					t.Errorf("Lookup() = (%q, %v)", got, rc)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	if keys := database.GetInfo().Keys; keys != workers*perWorker {
		t.Errorf("GetInfo().Keys = %d, want %d", keys, workers*perWorker)
	}
}

func testClose(t *testing.T, database db.KVDB) {
	h := register(t, database)
	if err := database.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := database.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := database.Register(); !errors.Is(err, db.ErrClosed) {
		t.Errorf("Register() after Close() error = %v, want ErrClosed", err)
	}
	if rc := h.Insert([]byte("k"), []byte("v")); rc == db.RetCSuccess {
		t.Errorf("Insert() after Close() succeeded")
	}
}
