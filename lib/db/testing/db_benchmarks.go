package testing

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/rKV/lib/db"
)

// RunKVDBBenchmarks runs all benchmarks for a key-value database implementations
func RunKVDBBenchmarks(b *testing.B, name string, factory DBFactory) {

	b.Run("Insert", func(b *testing.B) {
		benchmarkInsert(b, factory())
	})

	b.Run("InsertExisting", func(b *testing.B) {
		benchmarkInsertExisting(b, factory())
	})

	b.Run("InsertLargeValue", func(b *testing.B) {
		benchmarkInsertLargeValue(b, factory())
	})

	b.Run("Lookup", func(b *testing.B) {
		benchmarkLookup(b, factory())
	})

	b.Run("Delete", func(b *testing.B) {
		benchmarkDelete(b, factory())
	})

	b.Run("Snapshot", func(b *testing.B) {
		benchmarkSnapshot(b, factory())
	})

	b.Run("MixedUsage", func(b *testing.B) {
		benchmarkMixedUsage(b, factory())
	})
}

// --------------------------------------------------------------------------
// Benchmark functions
// --------------------------------------------------------------------------

// each parallel goroutine registers its own handle, like the server workers do
func runParallel(b *testing.B, database db.KVDB, body func(h db.Handle, i int)) {
	var counter atomic.Int64
	b.RunParallel(func(pb *testing.PB) {
		h, err := database.Register()
		if err != nil {
			b.Errorf("Register() error = %v", err)
			return
		}
		defer h.Deregister()
		for pb.Next() {
			body(h, int(counter.Add(1)))
		}
	})
}

func fill(b *testing.B, database db.KVDB, n int, value []byte) {
	h, err := database.Register()
	if err != nil {
		b.Fatalf("Register() error = %v", err)
	}
	defer h.Deregister()
	for i := 0; i < n; i++ {
		h.Insert([]byte(fmt.Sprintf("key-%d", i)), value)
	}
}

func benchmarkInsert(b *testing.B, database db.KVDB) {
	defer database.Close()
	value := []byte("benchmark-value")
	b.ResetTimer()
	runParallel(b, database, func(h db.Handle, i int) {
		h.Insert([]byte(fmt.Sprintf("key-%d", i)), value)
	})
}

func benchmarkInsertExisting(b *testing.B, database db.KVDB) {
	defer database.Close()
	const keys = 1000
	value := []byte("benchmark-value")
	fill(b, database, keys, value)
	b.ResetTimer()
	runParallel(b, database, func(h db.Handle, i int) {
		h.Insert([]byte(fmt.Sprintf("key-%d", i%keys)), value)
	})
}

func benchmarkInsertLargeValue(b *testing.B, database db.KVDB) {
	defer database.Close()
	value := make([]byte, 64*1024)
	rand.Read(value)
	b.ResetTimer()
	runParallel(b, database, func(h db.Handle, i int) {
		h.Insert([]byte(fmt.Sprintf("key-%d", i%100)), value)
	})
}

func benchmarkLookup(b *testing.B, database db.KVDB) {
	defer database.Close()
	const keys = 10000
	fill(b, database, keys, []byte("benchmark-value"))
	b.ResetTimer()
	runParallel(b, database, func(h db.Handle, i int) {
		h.Lookup([]byte(fmt.Sprintf("key-%d", i%keys)))
	})
}

func benchmarkDelete(b *testing.B, database db.KVDB) {
	defer database.Close()
	fill(b, database, b.N, []byte("benchmark-value"))
	b.ResetTimer()
	runParallel(b, database, func(h db.Handle, i int) {
		h.Delete([]byte(fmt.Sprintf("key-%d", i-1)))
	})
}

func benchmarkSnapshot(b *testing.B, database db.KVDB) {
	defer database.Close()
	fill(b, database, 10000, []byte("benchmark-value"))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		snap, err := database.Snapshot()
		if err != nil {
			b.Fatalf("Snapshot() error = %v", err)
		}
		snap.Release()
	}
}

func benchmarkMixedUsage(b *testing.B, database db.KVDB) {
	defer database.Close()
	const keys = 1000
	value := []byte("benchmark-value")
	fill(b, database, keys, value)
	b.ResetTimer()
	runParallel(b, database, func(h db.Handle, i int) {
		key := []byte(fmt.Sprintf("key-%d", i%keys))
		switch i % 10 {
		case 0:
			h.Delete(key)
		case 1, 2, 3:
			h.Update(key, value)
		default:
			h.Lookup(key)
		}
	})
}
