package btree

import (
	"testing"

	"github.com/ValentinKolb/rKV/lib/db"
	dbtesting "github.com/ValentinKolb/rKV/lib/db/testing"
)

func Test(t *testing.T) {
	dbtesting.RunKVDBTests(t, "BTreeDB", func() db.KVDB {
		return NewBTreeDB(nil)
	})
}

func Benchmark(b *testing.B) {
	dbtesting.RunKVDBBenchmarks(b, "BTreeDB", func() db.KVDB {
		return NewBTreeDB(nil)
	})
}
