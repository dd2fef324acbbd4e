package testing

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/rKV/lib/logstore"
)

// StoreFactory is a function that creates a new, empty log store
type StoreFactory func() logstore.ILogStore

// RunLogStoreTests runs the conformance suite for an ILogStore implementation.
func RunLogStoreTests(t *testing.T, name string, factory StoreFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Empty", func(t *testing.T) {
			testEmpty(t, factory())
		})

		t.Run("Append", func(t *testing.T) {
			testAppend(t, factory())
		})

		t.Run("WriteAt", func(t *testing.T) {
			testWriteAt(t, factory())
		})

		t.Run("Truncate", func(t *testing.T) {
			testTruncate(t, factory())
		})

		t.Run("LogEntries", func(t *testing.T) {
			testLogEntries(t, factory())
		})

		t.Run("TermAt", func(t *testing.T) {
			testTermAt(t, factory())
		})

		t.Run("Compact", func(t *testing.T) {
			testCompact(t, factory())
		})

		t.Run("CompactBeyondLog", func(t *testing.T) {
			testCompactBeyondLog(t, factory())
		})

		t.Run("PackRoundTrip", func(t *testing.T) {
			testPackRoundTrip(t, factory(), factory())
		})

		t.Run("ApplyPackIdempotent", func(t *testing.T) {
			testApplyPackIdempotent(t, factory(), factory())
		})

		t.Run("ApplyPackCorrupt", func(t *testing.T) {
			testApplyPackCorrupt(t, factory())
		})

		t.Run("Invariants", func(t *testing.T) {
			testInvariants(t, factory())
		})

		t.Run("ConcurrentReaders", func(t *testing.T) {
			testConcurrentReaders(t, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func entry(term uint64, payload string) *logstore.Entry {
	return &logstore.Entry{
		Term:       term,
		Data:       []byte(payload),
		AppendedAt: time.Unix(1700000000, 0),
	}
}

// appendN appends n entries with the given term and payloads "p<index>"
func appendN(t testing.TB, s logstore.ILogStore, n int, term uint64) {
	t.Helper()
	for i := 0; i < n; i++ {
		idx := s.NextSlot()
		got, err := s.Append(entry(term, fmt.Sprintf("p%d", idx)))
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if got != idx {
			t.Fatalf("Append() = %d, want %d", got, idx)
		}
	}
}

// checkRange verifies that EntryAt is defined exactly for [StartIndex, NextSlot)
func checkRange(t testing.TB, s logstore.ILogStore) {
	t.Helper()
	start, next := s.StartIndex(), s.NextSlot()
	if start > next {
		t.Fatalf("StartIndex() %d > NextSlot() %d", start, next)
	}
	lo := uint64(0)
	if start > 3 {
		lo = start - 3
	}
	for i := lo; i < next+3; i++ {
		e, ok := s.EntryAt(i)
		want := i >= start && i < next
		if ok != want {
			t.Fatalf("EntryAt(%d) present = %v, want %v (start %d, next %d)", i, ok, want, start, next)
		}
		if ok && e.Index != i {
			t.Fatalf("EntryAt(%d).Index = %d", i, e.Index)
		}
	}
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testEmpty(t *testing.T, s logstore.ILogStore) {
	defer s.Close()

	if s.NextSlot() != 1 || s.StartIndex() != 1 {
		t.Errorf("empty store: NextSlot() = %d, StartIndex() = %d, want 1, 1", s.NextSlot(), s.StartIndex())
	}
	last := s.LastEntry()
	if last == nil || last.Index != 0 || last.Term != 0 || len(last.Data) != 0 {
		t.Errorf("LastEntry() of an empty store = %+v, want the zero dummy", last)
	}
	if _, ok := s.EntryAt(1); ok {
		t.Errorf("EntryAt(1) present in an empty store")
	}
	if err := s.Flush(); err != nil {
		t.Errorf("Flush() error = %v", err)
	}
}

func testAppend(t *testing.T, s logstore.ILogStore) {
	defer s.Close()

	appendN(t, s, 5, 1)
	if s.NextSlot() != 6 {
		t.Errorf("NextSlot() = %d, want 6", s.NextSlot())
	}
	last := s.LastEntry()
	if last.Index != 5 || string(last.Data) != "p5" || last.Term != 1 {
		t.Errorf("LastEntry() = %+v", last)
	}

	// batch append returns the first assigned index
	first, err := s.Append(entry(2, "a"), entry(2, "b"))
	if err != nil || first != 6 {
		t.Fatalf("Append(batch) = %d, %v, want 6", first, err)
	}
	e, ok := s.EntryAt(7)
	if !ok || string(e.Data) != "b" || e.Term != 2 {
		t.Errorf("EntryAt(7) = %+v, %v", e, ok)
	}
	if !e.AppendedAt.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("AppendedAt = %v", e.AppendedAt)
	}

	// the index field of the argument is ignored
	wrong := entry(2, "c")
	wrong.Index = 99
	if idx, _ := s.Append(wrong); idx != 8 {
		t.Errorf("Append() = %d, want 8", idx)
	}
	checkRange(t, s)
}

func testWriteAt(t *testing.T, s logstore.ILogStore) {
	defer s.Close()

	appendN(t, s, 10, 1)
	if err := s.WriteAt(4, entry(2, "conflict")); err != nil {
		t.Fatalf("WriteAt() error = %v", err)
	}
	if s.NextSlot() != 5 {
		t.Errorf("NextSlot() = %d, want 5", s.NextSlot())
	}
	e, ok := s.EntryAt(4)
	if !ok || string(e.Data) != "conflict" || e.Term != 2 {
		t.Errorf("EntryAt(4) = %+v, %v", e, ok)
	}
	// tail truncation is total
	if _, ok := s.EntryAt(5); ok {
		t.Errorf("EntryAt(5) present after WriteAt(4)")
	}
	// earlier entries are kept
	if e, ok := s.EntryAt(3); !ok || string(e.Data) != "p3" {
		t.Errorf("EntryAt(3) = %+v, %v", e, ok)
	}

	// writing at the next slot behaves like append
	if err := s.WriteAt(5, entry(2, "next")); err != nil {
		t.Fatalf("WriteAt(next) error = %v", err)
	}
	if s.NextSlot() != 6 {
		t.Errorf("NextSlot() = %d, want 6", s.NextSlot())
	}
	checkRange(t, s)

	// below the start index
	if err := s.Compact(3); err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if err := s.WriteAt(2, entry(3, "old")); !errors.Is(err, logstore.ErrCompacted) {
		t.Errorf("WriteAt() below start error = %v, want ErrCompacted", err)
	}
}

func testTruncate(t *testing.T, s logstore.ILogStore) {
	defer s.Close()

	appendN(t, s, 10, 1)
	if err := s.Truncate(7); err != nil {
		t.Fatalf("Truncate() error = %v", err)
	}
	if s.NextSlot() != 7 {
		t.Errorf("NextSlot() = %d, want 7", s.NextSlot())
	}
	// truncating beyond the log is a no-op
	if err := s.Truncate(100); err != nil || s.NextSlot() != 7 {
		t.Errorf("Truncate(100) = %v, NextSlot() = %d", err, s.NextSlot())
	}
	appendN(t, s, 1, 2)
	if e, _ := s.EntryAt(7); e.Term != 2 {
		t.Errorf("EntryAt(7).Term = %d, want 2", e.Term)
	}
	checkRange(t, s)
}

func testLogEntries(t *testing.T, s logstore.ILogStore) {
	defer s.Close()

	appendN(t, s, 10, 1)
	entries, err := s.LogEntries(3, 7)
	if err != nil {
		t.Fatalf("LogEntries() error = %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("LogEntries(3, 7) returned %d entries, want 4", len(entries))
	}
	for i, e := range entries {
		if e.Index != uint64(3+i) || string(e.Data) != fmt.Sprintf("p%d", 3+i) {
			t.Errorf("entry %d = %+v", i, e)
		}
	}

	if entries, err := s.LogEntries(5, 5); err != nil || len(entries) != 0 {
		t.Errorf("LogEntries(5, 5) = %d entries, %v", len(entries), err)
	}

	tests := []struct {
		name       string
		start, end uint64
	}{
		{"Beyond next slot", 8, 12},
		{"Inverted range", 7, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.LogEntries(tt.start, tt.end); !errors.Is(err, logstore.ErrRangeUnavailable) {
				t.Errorf("LogEntries(%d, %d) error = %v, want ErrRangeUnavailable", tt.start, tt.end, err)
			}
		})
	}

	// compaction racing a read makes the range unavailable
	if err := s.Compact(4); err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if _, err := s.LogEntries(3, 7); !errors.Is(err, logstore.ErrRangeUnavailable) {
		t.Errorf("LogEntries() over a compacted index error = %v, want ErrRangeUnavailable", err)
	}
}

func testTermAt(t *testing.T, s logstore.ILogStore) {
	defer s.Close()

	appendN(t, s, 3, 1)
	appendN(t, s, 3, 4)
	if term := s.TermAt(2); term != 1 {
		t.Errorf("TermAt(2) = %d, want 1", term)
	}
	if term := s.TermAt(5); term != 4 {
		t.Errorf("TermAt(5) = %d, want 4", term)
	}
	if err := s.Compact(3); err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if term := s.TermAt(2); term != 0 {
		t.Errorf("TermAt() of a compacted index = %d, want 0", term)
	}

	defer func() {
		if recover() == nil {
			t.Errorf("TermAt(NextSlot()) did not panic")
		}
	}()
	s.TermAt(s.NextSlot())
}

func testCompact(t *testing.T, s logstore.ILogStore) {
	defer s.Close()

	appendN(t, s, 10, 1)
	if err := s.Compact(4); err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if s.StartIndex() != 5 || s.NextSlot() != 11 {
		t.Errorf("StartIndex() = %d, NextSlot() = %d, want 5, 11", s.StartIndex(), s.NextSlot())
	}
	checkRange(t, s)

	// compacting an already compacted prefix changes nothing
	if err := s.Compact(2); err != nil || s.StartIndex() != 5 {
		t.Errorf("Compact(2) = %v, StartIndex() = %d", err, s.StartIndex())
	}

	// compacting everything keeps appends contiguous
	if err := s.Compact(10); err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if s.StartIndex() != 11 || s.NextSlot() != 11 {
		t.Errorf("StartIndex() = %d, NextSlot() = %d, want 11, 11", s.StartIndex(), s.NextSlot())
	}
	if last := s.LastEntry(); last.Index != 0 {
		t.Errorf("LastEntry() after full compaction = %+v, want the zero dummy", last)
	}
	appendN(t, s, 1, 2)
	checkRange(t, s)
}

func testCompactBeyondLog(t *testing.T, s logstore.ILogStore) {
	defer s.Close()

	appendN(t, s, 5, 1)
	// snapshot installed at index 100
	if err := s.Compact(100); err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if s.StartIndex() != 101 || s.NextSlot() != 101 {
		t.Errorf("StartIndex() = %d, NextSlot() = %d, want 101, 101", s.StartIndex(), s.NextSlot())
	}
	if idx, err := s.Append(entry(3, "after snapshot")); err != nil || idx != 101 {
		t.Errorf("Append() = %d, %v, want 101", idx, err)
	}
	checkRange(t, s)

	// a write beyond the next slot closes the gap the same way
	if err := s.WriteAt(200, entry(4, "gap")); err != nil {
		t.Fatalf("WriteAt() beyond next slot error = %v", err)
	}
	if s.StartIndex() != 200 || s.NextSlot() != 201 {
		t.Errorf("StartIndex() = %d, NextSlot() = %d, want 200, 201", s.StartIndex(), s.NextSlot())
	}
	checkRange(t, s)
}

func testPackRoundTrip(t *testing.T, src, dst logstore.ILogStore) {
	defer src.Close()
	defer dst.Close()

	appendN(t, src, 10, 1)
	pack, err := src.Pack(1, 10)
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	if err := dst.ApplyPack(1, pack); err != nil {
		t.Fatalf("ApplyPack() error = %v", err)
	}
	if dst.NextSlot() != 11 {
		t.Errorf("NextSlot() = %d, want 11", dst.NextSlot())
	}
	again, err := dst.Pack(1, 10)
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	if !bytes.Equal(pack, again) {
		t.Errorf("pack of the copy differs from the original pack")
	}

	// pack stops early when entries run out
	short, err := src.Pack(8, 10)
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	partial := logstore.NewMemoryLogStore(nil)
	if err := partial.ApplyPack(8, short); err != nil {
		t.Fatalf("ApplyPack() error = %v", err)
	}
	if partial.StartIndex() != 8 || partial.NextSlot() != 11 {
		t.Errorf("StartIndex() = %d, NextSlot() = %d, want 8, 11", partial.StartIndex(), partial.NextSlot())
	}
}

func testApplyPackIdempotent(t *testing.T, src, dst logstore.ILogStore) {
	defer src.Close()
	defer dst.Close()

	appendN(t, src, 6, 2)
	pack, err := src.Pack(3, 4)
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	appendN(t, dst, 8, 1)

	if err := dst.ApplyPack(3, pack); err != nil {
		t.Fatalf("ApplyPack() error = %v", err)
	}
	once, _ := dst.Pack(dst.StartIndex(), 100)
	start, next := dst.StartIndex(), dst.NextSlot()

	if err := dst.ApplyPack(3, pack); err != nil {
		t.Fatalf("second ApplyPack() error = %v", err)
	}
	twice, _ := dst.Pack(dst.StartIndex(), 100)
	if !bytes.Equal(once, twice) || dst.StartIndex() != start || dst.NextSlot() != next {
		t.Errorf("applying the same pack twice changed the store")
	}

	// the conflicting tail of dst is gone
	if next != 7 {
		t.Errorf("NextSlot() = %d, want 7", next)
	}
	if e, _ := dst.EntryAt(4); e.Term != 2 {
		t.Errorf("EntryAt(4).Term = %d, want 2", e.Term)
	}
}

func testApplyPackCorrupt(t *testing.T, s logstore.ILogStore) {
	defer s.Close()
	appendN(t, s, 3, 1)

	tests := []struct {
		name string
		pack []byte
	}{
		{"Empty", []byte{}},
		{"Zero count", []byte{0, 0, 0, 0}},
		{"Negative count", []byte{0xff, 0xff, 0xff, 0xff}},
		{"Zero size", []byte{0, 0, 0, 1, 0, 0, 0, 0}},
		{"Negative size", []byte{0, 0, 0, 1, 0xff, 0xff, 0xff, 0xfe, 1}},
		{"Truncated body", []byte{0, 0, 0, 1, 0, 0, 0, 9, 1, 2}},
		{"Missing entry", []byte{0, 0, 0, 2}},
		{"Count beyond data", []byte{0x7f, 0xff, 0xff, 0xff, 0, 0, 0, 1, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.ApplyPack(2, tt.pack); !errors.Is(err, logstore.ErrCorruptPack) {
				t.Errorf("ApplyPack() error = %v, want ErrCorruptPack", err)
			}
			// a rejected pack leaves the store untouched
			if s.NextSlot() != 4 {
				t.Errorf("NextSlot() = %d after a corrupt pack, want 4", s.NextSlot())
			}
		})
	}
}

func testInvariants(t *testing.T, s logstore.ILogStore) {
	defer s.Close()

	steps := []struct {
		name string
		do   func() error
	}{
		{"append 5", func() error { appendN(t, s, 5, 1); return nil }},
		{"write at 3", func() error { return s.WriteAt(3, entry(2, "x")) }},
		{"append 4", func() error { appendN(t, s, 4, 2); return nil }},
		{"compact 2", func() error { return s.Compact(2) }},
		{"truncate 6", func() error { return s.Truncate(6) }},
		{"compact 20", func() error { return s.Compact(20) }},
		{"append 2", func() error { appendN(t, s, 2, 3); return nil }},
		{"write at 22", func() error { return s.WriteAt(22, entry(4, "y")) }},
	}
	for _, step := range steps {
		if err := step.do(); err != nil {
			t.Fatalf("%s: error = %v", step.name, err)
		}
		checkRange(t, s)
	}
}

func testConcurrentReaders(t *testing.T, s logstore.ILogStore) {
	defer s.Close()
	appendN(t, s, 50, 1)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				start := s.StartIndex()
				entries, err := s.LogEntries(start, start+5)
				if err != nil {
					if !errors.Is(err, logstore.ErrRangeUnavailable) {
						t.Errorf("LogEntries() error = %v", err)
					}
					continue
				}
				for i, e := range entries {
					if e.Index != start+uint64(i) {
						t.Errorf("torn read: entry %d has index %d", start+uint64(i), e.Index)
						return
					}
				}
			}
		}()
	}

	for i := 0; i < 40; i++ {
		if err := s.WriteAt(s.NextSlot()-1, entry(2, "w")); err != nil {
			t.Errorf("WriteAt() error = %v", err)
		}
		appendN(t, s, 1, 2)
		if err := s.Compact(s.StartIndex()); err != nil {
			t.Errorf("Compact() error = %v", err)
		}
	}
	close(stop)
	wg.Wait()
}
