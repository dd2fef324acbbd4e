package logstore

import (
	"testing"

	"github.com/pkg/errors"
)

func TestParsePack(t *testing.T) {
	entries := []*Entry{
		{Index: 1, Term: 1, Data: []byte("a")},
		{Index: 2, Term: 1, Data: []byte("b")},
	}
	pack, err := buildPack(entries)
	if err != nil {
		t.Fatalf("buildPack() error = %v", err)
	}

	t.Run("RoundTrip", func(t *testing.T) {
		got, err := parsePack(pack)
		if err != nil {
			t.Fatalf("parsePack() error = %v", err)
		}
		if len(got) != len(entries) {
			t.Fatalf("parsePack() returned %d entries, want %d", len(got), len(entries))
		}
		for i := range got {
			if got[i].Index != entries[i].Index || string(got[i].Data) != string(entries[i].Data) {
				t.Errorf("entry %d = %+v, want %+v", i, got[i], entries[i])
			}
		}
	})

	// the count is untrusted, allocation is bounded by the data
	t.Run("InflatedCount", func(t *testing.T) {
		inflated := append([]byte{}, pack...)
		inflated[0], inflated[1], inflated[2], inflated[3] = 0x7f, 0xff, 0xff, 0xff
		if _, err := parsePack(inflated); !errors.Is(err, ErrCorruptPack) {
			t.Errorf("parsePack() error = %v, want ErrCorruptPack", err)
		}
	})
}
