package util

import (
	"sync"

	"github.com/ValentinKolb/rKV/lib/db"
)

// WorkerTable hands out a bounded number of worker slots. Storage engines use
// it to implement db.KVDB.Register.
type WorkerTable struct {
	mu    sync.Mutex
	slots []bool
	used  int
}

// NewWorkerTable creates a table with max slots.
func NewWorkerTable(max int) *WorkerTable {
	if max <= 0 {
		max = 64
	}
	return &WorkerTable{slots: make([]bool, max)}
}

// Acquire returns a free slot or db.ErrTooManyWorkers.
func (w *WorkerTable) Acquire() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, taken := range w.slots {
		if !taken {
			w.slots[i] = true
			w.used++
			return i, nil
		}
	}
	return -1, db.ErrTooManyWorkers
}

// Release frees slot. Releasing a free slot is a no-op.
func (w *WorkerTable) Release(slot int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if slot < 0 || slot >= len(w.slots) || !w.slots[slot] {
		return
	}
	w.slots[slot] = false
	w.used--
}

// Used returns the number of taken slots.
func (w *WorkerTable) Used() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.used
}
