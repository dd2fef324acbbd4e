package util

import (
	"fmt"
	"io"
	"math"
	"sync"
)

// SizeHistogram tracks the distribution of written value sizes with
// exponential buckets from a few bytes to gigabytes.
type SizeHistogram struct {
	mutex      sync.RWMutex
	boundaries []int
	buckets    []int64 // len(boundaries)+1, the last bucket collects larger values
	count      int64
	sum        int64
}

// NewSizeHistogram creates a histogram with boundaries from 16B to 4GB
func NewSizeHistogram() *SizeHistogram {
	boundaries := []int{
		16, 64, 256, 1024, 4096,
		16384, 65536, 262144, 1048576,
		4194304, 16777216, 67108864,
		268435456, 1073741824, 4294967296,
	}
	return &SizeHistogram{
		boundaries: boundaries,
		buckets:    make([]int64, len(boundaries)+1),
	}
}

// AddSample adds a size sample to the histogram
func (h *SizeHistogram) AddSample(size int) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	bucket := len(h.boundaries)
	for i, boundary := range h.boundaries {
		if size <= boundary {
			bucket = i
			break
		}
	}
	h.buckets[bucket]++
	h.count++
	h.sum += int64(size)
}

// Count returns the total number of samples
func (h *SizeHistogram) Count() int64 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.count
}

// AverageSize returns the average size across all samples
func (h *SizeHistogram) AverageSize() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	if h.count == 0 {
		return 0
	}
	return int(h.sum / h.count)
}

// Percentile returns an estimate for the given percentile (0-100)
func (h *SizeHistogram) Percentile(percentile int) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if h.count == 0 || percentile < 0 || percentile > 100 {
		return 0
	}

	target := int64(math.Ceil(float64(h.count) * float64(percentile) / 100.0))
	cumulative := int64(0)
	for i, count := range h.buckets {
		cumulative += count
		if cumulative < target {
			continue
		}
		switch {
		case i == 0:
			return h.boundaries[0] / 2
		case i < len(h.boundaries):
			return (h.boundaries[i-1] + h.boundaries[i]) / 2
		default:
			return h.boundaries[len(h.boundaries)-1] * 2
		}
	}
	return int(h.sum / h.count)
}

// Reset clears all samples
func (h *SizeHistogram) Reset() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.count = 0
	h.sum = 0
	for i := range h.buckets {
		h.buckets[i] = 0
	}
}

// WriteTo writes the non-empty buckets as text lines.
func (h *SizeHistogram) WriteTo(w io.Writer) (int64, error) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	var total int64
	write := func(format string, args ...interface{}) error {
		n, err := fmt.Fprintf(w, format, args...)
		total += int64(n)
		return err
	}

	if err := write("  %-22s: %d\n", "samples", h.count); err != nil {
		return total, err
	}
	for i, count := range h.buckets {
		if count == 0 {
			continue
		}
		label := fmt.Sprintf("> %d", h.boundaries[len(h.boundaries)-1])
		if i < len(h.boundaries) {
			label = fmt.Sprintf("<= %d", h.boundaries[i])
		}
		if err := write("  %-22s: %d\n", label, count); err != nil {
			return total, err
		}
	}
	return total, nil
}
