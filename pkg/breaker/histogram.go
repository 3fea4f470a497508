package breaker

import (
	"math"
	"sort"
	"sync"
	"time"
)

// DefaultHistogramSize is the number of samples a Histogram retains.
const DefaultHistogramSize = 1000

// Histogram is a fixed-size ring of latency samples. Once full, each new
// sample overwrites the oldest.
type Histogram struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
	count   uint64
}

// LatencySnapshot holds percentiles in milliseconds. Count is the number of
// observations ever recorded; percentiles cover the retained samples.
type LatencySnapshot struct {
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count uint64  `json:"count"`
}

// NewHistogram returns a histogram retaining size samples.
func NewHistogram(size int) *Histogram {
	if size <= 0 {
		size = DefaultHistogramSize
	}
	return &Histogram{samples: make([]float64, size)}
}

// Record adds one observation.
func (h *Histogram) Record(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples[h.next] = float64(d) / float64(time.Millisecond)
	h.next++
	if h.next == len(h.samples) {
		h.next = 0
		h.full = true
	}
	h.count++
}

func (h *Histogram) sortedLocked() []float64 {
	n := h.next
	if h.full {
		n = len(h.samples)
	}
	out := make([]float64, n)
	copy(out, h.samples[:n])
	sort.Float64s(out)
	return out
}

// Percentile returns the nearest-rank p-th percentile (0 < p <= 100) in
// milliseconds, or 0 without samples.
func (h *Histogram) Percentile(p float64) float64 {
	h.mu.Lock()
	sorted := h.sortedLocked()
	h.mu.Unlock()
	return percentile(sorted, p)
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	rank = min(max(rank, 1), len(sorted))
	return sorted[rank-1]
}

// Snapshot returns p50, p95, p99 and the observation count.
func (h *Histogram) Snapshot() LatencySnapshot {
	h.mu.Lock()
	sorted := h.sortedLocked()
	count := h.count
	h.mu.Unlock()
	return LatencySnapshot{
		P50:   percentile(sorted, 50),
		P95:   percentile(sorted, 95),
		P99:   percentile(sorted, 99),
		Count: count,
	}
}
