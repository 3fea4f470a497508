package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHistogramPercentiles(t *testing.T) {
	t.Parallel()

	h := NewHistogram(0)
	for i := 1; i <= 100; i++ {
		h.Record(time.Duration(i) * time.Millisecond)
	}
	snap := h.Snapshot()
	assert.Equal(t, 50.0, snap.P50)
	assert.Equal(t, 95.0, snap.P95)
	assert.Equal(t, 99.0, snap.P99)
	assert.Equal(t, uint64(100), snap.Count)
}

func TestHistogramRingOverwritesOldest(t *testing.T) {
	t.Parallel()

	h := NewHistogram(10)
	for i := 0; i < 10; i++ {
		h.Record(time.Second)
	}
	for i := 0; i < 10; i++ {
		h.Record(time.Millisecond)
	}
	assert.Equal(t, 1.0, h.Percentile(99))
	assert.Equal(t, uint64(20), h.Snapshot().Count)
}

func TestHistogramEmpty(t *testing.T) {
	t.Parallel()

	assert.Equal(t, LatencySnapshot{}, NewHistogram(5).Snapshot())
}
