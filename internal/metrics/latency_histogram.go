package metrics

import (
	"sync"
	"time"
)

// LatencyHistogram counts round trips into fixed-width buckets so that
// percentiles over very many samples cost constant memory. Samples beyond the
// last bucket are counted as overflow. It is safe for concurrent use.
type LatencyHistogram struct {
	mu          sync.Mutex
	bucketWidth time.Duration
	buckets     []uint32
	overflow    uint32
	count       int64
	sum         time.Duration
	min         time.Duration
	max         time.Duration
}

func NewLatencyHistogram(bucketWidth time.Duration, bucketCount int) *LatencyHistogram {
	if bucketWidth <= 0 {
		bucketWidth = time.Millisecond
	}
	if bucketCount <= 0 {
		bucketCount = 1
	}
	return &LatencyHistogram{
		bucketWidth: bucketWidth,
		buckets:     make([]uint32, bucketCount),
	}
}

func (h *LatencyHistogram) Record(sample time.Duration) {
	if sample < 0 {
		sample = 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 || sample < h.min {
		h.min = sample
	}
	if sample > h.max {
		h.max = sample
	}
	h.count++
	h.sum += sample
	index := int(sample / h.bucketWidth)
	if index >= len(h.buckets) {
		h.overflow++
		return
	}
	h.buckets[index]++
}

func (h *LatencyHistogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.buckets {
		h.buckets[i] = 0
	}
	h.overflow = 0
	h.count = 0
	h.sum = 0
	h.min = 0
	h.max = 0
}

// HistogramStats are in milliseconds. Percentiles are bucket upper bounds,
// or the observed maximum when they fall into the overflow.
type HistogramStats struct {
	Count int64   `json:"count"`
	AvgMs float64 `json:"avg_ms"`
	MinMs float64 `json:"min_ms"`
	MaxMs float64 `json:"max_ms"`
	P50Ms float64 `json:"p50_ms"`
	P95Ms float64 `json:"p95_ms"`
	P99Ms float64 `json:"p99_ms"`
}

func (h *LatencyHistogram) Stats() HistogramStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return HistogramStats{}
	}
	return HistogramStats{
		Count: h.count,
		AvgMs: ms(h.sum) / float64(h.count),
		MinMs: ms(h.min),
		MaxMs: ms(h.max),
		P50Ms: h.percentile(0.50),
		P95Ms: h.percentile(0.95),
		P99Ms: h.percentile(0.99),
	}
}

// percentile requires h.mu.
func (h *LatencyHistogram) percentile(ratio float64) float64 {
	target := int64(float64(h.count)*ratio) + 1
	if target > h.count {
		target = h.count
	}

	var seen int64
	for i, c := range h.buckets {
		seen += int64(c)
		if seen >= target {
			return ms(time.Duration(i+1) * h.bucketWidth)
		}
	}
	return ms(h.max)
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
