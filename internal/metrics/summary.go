package metrics

import (
	"math"
	"sort"
	"time"

	"github.com/saveenergy/netpulse/pkg/measure"
)

// Sample is one stored run reduced to the values a summary aggregates.
type Sample struct {
	PingMs       float64
	DownloadMbps float64
	UploadMbps   float64
	At           time.Time
}

// Stat describes the distribution of one metric across runs.
type Stat struct {
	Avg float64 `json:"avg"`
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
}

// Summary aggregates a history of runs.
type Summary struct {
	Count    int  `json:"count"`
	Ping     Stat `json:"ping_ms"`
	Download Stat `json:"download_mbps"`
	Upload   Stat `json:"upload_mbps"`
	// PingStdDevMs is the population standard deviation of per-run ping
	// averages. It measures stability across runs and is unrelated to the
	// per-run jitter.
	PingStdDevMs float64    `json:"ping_stddev_ms"`
	First        *time.Time `json:"first,omitempty"`
	Last         *time.Time `json:"last,omitempty"`
}

// Summarize aggregates samples. An empty input yields a zero Summary.
func Summarize(samples []Sample) Summary {
	if len(samples) == 0 {
		return Summary{}
	}
	ping := make([]float64, len(samples))
	down := make([]float64, len(samples))
	up := make([]float64, len(samples))
	first, last := samples[0].At, samples[0].At
	for i, s := range samples {
		ping[i] = s.PingMs
		down[i] = s.DownloadMbps
		up[i] = s.UploadMbps
		if s.At.Before(first) {
			first = s.At
		}
		if s.At.After(last) {
			last = s.At
		}
	}

	sum := Summary{
		Count:        len(samples),
		Ping:         calculate(ping),
		Download:     calculate(down),
		Upload:       calculate(up),
		PingStdDevMs: measure.Round2(StdDev(ping)),
	}
	if !first.IsZero() {
		sum.First, sum.Last = &first, &last
	}
	return sum
}

func calculate(values []float64) Stat {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var total float64
	for _, v := range sorted {
		total += v
	}
	return Stat{
		Avg: measure.Round2(total / float64(len(sorted))),
		Min: measure.Round2(sorted[0]),
		Max: measure.Round2(sorted[len(sorted)-1]),
		P50: measure.Round2(percentile(sorted, 0.50)),
		P95: measure.Round2(percentile(sorted, 0.95)),
	}
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []float64, ratio float64) float64 {
	rank := ratio * float64(len(sorted)-1)
	lo := int(rank)
	if lo+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	return sorted[lo] + (rank-float64(lo))*(sorted[lo+1]-sorted[lo])
}

// StdDev is the population standard deviation of values.
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return math.Sqrt(sq / float64(len(values)))
}
