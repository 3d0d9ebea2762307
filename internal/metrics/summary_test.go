package metrics_test

import (
	"math"
	"testing"
	"time"

	"github.com/saveenergy/netpulse/internal/metrics"
)

func TestSummarizeEmpty(t *testing.T) {
	sum := metrics.Summarize(nil)
	if sum.Count != 0 || sum.First != nil || sum.PingStdDevMs != 0 {
		t.Fatalf("expected zero summary, got %+v", sum)
	}
}

func TestSummarize(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	samples := []metrics.Sample{
		{PingMs: 10, DownloadMbps: 100, UploadMbps: 20, At: base.Add(2 * time.Hour)},
		{PingMs: 20, DownloadMbps: 200, UploadMbps: 40, At: base},
		{PingMs: 30, DownloadMbps: 300, UploadMbps: 60, At: base.Add(time.Hour)},
	}

	sum := metrics.Summarize(samples)
	if sum.Count != 3 {
		t.Fatalf("count = %d", sum.Count)
	}
	wantPing := metrics.Stat{Avg: 20, Min: 10, Max: 30, P50: 20, P95: 29}
	if sum.Ping != wantPing {
		t.Fatalf("ping = %+v want %+v", sum.Ping, wantPing)
	}
	if sum.Download.Avg != 200 || sum.Upload.Max != 60 {
		t.Fatalf("throughput stats = %+v / %+v", sum.Download, sum.Upload)
	}
	// sqrt(((10-20)^2 + 0 + (30-20)^2) / 3) = 8.165
	if sum.PingStdDevMs != 8.16 && sum.PingStdDevMs != 8.17 {
		t.Fatalf("stddev = %v", sum.PingStdDevMs)
	}
	if !sum.First.Equal(base) || !sum.Last.Equal(base.Add(2*time.Hour)) {
		t.Fatalf("range = %v..%v", sum.First, sum.Last)
	}
}

func TestSummarizePercentilesInterpolate(t *testing.T) {
	tests := []struct {
		pings []float64
		p50   float64
		p95   float64
	}{
		{[]float64{42}, 42, 42},
		{[]float64{30, 10}, 20, 29},
		{[]float64{10, 20, 30, 40}, 25, 38.5},
	}
	for _, tt := range tests {
		samples := make([]metrics.Sample, len(tt.pings))
		for i, p := range tt.pings {
			samples[i] = metrics.Sample{PingMs: p}
		}
		got := metrics.Summarize(samples).Ping
		if got.P50 != tt.p50 || got.P95 != tt.p95 {
			t.Errorf("pings %v: p50/p95 = %v/%v want %v/%v", tt.pings, got.P50, got.P95, tt.p50, tt.p95)
		}
	}
}

func TestStdDev(t *testing.T) {
	tests := []struct {
		values []float64
		want   float64
	}{
		{nil, 0},
		{[]float64{5}, 0},
		{[]float64{2, 4, 4, 4, 5, 5, 7, 9}, 2},
	}
	for _, tt := range tests {
		if got := metrics.StdDev(tt.values); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("StdDev(%v) = %v want %v", tt.values, got, tt.want)
		}
	}
}
