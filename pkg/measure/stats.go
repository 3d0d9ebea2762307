package measure

import "math"

// Round2 rounds v to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// BytesToMbps converts a transfer of bytes over durationMs milliseconds into
// megabits per second (1 Mbit = 1,000,000 bits), rounded to two decimals.
// Non-positive durations yield 0.
func BytesToMbps(bytes int64, durationMs float64) float64 {
	if durationMs <= 0 {
		return 0
	}
	seconds := durationMs / 1000
	return Round2(float64(bytes) * 8 / seconds / 1_000_000)
}

// NewStageResult computes the rate for a finished transfer.
func NewStageResult(bytes int64, durationMs float64) StageResult {
	return StageResult{
		Bytes:      bytes,
		DurationMs: durationMs,
		Mbps:       BytesToMbps(bytes, durationMs),
	}
}

// WeightedRate is total bytes over total time across stages. Larger
// transfers dominate; this is not the mean of the per-stage rates.
func WeightedRate(stages []StageResult) float64 {
	var totalBytes int64
	var totalMs float64
	for _, s := range stages {
		totalBytes += s.Bytes
		totalMs += s.DurationMs
	}
	return BytesToMbps(totalBytes, totalMs)
}

// Jitter is the mean absolute difference between consecutive samples, in
// sample order. Fewer than two samples give 0.
func Jitter(samples []float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(samples); i++ {
		sum += math.Abs(samples[i] - samples[i-1])
	}
	return sum / float64(len(samples)-1)
}

// ComputeLatencyStats derives avg/min/max/jitter from raw round-trip samples
// in milliseconds. All values are rounded to two decimals.
func ComputeLatencyStats(samples []float64) LatencyStats {
	if len(samples) == 0 {
		return LatencyStats{}
	}
	min, max := samples[0], samples[0]
	var sum float64
	for _, s := range samples {
		sum += s
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	return LatencyStats{
		AvgMs:    Round2(sum / float64(len(samples))),
		MinMs:    Round2(min),
		MaxMs:    Round2(max),
		JitterMs: Round2(Jitter(samples)),
		Samples:  len(samples),
	}
}
