package measure

import (
	"time"

	"github.com/saveenergy/netpulse/pkg/errors"
)

const (
	MiB = 1024 * 1024
	KiB = 1024
)

const (
	DefaultLatencyCount   = 10
	DefaultLatencyTimeout = 5 * time.Second
	DefaultLatencyDelay   = 200 * time.Millisecond
	DefaultStageTimeout   = 30 * time.Second
)

// DefaultDownloadStages is the ascending download stage plan.
func DefaultDownloadStages() []int64 {
	return []int64{1 * MiB, 10 * MiB, 25 * MiB}
}

// DefaultUploadStages is the ascending upload stage plan.
func DefaultUploadStages() []int64 {
	return []int64{512 * KiB, 2 * MiB, 5 * MiB}
}

// LatencyStats summarizes one latency measurement.
type LatencyStats struct {
	AvgMs    float64 `json:"avg_ms"`
	MinMs    float64 `json:"min_ms"`
	MaxMs    float64 `json:"max_ms"`
	JitterMs float64 `json:"jitter_ms"`
	Samples  int     `json:"samples"`
}

// StageResult is one completed fixed-size transfer.
type StageResult struct {
	Bytes      int64   `json:"bytes"`
	DurationMs float64 `json:"duration_ms"`
	Mbps       float64 `json:"mbps"`
}

// ThroughputResult is the weighted rate of a download or upload phase along
// with the stages that completed.
type ThroughputResult struct {
	Mbps   float64       `json:"mbps"`
	Stages []StageResult `json:"stages"`
}

// Progress is a single progress event relayed by the orchestrator. For the
// ping phase Value is the probe's round trip in ms; for transfers it is the
// stage rate in Mbps and Bytes is the stage size.
type Progress struct {
	Index int     `json:"index"`
	Total int     `json:"total"`
	Value float64 `json:"value"`
	Bytes int64   `json:"bytes,omitempty"`
}

// PhaseSummary is handed to OnPhaseEnd. Exactly one field is set.
type PhaseSummary struct {
	Latency    *LatencyStats     `json:"latency,omitempty"`
	Throughput *ThroughputResult `json:"throughput,omitempty"`
}

// Result is the final outcome of an orchestrated run.
type Result struct {
	PingMs         float64       `json:"ping_ms"`
	JitterMs       float64       `json:"jitter_ms"`
	DownloadMbps   float64       `json:"download_mbps"`
	UploadMbps     float64       `json:"upload_mbps"`
	PingMinMs      float64       `json:"ping_min_ms"`
	PingMaxMs      float64       `json:"ping_max_ms"`
	DownloadStages []StageResult `json:"download_stages,omitempty"`
	UploadStages   []StageResult `json:"upload_stages,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     time.Time     `json:"finished_at"`
}

// Phases lists the run order.
var Phases = []errors.Phase{errors.PhasePing, errors.PhaseDownload, errors.PhaseUpload}
