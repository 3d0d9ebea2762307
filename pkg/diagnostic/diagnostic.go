// Package diagnostic turns a finished measurement into grades, ratings, a
// suitability list and a guess of the access technology.
package diagnostic

import (
	"fmt"
	"strings"

	"github.com/saveenergy/netpulse/pkg/measure"
)

// Interpretation is the human/agent readable view of a measurement.
type Interpretation struct {
	Grade           string   `json:"grade"`
	Summary         string   `json:"summary"`
	LatencyRating   string   `json:"latency_rating"`
	SpeedRating     string   `json:"speed_rating"`
	StabilityRating string   `json:"stability_rating"`
	ConnectionType  string   `json:"connection_type"`
	SuitableFor     []string `json:"suitable_for"`
	Concerns        []string `json:"concerns"`
}

// Params are the raw metrics to interpret. LinkHint is an optional interface
// kind from netinfo ("cellular", "wifi", ...).
type Params struct {
	DownloadMbps float64
	UploadMbps   float64
	LatencyMs    float64
	JitterMs     float64
	LinkHint     string
}

// FromResult builds Params from an orchestrated run.
func FromResult(r *measure.Result, linkHint string) Params {
	if r == nil {
		return Params{LinkHint: linkHint}
	}
	return Params{
		DownloadMbps: r.DownloadMbps,
		UploadMbps:   r.UploadMbps,
		LatencyMs:    r.PingMs,
		JitterMs:     r.JitterMs,
		LinkHint:     linkHint,
	}
}

// Interpret grades p.
func Interpret(p Params) *Interpretation {
	in := &Interpretation{
		LatencyRating:   rateLatency(p.LatencyMs),
		SpeedRating:     rateSpeed(p.DownloadMbps, p.UploadMbps),
		StabilityRating: rateStability(p.LatencyMs, p.JitterMs),
		ConnectionType:  ConnectionType(p),
		SuitableFor:     suitability(p),
		Concerns:        concerns(p),
	}
	in.Grade = grade(in.LatencyRating, in.SpeedRating, in.StabilityRating)
	in.Summary = summarize(in.Grade, p)
	return in
}

func rateLatency(ms float64) string {
	switch {
	case ms <= 0:
		return "unknown"
	case ms <= 20:
		return "excellent"
	case ms <= 50:
		return "good"
	case ms <= 100:
		return "fair"
	default:
		return "poor"
	}
}

func rateSpeed(downMbps, upMbps float64) string {
	speed := downMbps
	if speed <= 0 {
		speed = upMbps
	}
	switch {
	case speed <= 0:
		return "unknown"
	case speed >= 100:
		return "fast"
	case speed >= 25:
		return "good"
	case speed >= 5:
		return "moderate"
	default:
		return "slow"
	}
}

// rateStability looks at jitter alone; there is no packet loss signal in an
// HTTP based measurement.
func rateStability(latencyMs, jitterMs float64) string {
	switch {
	case latencyMs <= 0:
		return "unknown"
	case jitterMs > 50:
		return "unstable"
	case jitterMs > 30:
		return "degraded"
	case jitterMs > 10:
		return "fair"
	default:
		return "stable"
	}
}

type useCase struct {
	name string
	ok   func(Params) bool
}

var useCases = []useCase{
	{"web_browsing", func(p Params) bool {
		return (p.DownloadMbps >= 1 || p.UploadMbps >= 1) && p.LatencyMs < 200
	}},
	{"video_conferencing", func(p Params) bool {
		return p.DownloadMbps >= 5 && p.UploadMbps >= 2 && p.LatencyMs < 100 && p.JitterMs < 30
	}},
	{"streaming_4k", func(p Params) bool { return p.DownloadMbps >= 25 }},
	{"streaming_hd", func(p Params) bool { return p.DownloadMbps >= 5 && p.DownloadMbps < 25 }},
	{"gaming", func(p Params) bool { return p.LatencyMs > 0 && p.LatencyMs < 50 && p.JitterMs < 15 }},
	{"large_transfers", func(p Params) bool { return p.DownloadMbps >= 50 || p.UploadMbps >= 50 }},
}

func suitability(p Params) []string {
	out := []string{}
	for _, uc := range useCases {
		if uc.ok(p) {
			out = append(out, uc.name)
		}
	}
	return out
}

func concerns(p Params) []string {
	c := []string{}
	if p.LatencyMs > 100 {
		c = append(c, "high_latency")
	}
	if p.JitterMs > 30 {
		c = append(c, "high_jitter")
	}
	if p.DownloadMbps > 0 && p.DownloadMbps < 5 {
		c = append(c, "slow_download")
	}
	if p.UploadMbps > 0 && p.UploadMbps < 2 {
		c = append(c, "slow_upload")
	}
	return c
}

var ratingScore = map[string]int{
	"excellent": 4,
	"fast":      4,
	"stable":    4,
	"good":      3,
	"fair":      2,
	"moderate":  2,
	"degraded":  1,
	"poor":      0,
	"slow":      0,
	"unstable":  0,
	"unknown":   2,
}

func grade(latency, speed, stability string) string {
	score := ratingScore[latency] + ratingScore[speed] + ratingScore[stability]
	switch {
	case score >= 11:
		return "A"
	case score >= 9:
		return "B"
	case score >= 6:
		return "C"
	case score >= 3:
		return "D"
	default:
		return "F"
	}
}

var gradeWords = map[string]string{
	"A": "Excellent",
	"B": "Good",
	"C": "Fair",
	"D": "Poor",
	"F": "Very poor",
}

func summarize(g string, p Params) string {
	var parts []string
	if p.DownloadMbps > 0 {
		parts = append(parts, fmt.Sprintf("%.0f Mbps down", p.DownloadMbps))
	}
	if p.UploadMbps > 0 {
		parts = append(parts, fmt.Sprintf("%.0f Mbps up", p.UploadMbps))
	}
	if p.LatencyMs > 0 {
		parts = append(parts, fmt.Sprintf("%.0fms latency", p.LatencyMs))
	}
	s := gradeWords[g] + " connection"
	if len(parts) > 0 {
		s += ": " + strings.Join(parts, ", ")
	}
	return s
}

// Connection types returned by ConnectionType.
const (
	TypeFiber     = "fiber"
	TypeCable     = "cable"
	TypeDSL       = "dsl"
	TypeCellular  = "cellular"
	TypeSatellite = "satellite"
	TypeUnknown   = "unknown"
)

// ConnectionType guesses the access technology. Geostationary satellite
// links are recognised by latency alone; otherwise the download/upload
// ratio separates symmetric fiber from asymmetric cable and DSL.
func ConnectionType(p Params) string {
	if p.LatencyMs <= 0 || p.DownloadMbps <= 0 {
		return TypeUnknown
	}
	if p.LatencyMs >= 450 {
		return TypeSatellite
	}
	if p.LinkHint == TypeCellular || (p.JitterMs > 15 && p.LatencyMs > 35 && p.LatencyMs < 450) {
		return TypeCellular
	}
	if p.UploadMbps <= 0 {
		return TypeUnknown
	}

	ratio := p.DownloadMbps / p.UploadMbps
	switch {
	case ratio <= 2 && p.LatencyMs < 20 && p.DownloadMbps >= 50:
		return TypeFiber
	case ratio >= 5 && p.DownloadMbps >= 50:
		return TypeCable
	case ratio >= 3 && p.DownloadMbps < 100 && p.LatencyMs >= 10:
		return TypeDSL
	default:
		return TypeUnknown
	}
}
