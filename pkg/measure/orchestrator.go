package measure

import (
	"context"
	"time"

	"github.com/saveenergy/netpulse/pkg/errors"
)

// PhaseSamplers is what the orchestrator drives. *Sampler implements it.
type PhaseSamplers interface {
	MeasureLatency(ctx context.Context, opts LatencyOptions) (*LatencyStats, error)
	MeasureDownload(ctx context.Context, opts DownloadOptions) (*ThroughputResult, error)
	MeasureUpload(ctx context.Context, opts UploadOptions) (*ThroughputResult, error)
}

// Plan carries the per-phase options for a run.
type Plan struct {
	Latency  LatencyOptions
	Download DownloadOptions
	Upload   UploadOptions
}

// Callbacks are the lifecycle hooks of a run. All are optional and are
// invoked from the goroutine that called Run, in order.
type Callbacks struct {
	OnPhaseStart func(phase errors.Phase)
	OnProgress   func(phase errors.Phase, p Progress)
	OnPhaseEnd   func(phase errors.Phase, summary PhaseSummary)
	OnComplete   func(result *Result)
	OnError      func(err *errors.MeasurementError)
}

// Orchestrator runs ping, download and upload in strict sequence.
type Orchestrator struct {
	Samplers   PhaseSamplers
	Classifier *errors.Classifier
}

// Run executes a full measurement with the given samplers.
func Run(ctx context.Context, samplers PhaseSamplers, plan Plan, cb Callbacks) (*Result, error) {
	o := &Orchestrator{Samplers: samplers}
	if s, ok := samplers.(*Sampler); ok {
		o.Classifier = s.Classifier()
	}
	return o.Run(ctx, plan, cb)
}

// Run executes ping, download and upload. The first failing phase stops the
// run: its error is classified, tagged with the phase, passed to OnError
// exactly once and returned.
func (o *Orchestrator) Run(ctx context.Context, plan Plan, cb Callbacks) (*Result, error) {
	classifier := o.Classifier
	if classifier == nil {
		classifier = errors.NewClassifier(nil)
	}
	fail := func(phase errors.Phase, err error) (*Result, error) {
		me := classifier.Classify(err, phase)
		if cb.OnError != nil {
			cb.OnError(me)
		}
		return nil, me
	}
	enter := func(phase errors.Phase) error {
		if ctx.Err() != nil {
			return errors.New(errors.KindAborted, phase, context.Cause(ctx))
		}
		if cb.OnPhaseStart != nil {
			cb.OnPhaseStart(phase)
		}
		return nil
	}
	progress := func(phase errors.Phase, p Progress) {
		if cb.OnProgress != nil {
			cb.OnProgress(phase, p)
		}
	}
	end := func(phase errors.Phase, summary PhaseSummary) {
		if cb.OnPhaseEnd != nil {
			cb.OnPhaseEnd(phase, summary)
		}
	}

	result := &Result{StartedAt: time.Now().UTC()}

	// ping
	if err := enter(errors.PhasePing); err != nil {
		return fail(errors.PhasePing, err)
	}
	latencyOpts := plan.Latency
	userSample := latencyOpts.OnSample
	latencyOpts.OnSample = func(index, total int, ms float64) {
		if userSample != nil {
			userSample(index, total, ms)
		}
		progress(errors.PhasePing, Progress{Index: index, Total: total, Value: ms})
	}
	latency, err := o.Samplers.MeasureLatency(ctx, latencyOpts)
	if err != nil {
		return fail(errors.PhasePing, err)
	}
	end(errors.PhasePing, PhaseSummary{Latency: latency})

	// download
	if err := enter(errors.PhaseDownload); err != nil {
		return fail(errors.PhaseDownload, err)
	}
	downloadOpts := plan.Download
	downloadOpts.OnStage = relayStage(errors.PhaseDownload, downloadOpts.OnStage, progress)
	download, err := o.Samplers.MeasureDownload(ctx, downloadOpts)
	if err != nil {
		return fail(errors.PhaseDownload, err)
	}
	end(errors.PhaseDownload, PhaseSummary{Throughput: download})

	// upload
	if err := enter(errors.PhaseUpload); err != nil {
		return fail(errors.PhaseUpload, err)
	}
	uploadOpts := plan.Upload
	uploadOpts.OnStage = relayStage(errors.PhaseUpload, uploadOpts.OnStage, progress)
	upload, err := o.Samplers.MeasureUpload(ctx, uploadOpts)
	if err != nil {
		return fail(errors.PhaseUpload, err)
	}
	end(errors.PhaseUpload, PhaseSummary{Throughput: upload})

	result.PingMs = latency.AvgMs
	result.JitterMs = latency.JitterMs
	result.PingMinMs = latency.MinMs
	result.PingMaxMs = latency.MaxMs
	result.DownloadMbps = download.Mbps
	result.DownloadStages = download.Stages
	result.UploadMbps = upload.Mbps
	result.UploadStages = upload.Stages
	result.FinishedAt = time.Now().UTC()

	if cb.OnComplete != nil {
		cb.OnComplete(result)
	}
	return result, nil
}

func relayStage(phase errors.Phase, user StageFunc, progress func(errors.Phase, Progress)) StageFunc {
	return func(index, total int, mbps float64, bytes int64) {
		if user != nil {
			user(index, total, mbps, bytes)
		}
		progress(phase, Progress{Index: index, Total: total, Value: mbps, Bytes: bytes})
	}
}
