package measure

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/saveenergy/netpulse/pkg/errors"
)

type fakeSamplers struct {
	calls       []string
	latencyErr  error
	downloadErr error
	uploadErr   error
	// cancel, when set, is invoked at the end of the named phase.
	cancelAfter string
	cancel      context.CancelFunc
}

func (f *fakeSamplers) after(phase string) {
	if f.cancelAfter == phase && f.cancel != nil {
		f.cancel()
	}
}

func (f *fakeSamplers) MeasureLatency(ctx context.Context, opts LatencyOptions) (*LatencyStats, error) {
	f.calls = append(f.calls, "ping")
	defer f.after("ping")
	if f.latencyErr != nil {
		return nil, f.latencyErr
	}
	for i, ms := range []float64{10, 20, 30} {
		if opts.OnSample != nil {
			opts.OnSample(i+1, 3, ms)
		}
	}
	stats := ComputeLatencyStats([]float64{10, 20, 30})
	return &stats, nil
}

func (f *fakeSamplers) MeasureDownload(ctx context.Context, opts DownloadOptions) (*ThroughputResult, error) {
	f.calls = append(f.calls, "download")
	defer f.after("download")
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	stage := NewStageResult(10*MiB, 1000)
	if opts.OnStage != nil {
		opts.OnStage(1, 1, stage.Mbps, stage.Bytes)
	}
	return &ThroughputResult{Mbps: stage.Mbps, Stages: []StageResult{stage}}, nil
}

func (f *fakeSamplers) MeasureUpload(ctx context.Context, opts UploadOptions) (*ThroughputResult, error) {
	f.calls = append(f.calls, "upload")
	defer f.after("upload")
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	stage := NewStageResult(2*MiB, 1000)
	if opts.OnStage != nil {
		opts.OnStage(1, 1, stage.Mbps, stage.Bytes)
	}
	return &ThroughputResult{Mbps: stage.Mbps, Stages: []StageResult{stage}}, nil
}

type eventLog struct {
	events []string
	errs   []*errors.MeasurementError
}

func (l *eventLog) callbacks() Callbacks {
	return Callbacks{
		OnPhaseStart: func(p errors.Phase) { l.events = append(l.events, "start:"+string(p)) },
		OnProgress: func(p errors.Phase, pr Progress) {
			l.events = append(l.events, fmt.Sprintf("progress:%s:%d", p, pr.Index))
		},
		OnPhaseEnd: func(p errors.Phase, _ PhaseSummary) { l.events = append(l.events, "end:"+string(p)) },
		OnComplete: func(*Result) { l.events = append(l.events, "complete") },
		OnError: func(err *errors.MeasurementError) {
			l.events = append(l.events, "error:"+string(err.Kind))
			l.errs = append(l.errs, err)
		},
	}
}

func TestRunSuccessOrder(t *testing.T) {
	f := &fakeSamplers{}
	log := &eventLog{}

	res, err := Run(context.Background(), f, Plan{}, log.callbacks())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := "start:ping progress:ping:1 progress:ping:2 progress:ping:3 end:ping " +
		"start:download progress:download:1 end:download " +
		"start:upload progress:upload:1 end:upload complete"
	if got := strings.Join(log.events, " "); got != want {
		t.Fatalf("events:\n got %s\nwant %s", got, want)
	}
	if res.PingMs != 20 || res.JitterMs != 10 {
		t.Fatalf("latency fields = %v/%v", res.PingMs, res.JitterMs)
	}
	if res.DownloadMbps != 83.89 || res.UploadMbps != 16.78 {
		t.Fatalf("throughput fields = %v/%v", res.DownloadMbps, res.UploadMbps)
	}
	if res.FinishedAt.Before(res.StartedAt) {
		t.Fatal("finished before started")
	}
}

func TestRunPreAbortedInvokesNoSampler(t *testing.T) {
	f := &fakeSamplers{}
	log := &eventLog{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, f, Plan{}, log.callbacks())
	me, ok := errors.As(err)
	if !ok || me.Kind != errors.KindAborted || me.Phase != errors.PhasePing {
		t.Fatalf("expected ABORTED at ping, got %v", err)
	}
	if len(f.calls) != 0 {
		t.Fatalf("samplers invoked: %v", f.calls)
	}
	if len(log.errs) != 1 {
		t.Fatalf("OnError called %d times", len(log.errs))
	}
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	tests := []struct {
		name      string
		samplers  *fakeSamplers
		wantCalls string
		wantPhase errors.Phase
		wantKind  errors.Kind
	}{
		{
			name:      "latency fails",
			samplers:  &fakeSamplers{latencyErr: errors.New(errors.KindNetwork, errors.PhaseNone, nil)},
			wantCalls: "[ping]",
			wantPhase: errors.PhasePing,
			wantKind:  errors.KindNetwork,
		},
		{
			name:      "download fails with raw error",
			samplers:  &fakeSamplers{downloadErr: stderrors.New("boom")},
			wantCalls: "[ping download]",
			wantPhase: errors.PhaseDownload,
			wantKind:  errors.KindNetwork,
		},
		{
			name:      "upload server unavailable",
			samplers:  &fakeSamplers{uploadErr: errors.New(errors.KindServerUnavailable, errors.PhaseNone, nil)},
			wantCalls: "[ping download upload]",
			wantPhase: errors.PhaseUpload,
			wantKind:  errors.KindServerUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := &eventLog{}
			res, err := Run(context.Background(), tt.samplers, Plan{}, log.callbacks())
			if res != nil {
				t.Fatal("no result expected on failure")
			}
			if got := fmt.Sprint(tt.samplers.calls); got != tt.wantCalls {
				t.Fatalf("calls = %s want %s", got, tt.wantCalls)
			}
			me, ok := errors.As(err)
			if !ok || me.Kind != tt.wantKind || me.Phase != tt.wantPhase {
				t.Fatalf("error = %v", err)
			}
			if len(log.errs) != 1 || log.errs[0] != me {
				t.Fatalf("OnError should fire once with the returned error, got %d", len(log.errs))
			}
			for _, ev := range log.events {
				if ev == "complete" {
					t.Fatal("OnComplete fired after a failure")
				}
			}
		})
	}
}

func TestRunCancelBetweenPhases(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := &fakeSamplers{cancelAfter: "download", cancel: cancel}
	log := &eventLog{}

	_, err := Run(ctx, f, Plan{}, log.callbacks())
	me, ok := errors.As(err)
	if !ok || me.Kind != errors.KindAborted || me.Phase != errors.PhaseUpload {
		t.Fatalf("expected ABORTED at upload, got %v", err)
	}
	if fmt.Sprint(f.calls) != "[ping download]" {
		t.Fatalf("calls = %v", f.calls)
	}
}

func TestRunKeepsUserCallbacks(t *testing.T) {
	var samples, stages int
	plan := Plan{
		Latency:  LatencyOptions{OnSample: func(int, int, float64) { samples++ }},
		Download: DownloadOptions{OnStage: func(int, int, float64, int64) { stages++ }},
		Upload:   UploadOptions{OnStage: func(int, int, float64, int64) { stages++ }},
	}
	if _, err := Run(context.Background(), &fakeSamplers{}, plan, Callbacks{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if samples != 3 || stages != 2 {
		t.Fatalf("user callbacks: samples=%d stages=%d", samples, stages)
	}
}

func TestRunSurfacesServerUnavailableDownload(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/download", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	log := &eventLog{}
	plan := Plan{
		Latency:  LatencyOptions{URL: srv.URL + "/ping", Count: 2},
		Download: DownloadOptions{URL: srv.URL + "/download", Stages: []int64{KiB, 2 * KiB}},
		Upload:   UploadOptions{URL: srv.URL + "/upload", Stages: []int64{KiB}},
	}
	_, err := Run(context.Background(), newTestSampler(), plan, log.callbacks())
	me, ok := errors.As(err)
	if !ok || me.Kind != errors.KindServerUnavailable || me.Phase != errors.PhaseDownload {
		t.Fatalf("expected SERVER_UNAVAILABLE [download], got %v", err)
	}
	if len(log.errs) != 1 {
		t.Fatalf("OnError calls = %d", len(log.errs))
	}
}
