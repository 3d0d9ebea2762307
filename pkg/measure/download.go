package measure

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/saveenergy/netpulse/internal/logging"
	"github.com/saveenergy/netpulse/pkg/errors"
)

// StageFunc receives progress after each completed stage: the 1-based stage
// index, the number of stages, the stage rate in Mbps and its byte count.
type StageFunc func(index, total int, mbps float64, bytes int64)

// DownloadOptions configures MeasureDownload. URL is the download endpoint;
// the byte count is passed as the "bytes" query parameter.
type DownloadOptions struct {
	URL     string
	Timeout time.Duration
	Stages  []int64
	OnStage StageFunc
}

// MeasureDownload fetches each stage size in ascending order and returns the
// byte/time weighted rate over the stages that completed.
func (s *Sampler) MeasureDownload(ctx context.Context, opts DownloadOptions) (*ThroughputResult, error) {
	stages := opts.Stages
	if len(stages) == 0 {
		stages = DefaultDownloadStages()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultStageTimeout
	}
	return s.runStages(ctx, errors.PhaseDownload, stages, opts.OnStage, func(stageCtx context.Context, size int64) (StageResult, error) {
		return s.downloadStage(stageCtx, opts.URL, size, timeout)
	})
}

func (s *Sampler) downloadStage(ctx context.Context, rawURL string, size int64, timeout time.Duration) (StageResult, error) {
	target, err := s.cacheBust(rawURL, url.Values{"bytes": {strconv.FormatInt(size, 10)}})
	if err != nil {
		return StageResult{}, err
	}
	reqCtx, cancel := withRequestTimeout(ctx, timeout)
	defer cancel()

	req, err := s.newRequest(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return StageResult{}, err
	}

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return StageResult{}, err
	}
	defer resp.Body.Close()

	if err := errors.CheckResponse(resp, errors.PhaseDownload); err != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return StageResult{}, err
	}

	// The clock stops only once the whole body has been consumed.
	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return StageResult{}, err
	}
	if n == 0 {
		return StageResult{}, errors.Newf(errors.KindNetwork, errors.PhaseDownload, nil, "empty response body")
	}
	return NewStageResult(n, elapsedMs(start)), nil
}

// runStages drives a stage plan shared by download and upload. Failed stages
// are skipped unless ctx was cancelled.
func (s *Sampler) runStages(
	ctx context.Context,
	phase errors.Phase,
	stages []int64,
	onStage StageFunc,
	run func(context.Context, int64) (StageResult, error),
) (*ThroughputResult, error) {
	completed := make([]StageResult, 0, len(stages))
	var lastErr error

	for i, size := range stages {
		if ctx.Err() != nil {
			return nil, aborted(ctx, phase)
		}

		res, err := run(ctx, size)
		if err != nil {
			if ctx.Err() != nil {
				return nil, aborted(ctx, phase)
			}
			lastErr = s.attemptError(ctx, err, phase)
			s.logger.Debug("stage skipped",
				logging.Field{Key: "phase", Value: string(phase)},
				logging.Field{Key: "stage", Value: i + 1},
				logging.Field{Key: "bytes", Value: size},
				logging.Field{Key: "error", Value: lastErr})
			continue
		}

		completed = append(completed, res)
		if onStage != nil {
			onStage(i+1, len(stages), res.Mbps, res.Bytes)
		}
	}

	if len(completed) == 0 {
		return nil, s.exhausted(phase, lastErr)
	}
	return &ThroughputResult{
		Mbps:   WeightedRate(completed),
		Stages: completed,
	}, nil
}
