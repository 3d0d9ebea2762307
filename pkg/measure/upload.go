package measure

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/saveenergy/netpulse/pkg/errors"
)

// maxRandomChunk bounds a single read from the random source.
const maxRandomChunk = 64 * 1024

// UploadOptions configures MeasureUpload.
type UploadOptions struct {
	URL     string
	Timeout time.Duration
	Stages  []int64
	OnStage StageFunc
}

// MeasureUpload POSTs a freshly generated random payload per stage and
// returns the byte/time weighted rate over the stages that completed.
func (s *Sampler) MeasureUpload(ctx context.Context, opts UploadOptions) (*ThroughputResult, error) {
	stages := opts.Stages
	if len(stages) == 0 {
		stages = DefaultUploadStages()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultStageTimeout
	}
	return s.runStages(ctx, errors.PhaseUpload, stages, opts.OnStage, func(stageCtx context.Context, size int64) (StageResult, error) {
		payload, err := RandomPayload(s.random, size)
		if err != nil {
			return StageResult{}, err
		}
		return s.uploadStage(stageCtx, opts.URL, payload, timeout)
	})
}

func (s *Sampler) uploadStage(ctx context.Context, rawURL string, payload []byte, timeout time.Duration) (StageResult, error) {
	target, err := s.cacheBust(rawURL, nil)
	if err != nil {
		return StageResult{}, err
	}
	reqCtx, cancel := withRequestTimeout(ctx, timeout)
	defer cancel()

	req, err := s.newRequest(reqCtx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return StageResult{}, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return StageResult{}, err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return StageResult{}, err
	}
	durationMs := elapsedMs(start)

	if err := errors.CheckResponse(resp, errors.PhaseUpload); err != nil {
		return StageResult{}, err
	}
	return NewStageResult(int64(len(payload)), durationMs), nil
}

// RandomPayload returns size bytes from r, read in chunks of at most 64 KiB.
func RandomPayload(r io.Reader, size int64) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("invalid payload size %d", size)
	}
	buf := make([]byte, size)
	for off := int64(0); off < size; off += maxRandomChunk {
		end := off + maxRandomChunk
		if end > size {
			end = size
		}
		if _, err := io.ReadFull(r, buf[off:end]); err != nil {
			return nil, fmt.Errorf("generate payload: %w", err)
		}
	}
	return buf, nil
}
