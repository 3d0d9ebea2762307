package measure

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/saveenergy/netpulse/internal/logging"
	"github.com/saveenergy/netpulse/pkg/errors"
)

// LatencyOptions configures MeasureLatency. A zero Count or Timeout takes the
// default; a zero Delay sends probes back to back.
type LatencyOptions struct {
	URL     string
	Count   int
	Timeout time.Duration
	Delay   time.Duration
	// OnSample is called after each successful probe with the 1-based probe
	// index, the probe count and the rounded round trip in ms.
	OnSample func(index, total int, ms float64)
}

func (o LatencyOptions) withDefaults() LatencyOptions {
	if o.Count <= 0 {
		o.Count = DefaultLatencyCount
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultLatencyTimeout
	}
	if o.Delay < 0 {
		o.Delay = 0
	}
	return o
}

// MeasureLatency sends Count sequential probes to opts.URL and derives
// avg/min/max/jitter from the ones that succeed. Probes that fail on their
// own are skipped; cancellation of ctx fails the call with ABORTED.
func (s *Sampler) MeasureLatency(ctx context.Context, opts LatencyOptions) (*LatencyStats, error) {
	opts = opts.withDefaults()
	const phase = errors.PhasePing

	samples := make([]float64, 0, opts.Count)
	var lastErr error

	for i := 0; i < opts.Count; i++ {
		if ctx.Err() != nil {
			return nil, aborted(ctx, phase)
		}

		rtt, err := s.probe(ctx, opts.URL, opts.Timeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil, aborted(ctx, phase)
			}
			lastErr = s.attemptError(ctx, err, phase)
			s.logger.Debug("latency probe skipped",
				logging.Field{Key: "probe", Value: i + 1},
				logging.Field{Key: "error", Value: lastErr})
		} else {
			samples = append(samples, rtt)
			if opts.OnSample != nil {
				opts.OnSample(i+1, opts.Count, Round2(rtt))
			}
		}

		if i < opts.Count-1 && opts.Delay > 0 {
			if err := sleep(ctx, opts.Delay); err != nil {
				return nil, aborted(ctx, phase)
			}
		}
	}

	if len(samples) == 0 {
		return nil, errors.Newf(errors.KindNetwork, phase, lastErr, "all %d latency probes failed", opts.Count)
	}

	stats := ComputeLatencyStats(samples)
	return &stats, nil
}

// probe performs one timed round trip, including reading the body.
func (s *Sampler) probe(ctx context.Context, rawURL string, timeout time.Duration) (float64, error) {
	target, err := s.cacheBust(rawURL, nil)
	if err != nil {
		return 0, err
	}
	reqCtx, cancel := withRequestTimeout(ctx, timeout)
	defer cancel()

	req, err := s.newRequest(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return 0, err
	}
	rtt := elapsedMs(start)

	if err := errors.CheckResponse(resp, errors.PhasePing); err != nil {
		return 0, err
	}
	return rtt, nil
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
