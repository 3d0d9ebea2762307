// Package measure implements the latency, download and upload samplers and
// the phase orchestrator that runs them in sequence.
//
// Every sampler accepts the caller's context as its cancel signal and layers
// its own per-request deadline beneath it. Failures of individual probes or
// stages are tolerated; cancellation of the caller's context is not.
package measure

import (
	"context"
	"crypto/rand"
	stderrors "errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/saveenergy/netpulse/internal/logging"
	"github.com/saveenergy/netpulse/pkg/errors"
)

// errRequestTimeout is the cause attached to per-request deadlines.
var errRequestTimeout = stderrors.New("request timeout")

const cacheBustParam = "_"

// Sampler issues the network requests behind the three measurement phases.
type Sampler struct {
	httpClient *http.Client
	classifier *errors.Classifier
	random     io.Reader
	newToken   func() string
	header     http.Header
	logger     *logging.Logger
}

// SamplerOption configures a Sampler.
type SamplerOption func(*Sampler)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) SamplerOption {
	return func(s *Sampler) { s.httpClient = hc }
}

// WithConnectivity sets the online/offline source used when classifying
// failures.
func WithConnectivity(c errors.Connectivity) SamplerOption {
	return func(s *Sampler) { s.classifier = errors.NewClassifier(c) }
}

// WithRandom overrides the secure random source used for upload payloads.
func WithRandom(r io.Reader) SamplerOption {
	return func(s *Sampler) { s.random = r }
}

// WithTokenFunc overrides the cache-busting token generator.
func WithTokenFunc(fn func() string) SamplerOption {
	return func(s *Sampler) { s.newToken = fn }
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) SamplerOption {
	return func(s *Sampler) { s.header.Set(key, value) }
}

// NewSampler creates a Sampler. The default HTTP client has no timeout; every
// request is bounded by its context instead.
func NewSampler(opts ...SamplerOption) *Sampler {
	s := &Sampler{
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:              http.ProxyFromEnvironment,
				DisableCompression: true,
			},
		},
		classifier: errors.NewClassifier(nil),
		random:     rand.Reader,
		newToken:   uuid.NewString,
		header:     make(http.Header),
		logger:     logging.NewLogger("measure"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Classifier exposes the classifier used by the sampler.
func (s *Sampler) Classifier() *errors.Classifier {
	return s.classifier
}

func withRequestTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeoutCause(ctx, d, errRequestTimeout)
}

// cacheBust appends a unique token to rawURL so intermediaries cannot serve
// a cached response.
func (s *Sampler) cacheBust(rawURL string, params url.Values) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	q.Set(cacheBustParam, s.newToken())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Sampler) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range s.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Cache-Control", "no-store, no-cache")
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("Accept-Encoding", "identity")
	return req, nil
}

// attemptError turns a failed request into a classified error. A deadline
// that fired without the caller's context being done is a TIMEOUT.
func (s *Sampler) attemptError(ctx context.Context, err error, phase errors.Phase) *errors.MeasurementError {
	if stderrors.Is(err, errRequestTimeout) || errors.IsTimeout(err, ctx) {
		return errors.New(errors.KindTimeout, phase, err)
	}
	return s.classifier.Classify(err, phase)
}

func aborted(ctx context.Context, phase errors.Phase) *errors.MeasurementError {
	return errors.New(errors.KindAborted, phase, context.Cause(ctx))
}

// exhausted is returned when every stage of a transfer phase failed. Only
// download reports a server that kept answering 5xx as SERVER_UNAVAILABLE;
// upload falls back to NETWORK_ERROR.
func (s *Sampler) exhausted(phase errors.Phase, last error) *errors.MeasurementError {
	if !s.classifier.Online() {
		return errors.New(errors.KindOffline, phase, last)
	}
	if phase == errors.PhaseDownload && errors.IsKind(last, errors.KindServerUnavailable) {
		return errors.New(errors.KindServerUnavailable, phase, last)
	}
	return errors.Newf(errors.KindNetwork, phase, last, "all %s stages failed", phase)
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}
