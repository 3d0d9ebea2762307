// Package client provides a Go SDK for measuring a connection against a
// netpulse server. Agents and applications can import this package instead
// of shelling out to the CLI.
//
// Usage:
//
//	c := client.New("https://speed.example.com")
//	report, err := c.Run(ctx, measure.Callbacks{})
//	stats, err := c.MeasureLatency(ctx)
package client

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/saveenergy/netpulse/pkg/diagnostic"
	"github.com/saveenergy/netpulse/pkg/errors"
	"github.com/saveenergy/netpulse/pkg/measure"
	"github.com/saveenergy/netpulse/pkg/netinfo"
)

const (
	pingPath     = "/api/v1/ping"
	downloadPath = "/api/v1/download"
	uploadPath   = "/api/v1/upload"
	healthPath   = "/health"
)

// Client measures the connection to a single server.
type Client struct {
	serverURL      string
	httpClient     *http.Client
	apiKey         string
	connectivity   errors.Connectivity
	latencyCount   int
	latencyDelay   time.Duration
	stageTimeout   time.Duration
	downloadStages []int64
	uploadStages   []int64
	sampler        *measure.Sampler
}

// Option configures the Client.
type Option func(*Client)

// WithAPIKey sets the API key sent as a bearer token.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithConnectivity overrides the online/offline probe. The default inspects
// local network interfaces.
func WithConnectivity(conn errors.Connectivity) Option {
	return func(c *Client) { c.connectivity = conn }
}

// WithDownloadStages replaces the download stage plan (bytes, ascending).
func WithDownloadStages(stages ...int64) Option {
	return func(c *Client) { c.downloadStages = append([]int64(nil), stages...) }
}

// WithUploadStages replaces the upload stage plan (bytes, ascending).
func WithUploadStages(stages ...int64) Option {
	return func(c *Client) { c.uploadStages = append([]int64(nil), stages...) }
}

// WithLatencyCount sets the number of latency probes.
func WithLatencyCount(n int) Option {
	return func(c *Client) { c.latencyCount = n }
}

// WithLatencyDelay sets the pause between latency probes.
func WithLatencyDelay(d time.Duration) Option {
	return func(c *Client) { c.latencyDelay = d }
}

// WithStageTimeout bounds each download and upload stage.
func WithStageTimeout(d time.Duration) Option {
	return func(c *Client) { c.stageTimeout = d }
}

// WithQuick shortens a run to a few seconds: five probes without delay and
// a single small stage per direction. Later options still apply.
func WithQuick() Option {
	return func(c *Client) {
		c.latencyCount = 5
		c.latencyDelay = 0
		c.downloadStages = []int64{1 * measure.MiB}
		c.uploadStages = []int64{512 * measure.KiB}
	}
}

// New creates a client targeting serverURL.
func New(serverURL string, opts ...Option) *Client {
	c := &Client{
		serverURL:      strings.TrimRight(serverURL, "/"),
		connectivity:   netinfo.Connectivity{},
		latencyCount:   measure.DefaultLatencyCount,
		latencyDelay:   measure.DefaultLatencyDelay,
		stageTimeout:   measure.DefaultStageTimeout,
		downloadStages: measure.DefaultDownloadStages(),
		uploadStages:   measure.DefaultUploadStages(),
	}
	for _, opt := range opts {
		opt(c)
	}

	samplerOpts := []measure.SamplerOption{measure.WithConnectivity(c.connectivity)}
	if c.httpClient != nil {
		samplerOpts = append(samplerOpts, measure.WithHTTPClient(c.httpClient))
	}
	if c.apiKey != "" {
		samplerOpts = append(samplerOpts, measure.WithHeader("Authorization", "Bearer "+c.apiKey))
	}
	c.sampler = measure.NewSampler(samplerOpts...)
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	return c
}

// ServerURL returns the normalized server URL.
func (c *Client) ServerURL() string {
	return c.serverURL
}

// Plan returns the per-phase options the client runs with.
func (c *Client) Plan() measure.Plan {
	return measure.Plan{
		Latency: measure.LatencyOptions{
			URL:   c.serverURL + pingPath,
			Count: c.latencyCount,
			Delay: c.latencyDelay,
		},
		Download: measure.DownloadOptions{
			URL:     c.serverURL + downloadPath,
			Timeout: c.stageTimeout,
			Stages:  c.downloadStages,
		},
		Upload: measure.UploadOptions{
			URL:     c.serverURL + uploadPath,
			Timeout: c.stageTimeout,
			Stages:  c.uploadStages,
		},
	}
}

// MeasureLatency runs only the ping phase.
func (c *Client) MeasureLatency(ctx context.Context) (*measure.LatencyStats, error) {
	return c.sampler.MeasureLatency(ctx, c.Plan().Latency)
}

// MeasureDownload runs only the download phase.
func (c *Client) MeasureDownload(ctx context.Context) (*measure.ThroughputResult, error) {
	return c.sampler.MeasureDownload(ctx, c.Plan().Download)
}

// MeasureUpload runs only the upload phase.
func (c *Client) MeasureUpload(ctx context.Context) (*measure.ThroughputResult, error) {
	return c.sampler.MeasureUpload(ctx, c.Plan().Upload)
}

// Report is the outcome of a full run along with its interpretation.
type Report struct {
	ServerURL      string                     `json:"server_url"`
	Result         *measure.Result            `json:"result"`
	Network        netinfo.Info               `json:"network"`
	DurationMs     int64                      `json:"duration_ms"`
	Interpretation *diagnostic.Interpretation `json:"interpretation"`
}

// Run measures ping, download and upload in sequence. Errors are always
// *errors.MeasurementError.
func (c *Client) Run(ctx context.Context, cb measure.Callbacks) (*Report, error) {
	start := time.Now()
	res, err := measure.Run(ctx, c.sampler, c.Plan(), cb)
	if err != nil {
		return nil, err
	}
	info := netinfo.Detect()
	return &Report{
		ServerURL:      c.serverURL,
		Result:         res,
		Network:        info,
		DurationMs:     time.Since(start).Milliseconds(),
		Interpretation: diagnostic.Interpret(diagnostic.FromResult(res, string(info.Kind))),
	}, nil
}

// Healthy returns nil if the server is reachable and reports healthy. An
// expired caller deadline counts as TIMEOUT.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+healthPath, nil)
	if err != nil {
		return errors.Newf(errors.KindNetwork, errors.PhaseNone, err, "invalid server URL")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.IsTimeout(err, ctx) || stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.New(errors.KindTimeout, errors.PhaseNone, err)
		}
		return c.sampler.Classifier().Classify(err, errors.PhaseNone)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return errors.CheckResponse(resp, errors.PhaseNone)
}
