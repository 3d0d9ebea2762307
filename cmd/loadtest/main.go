// Command loadtest drives concurrent measurement traffic against a netpulse
// server and reports request counts, throughput and latency percentiles.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/saveenergy/netpulse/internal/metrics"
	ws "github.com/saveenergy/netpulse/internal/websocket"
	"github.com/saveenergy/netpulse/pkg/client"
	"github.com/saveenergy/netpulse/pkg/errors"
)

const (
	modePing     = "ping"
	modeDownload = "download"
	modeUpload   = "upload"
	modeRuns     = "runs"
)

type config struct {
	mode        string
	server      string
	apiKey      string
	duration    time.Duration
	concurrency int
	size        int64
	insecure    bool
	json        bool
}

// stats is shared by every worker.
type stats struct {
	requests atomic.Int64
	bytes    atomic.Int64
	rejected atomic.Int64
	latency  *metrics.LatencyHistogram

	mu     sync.Mutex
	errors map[errors.Kind]int64
}

func newStats() *stats {
	return &stats{
		latency: metrics.NewLatencyHistogram(time.Millisecond, 60_000),
		errors:  make(map[errors.Kind]int64),
	}
}

func (s *stats) fail(err error) {
	kind := errors.KindNetwork
	if me, ok := errors.As(err); ok {
		kind = me.Kind
	}
	s.mu.Lock()
	s.errors[kind]++
	s.mu.Unlock()
}

type report struct {
	Mode        string                 `json:"mode"`
	Concurrency int                    `json:"concurrency"`
	DurationMs  int64                  `json:"duration_ms"`
	Requests    int64                  `json:"requests"`
	Rejected    int64                  `json:"rejected,omitempty"`
	Bytes       int64                  `json:"bytes"`
	Mbps        float64                `json:"mbps"`
	Latency     metrics.HistogramStats `json:"latency"`
	Errors      map[errors.Kind]int64  `json:"errors,omitempty"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg, err := parseFlags(args, stderr)
	if err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		fmt.Fprintf(stderr, "loadtest: %v\n", err)
		return 2
	}
	if err := validateConfig(cfg); err != nil {
		fmt.Fprintf(stderr, "loadtest: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.duration)
	defer cancel()

	start := time.Now()
	st := newStats()
	var wg sync.WaitGroup
	wg.Add(cfg.concurrency)
	for i := 0; i < cfg.concurrency; i++ {
		go func() {
			defer wg.Done()
			runWorker(ctx, cfg, st)
		}()
	}
	wg.Wait()

	rep := buildReport(cfg, st, time.Since(start))
	if cfg.json {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			fmt.Fprintf(stderr, "loadtest: %v\n", err)
			return 1
		}
	} else {
		writePlain(stdout, rep)
	}
	if rep.Requests == 0 {
		return 1
	}
	return 0
}

func parseFlags(args []string, stderr io.Writer) (config, error) {
	var cfg config
	var size string
	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.mode, "mode", modePing, "Mode: ping, download, upload, runs")
	fs.StringVar(&cfg.server, "server", "http://127.0.0.1:8080", "netpulse server URL")
	fs.StringVar(&cfg.apiKey, "api-key", "", "Bearer key for runs mode")
	fs.DurationVar(&cfg.duration, "duration", 10*time.Second, "Test duration (e.g. 10s)")
	fs.IntVar(&cfg.concurrency, "concurrency", 1, "Concurrent workers")
	fs.StringVar(&size, "size", "1048576", "Transfer size in bytes for download/upload modes")
	fs.BoolVar(&cfg.insecure, "insecure", false, "Skip TLS verification")
	fs.BoolVar(&cfg.json, "json", false, "Print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if fs.NArg() > 0 {
		return cfg, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	if _, err := fmt.Sscan(size, &cfg.size); err != nil {
		return cfg, fmt.Errorf("invalid size %q", size)
	}
	cfg.server = strings.TrimRight(cfg.server, "/")
	return cfg, nil
}

func validateConfig(cfg config) error {
	if cfg.concurrency <= 0 {
		return fmt.Errorf("concurrency must be > 0")
	}
	if cfg.duration <= 0 {
		return fmt.Errorf("duration must be > 0")
	}
	switch cfg.mode {
	case modePing, modeDownload, modeUpload, modeRuns:
	default:
		return fmt.Errorf("invalid mode: %s", cfg.mode)
	}
	u, err := url.Parse(cfg.server)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid server URL: %s", cfg.server)
	}
	if (cfg.mode == modeDownload || cfg.mode == modeUpload) && cfg.size <= 0 {
		return fmt.Errorf("size must be > 0")
	}
	return nil
}

func httpClient(cfg config) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = cfg.concurrency
	if cfg.insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{Transport: transport}
}

func runWorker(ctx context.Context, cfg config, st *stats) {
	hc := httpClient(cfg)
	if cfg.mode == modeRuns {
		for ctx.Err() == nil {
			followRun(ctx, cfg, hc, st)
		}
		return
	}

	c := client.New(cfg.server,
		client.WithHTTPClient(hc),
		client.WithConnectivity(errors.AlwaysOnline),
		client.WithLatencyCount(1),
		client.WithLatencyDelay(0),
		client.WithDownloadStages(cfg.size),
		client.WithUploadStages(cfg.size),
	)
	for ctx.Err() == nil {
		start := time.Now()
		var err error
		switch cfg.mode {
		case modePing:
			_, err = c.MeasureLatency(ctx)
		case modeDownload:
			_, err = c.MeasureDownload(ctx)
		case modeUpload:
			_, err = c.MeasureUpload(ctx)
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			st.fail(err)
			continue
		}
		st.requests.Add(1)
		st.latency.Record(time.Since(start))
		if cfg.mode != modePing {
			st.bytes.Add(cfg.size)
		}
	}
}

type startResponse struct {
	ID    string `json:"id"`
	WSURL string `json:"ws_url"`
}

// followRun starts one server-side run and reads its stream to the terminal
// event. The recorded latency is start-to-terminal.
func followRun(ctx context.Context, cfg config, hc *http.Client, st *stats) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.server+"/api/v1/runs", nil)
	if err != nil {
		st.fail(err)
		return
	}
	if cfg.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.apiKey)
	}
	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			st.fail(err)
		}
		return
	}
	var started startResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&started)
	resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		st.rejected.Add(1)
		pause(ctx, time.Second)
		return
	case resp.StatusCode != http.StatusAccepted:
		st.fail(errors.CheckResponse(resp, errors.PhaseNone))
		pause(ctx, time.Second)
		return
	case decodeErr != nil:
		st.fail(decodeErr)
		return
	}

	wsURL := strings.Replace(cfg.server, "http", "ws", 1) + started.WSURL
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if cfg.insecure {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if ctx.Err() == nil {
			st.fail(err)
		}
		return
	}
	defer conn.Close()
	stopClose := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopClose()

	for {
		var ev ws.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() == nil {
				st.fail(err)
			}
			return
		}
		switch ev.Type {
		case ws.EventComplete:
			st.requests.Add(1)
			st.latency.Record(time.Since(start))
			return
		case ws.EventError:
			if ev.Error == nil {
				st.fail(errors.New(errors.KindNetwork, ev.Phase, nil))
				return
			}
			st.fail(errors.New(ev.Error.Kind, ev.Error.Phase, nil))
			return
		}
	}
}

func pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func buildReport(cfg config, st *stats, elapsed time.Duration) report {
	seconds := elapsed.Seconds()
	if seconds <= 0 {
		seconds = 1
	}
	st.mu.Lock()
	errs := make(map[errors.Kind]int64, len(st.errors))
	for k, v := range st.errors {
		errs[k] = v
	}
	st.mu.Unlock()

	bytes := st.bytes.Load()
	return report{
		Mode:        cfg.mode,
		Concurrency: cfg.concurrency,
		DurationMs:  elapsed.Milliseconds(),
		Requests:    st.requests.Load(),
		Rejected:    st.rejected.Load(),
		Bytes:       bytes,
		Mbps:        float64(bytes*8) / seconds / 1_000_000,
		Latency:     st.latency.Stats(),
		Errors:      errs,
	}
}

func writePlain(w io.Writer, rep report) {
	fmt.Fprintf(w, "mode=%s concurrency=%d duration_ms=%d requests=%d rejected=%d bytes=%d mbps=%.2f\n",
		rep.Mode, rep.Concurrency, rep.DurationMs, rep.Requests, rep.Rejected, rep.Bytes, rep.Mbps)
	fmt.Fprintf(w, "latency avg_ms=%.2f min_ms=%.2f p50_ms=%.2f p95_ms=%.2f p99_ms=%.2f max_ms=%.2f\n",
		rep.Latency.AvgMs, rep.Latency.MinMs, rep.Latency.P50Ms, rep.Latency.P95Ms, rep.Latency.P99Ms, rep.Latency.MaxMs)
	if len(rep.Errors) == 0 {
		return
	}
	kinds := make([]string, 0, len(rep.Errors))
	for k := range rep.Errors {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(w, "errors kind=%s count=%d\n", k, rep.Errors[errors.Kind(k)])
	}
}
