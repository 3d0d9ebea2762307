// Package server implements the "netpulse serve" command: the measurement
// endpoints, the results API and server-side runs.
package server

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/saveenergy/netpulse/internal/api"
	"github.com/saveenergy/netpulse/internal/config"
	"github.com/saveenergy/netpulse/internal/logging"
	"github.com/saveenergy/netpulse/internal/results"
	"github.com/saveenergy/netpulse/internal/websocket"
	"github.com/saveenergy/netpulse/pkg/client"
)

const (
	exitSuccess = 0
	exitFailure = 1
	exitUsage   = 2
)

// Run loads configuration from the environment, applies flag overrides and
// serves until SIGINT or SIGTERM.
func Run(args []string, version string) int {
	cfg := config.DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "netpulse serve: %v\n", err)
		return exitUsage
	}

	fs, fv := buildServerFlagSet(cfg)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitSuccess
		}
		return exitUsage
	}
	if err := applyServerFlagOverrides(cfg, fs, fv); err != nil {
		fmt.Fprintf(os.Stderr, "netpulse serve: %v\n", err)
		return exitUsage
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "netpulse serve: invalid configuration: %v\n", err)
		return exitUsage
	}

	logging.Init(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.ListenAddress())
	if err != nil {
		logging.Error("Listen failed", logging.Field{Key: "address", Value: cfg.ListenAddress()}, logging.Field{Key: "error", Value: err})
		return exitFailure
	}
	if err := serve(ctx, ln, cfg, version); err != nil {
		logging.Error("Server failed", logging.Field{Key: "error", Value: err})
		return exitFailure
	}
	return exitSuccess
}

// app is the wired server. Close releases everything newApp acquired.
type app struct {
	handler http.Handler
	store   *results.Store
	hub     *websocket.Server
	runs    *api.RunManager
}

func newApp(cfg *config.Config, version string, runOpts ...client.Option) (*app, error) {
	store, err := results.Open(cfg.DatabasePath(), results.Options{
		MaxResults: cfg.MaxStoredResults,
		Retention:  cfg.ResultRetention,
	})
	if err != nil {
		return nil, fmt.Errorf("open results store: %w", err)
	}

	hub := websocket.NewServer()
	hub.SetAllowedOrigins(cfg.AllowedOrigins)
	hub.SetPingInterval(cfg.WebSocketPingInterval)

	if cfg.APIKey != "" {
		runOpts = append([]client.Option{client.WithAPIKey(cfg.APIKey)}, runOpts...)
	}
	runs := api.NewRunManager(cfg.RunTarget(), cfg.MaxConcurrentRuns, hub, store, runOpts...)

	apiHandler := api.NewHandler(cfg)
	apiHandler.SetVersion(version)
	router := api.NewRouter(apiHandler, cfg)
	router.SetResultsHandler(results.NewHandler(store))
	router.SetRunManager(runs)

	return &app{handler: router.SetupRoutes(), store: store, hub: hub, runs: runs}, nil
}

func (a *app) Close() {
	a.runs.Close()
	a.hub.Close()
	a.store.Close()
}

// serve runs the HTTP server on ln until ctx is done, then shuts down within
// cfg.ShutdownTimeout.
func serve(ctx context.Context, ln net.Listener, cfg *config.Config, version string, runOpts ...client.Option) error {
	a, err := newApp(cfg, version, runOpts...)
	if err != nil {
		ln.Close()
		return err
	}
	defer a.Close()

	pprofServer := startPprofServer(cfg)
	defer shutdownPprofServer(pprofServer, 5*time.Second)
	stopStats := startRuntimeStatsLogger(cfg)
	defer stopStats()

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Server starting",
			logging.Field{Key: "address", Value: ln.Addr().String()},
			logging.Field{Key: "name", Value: cfg.ServerName},
			logging.Field{Key: "version", Value: version},
			logging.Field{Key: "run_target", Value: cfg.RunTarget()},
			logging.Field{Key: "auth", Value: cfg.APIKey != ""})
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logging.Info("Shutting down server...", logging.Field{Key: "cause", Value: context.Cause(ctx)})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	// Runs stream over hijacked websocket connections, which Shutdown does
	// not wait for.
	a.runs.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn("Server shutdown error", logging.Field{Key: "error", Value: err})
		return err
	}
	logging.Info("Server stopped")
	return nil
}

type serverFlagValues struct {
	port              string
	bind              string
	serverName        string
	dataDir           string
	apiKey            string
	allowedOrigins    string
	trustedProxies    string
	runTarget         string
	logLevel          string
	resultRetention   string
	wsPingInterval    string
	rateLimit         int
	maxConcurrentRuns int
	maxStoredResults  int
	maxDownloadBytes  int64
	maxUploadBytes    int64
	trustProxyHeaders bool
	pprof             bool
}

func buildServerFlagSet(cfg *config.Config) (*flag.FlagSet, *serverFlagValues) {
	fv := &serverFlagValues{}
	fs := flag.NewFlagSet("netpulse serve", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&fv.port, "port", cfg.Port, "HTTP port")
	fs.StringVar(&fv.bind, "bind", cfg.BindAddress, "Bind address")
	fs.StringVar(&fv.serverName, "server-name", cfg.ServerName, "Name reported by /api/v1/info")
	fs.StringVar(&fv.dataDir, "data-dir", cfg.DataDir, "Directory of the results database")
	fs.StringVar(&fv.apiKey, "api-key", "", "Require this bearer token on mutating endpoints")
	fs.StringVar(&fv.allowedOrigins, "allowed-origins", strings.Join(cfg.AllowedOrigins, ","), "Comma-separated CORS origins")
	fs.StringVar(&fv.trustedProxies, "trusted-proxy-cidrs", strings.Join(cfg.TrustedProxyCIDRs, ","), "Comma-separated proxy CIDRs")
	fs.StringVar(&fv.runTarget, "run-target", cfg.RunTargetURL, "Server that server-side runs measure against")
	fs.StringVar(&fv.logLevel, "log-level", cfg.LogLevel.String(), "debug, info, warn or error")
	fs.StringVar(&fv.resultRetention, "result-retention", cfg.ResultRetention.String(), "How long stored results are kept")
	fs.StringVar(&fv.wsPingInterval, "ws-ping-interval", cfg.WebSocketPingInterval.String(), "Websocket keepalive interval")
	fs.IntVar(&fv.rateLimit, "rate-limit", cfg.RateLimitPerIP, "Mutating requests per IP per minute")
	fs.IntVar(&fv.maxConcurrentRuns, "max-concurrent-runs", cfg.MaxConcurrentRuns, "Concurrent server-side runs")
	fs.IntVar(&fv.maxStoredResults, "max-stored-results", cfg.MaxStoredResults, "Stored results kept")
	fs.Int64Var(&fv.maxDownloadBytes, "max-download-bytes", cfg.MaxDownloadBytes, "Largest download request")
	fs.Int64Var(&fv.maxUploadBytes, "max-upload-bytes", cfg.MaxUploadBytes, "Largest upload body")
	fs.BoolVar(&fv.trustProxyHeaders, "trust-proxy-headers", cfg.TrustProxyHeaders, "Honour X-Forwarded-For from trusted proxies")
	fs.BoolVar(&fv.pprof, "pprof", cfg.PprofEnabled, "Serve pprof on PPROF_ADDR")
	return fs, fv
}

// applyServerFlagOverrides copies explicitly set flags onto cfg.
func applyServerFlagOverrides(cfg *config.Config, fs *flag.FlagSet, fv *serverFlagValues) error {
	var err error
	fs.Visit(func(f *flag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "port":
			cfg.Port = fv.port
		case "bind":
			cfg.BindAddress = fv.bind
		case "server-name":
			cfg.ServerName = fv.serverName
		case "data-dir":
			cfg.DataDir = fv.dataDir
		case "api-key":
			cfg.APIKey = fv.apiKey
		case "allowed-origins":
			cfg.AllowedOrigins = splitList(fv.allowedOrigins)
		case "trusted-proxy-cidrs":
			cfg.TrustedProxyCIDRs = splitList(fv.trustedProxies)
		case "run-target":
			cfg.RunTargetURL = fv.runTarget
		case "log-level":
			level, ok := logging.ParseLevel(fv.logLevel)
			if !ok {
				err = fmt.Errorf("invalid --log-level %q", fv.logLevel)
				return
			}
			cfg.LogLevel = level
		case "result-retention":
			cfg.ResultRetention, err = parseDurationFlag(f.Name, fv.resultRetention)
		case "ws-ping-interval":
			cfg.WebSocketPingInterval, err = parseDurationFlag(f.Name, fv.wsPingInterval)
		case "rate-limit":
			cfg.RateLimitPerIP = fv.rateLimit
		case "max-concurrent-runs":
			cfg.MaxConcurrentRuns = fv.maxConcurrentRuns
		case "max-stored-results":
			cfg.MaxStoredResults = fv.maxStoredResults
		case "max-download-bytes":
			cfg.MaxDownloadBytes = fv.maxDownloadBytes
		case "max-upload-bytes":
			cfg.MaxUploadBytes = fv.maxUploadBytes
		case "trust-proxy-headers":
			cfg.TrustProxyHeaders = fv.trustProxyHeaders
		case "pprof":
			cfg.PprofEnabled = fv.pprof
		}
	})
	return err
}

func parseDurationFlag(name, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid --%s %q: must be a positive duration", name, value)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, entry := range strings.Split(s, ",") {
		if value := strings.TrimSpace(entry); value != "" {
			out = append(out, value)
		}
	}
	return out
}
