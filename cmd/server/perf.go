package server

import (
	"context"
	"net/http"
	"net/http/pprof"
	"runtime"
	"time"

	"github.com/saveenergy/netpulse/internal/config"
	"github.com/saveenergy/netpulse/internal/logging"
)

func pprofMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

func startPprofServer(cfg *config.Config) *http.Server {
	if cfg == nil || !cfg.PprofEnabled {
		return nil
	}

	srv := &http.Server{
		Addr:              cfg.PprofAddress,
		Handler:           pprofMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logging.Info("pprof server starting", logging.Field{Key: "address", Value: cfg.PprofAddress})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("pprof server failed", logging.Field{Key: "error", Value: err})
		}
	}()

	return srv
}

func shutdownPprofServer(srv *http.Server, timeout time.Duration) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logging.Warn("pprof server shutdown error", logging.Field{Key: "error", Value: err})
	}
}

// startRuntimeStatsLogger logs memory and goroutine counts every
// cfg.PerfStatsInterval. The returned func stops it.
func startRuntimeStatsLogger(cfg *config.Config) func() {
	if cfg == nil || cfg.PerfStatsInterval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.PerfStatsInterval)
		defer ticker.Stop()

		var mem runtime.MemStats
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			runtime.ReadMemStats(&mem)
			logging.Info("runtime stats",
				logging.Field{Key: "goroutines", Value: runtime.NumGoroutine()},
				logging.Field{Key: "heap_alloc_bytes", Value: mem.HeapAlloc},
				logging.Field{Key: "heap_inuse_bytes", Value: mem.HeapInuse},
				logging.Field{Key: "gc_count", Value: mem.NumGC},
				logging.Field{Key: "gc_pause_total_ns", Value: mem.PauseTotalNs},
			)
		}
	}()
	return func() { close(done) }
}
