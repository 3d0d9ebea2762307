package api

import (
	"bufio"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/saveenergy/netpulse/internal/config"
	"github.com/saveenergy/netpulse/internal/logging"
	"github.com/saveenergy/netpulse/internal/results"
	"github.com/saveenergy/netpulse/pkg/netinfo"
)

type Router struct {
	config           *config.Config
	handler          *Handler
	speedtest        *SpeedTestHandler
	resultsHandler   *results.Handler
	runs             *RunManager
	limiter          *RateLimiter
	clientIPResolver *ClientIPResolver
}

func NewRouter(handler *Handler, cfg *config.Config) *Router {
	resolver := NewClientIPResolver(cfg)
	speedtest := NewSpeedTestHandler(cfg.MaxConcurrentTransfers, cfg.MaxDownloadBytes, cfg.MaxUploadBytes)
	speedtest.SetClientIPResolver(resolver)
	return &Router{
		config:           cfg,
		handler:          handler,
		speedtest:        speedtest,
		limiter:          NewRateLimiter(cfg.RateLimitPerIP, resolver),
		clientIPResolver: resolver,
	}
}

func (r *Router) GetLimiter() *RateLimiter {
	return r.limiter
}

func (r *Router) SetResultsHandler(h *results.Handler) {
	r.resultsHandler = h
}

func (r *Router) SetRunManager(m *RunManager) {
	r.runs = m
}

// SetupRoutes builds the full handler tree. The measurement endpoints are
// never rate limited or authenticated; anything that writes state is both.
func (r *Router) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	v1 := func(method, path string, handler http.HandlerFunc) {
		mux.HandleFunc(method+" /api/v1"+path, handler)
	}

	v1("GET", "/ping", r.speedtest.Ping)
	v1("GET", "/download", r.speedtest.Download)
	v1("POST", "/upload", r.speedtest.Upload)
	v1("GET", "/version", r.handler.GetVersion)
	v1("GET", "/info", r.handler.GetInfo)

	if r.resultsHandler != nil {
		r.resultsHandler.RegisterRoutes(mux, r.guard)
	}

	if r.runs != nil {
		v1("POST", "/runs", r.guard(r.runs.HandleStart))
		v1("GET", "/runs/{id}", r.HandleWithID(r.runs.HandleStatus))
		v1("POST", "/runs/{id}/cancel", r.guard(r.HandleWithID(r.runs.HandleCancel)))
		v1("GET", "/runs/{id}/ws", r.HandleWithID(r.runs.HandleStream))
	}

	mux.HandleFunc("GET /health", r.HealthCheck)

	// Wrap with middleware (outermost runs first)
	var handler http.Handler = mux
	handler = r.CORSMiddleware(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = r.LoggingMiddleware(handler)

	return handler
}

// guard applies API-key authentication and rate limiting to a mutating
// endpoint.
func (r *Router) guard(next http.HandlerFunc) http.HandlerFunc {
	limited := r.limiter.Wrap(next)
	if r.config.APIKey == "" {
		return limited
	}
	want := []byte("Bearer " + r.config.APIKey)
	return func(w http.ResponseWriter, req *http.Request) {
		got := []byte(req.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			drainRequestBody(req)
			w.Header().Set("WWW-Authenticate", `Bearer realm="netpulse"`)
			respondJSON(w, map[string]string{"error": "unauthorized"}, http.StatusUnauthorized)
			return
		}
		limited(w, req)
	}
}

func (r *Router) HandleWithID(fn func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		id := req.PathValue("id")
		if !isValidRunID(id) {
			respondJSON(w, map[string]string{"error": "invalid run ID"}, http.StatusBadRequest)
			return
		}
		fn(w, req, id)
	}
}

func (r *Router) HealthCheck(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(`{"status":"ok"}`)); err != nil {
		logging.Warn("health: write response", logging.Field{Key: "error", Value: err})
	}
}

func (r *Router) CORSMiddleware(next http.Handler) http.Handler {
	allowAll := false
	for _, o := range r.config.AllowedOrigins {
		if strings.TrimSpace(o) == "*" {
			allowAll = true
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		origin := req.Header.Get("Origin")
		originAllowed := origin != "" && netinfo.OriginAllowed(origin, req.Host, r.config.AllowedOrigins)
		if originAllowed {
			allowOrigin := origin
			if allowAll {
				allowOrigin = "*"
			}
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Cache-Control, Pragma")
			w.Header().Set("Access-Control-Max-Age", "86400")
			if allowOrigin != "*" {
				w.Header().Add("Vary", "Origin")
			}
		}
		if req.Method == http.MethodOptions {
			if origin != "" && !originAllowed {
				respondJSON(w, map[string]string{"error": "origin not allowed"}, http.StatusForbidden)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func isValidRunID(id string) bool {
	if id == "" {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// LoggingMiddleware logs API requests except the high-frequency measurement
// endpoints and websocket streams.
func (r *Router) LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		path := req.URL.Path
		skipLog := strings.HasSuffix(path, "/ws") ||
			strings.HasSuffix(path, "/download") ||
			strings.HasSuffix(path, "/upload") ||
			strings.HasSuffix(path, "/ping")

		if !strings.HasPrefix(path, "/api/") || skipLog {
			next.ServeHTTP(w, req)
			return
		}

		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, req)

		logging.Info("HTTP request",
			logging.Field{Key: "method", Value: req.Method},
			logging.Field{Key: "path", Value: path},
			logging.Field{Key: "status", Value: rw.statusCode},
			logging.Field{Key: "duration_ms", Value: float64(time.Since(start).Microseconds()) / 1000},
			logging.Field{Key: "ip", Value: r.clientIPResolver.FromRequest(req)},
		)
	})
}

func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}
