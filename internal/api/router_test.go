package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/saveenergy/netpulse/internal/config"
	"github.com/saveenergy/netpulse/internal/results"
	"github.com/saveenergy/netpulse/internal/websocket"
	"github.com/saveenergy/netpulse/pkg/client"
	"github.com/saveenergy/netpulse/pkg/errors"
)

type testAPI struct {
	srv   *httptest.Server
	store *results.Store
	runs  *RunManager
	hub   *websocket.Server
}

// newTestAPI serves the full router. Server-side runs measure against the
// test server itself with small stages.
func newTestAPI(t *testing.T, tweak func(*config.Config)) *testAPI {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	if tweak != nil {
		tweak(cfg)
	}

	store, err := results.Open(cfg.DatabasePath(), results.Options{DisableCleanupLoop: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(store.Close)

	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	hub := websocket.NewServer()
	t.Cleanup(hub.Close)

	clientOpts := []client.Option{
		client.WithConnectivity(errors.AlwaysOnline),
		client.WithLatencyCount(3),
		client.WithLatencyDelay(0),
		client.WithDownloadStages(64*1024, 128*1024),
		client.WithUploadStages(64 * 1024),
		client.WithStageTimeout(5 * time.Second),
	}
	if cfg.APIKey != "" {
		clientOpts = append(clientOpts, client.WithAPIKey(cfg.APIKey))
	}
	runs := NewRunManager(srv.URL, cfg.MaxConcurrentRuns, hub, store, clientOpts...)
	t.Cleanup(runs.Close)

	router := NewRouter(NewHandler(cfg), cfg)
	router.SetResultsHandler(results.NewHandler(store))
	router.SetRunManager(runs)
	handler = router.SetupRoutes()

	return &testAPI{srv: srv, store: store, runs: runs, hub: hub}
}

func (a *testAPI) do(t *testing.T, method, path, body string, header http.Header) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRouterHealthAndSecurityHeaders(t *testing.T) {
	api := newTestAPI(t, nil)
	resp := api.do(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" || resp.Header.Get("X-Frame-Options") != "DENY" {
		t.Fatalf("missing security headers: %v", resp.Header)
	}

	info := api.do(t, http.MethodGet, "/api/v1/info", "", nil)
	if info.StatusCode != http.StatusOK {
		t.Fatalf("info status = %d", info.StatusCode)
	}
}

func TestRouterCORS(t *testing.T) {
	api := newTestAPI(t, func(c *config.Config) { c.AllowedOrigins = []string{"*.example.com"} })

	ok := api.do(t, http.MethodOptions, "/api/v1/ping", "", http.Header{"Origin": {"https://app.example.com"}})
	if ok.StatusCode != http.StatusNoContent || ok.Header.Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Fatalf("preflight = %d %q", ok.StatusCode, ok.Header.Get("Access-Control-Allow-Origin"))
	}

	denied := api.do(t, http.MethodOptions, "/api/v1/ping", "", http.Header{"Origin": {"https://evil.test"}})
	if denied.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign preflight = %d", denied.StatusCode)
	}
}

func TestRouterAPIKeyGuardsMutations(t *testing.T) {
	api := newTestAPI(t, func(c *config.Config) { c.APIKey = "s3cret" })
	body := `{"ping_ms":10,"download_mbps":50,"upload_mbps":5}`

	if code := api.do(t, http.MethodPost, "/api/v1/results", body, nil).StatusCode; code != http.StatusUnauthorized {
		t.Fatalf("no key: status = %d", code)
	}
	wrong := http.Header{"Authorization": {"Bearer nope"}}
	if code := api.do(t, http.MethodPost, "/api/v1/results", body, wrong).StatusCode; code != http.StatusUnauthorized {
		t.Fatalf("wrong key: status = %d", code)
	}
	right := http.Header{"Authorization": {"Bearer s3cret"}}
	if code := api.do(t, http.MethodPost, "/api/v1/results", body, right).StatusCode; code != http.StatusCreated {
		t.Fatalf("right key: status = %d", code)
	}

	// Reads and measurement endpoints stay open.
	for _, path := range []string{"/api/v1/results", "/api/v1/ping", "/api/v1/download?bytes=10"} {
		if code := api.do(t, http.MethodGet, path, "", nil).StatusCode; code != http.StatusOK {
			t.Fatalf("GET %s: status = %d", path, code)
		}
	}
}

func TestRouterRateLimitsMutationsOnly(t *testing.T) {
	api := newTestAPI(t, func(c *config.Config) { c.RateLimitPerIP = 2 })
	body := `{"ping_ms":10}`

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, api.do(t, http.MethodPost, "/api/v1/results", body, nil).StatusCode)
	}
	if codes[0] != http.StatusCreated || codes[1] != http.StatusCreated || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v", codes)
	}
	for i := 0; i < 5; i++ {
		if code := api.do(t, http.MethodGet, "/api/v1/ping", "", nil).StatusCode; code != http.StatusOK {
			t.Fatalf("ping %d limited: %d", i, code)
		}
	}
}

func TestRouterRejectsInvalidRunID(t *testing.T) {
	api := newTestAPI(t, nil)
	if code := api.do(t, http.MethodGet, "/api/v1/runs/not-a-uuid", "", nil).StatusCode; code != http.StatusBadRequest {
		t.Fatalf("status = %d", code)
	}
	if code := api.do(t, http.MethodGet, "/api/v1/runs/7d444840-9dc0-11d1-b245-5ffdce74fad2", "", nil).StatusCode; code != http.StatusNotFound {
		t.Fatalf("unknown run: status = %d", code)
	}
}
