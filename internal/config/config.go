package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/saveenergy/netpulse/internal/logging"
)

type Config struct {
	Port        string
	BindAddress string
	ServerName  string

	MaxDownloadBytes       int64
	MaxUploadBytes         int64
	MaxConcurrentTransfers int
	MaxConcurrentRuns      int

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration

	RateLimitPerIP    int
	TrustProxyHeaders bool
	TrustedProxyCIDRs []string
	AllowedOrigins    []string
	APIKey            string

	// RunTargetURL is the server that server-side runs measure against.
	// Empty means this server itself.
	RunTargetURL          string
	WebSocketPingInterval time.Duration

	DataDir          string
	MaxStoredResults int
	ResultRetention  time.Duration

	LogLevel logging.Level

	PprofEnabled      bool
	PprofAddress      string
	PerfStatsInterval time.Duration
}

func DefaultConfig() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "netpulse"
	}
	return &Config{
		Port:                   "8080",
		BindAddress:            "0.0.0.0",
		ServerName:             hostname,
		MaxDownloadBytes:       100 * 1024 * 1024,
		MaxUploadBytes:         100 * 1024 * 1024,
		MaxConcurrentTransfers: 64,
		MaxConcurrentRuns:      4,
		ReadHeaderTimeout:      15 * time.Second, // protects against slowloris
		IdleTimeout:            60 * time.Second,
		ShutdownTimeout:        10 * time.Second,
		RateLimitPerIP:         30,
		AllowedOrigins:         []string{"*"},
		WebSocketPingInterval:  30 * time.Second,
		DataDir:                "./data",
		MaxStoredResults:       10000,
		ResultRetention:        90 * 24 * time.Hour,
		LogLevel:               logging.LevelInfo,
		PprofAddress:           "127.0.0.1:6060",
	}
}

func (c *Config) LoadFromEnv() error {
	if port := os.Getenv("PORT"); port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return fmt.Errorf("invalid PORT %q: must be a number", port)
		}
		c.Port = port
	}
	if addr := os.Getenv("BIND_ADDRESS"); addr != "" {
		c.BindAddress = addr
	}
	if name := os.Getenv("SERVER_NAME"); name != "" {
		c.ServerName = name
	}

	if v := os.Getenv("MAX_DOWNLOAD_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid MAX_DOWNLOAD_BYTES %q: must be a positive integer", v)
		}
		c.MaxDownloadBytes = n
	}
	if v := os.Getenv("MAX_UPLOAD_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid MAX_UPLOAD_BYTES %q: must be a positive integer", v)
		}
		c.MaxUploadBytes = n
	}
	if v := os.Getenv("MAX_CONCURRENT_TRANSFERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid MAX_CONCURRENT_TRANSFERS %q: must be a positive integer", v)
		}
		c.MaxConcurrentTransfers = n
	}
	if v := os.Getenv("MAX_CONCURRENT_RUNS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid MAX_CONCURRENT_RUNS %q: must be a positive integer", v)
		}
		c.MaxConcurrentRuns = n
	}

	if limit := os.Getenv("RATE_LIMIT_PER_IP"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil || l <= 0 {
			return fmt.Errorf("invalid RATE_LIMIT_PER_IP %q: must be a positive integer", limit)
		}
		c.RateLimitPerIP = l
	}
	if trust := os.Getenv("TRUST_PROXY_HEADERS"); trust == "true" || trust == "1" {
		c.TrustProxyHeaders = true
	}
	if cidrs := os.Getenv("TRUSTED_PROXY_CIDRS"); cidrs != "" {
		c.TrustedProxyCIDRs = splitList(cidrs)
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = splitList(origins)
	}
	if key := os.Getenv("API_KEY"); key != "" {
		c.APIKey = key
	}

	if target := os.Getenv("RUN_TARGET_URL"); target != "" {
		c.RunTargetURL = target
	}
	if interval := os.Getenv("WEBSOCKET_PING_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid WEBSOCKET_PING_INTERVAL %q: must be a positive duration (e.g. 30s)", interval)
		}
		c.WebSocketPingInterval = d
	}

	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		c.DataDir = dataDir
	}
	if max := os.Getenv("MAX_STORED_RESULTS"); max != "" {
		m, err := strconv.Atoi(max)
		if err != nil || m <= 0 {
			return fmt.Errorf("invalid MAX_STORED_RESULTS %q: must be a positive integer", max)
		}
		c.MaxStoredResults = m
	}
	if retention := os.Getenv("RESULT_RETENTION"); retention != "" {
		d, err := time.ParseDuration(retention)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid RESULT_RETENTION %q: must be a positive duration (e.g. 720h)", retention)
		}
		c.ResultRetention = d
	}

	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		level, ok := logging.ParseLevel(lvl)
		if !ok {
			return fmt.Errorf("invalid LOG_LEVEL %q: must be debug, info, warn or error", lvl)
		}
		c.LogLevel = level
	}

	if v := os.Getenv("PPROF_ENABLED"); v == "true" || v == "1" {
		c.PprofEnabled = true
	}
	if addr := os.Getenv("PPROF_ADDR"); addr != "" {
		c.PprofAddress = addr
	}
	if interval := os.Getenv("PERF_STATS_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil || d < 0 {
			return fmt.Errorf("invalid PERF_STATS_INTERVAL %q: must be a duration (e.g. 1m)", interval)
		}
		c.PerfStatsInterval = d
	}

	return nil
}

func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port cannot be empty")
	}
	if p, err := strconv.Atoi(c.Port); err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("invalid port %q: must be 1-65535", c.Port)
	}
	if c.MaxDownloadBytes <= 0 {
		return fmt.Errorf("max download bytes must be > 0")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload bytes must be > 0")
	}
	if c.MaxConcurrentTransfers <= 0 {
		return fmt.Errorf("max concurrent transfers must be > 0")
	}
	if c.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("max concurrent runs must be > 0")
	}
	if c.RateLimitPerIP <= 0 {
		return fmt.Errorf("rate limit per IP must be > 0")
	}
	if c.RunTargetURL != "" {
		u, err := url.Parse(c.RunTargetURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid run target URL %q: must be an absolute http(s) URL", c.RunTargetURL)
		}
	}
	if c.DataDir == "" {
		return fmt.Errorf("data directory cannot be empty")
	}
	if c.MaxStoredResults <= 0 {
		return fmt.Errorf("max stored results must be > 0")
	}
	if c.ResultRetention <= 0 {
		return fmt.Errorf("result retention must be > 0")
	}
	if c.PprofEnabled {
		if _, _, err := net.SplitHostPort(c.PprofAddress); err != nil {
			return fmt.Errorf("invalid pprof address %q: %w", c.PprofAddress, err)
		}
	}
	if c.TrustProxyHeaders {
		for _, entry := range c.TrustedProxyCIDRs {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				return fmt.Errorf("invalid trusted proxy CIDR: %s", entry)
			}
		}
	}
	return nil
}

// ListenAddress is the host:port the HTTP server binds to.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.BindAddress, c.Port)
}

// SelfURL is the URL server-side runs use when RunTargetURL is empty.
func (c *Config) SelfURL() string {
	host := c.BindAddress
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, c.Port)
}

// RunTarget resolves the server that server-side runs measure against.
func (c *Config) RunTarget() string {
	if c.RunTargetURL != "" {
		return strings.TrimRight(c.RunTargetURL, "/")
	}
	return c.SelfURL()
}

// DatabasePath is the sqlite file holding stored results.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "results.db")
}

func splitList(s string) []string {
	entries := strings.Split(s, ",")
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if value := strings.TrimSpace(entry); value != "" {
			out = append(out, value)
		}
	}
	return out
}
