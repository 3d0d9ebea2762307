// Package check implements the "netpulse check" subcommand, a quick run of a
// few seconds returning grade, summary and key metrics.
package check

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/saveenergy/netpulse/pkg/client"
	"github.com/saveenergy/netpulse/pkg/diagnostic"
	"github.com/saveenergy/netpulse/pkg/errors"
	"github.com/saveenergy/netpulse/pkg/measure"
)

var (
	exitSuccess = 0
	exitFailure = 1
	exitUsage   = 2
)

const (
	minTimeoutSeconds = 1
	maxTimeoutSeconds = 300
	schemaVersion     = "1.0"
)

// CheckResult is the structured output of netpulse check.
type CheckResult struct {
	SchemaVersion  string                     `json:"schema_version"`
	Status         string                     `json:"status"`
	ServerURL      string                     `json:"server_url"`
	LatencyMs      float64                    `json:"latency_ms"`
	DownloadMbps   float64                    `json:"download_mbps"`
	UploadMbps     float64                    `json:"upload_mbps"`
	JitterMs       float64                    `json:"jitter_ms"`
	Interpretation *diagnostic.Interpretation `json:"interpretation"`
	DurationMs     int64                      `json:"duration_ms"`
}

// CheckError is the JSON output of a failed check.
type CheckError struct {
	SchemaVersion string       `json:"schema_version"`
	Error         bool         `json:"error"`
	Kind          errors.Kind  `json:"kind"`
	Phase         errors.Phase `json:"phase,omitempty"`
	Message       string       `json:"message"`
}

func Run(args []string, version string) int {
	return run(args, os.Stdout, os.Stderr)
}

func run(args []string, stdout, stderr io.Writer, opts ...client.Option) int {
	flagSet := flag.NewFlagSet("netpulse check", flag.ContinueOnError)
	flagSet.SetOutput(stderr)

	var (
		serverURL string
		jsonOut   bool
		timeout   int
		apiKey    string
		lang      string
	)
	flagSet.StringVar(&serverURL, "server-url", "http://localhost:8080", "Server URL")
	flagSet.StringVar(&serverURL, "S", "http://localhost:8080", "Server URL (short)")
	flagSet.BoolVar(&jsonOut, "json", false, "Output as JSON")
	flagSet.IntVar(&timeout, "timeout", 15, "Overall timeout in seconds")
	flagSet.StringVar(&apiKey, "api-key", "", "API key")
	flagSet.StringVar(&lang, "lang", "", "Error message language: en, de")
	help := flagSet.Bool("help", false, "Show help")
	flagSet.BoolVar(help, "h", false, "Show help (short)")

	if err := flagSet.Parse(args); err != nil {
		return exitUsage
	}

	if *help {
		printUsage(stdout)
		return exitSuccess
	}

	if timeout < minTimeoutSeconds || timeout > maxTimeoutSeconds {
		fmt.Fprintf(stderr, "netpulse check: timeout must be between %d and %d seconds\n", minTimeoutSeconds, maxTimeoutSeconds)
		return exitUsage
	}
	if lang != "" && !errors.SetLanguage(lang) {
		fmt.Fprintf(stderr, "netpulse check: unsupported language %q\n", lang)
		return exitUsage
	}

	rest := flagSet.Args()
	if len(rest) > 1 {
		fmt.Fprintln(stderr, "netpulse check: too many positional arguments")
		return exitUsage
	}
	if len(rest) > 0 {
		serverURL = rest[0]
	}
	if !isValidServerURL(serverURL) {
		fmt.Fprintf(stderr, "netpulse check: invalid server URL: %q\n", serverURL)
		return exitUsage
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
	defer cancel()

	if apiKey != "" {
		opts = append([]client.Option{client.WithAPIKey(apiKey)}, opts...)
	}
	result, err := runCheck(ctx, serverURL, opts...)
	if err != nil {
		me, ok := errors.As(err)
		if !ok {
			me = errors.Classify(err, errors.PhaseNone)
		}
		if jsonOut {
			if encErr := json.NewEncoder(stdout).Encode(CheckError{
				SchemaVersion: schemaVersion,
				Error:         true,
				Kind:          me.Kind,
				Phase:         me.Phase,
				Message:       me.Message,
			}); encErr != nil {
				fmt.Fprintf(stderr, "netpulse check: json encode error: %v\n", encErr)
			}
		} else {
			fmt.Fprintf(stderr, "netpulse check: error: %v\n", me)
		}
		return exitFailure
	}

	if jsonOut {
		if encErr := json.NewEncoder(stdout).Encode(result); encErr != nil {
			fmt.Fprintf(stderr, "netpulse check: json encode error: %v\n", encErr)
			return exitFailure
		}
	} else {
		printHuman(stdout, result)
	}

	// D and F count as degraded.
	if result.Status == "degraded" {
		return exitFailure
	}
	return exitSuccess
}

func runCheck(ctx context.Context, serverURL string, opts ...client.Option) (*CheckResult, error) {
	c := client.New(serverURL, append([]client.Option{client.WithQuick()}, opts...)...)
	report, err := c.Run(ctx, measure.Callbacks{})
	if err != nil {
		return nil, err
	}
	r := report.Result
	status := "ok"
	if in := report.Interpretation; in != nil && (in.Grade == "D" || in.Grade == "F") {
		status = "degraded"
	}
	return &CheckResult{
		SchemaVersion:  schemaVersion,
		Status:         status,
		ServerURL:      report.ServerURL,
		LatencyMs:      r.PingMs,
		DownloadMbps:   r.DownloadMbps,
		UploadMbps:     r.UploadMbps,
		JitterMs:       r.JitterMs,
		Interpretation: report.Interpretation,
		DurationMs:     report.DurationMs,
	}, nil
}

func printHuman(w io.Writer, r *CheckResult) {
	if r.Interpretation != nil {
		fmt.Fprintf(w, "Grade: %s (%s)\n", r.Interpretation.Grade, r.Interpretation.Summary)
	}
	fmt.Fprintf(w, "  Latency:  %.1f ms\n", r.LatencyMs)
	fmt.Fprintf(w, "  Download: %.1f Mbps\n", r.DownloadMbps)
	fmt.Fprintf(w, "  Upload:   %.1f Mbps\n", r.UploadMbps)
	fmt.Fprintf(w, "  Jitter:   %.1f ms\n", r.JitterMs)
	if r.Interpretation != nil && len(r.Interpretation.Concerns) > 0 {
		fmt.Fprintf(w, "  Concerns: %s\n", strings.Join(r.Interpretation.Concerns, ", "))
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Usage: netpulse check [flags] [server-url]

Quick check (a few seconds): 5 probes, 1 MiB down, 512 KiB up.
Returns grade and key metrics.

Flags:
  -h, --help              Show help
  -S, --server-url string Server URL (default: http://localhost:8080)
  --json                  Output as JSON
  --timeout int           Overall timeout in seconds (default: 15)
  --api-key string        API key for authentication
  --lang string           Error message language: en, de

Exit codes:
  0   Healthy (grade A-C)
  1   Degraded (grade D-F) or error
  2   Usage error

Examples:
  netpulse check                              # Quick check against localhost
  netpulse check https://speed.example.com    # Quick check against remote
  netpulse check --json                       # JSON output for agents
`)
}

func isValidServerURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u == nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if port := u.Port(); port != "" {
		n := 0
		for _, ch := range port {
			n = n*10 + int(ch-'0')
			if n > 65535 {
				return false
			}
		}
	}
	return u.Hostname() != ""
}
