// Package history implements the "netpulse history" command over the local
// results database written by "netpulse client --save".
package history

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/saveenergy/netpulse/internal/config"
	"github.com/saveenergy/netpulse/internal/results"
)

const (
	exitSuccess = 0
	exitFailure = 1
	exitUsage   = 2
)

const opTimeout = 10 * time.Second

// Run executes the history command and returns its exit code.
func Run(args []string, version string) int {
	return run(args, os.Stdout, os.Stderr, time.Now)
}

type command struct {
	stdout  io.Writer
	stderr  io.Writer
	now     func() time.Time
	dataDir string
	asJSON  bool
}

func run(args []string, stdout, stderr io.Writer, now func() time.Time) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage(stdout)
		if len(args) == 0 {
			return exitUsage
		}
		return exitSuccess
	}

	sub, rest := args[0], args[1:]
	cmd := &command{stdout: stdout, stderr: stderr, now: now}

	fs := flag.NewFlagSet("netpulse history "+sub, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cmd.dataDir, "data-dir", config.UserDataDir(), "History directory")
	fs.BoolVar(&cmd.asJSON, "json", false, "JSON output")

	var since, until, connType, limit, format, out string
	var yes bool
	switch sub {
	case "list", "summary", "export":
		fs.StringVar(&since, "since", "", "Only results at or after (RFC 3339 or YYYY-MM-DD)")
		fs.StringVar(&until, "until", "", "Only results at or before (RFC 3339 or YYYY-MM-DD)")
		fs.StringVar(&connType, "type", "", "Only results with this connection type")
		fs.StringVar(&limit, "limit", "", "Maximum results (1-1000)")
		if sub == "export" {
			fs.StringVar(&format, "format", results.FormatCSV, "Export format: csv, json")
			fs.StringVar(&out, "o", "", "Write to file instead of stdout")
		}
	case "clear":
		fs.BoolVar(&yes, "yes", false, "Confirm deleting all results")
	case "show", "delete":
	default:
		fmt.Fprintf(stderr, "netpulse history: unknown subcommand %q\n\n", sub)
		printUsage(stderr)
		return exitUsage
	}

	if err := fs.Parse(rest); err != nil {
		return exitUsage
	}

	var id string
	switch sub {
	case "show", "delete":
		if fs.NArg() != 1 {
			fmt.Fprintf(stderr, "netpulse history: %s requires exactly one result ID\n", sub)
			return exitUsage
		}
		id = fs.Arg(0)
	default:
		if fs.NArg() != 0 {
			fmt.Fprintf(stderr, "netpulse history: unexpected arguments: %v\n", fs.Args())
			return exitUsage
		}
	}

	var filter results.Filter
	if sub == "list" || sub == "summary" || sub == "export" {
		f, err := results.ParseFilter(since, until, connType, limit)
		if err != nil {
			fmt.Fprintf(stderr, "netpulse history: %v\n", err)
			return exitUsage
		}
		filter = f
	}
	if sub == "clear" && !yes {
		fmt.Fprintln(stderr, "netpulse history: clear deletes every stored result; pass --yes to confirm")
		return exitUsage
	}
	if sub == "export" && format != results.FormatCSV && format != results.FormatJSON {
		fmt.Fprintf(stderr, "netpulse history: unsupported export format %q\n", format)
		return exitUsage
	}

	store, err := results.Open(filepath.Join(cmd.dataDir, "results.db"), results.Options{DisableCleanupLoop: true})
	if err != nil {
		fmt.Fprintf(stderr, "netpulse history: error: %v\n", err)
		return exitFailure
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	switch sub {
	case "list":
		err = cmd.list(ctx, store, filter)
	case "show":
		err = cmd.show(ctx, store, id)
	case "summary":
		err = cmd.summary(ctx, store, filter)
	case "export":
		err = cmd.export(ctx, store, filter, format, out)
	case "delete":
		err = store.Delete(ctx, id)
		if err == nil {
			fmt.Fprintf(stdout, "Deleted %s\n", id)
		}
	case "clear":
		var n int64
		n, err = store.Clear(ctx)
		if err == nil {
			fmt.Fprintf(stdout, "Deleted %d results\n", n)
		}
	}
	if err != nil {
		if stderrors.Is(err, results.ErrNotFound) {
			fmt.Fprintf(stderr, "netpulse history: result %s not found\n", id)
		} else {
			fmt.Fprintf(stderr, "netpulse history: error: %v\n", err)
		}
		return exitFailure
	}
	return exitSuccess
}

func (c *command) writeJSON(v interface{}) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *command) list(ctx context.Context, store *results.Store, filter results.Filter) error {
	records, err := store.List(ctx, filter)
	if err != nil {
		return err
	}
	if c.asJSON {
		return results.ExportJSON(c.stdout, records)
	}
	if len(records) == 0 {
		fmt.Fprintln(c.stdout, "No stored results.")
		return nil
	}
	fmt.Fprintf(c.stdout, "%-8s  %-16s  %8s  %10s  %10s  %-5s  %s\n", "ID", "WHEN", "PING", "DOWN", "UP", "GRADE", "TYPE")
	for _, r := range records {
		fmt.Fprintf(c.stdout, "%-8s  %-16s  %6.1fms  %5.1f Mbps  %5.1f Mbps  %-5s  %s\n",
			r.ID, humanize.RelTime(r.CreatedAt, c.now(), "ago", "from now"),
			r.PingMs, r.DownloadMbps, r.UploadMbps, r.Grade, r.ConnectionType)
	}
	return nil
}

func (c *command) show(ctx context.Context, store *results.Store, id string) error {
	r, err := store.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.asJSON {
		return c.writeJSON(r)
	}
	fmt.Fprintf(c.stdout, "id=%s\n", r.ID)
	fmt.Fprintf(c.stdout, "created_at=%s\n", r.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(c.stdout, "server_url=%s\n", r.ServerURL)
	fmt.Fprintf(c.stdout, "ping_ms=%.2f\n", r.PingMs)
	fmt.Fprintf(c.stdout, "jitter_ms=%.2f\n", r.JitterMs)
	fmt.Fprintf(c.stdout, "download_mbps=%.2f\n", r.DownloadMbps)
	fmt.Fprintf(c.stdout, "upload_mbps=%.2f\n", r.UploadMbps)
	fmt.Fprintf(c.stdout, "grade=%s\n", r.Grade)
	fmt.Fprintf(c.stdout, "connection_type=%s\n", r.ConnectionType)
	return nil
}

func (c *command) summary(ctx context.Context, store *results.Store, filter results.Filter) error {
	records, err := store.List(ctx, filter)
	if err != nil {
		return err
	}
	s := results.Summarize(records)
	if c.asJSON {
		return c.writeJSON(s)
	}
	if s.Count == 0 {
		fmt.Fprintln(c.stdout, "No stored results.")
		return nil
	}
	fmt.Fprintf(c.stdout, "%s runs from %s to %s\n", humanize.Comma(int64(s.Count)),
		s.First.UTC().Format(time.RFC3339), s.Last.UTC().Format(time.RFC3339))
	fmt.Fprintf(c.stdout, "  %-9s %8s %8s %8s %8s %8s\n", "", "avg", "min", "max", "p50", "p95")
	printStat(c.stdout, "ping ms", s.Ping.Avg, s.Ping.Min, s.Ping.Max, s.Ping.P50, s.Ping.P95)
	printStat(c.stdout, "down Mbps", s.Download.Avg, s.Download.Min, s.Download.Max, s.Download.P50, s.Download.P95)
	printStat(c.stdout, "up Mbps", s.Upload.Avg, s.Upload.Min, s.Upload.Max, s.Upload.P50, s.Upload.P95)
	fmt.Fprintf(c.stdout, "  ping stddev across runs: %.2f ms\n", s.PingStdDevMs)
	return nil
}

func printStat(w io.Writer, name string, vals ...float64) {
	fmt.Fprintf(w, "  %-9s", name)
	for _, v := range vals {
		fmt.Fprintf(w, " %8.2f", v)
	}
	fmt.Fprintln(w)
}

func (c *command) export(ctx context.Context, store *results.Store, filter results.Filter, format, out string) error {
	records, err := store.List(ctx, filter)
	if err != nil {
		return err
	}
	if out == "" {
		return results.Export(c.stdout, format, records)
	}
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("create %s: %w", out, err)
	}
	if err := results.Export(f, format, records); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(c.stderr, "Exported %s results to %s\n", humanize.Comma(int64(len(records))), out)
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Usage: netpulse history <subcommand> [flags]

Inspect results stored with "netpulse client --save".

Subcommands:
  list      List results, newest first
  show      Show one result: netpulse history show <id>
  summary   Aggregate ping, download and upload across results
  export    Write results as CSV or JSON
  delete    Delete one result: netpulse history delete <id>
  clear     Delete every result (requires --yes)

Flags:
  --data-dir string   History directory (default: ~/.local/share/netpulse)
  --json              JSON output (list, show, summary)
  --since string      Only results at or after (RFC 3339 or YYYY-MM-DD)
  --until string      Only results at or before
  --type string       Only results with this connection type
  --limit int         Maximum results (1-1000)
  --format string     Export format: csv, json (default: csv)
  -o string           Export to file instead of stdout
`)
}
