package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	check "github.com/saveenergy/netpulse/cmd/check"
	client "github.com/saveenergy/netpulse/cmd/client"
	history "github.com/saveenergy/netpulse/cmd/history"
	mcpcmd "github.com/saveenergy/netpulse/cmd/mcp"
	server "github.com/saveenergy/netpulse/cmd/server"
)

var version = "dev"

var (
	runServer  = server.Run
	runClient  = client.Run
	runCheck   = check.Run
	runHistory = history.Run
	runMCP     = mcpcmd.Run
)

func main() {
	os.Exit(run(os.Args[1:], version))
}

func run(args []string, version string) int {
	if len(args) == 0 {
		return runServer(nil, version)
	}

	switch args[0] {
	case "serve", "server":
		return runServer(args[1:], version)
	case "client", "run":
		return runClient(args[1:], version)
	case "check":
		return runCheck(args[1:], version)
	case "history":
		return runHistory(args[1:], version)
	case "mcp":
		return runMCP(version)
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return 0
	case "version", "--version":
		fmt.Printf("netpulse %s\n", version)
		return 0
	default:
		if strings.HasPrefix(args[0], "-") && isServerFlag(args[0]) {
			return runServer(args, version)
		}
		fmt.Fprintf(os.Stderr, "netpulse: unknown command %q\n\n", args[0])
		printUsage(os.Stderr)
		return 2
	}
}

// isServerFlag reports whether arg is a flag of the serve command, so that
// "netpulse --port 9090" keeps working without the subcommand.
func isServerFlag(arg string) bool {
	name := strings.TrimLeft(arg, "-")
	if i := strings.IndexByte(name, '='); i >= 0 {
		name = name[:i]
	}
	switch name {
	case "port", "bind", "server-name", "data-dir", "api-key", "allowed-origins",
		"trusted-proxy-cidrs", "run-target", "log-level", "result-retention",
		"ws-ping-interval", "rate-limit", "max-concurrent-runs", "max-stored-results",
		"max-download-bytes", "max-upload-bytes", "trust-proxy-headers", "pprof":
		return true
	}
	return false
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Usage: netpulse <command> [args]

Commands:
  serve     Run the measurement server (default when no command provided)
  client    Measure latency, download and upload against a server
  check     Quick check (a few seconds), grade and key metrics
  history   Inspect locally stored results
  mcp       Run as MCP server (stdio transport, for AI agents)
  version   Print version

Examples:
  netpulse serve --port 8080
  netpulse client --save https://speed.example.com
  netpulse check --json https://speed.example.com
  netpulse history summary --since 2026-01-01
  netpulse mcp
`)
}
