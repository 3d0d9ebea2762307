package client

import (
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/saveenergy/netpulse/internal/config"
)

func parseFlags(args []string, version string, stdout io.Writer) (*Config, map[string]bool, int, error) {
	cfg := &Config{}
	flagsSet := make(map[string]bool)

	flagSet := flag.NewFlagSet("netpulse client", flag.ContinueOnError)
	flagSet.SetOutput(stdout)
	flagSet.StringVar(&cfg.Server, "server", "", "Server alias or URL")
	flagSet.StringVar(&cfg.Server, "S", "", "Server alias or URL (short)")
	flagSet.StringVar(&cfg.ServerURL, "server-url", "", "Server URL (override)")
	flagSet.StringVar(&cfg.APIKey, "api-key", "", "API key for authentication")
	flagSet.IntVar(&cfg.Timeout, "timeout", 0, "Overall timeout in seconds")
	flagSet.IntVar(&cfg.LatencyCount, "count", 0, "Latency probes")
	flagSet.BoolVar(&cfg.Quick, "quick", false, "Short run: 5 probes, one small stage per direction")
	flagSet.BoolVar(&cfg.Save, "save", false, "Store the result in the local history")
	flagSet.StringVar(&cfg.DataDir, "data-dir", "", "Directory of the local history database")
	flagSet.StringVar(&cfg.Language, "lang", "", "Error message language: en, de")
	flagSet.BoolVar(&cfg.JSON, "json", false, "Output results as JSON")
	flagSet.BoolVar(&cfg.NDJSON, "ndjson", false, "Streaming newline-delimited JSON output")
	flagSet.BoolVar(&cfg.Plain, "plain", false, "Plain text output")
	flagSet.BoolVar(&cfg.Verbose, "verbose", false, "Verbose output")
	flagSet.BoolVar(&cfg.Verbose, "v", false, "Verbose output (short)")
	flagSet.BoolVar(&cfg.Quiet, "quiet", false, "Quiet mode (errors only)")
	flagSet.BoolVar(&cfg.Quiet, "q", false, "Quiet mode (errors only) (short)")
	flagSet.BoolVar(&cfg.NoColor, "no-color", false, "Disable color output")
	flagSet.BoolVar(&cfg.NoProgress, "no-progress", false, "Disable progress indicators")

	versionFlag := flagSet.Bool("version", false, "Print version")
	help := flagSet.Bool("help", false, "Show help")
	flagSet.BoolVar(help, "h", false, "Show help (short)")
	servers := flagSet.Bool("servers", false, "List configured servers")

	if err := flagSet.Parse(args); err != nil {
		return nil, nil, exitUsage, err
	}

	flagSet.Visit(func(f *flag.Flag) {
		flagsSet[f.Name] = true
		switch f.Name {
		case "S":
			flagsSet["server"] = true
		case "v":
			flagsSet["verbose"] = true
		case "q":
			flagsSet["quiet"] = true
		case "h":
			flagsSet["help"] = true
		}
	})

	if *servers {
		listServers(stdout)
		return nil, nil, exitSuccess, nil
	}
	if *versionFlag {
		fmt.Fprintf(stdout, "netpulse %s\n", version)
		return nil, nil, exitSuccess, nil
	}
	if *help {
		printUsage(stdout)
		return nil, nil, exitSuccess, nil
	}

	rest := flagSet.Args()
	if len(rest) > 1 {
		return nil, nil, exitUsage, fmt.Errorf("unexpected arguments: %s", strings.Join(rest[1:], " "))
	}
	if len(rest) == 1 {
		server := rest[0]
		if strings.HasPrefix(server, "http://") || strings.HasPrefix(server, "https://") {
			cfg.ServerURL = server
			flagsSet["server-url"] = true
		} else {
			cfg.Server = server
			flagsSet["server"] = true
		}
	}

	return cfg, flagsSet, 0, nil
}

func listServers(w io.Writer) {
	configFile, err := loadConfigFile(config.UserConfigPath())
	if err != nil {
		fmt.Fprintf(w, "netpulse client: warning: %v\n", err)
	}

	fmt.Fprintln(w, "Configured Servers:")
	fmt.Fprintln(w)

	if configFile == nil || len(configFile.Servers) == 0 {
		fmt.Fprintln(w, "  No servers configured.")
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Add servers to ~/.config/netpulse/config.yaml:")
		fmt.Fprintln(w)
		fmt.Fprintln(w, "  servers:")
		fmt.Fprintln(w, "    home:")
		fmt.Fprintln(w, "      url: http://192.168.1.10:8080")
		fmt.Fprintln(w, "      name: \"Home lab\"")
		fmt.Fprintln(w, "  default_server: home")
		fmt.Fprintln(w)
		return
	}

	fmt.Fprintf(w, "  %-12s %-20s %s\n", "ALIAS", "NAME", "URL")
	fmt.Fprintf(w, "  %-12s %-20s %s\n", "-----", "----", "---")
	aliases := make([]string, 0, len(configFile.Servers))
	for alias := range configFile.Servers {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	for _, alias := range aliases {
		server := configFile.Servers[alias]
		defaultMark := ""
		if alias == configFile.DefaultServer {
			defaultMark = " *"
		}
		name := server.Name
		if name == "" {
			name = alias
		}
		fmt.Fprintf(w, "  %-12s %-20s %s%s\n", alias, name, server.URL, defaultMark)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  * = default server")
}

func validateConfig(cfg *Config) error {
	if cfg.ServerURL == "" {
		return fmt.Errorf("no server URL\n\n" +
			"Use: netpulse client https://speed.example.com\n" +
			"See: netpulse client --help")
	}
	if !strings.HasPrefix(cfg.ServerURL, "http://") && !strings.HasPrefix(cfg.ServerURL, "https://") {
		return fmt.Errorf("invalid server URL: %s\n\n"+
			"The URL must start with http:// or https://.\n"+
			"See: netpulse client --help", cfg.ServerURL)
	}
	if cfg.Timeout < 1 || cfg.Timeout > maxTimeout {
		return fmt.Errorf("invalid timeout: %d\n\n"+
			"Timeout must be between 1 and %d seconds.\n"+
			"Use: netpulse client --timeout 120", cfg.Timeout, maxTimeout)
	}
	if cfg.LatencyCount < 1 || cfg.LatencyCount > maxLatencyCount {
		return fmt.Errorf("invalid count: %d\n\n"+
			"Latency probes must be between 1 and %d.\n"+
			"Use: netpulse client --count 10", cfg.LatencyCount, maxLatencyCount)
	}
	if cfg.Language != "" && cfg.Language != "en" && cfg.Language != "de" {
		return fmt.Errorf("invalid language: %s (must be en or de)", cfg.Language)
	}
	formats := 0
	for _, on := range []bool{cfg.JSON, cfg.NDJSON, cfg.Plain} {
		if on {
			formats++
		}
	}
	if formats > 1 {
		return fmt.Errorf("--json, --ndjson and --plain are mutually exclusive")
	}
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: netpulse client [flags] [server]

Measure latency, download and upload against a netpulse server.

Server Selection:
  netpulse client <alias>           Use server alias from config
  netpulse client <url>             Use server URL directly
  netpulse client -S <alias>        Select server by alias
  netpulse client --servers         List configured servers

Flags:
  -h, --help              Show help
  --version               Print version
  -S, --server string     Server alias or URL
  --server-url string     Override server URL
  --api-key string        API key for authentication
  --timeout int           Overall timeout in seconds (default: %d)
  --count int             Latency probes (default: %d)
  --quick                 Short run: 5 probes, 1 MiB down, 512 KiB up
  --save                  Store the result in the local history
  --data-dir string       History directory (default: ~/.local/share/netpulse)
  --lang string           Error message language: en, de
  --json                  Output the final report as JSON
  --ndjson                Stream events as newline-delimited JSON
  --plain                 Plain key=value output
  -v, --verbose           Verbose output (per-stage detail)
  -q, --quiet             Quiet mode (errors only)
  --no-color              Disable color output
  --no-progress           Disable progress indicators

Configuration file: ~/.config/netpulse/config.yaml

Environment:
  NETPULSE_SERVER_URL     Server URL
  NETPULSE_API_KEY        API key
  NETPULSE_TIMEOUT        Overall timeout in seconds
  NETPULSE_LATENCY_COUNT  Latency probes
  NETPULSE_LANG           Error message language
  NETPULSE_DATA_DIR       History directory
  NO_COLOR                Disable colors (standard convention)

Exit codes:
  0 success, 1 measurement failed, 2 usage error, 130 interrupted

Examples:
  netpulse client                          # Default server
  netpulse client --quick --save home      # Short run, stored in history
  netpulse client --json https://speed.example.com
`, defaultTimeout, defaultLatencyCount)
}
