// Package client implements the "netpulse client" command.
package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/saveenergy/netpulse/internal/config"
	"github.com/saveenergy/netpulse/pkg/client"
	"github.com/saveenergy/netpulse/pkg/errors"
	"github.com/saveenergy/netpulse/pkg/measure"
)

const (
	exitSuccess   = 0
	exitFailure   = 1
	exitUsage     = 2
	exitInterrupt = 130
)

const (
	defaultServerURL    = "http://localhost:8080"
	defaultTimeout      = 120
	defaultLatencyCount = measure.DefaultLatencyCount
	maxTimeout          = 3600
	maxLatencyCount     = 100
)

// Run executes the client command and returns its exit code.
func Run(args []string, version string) int {
	return run(args, version, os.Stdout, os.Stderr, isTerminal(os.Stdout))
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func run(args []string, version string, stdout, stderr io.Writer, tty bool, opts ...client.Option) int {
	flagConfig, flagsSet, code, err := parseFlags(args, version, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "netpulse client: %v\n", err)
		return code
	}
	if flagConfig == nil {
		return code
	}

	configFile, err := loadConfigFile(config.UserConfigPath())
	if err != nil {
		fmt.Fprintf(stderr, "netpulse client: warning: failed to load config file: %v\n", err)
	}

	cfg := mergeConfig(flagConfig, configFile, flagsSet)
	if err := validateConfig(cfg); err != nil {
		fmt.Fprintf(stderr, "netpulse client: error: %v\n", err)
		return exitUsage
	}
	if cfg.Language != "" {
		errors.SetLanguage(cfg.Language)
	}
	if !cfg.JSON && !cfg.NDJSON && !cfg.Plain && !tty {
		cfg.Plain = true
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(sigCtx, time.Duration(cfg.Timeout)*time.Second)
	defer cancel()

	formatter := createFormatter(cfg, stdout, stderr)
	if err := runMeasurement(ctx, cfg, formatter, stderr, opts...); err != nil {
		err = deadlineAsTimeout(ctx, sigCtx, err)
		formatter.FormatError(err)
		return exitCodeFor(err, sigCtx.Err() != nil)
	}
	return exitSuccess
}

func createFormatter(cfg *Config, stdout, stderr io.Writer) OutputFormatter {
	switch {
	case cfg.JSON:
		return &JSONFormatter{Writer: stdout}
	case cfg.NDJSON:
		return &NDJSONFormatter{Writer: stdout}
	case cfg.Quiet:
		return NewPlainFormatter(io.Discard, stderr, false)
	case cfg.Plain:
		return NewPlainFormatter(stdout, stderr, cfg.Verbose)
	}
	return NewInteractiveFormatter(stdout, stderr, cfg.Verbose, cfg.NoColor, cfg.NoProgress)
}
