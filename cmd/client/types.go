package client

import (
	"io"

	"github.com/saveenergy/netpulse/pkg/client"
	"github.com/saveenergy/netpulse/pkg/errors"
	"github.com/saveenergy/netpulse/pkg/measure"
)

// OutputFormatter renders a run as it happens.
type OutputFormatter interface {
	FormatPhaseStart(phase errors.Phase)
	FormatProgress(phase errors.Phase, p measure.Progress)
	FormatPhaseEnd(phase errors.Phase, summary measure.PhaseSummary)
	FormatComplete(report *client.Report, resultID string)
	FormatError(err error)
}

type JSONFormatter struct {
	Writer io.Writer
}

// NDJSONFormatter emits one JSON event per line, using the same event schema
// as the server's run stream.
type NDJSONFormatter struct {
	Writer io.Writer
}

type PlainFormatter struct {
	writer  io.Writer
	errOut  io.Writer
	verbose bool
}

func NewPlainFormatter(w, errOut io.Writer, verbose bool) *PlainFormatter {
	return &PlainFormatter{writer: w, errOut: errOut, verbose: verbose}
}

type InteractiveFormatter struct {
	writer     io.Writer
	errOut     io.Writer
	verbose    bool
	noColor    bool
	noProgress bool
}

func NewInteractiveFormatter(w, errOut io.Writer, verbose, noColor, noProgress bool) *InteractiveFormatter {
	return &InteractiveFormatter{writer: w, errOut: errOut, verbose: verbose, noColor: noColor, noProgress: noProgress}
}

// Config is the merged client configuration: defaults, then config file,
// then NETPULSE_* environment, then flags.
type Config struct {
	ServerURL    string
	Server       string
	APIKey       string
	Timeout      int
	LatencyCount int
	Quick        bool
	Save         bool
	DataDir      string
	Language     string
	JSON         bool
	NDJSON       bool
	Plain        bool
	Verbose      bool
	Quiet        bool
	NoColor      bool
	NoProgress   bool
}
