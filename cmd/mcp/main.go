// Package mcp implements the "netpulse mcp" subcommand, an MCP (Model Context
// Protocol) server over stdio. Agents spawn this process and call the
// measurement tools directly.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/saveenergy/netpulse/internal/config"
	"github.com/saveenergy/netpulse/internal/metrics"
	"github.com/saveenergy/netpulse/internal/results"
	"github.com/saveenergy/netpulse/pkg/client"
	"github.com/saveenergy/netpulse/pkg/errors"
	"github.com/saveenergy/netpulse/pkg/measure"
)

const defaultServerURL = "http://localhost:8080"

// Run starts the MCP stdio server. Blocks until stdin closes.
func Run(version string) int {
	s := server.NewMCPServer(
		"netpulse",
		version,
		server.WithToolCapabilities(true),
	)
	t := &toolset{dataDir: config.UserDataDir()}
	for _, tool := range ToolDefinitions() {
		s.AddTool(tool, t.handler(tool.Name))
	}

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "netpulse mcp: error: %v\n", err)
		return 1
	}
	return 0
}

// ToolDefinitions lists the tools the server exposes.
func ToolDefinitions() []mcp.Tool {
	serverArg := mcp.WithString("server_url",
		mcp.Description("netpulse server URL (default: http://localhost:8080)"),
	)
	apiKeyArg := mcp.WithString("api_key",
		mcp.Description("Optional API key sent as a bearer token"),
	)
	return []mcp.Tool{
		mcp.NewTool("connectivity_check",
			mcp.WithDescription("Quick check (a few seconds): 5 latency probes, 1 MiB download, 512 KiB upload. Returns latency, rough speeds, grade (A-F) and interpretation. Use for fast 'is the network OK?' questions."),
			serverArg, apiKeyArg,
		),
		mcp.NewTool("measure_connection",
			mcp.WithDescription("Full measurement: latency, download and upload with staged transfers. Returns the result with per-stage detail, grade, suitability and concerns. Takes 10-30 seconds."),
			serverArg, apiKeyArg,
			mcp.WithBoolean("save", mcp.Description("Store the result in the local history (default: false)")),
		),
		mcp.NewTool("measure_latency",
			mcp.WithDescription("Latency only: average, min, max and jitter over a number of probes."),
			serverArg, apiKeyArg,
			mcp.WithNumber("count", mcp.Description("Number of probes, 1-50 (default: 10)")),
		),
		mcp.NewTool("connection_history",
			mcp.WithDescription("Results stored locally by earlier saved runs, newest first, with an aggregate summary."),
			mcp.WithNumber("limit", mcp.Description("Maximum results, 1-100 (default: 10)")),
			mcp.WithString("connection_type", mcp.Description("Only results with this connection type")),
		),
	}
}

type toolset struct {
	dataDir string
	opts    []client.Option
}

func (t *toolset) handler(name string) server.ToolHandlerFunc {
	switch name {
	case "connectivity_check":
		return t.handleConnectivityCheck
	case "measure_connection":
		return t.handleMeasureConnection
	case "measure_latency":
		return t.handleMeasureLatency
	default:
		return t.handleHistory
	}
}

func (t *toolset) clientFromRequest(req mcp.CallToolRequest, extra ...client.Option) *client.Client {
	serverURL := strings.TrimSpace(req.GetString("server_url", defaultServerURL))
	if serverURL == "" {
		serverURL = defaultServerURL
	}
	opts := append([]client.Option(nil), extra...)
	if key := strings.TrimSpace(req.GetString("api_key", "")); key != "" {
		opts = append(opts, client.WithAPIKey(key))
	}
	return client.New(serverURL, append(opts, t.opts...)...)
}

func toolError(what string, err error) *mcp.CallToolResult {
	if me, ok := errors.As(err); ok {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed (%s): %s", what, me.Kind, me.Message))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", what, err))
}

func jsonResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("JSON encoding failed: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}

func (t *toolset) handleConnectivityCheck(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	checkCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	report, err := t.clientFromRequest(req, client.WithQuick()).Run(checkCtx, measure.Callbacks{})
	if err != nil {
		return toolError("Connectivity check", err), nil
	}
	return jsonResult(report), nil
}

type measureResponse struct {
	*client.Report
	ResultID string `json:"result_id,omitempty"`
}

func (t *toolset) handleMeasureConnection(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	report, err := t.clientFromRequest(req).Run(runCtx, measure.Callbacks{})
	if err != nil {
		return toolError("Measurement", err), nil
	}
	resp := measureResponse{Report: report}
	if req.GetBool("save", false) {
		id, err := t.save(ctx, report)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Measurement succeeded but saving failed: %v", err)), nil
		}
		resp.ResultID = id
	}
	return jsonResult(resp), nil
}

func (t *toolset) handleMeasureLatency(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	count := req.GetInt("count", measure.DefaultLatencyCount)
	if count < 1 {
		count = 1
	}
	if count > 50 {
		count = 50
	}
	latCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	stats, err := t.clientFromRequest(req, client.WithLatencyCount(count)).MeasureLatency(latCtx)
	if err != nil {
		return toolError("Latency measurement", err), nil
	}
	return jsonResult(stats), nil
}

type historyResponse struct {
	Results []results.Record `json:"results"`
	Summary metrics.Summary  `json:"summary"`
}

func (t *toolset) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 10)
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}
	store, err := t.openStore()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Opening history failed: %v", err)), nil
	}
	defer store.Close()

	records, err := store.List(ctx, results.Filter{
		Limit:          limit,
		ConnectionType: strings.TrimSpace(req.GetString("connection_type", "")),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Reading history failed: %v", err)), nil
	}
	return jsonResult(historyResponse{Results: records, Summary: results.Summarize(records)}), nil
}

func (t *toolset) openStore() (*results.Store, error) {
	return results.Open(filepath.Join(t.dataDir, "results.db"), results.Options{DisableCleanupLoop: true})
}

func (t *toolset) save(ctx context.Context, report *client.Report) (string, error) {
	store, err := t.openStore()
	if err != nil {
		return "", err
	}
	defer store.Close()
	saved, err := store.Save(ctx, results.NewRecord(report.Result, report.Interpretation, report.ServerURL))
	if err != nil {
		return "", err
	}
	return saved.ID, nil
}
