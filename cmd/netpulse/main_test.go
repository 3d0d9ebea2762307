package main

import "testing"

func TestRunDispatch(t *testing.T) {
	oldServer, oldClient, oldCheck, oldHistory, oldMCP := runServer, runClient, runCheck, runHistory, runMCP
	t.Cleanup(func() {
		runServer, runClient, runCheck, runHistory, runMCP = oldServer, oldClient, oldCheck, oldHistory, oldMCP
	})

	var got struct {
		target string
		args   []string
	}
	stub := func(target string, code int) func([]string, string) int {
		return func(args []string, _ string) int {
			got.target = target
			got.args = append([]string(nil), args...)
			return code
		}
	}
	runServer = stub("server", 11)
	runClient = stub("client", 12)
	runCheck = stub("check", 13)
	runHistory = stub("history", 15)
	runMCP = func(_ string) int {
		got.target = "mcp"
		got.args = nil
		return 14
	}

	tests := []struct {
		name       string
		args       []string
		wantTarget string
		wantArgs   int
		wantExit   int
	}{
		{name: "default server", args: nil, wantTarget: "server", wantExit: 11},
		{name: "serve subcommand", args: []string{"serve", "--port", "9"}, wantTarget: "server", wantArgs: 2, wantExit: 11},
		{name: "server alias", args: []string{"server"}, wantTarget: "server", wantExit: 11},
		{name: "bare server flag", args: []string{"--port=9090"}, wantTarget: "server", wantArgs: 1, wantExit: 11},
		{name: "client subcommand", args: []string{"client", "--json"}, wantTarget: "client", wantArgs: 1, wantExit: 12},
		{name: "run alias", args: []string{"run"}, wantTarget: "client", wantExit: 12},
		{name: "check subcommand", args: []string{"check", "--json"}, wantTarget: "check", wantArgs: 1, wantExit: 13},
		{name: "history subcommand", args: []string{"history", "list"}, wantTarget: "history", wantArgs: 1, wantExit: 15},
		{name: "mcp subcommand", args: []string{"mcp"}, wantTarget: "mcp", wantExit: 14},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got.target = ""
			got.args = nil
			code := run(tc.args, "test")
			if code != tc.wantExit {
				t.Fatalf("exit code = %d, want %d", code, tc.wantExit)
			}
			if got.target != tc.wantTarget {
				t.Fatalf("target = %q, want %q", got.target, tc.wantTarget)
			}
			if len(got.args) != tc.wantArgs {
				t.Fatalf("args = %v, want %d entries", got.args, tc.wantArgs)
			}
		})
	}
}

func TestRunHelpVersionAndUnknown(t *testing.T) {
	if code := run([]string{"help"}, "test"); code != 0 {
		t.Fatalf("help exit code = %d, want 0", code)
	}
	if code := run([]string{"version"}, "test"); code != 0 {
		t.Fatalf("version exit code = %d, want 0", code)
	}
	if code := run([]string{"unknown-cmd"}, "test"); code != 2 {
		t.Fatalf("unknown exit code = %d, want 2", code)
	}
	if code := run([]string{"--unknown-flag"}, "test"); code != 2 {
		t.Fatalf("unknown top-level flag exit code = %d, want 2", code)
	}
}
