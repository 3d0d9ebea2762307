package client

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/saveenergy/netpulse/internal/results"
	"github.com/saveenergy/netpulse/pkg/client"
	"github.com/saveenergy/netpulse/pkg/errors"
	"github.com/saveenergy/netpulse/pkg/measure"
)

func clientOptions(cfg *Config) []client.Option {
	opts := []client.Option{client.WithLatencyCount(cfg.LatencyCount)}
	if cfg.APIKey != "" {
		opts = append(opts, client.WithAPIKey(cfg.APIKey))
	}
	if cfg.Quick {
		opts = append(opts, client.WithQuick())
		if cfg.LatencyCount != defaultLatencyCount {
			opts = append(opts, client.WithLatencyCount(cfg.LatencyCount))
		}
	}
	return opts
}

func callbacks(f OutputFormatter) measure.Callbacks {
	return measure.Callbacks{
		OnPhaseStart: f.FormatPhaseStart,
		OnProgress:   f.FormatProgress,
		OnPhaseEnd:   f.FormatPhaseEnd,
	}
}

// runMeasurement executes one run and, when asked, stores it. Storage
// failures are reported but do not fail the run.
func runMeasurement(ctx context.Context, cfg *Config, f OutputFormatter, errOut io.Writer, opts ...client.Option) error {
	c := client.New(cfg.ServerURL, append(clientOptions(cfg), opts...)...)
	report, err := c.Run(ctx, callbacks(f))
	if err != nil {
		return err
	}

	var resultID string
	if cfg.Save {
		resultID, err = saveReport(cfg.DataDir, report)
		if err != nil {
			fmt.Fprintf(errOut, "netpulse client: warning: result not saved: %v\n", err)
		}
	}
	f.FormatComplete(report, resultID)
	return nil
}

func saveReport(dataDir string, report *client.Report) (string, error) {
	store, err := results.Open(filepath.Join(dataDir, "results.db"), results.Options{DisableCleanupLoop: true})
	if err != nil {
		return "", err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	saved, err := store.Save(ctx, results.NewRecord(report.Result, report.Interpretation, report.ServerURL))
	if err != nil {
		return "", err
	}
	return saved.ID, nil
}

// deadlineAsTimeout reports an abort caused by the --timeout deadline, rather
// than by a signal, as TIMEOUT.
func deadlineAsTimeout(ctx, sigCtx context.Context, err error) error {
	me, ok := errors.As(err)
	if !ok || me.Kind != errors.KindAborted || sigCtx.Err() != nil {
		return err
	}
	if !stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return err
	}
	return errors.New(errors.KindTimeout, me.Phase, err)
}

func exitCodeFor(err error, interrupted bool) int {
	if interrupted && errors.IsKind(err, errors.KindAborted) {
		return exitInterrupt
	}
	return exitFailure
}
