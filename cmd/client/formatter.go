package client

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/saveenergy/netpulse/internal/websocket"
	"github.com/saveenergy/netpulse/pkg/client"
	"github.com/saveenergy/netpulse/pkg/errors"
	"github.com/saveenergy/netpulse/pkg/measure"
)

type jsonReport struct {
	*client.Report
	ResultID string `json:"result_id,omitempty"`
}

type jsonError struct {
	Error *websocket.ErrorPayload `json:"error"`
}

func errorPayload(err error) *websocket.ErrorPayload {
	me, ok := errors.As(err)
	if !ok {
		me = errors.Classify(err, errors.PhaseNone)
	}
	return websocket.ErrorEvent(me).Error
}

func (f *JSONFormatter) FormatPhaseStart(errors.Phase) {}

func (f *JSONFormatter) FormatProgress(errors.Phase, measure.Progress) {}

func (f *JSONFormatter) FormatPhaseEnd(errors.Phase, measure.PhaseSummary) {}

func (f *JSONFormatter) FormatComplete(report *client.Report, resultID string) {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	enc.Encode(jsonReport{Report: report, ResultID: resultID})
}

func (f *JSONFormatter) FormatError(err error) {
	json.NewEncoder(f.Writer).Encode(jsonError{Error: errorPayload(err)})
}

func (f *NDJSONFormatter) emit(ev websocket.Event) {
	if ev.Time == 0 {
		ev.Time = time.Now().Unix()
	}
	json.NewEncoder(f.Writer).Encode(ev)
}

func (f *NDJSONFormatter) FormatPhaseStart(phase errors.Phase) {
	f.emit(websocket.Event{Type: websocket.EventPhaseStart, Phase: phase})
}

func (f *NDJSONFormatter) FormatProgress(phase errors.Phase, p measure.Progress) {
	f.emit(websocket.Event{Type: websocket.EventProgress, Phase: phase, Progress: &p})
}

func (f *NDJSONFormatter) FormatPhaseEnd(phase errors.Phase, summary measure.PhaseSummary) {
	f.emit(websocket.Event{Type: websocket.EventPhaseEnd, Phase: phase, Summary: &summary})
}

func (f *NDJSONFormatter) FormatComplete(report *client.Report, resultID string) {
	f.emit(websocket.Event{Type: websocket.EventComplete, Result: report.Result, ResultID: resultID})
}

func (f *NDJSONFormatter) FormatError(err error) {
	payload := errorPayload(err)
	f.emit(websocket.Event{Type: websocket.EventError, Phase: payload.Phase, Error: payload})
}

func (f *PlainFormatter) FormatPhaseStart(errors.Phase) {}

func (f *PlainFormatter) FormatProgress(phase errors.Phase, p measure.Progress) {
	if !f.verbose {
		return
	}
	if phase == errors.PhasePing {
		fmt.Fprintf(f.errOut, "%s %d/%d rtt_ms=%.2f\n", phase, p.Index, p.Total, p.Value)
		return
	}
	fmt.Fprintf(f.errOut, "%s %d/%d bytes=%d mbps=%.2f\n", phase, p.Index, p.Total, p.Bytes, p.Value)
}

func (f *PlainFormatter) FormatPhaseEnd(errors.Phase, measure.PhaseSummary) {}

func (f *PlainFormatter) FormatComplete(report *client.Report, resultID string) {
	r := report.Result
	fmt.Fprintf(f.writer, "server_url=%s\n", report.ServerURL)
	fmt.Fprintf(f.writer, "ping_ms=%.2f\n", r.PingMs)
	fmt.Fprintf(f.writer, "ping_min_ms=%.2f\n", r.PingMinMs)
	fmt.Fprintf(f.writer, "ping_max_ms=%.2f\n", r.PingMaxMs)
	fmt.Fprintf(f.writer, "jitter_ms=%.2f\n", r.JitterMs)
	fmt.Fprintf(f.writer, "download_mbps=%.2f\n", r.DownloadMbps)
	fmt.Fprintf(f.writer, "upload_mbps=%.2f\n", r.UploadMbps)
	if in := report.Interpretation; in != nil {
		fmt.Fprintf(f.writer, "grade=%s\n", in.Grade)
		fmt.Fprintf(f.writer, "connection_type=%s\n", in.ConnectionType)
	}
	fmt.Fprintf(f.writer, "network=%s\n", report.Network.Kind)
	fmt.Fprintf(f.writer, "duration_ms=%d\n", report.DurationMs)
	if resultID != "" {
		fmt.Fprintf(f.writer, "result_id=%s\n", resultID)
	}
}

func (f *PlainFormatter) FormatError(err error) {
	fmt.Fprintf(f.errOut, "netpulse client: error: %v\n", err)
}

var phaseTitles = map[errors.Phase]string{
	errors.PhasePing:     "Ping",
	errors.PhaseDownload: "Download",
	errors.PhaseUpload:   "Upload",
}

func (f *InteractiveFormatter) color(code, s string) string {
	if f.noColor {
		return s
	}
	return "\033[" + code + "m" + s + "\033[0m"
}

func (f *InteractiveFormatter) FormatPhaseStart(phase errors.Phase) {
	if f.noProgress {
		return
	}
	fmt.Fprintf(f.writer, "%-9s ...", phaseTitles[phase])
}

func (f *InteractiveFormatter) FormatProgress(phase errors.Phase, p measure.Progress) {
	if f.noProgress || p.Total == 0 {
		return
	}
	barWidth := 20
	filled := p.Index * barWidth / p.Total
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
	unit := "Mbps"
	if phase == errors.PhasePing {
		unit = "ms"
	}
	fmt.Fprintf(f.writer, "\r%-9s [%s] %d/%d  %.1f %s   ", phaseTitles[phase], f.color("36", bar), p.Index, p.Total, p.Value, unit)
}

func (f *InteractiveFormatter) FormatPhaseEnd(phase errors.Phase, summary measure.PhaseSummary) {
	if f.noProgress {
		return
	}
	fmt.Fprint(f.writer, "\r\033[K")
	switch {
	case summary.Latency != nil:
		fmt.Fprintf(f.writer, "%-9s %s\n", phaseTitles[phase], f.color("33", fmt.Sprintf("%.1f ms", summary.Latency.AvgMs)))
	case summary.Throughput != nil:
		fmt.Fprintf(f.writer, "%-9s %s\n", phaseTitles[phase], f.color("32", fmt.Sprintf("%.1f Mbps", summary.Throughput.Mbps)))
		if f.verbose {
			for i, st := range summary.Throughput.Stages {
				fmt.Fprintf(f.writer, "  stage %d: %s in %.0f ms (%.1f Mbps)\n", i+1, formatBytes(st.Bytes), st.DurationMs, st.Mbps)
			}
		}
	}
}

func (f *InteractiveFormatter) FormatComplete(report *client.Report, resultID string) {
	r := report.Result
	fmt.Fprintln(f.writer, "\nResults:")
	fmt.Fprintf(f.writer, " %s %.1f ms (min %.1f, max %.1f)\n", f.color("33", "Ping:"), r.PingMs, r.PingMinMs, r.PingMaxMs)
	fmt.Fprintf(f.writer, " %s %.1f ms\n", f.color("35", "Jitter:"), r.JitterMs)
	fmt.Fprintf(f.writer, " %s %.1f Mbps\n", f.color("36", "Download:"), r.DownloadMbps)
	fmt.Fprintf(f.writer, " %s %.1f Mbps\n", f.color("36", "Upload:"), r.UploadMbps)
	if in := report.Interpretation; in != nil {
		fmt.Fprintf(f.writer, " %s %s (%s)\n", f.color("32", "Grade:"), in.Grade, in.Summary)
		if f.verbose {
			fmt.Fprintf(f.writer, "  connection: %s\n", in.ConnectionType)
			if len(in.SuitableFor) > 0 {
				fmt.Fprintf(f.writer, "  suitable for: %s\n", strings.Join(in.SuitableFor, ", "))
			}
			for _, c := range in.Concerns {
				fmt.Fprintf(f.writer, "  %s %s\n", f.color("31", "!"), c)
			}
		}
	}
	if resultID != "" {
		fmt.Fprintf(f.writer, " Saved as %s\n", resultID)
	}
}

func (f *InteractiveFormatter) FormatError(err error) {
	if !f.noProgress {
		fmt.Fprint(f.writer, "\r\033[K")
	}
	msg := err.Error()
	if me, ok := errors.As(err); ok {
		msg = me.Message
		if me.Phase != errors.PhaseNone {
			msg = fmt.Sprintf("%s (%s phase)", msg, me.Phase)
		}
	}
	fmt.Fprintf(f.errOut, "netpulse client: %s %s\n", f.color("31", "error:"), msg)
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
