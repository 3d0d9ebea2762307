package results

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/saveenergy/netpulse/internal/metrics"
)

// Export formats.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

type csvRow struct {
	ID             string  `csv:"id"`
	CreatedAt      string  `csv:"created_at"`
	PingMs         float64 `csv:"ping_ms"`
	JitterMs       float64 `csv:"jitter_ms"`
	DownloadMbps   float64 `csv:"download_mbps"`
	UploadMbps     float64 `csv:"upload_mbps"`
	ConnectionType string  `csv:"connection_type"`
	Grade          string  `csv:"grade"`
	ServerURL      string  `csv:"server_url"`
}

// ExportCSV writes records with a header row. Timestamps are RFC 3339 UTC.
func ExportCSV(w io.Writer, records []Record) error {
	rows := make([]*csvRow, 0, len(records))
	for _, r := range records {
		rows = append(rows, &csvRow{
			ID:             r.ID,
			CreatedAt:      r.CreatedAt.UTC().Format(time.RFC3339),
			PingMs:         r.PingMs,
			JitterMs:       r.JitterMs,
			DownloadMbps:   r.DownloadMbps,
			UploadMbps:     r.UploadMbps,
			ConnectionType: r.ConnectionType,
			Grade:          r.Grade,
			ServerURL:      r.ServerURL,
		})
	}
	if err := gocsv.Marshal(&rows, w); err != nil {
		return fmt.Errorf("encode csv: %w", err)
	}
	return nil
}

// ExportJSON writes records as an indented JSON array.
func ExportJSON(w io.Writer, records []Record) error {
	if records == nil {
		records = []Record{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

// Export dispatches on format.
func Export(w io.Writer, format string, records []Record) error {
	switch format {
	case FormatCSV:
		return ExportCSV(w, records)
	case FormatJSON, "":
		return ExportJSON(w, records)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}

// Summarize aggregates records with internal/metrics.
func Summarize(records []Record) metrics.Summary {
	samples := make([]metrics.Sample, 0, len(records))
	for _, r := range records {
		samples = append(samples, metrics.Sample{
			PingMs:       r.PingMs,
			DownloadMbps: r.DownloadMbps,
			UploadMbps:   r.UploadMbps,
			At:           r.CreatedAt,
		})
	}
	return metrics.Summarize(samples)
}
