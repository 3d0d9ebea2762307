package api

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/saveenergy/netpulse/internal/logging"
)

// SpeedTestHandler serves the endpoints the samplers measure against.
type SpeedTestHandler struct {
	activeDownloads  int64
	activeUploads    int64
	maxConcurrent    int64
	maxDownloadBytes int64
	maxUploadBytes   int64
	clientIPResolver *ClientIPResolver
	randomData       []byte
}

const (
	speedtestRandomSize  = 4 * 1024 * 1024
	defaultDownloadBytes = 1024 * 1024
	downloadChunkSize    = 256 * 1024
)

func NewSpeedTestHandler(maxConcurrent int, maxDownloadBytes, maxUploadBytes int64) *SpeedTestHandler {
	handler := &SpeedTestHandler{
		maxConcurrent:    int64(maxConcurrent),
		maxDownloadBytes: maxDownloadBytes,
		maxUploadBytes:   maxUploadBytes,
		randomData:       make([]byte, speedtestRandomSize),
	}
	if _, err := rand.Read(handler.randomData); err != nil {
		logging.Warn("speedtest: random data init failed, using per-request random",
			logging.Field{Key: "error", Value: err})
		handler.randomData = nil
	}
	return handler
}

func (h *SpeedTestHandler) SetClientIPResolver(resolver *ClientIPResolver) {
	h.clientIPResolver = resolver
}

func respondSpeedtestError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg}); err != nil {
		logging.Warn("speedtest: encode error response", logging.Field{Key: "error", Value: err})
	}
}

// Download streams exactly ?bytes=N random bytes.
func (h *SpeedTestHandler) Download(w http.ResponseWriter, r *http.Request) {
	if v := atomic.AddInt64(&h.activeDownloads, 1); v > h.maxConcurrent {
		atomic.AddInt64(&h.activeDownloads, -1)
		drainRequestBody(r)
		respondSpeedtestError(w, "too many concurrent downloads", http.StatusServiceUnavailable)
		return
	}
	defer atomic.AddInt64(&h.activeDownloads, -1)

	size := int64(defaultDownloadBytes)
	if raw := r.URL.Query().Get("bytes"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 1 || n > h.maxDownloadBytes {
			drainRequestBody(r)
			respondSpeedtestError(w, "bytes must be 1-"+strconv.FormatInt(h.maxDownloadBytes, 10), http.StatusBadRequest)
			return
		}
		size = n
	}

	randomSource := h.randomData
	if len(randomSource) == 0 {
		randomSource = make([]byte, 64*1024)
		if _, err := rand.Read(randomSource); err != nil {
			drainRequestBody(r)
			respondSpeedtestError(w, "failed to generate random data", http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Cache-Control", "no-store")

	flusher, canFlush := w.(http.Flusher)
	offset := 0
	writeCount := 0
	for remaining := size; remaining > 0; {
		if r.Context().Err() != nil {
			return
		}
		chunk := int64(downloadChunkSize)
		if chunk > remaining {
			chunk = remaining
		}
		if err := writeChunkFromSource(w, randomSource, int(chunk), &offset); err != nil {
			return
		}
		remaining -= chunk
		writeCount++
		if canFlush && writeCount%8 == 0 {
			flusher.Flush()
		}
	}
	if canFlush {
		flusher.Flush()
	}
}

type uploadResponse struct {
	Bytes      int64 `json:"bytes"`
	DurationMs int64 `json:"duration_ms"`
}

// Upload drains the request body and reports how much arrived.
func (h *SpeedTestHandler) Upload(w http.ResponseWriter, r *http.Request) {
	defer drainRequestBody(r)

	if v := atomic.AddInt64(&h.activeUploads, 1); v > h.maxConcurrent {
		atomic.AddInt64(&h.activeUploads, -1)
		respondSpeedtestError(w, "too many concurrent uploads", http.StatusServiceUnavailable)
		return
	}
	defer atomic.AddInt64(&h.activeUploads, -1)

	startTime := time.Now()
	body := http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	buf := make([]byte, 256*1024)
	total, err := io.CopyBuffer(io.Discard, body, buf)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			respondSpeedtestError(w, "upload exceeds "+strconv.FormatInt(h.maxUploadBytes, 10)+" bytes", http.StatusRequestEntityTooLarge)
			return
		}
		if r.Context().Err() != nil {
			return
		}
		respondSpeedtestError(w, "upload failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(uploadResponse{
		Bytes:      total,
		DurationMs: time.Since(startTime).Milliseconds(),
	}); err != nil {
		logging.Warn("speedtest: encode upload response", logging.Field{Key: "error", Value: err})
	}
}

// Ping answers latency probes with a tiny JSON body.
func (h *SpeedTestHandler) Ping(w http.ResponseWriter, r *http.Request) {
	drainRequestBody(r)
	clientIP := h.resolveClientIP(r)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"pong":      true,
		"timestamp": time.Now().UnixMilli(),
		"client_ip": clientIP,
		"ipv6":      strings.Contains(clientIP, ":"),
	}); err != nil {
		logging.Warn("speedtest: encode ping response", logging.Field{Key: "error", Value: err})
	}
}

func (h *SpeedTestHandler) resolveClientIP(r *http.Request) string {
	if h.clientIPResolver == nil {
		return ipString(parseRemoteIP(r.RemoteAddr))
	}
	return h.clientIPResolver.FromRequest(r)
}

// writeChunkFromSource writes chunkSize bytes cycling through source from
// *offset, advancing it.
func writeChunkFromSource(w io.Writer, source []byte, chunkSize int, offset *int) error {
	if len(source) == 0 || chunkSize <= 0 || offset == nil {
		return errors.New("invalid chunk source")
	}

	remaining := chunkSize
	for remaining > 0 {
		start := *offset
		if start >= len(source) {
			start = 0
		}
		toWrite := len(source) - start
		if toWrite > remaining {
			toWrite = remaining
		}
		if _, err := w.Write(source[start : start+toWrite]); err != nil {
			return err
		}
		remaining -= toWrite
		*offset = start + toWrite
		if *offset >= len(source) {
			*offset = 0
		}
	}
	return nil
}

func drainRequestBody(r *http.Request) {
	if r == nil || r.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, 1<<20))
	_ = r.Body.Close()
}
