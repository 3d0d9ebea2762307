package results

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/saveenergy/netpulse/internal/logging"
)

var validID = regexp.MustCompile(`^[0-9a-zA-Z]{8}$`)

const (
	maxResultBodyBytes = 4096
	maxListLimit       = 1000
)

type Handler struct {
	store  *Store
	logger *logging.Logger
}

func NewHandler(store *Store) *Handler {
	return &Handler{store: store, logger: logging.NewLogger("results")}
}

type saveRequest struct {
	PingMs         float64   `json:"ping_ms"`
	JitterMs       float64   `json:"jitter_ms"`
	DownloadMbps   float64   `json:"download_mbps"`
	UploadMbps     float64   `json:"upload_mbps"`
	ConnectionType string    `json:"connection_type"`
	Grade          string    `json:"grade"`
	ServerURL      string    `json:"server_url"`
	CreatedAt      time.Time `json:"created_at"`
}

type saveResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func respondJSONError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		logging.Warn("results: marshal response failed", logging.Field{Key: "error", Value: err})
		code = http.StatusInternalServerError
		body = []byte(`{"error":"internal error"}` + "\n")
	}
	w.Header().Set("Content-Type", "application/json")
	if code == http.StatusOK {
		w.Header().Set("Cache-Control", "no-store")
	}
	w.WriteHeader(code)
	if _, err := w.Write(body); err != nil {
		logging.Warn("results: write response failed", logging.Field{Key: "error", Value: err})
	}
}

// RegisterRoutes mounts the results API on mux. wrap may decorate handlers
// that mutate state (auth, rate limiting); nil means no decoration.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, wrap func(http.HandlerFunc) http.HandlerFunc) {
	if wrap == nil {
		wrap = func(f http.HandlerFunc) http.HandlerFunc { return f }
	}
	mux.HandleFunc("POST /api/v1/results", wrap(h.Save))
	mux.HandleFunc("GET /api/v1/results", h.List)
	mux.HandleFunc("DELETE /api/v1/results", wrap(h.Clear))
	mux.HandleFunc("GET /api/v1/results/export", h.Export)
	mux.HandleFunc("GET /api/v1/results/summary", h.Summary)
	mux.HandleFunc("GET /api/v1/results/{id}", h.Get)
	mux.HandleFunc("DELETE /api/v1/results/{id}", wrap(h.Delete))
}

func (h *Handler) Save(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if ct != "" && !strings.HasPrefix(ct, "application/json") {
		drainRequestBody(r)
		respondJSONError(w, "Content-Type must be application/json", http.StatusUnsupportedMediaType)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxResultBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	var req saveRequest
	if err := decoder.Decode(&req); err != nil {
		_, _ = io.Copy(io.Discard, r.Body)
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			respondJSONError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		respondJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		_, _ = io.Copy(io.Discard, r.Body)
		respondJSONError(w, "request body must contain a single JSON object", http.StatusBadRequest)
		return
	}

	if msg := validateSave(req); msg != "" {
		respondJSONError(w, msg, http.StatusBadRequest)
		return
	}

	saved, err := h.store.Save(r.Context(), Record{
		PingMs:         req.PingMs,
		JitterMs:       req.JitterMs,
		DownloadMbps:   req.DownloadMbps,
		UploadMbps:     req.UploadMbps,
		ConnectionType: req.ConnectionType,
		Grade:          req.Grade,
		ServerURL:      req.ServerURL,
		CreatedAt:      req.CreatedAt,
	})
	if err != nil {
		h.logger.Warn("save failed", logging.Field{Key: "error", Value: err})
		msg, code := mapStoreError(err, "failed to save result")
		respondJSONError(w, msg, code)
		return
	}

	writeJSON(w, http.StatusCreated, saveResponse{
		ID:  saved.ID,
		URL: "/api/v1/results/" + saved.ID,
	})
}

func validateSave(req saveRequest) string {
	if req.DownloadMbps < 0 || req.UploadMbps < 0 || req.PingMs < 0 || req.JitterMs < 0 {
		return "numeric fields must be >= 0"
	}
	if hasNonFinite(req.DownloadMbps, req.UploadMbps, req.PingMs, req.JitterMs) {
		return "numeric fields must be finite"
	}
	if req.DownloadMbps > 100000 || req.UploadMbps > 100000 || req.PingMs > 60000 || req.JitterMs > 60000 {
		return "values out of reasonable range"
	}
	if len(req.ServerURL) > 200 || len(req.ConnectionType) > 20 || len(req.Grade) > 2 {
		return "field too long"
	}
	if !req.CreatedAt.IsZero() && req.CreatedAt.After(time.Now().Add(time.Minute)) {
		return "created_at is in the future"
	}
	return ""
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !validID.MatchString(id) {
		respondJSONError(w, "invalid result ID", http.StatusBadRequest)
		return
	}

	result, err := h.store.Get(r.Context(), id)
	if err != nil {
		msg, code := mapStoreError(err, "internal error")
		respondJSONError(w, msg, code)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !validID.MatchString(id) {
		respondJSONError(w, "invalid result ID", http.StatusBadRequest)
		return
	}
	if err := h.store.Delete(r.Context(), id); err != nil {
		msg, code := mapStoreError(err, "failed to delete result")
		respondJSONError(w, msg, code)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Clear(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.Clear(r.Context())
	if err != nil {
		msg, code := mapStoreError(err, "failed to clear results")
		respondJSONError(w, msg, code)
		return
	}
	h.logger.Info("history cleared", logging.Field{Key: "removed", Value: n})
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	records, ok := h.query(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": records,
		"count":   len(records),
	})
}

func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	records, ok := h.query(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, Summarize(records))
}

func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = FormatJSON
	}
	var contentType string
	switch format {
	case FormatCSV:
		contentType = "text/csv; charset=utf-8"
	case FormatJSON:
		contentType = "application/json"
	default:
		respondJSONError(w, "format must be csv or json", http.StatusBadRequest)
		return
	}

	records, ok := h.query(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := Export(&buf, format, records); err != nil {
		h.logger.Warn("export failed", logging.Field{Key: "error", Value: err})
		respondJSONError(w, "export failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="netpulse-results.`+format+`"`)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		h.logger.Warn("write export failed", logging.Field{Key: "error", Value: err})
	}
}

// query parses the shared filter parameters and runs List. It writes the
// error response itself and reports ok=false on failure.
func (h *Handler) query(w http.ResponseWriter, r *http.Request) ([]Record, bool) {
	f, err := ParseFilter(r.URL.Query().Get("since"), r.URL.Query().Get("until"),
		r.URL.Query().Get("connection_type"), r.URL.Query().Get("limit"))
	if err != nil {
		respondJSONError(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	records, err := h.store.List(r.Context(), f)
	if err != nil {
		h.logger.Warn("list failed", logging.Field{Key: "error", Value: err})
		msg, code := mapStoreError(err, "internal error")
		respondJSONError(w, msg, code)
		return nil, false
	}
	return records, true
}

// ParseFilter builds a Filter from textual parameters. Times accept RFC 3339
// or a bare date (2006-01-02); limit must be 1-1000.
func ParseFilter(since, until, connectionType, limit string) (Filter, error) {
	var f Filter
	var err error
	if since != "" {
		if f.Since, err = parseTime(since); err != nil {
			return Filter{}, errors.New("since must be RFC 3339 or YYYY-MM-DD")
		}
	}
	if until != "" {
		if f.Until, err = parseTime(until); err != nil {
			return Filter{}, errors.New("until must be RFC 3339 or YYYY-MM-DD")
		}
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return Filter{}, errors.New("until must not be before since")
	}
	f.ConnectionType = connectionType
	if limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 || n > maxListLimit {
			return Filter{}, errors.New("limit must be 1-" + strconv.Itoa(maxListLimit))
		}
		f.Limit = n
	}
	return f, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

func mapStoreError(err error, fallback string) (string, int) {
	switch {
	case errors.Is(err, ErrNotFound):
		return "result not found", http.StatusNotFound
	case errors.Is(err, ErrStoreRetryable):
		return "store temporarily unavailable", http.StatusServiceUnavailable
	default:
		return fallback, http.StatusInternalServerError
	}
}

func hasNonFinite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

func drainRequestBody(r *http.Request) {
	if r == nil || r.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, r.Body)
	_ = r.Body.Close()
}
