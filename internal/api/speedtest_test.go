package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDownloadExactBytes(t *testing.T) {
	h := NewSpeedTestHandler(4, 10<<20, 10<<20)

	tests := []struct {
		query string
		want  int
	}{
		{"bytes=1", 1},
		{"bytes=300000", 300000},
		{"bytes=5242880", 5242880},
		{"", defaultDownloadBytes},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.Download(rec, httptest.NewRequest(http.MethodGet, "/api/v1/download?"+tt.query, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", tt.query, rec.Code)
		}
		if rec.Body.Len() != tt.want {
			t.Fatalf("%s: body = %d bytes want %d", tt.query, rec.Body.Len(), tt.want)
		}
		if rec.Header().Get("Cache-Control") != "no-store" {
			t.Fatalf("%s: missing no-store", tt.query)
		}
	}
}

func TestDownloadRejectsBadSize(t *testing.T) {
	h := NewSpeedTestHandler(4, 1024, 1024)
	for _, q := range []string{"bytes=0", "bytes=-5", "bytes=abc", "bytes=1025"} {
		rec := httptest.NewRecorder()
		h.Download(rec, httptest.NewRequest(http.MethodGet, "/api/v1/download?"+q, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", q, rec.Code)
		}
	}
}

func TestDownloadConcurrencyLimit(t *testing.T) {
	h := NewSpeedTestHandler(1, 1024, 1024)
	h.activeDownloads = 1

	rec := httptest.NewRecorder()
	h.Download(rec, httptest.NewRequest(http.MethodGet, "/api/v1/download?bytes=10", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	if h.activeDownloads != 1 {
		t.Fatalf("counter leaked: %d", h.activeDownloads)
	}
}

func TestUploadCountsBytes(t *testing.T) {
	h := NewSpeedTestHandler(4, 1024, 1<<20)

	rec := httptest.NewRecorder()
	body := strings.NewReader(strings.Repeat("x", 300000))
	h.Upload(rec, httptest.NewRequest(http.MethodPost, "/api/v1/upload", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp uploadResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Bytes != 300000 {
		t.Fatalf("bytes = %d", resp.Bytes)
	}
}

func TestUploadTooLarge(t *testing.T) {
	h := NewSpeedTestHandler(4, 1024, 1000)
	rec := httptest.NewRecorder()
	h.Upload(rec, httptest.NewRequest(http.MethodPost, "/api/v1/upload", strings.NewReader(strings.Repeat("x", 1001))))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestPing(t *testing.T) {
	h := NewSpeedTestHandler(4, 1024, 1024)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/ping?t=abc", nil)
	req.RemoteAddr = "[2001:db8::5]:5555"
	rec := httptest.NewRecorder()
	h.Ping(rec, req)

	var resp struct {
		Pong     bool   `json:"pong"`
		ClientIP string `json:"client_ip"`
		IPv6     bool   `json:"ipv6"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Pong || resp.ClientIP != "2001:db8::5" || !resp.IPv6 {
		t.Fatalf("unexpected ping %+v", resp)
	}
}

type shortWriter struct{ n int }

func (w *shortWriter) Write(p []byte) (int, error) {
	w.n += len(p)
	return len(p), nil
}

func TestWriteChunkFromSourceWraps(t *testing.T) {
	src := []byte("abcdef")
	w := &shortWriter{}
	offset := 4
	if err := writeChunkFromSource(w, src, 10, &offset); err != nil {
		t.Fatalf("write: %v", err)
	}
	if w.n != 10 || offset != 2 {
		t.Fatalf("wrote %d, offset %d", w.n, offset)
	}
	if err := writeChunkFromSource(io.Discard, nil, 1, &offset); err == nil {
		t.Fatal("expected error for empty source")
	}
}
