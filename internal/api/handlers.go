package api

import (
	"encoding/json"
	"net/http"

	"github.com/saveenergy/netpulse/internal/config"
	"github.com/saveenergy/netpulse/internal/logging"
)

// Handler serves server metadata.
type Handler struct {
	config  *config.Config
	version string
}

func NewHandler(cfg *config.Config) *Handler {
	return &Handler{config: cfg, version: "dev"}
}

func (h *Handler) SetVersion(version string) {
	if version == "" {
		version = "dev"
	}
	h.version = version
}

type VersionResponse struct {
	Version string `json:"version"`
}

// InfoResponse tells clients what the server accepts before they plan a run.
type InfoResponse struct {
	Name             string `json:"name"`
	Version          string `json:"version"`
	MaxDownloadBytes int64  `json:"max_download_bytes"`
	MaxUploadBytes   int64  `json:"max_upload_bytes"`
	AuthRequired     bool   `json:"auth_required"`
}

func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, VersionResponse{Version: h.version}, http.StatusOK)
}

func (h *Handler) GetInfo(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, InfoResponse{
		Name:             h.config.ServerName,
		Version:          h.version,
		MaxDownloadBytes: h.config.MaxDownloadBytes,
		MaxUploadBytes:   h.config.MaxUploadBytes,
		AuthRequired:     h.config.APIKey != "",
	}, http.StatusOK)
}

func respondJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Warn("JSON response encode failed",
			logging.Field{Key: "error", Value: err})
	}
}
