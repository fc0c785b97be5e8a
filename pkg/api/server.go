package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/video-system/go-depth-capture/pkg/capture"
	"github.com/video-system/go-depth-capture/pkg/output"
)

// SessionManager is the capture side of the API
type SessionManager interface {
	SessionID() string
	GetAllStatuses() map[string]capture.SessionStatus
	Devices() ([]capture.DeviceInfo, error)
	Preview(id string) (*image.NRGBA, time.Time, error)
	Captures(id string) ([]output.Record, error)
	UpdateTunables(filter *bool, threshold *float32)
}

// ServerConfig holds API server configuration
type ServerConfig struct {
	Host    string
	Port    int
	Manager SessionManager
}

// Server is the HTTP API server
type Server struct {
	cfg    ServerConfig
	server *http.Server
}

// NewServer creates a new API server
func NewServer(cfg ServerConfig) *Server {
	s := &Server{cfg: cfg}

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: s.Handler(),
	}

	return s
}

// Handler returns the API routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/devices", s.handleDevices)
	mux.HandleFunc("/api/v1/tunables", s.handleTunables)
	mux.HandleFunc("/api/v1/sessions/", s.handleSession)
	return mux
}

// Start starts the API server
func (s *Server) Start() error {
	slog.Info("api: server starting", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Stop stops the API server
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "go-depth-capture",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"session_id": s.cfg.Manager.SessionID(),
		"sessions":   s.cfg.Manager.GetAllStatuses(),
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	devices, err := s.cfg.Manager.Devices()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(devices)
}

func (s *Server) handleTunables(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		RegistrationFilter *bool    `json:"registration_filter"`
		DepthThreshold     *float32 `json:"depth_threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.DepthThreshold != nil && *req.DepthThreshold <= 0 {
		http.Error(w, "depth_threshold must be positive", http.StatusBadRequest)
		return
	}

	s.cfg.Manager.UpdateTunables(req.RegistrationFilter, req.DepthThreshold)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleSession serves /api/v1/sessions/{id}/preview.jpg and
// /api/v1/sessions/{id}/captures.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]

	switch parts[1] {
	case "preview.jpg":
		s.handlePreview(w, r, id)
	case "captures":
		records, err := s.cfg.Manager.Captures(id)
		if err != nil {
			writeError(w, err)
			return
		}
		json.NewEncoder(w).Encode(records)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request, id string) {
	img, taken, err := s.cfg.Manager.Preview(id)
	if err != nil {
		writeError(w, err)
		return
	}

	var out image.Image = img
	if v := r.URL.Query().Get("width"); v != "" {
		width, err := strconv.Atoi(v)
		if err != nil || width <= 0 {
			http.Error(w, "invalid width", http.StatusBadRequest)
			return
		}
		// Only downscale; wider requests get the source image.
		if width < img.Bounds().Dx() {
			out = imaging.Resize(img, width, 0, imaging.Linear)
		}
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Last-Modified", taken.UTC().Format(http.TimeFormat))
	if err := imaging.Encode(w, out, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		slog.Warn("api: preview encode", "session", id, "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, capture.ErrSessionNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, capture.ErrNoPreview):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
