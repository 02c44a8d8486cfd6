package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Ircam-Amplify/Stereo-to-Spatial/internal/blob"
	"github.com/Ircam-Amplify/Stereo-to-Spatial/internal/config"
	"github.com/Ircam-Amplify/Stereo-to-Spatial/internal/ircam"
	"github.com/Ircam-Amplify/Stereo-to-Spatial/internal/pipeline"
	"github.com/Ircam-Amplify/Stereo-to-Spatial/internal/ratelimit"
	"github.com/Ircam-Amplify/Stereo-to-Spatial/internal/session"
	"github.com/Ircam-Amplify/Stereo-to-Spatial/internal/telemetry"
)

// Server wires the HTTP surface: upload, spatialize, downloads, status.
type Server struct {
	cfg      config.Config
	pipeline *pipeline.Pipeline
	registry *session.Registry
	store    blob.Store
	limiter  *ratelimit.TokenBucket
	logger   *slog.Logger
}

// New constructs the API server.
func New(cfg config.Config, p *pipeline.Pipeline, registry *session.Registry, store blob.Store, limiter *ratelimit.TokenBucket, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		pipeline: p,
		registry: registry,
		store:    store,
		limiter:  limiter,
		logger:   logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/upload", s.handleUpload)
	r.Post("/spatialize", s.handleSpatialize)
	r.Get("/download/{kind}", s.handleDownload)
	r.Get("/sessions/latest", s.handleLatest)
	return r
}

type uploadResponse struct {
	SessionID string `json:"session_id"`
	Filename  string `json:"filename"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.UploadMaxBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "multipart field 'file' is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	sessionID := uuid.New().String()
	localPath, err := s.saveUpload(sessionID, header.Filename, file)
	if err != nil {
		s.logger.Error("failed to persist upload", "session_id", sessionID, "error", err)
		http.Error(w, "failed to persist upload", http.StatusInternalServerError)
		return
	}

	if err := s.pipeline.HandleUpload(r.Context(), sessionID, localPath, header.Filename); err != nil {
		s.writeStageError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, uploadResponse{SessionID: sessionID, Filename: header.Filename})
}

type spatializeRequest struct {
	Intensity int `json:"intensity"`
}

func (s *Server) handleSpatialize(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}

	req := spatializeRequest{Intensity: 3}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	if req.Intensity < 1 || req.Intensity > 5 {
		http.Error(w, "intensity must be between 1 and 5", http.StatusBadRequest)
		return
	}

	result, err := s.pipeline.HandleSpatialize(r.Context(), req.Intensity)
	if err != nil {
		s.writeStageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleDownload streams an artifact of the latest session. Evicted and
// never-created sessions are indistinguishable: both 404.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")

	sess, ok := s.registry.Latest()
	if !ok {
		http.Error(w, "no active session", http.StatusNotFound)
		return
	}

	var key string
	switch kind {
	case "binaural":
		key = sess.BinauralPath
	case "immersive":
		key = sess.ImmersivePath
	case "archive":
		key = sess.ArchivePath
	default:
		http.Error(w, "unknown artifact kind", http.StatusNotFound)
		return
	}
	if key == "" {
		http.Error(w, fmt.Sprintf("no %s artifact for session %s", kind, sess.ID), http.StatusNotFound)
		return
	}

	info, err := s.store.Stat(r.Context(), key)
	if err != nil {
		http.Error(w, "artifact not found", http.StatusNotFound)
		return
	}
	body, err := s.store.Get(r.Context(), key)
	if err != nil {
		http.Error(w, "artifact not found", http.StatusNotFound)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", info.Size))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(key)))
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Warn("download stream interrupted", "session_id", sess.ID, "kind", kind, "error", err)
	}
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.registry.Latest()
	if !ok {
		http.Error(w, "no active session", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// saveUpload writes the incoming multipart file under the session's local
// upload directory and returns its path.
func (s *Server) saveUpload(sessionID, filename string, src multipart.File) (string, error) {
	name := filepath.Base(filepath.Clean(filename))
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "upload.wav"
	}
	dir := filepath.Join(s.cfg.DataDir, "uploads", sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	path := filepath.Join(dir, name)
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return "", fmt.Errorf("write upload file: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("close upload file: %w", err)
	}
	return path, nil
}

// allow consults the rate limiter; writes 429 and returns false on reject.
func (s *Server) allow(w http.ResponseWriter, r *http.Request) bool {
	allowed, _, err := s.limiter.Allow(r.Context(), clientKey(r))
	if err != nil {
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return false
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

func clientKey(r *http.Request) string {
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		if i := strings.IndexByte(v, ','); i > 0 {
			return strings.TrimSpace(v[:i])
		}
		return strings.TrimSpace(v)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type errorResponse struct {
	Error string `json:"error"`
	Stage string `json:"stage,omitempty"`
}

// writeStageError maps pipeline failures onto HTTP statuses, keeping the
// stage tag visible to the caller.
func (s *Server) writeStageError(w http.ResponseWriter, err error) {
	stage := ""
	var stageErr *pipeline.StageError
	if errors.As(err, &stageErr) {
		stage = stageErr.Stage
	}

	status := http.StatusBadGateway
	var notFound *session.NotFoundError
	var malformed *ircam.MalformedResponseError
	var jobFailed *ircam.JobFailedError
	switch {
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.As(err, &malformed), errors.As(err, &jobFailed):
		status = http.StatusBadGateway
	}

	s.logger.Error("pipeline request failed", "stage", stage, "error", err)
	writeJSON(w, status, errorResponse{Error: err.Error(), Stage: stage})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
