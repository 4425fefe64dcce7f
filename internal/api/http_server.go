// Package api is the local HTTP control surface for the host application.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fieldtrack/internal/config"
	"fieldtrack/internal/metrics"
	"fieldtrack/internal/models"
	"fieldtrack/internal/service"
	"fieldtrack/internal/session"
	"fieldtrack/internal/worker"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

// Tracking is the facade the handlers call.
type Tracking interface {
	StartTracking(ctx context.Context, taskID string) (bool, error)
	StopTracking(ctx context.Context) error
	IsTracking() bool
	RecordFix(ctx context.Context, fix models.Fix) (*models.TrackingPoint, error)
	SubmitTask(ctx context.Context, taskID string, payload models.SubmissionPayload) (service.SubmitResult, error)
	SetOnline(online bool)
	Foreground()
	SyncNow(ctx context.Context) (worker.PassResult, error)
	Status(ctx context.Context) (service.Status, error)
	Notifications(ctx context.Context, limit int64) ([]models.Notification, error)
	SaveDraft(ctx context.Context, taskID string, draft json.RawMessage) error
	LoadDraft(ctx context.Context, taskID string) (json.RawMessage, bool, error)
}

// BatterySetter receives battery levels reported alongside fixes.
type BatterySetter interface {
	Set(level float64)
}

// HTTPServer exposes the tracking facade over HTTP.
type HTTPServer struct {
	cfg      config.APIConfig
	tracking Tracking
	battery  BatterySetter
	server   *http.Server
	auth     *HTTPAuth
	logger   *zerolog.Logger
}

// NewHTTPServer builds the server. battery may be nil.
func NewHTTPServer(cfg config.APIConfig, tracking Tracking, battery BatterySetter, logger *zerolog.Logger) *HTTPServer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	mux := http.NewServeMux()
	srv := &HTTPServer{cfg: cfg, tracking: tracking, battery: battery, logger: logger}
	srv.auth = NewHTTPAuth(cfg)

	mux.HandleFunc("/api/v1/tracking/start", srv.handleStart)
	mux.HandleFunc("/api/v1/tracking/stop", srv.handleStop)
	mux.HandleFunc("/api/v1/status", srv.handleStatus)
	mux.HandleFunc("/api/v1/fixes", srv.handleFixes)
	mux.HandleFunc("/api/v1/sync", srv.handleSync)
	mux.HandleFunc("/api/v1/connectivity", srv.handleConnectivity)
	mux.HandleFunc("/api/v1/foreground", srv.handleForeground)
	mux.HandleFunc("/api/v1/submissions", srv.handleSubmissions)
	mux.HandleFunc("/api/v1/drafts/", srv.handleDrafts)
	mux.HandleFunc("/api/v1/notifications", srv.handleNotifications)

	handler := srv.loggingMiddleware(srv.auth.Wrap(mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
	return srv
}

// Handler returns the root handler, middleware included.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		TaskID string `json:"task_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	taskID := strings.TrimSpace(body.TaskID)
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}

	started, err := s.tracking.StartTracking(r.Context(), taskID)
	switch {
	case errors.Is(err, session.ErrAlreadyTracking):
		writeError(w, http.StatusConflict, "another task is already being tracked")
		return
	case err != nil:
		s.internalError(w, "start tracking", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"started": started, "tracking": s.tracking.IsTracking()})
}

func (s *HTTPServer) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.tracking.StopTracking(r.Context()); err != nil {
		// Tracking is stopped regardless; only the marker write failed.
		s.logger.Error().Err(err).Msg("stop tracking")
	}
	writeJSON(w, http.StatusOK, map[string]any{"tracking": s.tracking.IsTracking()})
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	st, err := s.tracking.Status(r.Context())
	if err != nil {
		s.internalError(w, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type fixesRequest struct {
	Battery *float64     `json:"battery,omitempty"`
	Fixes   []models.Fix `json:"fixes"`
}

func (s *HTTPServer) handleFixes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body fixesRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.Fixes) == 0 {
		writeError(w, http.StatusBadRequest, "fixes is required")
		return
	}
	if body.Battery != nil && s.battery != nil {
		s.battery.Set(*body.Battery)
	}

	accepted := make([]int64, 0, len(body.Fixes))
	for _, fix := range body.Fixes {
		if fix.Timestamp.IsZero() {
			fix.Timestamp = time.Now()
		}
		point, err := s.tracking.RecordFix(r.Context(), fix)
		if err != nil {
			s.internalError(w, "record fix", err)
			return
		}
		if point != nil {
			accepted = append(accepted, point.ID)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"received":  len(body.Fixes),
		"accepted":  len(accepted),
		"point_ids": accepted,
	})
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	res, err := s.tracking.SyncNow(r.Context())
	if err != nil {
		s.internalError(w, "sync", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"skipped":               res.Skipped,
		"points_synced":         res.PointsSynced,
		"batches_failed":        res.BatchesFailed,
		"submissions_delivered": res.SubmissionsDelivered,
		"submissions_retained":  res.SubmissionsRetained,
	})
}

func (s *HTTPServer) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Online *bool `json:"online"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Online == nil {
		writeError(w, http.StatusBadRequest, "online is required")
		return
	}
	s.tracking.SetOnline(*body.Online)
	writeJSON(w, http.StatusOK, map[string]any{"online": *body.Online})
}

func (s *HTTPServer) handleForeground(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.tracking.Foreground()
	w.WriteHeader(http.StatusNoContent)
}

type submissionRequest struct {
	TaskID  string                   `json:"task_id"`
	Payload models.SubmissionPayload `json:"payload"`
}

func (s *HTTPServer) handleSubmissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body submissionRequest
	if !decodeBody(w, r, &body) {
		return
	}

	res, err := s.tracking.SubmitTask(r.Context(), strings.TrimSpace(body.TaskID), body.Payload)
	switch {
	case errors.Is(err, service.ErrInvalidTaskID), errors.Is(err, service.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.internalError(w, "submit task", err)
		return
	}

	statusCode := http.StatusOK
	if res.Queued {
		statusCode = http.StatusAccepted
	}
	writeJSON(w, statusCode, res)
}

func (s *HTTPServer) handleDrafts(w http.ResponseWriter, r *http.Request) {
	const prefix = "/api/v1/drafts/"
	taskID := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, prefix))
	if taskID == "" || strings.Contains(taskID, "/") {
		writeError(w, http.StatusBadRequest, "task id is required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		draft, ok, err := s.tracking.LoadDraft(r.Context(), taskID)
		if err != nil {
			s.internalError(w, "load draft", err)
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "draft not found")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(draft)
	case http.MethodPut:
		var draft json.RawMessage
		if !decodeBody(w, r, &draft) {
			return
		}
		if err := s.tracking.SaveDraft(r.Context(), taskID, draft); err != nil {
			if errors.Is(err, service.ErrInvalidDraft) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			s.internalError(w, "save draft", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *HTTPServer) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var limit int64 = 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	items, err := s.tracking.Notifications(r.Context(), limit)
	if err != nil {
		s.internalError(w, "notifications", err)
		return
	}
	if items == nil {
		items = []models.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": items})
}

func (s *HTTPServer) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error().Err(err).Str("op", op).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		metrics.IncHTTP(endpointLabel(r.URL.Path))

		s.logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

// endpointLabel keeps per-task paths out of metric labels.
func endpointLabel(path string) string {
	if strings.HasPrefix(path, "/api/v1/drafts/") {
		return "/api/v1/drafts"
	}
	if !strings.HasPrefix(path, "/api/v1/") {
		return "other"
	}
	return path
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
