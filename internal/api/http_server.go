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

	"offsync/internal/config"
	"offsync/internal/models"
	"offsync/internal/scheduler"
	"offsync/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// SyncEngine is the service surface the admin API drives.
type SyncEngine interface {
	Enqueue(ctx context.Context, action *models.OfflineAction) (*models.OfflineAction, error)
	List(filter models.ActionFilter) ([]*models.OfflineAction, error)
	Get(id string) (*models.OfflineAction, error)
	RetryAction(ctx context.Context, id string) (*models.OfflineAction, error)
	DeleteAction(ctx context.Context, id string) error
	Reprioritize(ctx context.Context, id string, delta int) (*models.OfflineAction, error)
	TriggerSync(reason string) (*scheduler.PassHandle, error)
	CancelSync() (bool, error)
	Snapshot() (models.SyncState, error)
	SetOnline(online bool) error
}

// HTTPServer exposes queue inspection and sync control over HTTP.
type HTTPServer struct {
	cfg    config.APIConfig
	engine SyncEngine
	server *http.Server
	auth   *HTTPAuth
	logger *zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, engine SyncEngine, logger *zerolog.Logger) *HTTPServer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "http_api").Logger()

	srv := &HTTPServer{cfg: cfg, engine: engine, logger: &l}
	srv.auth = NewHTTPAuth(cfg)

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	return srv
}

func (s *HTTPServer) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.auth.Wrap)

		r.Get("/actions", s.handleListActions)
		r.Post("/actions", s.handleEnqueue)
		r.Get("/actions/{id}", s.handleGetAction)
		r.Delete("/actions/{id}", s.handleDeleteAction)
		r.Post("/actions/{id}/retry", s.handleRetryAction)
		r.Post("/actions/{id}/priority", s.handleReprioritize)

		r.Post("/sync", s.handleTriggerSync)
		r.Post("/sync/cancel", s.handleCancelSync)
		r.Get("/state", s.handleState)
		r.Post("/connectivity", s.handleConnectivity)
	})

	return r
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

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.engine.Snapshot(); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleListActions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	actions, err := s.engine.List(filter)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions, "count": len(actions)})
}

type enqueueRequest struct {
	ID          string            `json:"id"`
	Type        models.ActionType `json:"type"`
	Payload     json.RawMessage   `json:"payload"`
	Priority    *int              `json:"priority"`
	MaxAttempts int               `json:"max_attempts"`
}

func (s *HTTPServer) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var body enqueueRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, models.MaxPayloadBytes+4096))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	priority := models.DefaultPriority
	if body.Priority != nil {
		priority = *body.Priority
	}

	a, err := s.engine.Enqueue(r.Context(), &models.OfflineAction{
		ID:          body.ID,
		Type:        body.Type,
		Payload:     body.Payload,
		Priority:    priority,
		MaxAttempts: body.MaxAttempts,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *HTTPServer) handleGetAction(w http.ResponseWriter, r *http.Request) {
	a, err := s.engine.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *HTTPServer) handleDeleteAction(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteAction(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleRetryAction(w http.ResponseWriter, r *http.Request) {
	a, err := s.engine.RetryAction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *HTTPServer) handleReprioritize(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Delta int `json:"delta"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	a, err := s.engine.Reprioritize(r.Context(), chi.URLParam(r, "id"), body.Delta)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *HTTPServer) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	reason := strings.TrimSpace(r.URL.Query().Get("reason"))
	if reason == "" {
		reason = "api"
	}
	h, err := s.engine.TriggerSync(reason)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"pass_id": h.ID(), "reason": h.Reason()})
}

func (s *HTTPServer) handleCancelSync(w http.ResponseWriter, r *http.Request) {
	cancelled, err := s.engine.CancelSync()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *HTTPServer) handleState(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Snapshot()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *HTTPServer) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Online == nil {
		writeError(w, http.StatusBadRequest, "online is required")
		return
	}
	if err := s.engine.SetOnline(*body.Online); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"online": *body.Online})
}

func (s *HTTPServer) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrActionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, models.ErrQueueIO), errors.Is(err, service.ErrNotStarted):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
	}
	writeError(w, status, err.Error())
}

func parseFilter(r *http.Request) (models.ActionFilter, error) {
	q := r.URL.Query()
	var f models.ActionFilter
	for _, raw := range splitCSV(q.Get("status")) {
		st := models.ActionStatus(raw)
		if !st.Valid() {
			return f, fmt.Errorf("unknown status %q", raw)
		}
		f.Statuses = append(f.Statuses, st)
	}
	for _, raw := range splitCSV(q.Get("type")) {
		f.Types = append(f.Types, models.ActionType(raw))
	}
	if raw := strings.TrimSpace(q.Get("min_priority")); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			return f, fmt.Errorf("min_priority must be an integer")
		}
		f.MinPriority = p
	}
	return f, nil
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
