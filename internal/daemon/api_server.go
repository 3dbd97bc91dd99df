package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"extractflow/internal/api"
	"extractflow/internal/batch"
	"extractflow/internal/config"
	"extractflow/internal/extraction"
	"extractflow/internal/logging"
	"extractflow/internal/manifest"
	"extractflow/internal/runstore"
	"extractflow/internal/services"
)

const maxRequestBody = 16 << 20

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon
	now    func() time.Time

	handler  http.Handler
	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	if cfg == nil || d == nil {
		return nil
	}
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil
	}

	srv := &apiServer{
		bind:   bind,
		logger: logging.NewComponentLogger(logger, "api-server"),
		daemon: d,
		now:    time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", srv.handleStatus)
	mux.HandleFunc("GET /api/batches", srv.handleListBatches)
	mux.HandleFunc("POST /api/batches", srv.handleSubmitBatch)
	mux.HandleFunc("GET /api/batches/{id}", srv.handleBatch)
	mux.HandleFunc("DELETE /api/batches/{id}", srv.handleDeleteBatch)
	mux.HandleFunc("GET /api/batches/{id}/runs", srv.handleRuns)
	mux.HandleFunc("POST /api/batches/{id}/{action}", srv.handleBatchAction)
	mux.HandleFunc("GET /api/quality-rules", srv.handleGetRules)
	mux.HandleFunc("PUT /api/quality-rules", srv.handlePutRules)
	mux.HandleFunc("GET /api/prompts", srv.handleListPrompts)
	mux.HandleFunc("POST /api/prompts", srv.handleAddPrompt)
	mux.HandleFunc("POST /api/prompts/{name}/activate", srv.handleActivatePrompt)

	var handler http.Handler = mux
	handler = authMiddleware(cfg.Paths.APIToken, handler)
	handler = srv.logRequests(handler)
	if cfg.API.RequestIDHeader {
		handler = requestIDMiddleware(cfg.API.RequestIDHeaderName, handler)
	}
	srv.handler = handler

	srv.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener
	s.server.BaseContext = func(net.Listener) context.Context { return context.WithoutCancel(ctx) }

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

func (s *apiServer) addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.daemon.Status(r.Context())
	cfg := s.daemon.cfg
	s.writeJSON(w, http.StatusOK, api.DaemonStatus{
		Running:       status.Running,
		PID:           status.PID,
		StartedAt:     api.FormatTime(status.StartedAt),
		DatabasePath:  status.DatabasePath,
		LockFilePath:  status.LockFilePath,
		Provider:      cfg.LLM.Provider,
		Model:         cfg.LLM.Model,
		ActiveBatches: status.ActiveBatches,
		RuleVersion:   status.RuleVersion,
		Schedules:     api.FromSchedules(status.Schedules),
		Preflight:     status.Preflight,
	})
}

func (s *apiServer) handleListBatches(w http.ResponseWriter, r *http.Request) {
	var states []runstore.BatchState
	for _, value := range r.URL.Query()["state"] {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			states = append(states, runstore.BatchState(trimmed))
		}
	}
	batches, err := s.daemon.orch.List(r.Context(), states...)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.BatchListResponse{Batches: api.FromBatches(batches, s.now())})
}

func (s *apiServer) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitBatchRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	m, err := manifest.Parse([]byte(req.Manifest), "")
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	name := m.Name
	if strings.TrimSpace(req.Name) != "" {
		name = req.Name
	}

	ctx := r.Context()
	orch := s.daemon.orch
	submitted, err := orch.Submit(ctx, batch.Submission{Name: name, Units: m.BatchUnits()})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if req.Start {
		if submitted, err = orch.Start(ctx, submitted.ID); err != nil {
			s.writeFailure(w, r, err)
			return
		}
	}
	s.writeJSON(w, http.StatusCreated, api.BatchResponse{Batch: api.FromBatch(submitted, s.now())})
}

func (s *apiServer) handleBatch(w http.ResponseWriter, r *http.Request) {
	status, err := s.daemon.orch.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.FromStatus(status, s.now()))
}

func (s *apiServer) handleDeleteBatch(w http.ResponseWriter, r *http.Request) {
	if err := s.daemon.orch.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.daemon.orch.Runs(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.RunListResponse{Runs: api.FromRuns(runs)})
}

func (s *apiServer) handleBatchAction(w http.ResponseWriter, r *http.Request) {
	var (
		ctx    = r.Context()
		id     = r.PathValue("id")
		orch   = s.daemon.orch
		result *runstore.BatchRun
		err    error
	)
	switch r.PathValue("action") {
	case "start":
		result, err = orch.Start(ctx, id)
	case "pause":
		result, err = orch.Pause(ctx, id)
	case "resume":
		result, err = orch.Resume(ctx, id)
	case "cancel":
		result, err = orch.Cancel(ctx, id)
	default:
		s.writeError(w, r, http.StatusNotFound, "unknown batch action", "not_found")
		return
	}
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.BatchResponse{Batch: api.FromBatch(result, s.now())})
}

type rulesDocument struct {
	Rules json.RawMessage `json:"rules"`
}

func (s *apiServer) handleGetRules(w http.ResponseWriter, r *http.Request) {
	doc, err := s.daemon.rules.Document(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	var parsed rulesDocument
	if err := json.Unmarshal(doc.RulesJSON, &parsed); err != nil || parsed.Rules == nil {
		parsed.Rules = json.RawMessage("{}")
	}
	s.writeJSON(w, http.StatusOK, api.QualityRules{
		Rules:     parsed.Rules,
		Version:   doc.Version,
		Active:    s.daemon.rules.Snapshot().Len(),
		UpdatedAt: api.FormatTime(doc.UpdatedAt),
	})
}

func (s *apiServer) handlePutRules(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		s.writeError(w, r, http.StatusRequestEntityTooLarge, err.Error(), "validation")
		return
	}
	set, warnings, err := s.daemon.rules.Replace(r.Context(), body)
	if err != nil {
		if errors.Is(err, services.ErrConfiguration) {
			s.writeError(w, r, http.StatusBadRequest, err.Error(), "validation")
			return
		}
		s.writeFailure(w, r, err)
		return
	}
	var parsed rulesDocument
	_ = json.Unmarshal(body, &parsed)
	if parsed.Rules == nil {
		parsed.Rules = json.RawMessage("{}")
	}
	s.writeJSON(w, http.StatusOK, api.QualityRules{
		Rules:     parsed.Rules,
		Version:   set.Version,
		Active:    set.Len(),
		UpdatedAt: api.FormatTime(s.now()),
		Warnings:  api.FromRuleWarnings(warnings),
	})
}

func (s *apiServer) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	prompts, err := s.daemon.store.ListPrompts(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.PromptListResponse{Prompts: api.FromPrompts(prompts)})
}

func (s *apiServer) handleAddPrompt(w http.ResponseWriter, r *http.Request) {
	var req api.AddPromptRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" || strings.TrimSpace(req.Content) == "" {
		s.writeError(w, r, http.StatusBadRequest, "prompt name and content are required", "validation")
		return
	}
	ctx := r.Context()
	store := s.daemon.store
	version, err := store.AddPromptVersion(ctx, name, req.Content, req.Notes, req.Author)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if req.Activate {
		if err := store.ActivatePrompt(ctx, name, version.Index); err != nil {
			s.writeFailure(w, r, err)
			return
		}
	}
	logging.WithContext(ctx, s.logger).Info("prompt version added",
		logging.String(logging.FieldEventType, "prompt_added"),
		logging.String("prompt", name),
		logging.Int("version", version.Index),
		logging.Bool("activated", req.Activate),
	)
	s.writeJSON(w, http.StatusCreated, api.PromptVersion{
		Index:     version.Index,
		Content:   version.Content,
		Notes:     version.Notes,
		Author:    version.Author,
		CreatedAt: api.FormatTime(version.CreatedAt),
	})
}

func (s *apiServer) handleActivatePrompt(w http.ResponseWriter, r *http.Request) {
	var req api.ActivatePromptRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			s.writeFailure(w, r, err)
			return
		}
	}
	name := r.PathValue("name")
	if err := s.daemon.store.ActivatePrompt(r.Context(), name, req.Version); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"name": name, "version": req.Version})
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return services.Wrap(services.ErrValidation, "api", "decode request", "", err)
	}
	return nil
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, batch.ErrBatchNotFound),
		errors.Is(err, runstore.ErrNotFound),
		errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, runstore.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, services.ErrValidation),
		errors.Is(err, batch.ErrEmptyBatch),
		errors.Is(err, extraction.ErrInvalidRetry):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrConfiguration):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *apiServer) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.ErrorWithContext(logging.WithContext(r.Context(), s.logger), "api request failed", "api_error",
			logging.String("path", r.URL.Path),
			logging.Error(err),
		)
	}
	s.writeError(w, r, status, err.Error(), services.Kind(err))
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, r *http.Request, status int, message, kind string) {
	resp := api.ErrorResponse{Error: message, Kind: kind}
	if id, ok := services.RequestIDFromContext(r.Context()); ok {
		resp.RequestID = id
	}
	s.writeJSON(w, status, resp)
}
