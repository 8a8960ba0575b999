package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/agencyhub/ruleengine/evaluation"
	"github.com/agencyhub/ruleengine/internal/metrics"
	"github.com/agencyhub/ruleengine/rules"
	"github.com/agencyhub/ruleengine/signals"
)

// Identity headers set by the upstream authentication layer.
const (
	headerAgencyID   = "X-Agency-ID"
	headerActorID    = "X-Actor-ID"
	headerSuperAdmin = "X-Super-Admin"
)

type callerKeyType struct{}

var callerKey callerKeyType

type Server struct {
	definitions *rules.DefinitionService
	versioning  *rules.VersioningService
	engine      *evaluation.Engine
	signals     signals.Store
	db          *sql.DB
	metrics     *metrics.Metrics
	logger      *slog.Logger
	router      *chi.Mux
}

func NewServer(definitions *rules.DefinitionService, versioning *rules.VersioningService, engine *evaluation.Engine, signalStore signals.Store, db *sql.DB, m *metrics.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		definitions: definitions,
		versioning:  versioning,
		engine:      engine,
		signals:     signalStore,
		db:          db,
		metrics:     m,
		logger:      logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(callerMiddleware)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/rules", func(r chi.Router) {
			r.Get("/", s.handleListRules)
			r.Post("/", s.handleCreateRule)

			r.Route("/{ruleId}", func(r chi.Router) {
				r.Get("/", s.handleGetRule)
				r.Put("/", s.handleUpdateRule)
				r.Delete("/", s.handleDeleteRule)

				r.Post("/versions", s.handleCreateVersion)
				r.Get("/versions", s.handleListVersions)
				r.Get("/audits", s.handleListAudits)
				r.Get("/evaluations", s.handleListEvaluations)
			})
		})

		r.Route("/versions/{versionId}", func(r chi.Router) {
			r.Post("/publish", s.handlePublishVersion)
			r.Get("/conditions", s.handleListConditions)
			r.Get("/actions", s.handleListActions)
		})

		r.Post("/signals/evaluate", s.handleEvaluateSignal)
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// callerMiddleware lifts the identity headers into a rules.Caller on the
// request context.
func callerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := rules.Caller{
			AgencyID:   r.Header.Get(headerAgencyID),
			ActorID:    r.Header.Get(headerActorID),
			SuperAdmin: strings.EqualFold(r.Header.Get(headerSuperAdmin), "true"),
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, caller)))
	})
}

func callerFrom(r *http.Request) rules.Caller {
	caller, _ := r.Context().Value(callerKey).(rules.Caller)
	return caller
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	list, err := s.definitions.ListRules(r.Context(), caller.AgencyID)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"rules": list})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var payload rules.CreateRulePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	caller := callerFrom(r)
	rule, err := s.definitions.CreateRule(r.Context(), caller.AgencyID, caller.ActorID, &payload)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.definitions.GetRule(r.Context(), chi.URLParam(r, "ruleId"), callerFrom(r))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var payload rules.UpdateRulePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule, err := s.definitions.UpdateRule(r.Context(), chi.URLParam(r, "ruleId"), callerFrom(r), &payload)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.definitions.DeleteRule(r.Context(), chi.URLParam(r, "ruleId"), callerFrom(r)); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	var payload rules.VersionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	detail, err := s.versioning.CreateRuleVersion(r.Context(), chi.URLParam(r, "ruleId"), callerFrom(r), &payload)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, detail)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.versioning.ListRuleVersions(r.Context(), chi.URLParam(r, "ruleId"), callerFrom(r))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *Server) handlePublishVersion(w http.ResponseWriter, r *http.Request) {
	version, err := s.versioning.PublishRuleVersion(r.Context(), chi.URLParam(r, "versionId"), callerFrom(r))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, version)
}

func (s *Server) handleListConditions(w http.ResponseWriter, r *http.Request) {
	conditions, err := s.versioning.ListRuleConditions(r.Context(), chi.URLParam(r, "versionId"), callerFrom(r))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"conditions": conditions})
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	actions, err := s.versioning.ListRuleActions(r.Context(), chi.URLParam(r, "versionId"), callerFrom(r))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

func (s *Server) handleListAudits(w http.ResponseWriter, r *http.Request) {
	audits, err := s.versioning.ListRuleAudits(r.Context(), chi.URLParam(r, "ruleId"), callerFrom(r))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"audits": audits})
}

func (s *Server) handleListEvaluations(w http.ResponseWriter, r *http.Request) {
	evaluations, err := s.versioning.ListRuleEvaluations(r.Context(),
		chi.URLParam(r, "ruleId"), callerFrom(r), r.URL.Query().Get("limit"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"evaluations": evaluations})
}

// handleEvaluateSignal ingests one signal synchronously and runs the
// caller's enabled rules against it. The Kafka path in cmd/evaluator does
// the same thing asynchronously.
func (s *Server) handleEvaluateSignal(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	if caller.AgencyID == "" {
		s.respondServiceError(w, r, rules.ErrAgencyRequired)
		return
	}

	var req struct {
		ID      string         `json:"id,omitempty"`
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
		Context map[string]any `json:"context,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Type == "" || req.Payload == nil {
		respondError(w, http.StatusBadRequest, "type and payload are required", nil)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	sig := &signals.Signal{
		ID:       req.ID,
		AgencyID: caller.AgencyID,
		Type:     req.Type,
		Payload:  req.Payload,
	}
	// A repeated id is not an error: evaluation is idempotent per
	// (rule, version, signal), so a re-POST returns the existing results.
	if err := s.signals.Insert(r.Context(), sig); err != nil && !errors.Is(err, signals.ErrSignalExists) {
		s.respondServiceError(w, r, err)
		return
	}

	results, err := s.engine.EvaluateSignal(r.Context(), sig, req.Context)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"signalId":    sig.ID,
		"evaluations": results,
	})
}

// respondServiceError maps service errors onto HTTP statuses. Not-found
// is checked before access-denied everywhere in the services, so a 404
// never leaks another tenant's ids.
func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *rules.ValidationError
	switch {
	case errors.As(err, &verr):
		respondJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": verr.Fields,
		})
	case errors.Is(err, rules.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found", nil)
	case errors.Is(err, rules.ErrAccessDenied):
		respondError(w, http.StatusForbidden, "access denied", nil)
	case errors.Is(err, rules.ErrAgencyRequired):
		respondError(w, http.StatusBadRequest, "agency id is required", nil)
	case errors.Is(err, rules.ErrVersionConflict):
		respondError(w, http.StatusConflict, "version number conflict, retry", nil)
	default:
		s.logger.ErrorContext(r.Context(), "request failed",
			"path", r.URL.Path, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{"error": message}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}
