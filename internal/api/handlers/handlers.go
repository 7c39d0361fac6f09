package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/tablemind/tablemind/intent-engine/internal/api/middleware"
	"github.com/tablemind/tablemind/intent-engine/internal/audit"
	"github.com/tablemind/tablemind/intent-engine/internal/config"
	"github.com/tablemind/tablemind/intent-engine/internal/executor"
	"github.com/tablemind/tablemind/intent-engine/internal/heartbeat"
	"github.com/tablemind/tablemind/intent-engine/internal/history"
	"github.com/tablemind/tablemind/intent-engine/internal/intent"
	"github.com/tablemind/tablemind/intent-engine/internal/planner"
	"github.com/tablemind/tablemind/intent-engine/internal/registry"
	"github.com/tablemind/tablemind/intent-engine/pkg/models"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Store     audit.Store
	Engine    *intent.Engine
	Planner   *planner.Planner
	Executor  *executor.Executor
	Heartbeat *heartbeat.Service
	History   *history.Tracker
	Registry  *registry.Registry
	Cfg       config.Pipeline
	Version   string
}

// New creates the handler set.
func New(store audit.Store, engine *intent.Engine, pl *planner.Planner, exec *executor.Executor, hb *heartbeat.Service, hist *history.Tracker, reg *registry.Registry, cfg config.Pipeline, version string) *Handlers {
	return &Handlers{
		Store:     store,
		Engine:    engine,
		Planner:   pl,
		Executor:  exec,
		Heartbeat: hb,
		History:   hist,
		Registry:  reg,
		Cfg:       cfg,
		Version:   version,
	}
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health reports liveness plus the audit store's reachability.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.Store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		log.Warn().Err(err).Msg("Health check: audit store unreachable")
	}
	respondJSON(w, code, map[string]string{"status": status})
}

// VersionInfo reports the running build version.
func (h *Handlers) VersionInfo(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"version": h.Version})
}

type intentRequest struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id,omitempty"`
}

type intentResponse struct {
	Intent      models.Intent   `json:"intent"`
	Alternates  []models.Intent `json:"alternates,omitempty"`
	IsAmbiguous bool            `json:"is_ambiguous"`
	Plan        *models.Plan    `json:"plan,omitempty"`
	PlanError   string          `json:"plan_error,omitempty"`
	AuditLogID  string          `json:"audit_log_id"`
	ModelID     string          `json:"model_id,omitempty"`
}

// PostIntent runs the front half of the pipeline: infer and normalize
// the intent, generate a plan when it qualifies, open the audit log.
func (h *Handlers) PostIntent(w http.ResponseWriter, r *http.Request) {
	var req intentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = middleware.SessionID(r.Context())
	}
	priorIntents, failedTools := h.History.Context(sessionID)

	result, err := h.Engine.InferIntent(r.Context(), req.Text, failedTools, priorIntents)
	if err != nil {
		var empty models.ErrEmptyInput
		var infer *models.ErrInference
		switch {
		case errors.As(err, &empty):
			respondError(w, http.StatusBadRequest, err.Error())
		case errors.As(err, &infer):
			log.Error().Err(err).Msg("Intent inference failed on all providers")
			respondError(w, http.StatusServiceUnavailable, "intent inference unavailable: "+err.Error())
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	primary := result.Hypotheses.Primary
	h.History.RecordIntent(sessionID, primary)

	resp := intentResponse{
		Intent:      primary,
		Alternates:  result.Hypotheses.Alternates,
		IsAmbiguous: result.Hypotheses.IsAmbiguous,
		ModelID:     result.ModelID,
	}

	// Planning is gated: ambiguous readings go back to the user for
	// clarification, and low-confidence non-PLANNING intents are never
	// auto-planned.
	shouldPlan := !result.Hypotheses.IsAmbiguous &&
		(primary.Type == models.IntentPlanning || primary.Confidence >= h.Cfg.ExecutionThreshold)
	if shouldPlan {
		plan, perr := h.Planner.GeneratePlan(r.Context(), req.Text)
		if perr != nil {
			log.Warn().Err(perr).Str("intent_type", string(primary.Type)).Msg("Plan generation failed")
			resp.PlanError = perr.Error()
		} else {
			resp.Plan = plan
		}
	}

	auditLog, err := h.Store.Create(r.Context(), primary, resp.Plan)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create audit log: "+err.Error())
		return
	}
	resp.AuditLogID = auditLog.ID

	respondJSON(w, http.StatusOK, resp)
}

type executeRequest struct {
	AuditLogID    string `json:"audit_log_id"`
	StepIndex     int    `json:"step_index"`
	UserConfirmed bool   `json:"user_confirmed,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
}

// PostExecute runs one plan step. Step failures are structured 200
// responses, not HTTP errors: the caller needs the failure taxonomy,
// attempt count and any corrective plan, not a bare status code.
func (h *Handlers) PostExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AuditLogID == "" {
		respondError(w, http.StatusBadRequest, "audit_log_id is required")
		return
	}

	auditLog, err := h.Store.Get(r.Context(), req.AuditLogID)
	if err != nil {
		var notFound *audit.ErrNotFound
		if errors.As(err, &notFound) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if auditLog.Plan == nil {
		respondError(w, http.StatusConflict, "audit log has no plan to execute")
		return
	}
	step := auditLog.Plan.Step(req.StepIndex)
	if step == nil {
		respondError(w, http.StatusBadRequest, "step_index out of range: "+strconv.Itoa(req.StepIndex))
		return
	}
	if step.RequiresConfirmation && !req.UserConfirmed {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"success":               false,
			"requires_confirmation": true,
			"error":                 "step requires user confirmation before execution",
			"step":                  step,
		})
		return
	}

	result, err := h.Executor.ExecuteStep(r.Context(), req.AuditLogID, req.StepIndex)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if !result.Success {
		sessionID := req.SessionID
		if sessionID == "" {
			sessionID = middleware.SessionID(r.Context())
		}
		h.History.RecordFailedTool(sessionID, step.ToolName)
	}

	respondJSON(w, http.StatusOK, result)
}

type heartbeatRequest struct {
	ExecutionID       string `json:"execution_id"`
	ExpectedStepIndex int    `json:"expected_step_index"`
}

// PostHeartbeatCheck probes one execution and applies whatever
// recovery action the check decides on.
func (h *Handlers) PostHeartbeatCheck(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ExecutionID == "" {
		respondError(w, http.StatusBadRequest, "execution_id is required")
		return
	}

	result, err := h.Heartbeat.Probe(r.Context(), req.ExecutionID, req.ExpectedStepIndex)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// GetExecution returns one audit log in full, history included.
func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	auditLog, err := h.Store.Get(r.Context(), id)
	if err != nil {
		var notFound *audit.ErrNotFound
		if errors.As(err, &notFound) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, auditLog)
}

// ListExecutions returns recent audit logs, newest first.
func (h *Handlers) ListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			respondError(w, http.StatusBadRequest, "limit must be an integer between 1 and 500")
			return
		}
		limit = n
	}
	logs, err := h.Store.List(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"executions": logs,
		"count":      len(logs),
	})
}

// ListTools returns the registered tool contracts.
func (h *Handlers) ListTools(w http.ResponseWriter, r *http.Request) {
	tools := h.Registry.List()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"tools": tools,
		"count": len(tools),
	})
}
