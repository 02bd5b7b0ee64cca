package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/repobox/control-plane/internal/models"
	"github.com/repobox/control-plane/internal/orchestrator"
	"github.com/repobox/control-plane/internal/store"
)

// CasesHandler handles case lifecycle endpoints.
type CasesHandler struct {
	engine *orchestrator.Engine
	logger *slog.Logger
}

// NewCasesHandler creates a new cases handler.
func NewCasesHandler(engine *orchestrator.Engine, logger *slog.Logger) *CasesHandler {
	return &CasesHandler{engine: engine, logger: logger}
}

// createCaseRequest is the case creation payload. Unknown fields are
// rejected rather than silently dropped.
type createCaseRequest struct {
	RepoURL string            `json:"repo_url"`
	Ref     string            `json:"ref"`
	RunMode models.RunMode    `json:"run_mode"`
	Env     map[string]string `json:"env"`

	DockerfilePath string             `json:"dockerfile_path"`
	ComposeFile    string             `json:"compose_file"`
	ContextPath    string             `json:"context_path"`
	Build          models.BuildParams `json:"build"`
}

// Create handles POST /v1/cases.
func (h *CasesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createCaseRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body: "+err.Error())
		return
	}

	c, err := h.engine.Submit(r.Context(), &orchestrator.Descriptor{
		RepoURL: req.RepoURL,
		Ref:     req.Ref,
		Directives: models.BuildDirectives{
			RunMode:        req.RunMode,
			DockerfilePath: req.DockerfilePath,
			ComposeFile:    req.ComposeFile,
			ContextPath:    req.ContextPath,
			Build:          req.Build,
		},
		Env: req.Env,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, c)
}

// List handles GET /v1/cases.
func (h *CasesHandler) List(w http.ResponseWriter, r *http.Request) {
	cases, err := h.engine.List(r.Context())
	if err != nil {
		h.logger.Error("listing cases", "error", err)
		WriteInternalError(w, "Failed to list cases")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"cases": cases})
}

// Get handles GET /v1/cases/{caseID}.
func (h *CasesHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, err := h.engine.Get(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, c)
}

// Preflight handles GET /v1/cases/{caseID}/preflight. It returns the
// structured decision record from the latest build attempt.
func (h *CasesHandler) Preflight(w http.ResponseWriter, r *http.Request) {
	c, err := h.engine.Get(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if c.Preflight == nil {
		WriteNotFound(w, "No preflight decision recorded yet")
		return
	}
	WriteJSON(w, http.StatusOK, c.Preflight)
}

// Stop handles POST /v1/cases/{caseID}/stop.
func (h *CasesHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "stop", func(id string) error {
		return h.engine.Stop(r.Context(), id)
	})
}

// Restart handles POST /v1/cases/{caseID}/restart.
func (h *CasesHandler) Restart(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "restart", func(id string) error {
		return h.engine.Restart(r.Context(), id)
	})
}

// retryRequest optionally merges new env values into the attempt.
type retryRequest struct {
	Env map[string]string `json:"env"`
}

// Retry handles POST /v1/cases/{caseID}/retry.
func (h *CasesHandler) Retry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if r.ContentLength > 0 {
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			WriteBadRequest(w, "invalid request body: "+err.Error())
			return
		}
	}
	h.action(w, r, "retry", func(id string) error {
		return h.engine.Retry(r.Context(), id, req.Env)
	})
}

// Archive handles POST /v1/cases/{caseID}/archive.
func (h *CasesHandler) Archive(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "archive", func(id string) error {
		return h.engine.Archive(r.Context(), id)
	})
}

// collaboratorStateRequest is the payload derived-job collaborators
// report back with.
type collaboratorStateRequest struct {
	Status models.JobStatus `json:"status"`
	Ready  bool             `json:"ready"`
}

// SetAnalyzeState handles PUT /v1/cases/{caseID}/analyze.
func (h *CasesHandler) SetAnalyzeState(w http.ResponseWriter, r *http.Request) {
	var req collaboratorStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	h.action(w, r, "analyze", func(id string) error {
		return h.engine.SetAnalyzeState(r.Context(), id, req.Status, req.Ready)
	})
}

// SetVisualState handles PUT /v1/cases/{caseID}/visual.
func (h *CasesHandler) SetVisualState(w http.ResponseWriter, r *http.Request) {
	var req collaboratorStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	h.action(w, r, "visual", func(id string) error {
		return h.engine.SetVisualState(r.Context(), id, req.Status, req.Ready)
	})
}

// action runs a management operation and returns the refreshed case.
func (h *CasesHandler) action(w http.ResponseWriter, r *http.Request, name string, op func(id string) error) {
	caseID := chi.URLParam(r, "caseID")
	if caseID == "" {
		WriteBadRequest(w, "Case ID is required")
		return
	}

	if err := op(caseID); err != nil {
		h.logger.Warn("case action rejected", "case_id", caseID, "action", name, "error", err)
		writeEngineError(w, err)
		return
	}

	c, err := h.engine.Get(r.Context(), caseID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, c)
}

// writeEngineError maps engine errors onto HTTP responses.
func writeEngineError(w http.ResponseWriter, err error) {
	var verr *models.ValidationError
	var serr *orchestrator.StateError
	switch {
	case errors.Is(err, store.ErrNotFound):
		WriteNotFound(w, "Case not found")
	case errors.As(err, &verr):
		WriteBadRequest(w, verr.Error())
	case errors.As(err, &serr):
		WriteConflict(w, serr.Error())
	default:
		WriteInternalError(w, "Operation failed")
	}
}
