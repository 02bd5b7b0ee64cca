package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/repobox/control-plane/internal/cache"
	"github.com/repobox/control-plane/internal/models"
	"github.com/repobox/control-plane/internal/orchestrator"
)

// MaxArtifactBytes caps an uploaded artifact bundle (16MB).
const MaxArtifactBytes = 16 << 20

// ArtifactsHandler serves the artifact cache to the Explain/Visualize
// collaborators. Collaborators push generated bundles keyed by the
// case's repository identity and read them back on later requests; they
// never touch case lifecycle state.
type ArtifactsHandler struct {
	cache  *cache.Cache
	engine *orchestrator.Engine
	logger *slog.Logger
}

// NewArtifactsHandler creates a new artifacts handler.
func NewArtifactsHandler(c *cache.Cache, engine *orchestrator.Engine, logger *slog.Logger) *ArtifactsHandler {
	return &ArtifactsHandler{cache: c, engine: engine, logger: logger}
}

// keyFromQuery builds the cache key from query parameters.
func keyFromQuery(r *http.Request) (cache.Key, bool) {
	repoURL := r.URL.Query().Get("repo_url")
	sha := r.URL.Query().Get("commit_sha")
	if repoURL == "" || sha == "" {
		return cache.Key{}, false
	}
	return cache.Key{
		RepoURL:         repoURL,
		CommitSHA:       sha,
		TemplateVersion: r.URL.Query().Get("template_version"),
	}, true
}

// Get handles GET /v1/artifacts. A hit returns the stored bundle; a
// miss is a 404 so collaborators know to generate.
func (h *ArtifactsHandler) Get(w http.ResponseWriter, r *http.Request) {
	key, ok := keyFromQuery(r)
	if !ok {
		WriteBadRequest(w, "repo_url and commit_sha are required")
		return
	}

	artifact, ok := h.cache.Get(key)
	if !ok {
		WriteNotFound(w, "No artifact for this key")
		return
	}

	if artifact.ContentType != "" {
		w.Header().Set("Content-Type", artifact.ContentType)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("X-Generated-At", artifact.GeneratedAt.UTC().Format(time.RFC3339))
	w.WriteHeader(http.StatusOK)
	w.Write(artifact.Data)
}

// Put handles PUT /v1/artifacts. The posted body is stored wholesale
// under the key; concurrent identical uploads collapse to one store.
// A force query parameter regenerates over an existing entry.
func (h *ArtifactsHandler) Put(w http.ResponseWriter, r *http.Request) {
	key, ok := keyFromQuery(r)
	if !ok {
		WriteBadRequest(w, "repo_url and commit_sha are required")
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, MaxArtifactBytes+1))
	if err != nil {
		WriteBadRequest(w, "reading artifact body: "+err.Error())
		return
	}
	if len(data) > MaxArtifactBytes {
		WriteBadRequest(w, "artifact exceeds size limit")
		return
	}
	if len(data) == 0 {
		WriteBadRequest(w, "artifact body is empty")
		return
	}

	contentType := r.Header.Get("Content-Type")
	gen := func(ctx context.Context) (*cache.Artifact, error) {
		return &cache.Artifact{Data: data, ContentType: contentType}, nil
	}

	var artifact *cache.Artifact
	if r.URL.Query().Get("force") == "true" {
		artifact, err = h.cache.Regenerate(r.Context(), key, gen)
	} else {
		artifact, err = h.cache.GetOrCreate(r.Context(), key, gen)
	}
	if err != nil {
		h.logger.Error("storing artifact", "key", key.String(), "error", err)
		WriteInternalError(w, "Failed to store artifact")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"stored":       true,
		"generated_at": artifact.GeneratedAt,
		"bytes":        len(artifact.Data),
	})
}

// caseArtifactRequest reports a collaborator job result for a case.
type caseArtifactRequest struct {
	Status models.JobStatus `json:"status"`
	Ready  bool             `json:"ready"`
	Kind   string           `json:"kind"`
}

// Report handles POST /v1/cases/{caseID}/artifacts: a collaborator
// reports its job outcome, which updates only the derived-job flags.
func (h *ArtifactsHandler) Report(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")
	var req caseArtifactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body: "+err.Error())
		return
	}

	var err error
	switch req.Kind {
	case "report":
		err = h.engine.SetAnalyzeState(r.Context(), caseID, req.Status, req.Ready)
	case "visual":
		err = h.engine.SetVisualState(r.Context(), caseID, req.Status, req.Ready)
	default:
		WriteBadRequest(w, "kind must be report or visual")
		return
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"updated": true})
}
