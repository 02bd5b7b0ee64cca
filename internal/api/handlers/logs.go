package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/repobox/control-plane/internal/models"
	"github.com/repobox/control-plane/internal/store"
)

// DefaultLogLimit bounds a historical log query when no limit is given.
const DefaultLogLimit = 1000

// MaxLogLimit is the hard cap on a single historical log query.
const MaxLogLimit = 10000

// LogsHandler serves historical case logs.
type LogsHandler struct {
	store  store.Store
	logger *slog.Logger
}

// NewLogsHandler creates a new logs handler.
func NewLogsHandler(st store.Store, logger *slog.Logger) *LogsHandler {
	return &LogsHandler{store: st, logger: logger}
}

// List handles GET /v1/cases/{caseID}/logs. Records come back in append
// order; stream and limit query parameters bound the result.
func (h *LogsHandler) List(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")
	if caseID == "" {
		WriteBadRequest(w, "Case ID is required")
		return
	}

	limit := DefaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			WriteBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = parsed
		if limit > MaxLogLimit {
			limit = MaxLogLimit
		}
	}

	stream := r.URL.Query().Get("stream")
	switch stream {
	case "", models.StreamBuild, models.StreamRun, models.StreamSystem:
	default:
		WriteBadRequest(w, "stream must be one of: build, run, system")
		return
	}

	var (
		records []*models.LogRecord
		err     error
	)
	if stream == "" {
		records, err = h.store.Logs().List(r.Context(), caseID, limit)
	} else {
		records, err = h.store.Logs().ListByStream(r.Context(), caseID, stream, limit)
	}
	if err != nil {
		h.logger.Error("listing logs", "case_id", caseID, "error", err)
		WriteInternalError(w, "Failed to list logs")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"case_id": caseID,
		"count":   len(records),
		"logs":    records,
	})
}
