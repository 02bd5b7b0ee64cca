package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/repobox/control-plane/internal/logs"
	"github.com/repobox/control-plane/internal/models"
)

// DefaultBacklog is the number of retained lines replayed on attach.
const DefaultBacklog = 200

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// LogStreamHandler streams live case logs over a websocket. Each
// message is one JSON log record.
type LogStreamHandler struct {
	recorder *logs.Recorder
	logger   *slog.Logger
}

// NewLogStreamHandler creates a new log stream handler.
func NewLogStreamHandler(rec *logs.Recorder, logger *slog.Logger) *LogStreamHandler {
	return &LogStreamHandler{recorder: rec, logger: logger}
}

// Stream handles GET /v1/cases/{caseID}/logs/stream. The subscriber
// receives a bounded backlog of retained lines, then every record as it
// is appended. An optional stream query parameter filters to one stream.
func (h *LogStreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")
	if caseID == "" {
		WriteBadRequest(w, "Case ID is required")
		return
	}

	stream := r.URL.Query().Get("stream")
	switch stream {
	case "", models.StreamBuild, models.StreamRun, models.StreamSystem:
	default:
		WriteBadRequest(w, "stream must be one of: build, run, system")
		return
	}

	backlog := DefaultBacklog
	if raw := r.URL.Query().Get("backlog"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			WriteBadRequest(w, "backlog must be a non-negative integer")
			return
		}
		backlog = parsed
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "case_id", caseID, "error", err)
		return
	}
	defer conn.Close()

	sub, replayed := h.recorder.SubscribeWithBacklog(caseID, stream, backlog)
	defer h.recorder.Unsubscribe(sub)

	h.logger.Info("log stream attached", "case_id", caseID, "stream", stream, "backlog", len(replayed))

	// Drain client frames so close and pong messages are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, rec := range replayed {
		if err := conn.WriteJSON(rec); err != nil {
			return
		}
	}

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case rec, ok := <-sub.Ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(rec); err != nil {
				return
			}
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
