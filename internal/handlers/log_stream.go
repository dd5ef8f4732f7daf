package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/catalystcommunity/trainforge/orchestrator/internal/models"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/obslog"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/store"
)

// LogStreamHandler upgrades GET /api/jobs/{job_id}/logs/stream into a
// WebSocket connection and pushes newly appended log records as they land,
// polling the store's tail buffer rather than fanning out an in-process
// pub/sub since the worker already batches logs through AppendJobLogs.
type LogStreamHandler struct {
	store    store.Store
	upgrader websocket.Upgrader
}

// NewLogStreamHandler constructs a LogStreamHandler.
func NewLogStreamHandler(st store.Store) *LogStreamHandler {
	return &LogStreamHandler{
		store: st,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

const logStreamPollInterval = 1 * time.Second

// Stream handles GET /api/jobs/{job_id}/logs/stream, emitting one JSON
// message per new JobLogRecord until the job reaches a terminal status or
// the client disconnects.
func (h *LogStreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	jobID := GetIDFromContext(r, "job_id")
	if jobID == "" {
		http.Error(w, "missing job_id", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		obslog.Log.WithError(err).Warn("log stream upgrade failed")
		return
	}
	defer conn.Close()

	ctx := r.Context()
	ticker := time.NewTicker(logStreamPollInterval)
	defer ticker.Stop()

	var lastSeq int64 = -1

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := h.store.GetJob(ctx, jobID)
			if err != nil {
				h.sendError(conn, err.Error())
				return
			}

			records, err := h.store.GetLogTail(ctx, jobID)
			if err != nil {
				h.sendError(conn, err.Error())
				return
			}

			for _, rec := range records {
				if rec.Sequence <= lastSeq {
					continue
				}
				if err := conn.WriteJSON(rec); err != nil {
					return
				}
				lastSeq = rec.Sequence
			}

			if job.Status.Terminal() {
				conn.WriteJSON(models.JobLogRecord{
					Sequence:  lastSeq + 1,
					Stream:    "control",
					Lines:     []string{"job reached terminal status: " + string(job.Status)},
					Timestamp: time.Now(),
				})
				return
			}
		}
	}
}

func (h *LogStreamHandler) sendError(conn *websocket.Conn, message string) {
	conn.WriteJSON(models.JobLogRecord{
		Stream:    "error",
		Lines:     []string{message},
		Timestamp: time.Now(),
	})
}
