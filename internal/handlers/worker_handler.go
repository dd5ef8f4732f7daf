package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/catalystcommunity/trainforge/orchestrator/internal/config"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/metrics"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/models"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/store"
)

// WorkerHandler serves worker registration and heartbeat endpoints.
type WorkerHandler struct {
	BaseHandler
	store store.Store
}

// NewWorkerHandler constructs a WorkerHandler.
func NewWorkerHandler(st store.Store) *WorkerHandler {
	return &WorkerHandler{store: st}
}

// RegisterWorkerRequest is the payload for POST /api/workers/register.
type RegisterWorkerRequest struct {
	ID           string   `json:"id"`
	Hostname     string   `json:"hostname"`
	Capabilities []string `json:"capabilities"`
	GPUCount     int      `json:"gpu_count"`
	CPUCores     int      `json:"cpu_cores"`
	Concurrency  int      `json:"concurrency"`
}

// RegisterWorker handles POST /api/workers/register.
func (h *WorkerHandler) RegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req RegisterWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		h.respondWithError(w, http.StatusBadRequest, store.ErrInvalidInput)
		return
	}

	worker := &models.Worker{
		ID:           req.ID,
		Hostname:     req.Hostname,
		Capabilities: req.Capabilities,
		GPUCount:     req.GPUCount,
		CPUCores:     req.CPUCores,
		Concurrency:  req.Concurrency,
	}
	if err := h.store.RegisterWorker(r.Context(), worker); err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err)
		return
	}

	workers, err := h.store.ListWorkers(r.Context())
	if err == nil {
		active := 0
		now := time.Now()
		for _, wk := range workers {
			if wk.Reachable(config.HeartbeatTimeout, now) {
				active++
			}
		}
		metrics.SetWorkersActive(float64(active))
	}

	h.respondWithJSON(w, http.StatusCreated, worker)
}

// HeartbeatRequest is the payload for POST /api/workers/{worker_id}/heartbeat.
type HeartbeatRequest struct {
	ActiveJobCount int `json:"active_job_count"`
}

// Heartbeat handles POST /api/workers/{worker_id}/heartbeat.
func (h *WorkerHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	workerID := h.getID(r, "worker_id")
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, store.ErrInvalidInput)
		return
	}

	worker, err := h.store.Heartbeat(r.Context(), workerID, req.ActiveJobCount)
	if err != nil {
		h.respondWithError(w, http.StatusNotFound, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, worker)
}

// GetWorker handles GET /api/workers/{worker_id}.
func (h *WorkerHandler) GetWorker(w http.ResponseWriter, r *http.Request) {
	workerID := h.getID(r, "worker_id")
	worker, err := h.store.GetWorker(r.Context(), workerID)
	if err != nil {
		h.respondWithError(w, http.StatusNotFound, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, worker)
}

// ListWorkers handles GET /api/workers.
func (h *WorkerHandler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := h.store.ListWorkers(r.Context())
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, workers)
}
