package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalystcommunity/trainforge/orchestrator/internal/models"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/store"
)

func TestRegisterWorker(t *testing.T) {
	st := store.NewMemoryStore()
	h := NewWorkerHandler(st)

	payload, err := json.Marshal(RegisterWorkerRequest{
		ID:          "worker-1",
		Hostname:    "gpu-box-1",
		GPUCount:    2,
		CPUCores:    8,
		Concurrency: 1,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/workers/register", bytes.NewReader(payload))
	rec := httptest.NewRecorder()

	h.RegisterWorker(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var worker models.Worker
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &worker))
	assert.Equal(t, "worker-1", worker.ID)
	assert.Equal(t, "gpu-box-1", worker.Hostname)
}

func TestRegisterWorkerRejectsMissingID(t *testing.T) {
	st := store.NewMemoryStore()
	h := NewWorkerHandler(st)

	payload, _ := json.Marshal(RegisterWorkerRequest{Hostname: "no-id"})
	req := httptest.NewRequest(http.MethodPost, "/api/workers/register", bytes.NewReader(payload))
	rec := httptest.NewRecorder()

	h.RegisterWorker(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	st := store.NewMemoryStore()
	h := NewWorkerHandler(st)

	payload, _ := json.Marshal(HeartbeatRequest{ActiveJobCount: 0})
	req := httptest.NewRequest(http.MethodPost, "/api/workers/ghost/heartbeat", bytes.NewReader(payload))
	req = withIDContext(req, "worker_id", "ghost")
	rec := httptest.NewRecorder()

	h.Heartbeat(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegisterThenHeartbeatThenGetWorker(t *testing.T) {
	st := store.NewMemoryStore()
	h := NewWorkerHandler(st)

	regPayload, _ := json.Marshal(RegisterWorkerRequest{ID: "worker-2", Hostname: "box-2"})
	regReq := httptest.NewRequest(http.MethodPost, "/api/workers/register", bytes.NewReader(regPayload))
	regRec := httptest.NewRecorder()
	h.RegisterWorker(regRec, regReq)
	require.Equal(t, http.StatusCreated, regRec.Code)

	hbPayload, _ := json.Marshal(HeartbeatRequest{ActiveJobCount: 3})
	hbReq := httptest.NewRequest(http.MethodPost, "/api/workers/worker-2/heartbeat", bytes.NewReader(hbPayload))
	hbReq = withIDContext(hbReq, "worker_id", "worker-2")
	hbRec := httptest.NewRecorder()
	h.Heartbeat(hbRec, hbReq)
	require.Equal(t, http.StatusOK, hbRec.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/api/workers/worker-2", nil)
	getReq = withIDContext(getReq, "worker_id", "worker-2")
	getRec := httptest.NewRecorder()
	h.GetWorker(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)

	var worker models.Worker
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &worker))
	assert.Equal(t, 3, worker.ActiveJobCount)
}

func TestListWorkers(t *testing.T) {
	st := store.NewMemoryStore()
	h := NewWorkerHandler(st)

	for _, id := range []string{"w1", "w2"} {
		payload, _ := json.Marshal(RegisterWorkerRequest{ID: id})
		req := httptest.NewRequest(http.MethodPost, "/api/workers/register", bytes.NewReader(payload))
		rec := httptest.NewRecorder()
		h.RegisterWorker(rec, req)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/workers", nil)
	rec := httptest.NewRecorder()
	h.ListWorkers(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var workers []models.Worker
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &workers))
	assert.Len(t, workers, 2)
}
