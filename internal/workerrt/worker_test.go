package workerrt

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalystcommunity/trainforge/orchestrator/internal/models"
)

func TestDeclaredEntrypoint(t *testing.T) {
	cases := []struct {
		name    string
		command []string
		want    string
	}{
		{"empty command", nil, ""},
		{"relative script", []string{"python", "train.py"}, "train.py"},
		{"module invocation has no file", []string{"python", "-m", "pkg.train"}, ""},
		{"absolute path skipped", []string{"/usr/bin/python", "/opt/train.py"}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, declaredEntrypoint(tc.command))
		})
	}
}

func newTestWorker(t *testing.T, client *ControlPlaneClient) *Worker {
	t.Helper()
	return New(Config{
		WorkerID:     "worker-1",
		Capabilities: []string{"base"},
		WorkspaceDir: t.TempDir(),
	}, client, nil)
}

func TestBuildJobConfigSingleNode(t *testing.T) {
	w := newTestWorker(t, NewControlPlaneClient("http://unused", ""))

	job := &models.Job{
		ID:             "job-1",
		Command:        []string{"python", "train.py"},
		GPUIndices:     []int{0, 2},
		CPUCoreIndices: []int{4, 5},
	}

	cfg := w.buildJobConfig(job, "/work/job-1")
	assert.Equal(t, "job-1", cfg.Env["TRAINFORGE_JOB_ID"])
	assert.Equal(t, "1", cfg.Env["PYTHONUNBUFFERED"])
	assert.Equal(t, "0,2", cfg.Env["CUDA_VISIBLE_DEVICES"])
	assert.Equal(t, []int{0, 2}, cfg.GPUIndices)
	assert.Equal(t, []int{4, 5}, cfg.CPUCoreIndices)
	assert.NotContains(t, cfg.Env, "RANK")
}

func TestBuildJobConfigDistributedUsesRankAssignment(t *testing.T) {
	w := newTestWorker(t, NewControlPlaneClient("http://unused", ""))

	job := &models.Job{
		ID:          "job-2",
		Command:     []string{"python", "train.py"},
		Distributed: &models.DistributedConfig{WorldSize: 2, MasterAddr: "10.0.0.1", MasterPort: 29501},
		RankAssignments: []models.RankAssignment{
			{Rank: 0, WorkerID: "worker-0", Confirmed: true, GPUIndices: []int{0}},
			{Rank: 1, WorkerID: "worker-1", Confirmed: true, GPUIndices: []int{1}, CPUCoreIndices: []int{7}},
		},
	}

	cfg := w.buildJobConfig(job, "/work/job-2")
	assert.Equal(t, "1", cfg.Env["RANK"])
	assert.Equal(t, "2", cfg.Env["WORLD_SIZE"])
	assert.Equal(t, "10.0.0.1", cfg.Env["MASTER_ADDR"])
	assert.Equal(t, "29501", cfg.Env["MASTER_PORT"])
	assert.Equal(t, []int{1}, cfg.GPUIndices)
	assert.Equal(t, []int{7}, cfg.CPUCoreIndices)
	assert.Equal(t, "1", cfg.Env["CUDA_VISIBLE_DEVICES"])
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, contents := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(contents))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestFetchAndExtractArchive(t *testing.T) {
	archive := buildZip(t, map[string]string{"train.py": "print('hi')", "requirements.txt": "numpy"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer srv.Close()

	client := NewControlPlaneClient(srv.URL, "")
	w := newTestWorker(t, client)

	job := &models.Job{ID: "job-3", Command: []string{"python", "train.py"}}
	workDir := t.TempDir()

	err := w.fetchAndExtractArchive(context.Background(), job, workDir)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(workDir, "train.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('hi')", string(data))
}

func TestFetchAndExtractArchiveRejectsMissingEntrypoint(t *testing.T) {
	archive := buildZip(t, map[string]string{"other.py": "x"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer srv.Close()

	client := NewControlPlaneClient(srv.URL, "")
	w := newTestWorker(t, client)

	job := &models.Job{ID: "job-4", Command: []string{"python", "train.py"}}
	err := w.fetchAndExtractArchive(context.Background(), job, t.TempDir())
	assert.Error(t, err)
}

func TestFetchAndExtractArchiveRejectsZipSlip(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	fw, err := zw.Create("../../etc/passwd")
	require.NoError(t, err)
	_, err = fw.Write([]byte("malicious"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	client := NewControlPlaneClient(srv.URL, "")
	w := newTestWorker(t, client)

	job := &models.Job{ID: "job-5", Command: []string{"true"}}
	err = w.fetchAndExtractArchive(context.Background(), job, t.TempDir())
	assert.Error(t, err)
}

func TestCollectAndUploadResults(t *testing.T) {
	var uploadedNames []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, _, err := r.FormFile("archive")
		require.NoError(t, err)
		defer file.Close()
		data, err := io.ReadAll(file)
		require.NoError(t, err)

		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		require.NoError(t, err)
		for _, f := range zr.File {
			uploadedNames = append(uploadedNames, f.Name)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"job-6","results_key":"jobs/job-6/results.zip"}`))
	}))
	defer srv.Close()

	client := NewControlPlaneClient(srv.URL, "")
	w := newTestWorker(t, client)

	workDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "model.ckpt"), []byte("weights"), 0o644))

	job := &models.Job{ID: "job-6"}
	require.NoError(t, w.collectAndUploadResults(context.Background(), job, workDir))
	assert.Contains(t, uploadedNames, "model.ckpt")
}
