package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/cors"

	"github.com/catalystcommunity/trainforge/orchestrator/internal/metrics"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/middleware"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/objects"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/resources"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/scheduler"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/store"
)

// contextKey namespaces values stored on the request context by the router,
// replacing the path-variable extraction a mux router would otherwise do.
type contextKey string

func setIDContext(ctx context.Context, key, value string) context.Context {
	return context.WithValue(ctx, contextKey(key), value)
}

// GetIDFromContext returns a path parameter previously stored by the router.
func GetIDFromContext(r *http.Request, key string) string {
	if v, ok := r.Context().Value(contextKey(key)).(string); ok {
		return v
	}
	return ""
}

// NewRouter builds the Control Plane API's HTTP handler: every job/worker
// route wrapped in auth + metrics middleware, CORS applied at the edge.
func NewRouter(st store.Store, sched *scheduler.Scheduler, rm *resources.Manager, objStore objects.ObjectStore) http.Handler {
	mux := http.NewServeMux()

	jobHandler := NewJobHandler(st, sched, objStore)
	workerHandler := NewWorkerHandler(st)
	wsHandler := NewLogStreamHandler(st)

	wrap := func(endpoint string, h http.HandlerFunc) http.Handler {
		return middleware.APITokenMiddleware(middleware.MetricsMiddleware(endpoint, h))
	}

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	mux.Handle("/api/metrics", metrics.Handler())

	mux.Handle("/api/jobs", wrap("/api/jobs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			jobHandler.ListJobs(w, r)
		case http.MethodPost:
			jobHandler.CreateJob(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}))

	mux.Handle("/api/jobs/distributed", wrap("/api/jobs/distributed", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		jobHandler.CreateDistributedJob(w, r)
	}))

	mux.Handle("/api/jobs/pending", wrap("/api/jobs/pending", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		jobHandler.ListPendingJobs(w, r)
	}))

	mux.Handle("/api/jobs/claim-next", wrap("/api/jobs/claim-next", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		jobHandler.ClaimNext(w, r)
	}))

	mux.Handle("/api/jobs/", wrap("/api/jobs/{job_id}", func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
		if path == "" {
			http.Error(w, "invalid path", http.StatusBadRequest)
			return
		}

		switch {
		case strings.HasSuffix(path, "/cancel"):
			jobID := strings.TrimSuffix(path, "/cancel")
			r = r.WithContext(setIDContext(r.Context(), "job_id", jobID))
			if r.Method != http.MethodPut {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			jobHandler.CancelJob(w, r)

		case strings.HasSuffix(path, "/status"):
			jobID := strings.TrimSuffix(path, "/status")
			r = r.WithContext(setIDContext(r.Context(), "job_id", jobID))
			switch r.Method {
			case http.MethodGet:
				jobHandler.GetJobStatus(w, r)
			case http.MethodPut:
				jobHandler.UpdateJobStatus(w, r)
			default:
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			}

		case strings.HasSuffix(path, "/logs/batch"):
			jobID := strings.TrimSuffix(path, "/logs/batch")
			r = r.WithContext(setIDContext(r.Context(), "job_id", jobID))
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			jobHandler.AppendJobLogs(w, r)

		case strings.HasSuffix(path, "/logs/stream"):
			jobID := strings.TrimSuffix(path, "/logs/stream")
			r = r.WithContext(setIDContext(r.Context(), "job_id", jobID))
			wsHandler.Stream(w, r)

		case strings.HasSuffix(path, "/logs"):
			jobID := strings.TrimSuffix(path, "/logs")
			r = r.WithContext(setIDContext(r.Context(), "job_id", jobID))
			if r.Method != http.MethodGet {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			jobHandler.GetJobLogs(w, r)

		case strings.HasSuffix(path, "/files"):
			jobID := strings.TrimSuffix(path, "/files")
			r = r.WithContext(setIDContext(r.Context(), "job_id", jobID))
			if r.Method != http.MethodGet {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			jobHandler.GetJobFiles(w, r)

		case strings.HasSuffix(path, "/claim"):
			jobID := strings.TrimSuffix(path, "/claim")
			r = r.WithContext(setIDContext(r.Context(), "job_id", jobID))
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			jobHandler.ClaimJob(w, r)

		case strings.HasSuffix(path, "/results"):
			jobID := strings.TrimSuffix(path, "/results")
			r = r.WithContext(setIDContext(r.Context(), "job_id", jobID))
			switch r.Method {
			case http.MethodPost:
				jobHandler.UploadResults(w, r)
			case http.MethodGet:
				jobHandler.DownloadResults(w, r)
			default:
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			}

		default:
			r = r.WithContext(setIDContext(r.Context(), "job_id", path))
			switch r.Method {
			case http.MethodGet:
				jobHandler.GetJob(w, r)
			default:
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			}
		}
	}))

	mux.Handle("/api/workers/register", wrap("/api/workers/register", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		workerHandler.RegisterWorker(w, r)
	}))

	mux.Handle("/api/workers", wrap("/api/workers", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		workerHandler.ListWorkers(w, r)
	}))

	mux.Handle("/api/workers/", wrap("/api/workers/{worker_id}", func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/workers/")
		if path == "" {
			http.Error(w, "invalid path", http.StatusBadRequest)
			return
		}

		if strings.HasSuffix(path, "/heartbeat") {
			workerID := strings.TrimSuffix(path, "/heartbeat")
			r = r.WithContext(setIDContext(r.Context(), "worker_id", workerID))
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			workerHandler.Heartbeat(w, r)
			return
		}

		r = r.WithContext(setIDContext(r.Context(), "worker_id", path))
		switch r.Method {
		case http.MethodGet:
			workerHandler.GetWorker(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}))

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(mux)
}
