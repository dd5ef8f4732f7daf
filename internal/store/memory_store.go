package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/catalystcommunity/trainforge/orchestrator/internal/config"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/models"
)

// MemoryStore is an in-memory Store implementation. It serializes
// concurrent mutations to the same job through a per-job mutex rather than
// one global lock, so a burst of status updates for unrelated jobs doesn't
// serialize behind each other.
type MemoryStore struct {
	mu      sync.RWMutex // guards the jobs/workers maps themselves
	jobs    map[string]*models.Job
	workers map[string]*models.Worker

	jobLocks sync.Map // job id -> *sync.Mutex
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*models.Job),
		workers: make(map[string]*models.Worker),
	}
}

func (s *MemoryStore) lockFor(jobID string) *sync.Mutex {
	l, _ := s.jobLocks.LoadOrStore(jobID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func (s *MemoryStore) CreateJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return ErrAlreadyExists
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	s.mu.RLock()
	all := make([]*models.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		cp := *j
		all = append(all, &cp)
	}
	s.mu.RUnlock()

	out := make([]*models.Job, 0, len(all))
	for _, j := range all {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.AssignedWorkerID != "" && j.AssignedWorkerID != filter.AssignedWorkerID {
			continue
		}
		if filter.Pending && j.Status != models.StatusSubmitted && j.Status != models.StatusQueued {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].SubmittedAt.Before(out[k].SubmittedAt)
	})
	return out, nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, id string, fn func(*models.Job) error) (*models.Job, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	j, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	cp := *j
	if err := fn(&cp); err != nil {
		return nil, err
	}
	cp.UpdatedAt = time.Now()

	s.mu.Lock()
	s.jobs[id] = &cp
	s.mu.Unlock()

	out := cp
	return &out, nil
}

func (s *MemoryStore) ClaimJob(ctx context.Context, jobID, workerID string) (*models.Job, error) {
	lock := s.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	j, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if j.Status != models.StatusQueued {
		return nil, ErrConflict
	}

	cp := *j
	cp.Status = models.StatusClaimedPending
	cp.AssignedWorkerID = workerID
	now := time.Now()
	cp.ClaimedAt = &now
	cp.UpdatedAt = now

	s.mu.Lock()
	s.jobs[jobID] = &cp
	s.mu.Unlock()

	out := cp
	return &out, nil
}

func (s *MemoryStore) DeleteJob(ctx context.Context, id string) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) AppendLogRecords(ctx context.Context, jobID string, records []models.JobLogRecord) error {
	lock := s.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	j, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	cp := *j
	cp.LogTail = append(cp.LogTail, records...)
	if max := config.LogTailMaxLines; len(cp.LogTail) > max {
		cp.LogTail = cp.LogTail[len(cp.LogTail)-max:]
	}

	s.mu.Lock()
	s.jobs[jobID] = &cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetLogTail(ctx context.Context, jobID string) ([]models.JobLogRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]models.JobLogRecord, len(j.LogTail))
	copy(out, j.LogTail)
	return out, nil
}

func (s *MemoryStore) RegisterWorker(ctx context.Context, w *models.Worker) error {
	if w.ID == "" {
		return ErrInvalidInput
	}
	now := time.Now()
	w.RegisteredAt = now
	w.LastHeartbeatAt = now
	w.Status = models.WorkerStatusActive

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.workers[w.ID] = &cp
	return nil
}

func (s *MemoryStore) Heartbeat(ctx context.Context, workerID string, activeJobCount int) (*models.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	cp.LastHeartbeatAt = time.Now()
	cp.ActiveJobCount = activeJobCount
	cp.Status = models.WorkerStatusActive
	s.workers[workerID] = &cp
	out := cp
	return &out, nil
}

func (s *MemoryStore) GetWorker(ctx context.Context, id string) (*models.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) ListWorkers(ctx context.Context) ([]*models.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}
