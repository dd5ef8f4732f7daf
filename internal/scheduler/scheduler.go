// Package scheduler implements the Job Scheduler: score-based placement of
// queued jobs onto the Resource Manager's GPU/CPU inventory, worker-facing
// claim handling, and reclaim of jobs whose worker went unreachable or whose
// claim was never confirmed, grounded on the ticker-driven placement loop
// and reclaim bookkeeping of the deleted priority_scheduler.go.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/catalystcommunity/trainforge/orchestrator/internal/config"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/metrics"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/models"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/obslog"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/resources"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/store"
)

// waitBonusPerMinute is added to a job's score for every minute it has sat
// pending, so a long-waiting LOW job eventually outranks a freshly
// submitted NORMAL one.
const waitBonusPerMinute = 5.0

// ErrNoMasterPort is returned when the configured master port range is
// fully held by other distributed jobs.
var ErrNoMasterPort = errors.New("no master port available")

// Scheduler owns the pending-job placement loop. It does not persist jobs
// itself; it reads and mutates them through a Store and grants/releases
// resources through a resources.Manager.
type Scheduler struct {
	store     store.Store
	resources *resources.Manager
	rules     []Rule

	// claimGroup collapses concurrent ClaimNext calls for the same worker
	// ID into a single scan-and-assign, so a worker that fires off two
	// overlapping poll requests (e.g. a slow response racing the next
	// ticker tick) can never be handed two different jobs at once.
	claimGroup singleflight.Group

	// portMu guards masterPortHeld, the scheduler's rendezvous-port pool
	// for distributed jobs. One port is held per distributed job from
	// placement until the job reaches a terminal state.
	portMu         sync.Mutex
	masterPortHeld map[string]int // job id -> port
	nextPortProbe  int

	stopCh chan struct{}
}

// New constructs a Scheduler. rules is evaluated against every pending
// job's Labels on each tick to compute score adjustments.
func New(st store.Store, rm *resources.Manager, rules []Rule) *Scheduler {
	return &Scheduler{
		store:          st,
		resources:      rm,
		rules:          rules,
		masterPortHeld: make(map[string]int),
		nextPortProbe:  config.MasterPortRangeStart,
		stopCh:         make(chan struct{}),
	}
}

// Run drives the placement loop, the claimed-pending reclaim sweep, and the
// unreachable-worker reclaim sweep, each on its own ticker, until ctx is
// cancelled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	placementTicker := time.NewTicker(1 * time.Second)
	reclaimTicker := time.NewTicker(config.ClaimPendingWindow / 2)
	heartbeatTicker := time.NewTicker(config.HeartbeatTimeout / 2)
	defer placementTicker.Stop()
	defer reclaimTicker.Stop()
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-placementTicker.C:
			s.tick(ctx)
		case <-reclaimTicker.C:
			s.reclaimStaleClaims(ctx)
		case <-heartbeatTicker.C:
			s.reclaimFromUnreachableWorkers(ctx)
		}
	}
}

// Stop halts Run.
func (s *Scheduler) Stop() { close(s.stopCh) }

// Submit records a newly created job as queued and available for
// placement. CreateJob itself is the Control Plane API's job, so Submit
// only performs the submitted->queued transition.
func (s *Scheduler) Submit(ctx context.Context, jobID string) (*models.Job, error) {
	now := time.Now()
	return s.store.UpdateJob(ctx, jobID, func(j *models.Job) error {
		j.Status = models.StatusQueued
		j.QueuedAt = &now
		return nil
	})
}

// tick scores every pending job, then walks the heap highest-score-first,
// attempting to place each job. A job that cannot be satisfied right now is
// skipped rather than blocking lower-priority jobs behind it.
func (s *Scheduler) tick(ctx context.Context) {
	pending, err := s.store.ListJobs(ctx, store.JobFilter{Pending: true})
	if err != nil {
		obslog.Log.WithError(err).Warn("scheduler: failed to list pending jobs")
		return
	}
	if len(pending) == 0 {
		return
	}

	depths := map[models.Priority]int{}
	scored := make([]scoredJob, 0, len(pending))
	for _, j := range pending {
		if j.Status != models.StatusQueued {
			continue
		}
		depths[j.Priority]++
		scored = append(scored, scoredJob{job: j, score: s.score(j)})
	}
	for p, n := range depths {
		metrics.UpdateQueueDepth(string(p), float64(n))
	}

	h := newJobHeap(scored)
	for h.Len() > 0 {
		sj := heap.Pop(h).(scoredJob)
		if sj.job.IsDistributed() {
			s.tryPlaceDistributed(ctx, sj.job)
		} else {
			s.tryPlace(ctx, sj.job)
		}
	}
}

func (s *Scheduler) score(j *models.Job) float64 {
	base := j.Priority.BaseScore()
	waitMinutes := 0.0
	if j.QueuedAt != nil {
		waitMinutes = time.Since(*j.QueuedAt).Minutes()
	}
	return base + waitMinutes*waitBonusPerMinute + applyRules(s.rules, j)
}

// tryPlace attempts to grant GPU/CPU resources for one job and, on success,
// transitions it to claimed_pending so a worker can pick it up. Partial
// allocation (GPUs granted, CPUs unavailable) is rolled back so no
// resources leak on a failed placement attempt.
func (s *Scheduler) tryPlace(ctx context.Context, job *models.Job) {
	gpuIndices, err := s.resources.AllocateGPUs(job.ID, job.Resources.GPUCount, job.Resources.GPUMemoryFloorMiB)
	if err != nil {
		return
	}

	cpuIndices, err := s.resources.AllocateCPUs(job.ID, job.Resources.CPUCores, job.Resources.CPUMemoryFloorMiB)
	if err != nil {
		if len(gpuIndices) > 0 {
			s.resources.ReleaseJob(job.ID)
		}
		return
	}

	now := time.Now()
	_, err = s.store.UpdateJob(ctx, job.ID, func(j *models.Job) error {
		if j.Status != models.StatusQueued {
			return store.ErrConflict
		}
		j.Status = models.StatusClaimedPending
		j.GPUIndices = gpuIndices
		j.CPUCoreIndices = cpuIndices
		j.ClaimedAt = &now
		return nil
	})
	if err != nil {
		obslog.Log.WithError(err).WithField("job_id", job.ID).Warn("scheduler: placement lost race, releasing resources")
		s.resources.ReleaseJob(job.ID)
	}
}

// tryPlaceDistributed places every rank of a distributed job in one pass:
// NodeCount independent resource allocations (one per rank, all granted
// under the job's id so a single ReleaseJob tears every rank's allocation
// down together) and one held rendezvous port. Any rank that cannot be
// satisfied rolls the whole placement back, so a distributed job never
// sits half-allocated waiting for a resource that frees up later while
// holding GPUs other jobs could use now.
func (s *Scheduler) tryPlaceDistributed(ctx context.Context, job *models.Job) {
	rankCount := job.Distributed.NodeCount
	if rankCount <= 0 {
		rankCount = job.Distributed.WorldSize
	}

	assignments := make([]models.RankAssignment, 0, rankCount)
	for rank := 0; rank < rankCount; rank++ {
		gpuIndices, err := s.resources.AllocateGPUs(job.ID, job.Resources.GPUCount, job.Resources.GPUMemoryFloorMiB)
		if err != nil {
			s.resources.ReleaseJob(job.ID)
			return
		}
		cpuIndices, err := s.resources.AllocateCPUs(job.ID, job.Resources.CPUCores, job.Resources.CPUMemoryFloorMiB)
		if err != nil {
			s.resources.ReleaseJob(job.ID)
			return
		}
		assignments = append(assignments, models.RankAssignment{
			Rank: rank, GPUIndices: gpuIndices, CPUCoreIndices: cpuIndices,
		})
	}

	port, err := s.allocateMasterPort(job.ID)
	if err != nil {
		s.resources.ReleaseJob(job.ID)
		obslog.Log.WithError(err).WithField("job_id", job.ID).Warn("scheduler: no master port available for distributed placement")
		return
	}

	now := time.Now()
	_, err = s.store.UpdateJob(ctx, job.ID, func(j *models.Job) error {
		if j.Status != models.StatusQueued {
			return store.ErrConflict
		}
		j.Status = models.StatusClaimedPending
		j.RankAssignments = assignments
		if j.Distributed != nil {
			j.Distributed.MasterAddr = ""
			j.Distributed.MasterPort = port
		}
		j.ClaimedAt = &now
		return nil
	})
	if err != nil {
		obslog.Log.WithError(err).WithField("job_id", job.ID).Warn("scheduler: distributed placement lost race, releasing resources")
		s.resources.ReleaseJob(job.ID)
		s.releaseMasterPort(job.ID)
	}
}

// allocateMasterPort grants jobID the next free port in the configured
// range. The range is small and held ports are few, so a linear probe from
// the last handed-out port is sufficient; it never revisits a port held by
// another job.
func (s *Scheduler) allocateMasterPort(jobID string) (int, error) {
	s.portMu.Lock()
	defer s.portMu.Unlock()

	span := config.MasterPortRangeEnd - config.MasterPortRangeStart + 1
	for i := 0; i < span; i++ {
		port := config.MasterPortRangeStart + (s.nextPortProbe-config.MasterPortRangeStart+i)%span
		held := false
		for _, p := range s.masterPortHeld {
			if p == port {
				held = true
				break
			}
		}
		if !held {
			s.masterPortHeld[jobID] = port
			s.nextPortProbe = port + 1
			return port, nil
		}
	}
	return 0, ErrNoMasterPort
}

func (s *Scheduler) releaseMasterPort(jobID string) {
	s.portMu.Lock()
	defer s.portMu.Unlock()
	delete(s.masterPortHeld, jobID)
}

// ClaimNext is polled by a worker runtime to pick up the next job assigned
// to it. A single-process job becomes claimable once it sits in
// claimed_pending without an AssignedWorkerID; a distributed job becomes
// claimable rank-by-rank, as soon as any RankAssignment still has no
// WorkerID. ClaimNext assigns at most one rank (or one whole job, for the
// single-process case) per call.
func (s *Scheduler) ClaimNext(ctx context.Context, workerID string) (*models.Job, error) {
	v, err, _ := s.claimGroup.Do(workerID, func() (interface{}, error) {
		return s.claimNext(ctx, workerID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Job), nil
}

func (s *Scheduler) claimNext(ctx context.Context, workerID string) (*models.Job, error) {
	pending, err := s.store.ListJobs(ctx, store.JobFilter{Status: models.StatusClaimedPending})
	if err != nil {
		return nil, err
	}
	for _, j := range pending {
		if j.IsDistributed() {
			claimed, err := s.claimDistributedRank(ctx, j, workerID)
			if err == store.ErrConflict {
				continue
			}
			if err != nil {
				return nil, err
			}
			return claimed, nil
		}

		if j.AssignedWorkerID != "" {
			continue
		}
		claimed, err := s.store.UpdateJob(ctx, j.ID, func(job *models.Job) error {
			if job.Status != models.StatusClaimedPending || job.AssignedWorkerID != "" {
				return store.ErrConflict
			}
			job.AssignedWorkerID = workerID
			return nil
		})
		if err == store.ErrConflict {
			metrics.RecordClaimConflict()
			continue
		}
		if err != nil {
			return nil, err
		}
		return claimed, nil
	}
	return nil, store.ErrNotFound
}

func (s *Scheduler) claimDistributedRank(ctx context.Context, j *models.Job, workerID string) (*models.Job, error) {
	claimed, err := s.store.UpdateJob(ctx, j.ID, func(job *models.Job) error {
		if job.Status != models.StatusClaimedPending {
			return store.ErrConflict
		}
		for i := range job.RankAssignments {
			if job.RankAssignments[i].WorkerID == "" {
				job.RankAssignments[i].WorkerID = workerID
				job.RankAssignments[i].Confirmed = true
				return nil
			}
		}
		return store.ErrConflict
	})
	if err != nil {
		if err == store.ErrConflict {
			metrics.RecordClaimConflict()
		}
		return nil, err
	}

	if claimed.AllRanksConfirmed() && claimed.Distributed.MasterAddr == "" {
		s.resolveMasterAddr(ctx, claimed)
	}
	return claimed, nil
}

// resolveMasterAddr fills in Distributed.MasterAddr from rank 0's worker
// hostname once every rank has a confirmed placement, so every process can
// resolve the same rendezvous point. A failure to resolve is logged and
// leaves MasterAddr empty; nothing retries the resolution, and
// reclaimStaleClaims skips jobs whose ranks are all confirmed.
func (s *Scheduler) resolveMasterAddr(ctx context.Context, job *models.Job) {
	rank0WorkerID, ok := "", false
	for _, ra := range job.RankAssignments {
		if ra.Rank == 0 {
			rank0WorkerID, ok = ra.WorkerID, true
			break
		}
	}
	if !ok {
		return
	}
	worker, err := s.store.GetWorker(ctx, rank0WorkerID)
	if err != nil {
		obslog.Log.WithError(err).WithField("job_id", job.ID).Warn("scheduler: failed to resolve rank 0 worker for master address")
		return
	}
	_, err = s.store.UpdateJob(ctx, job.ID, func(j *models.Job) error {
		if j.Distributed != nil && j.Distributed.MasterAddr == "" {
			j.Distributed.MasterAddr = worker.Hostname
		}
		return nil
	})
	if err != nil {
		obslog.Log.WithError(err).WithField("job_id", job.ID).Warn("scheduler: failed to persist master address")
	}
}

// ReportResult records a worker's execution outcome for a job and releases
// its resource allocation. It is a no-op on a job that has already reached
// a terminal state: a duplicate or racing report (a worker's retrying
// status PUT crossing a reclaim, for instance) must never resurrect or
// overwrite a settled outcome.
func (s *Scheduler) ReportResult(ctx context.Context, jobID string, status models.Status, exitCode int, errorKind, errorMessage string) (*models.Job, error) {
	now := time.Now()
	alreadyTerminal := false
	job, err := s.store.UpdateJob(ctx, jobID, func(j *models.Job) error {
		if j.Status.Terminal() {
			alreadyTerminal = true
			return nil
		}
		j.Status = status
		j.ExitCode = &exitCode
		j.ErrorKind = errorKind
		j.ErrorMessage = errorMessage
		j.FinishedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if alreadyTerminal || !status.Terminal() {
		return job, nil
	}

	s.resources.ReleaseJob(jobID)
	s.releaseMasterPort(jobID)

	if job.StartedAt != nil {
		metrics.RecordJobCompleted(string(status), now.Sub(*job.StartedAt).Seconds())
	} else {
		metrics.RecordJobCompleted(string(status), 0)
	}
	if errorKind != "" {
		metrics.RecordJobError(errorKind, status != models.StatusFailed)
	}
	return job, nil
}

// Cancel marks a non-terminal job cancelled and releases any resources and
// master port it holds. Cancelling an already-terminal job is a no-op that
// returns the job unchanged, matching ReportResult's idempotence.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) (*models.Job, error) {
	now := time.Now()
	job, err := s.store.UpdateJob(ctx, jobID, func(j *models.Job) error {
		if j.Status.Terminal() {
			return nil
		}
		j.Status = models.StatusCancelled
		j.FinishedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.resources.ReleaseJob(jobID)
	s.releaseMasterPort(jobID)
	return job, nil
}

// reclaimStaleClaims re-queues jobs that have sat in claimed_pending longer
// than config.ClaimPendingWindow without a worker confirming execution,
// bounded by config.MaxReclaimAttempts before the job is marked failed.
func (s *Scheduler) reclaimStaleClaims(ctx context.Context) {
	claimed, err := s.store.ListJobs(ctx, store.JobFilter{Status: models.StatusClaimedPending})
	if err != nil {
		return
	}
	now := time.Now()
	for _, j := range claimed {
		if j.ClaimedAt == nil || now.Sub(*j.ClaimedAt) < config.ClaimPendingWindow {
			continue
		}
		if j.IsDistributed() && j.AllRanksConfirmed() {
			continue
		}
		s.reclaim(ctx, j, "claim_pending_timeout")
	}
}

// reclaimFromUnreachableWorkers re-queues running/claimed jobs assigned to
// a worker that has missed its heartbeat deadline. A distributed job is
// reclaimed in full if any one of its confirmed ranks lost its worker: a
// partial restart of a multi-node launch is not a valid recovery.
func (s *Scheduler) reclaimFromUnreachableWorkers(ctx context.Context) {
	workers, err := s.store.ListWorkers(ctx)
	if err != nil {
		return
	}
	unreachable := map[string]bool{}
	now := time.Now()
	for _, w := range workers {
		if !w.Reachable(config.HeartbeatTimeout, now) {
			unreachable[w.ID] = true
		}
	}
	if len(unreachable) == 0 {
		return
	}

	jobs, err := s.store.ListJobs(ctx, store.JobFilter{})
	if err != nil {
		return
	}
	seen := map[string]bool{}
	for _, j := range jobs {
		if j.Status.Terminal() || seen[j.ID] {
			continue
		}
		if j.IsDistributed() {
			for _, ra := range j.RankAssignments {
				if ra.WorkerID != "" && unreachable[ra.WorkerID] {
					seen[j.ID] = true
					s.reclaim(ctx, j, "worker_unreachable")
					break
				}
			}
			continue
		}
		if j.AssignedWorkerID != "" && unreachable[j.AssignedWorkerID] {
			seen[j.ID] = true
			s.reclaim(ctx, j, "worker_unreachable")
		}
	}
}

func (s *Scheduler) reclaim(ctx context.Context, job *models.Job, reason string) {
	s.resources.ReleaseJob(job.ID)
	s.releaseMasterPort(job.ID)
	metrics.RecordJobRetry(reason)

	if job.Attempts+1 >= config.MaxReclaimAttempts {
		now := time.Now()
		_, err := s.store.UpdateJob(ctx, job.ID, func(j *models.Job) error {
			j.Status = models.StatusFailed
			j.ErrorKind = "reclaim_limit_exceeded"
			j.ErrorMessage = "job exceeded maximum reclaim attempts: " + reason
			j.FinishedAt = &now
			return nil
		})
		if err != nil {
			obslog.Log.WithError(err).WithField("job_id", job.ID).Warn("scheduler: failed to fail out exhausted job")
		}
		return
	}

	_, err := s.store.UpdateJob(ctx, job.ID, func(j *models.Job) error {
		j.Status = models.StatusQueued
		j.AssignedWorkerID = ""
		j.GPUIndices = nil
		j.CPUCoreIndices = nil
		j.RankAssignments = nil
		if j.Distributed != nil {
			j.Distributed.MasterAddr = ""
			j.Distributed.MasterPort = 0
		}
		j.ClaimedAt = nil
		j.Attempts++
		return nil
	})
	if err != nil {
		obslog.Log.WithError(err).WithField("job_id", job.ID).Warn("scheduler: failed to requeue reclaimed job")
	}
}
