package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalystcommunity/trainforge/orchestrator/internal/config"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/models"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/resources"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/store"
)

func newTestJob(priority models.Priority, cpuCores int) *models.Job {
	now := time.Now()
	return &models.Job{
		ID:          uuid.New().String(),
		Name:        "test-job",
		Command:     []string{"true"},
		Priority:    priority,
		Status:      models.StatusSubmitted,
		Resources:   models.ResourceRequest{CPUCores: cpuCores},
		SubmittedAt: now,
		UpdatedAt:   now,
	}
}

func TestSubmitTransitionsToQueued(t *testing.T) {
	st := store.NewMemoryStore()
	rm := resources.NewManager()
	s := New(st, rm, nil)

	job := newTestJob(models.PriorityNormal, 1)
	require.NoError(t, st.CreateJob(context.Background(), job))

	updated, err := s.Submit(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, updated.Status)
	assert.NotNil(t, updated.QueuedAt)
}

func TestTickPlacesQueuedJobIntoClaimedPending(t *testing.T) {
	st := store.NewMemoryStore()
	rm := resources.NewManager()
	s := New(st, rm, nil)
	ctx := context.Background()

	job := newTestJob(models.PriorityHigh, 1)
	require.NoError(t, st.CreateJob(ctx, job))
	_, err := s.Submit(ctx, job.ID)
	require.NoError(t, err)

	s.tick(ctx)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClaimedPending, got.Status)
	assert.NotEmpty(t, got.CPUCoreIndices)
}

func TestTickSkipsJobItCannotSatisfy(t *testing.T) {
	st := store.NewMemoryStore()
	rm := resources.NewManager()
	s := New(st, rm, nil)
	ctx := context.Background()

	// Request far more cores than any CPU node provides.
	job := newTestJob(models.PriorityNormal, 100000)
	require.NoError(t, st.CreateJob(ctx, job))
	_, err := s.Submit(ctx, job.ID)
	require.NoError(t, err)

	s.tick(ctx)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
}

func TestClaimNextAssignsWorkerOnce(t *testing.T) {
	st := store.NewMemoryStore()
	rm := resources.NewManager()
	s := New(st, rm, nil)
	ctx := context.Background()

	job := newTestJob(models.PriorityNormal, 1)
	require.NoError(t, st.CreateJob(ctx, job))
	_, err := s.Submit(ctx, job.ID)
	require.NoError(t, err)
	s.tick(ctx)

	claimed, err := s.ClaimNext(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, "worker-1", claimed.AssignedWorkerID)

	_, err = s.ClaimNext(ctx, "worker-2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReportResultReleasesResourcesAndRecordsExitCode(t *testing.T) {
	st := store.NewMemoryStore()
	rm := resources.NewManager()
	s := New(st, rm, nil)
	ctx := context.Background()

	job := newTestJob(models.PriorityNormal, 1)
	require.NoError(t, st.CreateJob(ctx, job))
	_, err := s.Submit(ctx, job.ID)
	require.NoError(t, err)
	s.tick(ctx)

	result, err := s.ReportResult(ctx, job.ID, models.StatusSucceeded, 0, "", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, result.Status)
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 0, *result.ExitCode)

	snap := rm.Snapshot()
	assert.Equal(t, len(snap.CPUNodes[0].Cores), len(snap.CPUNodes[0].FreeCores()))
}

func TestReclaimRequeuesUntilAttemptLimitThenFails(t *testing.T) {
	st := store.NewMemoryStore()
	rm := resources.NewManager()
	s := New(st, rm, nil)
	ctx := context.Background()

	job := newTestJob(models.PriorityNormal, 1)
	job.Attempts = 0
	require.NoError(t, st.CreateJob(ctx, job))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	for i := 1; i < config.MaxReclaimAttempts; i++ {
		s.reclaim(ctx, got, "test_reason")
		got, err = st.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusQueued, got.Status)
		assert.Equal(t, i, got.Attempts)
	}
	s.reclaim(ctx, got, "test_reason")
	got, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "reclaim_limit_exceeded", got.ErrorKind)
}

func TestRoutingRuleAdjustsScore(t *testing.T) {
	rules := []Rule{
		{
			Name: "boost-preemptible",
			Conditions: []Condition{
				{Field: "team", Operator: OperatorEquals, Value: "research"},
			},
			ScoreAdjust: 50,
		},
	}
	job := newTestJob(models.PriorityLow, 1)
	job.Labels = map[string]string{"team": "research"}

	adjust := applyRules(rules, job)
	assert.Equal(t, 50.0, adjust)

	job.Labels = map[string]string{"team": "infra"}
	adjust = applyRules(rules, job)
	assert.Equal(t, 0.0, adjust)
}
