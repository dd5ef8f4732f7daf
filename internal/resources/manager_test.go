package resources_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalystcommunity/trainforge/orchestrator/internal/resources"
)

func TestAllocateGPUsExhaustsPool(t *testing.T) {
	m := resources.NewManager()
	snap := m.Snapshot()
	total := len(snap.GPUs)
	require.Greater(t, total, 0)

	indices, err := m.AllocateGPUs("job-1", total, 0)
	require.NoError(t, err)
	assert.Len(t, indices, total)

	_, err = m.AllocateGPUs("job-2", 1, 0)
	assert.ErrorIs(t, err, resources.ErrInsufficientResources)
}

func TestReleaseReturnsGPUsToPool(t *testing.T) {
	m := resources.NewManager()
	snap := m.Snapshot()
	total := len(snap.GPUs)

	indices, err := m.AllocateGPUs("job-1", total, 0)
	require.NoError(t, err)

	allocSnap := m.Snapshot()
	assert.Equal(t, 0, allocSnap.FreeGPUCount())

	// Release through the public Release, reading the allocation id from
	// the snapshot's allocated device.
	_ = indices
	for _, g := range allocSnap.GPUs {
		if g.AllocationID != "" {
			m.Release(g.AllocationID)
		}
	}

	freed := m.Snapshot()
	assert.Equal(t, total, freed.FreeGPUCount())
}

func TestAllocateCPUsRespectsMemoryFloor(t *testing.T) {
	m := resources.NewManager()
	snap := m.Snapshot()
	require.Greater(t, len(snap.CPUNodes), 0)

	// An impossibly high memory floor should never be satisfiable.
	_, err := m.AllocateCPUs("job-1", 1, 1<<30)
	assert.ErrorIs(t, err, resources.ErrInsufficientResources)
}

func TestAllocateCPUsGrantsFreeCores(t *testing.T) {
	m := resources.NewManager()
	snap := m.Snapshot()
	free := snap.FreeCPUCoreCount()
	require.Greater(t, free, 0)

	indices, err := m.AllocateCPUs("job-1", 1, 0)
	require.NoError(t, err)
	assert.Len(t, indices, 1)

	after := m.Snapshot()
	assert.Equal(t, free-1, after.FreeCPUCoreCount())
}
