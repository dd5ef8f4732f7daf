// Package resources implements the Resource Manager: GPU/CPU inventory,
// allocation tracking, and a background sampler that keeps that inventory
// current, grounded on the same ticker-driven sampling loop the worker
// runtime uses for its own process metrics.
package resources

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/catalystcommunity/trainforge/orchestrator/internal/config"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/metrics"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/models"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/obslog"
)

// ErrInsufficientResources is returned by AllocateGPUs/AllocateCPUs when
// the requested shape cannot currently be satisfied.
var ErrInsufficientResources = errors.New("insufficient resources")

const coresPerNUMANode = 4

// Manager owns the authoritative view of GPU and CPU inventory and grants
// Allocations against it. All mutation goes through a single mutex: the
// inventory is small enough that a coarse lock never becomes a bottleneck,
// and it keeps allocate/release trivially race-free.
type Manager struct {
	mu          sync.Mutex
	gpus        []models.GPUDevice
	cpuNodes    []models.CPUNode
	allocations map[string]*models.Allocation

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager constructs a Manager and performs an initial resource
// discovery pass (GPU via nvidia-smi/mock fallback, CPU via gopsutil).
func NewManager() *Manager {
	m := &Manager{
		allocations: make(map[string]*models.Allocation),
		stopCh:      make(chan struct{}),
	}
	m.gpus = discoverGPUs()
	m.cpuNodes = discoverCPUNodes()
	return m
}

// Start launches the background samplers that keep GPU and CPU/memory
// readings current: GPU device presence and dynamic fields are re-probed
// via nvidia-smi on GPUSamplePeriod (devices are hot-added/removed by
// container runtimes with device plugins), and per-core CPU utilization
// plus host memory use are resampled on CPUSamplePeriod.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(2)
	go m.sampleLoop(ctx, config.GPUSamplePeriod, m.resampleGPUs)
	go m.sampleLoop(ctx, config.CPUSamplePeriod, m.resampleCPUMemory)
}

// Stop halts the background samplers and waits for them to exit.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) sampleLoop(ctx context.Context, period time.Duration, sample func()) {
	defer m.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			sample()
		}
	}
}

func (m *Manager) resampleGPUs() {
	fresh := discoverGPUs()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Preserve allocation state for devices that still exist by index;
	// discovery always reports a device as AVAILABLE since it has no
	// notion of the allocator's bookkeeping.
	for i := range fresh {
		if i < len(m.gpus) {
			fresh[i].AllocatedTo = m.gpus[i].AllocatedTo
			fresh[i].AllocationID = m.gpus[i].AllocationID
			fresh[i].ReservedMemoryMiB = m.gpus[i].ReservedMemoryMiB
		}
		fresh[i].Status = deriveGPUStatus(fresh[i])
	}
	m.gpus = fresh
	m.recordGaugesLocked()
}

func deriveGPUStatus(g models.GPUDevice) models.GPUStatus {
	if g.AllocatedTo == "" {
		if g.UtilizationPercent >= 95 {
			return models.GPUStatusBusy
		}
		return models.GPUStatusAvailable
	}
	return models.GPUStatusAllocated
}

// resampleCPUMemory refreshes per-core utilization and host memory use.
// cpu.Percent(0, true) with a prior call establishing a baseline returns
// the percentage per logical core since the last call, which is folded
// into each node's Cores; VirtualMemory's Used is apportioned across
// nodes by each node's share of total memory, mirroring how the node's
// total was apportioned at discovery time.
func (m *Manager) resampleCPUMemory() {
	perCore, err := cpu.Percent(0, true)
	if err != nil {
		obslog.Log.WithError(err).Debug("cpu sample failed")
		perCore = nil
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		obslog.Log.WithError(err).Debug("memory sample failed")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for ni := range m.cpuNodes {
		node := &m.cpuNodes[ni]
		for ci := range node.Cores {
			core := &node.Cores[ci]
			if core.Index < len(perCore) {
				core.UtilizationPercent = perCore[core.Index]
			}
			core.Status = deriveCoreStatus(*core)
		}
		if vm != nil && node.MemoryTotalMiB > 0 {
			totalMiB := 0
			for _, n := range m.cpuNodes {
				totalMiB += n.MemoryTotalMiB
			}
			if totalMiB > 0 {
				usedMiB := int(vm.Used / 1024 / 1024)
				node.MemoryUsedMiB = usedMiB * node.MemoryTotalMiB / totalMiB
			}
		}
	}
	m.recordGaugesLocked()
}

func deriveCoreStatus(c models.CPUCoreRecord) models.CPUCoreStatus {
	if c.HolderJobID != "" {
		return models.CPUCoreAllocated
	}
	if c.UtilizationPercent >= 90 {
		return models.CPUCoreBusy
	}
	return models.CPUCoreAvailable
}

func (m *Manager) recordGaugesLocked() {
	allocatedGPUs := 0
	for i := range m.gpus {
		if !m.gpus[i].Free() {
			allocatedGPUs++
		}
	}
	allocatedCores := 0
	for i := range m.cpuNodes {
		allocatedCores += len(m.cpuNodes[i].Cores) - len(m.cpuNodes[i].FreeCores())
	}
	metrics.UpdateResourceGauges(float64(allocatedGPUs), float64(len(m.gpus)), float64(allocatedCores))
}

// Snapshot returns a point-in-time copy of the inventory.
func (m *Manager) Snapshot() models.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	gpus := make([]models.GPUDevice, len(m.gpus))
	copy(gpus, m.gpus)
	nodes := make([]models.CPUNode, len(m.cpuNodes))
	for i := range m.cpuNodes {
		nodes[i] = m.cpuNodes[i]
		nodes[i].Cores = append([]models.CPUCoreRecord(nil), m.cpuNodes[i].Cores...)
	}
	return models.Snapshot{GPUs: gpus, CPUNodes: nodes, Timestamp: time.Now()}
}

// AllocateGPUs grants count GPU devices with at least memoryFloorMiB of
// free memory to jobID, or returns ErrInsufficientResources if no such set
// of free devices exists. A memoryFloorMiB of 0 uses the configured
// default. Candidates are ranked largest-free-memory-first, ties broken by
// lowest index, so a job's allocation is deterministic and tends to leave
// the smallest usable devices for later, smaller jobs.
func (m *Manager) AllocateGPUs(jobID string, count, memoryFloorMiB int) ([]int, error) {
	if count <= 0 {
		return nil, nil
	}
	if memoryFloorMiB <= 0 {
		memoryFloorMiB = config.GPUMemoryFloorDefaultMiB
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := make([]int, 0, len(m.gpus))
	for i := range m.gpus {
		if m.gpus[i].Status == models.GPUStatusAvailable && m.gpus[i].FreeMemoryMiB() >= memoryFloorMiB {
			candidates = append(candidates, i)
		}
	}
	sort.Slice(candidates, func(a, b int) bool {
		ia, ib := candidates[a], candidates[b]
		fa, fb := m.gpus[ia].FreeMemoryMiB(), m.gpus[ib].FreeMemoryMiB()
		if fa != fb {
			return fa > fb
		}
		return ia < ib
	})
	if len(candidates) < count {
		return nil, ErrInsufficientResources
	}
	indices := candidates[:count]
	sort.Ints(indices)

	allocID := uuid.New().String()
	for _, idx := range indices {
		m.gpus[idx].AllocatedTo = jobID
		m.gpus[idx].AllocationID = allocID
		m.gpus[idx].ReservedMemoryMiB = memoryFloorMiB
		m.gpus[idx].Status = models.GPUStatusAllocated
	}
	m.allocations[allocID] = &models.Allocation{
		ID: allocID, JobID: jobID, GPUIndices: indices,
		ReservedMemoryMiB: memoryFloorMiB, GrantedAt: time.Now(),
	}
	m.recordGaugesLocked()
	return indices, nil
}

// AllocateCPUs grants count CPU cores with at least memoryFloorMiB of node
// memory to jobID, all from the first CPUNode (in index order) with enough
// free cores and memory. Cores are never spread across nodes: a request no
// single node can satisfy returns ErrInsufficientResources.
func (m *Manager) AllocateCPUs(jobID string, count, memoryFloorMiB int) ([]int, error) {
	if count <= 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var indices []int
	var chosenNode int = -1
	for ni := range m.cpuNodes {
		if m.cpuNodes[ni].AvailableMemoryMiB() < memoryFloorMiB {
			continue
		}
		free := m.cpuNodes[ni].FreeCores()
		if len(free) >= count {
			indices = append([]int(nil), free[:count]...)
			chosenNode = ni
			break
		}
	}
	if indices == nil {
		return nil, ErrInsufficientResources
	}

	node := &m.cpuNodes[chosenNode]
	for _, idx := range indices {
		for ci := range node.Cores {
			if node.Cores[ci].Index == idx {
				node.Cores[ci].HolderJobID = jobID
				node.Cores[ci].Status = models.CPUCoreAllocated
			}
		}
	}
	node.MemoryReservedMiB += memoryFloorMiB

	allocID := uuid.New().String()
	m.allocations[allocID] = &models.Allocation{
		ID: allocID, JobID: jobID, CPUCoreIndices: indices,
		CPUMemoryFloorMiB: memoryFloorMiB, GrantedAt: time.Now(),
	}
	m.recordGaugesLocked()
	return indices, nil
}

// Release returns every resource named by allocationID to the free pool.
// Releasing an unknown allocation id is a no-op, matching the idempotent
// cleanup semantics the worker lifecycle manager relies on.
func (m *Manager) Release(allocationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(allocationID)
}

// ReleaseJob returns every resource granted to jobID to the free pool. A
// job may hold a GPU allocation and a CPU allocation under separate
// allocation ids; ReleaseJob releases both. Releasing a job with no
// outstanding allocation is a no-op.
func (m *Manager) ReleaseJob(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var toRelease []string
	for id, alloc := range m.allocations {
		if alloc.JobID == jobID {
			toRelease = append(toRelease, id)
		}
	}
	for _, id := range toRelease {
		m.releaseLocked(id)
	}
}

func (m *Manager) releaseLocked(allocationID string) {
	alloc, ok := m.allocations[allocationID]
	if !ok {
		return
	}

	for _, idx := range alloc.GPUIndices {
		if idx >= 0 && idx < len(m.gpus) && m.gpus[idx].AllocationID == allocationID {
			m.gpus[idx].AllocatedTo = ""
			m.gpus[idx].AllocationID = ""
			m.gpus[idx].ReservedMemoryMiB = 0
			m.gpus[idx].Status = models.GPUStatusAvailable
		}
	}
	for ni := range m.cpuNodes {
		node := &m.cpuNodes[ni]
		released := false
		for ci := range node.Cores {
			for _, idx := range alloc.CPUCoreIndices {
				if node.Cores[ci].Index == idx && node.Cores[ci].HolderJobID == alloc.JobID {
					node.Cores[ci].HolderJobID = ""
					node.Cores[ci].Status = models.CPUCoreAvailable
					released = true
				}
			}
		}
		if released {
			node.MemoryReservedMiB -= alloc.CPUMemoryFloorMiB
			if node.MemoryReservedMiB < 0 {
				node.MemoryReservedMiB = 0
			}
		}
	}
	delete(m.allocations, allocationID)
	m.recordGaugesLocked()
}
