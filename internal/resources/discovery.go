package resources

import (
	"bytes"
	"context"
	"encoding/csv"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/catalystcommunity/trainforge/orchestrator/internal/models"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/obslog"
)

// discoverGPUs probes for NVIDIA GPUs via nvidia-smi's CSV output. There is
// no NVML binding in this tree (see DESIGN.md); nvidia-smi is the
// documented fallback and reports both static capacity and the dynamic
// utilization/temperature/used-memory fields the resampler refreshes on its
// own cadence. When nvidia-smi is unavailable (no driver, CI sandbox, dev
// laptop) a single mock device is synthesized so the scheduler can still be
// exercised end to end, flagged Mock in its device record. AllocateGPUs does
// not consult the flag, so the mock device is granted like a real one.
func discoverGPUs() []models.GPUDevice {
	out, err := runNvidiaSMI(context.Background())
	if err != nil {
		obslog.Log.WithError(err).Debug("nvidia-smi unavailable, using mock GPU inventory")
		return mockGPUs()
	}
	devices, err := parseNvidiaSMICSV(out)
	if err != nil || len(devices) == 0 {
		obslog.Log.WithError(err).Warn("failed to parse nvidia-smi output, using mock GPU inventory")
		return mockGPUs()
	}
	return devices
}

func runNvidiaSMI(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=index,uuid,name,memory.total,memory.used,utilization.gpu,temperature.gpu",
		"--format=csv,noheader,nounits")
	var buf bytes.Buffer
	cmd.Stdout = &buf
	if err := cmd.Run(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func parseNvidiaSMICSV(out []byte) ([]models.GPUDevice, error) {
	r := csv.NewReader(bytes.NewReader(out))
	r.TrimLeadingSpace = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, err
	}

	devices := make([]models.GPUDevice, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSpace(row[0]))
		if err != nil {
			continue
		}
		memTotal, _ := strconv.Atoi(strings.TrimSpace(row[3]))
		memUsed, _ := strconv.Atoi(strings.TrimSpace(row[4]))
		util, _ := strconv.ParseFloat(strings.TrimSpace(row[5]), 64)
		temp, _ := strconv.ParseFloat(strings.TrimSpace(row[6]), 64)
		devices = append(devices, models.GPUDevice{
			Index:              idx,
			UUID:               strings.TrimSpace(row[1]),
			Name:               strings.TrimSpace(row[2]),
			MemoryTotalMiB:     memTotal,
			MemoryUsedMiB:      memUsed,
			UtilizationPercent: util,
			TemperatureC:       temp,
			Status:             models.GPUStatusAvailable,
		})
	}
	return devices, nil
}

func mockGPUs() []models.GPUDevice {
	return []models.GPUDevice{
		{
			Index: 0, UUID: "mock-gpu-0", Name: "Mock GPU",
			MemoryTotalMiB: 16384, Mock: true,
			Status: models.GPUStatusAvailable,
		},
	}
}

// discoverCPUNodes groups logical cores into NUMA-hint groupings of
// coresPerNUMANode, using gopsutil for core count and total memory the way
// the worker runtime's resource monitor already does for its own process.
func discoverCPUNodes() []models.CPUNode {
	count, err := cpu.Counts(true)
	if err != nil || count <= 0 {
		count = 1
	}

	totalMiB := 0
	if vm, err := mem.VirtualMemory(); err == nil {
		totalMiB = int(vm.Total / 1024 / 1024)
	}

	var nodes []models.CPUNode
	for start := 0; start < count; start += coresPerNUMANode {
		end := start + coresPerNUMANode
		if end > count {
			end = count
		}
		cores := make([]models.CPUCoreRecord, 0, end-start)
		for c := start; c < end; c++ {
			cores = append(cores, models.CPUCoreRecord{Index: c, Status: models.CPUCoreAvailable})
		}
		share := totalMiB * len(cores) / count
		nodes = append(nodes, models.CPUNode{
			Index:          len(nodes),
			Cores:          cores,
			MemoryTotalMiB: share,
		})
	}
	return nodes
}
