package metrics

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// HealthStatus is the /healthz payload, matching the teacher's
// services/common/service HealthResponse shape (status/service/version/
// timestamp) plus the process resource figures gopsutil was declared for
// but never wired to anything.
type HealthStatus struct {
	Status           string  `json:"status"`
	Service          string  `json:"service"`
	Version          string  `json:"version"`
	Timestamp        string  `json:"timestamp"`
	ProcessCPUPct    float64 `json:"processCpuPercent"`
	ProcessMemoryRSS uint64  `json:"processMemoryRssBytes"`
	SystemMemoryPct  float64 `json:"systemMemoryUsedPercent"`
}

const (
	serviceName    = "meshforge-orchestrator"
	serviceVersion = "1.0.0"
)

// BuildHealthStatus gathers current process and host resource figures via
// gopsutil. It degrades gracefully: a failed gopsutil call leaves its field
// zeroed rather than failing the health check, since an orchestrator that
// can still answer HTTP requests is "healthy" even if stats collection
// itself hiccups.
func BuildHealthStatus() HealthStatus {
	status := HealthStatus{
		Status:    "healthy",
		Service:   serviceName,
		Version:   serviceVersion,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if cpuPct, err := proc.CPUPercent(); err == nil {
			status.ProcessCPUPct = cpuPct
		}
		if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
			status.ProcessMemoryRSS = memInfo.RSS
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		status.SystemMemoryPct = vm.UsedPercent
	}
	return status
}
