package server

import (
	"os"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMetrics reports host and process resource usage for the status
// surface. A long-running agent that leaks shows up here before it shows
// up anywhere else.
type SystemMetrics struct {
	MemoryUsedGB      float64 `json:"memory_used_gb"`  // Host memory in use
	MemoryTotalGB     float64 `json:"memory_total_gb"` // Total host memory
	MemoryPercent     float64 `json:"memory_percent"`  // Host memory utilization
	ProcessRSSMB      float64 `json:"process_rss_mb"`  // Agent resident set size
	ProcessCPUPercent float64 `json:"process_cpu_percent"`
}

// GetSystemMetrics returns current resource usage. Collection failures
// degrade to zeroes; the status endpoint never fails over metrics.
func GetSystemMetrics() SystemMetrics {
	var m SystemMetrics

	if v, err := mem.VirtualMemory(); err == nil && v.Total > 0 {
		m.MemoryTotalGB = float64(v.Total) / 1024 / 1024 / 1024
		m.MemoryUsedGB = float64(v.Total-v.Available) / 1024 / 1024 / 1024
		m.MemoryPercent = (m.MemoryUsedGB / m.MemoryTotalGB) * 100
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return m
	}
	if info, err := proc.MemoryInfo(); err == nil && info != nil {
		m.ProcessRSSMB = float64(info.RSS) / 1024 / 1024
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		m.ProcessCPUPercent = cpu
	}
	return m
}
