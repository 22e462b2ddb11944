package profiling

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	gopsnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

// NetworkCounters holds cumulative network I/O counters at snapshot time.
type NetworkCounters struct {
	BytesSent   uint64 `json:"bytes_sent"`
	BytesRecv   uint64 `json:"bytes_recv"`
	PacketsSent uint64 `json:"packets_sent"`
	PacketsRecv uint64 `json:"packets_recv"`
}

// SystemSnapshot is a point-in-time view of host resources. One is attached
// to every recorded profile so bottlenecks can be correlated with system
// state after the fact.
type SystemSnapshot struct {
	CPUCount          int             `json:"cpu_count"`
	MemoryTotalGB     float64         `json:"memory_total_gb"`
	MemoryAvailableGB float64         `json:"memory_available_gb"`
	DiskUsedPercent   float64         `json:"disk_used_percent"`
	Network           NetworkCounters `json:"network_io"`
	CollectedAt       time.Time       `json:"collected_at"`
}

// CollectSystemSnapshot gathers a best-effort system snapshot. Individual
// collector failures leave zero values rather than failing the profiled
// operation.
func CollectSystemSnapshot() SystemSnapshot {
	snapshot := SystemSnapshot{CollectedAt: time.Now()}

	if count, err := cpu.Counts(true); err == nil {
		snapshot.CPUCount = count
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		snapshot.MemoryTotalGB = float64(vm.Total) / (1024 * 1024 * 1024)
		snapshot.MemoryAvailableGB = float64(vm.Available) / (1024 * 1024 * 1024)
	}

	if usage, err := disk.Usage(rootPath()); err == nil {
		snapshot.DiskUsedPercent = usage.UsedPercent
	}

	if counters, err := gopsnet.IOCounters(false); err == nil && len(counters) > 0 {
		snapshot.Network = NetworkCounters{
			BytesSent:   counters[0].BytesSent,
			BytesRecv:   counters[0].BytesRecv,
			PacketsSent: counters[0].PacketsSent,
			PacketsRecv: counters[0].PacketsRecv,
		}
	}

	return snapshot
}

func rootPath() string {
	if os.PathSeparator == '\\' {
		return "C:\\"
	}
	return "/"
}

// processHandle returns a gopsutil handle for the current process.
func processHandle() (*process.Process, error) {
	return process.NewProcess(int32(os.Getpid()))
}

// processMemoryMB returns the current resident set size in megabytes, or 0
// when the platform cannot report it.
func processMemoryMB(proc *process.Process) float64 {
	if proc == nil {
		return 0
	}
	info, err := proc.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return float64(info.RSS) / (1024 * 1024)
}

// systemCPUPercent returns the system CPU utilization since the previous
// call, mirroring interval-free sampling.
func systemCPUPercent() float64 {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0
	}
	return percents[0]
}
