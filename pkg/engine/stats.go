package engine

import (
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"

	"github.com/hearthci/stoker/pkg/types"
)

// deriveSnapshot turns one raw engine sample into the snapshot shape
// the monitor and the scaler consume.
//
// CPU% is (cpu_delta / system_delta) * online_cpus * 100, deltas taken
// against the previous read the engine embeds in the sample; a first
// read has no previous and reports 0. Memory% is usage/limit. Network
// counters sum across interfaces, block counters sum the Read and
// Write ops across devices.
func deriveSnapshot(resp *container.StatsResponse, latency time.Duration) types.StatsSnapshot {
	s := types.StatsSnapshot{
		Timestamp:     time.Now(),
		SampleLatency: latency,
	}

	cpuDelta := float64(resp.CPUStats.CPUUsage.TotalUsage) - float64(resp.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(resp.CPUStats.SystemUsage) - float64(resp.PreCPUStats.SystemUsage)
	if resp.PreCPUStats.SystemUsage > 0 && systemDelta > 0 && cpuDelta >= 0 {
		onlineCPUs := float64(resp.CPUStats.OnlineCPUs)
		if onlineCPUs == 0 {
			onlineCPUs = float64(len(resp.CPUStats.CPUUsage.PercpuUsage))
		}
		s.CPUPercent = cpuDelta / systemDelta * onlineCPUs * 100
	}

	s.MemoryBytes = resp.MemoryStats.Usage
	if resp.MemoryStats.Limit > 0 {
		s.MemoryPercent = float64(resp.MemoryStats.Usage) / float64(resp.MemoryStats.Limit) * 100
	}

	for _, net := range resp.Networks {
		s.NetRxBytes += net.RxBytes
		s.NetTxBytes += net.TxBytes
	}

	for _, entry := range resp.BlkioStats.IoServiceBytesRecursive {
		switch {
		case strings.EqualFold(entry.Op, "read"):
			s.BlockRead += entry.Value
		case strings.EqualFold(entry.Op, "write"):
			s.BlockWrite += entry.Value
		}
	}

	s.PIDs = resp.PidsStats.Current
	return s
}
