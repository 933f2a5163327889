package main

import (
	"os"
	"strconv"
	"strings"
	"syscall"

	"warden/cmd/agent/client"
)

// metricsCollector samples the machine for heartbeat reports. Every
// reader degrades to zero on failure; a metrics gap must never block
// a heartbeat.
type metricsCollector struct {
	dataDir   string
	prevIdle  uint64
	prevTotal uint64
}

func newMetricsCollector(dataDir string) *metricsCollector {
	return &metricsCollector{dataDir: dataDir}
}

func (m *metricsCollector) collect(configHash string) client.Stats {
	return client.Stats{
		CPUPercent:   m.cpuPercent(),
		MemPercent:   memPercent(),
		DiskPercent:  m.diskPercent(),
		AgentVersion: version,
		ConfigHash:   configHash,
	}
}

// cpuPercent derives the busy share from the delta between two
// /proc/stat samples, so the window is the heartbeat interval. The
// first call has no baseline and reports zero.
func (m *metricsCollector) cpuPercent() float64 {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0
	}
	idle, total, ok := parseCPUSample(data)
	if !ok {
		return 0
	}
	prevIdle, prevTotal := m.prevIdle, m.prevTotal
	m.prevIdle, m.prevTotal = idle, total
	if prevTotal == 0 || total <= prevTotal {
		return 0
	}
	dTotal := float64(total - prevTotal)
	dIdle := float64(idle - prevIdle)
	return 100 * (dTotal - dIdle) / dTotal
}

// parseCPUSample reads the aggregate cpu line: user nice system idle
// iowait irq softirq steal [...]. Idle time is idle+iowait.
func parseCPUSample(data []byte) (idle, total uint64, ok bool) {
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		fields := strings.Fields(line)[1:]
		if len(fields) < 5 {
			return 0, 0, false
		}
		for i, f := range fields {
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				return 0, 0, false
			}
			total += v
			if i == 3 || i == 4 {
				idle += v
			}
		}
		return idle, total, true
	}
	return 0, 0, false
}

func memPercent() float64 {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	return parseMemPercent(data)
}

// parseMemPercent uses MemAvailable, which counts reclaimable cache,
// not just MemFree. Kernels without it get zero, not a bogus 100%.
func parseMemPercent(data []byte) float64 {
	var total, avail float64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			avail = v
		}
	}
	if total == 0 || avail == 0 || avail > total {
		return 0
	}
	return 100 * (total - avail) / total
}

// diskPercent reports usage of the filesystem holding the agent state
// directory, the one whose exhaustion would break the license cache.
func (m *metricsCollector) diskPercent() float64 {
	var fs syscall.Statfs_t
	if err := syscall.Statfs(m.dataDir, &fs); err != nil {
		return 0
	}
	used := float64(fs.Blocks - fs.Bfree)
	avail := float64(fs.Bavail)
	if used+avail == 0 {
		return 0
	}
	return 100 * used / (used + avail)
}
