package accounting

import (
	"fmt"
	"time"

	"github.com/prometheus/procfs"
)

// ProcessTreeStats is an aggregate over a process and its descendants.
type ProcessTreeStats struct {
	RSS        uint64
	PeakRSS    uint64
	CPUSeconds float64
	Processes  int
}

// ProcessSampler reads process statistics from procfs.
type ProcessSampler struct {
	fs procfs.FS
}

// NewProcessSampler opens the default /proc mount.
func NewProcessSampler() (*ProcessSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &ProcessSampler{fs: fs}, nil
}

// Tree sums RSS and CPU time of root and every live descendant.
func (s *ProcessSampler) Tree(root int) (ProcessTreeStats, error) {
	var stats ProcessTreeStats

	procs, err := s.fs.AllProcs()
	if err != nil {
		return stats, fmt.Errorf("list processes: %w", err)
	}

	children := make(map[int][]procfs.Proc)
	byPID := make(map[int]procfs.Proc, len(procs))
	for _, p := range procs {
		st, err := p.Stat()
		if err != nil {
			continue
		}
		byPID[p.PID] = p
		children[st.PPID] = append(children[st.PPID], p)
	}

	if _, ok := byPID[root]; !ok {
		return stats, fmt.Errorf("process %d not found", root)
	}

	queue := []procfs.Proc{byPID[root]}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]

		st, err := p.Stat()
		if err != nil {
			continue
		}
		stats.Processes++
		stats.RSS += uint64(st.ResidentMemory())
		stats.CPUSeconds += st.CPUTime()
		if status, err := p.NewStatus(); err == nil {
			stats.PeakRSS += status.VmHWM
		}
		queue = append(queue, children[p.PID]...)
	}
	if stats.PeakRSS < stats.RSS {
		stats.PeakRSS = stats.RSS
	}
	return stats, nil
}

// RateTracker turns cumulative CPU seconds into a utilisation in cores.
type RateTracker struct {
	lastCPU  float64
	lastTime time.Time
}

// Observe records a cumulative CPU reading and returns the cores used since
// the previous reading.
func (r *RateTracker) Observe(cpuSeconds float64, now time.Time) float64 {
	defer func() {
		r.lastCPU = cpuSeconds
		r.lastTime = now
	}()
	if r.lastTime.IsZero() {
		return 0
	}
	elapsed := now.Sub(r.lastTime).Seconds()
	if elapsed <= 0 || cpuSeconds < r.lastCPU {
		return 0
	}
	return (cpuSeconds - r.lastCPU) / elapsed
}
