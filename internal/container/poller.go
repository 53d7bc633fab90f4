package container

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"sandbox-engine/internal/accounting"
)

// startPoller schedules periodic usage refreshes for e on its own cron.
// The poller never takes the execution slot.
func (m *Manager) startPoller(e *entry) error {
	c := cron.New()
	if _, err := c.AddFunc(m.cfg.PollSchedule, func() { m.refresh(e) }); err != nil {
		return fmt.Errorf("schedule usage poller %q: %w", m.cfg.PollSchedule, err)
	}
	c.Start()

	e.mu.Lock()
	e.poller = c
	e.mu.Unlock()
	return nil
}

// stopPoller stops the cron and waits for a running refresh to finish.
func (e *entry) stopPoller() {
	e.mu.Lock()
	c := e.poller
	e.poller = nil
	e.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// refresh samples memory and CPU of live commands, disk use of the rootfs
// and proxy traffic, then raises warnings above the high-water mark.
// Crossing a limit never kills anything.
func (m *Manager) refresh(e *entry) {
	now := time.Now()

	var rss, peak uint64
	var cpu float64
	if m.sampler != nil {
		for _, pid := range e.livePids() {
			stats, err := m.sampler.Tree(pid)
			if err != nil {
				continue
			}
			rss += stats.RSS
			peak += stats.PeakRSS
			cpu += stats.CPUSeconds
		}
	}

	e.mu.Lock()
	total := e.cpuDone + cpu
	rate := e.rate.Observe(total, now)
	rootfs := e.inst.RootfsPath
	p := e.proxy
	e.mu.Unlock()

	e.usage.SetMemory(rss)
	e.usage.ObservePeak(peak)
	e.usage.SetCPURate(rate)

	if used, err := accounting.DirUsage(rootfs); err == nil {
		free, _ := accounting.FilesystemFree(rootfs)
		e.usage.SetStorage(used, free)
	}
	if p != nil {
		c := p.Counters()
		e.usage.SetNetwork(accounting.NetworkUsage{
			BytesIn:    c.BytesIn,
			BytesOut:   c.BytesOut,
			PacketsIn:  c.PacketsIn,
			PacketsOut: c.PacketsOut,
		})
	}

	m.checkHighWater(e)
}

// checkHighWater logs and reports usage above the high-water mark.
func (m *Manager) checkHighWater(e *entry) {
	usage := e.usage.Snapshot()
	if usage.MemoryHigh() {
		e.logger.Warn().Float64("percentage", usage.Memory.Percentage).Msg("memory usage above 90% of limit")
		m.notifyWarning(e, "memory", usage)
	}
	if usage.CPUHigh() {
		e.logger.Warn().Float64("cores", usage.CPU.Rate).Msg("cpu usage above 90% of limit")
		m.notifyWarning(e, "cpu", usage)
	}
}

func (m *Manager) notifyWarning(e *entry, resource string, usage accounting.ResourceUsage) {
	if m.onWarning != nil {
		m.onWarning(e.inst.ID, resource, usage)
	}
}
