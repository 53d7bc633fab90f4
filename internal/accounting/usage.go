// Package accounting tracks per-instance resource consumption and samples it
// from the host.
package accounting

import (
	"sync"
)

// MemoryUsage is measured in bytes.
type MemoryUsage struct {
	Used       uint64  `json:"used"`
	Limit      uint64  `json:"limit"`
	Percentage float64 `json:"percentage"`
}

// CPUUsage reports cumulative CPU seconds, the most recent utilisation in
// cores and the core limit.
type CPUUsage struct {
	Usage float64 `json:"usage"`
	Rate  float64 `json:"rate"`
	Limit float64 `json:"limit"`
}

// StorageUsage is measured in bytes.
type StorageUsage struct {
	Used       uint64  `json:"used"`
	Available  uint64  `json:"available"`
	Percentage float64 `json:"percentage"`
}

type NetworkUsage struct {
	BytesIn    uint64 `json:"bytes_in"`
	BytesOut   uint64 `json:"bytes_out"`
	PacketsIn  uint64 `json:"packets_in"`
	PacketsOut uint64 `json:"packets_out"`
}

// ResourceUsage is a point-in-time view of an instance's consumption.
type ResourceUsage struct {
	Memory  MemoryUsage  `json:"memory"`
	CPU     CPUUsage     `json:"cpu"`
	Storage StorageUsage `json:"storage"`
	Network NetworkUsage `json:"network"`
}

// HighWater is the fraction of a limit at which a warning is raised.
const HighWater = 0.9

// MemoryHigh reports whether memory use crossed the high-water mark.
func (u ResourceUsage) MemoryHigh() bool {
	return u.Memory.Limit > 0 && float64(u.Memory.Used) > float64(u.Memory.Limit)*HighWater
}

// CPUHigh reports whether CPU use crossed the high-water mark of its limit.
func (u ResourceUsage) CPUHigh() bool {
	return u.CPU.Limit > 0 && u.CPU.Rate > u.CPU.Limit*HighWater
}

// Accountant accumulates resource counters for one instance. All methods are
// safe for concurrent use; readers get copies.
type Accountant struct {
	mu         sync.Mutex
	usage      ResourceUsage
	memoryPeak uint64
	cpuRate    float64
}

func NewAccountant() *Accountant {
	return &Accountant{}
}

// SetLimits records the configured ceilings. Zero leaves a limit unset.
func (a *Accountant) SetLimits(memory uint64, cpu float64, storage uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.usage.Memory.Limit = memory
	a.usage.CPU.Limit = cpu
	if storage > 0 && a.usage.Storage.Available == 0 {
		a.usage.Storage.Available = storage
	}
	a.usage.Memory.Percentage = percent(a.usage.Memory.Used, memory)
}

// SetMemory records the current resident memory.
func (a *Accountant) SetMemory(used uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.usage.Memory.Used = used
	a.usage.Memory.Percentage = percent(used, a.usage.Memory.Limit)
	if used > a.memoryPeak {
		a.memoryPeak = used
	}
}

// ObservePeak raises the recorded peak without changing current usage.
func (a *Accountant) ObservePeak(peak uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if peak > a.memoryPeak {
		a.memoryPeak = peak
	}
}

// AddCPUSeconds adds consumed CPU time.
func (a *Accountant) AddCPUSeconds(s float64) {
	if s <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.usage.CPU.Usage += s
}

// SetCPURate records the most recent CPU utilisation in cores.
func (a *Accountant) SetCPURate(cores float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cpuRate = cores
	a.usage.CPU.Rate = cores
}

// SetStorage records bytes used and bytes still available.
func (a *Accountant) SetStorage(used, available uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.usage.Storage.Used = used
	a.usage.Storage.Available = available
	a.usage.Storage.Percentage = percent(used, used+available)
}

// SetNetwork replaces the network counters with totals from a meter.
func (a *Accountant) SetNetwork(n NetworkUsage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.usage.Network = n
}

// Snapshot returns a copy of the current counters.
func (a *Accountant) Snapshot() ResourceUsage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usage
}

// Peak returns the highest memory figure observed.
func (a *Accountant) Peak() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.memoryPeak
}

// CPURate returns the last recorded utilisation in cores.
func (a *Accountant) CPURate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cpuRate
}

func percent(used, limit uint64) float64 {
	if limit == 0 {
		return 0
	}
	return float64(used) / float64(limit) * 100
}
