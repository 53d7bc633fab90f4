package sandbox

import (
	"fmt"
	"math"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	MiB = 1 << 20
	GiB = 1 << 30

	MaxMemoryBytes = 1 * GiB
	MaxCPUCores    = 2.0
)

// ResourceLimits bound a jailed process tree. Zero fields are unlimited.
type ResourceLimits struct {
	MemoryBytes  int64   `json:"memory_bytes"`
	CPUCores     float64 `json:"cpu_cores"`
	StorageBytes int64   `json:"storage_bytes"`
	PidsLimit    int64   `json:"pids_limit"`
	// CPUSeconds caps total CPU time per command via RLIMIT_CPU.
	CPUSeconds int64 `json:"cpu_seconds"`
}

func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		MemoryBytes:  512 * MiB,
		CPUCores:     1,
		StorageBytes: 1 * GiB,
		PidsLimit:    128,
		CPUSeconds:   300,
	}
}

// Validate rejects limits above the service ceilings. Values are never
// clamped.
func (rl ResourceLimits) Validate() error {
	if math.IsNaN(rl.CPUCores) || math.IsInf(rl.CPUCores, 0) {
		return fmt.Errorf("%w: CPU limit must be a finite number", ErrInvalidConfig)
	}
	if rl.MemoryBytes < 0 || rl.CPUCores < 0 || rl.StorageBytes < 0 || rl.PidsLimit < 0 || rl.CPUSeconds < 0 {
		return fmt.Errorf("%w: resource limits must not be negative", ErrInvalidConfig)
	}
	if rl.MemoryBytes > MaxMemoryBytes {
		return fmt.Errorf("%w: Memory limit exceeds maximum allowed (1GB)", ErrInvalidConfig)
	}
	if rl.CPUCores > MaxCPUCores {
		return fmt.Errorf("%w: CPU limit exceeds maximum allowed (2 cores)", ErrInvalidConfig)
	}
	return nil
}

// UlimitScript returns the shell prelude that applies rl to the current
// shell before the user command runs. Failures are ignored so unprivileged
// hosts still execute.
func (rl ResourceLimits) UlimitScript() string {
	var b strings.Builder
	if rl.MemoryBytes > 0 {
		fmt.Fprintf(&b, "ulimit -v %d 2>/dev/null; ", rl.MemoryBytes/1024)
	}
	if rl.CPUSeconds > 0 {
		fmt.Fprintf(&b, "ulimit -t %d 2>/dev/null; ", rl.CPUSeconds)
	}
	if rl.PidsLimit > 0 {
		fmt.Fprintf(&b, "ulimit -u %d 2>/dev/null; ", rl.PidsLimit)
	}
	if rl.StorageBytes > 0 {
		fmt.Fprintf(&b, "ulimit -f %d 2>/dev/null; ", rl.StorageBytes/1024)
	}
	b.WriteString("ulimit -c 0 2>/dev/null; ")
	return b.String()
}

// ApplyResourceLimits writes rl into an OCI runtime spec.
func ApplyResourceLimits(spec *specs.Spec, limits ResourceLimits) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Linux.Resources == nil {
		spec.Linux.Resources = &specs.LinuxResources{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}

	if limits.CPUCores > 0 {
		period := uint64(100000)
		quota := int64(limits.CPUCores * float64(period))
		if quota < 1000 {
			quota = 1000
		}
		spec.Linux.Resources.CPU = &specs.LinuxCPU{
			Period: &period,
			Quota:  &quota,
		}
	}

	if limits.MemoryBytes > 0 {
		memory := limits.MemoryBytes
		spec.Linux.Resources.Memory = &specs.LinuxMemory{
			Limit: &memory,
			Swap:  &memory,
		}
	}

	if limits.PidsLimit > 0 {
		pids := limits.PidsLimit
		spec.Linux.Resources.Pids = &specs.LinuxPids{Limit: &pids}
	}

	rlimits := []specs.POSIXRlimit{
		{Type: "RLIMIT_NOFILE", Hard: 1024, Soft: 1024},
		{Type: "RLIMIT_CORE", Hard: 0, Soft: 0},
	}
	if limits.PidsLimit > 0 {
		rlimits = append(rlimits, specs.POSIXRlimit{Type: "RLIMIT_NPROC", Hard: uint64(limits.PidsLimit), Soft: uint64(limits.PidsLimit)})
	}
	if limits.StorageBytes > 0 {
		rlimits = append(rlimits, specs.POSIXRlimit{Type: "RLIMIT_FSIZE", Hard: uint64(limits.StorageBytes), Soft: uint64(limits.StorageBytes)})
	}
	if limits.CPUSeconds > 0 {
		rlimits = append(rlimits, specs.POSIXRlimit{Type: "RLIMIT_CPU", Hard: uint64(limits.CPUSeconds), Soft: uint64(limits.CPUSeconds)})
	}
	spec.Process.Rlimits = rlimits

	spec.Mounts = appendIfNotExists(spec.Mounts, specs.Mount{
		Destination: "/tmp",
		Type:        "tmpfs",
		Source:      "tmpfs",
		Options:     []string{"nosuid", "nodev", "size=64m", "mode=1777"},
	})
}

func appendIfNotExists(mounts []specs.Mount, m specs.Mount) []specs.Mount {
	for _, existing := range mounts {
		if existing.Destination == m.Destination {
			return mounts
		}
	}
	return append(mounts, m)
}
