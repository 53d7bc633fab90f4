package sandbox

import (
	"errors"
	"math"
	"strings"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func TestDefaultLimits(t *testing.T) {
	l := DefaultLimits()
	if err := l.Validate(); err != nil {
		t.Fatalf("DefaultLimits().Validate() = %v", err)
	}
	if l.MemoryBytes != 512*MiB {
		t.Errorf("MemoryBytes = %d, want 512MiB", l.MemoryBytes)
	}
	if l.CPUCores != 1 {
		t.Errorf("CPUCores = %v, want 1", l.CPUCores)
	}
}

func TestValidateCeilings(t *testing.T) {
	tests := []struct {
		name    string
		limits  ResourceLimits
		wantMsg string
	}{
		{"at ceilings", ResourceLimits{MemoryBytes: GiB, CPUCores: 2}, ""},
		{"unlimited", ResourceLimits{}, ""},
		{"memory over", ResourceLimits{MemoryBytes: 2 * GiB, CPUCores: 1}, "Memory limit exceeds maximum allowed (1GB)"},
		{"cpu over", ResourceLimits{MemoryBytes: 256 * MiB, CPUCores: 2.5}, "CPU limit exceeds maximum allowed (2 cores)"},
		{"negative", ResourceLimits{PidsLimit: -1}, "must not be negative"},
		{"cpu NaN", ResourceLimits{CPUCores: math.NaN()}, "must be a finite number"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.limits.Validate()
			if tt.wantMsg == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Validate() = %v, want ErrInvalidConfig", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not contain %q", err, tt.wantMsg)
			}
		})
	}
}

func TestUlimitScript(t *testing.T) {
	s := ResourceLimits{MemoryBytes: 256 * MiB, CPUSeconds: 30, PidsLimit: 64}.UlimitScript()
	for _, want := range []string{"ulimit -v 262144", "ulimit -t 30", "ulimit -u 64", "ulimit -c 0"} {
		if !strings.Contains(s, want) {
			t.Errorf("script %q missing %q", s, want)
		}
	}
	if strings.Contains(ResourceLimits{}.UlimitScript(), "ulimit -v") {
		t.Error("unlimited memory must not emit ulimit -v")
	}
}

func TestApplyResourceLimits(t *testing.T) {
	spec := &specs.Spec{}
	ApplyResourceLimits(spec, ResourceLimits{MemoryBytes: 256 * MiB, CPUCores: 0.5, PidsLimit: 64, StorageBytes: 10 * MiB})

	res := spec.Linux.Resources
	if res.CPU == nil || *res.CPU.Quota != 50000 || *res.CPU.Period != 100000 {
		t.Errorf("cpu = %+v", res.CPU)
	}
	if res.Memory == nil || *res.Memory.Limit != 256*MiB {
		t.Errorf("memory = %+v", res.Memory)
	}
	if res.Pids == nil || *res.Pids.Limit != 64 {
		t.Errorf("pids = %+v", res.Pids)
	}

	types := map[string]bool{}
	for _, rl := range spec.Process.Rlimits {
		types[rl.Type] = true
	}
	for _, want := range []string{"RLIMIT_NOFILE", "RLIMIT_CORE", "RLIMIT_NPROC", "RLIMIT_FSIZE"} {
		if !types[want] {
			t.Errorf("missing rlimit %s", want)
		}
	}

	ApplyResourceLimits(spec, ResourceLimits{})
	tmpMounts := 0
	for _, m := range spec.Mounts {
		if m.Destination == "/tmp" {
			tmpMounts++
		}
	}
	if tmpMounts != 1 {
		t.Errorf("got %d /tmp mounts, want 1", tmpMounts)
	}
}

func TestApplySecurityProfile(t *testing.T) {
	hasNetNS := func(spec *specs.Spec) bool {
		for _, ns := range spec.Linux.Namespaces {
			if ns.Type == specs.NetworkNamespace {
				return true
			}
		}
		return false
	}

	offline := &specs.Spec{}
	ApplySecurityProfile(offline, NewSecurityProfile(false))
	if !hasNetNS(offline) {
		t.Error("offline profile must request a network namespace")
	}
	if !offline.Process.NoNewPrivileges {
		t.Error("NoNewPrivileges not set")
	}
	if offline.Process.User.UID != SandboxUID {
		t.Errorf("uid = %d, want %d", offline.Process.User.UID, SandboxUID)
	}
	if len(offline.Process.Capabilities.Bounding) != 0 {
		t.Errorf("capabilities = %v, want none", offline.Process.Capabilities.Bounding)
	}

	online := &specs.Spec{}
	ApplySecurityProfile(online, NewSecurityProfile(true))
	if hasNetNS(online) {
		t.Error("networked profile must share the host network namespace")
	}
}
