package seccomp

import (
	"encoding/json"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func allowed(p *specs.LinuxSeccomp) map[string]bool {
	out := make(map[string]bool)
	for _, rule := range p.Syscalls {
		if rule.Action != specs.ActAllow {
			continue
		}
		for _, name := range rule.Names {
			out[name] = true
		}
	}
	return out
}

func TestDefaultProfile_DenyByDefault(t *testing.T) {
	p := DefaultProfile()
	if p.DefaultAction != specs.ActErrno {
		t.Errorf("DefaultAction = %v, want ActErrno", p.DefaultAction)
	}
}

func TestDefaultProfile_NoNetworkSyscalls(t *testing.T) {
	got := allowed(DefaultProfile())
	for _, name := range NetworkSyscalls {
		if got[name] {
			t.Errorf("profile without networking allows %q", name)
		}
	}
	if !got["socketpair"] {
		t.Error("socketpair must stay available for local IPC")
	}
}

func TestNetworkProfile_HasSocketSyscalls(t *testing.T) {
	got := allowed(Profile(Options{Networking: true}))
	for _, name := range []string{"socket", "connect", "bind"} {
		if !got[name] {
			t.Errorf("network profile missing allowed syscall %q", name)
		}
	}
}

func TestProfile_HostControlNeverAllowed(t *testing.T) {
	for _, opts := range []Options{{}, {Networking: true}} {
		got := allowed(Profile(opts))
		for _, name := range append(HostControlSyscalls, InspectionSyscalls...) {
			if got[name] {
				t.Errorf("Profile(%+v) allows %q", opts, name)
			}
		}
	}
}

func TestDenyList(t *testing.T) {
	contains := func(list []string, name string) bool {
		for _, n := range list {
			if n == name {
				return true
			}
		}
		return false
	}

	offline := DenyList(Options{})
	if !contains(offline, "connect") || !contains(offline, "mount") || !contains(offline, "ptrace") {
		t.Errorf("offline deny list incomplete: %v", offline)
	}
	online := DenyList(Options{Networking: true})
	if contains(online, "connect") {
		t.Error("networked deny list must not include connect")
	}
	if !contains(online, "unshare") {
		t.Error("networked deny list must still include unshare")
	}
}

func TestMarshalProfile(t *testing.T) {
	data, err := MarshalProfile(DefaultProfile())
	if err != nil {
		t.Fatalf("MarshalProfile: %v", err)
	}

	var dp struct {
		DefaultAction string `json:"defaultAction"`
		Syscalls      []struct {
			Names  []string `json:"names"`
			Action string   `json:"action"`
		} `json:"syscalls"`
	}
	if err := json.Unmarshal(data, &dp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if dp.DefaultAction != "SCMP_ACT_ERRNO" {
		t.Errorf("defaultAction = %q, want SCMP_ACT_ERRNO", dp.DefaultAction)
	}
	if len(dp.Syscalls) == 0 {
		t.Error("expected syscall rules, got none")
	}
}

func TestProfileBuilder(t *testing.T) {
	p := NewBuilder().AllowSyscalls("read", "write").BlockSyscalls().Build()

	if p.DefaultAction != specs.ActErrno {
		t.Errorf("DefaultAction = %v, want ActErrno", p.DefaultAction)
	}
	if len(p.Syscalls) != 1 {
		t.Fatalf("got %d rules, want 1", len(p.Syscalls))
	}
	rule := p.Syscalls[0]
	if rule.Action != specs.ActAllow {
		t.Errorf("rule Action = %v, want ActAllow", rule.Action)
	}
	if len(rule.Names) != 2 || rule.Names[0] != "read" || rule.Names[1] != "write" {
		t.Errorf("names = %v, want [read write]", rule.Names)
	}
}
