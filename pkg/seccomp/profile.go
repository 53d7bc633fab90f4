// Package seccomp builds the syscall filters applied to jailed processes. The
// same syscall sets feed the OCI bundle profile and the in-process filter
// installed by the landlock trampoline.
package seccomp

import (
	"encoding/json"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

type ProfileBuilder struct {
	profile *specs.LinuxSeccomp
}

func NewBuilder() *ProfileBuilder {
	return &ProfileBuilder{
		profile: &specs.LinuxSeccomp{
			DefaultAction: specs.ActErrno,
			Architectures: []specs.Arch{
				specs.ArchX86_64,
				specs.ArchAARCH64,
			},
		},
	}
}

func (b *ProfileBuilder) rule(action specs.LinuxSeccompAction, names []string) *ProfileBuilder {
	if len(names) == 0 {
		return b
	}
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: action,
	})
	return b
}

func (b *ProfileBuilder) AllowSyscalls(names ...string) *ProfileBuilder {
	return b.rule(specs.ActAllow, names)
}

func (b *ProfileBuilder) BlockSyscalls(names ...string) *ProfileBuilder {
	return b.rule(specs.ActErrno, names)
}

func (b *ProfileBuilder) TrapSyscalls(names ...string) *ProfileBuilder {
	return b.rule(specs.ActTrap, names)
}

// SyscallArg constrains a single argument for a seccomp rule.
type SyscallArg struct {
	Index uint
	Value uint64
	Op    specs.LinuxSeccompOperator
}

func (b *ProfileBuilder) AllowSyscallWithArgs(name string, args []SyscallArg) *ProfileBuilder {
	specArgs := make([]specs.LinuxSeccompArg, len(args))
	for i, a := range args {
		specArgs[i] = specs.LinuxSeccompArg{
			Index: a.Index,
			Value: a.Value,
			Op:    a.Op,
		}
	}
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  []string{name},
		Action: specs.ActAllow,
		Args:   specArgs,
	})
	return b
}

func (b *ProfileBuilder) WithArchitectures(archs ...specs.Arch) *ProfileBuilder {
	b.profile.Architectures = archs
	return b
}

func (b *ProfileBuilder) Build() *specs.LinuxSeccomp {
	return b.profile
}

// MarshalProfile renders p in the JSON layout OCI runtimes accept for a
// standalone seccomp profile file.
func MarshalProfile(p *specs.LinuxSeccomp) ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}
