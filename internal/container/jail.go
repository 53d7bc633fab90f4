package container

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"sandbox-engine/internal/sandbox"
)

// Mode selects how commands are confined to a container's rootfs.
type Mode string

const (
	// ModeAuto picks chroot when running as root, otherwise landlock when
	// the kernel supports it, otherwise none.
	ModeAuto Mode = "auto"
	// ModeChroot runs commands chrooted into the rootfs as the sandbox user,
	// in a fresh network namespace when networking is off.
	ModeChroot Mode = "chroot"
	// ModeLandlock re-executes this binary as a trampoline that applies
	// no_new_privs, Landlock path rules and a seccomp deny-list before
	// exec'ing the shell. The host's /bin/sh is used.
	ModeLandlock Mode = "landlock"
	// ModeNone only applies the process group, ulimits and environment.
	ModeNone Mode = "none"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(s)); m {
	case "":
		return ModeAuto, nil
	case ModeAuto, ModeChroot, ModeLandlock, ModeNone:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unknown confinement mode %q", sandbox.ErrInvalidConfig, s)
	}
}

// Resolve turns ModeAuto into a concrete mode for this host.
func (m Mode) Resolve() Mode {
	if m != ModeAuto {
		return m
	}
	if os.Geteuid() == 0 {
		return ModeChroot
	}
	if LandlockAvailable() {
		return ModeLandlock
	}
	return ModeNone
}

// jailCommand describes one command to confine.
type jailCommand struct {
	rootfs     string
	workDir    string // path inside the container
	command    string
	env        map[string]string
	limits     sandbox.ResourceLimits
	networking bool
	binds      []string
	// privileged keeps root inside a chroot, for package installation.
	privileged bool
}

// hostDir maps a container path onto the host for modes without chroot.
func (c jailCommand) hostDir() string {
	return filepath.Join(c.rootfs, filepath.Clean("/"+c.workDir))
}

// processSpec builds the confined process for c under mode m.
func (m Mode) processSpec(c jailCommand) (sandbox.ProcessSpec, error) {
	args := sandbox.ShellArgs(c.limits, c.command)

	switch m {
	case ModeChroot:
		spec := sandbox.ProcessSpec{
			Path:   "/bin/sh",
			Args:   args,
			Dir:    c.workDir,
			Env:    sandbox.SanitizedEnv(sandboxHome, c.env),
			Chroot: c.rootfs,
		}
		if !c.privileged {
			spec.Credential = &syscall.Credential{Uid: sandbox.SandboxUID, Gid: sandbox.SandboxGID}
		}
		if !c.networking {
			spec.Cloneflags = syscall.CLONE_NEWNET
		}
		return spec, nil

	case ModeLandlock:
		self, err := os.Executable()
		if err != nil {
			return sandbox.ProcessSpec{}, fmt.Errorf("resolve executable path: %w", err)
		}
		payload, err := encodePayload(trampolinePayload{
			Command:    append([]string{"/bin/sh"}, args...),
			WorkDir:    c.hostDir(),
			WritePaths: []string{c.rootfs},
			ReadPaths:  bindSources(c.binds),
			Networking: c.networking,
		})
		if err != nil {
			return sandbox.ProcessSpec{}, err
		}
		env := sandbox.SanitizedEnv(c.hostDir(), c.env)
		return sandbox.ProcessSpec{
			Path: self,
			Args: []string{TrampolineArg},
			Dir:  c.hostDir(),
			Env:  append(env, PayloadEnv+"="+payload),
		}, nil

	case ModeNone:
		return sandbox.ProcessSpec{
			Path: "/bin/sh",
			Args: args,
			Dir:  c.hostDir(),
			Env:  sandbox.SanitizedEnv(c.hostDir(), c.env),
		}, nil

	default:
		return sandbox.ProcessSpec{}, fmt.Errorf("%w: unresolved confinement mode %q", sandbox.ErrInvalidConfig, m)
	}
}

func bindSources(binds []string) []string {
	var out []string
	for _, b := range binds {
		if src, _, err := parseBind(b); err == nil {
			out = append(out, src)
		}
	}
	return out
}
