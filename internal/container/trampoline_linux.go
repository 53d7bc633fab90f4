//go:build linux

package container

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	seccompbpf "github.com/elastic/go-seccomp-bpf"
	"github.com/landlock-lsm/go-landlock/landlock"
	landlocksys "github.com/landlock-lsm/go-landlock/landlock/syscall"
	"golang.org/x/sys/unix"

	"sandbox-engine/pkg/seccomp"
)

// systemReadPaths stay readable so the host shell and its libraries load.
var systemReadPaths = []string{
	"/bin", "/sbin", "/usr/bin", "/usr/sbin", "/usr/lib", "/usr/lib64",
	"/usr/local/bin", "/usr/share", "/lib", "/lib64",
	"/etc/ld.so.cache", "/etc/nsswitch.conf", "/etc/hosts",
	"/etc/resolv.conf", "/etc/localtime", "/etc/ssl", "/etc/passwd", "/etc/group",
	"/proc", "/sys/devices/system/cpu", "/dev/urandom",
}

// LandlockAvailable reports whether the kernel exposes a Landlock ABI.
func LandlockAvailable() bool {
	abi, err := landlocksys.LandlockGetABIVersion()
	return err == nil && abi >= 1
}

// RunTrampoline applies the jail described by PayloadEnv to the current
// process and replaces it with the payload command. It only returns on
// failure.
func RunTrampoline() (int, error) {
	p, err := decodePayload(os.Getenv(PayloadEnv))
	if err != nil {
		return 1, err
	}
	os.Unsetenv(PayloadEnv)

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return 1, fmt.Errorf("set no_new_privs: %w", err)
	}
	if err := applyLandlock(p); err != nil {
		return 1, fmt.Errorf("apply landlock: %w", err)
	}
	if err := applySeccomp(p); err != nil {
		return 1, fmt.Errorf("apply seccomp: %w", err)
	}
	if p.WorkDir != "" {
		if err := os.Chdir(p.WorkDir); err != nil {
			return 1, fmt.Errorf("chdir %q: %w", p.WorkDir, err)
		}
	}

	env := os.Environ()
	if err := syscall.Exec(p.Command[0], p.Command, env); err != nil {
		return 1, fmt.Errorf("exec %q: %w", p.Command[0], err)
	}
	return 0, nil
}

func landlockConfig() (landlock.Config, error) {
	abi, err := landlocksys.LandlockGetABIVersion()
	if err != nil {
		return landlock.Config{}, fmt.Errorf("landlock unavailable on this kernel (%w)", err)
	}
	switch {
	case abi >= 7:
		return landlock.V7, nil
	case abi == 6:
		return landlock.V6, nil
	case abi == 5:
		return landlock.V5, nil
	case abi == 4:
		return landlock.V4, nil
	case abi == 3:
		return landlock.V3, nil
	case abi == 2:
		return landlock.V2, nil
	case abi == 1:
		return landlock.V1, nil
	default:
		return landlock.Config{}, fmt.Errorf("landlock unavailable on this kernel (unsupported ABI v%d)", abi)
	}
}

func applyLandlock(p trampolinePayload) error {
	cfg, err := landlockConfig()
	if err != nil {
		return err
	}

	var rules []landlock.Rule
	add := func(path string, writable bool) {
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		switch {
		case info.IsDir() && writable:
			rules = append(rules, landlock.RWDirs(path))
		case info.IsDir():
			rules = append(rules, landlock.RODirs(path))
		case writable:
			rules = append(rules, landlock.RWFiles(path))
		default:
			rules = append(rules, landlock.ROFiles(path))
		}
	}

	for _, path := range systemReadPaths {
		add(path, false)
	}
	add("/dev/null", true)
	add("/dev/zero", false)
	if tmp, err := filepath.EvalSymlinks(os.TempDir()); err == nil {
		add(tmp, true)
	}
	for _, path := range p.ReadPaths {
		add(path, false)
	}
	for _, path := range p.WritePaths {
		add(path, true)
	}
	if len(rules) == 0 {
		return errors.New("landlock rule set is empty")
	}

	if err := cfg.RestrictPaths(rules...); err != nil {
		if strings.Contains(err.Error(), "missing kernel Landlock support") {
			return fmt.Errorf("landlock unavailable on this kernel (%w)", err)
		}
		return err
	}
	return nil
}

func applySeccomp(p trampolinePayload) error {
	deny := seccomp.DenyList(seccomp.Options{Networking: p.Networking})
	filter := seccompbpf.Filter{
		NoNewPrivs: false,
		Flag:       seccompbpf.FilterFlagTSync,
		Policy: seccompbpf.Policy{
			DefaultAction: seccompbpf.ActionAllow,
			Syscalls: []seccompbpf.SyscallGroup{{
				Names:  deny,
				Action: seccompbpf.Action(uint32(seccompbpf.ActionErrno) | uint32(syscall.EPERM)),
			}},
		},
	}
	if err := seccompbpf.LoadFilter(filter); err != nil {
		if errors.Is(err, syscall.ENOSYS) || errors.Is(err, syscall.EINVAL) {
			return fmt.Errorf("seccomp unavailable on this kernel (%w)", err)
		}
		return err
	}
	return nil
}
