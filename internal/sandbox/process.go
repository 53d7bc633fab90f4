package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"
)

// DefaultPath is the PATH given to every jailed process.
const DefaultPath = "/usr/local/bin:/usr/bin:/bin:/sbin:/usr/sbin"

// ProcessSpec describes a process started under sandbox control.
type ProcessSpec struct {
	Path string
	Args []string
	Dir  string
	Env  []string

	// Chroot, when set, confines the process to that directory. Requires root.
	Chroot     string
	Credential *syscall.Credential
	// Cloneflags adds namespaces, e.g. CLONE_NEWNET. Requires privileges.
	Cloneflags uintptr

	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
	ExtraFiles []*os.File

	// WaitDelay bounds how long Wait blocks on I/O after the process group
	// was killed.
	WaitDelay time.Duration
}

// NewCommand builds an exec.Cmd that runs in its own process group. When ctx
// is cancelled the whole group receives SIGKILL, so grandchildren spawned by
// a shell die with it.
func NewCommand(ctx context.Context, spec ProcessSpec) *exec.Cmd {
	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdin = spec.Stdin
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.ExtraFiles = spec.ExtraFiles

	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:    true,
		Chroot:     spec.Chroot,
		Credential: spec.Credential,
		Cloneflags: spec.Cloneflags,
	}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return KillGroup(cmd.Process.Pid)
	}
	cmd.WaitDelay = spec.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 2 * time.Second
	}
	return cmd
}

// KillGroup sends SIGKILL to the process group led by pid.
func KillGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// ShellArgs wraps a shell command line with the ulimit prelude of limits.
// The command is passed as a positional parameter and evaluated by the
// inner shell, never spliced into the prelude.
func ShellArgs(limits ResourceLimits, command string) []string {
	script := limits.UlimitScript() + `eval "$1"`
	return []string{"-c", script, "sh", command}
}

// SanitizedEnv builds a minimal environment. Nothing is inherited from the
// host process. Keys in extra are applied in sorted order.
func SanitizedEnv(home string, extra map[string]string) []string {
	env := []string{
		"PATH=" + DefaultPath,
		"HOME=" + home,
		"TMPDIR=/tmp",
		"LANG=C.UTF-8",
		"TERM=xterm-256color",
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// ExitCode extracts the exit status from a Wait/Run error. A process killed
// by a signal reports 128+signal like a shell would.
func ExitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1, err
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal()), nil
	}
	return exitErr.ExitCode(), nil
}

// TimeoutMessage is the stderr text reported for a timed-out execution.
func TimeoutMessage(timeout time.Duration) string {
	return fmt.Sprintf("Execution timed out after %s", timeout)
}
