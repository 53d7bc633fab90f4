package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// NetworkSyscalls are the socket calls a sandbox without networking may not
// make. socketpair is excluded because interpreters use it for local IPC.
var NetworkSyscalls = []string{
	"socket", "connect", "bind", "listen", "accept", "accept4",
	"sendto", "recvfrom", "sendmsg", "recvmsg", "sendmmsg", "recvmmsg",
	"getsockopt", "setsockopt", "getsockname", "getpeername",
	"shutdown",
}

// HostControlSyscalls are never available to jailed processes.
var HostControlSyscalls = []string{
	"mount", "umount2", "pivot_root", "chroot",
	"reboot", "swapon", "swapoff",
	"sethostname", "setdomainname",
	"setns", "unshare",
	"acct", "settimeofday", "adjtimex", "clock_adjtime",
	"personality", "ioperm", "iopl",
	"kexec_load", "kexec_file_load",
	"finit_module", "init_module", "delete_module",
}

// InspectionSyscalls trap so escape attempts are loud.
var InspectionSyscalls = []string{
	"ptrace", "process_vm_readv", "process_vm_writev",
	"keyctl", "add_key", "request_key",
	"bpf", "perf_event_open", "userfaultfd",
}

func fileSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.AllowSyscalls(
		"read", "write", "readv", "writev", "pread64", "pwrite64",
		"open", "openat", "openat2", "close", "close_range", "lseek",
		"stat", "fstat", "lstat", "newfstatat", "statx", "statfs", "fstatfs",
		"access", "faccessat", "faccessat2",
		"dup", "dup2", "dup3", "fcntl", "flock",
		"pipe", "pipe2",
		"readlink", "readlinkat", "getdents64",
		"chmod", "fchmod", "fchmodat", "chown", "fchown", "fchownat", "lchown",
		"chdir", "fchdir", "getcwd", "umask",
		"rename", "renameat", "renameat2",
		"unlink", "unlinkat", "mkdir", "mkdirat", "rmdir",
		"symlink", "symlinkat", "link", "linkat",
		"truncate", "ftruncate", "fallocate", "fsync", "fdatasync",
		"utimensat", "copy_file_range", "sendfile",
		"getxattr", "lgetxattr", "fgetxattr",
	)
}

func processSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		AllowSyscalls(
			"brk", "mmap", "munmap", "mprotect", "mremap", "madvise", "memfd_create",
		).
		AllowSyscalls(
			"execve", "execveat", "exit", "exit_group",
			"wait4", "waitid", "clone", "clone3", "fork", "vfork",
			"set_tid_address", "set_robust_list", "get_robust_list", "rseq",
			"setpgid", "getpgid", "getpgrp", "setsid", "getsid",
			"kill", "tgkill", "tkill",
		).
		AllowSyscalls(
			"futex", "gettid", "sched_yield", "sched_getaffinity",
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "rt_sigsuspend", "sigaltstack",
		).
		AllowSyscalls(
			"clock_gettime", "clock_getres", "gettimeofday", "time",
			"nanosleep", "clock_nanosleep",
			"timerfd_create", "timerfd_settime",
		).
		AllowSyscalls(
			"getpid", "getppid", "getuid", "geteuid", "getgid", "getegid",
			"getresuid", "getresgid", "getgroups", "uname", "sysinfo",
			"getrlimit", "setrlimit", "prlimit64", "getrusage",
		).
		AllowSyscalls(
			"poll", "ppoll", "select", "pselect6",
			"epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait", "eventfd2",
			"socketpair",
		).
		AllowSyscalls(
			"getrandom", "arch_prctl", "prctl", "ioctl",
		)
}

func restrictedSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		TrapSyscalls(InspectionSyscalls...).
		BlockSyscalls(HostControlSyscalls...)
}

// Options selects the optional syscall groups of a profile.
type Options struct {
	Networking bool
}

// Profile returns a deny-by-default profile covering the shell, Python and
// Node toolchains of a container rootfs.
func Profile(opts Options) *specs.LinuxSeccomp {
	b := NewBuilder()
	b = fileSyscalls(b)
	b = processSyscalls(b)
	if opts.Networking {
		b.AllowSyscalls(NetworkSyscalls...)
	}
	b = restrictedSyscalls(b)
	return b.Build()
}

// DefaultProfile is the profile for instances without networking.
func DefaultProfile() *specs.LinuxSeccomp {
	return Profile(Options{})
}

// DenyList returns the syscalls an in-process filter must refuse for the
// given options.
func DenyList(opts Options) []string {
	deny := make([]string, 0, len(NetworkSyscalls)+len(HostControlSyscalls)+len(InspectionSyscalls))
	if !opts.Networking {
		deny = append(deny, NetworkSyscalls...)
	}
	deny = append(deny, HostControlSyscalls...)
	deny = append(deny, InspectionSyscalls...)
	return deny
}
