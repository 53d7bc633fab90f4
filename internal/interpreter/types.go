// Package interpreter runs Python code in a persistent, restricted CPython
// worker. Each Sandbox owns one worker whose global namespace survives
// between executions while captured output and artifacts do not.
package interpreter

import (
	"os"
	"path/filepath"
	"time"

	"sandbox-engine/internal/artifact"
	"sandbox-engine/internal/sandbox"
	"sandbox-engine/internal/security"
)

// BlockedModules cannot be imported by user code, however the import is
// spelled, and cannot be reached as an attribute of another module.
// Submodules of a blocked module are blocked too. The second group reaches
// frames, the object graph or deserializers that call arbitrary code.
var BlockedModules = []string{
	"os", "subprocess", "socket", "urllib", "http", "requests", "ftplib",
	"telnetlib", "smtplib", "poplib", "imaplib", "tempfile", "shutil", "glob",
	"multiprocessing", "threading", "importlib", "ctypes", "sys", "io",
	"pathlib", "posix", "pty", "_thread", "asyncio", "concurrent", "signal",
	"builtins",

	"nt", "_io", "_posixsubprocess", "gc", "inspect", "operator", "pickle",
	"_pickle", "marshal", "shelve", "code", "codeop", "runpy", "pdb",
}

// importNames maps distribution names to the module they install when the
// two differ.
var importNames = map[string]string{
	"scikit-learn":    "sklearn",
	"pillow":          "PIL",
	"beautifulsoup4":  "bs4",
	"pyyaml":          "yaml",
	"python-dateutil": "dateutil",
}

// Config controls how workers are started.
type Config struct {
	// Python is the interpreter executable.
	Python string
	// WorkDir holds one scratch directory per sandbox.
	WorkDir string
	// BaselinePackages are imported at initialization. Failures are
	// reported as warnings.
	BaselinePackages []string

	DefaultTimeout   time.Duration
	InitTimeout      time.Duration
	InstallTimeout   time.Duration
	MemoryLimitBytes int64
}

func DefaultConfig() Config {
	return Config{
		Python:           "python3",
		WorkDir:          filepath.Join(os.TempDir(), "sandbox-engine", "interpreters"),
		BaselinePackages: []string{"numpy", "pandas", "matplotlib"},
		DefaultTimeout:   30 * time.Second,
		InitTimeout:      60 * time.Second,
		InstallTimeout:   120 * time.Second,
		MemoryLimitBytes: 256 * sandbox.MiB,
	}
}

// Options tune a single execution. The zero value uses the sandbox defaults
// and captures artifacts.
type Options struct {
	Timeout          time.Duration
	MemoryLimitBytes int64
	SkipArtifacts    bool
	// AllowNetworking is recorded only. Network modules stay blocked in
	// the interpreter regardless.
	AllowNetworking bool
}

// PackageInfo names a module loaded in the worker.
type PackageInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// PerformanceProfile breaks down where an execution spent its time.
type PerformanceProfile struct {
	ParseTime              time.Duration `json:"parse_time"`
	ExecutionTime          time.Duration `json:"execution_time"`
	MemoryPeakBytes        uint64        `json:"memory_peak_bytes"`
	GCCount                int           `json:"gc_count"`
	ArtifactGenerationTime time.Duration `json:"artifact_generation_time"`
	CPUSeconds             float64       `json:"cpu_seconds"`
}

type Metadata struct {
	InterpreterVersion string             `json:"interpreter_version"`
	PackagesLoaded     []string           `json:"packages_loaded"`
	SecurityChecks     []security.Check   `json:"security_checks"`
	PerformanceProfile PerformanceProfile `json:"performance_profile"`
}

// Result is the outcome of one execution. Script errors are reported here
// through Stderr and ExitCode, never as a Go error.
type Result struct {
	Stdout          string              `json:"stdout"`
	Stderr          string              `json:"stderr"`
	Artifacts       []artifact.Artifact `json:"artifacts"`
	ExecutionTime   time.Duration       `json:"execution_time"`
	MemoryUsedBytes uint64              `json:"memory_used_bytes"`
	CPUUsed         float64             `json:"cpu_used"`
	ExitCode        int                 `json:"exit_code"`
	Warnings        []string            `json:"warnings"`
	Metadata        Metadata            `json:"metadata"`
}

// Vetoed reports whether the result came from a security rejection.
func (r *Result) Vetoed() bool {
	return r.ExitCode != 0 && security.Vetoed(r.Metadata.SecurityChecks)
}
