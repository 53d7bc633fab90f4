package interpreter

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"sandbox-engine/internal/accounting"
	"sandbox-engine/internal/artifact"
	"sandbox-engine/internal/runtime"
	"sandbox-engine/internal/sandbox"
	"sandbox-engine/internal/security"
)

//go:embed harness.py
var harness []byte

const resetWarning = "Interpreter state was reset after timeout"

// Sandbox owns one interpreter worker. Executions are serialized: a second
// caller waits for the first to finish.
type Sandbox struct {
	id        string
	cfg       Config
	validator *security.Validator
	processor *artifact.Processor
	python    runtime.Toolchain
	sampler   *accounting.ProcessSampler
	usage     *accounting.Accountant
	logger    zerolog.Logger

	slot   *sandbox.Slot
	initMu sync.Mutex

	mu       sync.RWMutex
	worker   *worker
	version  string
	packages []PackageInfo
}

func New(id string, cfg Config, validator *security.Validator, processor *artifact.Processor) *Sandbox {
	defaults := DefaultConfig()
	if cfg.Python == "" {
		cfg.Python = defaults.Python
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = defaults.WorkDir
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaults.DefaultTimeout
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = defaults.InitTimeout
	}
	if cfg.InstallTimeout <= 0 {
		cfg.InstallTimeout = defaults.InstallTimeout
	}
	if validator == nil {
		validator = security.NewValidator()
	}
	if processor == nil {
		processor = artifact.NewProcessor()
	}

	logger := log.With().Str("sandbox_id", id).Str("component", "interpreter").Logger()
	sampler, err := accounting.NewProcessSampler()
	if err != nil {
		logger.Debug().Err(err).Msg("procfs unavailable, memory sampling disabled")
	}
	usage := accounting.NewAccountant()
	usage.SetLimits(uint64(max(cfg.MemoryLimitBytes, 0)), 1, 0)

	return &Sandbox{
		id:        id,
		cfg:       cfg,
		validator: validator,
		processor: processor,
		python:    &runtime.PythonToolchain{},
		sampler:   sampler,
		usage:     usage,
		logger:    logger,
		slot:      sandbox.NewSlot(),
	}
}

func (s *Sandbox) ID() string { return s.id }

func (s *Sandbox) dir() string  { return filepath.Join(s.cfg.WorkDir, s.id) }
func (s *Sandbox) home() string { return filepath.Join(s.dir(), "home") }

func (s *Sandbox) current() *worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.worker
}

// Initialized reports whether a worker is running.
func (s *Sandbox) Initialized() bool {
	w := s.current()
	return w != nil && w.alive()
}

// Busy reports whether an execution is in progress.
func (s *Sandbox) Busy() bool {
	return s.slot.Busy()
}

// Initialize starts the worker, installs the import guard and loads the
// baseline packages. It is idempotent; concurrent callers share a single
// bootstrap. On failure no worker is left behind.
func (s *Sandbox) Initialize(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if w := s.current(); w != nil {
		if w.alive() {
			return nil
		}
		s.discard(w)
	}

	start := time.Now()
	w, err := s.spawn()
	if err != nil {
		return fmt.Errorf("%w: %v", sandbox.ErrInitFailed, err)
	}

	initCtx, cancel := context.WithTimeout(ctx, s.cfg.InitTimeout)
	defer cancel()
	resp, err := w.call(initCtx, request{Op: opInit, Packages: s.cfg.BaselinePackages})
	if err == nil && !resp.OK {
		err = errors.New(resp.Error)
	}
	if err != nil {
		w.kill()
		return fmt.Errorf("%w: %v", sandbox.ErrInitFailed, err)
	}
	for _, warning := range resp.Warnings {
		s.logger.Warn().Str("warning", warning).Msg("baseline package unavailable")
	}

	s.mu.Lock()
	s.worker = w
	s.version = resp.Version
	s.packages = resp.Packages
	s.mu.Unlock()

	s.logger.Info().
		Str("version", resp.Version).
		Int("pid", w.pid()).
		Dur("duration", time.Since(start)).
		Msg("interpreter initialized")
	return nil
}

func (s *Sandbox) spawn() (*worker, error) {
	if err := os.MkdirAll(s.home(), 0o700); err != nil {
		return nil, fmt.Errorf("create workdir: %w", err)
	}
	script := filepath.Join(s.dir(), "harness.py")
	if err := os.WriteFile(script, harness, 0o600); err != nil {
		return nil, fmt.Errorf("write harness: %w", err)
	}

	blocked, _ := json.Marshal(BlockedModules)
	names, _ := json.Marshal(importNames)
	argv := s.python.Command(script)

	return startWorker(sandbox.ProcessSpec{
		Path: s.cfg.Python,
		Args: argv[1:],
		Dir:  s.home(),
		Env:  s.env(map[string]string{"SANDBOX_BLOCKED_MODULES": string(blocked), "SANDBOX_IMPORT_NAMES": string(names)}),
	})
}

func (s *Sandbox) env(extra map[string]string) []string {
	vars := map[string]string{
		"MPLBACKEND":              "Agg",
		"MPLCONFIGDIR":            filepath.Join(s.home(), ".matplotlib"),
		"OPENBLAS_NUM_THREADS":    "1",
		"OMP_NUM_THREADS":         "1",
		"PYTHONDONTWRITEBYTECODE": "1",
		"PYTHONIOENCODING":        "utf-8",
	}
	for k, v := range extra {
		vars[k] = v
	}
	return sandbox.SanitizedEnv(s.home(), vars)
}

// discard drops w as the current worker and kills it.
func (s *Sandbox) discard(w *worker) {
	s.mu.Lock()
	if s.worker == w {
		s.worker = nil
	}
	s.mu.Unlock()
	w.kill()
}

// Execute runs code in the worker. Validation failures and script errors
// produce a Result; only infrastructure failures return an error.
func (s *Sandbox) Execute(ctx context.Context, code string, opts Options) (*Result, error) {
	if err := s.slot.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.slot.Release()

	if err := s.Initialize(ctx); err != nil {
		return nil, err
	}

	checks := s.validator.Validate(code)
	if security.Vetoed(checks) {
		s.logger.Warn().Int("findings", len(security.Failures(checks, security.RiskHigh))).Msg("code vetoed")
		return s.vetoResult(checks), nil
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	memLimit := opts.MemoryLimitBytes
	if memLimit <= 0 {
		memLimit = s.cfg.MemoryLimitBytes
	}

	w := s.current()
	if w == nil {
		return nil, &sandbox.ExecutionError{ExecID: s.id, Op: "execute", Err: sandbox.ErrWorkerCrashed}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := w.call(callCtx, request{
		Op:               opExecute,
		Code:             code,
		CaptureArtifacts: !opts.SkipArtifacts,
		MemoryLimit:      memLimit,
	})
	elapsed := time.Since(start)

	if err != nil {
		s.discard(w)
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn().Dur("timeout", timeout).Msg("execution timed out, worker killed")
			return s.timeoutResult(checks, timeout, elapsed), nil
		}
		return nil, &sandbox.ExecutionError{ExecID: s.id, Op: "execute", Err: err}
	}
	if !resp.OK {
		s.discard(w)
		return nil, &sandbox.ExecutionError{ExecID: s.id, Op: "execute", Err: fmt.Errorf("%w: %s", sandbox.ErrWorkerCrashed, resp.Error)}
	}

	return s.buildResult(ctx, w, resp, checks, elapsed), nil
}

func (s *Sandbox) buildResult(ctx context.Context, w *worker, resp *response, checks []security.Check, elapsed time.Duration) *Result {
	profile := resp.Profile.toProfile()
	warnings := append([]string{}, resp.Warnings...)
	for _, d := range s.validator.AnalyzeOutput(resp.Stdout + resp.Stderr) {
		warnings = append(warnings, "Suspicious output detected: "+d.Pattern)
	}

	s.usage.ObservePeak(profile.MemoryPeakBytes)
	s.usage.AddCPUSeconds(profile.CPUSeconds)
	if elapsed > 0 {
		s.usage.SetCPURate(profile.CPUSeconds / elapsed.Seconds())
	}
	memUsed := s.sampleMemory(w)
	if memUsed == 0 {
		memUsed = profile.MemoryPeakBytes
	}
	if s.usage.Snapshot().MemoryHigh() {
		warnings = append(warnings, fmt.Sprintf("Memory usage above %d%% of limit", int(accounting.HighWater*100)))
	}

	s.refreshPackages(ctx, w)

	return &Result{
		Stdout:          sandbox.TruncateOutput(resp.Stdout, sandbox.MaxStdoutBytes),
		Stderr:          sandbox.TruncateOutput(resp.Stderr, sandbox.MaxStderrBytes),
		Artifacts:       s.processor.Process(resp.Artifacts),
		ExecutionTime:   elapsed,
		MemoryUsedBytes: memUsed,
		CPUUsed:         profile.CPUSeconds,
		ExitCode:        resp.ExitCode,
		Warnings:        warnings,
		Metadata:        s.metadata(checks, profile),
	}
}

func (s *Sandbox) vetoResult(checks []security.Check) *Result {
	var details []string
	for _, c := range security.Failures(checks, security.RiskHigh) {
		details = append(details, c.Details)
	}
	return &Result{
		Stderr:    "Code failed security validation: " + strings.Join(details, "; "),
		Artifacts: []artifact.Artifact{},
		ExitCode:  1,
		Warnings:  []string{},
		Metadata:  s.metadata(checks, PerformanceProfile{}),
	}
}

func (s *Sandbox) timeoutResult(checks []security.Check, timeout, elapsed time.Duration) *Result {
	return &Result{
		Stderr:        sandbox.TimeoutMessage(timeout),
		Artifacts:     []artifact.Artifact{},
		ExecutionTime: elapsed,
		ExitCode:      -1,
		Warnings:      []string{resetWarning},
		Metadata:      s.metadata(checks, PerformanceProfile{}),
	}
}

func (s *Sandbox) metadata(checks []security.Check, profile PerformanceProfile) Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.packages))
	for _, p := range s.packages {
		names = append(names, p.Name)
	}
	return Metadata{
		InterpreterVersion: s.version,
		PackagesLoaded:     names,
		SecurityChecks:     checks,
		PerformanceProfile: profile,
	}
}

func (s *Sandbox) refreshPackages(ctx context.Context, w *worker) {
	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := w.call(callCtx, request{Op: opPackages})
	if err != nil {
		s.logger.Warn().Err(err).Msg("package listing failed")
		s.discard(w)
		return
	}
	s.mu.Lock()
	s.packages = resp.Packages
	s.mu.Unlock()
}

func (s *Sandbox) sampleMemory(w *worker) uint64 {
	if s.sampler == nil || w == nil {
		return 0
	}
	stats, err := s.sampler.Tree(w.pid())
	if err != nil {
		return 0
	}
	s.usage.SetMemory(stats.RSS)
	s.usage.ObservePeak(stats.PeakRSS)
	return stats.RSS
}

// InstallPackage makes an allow-listed package importable. Packages that
// already import are not reinstalled. Any failure yields false.
func (s *Sandbox) InstallPackage(ctx context.Context, name string) bool {
	logger := s.logger.With().Str("package", name).Logger()
	if !s.validator.IsPackageAllowed(name) {
		logger.Warn().Msg("package not on allow-list")
		return false
	}
	if err := s.slot.Acquire(ctx); err != nil {
		return false
	}
	defer s.slot.Release()

	if err := s.Initialize(ctx); err != nil {
		logger.Error().Err(err).Msg("install aborted")
		return false
	}

	base := security.NormalizePackage(name)
	if s.importPackage(ctx, base) == nil {
		return true
	}

	installCtx, cancel := context.WithTimeout(ctx, s.cfg.InstallTimeout)
	defer cancel()
	out := sandbox.NewLimitedBuffer(sandbox.MaxStderrBytes)
	cmd := sandbox.NewCommand(installCtx, sandbox.ProcessSpec{
		Path:   s.cfg.Python,
		Args:   []string{"-m", "pip", "install", "--user", "--quiet", "--disable-pip-version-check", "--no-input", name},
		Dir:    s.home(),
		Env:    s.env(nil),
		Stdout: out,
		Stderr: out,
	})
	if err := cmd.Run(); err != nil {
		logger.Warn().Err(err).Str("output", out.String()).Msg("pip install failed")
		return false
	}

	if err := s.importPackage(ctx, base); err != nil {
		logger.Warn().Err(err).Msg("installed package failed to import")
		return false
	}
	logger.Info().Msg("package installed")
	return true
}

func (s *Sandbox) importPackage(ctx context.Context, name string) error {
	w := s.current()
	if w == nil {
		return sandbox.ErrWorkerCrashed
	}
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.InitTimeout)
	defer cancel()
	resp, err := w.call(callCtx, request{Op: opImport, Package: name})
	if err != nil {
		s.discard(w)
		return err
	}
	if !resp.OK {
		return errors.New(resp.Error)
	}
	s.mu.Lock()
	s.packages = mergePackages(s.packages, resp.Packages)
	s.mu.Unlock()
	return nil
}

func mergePackages(have, add []PackageInfo) []PackageInfo {
	byName := make(map[string]PackageInfo, len(have)+len(add))
	for _, p := range have {
		byName[p.Name] = p
	}
	for _, p := range add {
		byName[p.Name] = p
	}
	out := make([]PackageInfo, 0, len(byName))
	for _, p := range byName {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Cleanup collects garbage in the worker and stops it. The sandbox returns
// to the uninitialized state; a later call starts a fresh worker.
func (s *Sandbox) Cleanup(ctx context.Context) error {
	if err := s.slot.Acquire(ctx); err != nil {
		return err
	}
	defer s.slot.Release()
	s.initMu.Lock()
	defer s.initMu.Unlock()

	w := s.current()
	if w == nil {
		return nil
	}
	gcCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if _, err := w.call(gcCtx, request{Op: opGC}); err != nil {
		s.logger.Debug().Err(err).Msg("final gc failed")
	}
	cancel()
	s.discard(w)

	s.mu.Lock()
	s.version = ""
	s.packages = nil
	s.mu.Unlock()
	s.logger.Info().Msg("interpreter cleaned up")
	return nil
}

// Close cleans up and removes the sandbox's scratch directory.
func (s *Sandbox) Close(ctx context.Context) error {
	if err := s.Cleanup(ctx); err != nil {
		return err
	}
	return os.RemoveAll(s.dir())
}

// LoadedPackages returns the top-level modules with a version that the
// worker has imported.
func (s *Sandbox) LoadedPackages() []PackageInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]PackageInfo(nil), s.packages...)
}

// Version returns the interpreter version, or "" before initialization.
func (s *Sandbox) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// MemoryUsage returns the worker's resident memory in bytes.
func (s *Sandbox) MemoryUsage() uint64 {
	if used := s.sampleMemory(s.current()); used > 0 {
		return used
	}
	return s.usage.Snapshot().Memory.Used
}

// Usage returns the accumulated resource counters.
func (s *Sandbox) Usage() accounting.ResourceUsage {
	s.sampleMemory(s.current())
	return s.usage.Snapshot()
}
