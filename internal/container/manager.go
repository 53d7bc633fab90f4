package container

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"sandbox-engine/internal/accounting"
	"sandbox-engine/internal/runtime"
	"sandbox-engine/internal/sandbox"
	"sandbox-engine/internal/security"
)

// Option configures a Manager.
type Option func(*Manager)

// WithResourceWarning registers fn to be called when a container crosses the
// high-water mark of its memory or CPU limit.
func WithResourceWarning(fn func(id, resource string, usage accounting.ResourceUsage)) Option {
	return func(m *Manager) { m.onWarning = fn }
}

// WithBlockedConnection registers fn to be called when the network proxy of
// a container refuses a destination.
func WithBlockedConnection(fn func(id, host string, port int)) Option {
	return func(m *Manager) { m.onBlocked = fn }
}

// Manager owns the containers of one host.
type Manager struct {
	cfg        ManagerConfig
	mode       Mode
	validator  *security.Validator
	toolchains *runtime.Registry
	sampler    *accounting.ProcessSampler
	logger     zerolog.Logger

	onWarning func(id, resource string, usage accounting.ResourceUsage)
	onBlocked func(id, host string, port int)

	mu      sync.RWMutex
	entries map[string]*entry
	// names maps container names to ids. An empty id reserves a name
	// while Create is in progress.
	names  map[string]string
	closed bool
}

func NewManager(cfg ManagerConfig, validator *security.Validator, toolchains *runtime.Registry, opts ...Option) (*Manager, error) {
	def := DefaultManagerConfig()
	if cfg.DataDir == "" {
		cfg.DataDir = def.DataDir
	}
	if cfg.ImageDir == "" {
		cfg.ImageDir = filepath.Join(cfg.DataDir, "images")
	}
	if cfg.AlpineVersion == "" {
		cfg.AlpineVersion = def.AlpineVersion
	}
	if cfg.Limits == (sandbox.ResourceLimits{}) {
		cfg.Limits = def.Limits
	}
	if len(cfg.DNSServers) == 0 {
		cfg.DNSServers = def.DNSServers
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if cfg.InstallTimeout <= 0 {
		cfg.InstallTimeout = def.InstallTimeout
	}
	if cfg.PollSchedule == "" {
		cfg.PollSchedule = def.PollSchedule
	}
	if cfg.ServiceCommand == "" {
		cfg.ServiceCommand = def.ServiceCommand
	}
	if cfg.ServiceStartWait <= 0 {
		cfg.ServiceStartWait = def.ServiceStartWait
	}
	if _, err := cron.ParseStandard(cfg.PollSchedule); err != nil {
		return nil, fmt.Errorf("%w: poll schedule %q: %v", sandbox.ErrInvalidConfig, cfg.PollSchedule, err)
	}
	if err := cfg.Limits.Validate(); err != nil {
		return nil, err
	}

	mode, err := ParseMode(string(cfg.Mode))
	if err != nil {
		return nil, err
	}
	if validator == nil {
		validator = security.NewValidator()
	}
	if toolchains == nil {
		toolchains = runtime.NewRegistry()
	}
	if err := os.MkdirAll(filepath.Join(cfg.DataDir, "containers"), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	m := &Manager{
		cfg:        cfg,
		mode:       mode.Resolve(),
		validator:  validator,
		toolchains: toolchains,
		logger:     log.With().Str("component", "containers").Logger(),
		entries:    make(map[string]*entry),
		names:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sampler, err = accounting.NewProcessSampler(); err != nil {
		m.logger.Debug().Err(err).Msg("procfs unavailable, memory sampling disabled")
	}

	if m.mode == ModeNone {
		ev := m.logger.Warn()
		if mode == ModeAuto {
			ev = ev.Str("reason", "not root and landlock unavailable")
		}
		ev.Str("requested", string(mode)).Msg("commands will run without filesystem confinement")
	}
	m.logger.Info().
		Str("mode", string(m.mode)).
		Str("data_dir", cfg.DataDir).
		Msg("container manager ready")
	return m, nil
}

const unconfinedWarning = "Commands run without filesystem confinement: the host is not root and Landlock is unavailable, or mode none was requested"

// Mode returns the confinement mode in effect.
func (m *Manager) Mode() Mode { return m.mode }

func newInstanceID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("container_%d_%s", time.Now().UnixMilli(), suffix)
}

// Create validates cfg, prepares the rootfs and starts the container. cfg
// is checked before anything touches the disk.
func (m *Manager) Create(ctx context.Context, cfg Config) (*Instance, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	limits, err := cfg.ResourceLimits(m.cfg.Limits)
	if err != nil {
		return nil, err
	}
	plan, err := m.toolchains.InstallPlan(cfg.Toolchains)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sandbox.ErrInvalidConfig, err)
	}

	if err := m.reserve(cfg.Name); err != nil {
		return nil, err
	}
	registered := false
	defer func() {
		if !registered {
			m.release(cfg.Name)
		}
	}()

	id := newInstanceID()
	logger := log.With().Str("container_id", id).Str("name", cfg.Name).Logger()
	dir := filepath.Join(m.cfg.DataDir, "containers", cfg.Name)
	rootfs := filepath.Join(dir, "rootfs")

	if !HasShell(rootfs) {
		archive, err := m.ensureImage(ctx, cfg.Architecture)
		if err != nil {
			return nil, err
		}
		if err := ExtractRootfs(archive, rootfs); err != nil {
			_ = os.RemoveAll(dir)
			return nil, err
		}
		logger.Info().Str("archive", archive).Msg("rootfs extracted")
	}

	warnings := bootstrap(rootfs, m.cfg.DNSServers)
	if m.mode == ModeNone {
		warnings = append(warnings, unconfinedWarning)
	}

	workDir := cfg.WorkingDir
	if workDir == "" {
		workDir = workspaceDir
	}

	cctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		dir:    dir,
		limits: limits,
		slot:   sandbox.NewSlot(),
		usage:  accounting.NewAccountant(),
		logger: logger,
		ctx:    cctx,
		cancel: cancel,
		pids:   make(map[int]struct{}),
		inst: Instance{
			ID:               id,
			Name:             cfg.Name,
			Status:           StatusCreated,
			Config:           cfg,
			RootfsPath:       rootfs,
			WorkingDirectory: workDir,
			Mode:             m.mode,
		},
	}
	e.usage.SetLimits(uint64(limits.MemoryBytes), limits.CPUCores, uint64(limits.StorageBytes))

	warnings = append(warnings, m.applyBinds(e, cfg)...)
	if len(plan) > 0 {
		warnings = append(warnings, m.installToolchains(ctx, e, plan)...)
	}
	if err := writeBundle(dir, id, cfg, limits); err != nil {
		warnings = append(warnings, fmt.Sprintf("Runtime bundle not written: %v", err))
	}

	nc, netWarnings := m.startNetwork(e, cfg)
	warnings = append(warnings, netWarnings...)
	e.inst.Networking = nc

	if err := m.startPoller(e); err != nil {
		warnings = append(warnings, fmt.Sprintf("Usage poller not started: %v", err))
	}

	for _, w := range warnings {
		logger.Warn().Str("warning", w).Msg("container setup")
	}
	e.inst.Status = StatusRunning
	e.inst.StartTime = time.Now()
	e.inst.Warnings = warnings
	m.refresh(e)

	m.mu.Lock()
	m.entries[id] = e
	m.names[cfg.Name] = id
	m.mu.Unlock()
	registered = true

	logger.Info().
		Str("mode", string(m.mode)).
		Bool("networking", nc.Enabled).
		Int("warnings", len(warnings)).
		Msg("container created")

	inst := e.snapshot()
	return &inst, nil
}

func (m *Manager) reserve(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return sandbox.ErrClosed
	}
	if _, ok := m.names[name]; ok {
		return fmt.Errorf("%w: container %q", sandbox.ErrAlreadyExists, name)
	}
	m.names[name] = ""
	return nil
}

func (m *Manager) release(name string) {
	m.mu.Lock()
	if m.names[name] == "" {
		delete(m.names, name)
	}
	m.mu.Unlock()
}

// applyBinds makes the configured host paths visible to the container as
// far as the confinement mode allows.
func (m *Manager) applyBinds(e *entry, cfg Config) []string {
	if len(cfg.Binds) == 0 {
		return nil
	}
	switch m.mode {
	case ModeChroot:
		mounted, err := mountBinds(e.inst.RootfsPath, cfg.Binds)
		e.mounts = mounted
		if err != nil {
			return []string{fmt.Sprintf("Bind mount failed: %v", err)}
		}
		return nil
	case ModeLandlock:
		return []string{"Binds are readable at their host paths in landlock mode"}
	default:
		return []string{"Binds are not applied in mode " + string(m.mode)}
	}
}

// installToolchains runs the apk plan as root inside the chroot. Each failed
// step becomes a warning.
func (m *Manager) installToolchains(ctx context.Context, e *entry, plan []string) []string {
	if m.mode != ModeChroot {
		return []string{fmt.Sprintf("Toolchain installation requires chroot mode, skipped: %s", strings.Join(e.inst.Config.Toolchains, ", "))}
	}

	var warnings []string
	for _, step := range plan {
		res, err := m.execute(ctx, e, jailCommand{
			rootfs:     e.inst.RootfsPath,
			workDir:    "/",
			command:    step,
			limits:     sandbox.ResourceLimits{},
			networking: true,
			privileged: true,
		}, m.cfg.InstallTimeout)
		switch {
		case err != nil:
			warnings = append(warnings, fmt.Sprintf("Toolchain step %q failed: %v", step, err))
		case res.ExitCode != 0:
			warnings = append(warnings, fmt.Sprintf("Toolchain step %q exited %d: %s", step, res.ExitCode, strings.TrimSpace(res.Stderr)))
		default:
			e.logger.Info().Str("step", step).Dur("duration", res.ExecutionTime).Msg("toolchain step done")
		}
	}
	return warnings
}

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: container %s", sandbox.ErrNotFound, id)
	}
	return e, nil
}

func (m *Manager) running(id string) (*entry, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if s := e.status(); s != StatusRunning {
		return nil, fmt.Errorf("%w: container %s is %s", sandbox.ErrNotRunning, id, s)
	}
	return e, nil
}

// Run executes an allow-listed shell command in container id. A command the
// policy rejects yields a result with exit code 1 rather than an error.
func (m *Manager) Run(ctx context.Context, id, command string, opts RunOptions) (*CommandResult, error) {
	e, err := m.running(id)
	if err != nil {
		return nil, err
	}

	if err := m.validator.CheckCommand(command); err != nil {
		e.logger.Warn().Err(err).Msg("command rejected")
		return &CommandResult{
			Command:  command,
			Stderr:   "Command not allowed: " + err.Error(),
			ExitCode: 1,
			Rejected: true,
		}, nil
	}

	inst := e.snapshot()
	workDir := inst.WorkingDirectory
	if opts.WorkDir != "" {
		if !strings.HasPrefix(opts.WorkDir, "/") {
			return nil, fmt.Errorf("%w: working directory must be absolute: %s", sandbox.ErrInvalidRequest, opts.WorkDir)
		}
		workDir = filepath.Clean(opts.WorkDir)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.cfg.CommandTimeout
	}

	bound, cancel := e.bind(ctx)
	defer cancel()
	if err := e.slot.Acquire(bound); err != nil {
		if e.ctx.Err() != nil {
			return nil, fmt.Errorf("%w: container %s stopped", sandbox.ErrNotRunning, id)
		}
		return nil, err
	}
	defer e.slot.Release()
	if e.status() != StatusRunning {
		return nil, fmt.Errorf("%w: container %s stopped", sandbox.ErrNotRunning, id)
	}

	res, err := m.execute(bound, e, jailCommand{
		rootfs:     inst.RootfsPath,
		workDir:    workDir,
		command:    command,
		env:        mergeEnv(inst.Config.Environment, e.networkEnv(), opts.Env),
		limits:     e.limits,
		networking: inst.Networking.Enabled,
		binds:      inst.Config.Binds,
	}, timeout)
	if err != nil {
		return nil, err
	}

	for _, d := range m.validator.AnalyzeOutput(res.Stdout + res.Stderr) {
		res.Warnings = append(res.Warnings, "Suspicious output detected: "+d.Pattern)
	}
	m.refresh(e)

	e.logger.Debug().
		Int("exit_code", res.ExitCode).
		Dur("duration", res.ExecutionTime).
		Msg("command finished")
	return res, nil
}

// execute runs one jailed command to completion. ctx cancellation and the
// timeout both kill the process group.
func (m *Manager) execute(ctx context.Context, e *entry, jc jailCommand, timeout time.Duration) (*CommandResult, error) {
	spec, err := m.mode.processSpec(jc)
	if err != nil {
		return nil, err
	}
	stdout := sandbox.NewLimitedBuffer(sandbox.MaxStdoutBytes)
	stderr := sandbox.NewLimitedBuffer(sandbox.MaxStderrBytes)
	spec.Stdout = stdout
	spec.Stderr = stderr

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := sandbox.NewCommand(execCtx, spec)
	if err := cmd.Start(); err != nil {
		return nil, &sandbox.ExecutionError{ExecID: e.inst.ID, Op: "run", Err: err}
	}
	pid := cmd.Process.Pid
	e.track(pid)
	waitErr := cmd.Wait()

	cpu := cpuSeconds(cmd)
	e.untrack(pid, cpu)
	e.usage.AddCPUSeconds(cpu)
	if peak := peakRSS(cmd); peak > 0 {
		e.usage.ObservePeak(peak)
	}

	res := &CommandResult{
		Command:       jc.command,
		Stdout:        stdout.String(),
		Stderr:        stderr.String(),
		ExecutionTime: time.Since(start),
	}
	switch {
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		res.ExitCode = -1
		res.Stderr = joinLines(res.Stderr, sandbox.TimeoutMessage(timeout))
		e.logger.Warn().Dur("timeout", timeout).Msg("command timed out, process group killed")
	case e.ctx.Err() != nil:
		res.ExitCode = -1
		res.Stderr = joinLines(res.Stderr, "Container stopped during execution")
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		code, err := sandbox.ExitCode(waitErr)
		if err != nil {
			return nil, &sandbox.ExecutionError{ExecID: e.inst.ID, Op: "wait", Err: err}
		}
		res.ExitCode = code
	}
	return res, nil
}

func joinLines(a, b string) string {
	if a == "" || strings.HasSuffix(a, "\n") {
		return a + b
	}
	return a + "\n" + b
}

// mergeEnv layers environment maps; later maps win.
func mergeEnv(layers ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, l := range layers {
		for k, v := range l {
			out[k] = v
		}
	}
	return out
}

func cpuSeconds(cmd *exec.Cmd) float64 {
	if cmd.ProcessState == nil {
		return 0
	}
	return (cmd.ProcessState.UserTime() + cmd.ProcessState.SystemTime()).Seconds()
}

func peakRSS(cmd *exec.Cmd) uint64 {
	if cmd.ProcessState == nil {
		return 0
	}
	if ru, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage); ok && ru.Maxrss > 0 {
		return uint64(ru.Maxrss) * 1024
	}
	return 0
}

// Stop cancels in-flight commands and services, stops the poller and the
// proxy and marks the container stopped. The filesystem is kept.
func (m *Manager) Stop(ctx context.Context, id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.inst.Status != StatusRunning {
		e.mu.Unlock()
		return nil
	}
	e.inst.Status = StatusStopped
	e.mu.Unlock()

	e.cancel()
	e.stopPoller()
	e.stopServices()
	e.stopNetwork(ctx)
	if err := e.unmount(); err != nil {
		e.logger.Warn().Err(err).Msg("bind unmount failed")
	}

	e.logger.Info().Msg("container stopped")
	return nil
}

func (e *entry) unmount() error {
	e.mu.Lock()
	mounts := e.mounts
	e.mu.Unlock()
	if len(mounts) == 0 {
		return nil
	}
	if err := unmountAll(mounts); err != nil {
		return err
	}
	e.mu.Lock()
	e.mounts = nil
	e.mu.Unlock()
	return nil
}

// Remove stops the container and deletes its directory.
func (m *Manager) Remove(ctx context.Context, id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	if err := m.Stop(ctx, id); err != nil {
		return err
	}
	// Never delete through a bind that is still mounted.
	if err := e.unmount(); err != nil {
		return &sandbox.ExecutionError{ExecID: id, Op: "remove", Err: err}
	}
	if err := os.RemoveAll(e.dir); err != nil {
		return &sandbox.ExecutionError{ExecID: id, Op: "remove", Err: err}
	}

	m.mu.Lock()
	delete(m.entries, id)
	delete(m.names, e.inst.Name)
	m.mu.Unlock()

	e.logger.Info().Msg("container removed")
	return nil
}

func (m *Manager) Get(id string) (*Instance, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	inst := e.snapshot()
	return &inst, nil
}

// List returns all containers ordered by start time.
func (m *Manager) List() []Instance {
	m.mu.RLock()
	out := make([]Instance, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// Usage returns a fresh resource snapshot for container id.
func (m *Manager) Usage(id string) (accounting.ResourceUsage, error) {
	e, err := m.lookup(id)
	if err != nil {
		return accounting.ResourceUsage{}, err
	}
	if e.status() == StatusRunning {
		m.refresh(e)
	}
	return e.usage.Snapshot(), nil
}

// Busy reports whether a command currently holds the container's slot.
func (m *Manager) Busy(id string) bool {
	e, err := m.lookup(id)
	if err != nil {
		return false
	}
	return e.slot.Busy()
}

// Close stops every container. Filesystems are kept.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.Stop(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
