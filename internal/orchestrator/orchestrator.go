// Package orchestrator owns every sandbox instance of the engine. It routes
// executions and commands to the right instance, keeps per-feature usage
// counts and fans usage events out to subscribers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"sandbox-engine/internal/accounting"
	"sandbox-engine/internal/artifact"
	"sandbox-engine/internal/container"
	"sandbox-engine/internal/events"
	"sandbox-engine/internal/interpreter"
	"sandbox-engine/internal/monitor"
	"sandbox-engine/internal/runtime"
	"sandbox-engine/internal/sandbox"
	"sandbox-engine/internal/security"
	"sandbox-engine/internal/storage"
)

type Kind string

const (
	KindPython    Kind = "python"
	KindContainer Kind = "container"
)

// UsageEvent is published for every execution and command.
type UsageEvent = events.UsageEvent

// Config selects the sandbox kinds and their settings.
type Config struct {
	Interpreter interpreter.Config
	Container   container.ManagerConfig
	// ContainersEnabled starts the container manager. Without it only
	// language sandboxes can be created.
	ContainersEnabled bool
}

type Option func(*Orchestrator)

func WithMetrics(m *monitor.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithTracer(t *monitor.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithAudit persists every execution through w.
func WithAudit(w *storage.AuditWriter) Option {
	return func(o *Orchestrator) { o.audit = w }
}

func WithValidator(v *security.Validator) Option {
	return func(o *Orchestrator) { o.validator = v }
}

func WithToolchains(r *runtime.Registry) Option {
	return func(o *Orchestrator) { o.toolchains = r }
}

// InstanceInfo describes one instance of either kind.
type InstanceInfo struct {
	ID        string                   `json:"id"`
	Kind      Kind                     `json:"kind"`
	Status    string                   `json:"status"`
	Busy      bool                     `json:"busy"`
	CreatedAt time.Time                `json:"created_at"`
	Resources accounting.ResourceUsage `json:"resources"`

	// Set for language sandboxes.
	InterpreterVersion string                    `json:"interpreter_version,omitempty"`
	Packages           []interpreter.PackageInfo `json:"packages,omitempty"`

	// Set for containers.
	Container *container.Instance `json:"container,omitempty"`
}

type pythonEntry struct {
	sb      *interpreter.Sandbox
	created time.Time
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	cfg        Config
	validator  *security.Validator
	processor  *artifact.Processor
	toolchains *runtime.Registry
	containers *container.Manager
	metrics    *monitor.Metrics
	tracer     *monitor.Tracer
	audit      *storage.AuditWriter
	logger     zerolog.Logger

	mu     sync.RWMutex
	python map[string]*pythonEntry
	closed bool

	usage usageBook
}

// New builds an orchestrator. With ContainersEnabled the container manager
// is created eagerly so that configuration errors surface at startup.
func New(cfg Config, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:       cfg,
		processor: artifact.NewProcessor(),
		logger:    log.With().Str("component", "orchestrator").Logger(),
		python:    make(map[string]*pythonEntry),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.validator == nil {
		o.validator = security.NewValidator()
	}
	if o.toolchains == nil {
		o.toolchains = runtime.NewRegistry()
	}
	if o.metrics == nil {
		o.metrics = monitor.NewMetrics()
	}
	if o.tracer == nil {
		o.tracer = monitor.NewTracer()
	}
	o.usage.init(o.metrics, o.logger)

	if cfg.ContainersEnabled {
		mgr, err := container.NewManager(cfg.Container, o.validator, o.toolchains,
			container.WithResourceWarning(o.onResourceWarning),
			container.WithBlockedConnection(o.onBlockedConnection),
		)
		if err != nil {
			return nil, fmt.Errorf("container manager: %w", err)
		}
		o.containers = mgr
	}
	return o, nil
}

// Metrics returns the registry-backed metrics the orchestrator records to.
func (o *Orchestrator) Metrics() *monitor.Metrics { return o.metrics }

func (o *Orchestrator) onResourceWarning(id, resource string, usage accounting.ResourceUsage) {
	o.metrics.RecordResourceWarning(resource)
	o.logger.Warn().
		Str("instance_id", id).
		Str("resource", resource).
		Float64("memory_pct", usage.Memory.Percentage).
		Float64("cpu_rate", usage.CPU.Rate).
		Msg("instance near resource limit")
}

func (o *Orchestrator) onBlockedConnection(id, host string, port int) {
	o.metrics.BlockedConnections.Inc()
	o.logger.Info().
		Str("instance_id", id).
		Str("host", host).
		Int("port", port).
		Msg("connection blocked by network policy")
}

func (o *Orchestrator) checkOpen() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return sandbox.ErrClosed
	}
	return nil
}

func (o *Orchestrator) containerManager() (*container.Manager, error) {
	if o.containers == nil {
		return nil, fmt.Errorf("%w: container sandboxes are disabled", sandbox.ErrInvalidRequest)
	}
	return o.containers, nil
}

// CreateLanguageSandbox starts and initializes a Python sandbox. An empty
// id gets a generated one. The sandbox is registered only once its worker
// is up.
func (o *Orchestrator) CreateLanguageSandbox(ctx context.Context, id string) (*InstanceInfo, error) {
	if id == "" {
		id = "python_" + uuid.NewString()
	}
	ctx, span := o.tracer.StartSpan(ctx, "create_language_sandbox", monitor.AttrInstanceID.String(id))
	defer span.End()

	if err := o.reservePython(id); err != nil {
		return nil, err
	}

	sb := interpreter.New(id, o.cfg.Interpreter, o.validator, o.processor)
	if err := sb.Initialize(ctx); err != nil {
		o.mu.Lock()
		delete(o.python, id)
		o.mu.Unlock()
		if cerr := sb.Close(context.WithoutCancel(ctx)); cerr != nil {
			o.logger.Debug().Err(cerr).Str("instance_id", id).Msg("cleanup after failed init")
		}
		span.RecordError(err)
		return nil, err
	}

	entry := &pythonEntry{sb: sb, created: time.Now()}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		_ = sb.Close(context.WithoutCancel(ctx))
		return nil, sandbox.ErrClosed
	}
	o.python[id] = entry
	o.mu.Unlock()

	o.metrics.ActiveInstances.WithLabelValues(string(KindPython)).Inc()
	o.logger.Info().Str("instance_id", id).Str("version", sb.Version()).Msg("language sandbox created")
	info := o.pythonInfo(id, entry)
	return &info, nil
}

// reservePython claims id with a nil entry while the worker starts.
func (o *Orchestrator) reservePython(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return sandbox.ErrClosed
	}
	if _, ok := o.python[id]; ok {
		return fmt.Errorf("%w: %s", sandbox.ErrAlreadyExists, id)
	}
	if o.containers != nil {
		if _, err := o.containers.Get(id); err == nil {
			return fmt.Errorf("%w: %s", sandbox.ErrAlreadyExists, id)
		}
	}
	o.python[id] = nil
	return nil
}

// CreateContainer creates and starts a container sandbox.
func (o *Orchestrator) CreateContainer(ctx context.Context, cfg container.Config) (*container.Instance, error) {
	if err := o.checkOpen(); err != nil {
		return nil, err
	}
	mgr, err := o.containerManager()
	if err != nil {
		return nil, err
	}
	ctx, span := o.tracer.StartSpan(ctx, "create_container", monitor.AttrKind.String(string(KindContainer)))
	defer span.End()

	inst, err := mgr.Create(ctx, cfg)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(monitor.AttrInstanceID.String(inst.ID))
	o.metrics.ActiveInstances.WithLabelValues(string(KindContainer)).Inc()
	o.record(UsageEvent{InstanceID: inst.ID, InstanceKind: string(KindContainer), Feature: events.FeatureContainerCreate})
	return inst, nil
}

func (o *Orchestrator) lookupPython(id string) (*pythonEntry, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return nil, sandbox.ErrClosed
	}
	e, ok := o.python[id]
	if !ok || e == nil {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
	}
	return e, nil
}

func (o *Orchestrator) isPython(id string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.python[id]
	return ok && e != nil
}

func (o *Orchestrator) pythonInfo(id string, e *pythonEntry) InstanceInfo {
	status := "ready"
	if !e.sb.Initialized() {
		status = "idle"
	}
	return InstanceInfo{
		ID:                 id,
		Kind:               KindPython,
		Status:             status,
		Busy:               e.sb.Busy(),
		CreatedAt:          e.created,
		Resources:          e.sb.Usage(),
		InterpreterVersion: e.sb.Version(),
		Packages:           e.sb.LoadedPackages(),
	}
}

func containerInfo(inst container.Instance, busy bool) InstanceInfo {
	return InstanceInfo{
		ID:        inst.ID,
		Kind:      KindContainer,
		Status:    string(inst.Status),
		Busy:      busy,
		CreatedAt: inst.StartTime,
		Resources: inst.Resources,
		Container: &inst,
	}
}

// Get describes instance id of either kind.
func (o *Orchestrator) Get(id string) (*InstanceInfo, error) {
	if e, err := o.lookupPython(id); err == nil {
		info := o.pythonInfo(id, e)
		return &info, nil
	} else if errors.Is(err, sandbox.ErrClosed) {
		return nil, err
	}
	if o.containers != nil {
		inst, err := o.containers.Get(id)
		if err == nil {
			info := containerInfo(*inst, o.containers.Busy(id))
			return &info, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
}

// ListAll returns every instance ordered by creation time.
func (o *Orchestrator) ListAll() []InstanceInfo {
	o.mu.RLock()
	out := make([]InstanceInfo, 0, len(o.python))
	for id, e := range o.python {
		if e != nil {
			out = append(out, o.pythonInfo(id, e))
		}
	}
	o.mu.RUnlock()

	if o.containers != nil {
		for _, inst := range o.containers.List() {
			out = append(out, containerInfo(inst, o.containers.Busy(inst.ID)))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Destroy stops instance id and deletes its files.
func (o *Orchestrator) Destroy(ctx context.Context, id string) error {
	if err := o.checkOpen(); err != nil {
		return err
	}
	o.mu.Lock()
	e, ok := o.python[id]
	if ok && e != nil {
		delete(o.python, id)
	}
	o.mu.Unlock()

	if ok && e != nil {
		o.metrics.ActiveInstances.WithLabelValues(string(KindPython)).Dec()
		if err := e.sb.Close(ctx); err != nil {
			return &sandbox.ExecutionError{ExecID: id, Op: "destroy", Err: err}
		}
		o.usage.forget(id)
		o.logger.Info().Str("instance_id", id).Msg("language sandbox destroyed")
		return nil
	}

	if o.containers == nil {
		return fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
	}
	if err := o.containers.Remove(ctx, id); err != nil {
		return err
	}
	o.usage.forget(id)
	o.metrics.ActiveInstances.WithLabelValues(string(KindContainer)).Dec()
	return nil
}

// GetResourceMetrics returns a fresh resource snapshot for instance id.
func (o *Orchestrator) GetResourceMetrics(id string) (accounting.ResourceUsage, error) {
	if e, err := o.lookupPython(id); err == nil {
		return e.sb.Usage(), nil
	} else if errors.Is(err, sandbox.ErrClosed) {
		return accounting.ResourceUsage{}, err
	}
	if o.containers == nil {
		return accounting.ResourceUsage{}, fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
	}
	return o.containers.Usage(id)
}

// StopContainer stops container id and keeps its filesystem.
func (o *Orchestrator) StopContainer(ctx context.Context, id string) error {
	if err := o.checkOpen(); err != nil {
		return err
	}
	mgr, err := o.containerManager()
	if err != nil {
		return err
	}
	return mgr.Stop(ctx, id)
}

// StartInteractiveService starts the editor service in container id and
// returns its URL.
func (o *Orchestrator) StartInteractiveService(ctx context.Context, id string, port int) (string, error) {
	if err := o.checkOpen(); err != nil {
		return "", err
	}
	mgr, err := o.containerManager()
	if err != nil {
		return "", err
	}
	url, err := mgr.StartInteractiveService(ctx, id, port)
	if err != nil {
		return "", err
	}
	o.record(UsageEvent{InstanceID: id, InstanceKind: string(KindContainer), Feature: events.FeatureInteractiveService})
	return url, nil
}

// InstallPackage installs an allow-listed package into language sandbox id.
func (o *Orchestrator) InstallPackage(ctx context.Context, id, name string) (bool, error) {
	e, err := o.lookupPython(id)
	if err != nil {
		if !errors.Is(err, sandbox.ErrClosed) && o.containers != nil {
			if _, cerr := o.containers.Get(id); cerr == nil {
				return false, fmt.Errorf("%w: packages install into language sandboxes only", sandbox.ErrInvalidRequest)
			}
		}
		return false, err
	}
	ctx, span := o.tracer.StartSpan(ctx, "install_package", monitor.AttrInstanceID.String(id))
	defer span.End()

	start := time.Now()
	ok := e.sb.InstallPackage(ctx, name)
	o.record(UsageEvent{
		InstanceID:   id,
		InstanceKind: string(KindPython),
		Feature:      events.FeaturePackageInstall,
		Failed:       !ok,
		Duration:     time.Since(start),
	})
	return ok, nil
}

// Close destroys language sandboxes, stops containers and ends every
// subscription. Later calls fail with ErrClosed.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	pythons := make(map[string]*pythonEntry, len(o.python))
	for id, e := range o.python {
		if e != nil {
			pythons[id] = e
		}
	}
	o.python = make(map[string]*pythonEntry)
	o.mu.Unlock()

	var errs []error
	for id, e := range pythons {
		if err := e.sb.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
		o.metrics.ActiveInstances.WithLabelValues(string(KindPython)).Dec()
	}
	if o.containers != nil {
		if err := o.containers.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	o.usage.closeAll()
	o.logger.Info().Msg("orchestrator closed")
	return errors.Join(errs...)
}
