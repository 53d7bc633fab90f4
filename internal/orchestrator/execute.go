package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"sandbox-engine/internal/container"
	"sandbox-engine/internal/events"
	"sandbox-engine/internal/interpreter"
	"sandbox-engine/internal/monitor"
	"sandbox-engine/internal/sandbox"
	"sandbox-engine/internal/security"
	"sandbox-engine/internal/storage"
)

// Execution statuses, shared by metrics and the audit log.
const (
	statusCompleted = "completed"
	statusFailed    = "failed"
	statusVetoed    = "vetoed"
	statusTimeout   = "timeout"
	statusError     = "error"
)

// Execute runs Python code in language sandbox id. Script errors and
// security vetoes come back as results; only infrastructure failures are
// errors.
func (o *Orchestrator) Execute(ctx context.Context, id, code string, opts interpreter.Options) (*interpreter.Result, error) {
	e, err := o.lookupPython(id)
	if err != nil {
		return nil, err
	}
	execID := uuid.NewString()
	ctx, span := o.tracer.StartSpan(ctx, "execute",
		monitor.AttrExecID.String(execID),
		monitor.AttrInstanceID.String(id),
		monitor.AttrKind.String(string(KindPython)),
		monitor.AttrCodeHash.String(codeHash(code)),
	)
	defer span.End()

	o.metrics.CodeSizeBytes.Observe(float64(len(code)))
	o.metrics.ActiveExecutions.Inc()
	defer o.metrics.ActiveExecutions.Dec()

	start := time.Now()
	res, err := e.sb.Execute(ctx, code, opts)
	elapsed := time.Since(start)

	ev := UsageEvent{
		InstanceID:   id,
		InstanceKind: string(KindPython),
		Feature:      events.FeaturePythonExecution,
		ExecID:       execID,
		Duration:     elapsed,
	}
	if err != nil {
		o.metrics.RecordExecution(string(KindPython), statusError, elapsed.Seconds())
		o.metrics.RecordError(errorType(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		ev.Failed = true
		ev.ExitCode = -1
		o.record(ev)
		o.auditError(execID, id, KindPython, code, err, start)
		return nil, err
	}

	status := pythonStatus(res)
	o.metrics.RecordExecution(string(KindPython), status, elapsed.Seconds())
	o.metrics.OutputSizeBytes.Observe(float64(len(res.Stdout) + len(res.Stderr)))
	for _, a := range res.Artifacts {
		o.metrics.ArtifactsTotal.WithLabelValues(string(a.Type)).Inc()
	}
	if status == statusVetoed {
		o.metrics.RecordVeto(string(KindPython))
	}
	if usage := e.sb.Usage(); usage.MemoryHigh() {
		o.onResourceWarning(id, "memory", usage)
	}

	span.SetAttributes(
		monitor.AttrExitCode.Int(res.ExitCode),
		monitor.AttrDurationMS.Int64(elapsed.Milliseconds()),
		monitor.AttrVetoed.Bool(status == statusVetoed),
	)

	ev.ExitCode = res.ExitCode
	ev.Vetoed = status == statusVetoed
	ev.Failed = res.ExitCode != 0
	ev.CPUSeconds = res.CPUUsed
	ev.MemoryPeak = res.Metadata.PerformanceProfile.MemoryPeakBytes
	o.record(ev)

	if o.audit != nil {
		completed := time.Now()
		o.audit.Log(&storage.Execution{
			ID:             execID,
			InstanceID:     id,
			Kind:           string(KindPython),
			CodeHash:       codeHash(code),
			ExitCode:       res.ExitCode,
			Output:         res.Stdout,
			Stderr:         res.Stderr,
			DurationMS:     elapsed.Milliseconds(),
			CPUTimeMS:      int64(res.CPUUsed * 1000),
			MemoryPeakMB:   int64(res.Metadata.PerformanceProfile.MemoryPeakBytes / sandbox.MiB),
			Artifacts:      len(res.Artifacts),
			Warnings:       len(res.Warnings),
			Status:         status,
			RequestIP:      RequestIPFromContext(ctx),
			CreatedAt:      start,
			CompletedAt:    &completed,
			SecurityEvents: checkEvents(res.Metadata.SecurityChecks),
		})
	}
	return res, nil
}

// Run executes a shell command in container id.
func (o *Orchestrator) Run(ctx context.Context, id, command string, opts container.RunOptions) (*container.CommandResult, error) {
	if err := o.checkOpen(); err != nil {
		return nil, err
	}
	mgr, err := o.containerManager()
	if err != nil {
		if o.isPython(id) {
			return nil, fmt.Errorf("%w: %s is a language sandbox", sandbox.ErrInvalidRequest, id)
		}
		return nil, err
	}
	execID := uuid.NewString()
	ctx, span := o.tracer.StartSpan(ctx, "run",
		monitor.AttrExecID.String(execID),
		monitor.AttrInstanceID.String(id),
		monitor.AttrKind.String(string(KindContainer)),
		monitor.AttrCodeHash.String(codeHash(command)),
	)
	defer span.End()

	o.metrics.CodeSizeBytes.Observe(float64(len(command)))
	o.metrics.ActiveExecutions.Inc()
	defer o.metrics.ActiveExecutions.Dec()

	start := time.Now()
	res, err := mgr.Run(ctx, id, command, opts)
	elapsed := time.Since(start)

	ev := UsageEvent{
		InstanceID:   id,
		InstanceKind: string(KindContainer),
		Feature:      events.FeatureContainerCommand,
		ExecID:       execID,
		Duration:     elapsed,
	}
	if err != nil {
		if errors.Is(err, sandbox.ErrNotFound) && o.isPython(id) {
			err = fmt.Errorf("%w: %s is a language sandbox", sandbox.ErrInvalidRequest, id)
		}
		o.metrics.RecordExecution(string(KindContainer), statusError, elapsed.Seconds())
		o.metrics.RecordError(errorType(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		ev.Failed = true
		ev.ExitCode = -1
		o.record(ev)
		o.auditError(execID, id, KindContainer, command, err, start)
		return nil, err
	}

	status := commandStatus(res)
	o.metrics.RecordExecution(string(KindContainer), status, elapsed.Seconds())
	o.metrics.OutputSizeBytes.Observe(float64(len(res.Stdout) + len(res.Stderr)))
	if res.Rejected {
		o.metrics.RecordVeto(string(KindContainer))
	}
	span.SetAttributes(
		monitor.AttrExitCode.Int(res.ExitCode),
		monitor.AttrDurationMS.Int64(elapsed.Milliseconds()),
		monitor.AttrVetoed.Bool(res.Rejected),
	)

	ev.ExitCode = res.ExitCode
	ev.Vetoed = res.Rejected
	ev.Failed = res.ExitCode != 0
	o.record(ev)

	if o.audit != nil {
		completed := time.Now()
		var secEvents []storage.SecurityEventRecord
		if res.Rejected {
			secEvents = append(secEvents, storage.SecurityEventRecord{
				Type:     "command_rejected",
				Severity: security.RiskHigh.String(),
				Detail:   res.Stderr,
			})
		}
		o.audit.Log(&storage.Execution{
			ID:             execID,
			InstanceID:     id,
			Kind:           string(KindContainer),
			CodeHash:       codeHash(command),
			ExitCode:       res.ExitCode,
			Output:         res.Stdout,
			Stderr:         res.Stderr,
			DurationMS:     elapsed.Milliseconds(),
			Warnings:       len(res.Warnings),
			Status:         status,
			RequestIP:      RequestIPFromContext(ctx),
			CreatedAt:      start,
			CompletedAt:    &completed,
			SecurityEvents: secEvents,
		})
	}
	return res, nil
}

func pythonStatus(res *interpreter.Result) string {
	switch {
	case res.Vetoed():
		return statusVetoed
	case res.ExitCode == -1:
		return statusTimeout
	case res.ExitCode != 0:
		return statusFailed
	default:
		return statusCompleted
	}
}

func commandStatus(res *container.CommandResult) string {
	switch {
	case res.Rejected:
		return statusVetoed
	case res.ExitCode == -1:
		return statusTimeout
	case res.ExitCode != 0:
		return statusFailed
	default:
		return statusCompleted
	}
}

// errorType labels infrastructure errors for the errors counter.
func errorType(err error) string {
	switch {
	case errors.Is(err, sandbox.ErrTimeout):
		return "timeout"
	case errors.Is(err, sandbox.ErrNotRunning):
		return "not_running"
	case errors.Is(err, sandbox.ErrNotFound):
		return "not_found"
	case errors.Is(err, sandbox.ErrInvalidRequest), errors.Is(err, sandbox.ErrInvalidConfig):
		return "validation"
	case errors.Is(err, sandbox.ErrInitFailed), errors.Is(err, sandbox.ErrWorkerCrashed):
		return "worker"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}

func codeHash(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// checkEvents turns failed validator checks into audit records.
func checkEvents(checks []security.Check) []storage.SecurityEventRecord {
	var out []storage.SecurityEventRecord
	for _, c := range checks {
		if c.Passed || c.RiskLevel < security.RiskMedium {
			continue
		}
		out = append(out, storage.SecurityEventRecord{
			Type:     c.Kind.String(),
			Severity: c.RiskLevel.String(),
			Detail:   c.Details,
		})
	}
	return out
}

func (o *Orchestrator) auditError(execID, id string, kind Kind, code string, err error, start time.Time) {
	if o.audit == nil {
		return
	}
	completed := time.Now()
	o.audit.Log(&storage.Execution{
		ID:          execID,
		InstanceID:  id,
		Kind:        string(kind),
		CodeHash:    codeHash(code),
		ExitCode:    -1,
		Stderr:      err.Error(),
		DurationMS:  completed.Sub(start).Milliseconds(),
		Status:      statusError,
		CreatedAt:   start,
		CompletedAt: &completed,
	})
}

type requestIPKey struct{}

// WithRequestIP attaches the caller's address for the audit log.
func WithRequestIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, requestIPKey{}, ip)
}

func RequestIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(requestIPKey{}).(string)
	return ip
}
