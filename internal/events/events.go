// Package events carries usage events out of the engine: the event type the
// orchestrator publishes and sinks that forward it to external systems.
package events

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Features recorded for billing and gating.
const (
	FeaturePythonExecution    = "python_execution"
	FeatureContainerCommand   = "container_command"
	FeaturePackageInstall     = "package_install"
	FeatureContainerCreate    = "container_create"
	FeatureInteractiveService = "interactive_service"
)

// UsageEvent is published once per billable operation, successful or not.
type UsageEvent struct {
	ID           string        `json:"id"`
	InstanceID   string        `json:"instance_id"`
	InstanceKind string        `json:"instance_kind"`
	Feature      string        `json:"feature"`
	ExecID       string        `json:"exec_id,omitempty"`
	ExitCode     int           `json:"exit_code"`
	Vetoed       bool          `json:"vetoed,omitempty"`
	Failed       bool          `json:"failed,omitempty"`
	Duration     time.Duration `json:"duration"`
	CPUSeconds   float64       `json:"cpu_seconds"`
	MemoryPeak   uint64        `json:"memory_peak_bytes"`
	Timestamp    time.Time     `json:"timestamp"`
}

// Sink delivers usage events to an external system.
type Sink interface {
	Publish(ctx context.Context, ev UsageEvent) error
	Close() error
}

// Forward publishes every event from ch to sink until ch is closed or ctx
// ends. Publish failures are logged and the event is skipped.
func Forward(ctx context.Context, ch <-chan UsageEvent, sink Sink) {
	logger := log.With().Str("component", "event_forwarder").Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := sink.Publish(ctx, ev); err != nil {
				logger.Warn().
					Err(err).
					Str("instance_id", ev.InstanceID).
					Str("feature", ev.Feature).
					Msg("usage event not published")
			}
		}
	}
}
