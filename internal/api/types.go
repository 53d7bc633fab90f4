package api

import (
	"time"

	"sandbox-engine/internal/container"
	"sandbox-engine/internal/interpreter"
)

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// CreateSandboxRequest creates a language sandbox. An empty ID is generated.
type CreateSandboxRequest struct {
	ID string `json:"id,omitempty"`
}

// ExecuteRequest runs Python code in a language sandbox.
type ExecuteRequest struct {
	Code             string   `json:"code"`
	Timeout          Duration `json:"timeout,omitempty"`
	MemoryLimitBytes int64    `json:"memory_limit_bytes,omitempty"`
	// CaptureArtifacts defaults to true when omitted.
	CaptureArtifacts *bool `json:"capture_artifacts,omitempty"`
	AllowNetworking  bool  `json:"allow_networking,omitempty"`
}

func (r ExecuteRequest) Options() interpreter.Options {
	return interpreter.Options{
		Timeout:          r.Timeout.Duration,
		MemoryLimitBytes: r.MemoryLimitBytes,
		SkipArtifacts:    r.CaptureArtifacts != nil && !*r.CaptureArtifacts,
		AllowNetworking:  r.AllowNetworking,
	}
}

// RunRequest runs a shell command in a container.
type RunRequest struct {
	Command string            `json:"command"`
	WorkDir string            `json:"work_dir,omitempty"`
	Timeout Duration          `json:"timeout,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

func (r RunRequest) Options() container.RunOptions {
	return container.RunOptions{
		WorkDir: r.WorkDir,
		Timeout: r.Timeout.Duration,
		Env:     r.Env,
	}
}

type InstallPackageRequest struct {
	Name string `json:"name"`
}

type InstallPackageResponse struct {
	Package   string `json:"package"`
	Installed bool   `json:"installed"`
}

type ServiceRequest struct {
	Port int `json:"port"`
}

type ServiceResponse struct {
	URL string `json:"url"`
}

// UsageResponse reports feature counts, overall or for one instance.
type UsageResponse struct {
	InstanceID string         `json:"instance_id,omitempty"`
	Features   map[string]int `json:"features"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status     string `json:"status"`
	Database   bool   `json:"database"`
	Containers bool   `json:"containers"`
	Instances  int    `json:"instances"`
	Uptime     string `json:"uptime"`
}

// TriggerRequest is one envelope received on the trigger WebSocket. Tool
// selects the operation; ID is echoed in the reply.
type TriggerRequest struct {
	ID         string            `json:"id"`
	Tool       string            `json:"tool"`
	InstanceID string            `json:"instance_id,omitempty"`
	Code       string            `json:"code,omitempty"`
	Command    string            `json:"command,omitempty"`
	Options    TriggerOptions    `json:"options,omitempty"`
	Container  *container.Config `json:"container,omitempty"`
}

type TriggerOptions struct {
	Timeout          Duration          `json:"timeout,omitempty"`
	MemoryLimitBytes int64             `json:"memory_limit_bytes,omitempty"`
	SkipArtifacts    bool              `json:"skip_artifacts,omitempty"`
	WorkDir          string            `json:"work_dir,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
}

// TriggerResponse answers one TriggerRequest. Exactly one of Result and
// Error is set.
type TriggerResponse struct {
	ID     string `json:"id"`
	Tool   string `json:"tool"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	Code   string `json:"code,omitempty"`
}
