package storage

import "time"

// Execution is one audited Python execution or container command.
type Execution struct {
	ID           string     `json:"id" db:"id"`
	InstanceID   string     `json:"instance_id" db:"instance_id"`
	Kind         string     `json:"kind" db:"kind"` // python, command
	CodeHash     string     `json:"code_hash" db:"code_hash"`
	ExitCode     int        `json:"exit_code" db:"exit_code"`
	Output       string     `json:"output" db:"output"`
	Stderr       string     `json:"stderr" db:"stderr"`
	DurationMS   int64      `json:"duration_ms" db:"duration_ms"`
	CPUTimeMS    int64      `json:"cpu_time_ms" db:"cpu_time_ms"`
	MemoryPeakMB int64      `json:"memory_peak_mb" db:"memory_peak_mb"`
	Artifacts    int        `json:"artifacts" db:"artifacts"`
	Warnings     int        `json:"warnings" db:"warnings"`
	Status       string     `json:"status" db:"status"` // completed, failed, vetoed, timeout, error
	RequestIP    string     `json:"request_ip" db:"request_ip"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`

	// SecurityEvents are written alongside the execution.
	SecurityEvents []SecurityEventRecord `json:"security_events,omitempty" db:"-"`
}

// SecurityEventRecord stores a validator finding or a policy rejection.
type SecurityEventRecord struct {
	ID          string    `json:"id" db:"id"`
	ExecutionID string    `json:"execution_id" db:"execution_id"`
	InstanceID  string    `json:"instance_id" db:"instance_id"`
	Type        string    `json:"type" db:"type"`
	Severity    string    `json:"severity" db:"severity"`
	Detail      string    `json:"detail" db:"detail"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// ExecutionFilter provides criteria for querying executions.
type ExecutionFilter struct {
	InstanceID string
	Kind       string
	Status     string
	Limit      int
	Offset     int
}
