package container

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"sandbox-engine/internal/accounting"
	"sandbox-engine/internal/proxy"
	"sandbox-engine/internal/sandbox"
)

type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

// NetworkConfig is the network policy of one container.
type NetworkConfig struct {
	Enabled      bool     `json:"enabled"`
	AllowedHosts []string `json:"allowed_hosts"`
	BlockedPorts []int    `json:"blocked_ports"`
	DNSServers   []string `json:"dns_servers"`
	ProxyAddr    string   `json:"proxy_addr,omitempty"`
}

// Instance is a point-in-time view of a container.
type Instance struct {
	ID               string                   `json:"id"`
	Name             string                   `json:"name"`
	Status           Status                   `json:"status"`
	Config           Config                   `json:"config"`
	RootfsPath       string                   `json:"rootfs_path"`
	WorkingDirectory string                   `json:"working_directory"`
	Resources        accounting.ResourceUsage `json:"resources"`
	Networking       NetworkConfig            `json:"networking"`
	Mode             Mode                     `json:"mode"`
	StartTime        time.Time                `json:"start_time"`
	Warnings         []string                 `json:"warnings,omitempty"`
}

// CommandResult is the outcome of one command. A rejected command has
// ExitCode 1 and a Stderr naming the rule.
type CommandResult struct {
	Command       string        `json:"command"`
	Stdout        string        `json:"stdout"`
	Stderr        string        `json:"stderr"`
	ExitCode      int           `json:"exit_code"`
	ExecutionTime time.Duration `json:"execution_time"`
	Warnings      []string      `json:"warnings,omitempty"`
	// Rejected is set when the command policy refused the command.
	Rejected bool `json:"rejected,omitempty"`
}

// RunOptions tune a single command.
type RunOptions struct {
	WorkDir string
	Timeout time.Duration
	Env     map[string]string
}

// entry is the manager's mutable record of a container. Fields below mu are
// guarded by it.
type entry struct {
	dir    string
	limits sandbox.ResourceLimits
	slot   *sandbox.Slot
	usage  *accounting.Accountant
	rate   accounting.RateTracker
	logger zerolog.Logger

	// ctx ends when the container stops; commands and services derive
	// from it.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inst     Instance
	proxy    *proxy.FilteringProxy
	poller   *cron.Cron
	pids     map[int]struct{}
	services []*service
	mounts   []string
	// cpuDone accumulates CPU seconds of processes that already exited.
	cpuDone float64
}

func (e *entry) snapshot() Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst := e.inst
	inst.Resources = e.usage.Snapshot()
	inst.Warnings = append([]string(nil), e.inst.Warnings...)
	return inst
}

func (e *entry) status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inst.Status
}

func (e *entry) track(pid int) {
	e.mu.Lock()
	e.pids[pid] = struct{}{}
	e.mu.Unlock()
}

func (e *entry) untrack(pid int, cpuSeconds float64) {
	e.mu.Lock()
	delete(e.pids, pid)
	e.cpuDone += cpuSeconds
	e.mu.Unlock()
}

func (e *entry) livePids() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	pids := make([]int, 0, len(e.pids))
	for pid := range e.pids {
		pids = append(pids, pid)
	}
	return pids
}

func (e *entry) addWarning(w string) {
	e.mu.Lock()
	e.inst.Warnings = append(e.inst.Warnings, w)
	e.mu.Unlock()
}

// bind returns a context that ends when either ctx or the container ends.
func (e *entry) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	bound, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(e.ctx, cancel)
	return bound, func() {
		stop()
		cancel()
	}
}
