package container

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"sandbox-engine/internal/sandbox"
)

// service is a long-running background process inside a container, such as
// the code-server editor.
type service struct {
	port   int
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}
	output *sandbox.LimitedBuffer
}

func (s *service) stop() {
	s.cancel()
	<-s.done
}

// StartInteractiveService launches the configured interactive service on
// port inside container id and returns the URL it serves on. The service
// lives until the container stops.
func (m *Manager) StartInteractiveService(ctx context.Context, id string, port int) (string, error) {
	if port < 1024 || port > 65535 {
		return "", fmt.Errorf("%w: port %d outside 1024-65535", sandbox.ErrInvalidRequest, port)
	}
	e, err := m.running(id)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	for _, s := range e.services {
		if s.port == port {
			e.mu.Unlock()
			return "", fmt.Errorf("%w: service already listening on port %d", sandbox.ErrAlreadyExists, port)
		}
	}
	e.mu.Unlock()

	command := strings.ReplaceAll(m.cfg.ServiceCommand, "{port}", strconv.Itoa(port))
	if err := m.validator.CheckCommand(command); err != nil {
		return "", fmt.Errorf("%w: %v", sandbox.ErrInvalidConfig, err)
	}

	inst := e.snapshot()
	env := mergeEnv(inst.Config.Environment, e.networkEnv())
	// The listener must be reachable from the host loopback.
	spec, err := m.mode.processSpec(jailCommand{
		rootfs:     inst.RootfsPath,
		workDir:    inst.WorkingDirectory,
		command:    command,
		env:        env,
		limits:     e.limits,
		networking: true,
		binds:      inst.Config.Binds,
	})
	if err != nil {
		return "", err
	}

	out := sandbox.NewLimitedBuffer(sandbox.MaxStderrBytes)
	spec.Stdout = out
	spec.Stderr = out

	svcCtx, cancel := context.WithCancel(e.ctx)
	cmd := sandbox.NewCommand(svcCtx, spec)
	if err := cmd.Start(); err != nil {
		cancel()
		return "", &sandbox.ExecutionError{ExecID: id, Op: "start service", Err: err}
	}

	svc := &service{port: port, cmd: cmd, cancel: cancel, done: make(chan struct{}), output: out}
	pid := cmd.Process.Pid
	e.track(pid)
	go func() {
		defer close(svc.done)
		_ = cmd.Wait()
		e.untrack(pid, cpuSeconds(cmd))
	}()

	e.mu.Lock()
	e.services = append(e.services, svc)
	e.mu.Unlock()

	logger := e.logger.With().Int("port", port).Logger()
	if err := waitListening(ctx, port, m.cfg.ServiceStartWait, svc.done); err != nil {
		logger.Warn().Err(err).Str("output", out.String()).Msg("interactive service not ready")
		select {
		case <-svc.done:
			svc.cancel()
			m.dropService(e, svc)
			return "", &sandbox.ExecutionError{ExecID: id, Op: "start service", Err: fmt.Errorf("service exited: %s", strings.TrimSpace(out.String()))}
		default:
		}
	}

	logger.Info().Msg("interactive service started")
	return "http://localhost:" + strconv.Itoa(port), nil
}

func (m *Manager) dropService(e *entry, svc *service) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.services {
		if s == svc {
			e.services = append(e.services[:i], e.services[i+1:]...)
			return
		}
	}
}

// waitListening polls the port until something accepts, the process exits
// or wait elapses.
func waitListening(ctx context.Context, port int, wait time.Duration, exited <-chan struct{}) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-exited:
			return fmt.Errorf("process exited before listening on %s", addr)
		case <-deadline.C:
			return fmt.Errorf("nothing listening on %s after %s", addr, wait)
		case <-tick.C:
		}
	}
}

// stopServices kills every background service of e and waits for them.
func (e *entry) stopServices() {
	e.mu.Lock()
	services := e.services
	e.services = nil
	e.mu.Unlock()
	for _, s := range services {
		s.stop()
	}
}
