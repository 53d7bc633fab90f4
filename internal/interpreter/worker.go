package interpreter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"sandbox-engine/internal/artifact"
	"sandbox-engine/internal/sandbox"
)

const (
	opInit     = "init"
	opExecute  = "execute"
	opImport   = "import"
	opPackages = "packages"
	opGC       = "gc"
	opPing     = "ping"
)

// request is one line on the worker's fd 3.
type request struct {
	ID               uint64   `json:"id"`
	Op               string   `json:"op"`
	Code             string   `json:"code,omitempty"`
	CaptureArtifacts bool     `json:"capture_artifacts"`
	MemoryLimit      int64    `json:"memory_limit,omitempty"`
	Package          string   `json:"package,omitempty"`
	Packages         []string `json:"packages,omitempty"`
}

// response is one line on the worker's fd 4. Durations are in seconds.
type response struct {
	ID        uint64         `json:"id"`
	OK        bool           `json:"ok"`
	Error     string         `json:"error"`
	Stdout    string         `json:"stdout"`
	Stderr    string         `json:"stderr"`
	ExitCode  int            `json:"exit_code"`
	Artifacts []artifact.Raw `json:"artifacts"`
	Warnings  []string       `json:"warnings"`
	Packages  []PackageInfo  `json:"packages"`
	Version   string         `json:"version"`
	Profile   workerProfile  `json:"profile"`
}

type workerProfile struct {
	ParseTime    float64 `json:"parse_time"`
	ExecTime     float64 `json:"exec_time"`
	ArtifactTime float64 `json:"artifact_time"`
	GCCount      int     `json:"gc_count"`
	CPUTime      float64 `json:"cpu_time"`
	MemoryPeak   uint64  `json:"memory_peak"`
}

func (p workerProfile) toProfile() PerformanceProfile {
	return PerformanceProfile{
		ParseTime:              seconds(p.ParseTime),
		ExecutionTime:          seconds(p.ExecTime),
		MemoryPeakBytes:        p.MemoryPeak,
		GCCount:                p.GCCount,
		ArtifactGenerationTime: seconds(p.ArtifactTime),
		CPUSeconds:             p.CPUTime,
	}
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// worker is a running harness process. Requests are written to fd 3 and
// responses read from fd 4 as JSON lines; the process's own stdout and
// stderr are kept only for diagnostics. A worker serves one call at a time.
type worker struct {
	cmd       *exec.Cmd
	cancel    context.CancelFunc
	requests  *os.File
	responses *bufio.Reader
	respFile  *os.File
	diag      *sandbox.LimitedBuffer
	seq       uint64

	done    chan struct{}
	waitErr error
}

func startWorker(spec sandbox.ProcessSpec) (*worker, error) {
	reqR, reqW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("request pipe: %w", err)
	}
	respR, respW, err := os.Pipe()
	if err != nil {
		reqR.Close()
		reqW.Close()
		return nil, fmt.Errorf("response pipe: %w", err)
	}

	diag := sandbox.NewLimitedBuffer(sandbox.MaxStderrBytes)
	spec.Stdout = diag
	spec.Stderr = diag
	spec.ExtraFiles = []*os.File{reqR, respW}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := sandbox.NewCommand(ctx, spec)
	if err := cmd.Start(); err != nil {
		cancel()
		for _, f := range []*os.File{reqR, reqW, respR, respW} {
			f.Close()
		}
		return nil, err
	}
	// The child holds its own copies now.
	reqR.Close()
	respW.Close()

	w := &worker{
		cmd:       cmd,
		cancel:    cancel,
		requests:  reqW,
		responses: bufio.NewReader(respR),
		respFile:  respR,
		diag:      diag,
		done:      make(chan struct{}),
	}
	go func() {
		w.waitErr = cmd.Wait()
		close(w.done)
	}()
	return w, nil
}

func (w *worker) pid() int {
	if w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

// call sends req and waits for the matching response. If ctx ends first the
// worker is left mid-request and must be killed by the caller.
func (w *worker) call(ctx context.Context, req request) (*response, error) {
	w.seq++
	req.ID = w.seq
	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	type result struct {
		resp *response
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		if _, err := w.requests.Write(append(line, '\n')); err != nil {
			ch <- result{err: fmt.Errorf("write request: %w", err)}
			return
		}
		b, err := w.responses.ReadBytes('\n')
		if err != nil {
			ch <- result{err: fmt.Errorf("read response: %w", err)}
			return
		}
		var resp response
		if err := json.Unmarshal(b, &resp); err != nil {
			ch <- result{err: fmt.Errorf("decode response: %w", err)}
			return
		}
		ch <- result{resp: &resp}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %v%s", sandbox.ErrWorkerCrashed, r.err, w.diagnostics())
		}
		if r.resp.ID != req.ID {
			return nil, fmt.Errorf("%w: response id %d for request %d", sandbox.ErrWorkerCrashed, r.resp.ID, req.ID)
		}
		return r.resp, nil
	}
}

// diagnostics returns the worker's own output once it has exited.
func (w *worker) diagnostics() string {
	select {
	case <-w.done:
		if out := w.diag.String(); out != "" {
			return ": " + sandbox.TruncateOutput(out, 2048)
		}
	case <-time.After(100 * time.Millisecond):
	}
	return ""
}

// kill terminates the worker's process group and releases its pipes.
func (w *worker) kill() {
	w.cancel()
	w.requests.Close()
	select {
	case <-w.done:
	case <-time.After(5 * time.Second):
	}
	w.respFile.Close()
}

func (w *worker) alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}
