package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"sandbox-engine/internal/accounting"
	"sandbox-engine/internal/config"
	"sandbox-engine/internal/container"
	"sandbox-engine/internal/interpreter"
	"sandbox-engine/internal/monitor"
	"sandbox-engine/internal/orchestrator"
	"sandbox-engine/internal/sandbox"
	"sandbox-engine/internal/storage"
)

// fakeEngine implements Engine for handler tests.
type fakeEngine struct {
	mu        sync.Mutex
	instances map[string]orchestrator.InstanceInfo
	execCode  string
	execOpts  interpreter.Options
	runCmd    string
	err       error
	events    chan orchestrator.UsageEvent
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		instances: map[string]orchestrator.InstanceInfo{},
		events:    make(chan orchestrator.UsageEvent, 8),
	}
}

func (f *fakeEngine) CreateLanguageSandbox(_ context.Context, id string) (*orchestrator.InstanceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == "" {
		id = "python_generated"
	}
	if _, ok := f.instances[id]; ok {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrAlreadyExists, id)
	}
	info := orchestrator.InstanceInfo{ID: id, Kind: orchestrator.KindPython, Status: "ready"}
	f.instances[id] = info
	return &info, nil
}

func (f *fakeEngine) CreateContainer(_ context.Context, cfg container.Config) (*container.Instance, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &container.Instance{ID: "container_1", Name: cfg.Name, Status: container.StatusRunning}, nil
}

func (f *fakeEngine) Get(id string) (*orchestrator.InstanceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
	}
	return &info, nil
}

func (f *fakeEngine) ListAll() []orchestrator.InstanceInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]orchestrator.InstanceInfo, 0, len(f.instances))
	for _, info := range f.instances {
		out = append(out, info)
	}
	return out
}

func (f *fakeEngine) Destroy(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.instances[id]; !ok {
		return fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
	}
	delete(f.instances, id)
	return nil
}

func (f *fakeEngine) GetResourceMetrics(id string) (accounting.ResourceUsage, error) {
	if _, err := f.Get(id); err != nil {
		return accounting.ResourceUsage{}, err
	}
	return accounting.ResourceUsage{Memory: accounting.MemoryUsage{Used: 42}}, nil
}

func (f *fakeEngine) Execute(_ context.Context, id, code string, opts interpreter.Options) (*interpreter.Result, error) {
	f.mu.Lock()
	f.execCode, f.execOpts = code, opts
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if _, err := f.Get(id); err != nil {
		return nil, err
	}
	return &interpreter.Result{Stdout: "ok\n"}, nil
}

func (f *fakeEngine) Run(_ context.Context, id, command string, _ container.RunOptions) (*container.CommandResult, error) {
	f.mu.Lock()
	f.runCmd = command
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &container.CommandResult{Command: command, Stdout: "done\n"}, nil
}

func (f *fakeEngine) InstallPackage(_ context.Context, id, name string) (bool, error) {
	if _, err := f.Get(id); err != nil {
		return false, err
	}
	return name == "numpy", nil
}

func (f *fakeEngine) StartInteractiveService(_ context.Context, _ string, port int) (string, error) {
	if port < 1024 {
		return "", fmt.Errorf("%w: port out of range", sandbox.ErrInvalidRequest)
	}
	return fmt.Sprintf("http://localhost:%d", port), nil
}

func (f *fakeEngine) StopContainer(context.Context, string) error { return f.err }

func (f *fakeEngine) UsageCounts() map[string]int {
	return map[string]int{"python_execution": 3}
}

func (f *fakeEngine) InstanceUsageCounts(id string) map[string]int {
	return map[string]int{"python_execution": 1}
}

func (f *fakeEngine) Subscribe(int) (<-chan orchestrator.UsageEvent, func()) {
	return f.events, func() {}
}

type fakeStore struct {
	execs map[string]*storage.Execution
}

func (s *fakeStore) GetExecution(_ context.Context, id string) (*storage.Execution, error) {
	if e, ok := s.execs[id]; ok {
		return e, nil
	}
	return nil, storage.ErrNotFound
}

func (s *fakeStore) ListExecutions(_ context.Context, filter storage.ExecutionFilter) ([]storage.Execution, error) {
	var out []storage.Execution
	for _, e := range s.execs {
		if filter.Kind == "" || e.Kind == filter.Kind {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *fakeStore) Healthy(context.Context) bool { return true }

func newTestServer(t *testing.T, engine Engine, db AuditStore) http.Handler {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Security.AllowedKeys = []string{"test-key"}
	return NewServer(cfg, engine, db, monitor.NewMetrics()).Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "test-key")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp
}

func TestCreateSandboxAndDuplicate(t *testing.T) {
	h := newTestServer(t, newFakeEngine(), nil)

	rec := do(t, h, http.MethodPost, "/v1/sandboxes", CreateSandboxRequest{ID: "py-1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body)
	}
	rec = do(t, h, http.MethodPost, "/v1/sandboxes", CreateSandboxRequest{ID: "py-1"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != "ALREADY_EXISTS" || resp.RequestID == "" {
		t.Errorf("error = %+v", resp)
	}
}

func TestExecuteOptions(t *testing.T) {
	engine := newFakeEngine()
	h := newTestServer(t, engine, nil)
	do(t, h, http.MethodPost, "/v1/sandboxes", CreateSandboxRequest{ID: "py-1"})

	off := false
	rec := do(t, h, http.MethodPost, "/v1/sandboxes/py-1/execute", map[string]any{
		"code":              "print('ok')",
		"timeout":           "5s",
		"capture_artifacts": off,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var res interpreter.Result
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Stdout != "ok\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if engine.execCode != "print('ok')" || !engine.execOpts.SkipArtifacts || engine.execOpts.Timeout.Seconds() != 5 {
		t.Errorf("engine saw code=%q opts=%+v", engine.execCode, engine.execOpts)
	}
}

func TestExecuteValidation(t *testing.T) {
	h := newTestServer(t, newFakeEngine(), nil)

	rec := do(t, h, http.MethodPost, "/v1/sandboxes/py-1/execute", map[string]any{"code": ""})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty code status = %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/v1/sandboxes/missing/execute", map[string]any{"code": "1"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown sandbox status = %d", rec.Code)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{sandbox.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", sandbox.ErrAlreadyExists), http.StatusConflict},
		{sandbox.ErrNotRunning, http.StatusConflict},
		{sandbox.ErrInvalidRequest, http.StatusBadRequest},
		{fmt.Errorf("%w: Memory limit exceeds maximum allowed (1GB)", sandbox.ErrInvalidConfig), http.StatusBadRequest},
		{sandbox.ErrClosed, http.StatusServiceUnavailable},
		{&sandbox.ExecutionError{Op: "init", Err: sandbox.ErrInitFailed}, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got, _ := errorStatus(tt.err); got != tt.want {
				t.Errorf("errorStatus(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestRunMapsNotRunning(t *testing.T) {
	engine := newFakeEngine()
	engine.err = fmt.Errorf("%w: container c stopped", sandbox.ErrNotRunning)
	h := newTestServer(t, engine, nil)

	rec := do(t, h, http.MethodPost, "/v1/containers/c/run", RunRequest{Command: "ls"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != "NOT_RUNNING" {
		t.Errorf("code = %q", resp.Code)
	}
}

func TestCreateContainerRejectsOversizedMemory(t *testing.T) {
	h := newTestServer(t, newFakeEngine(), nil)
	rec := do(t, h, http.MethodPost, "/v1/containers", container.Config{
		Name:         "big",
		Architecture: "x86_64",
		Limits:       container.LimitSpec{Memory: "2G"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
}

func TestInstanceRoutes(t *testing.T) {
	h := newTestServer(t, newFakeEngine(), nil)
	do(t, h, http.MethodPost, "/v1/sandboxes", CreateSandboxRequest{ID: "py-1"})

	if rec := do(t, h, http.MethodGet, "/v1/instances/py-1", nil); rec.Code != http.StatusOK {
		t.Errorf("get status = %d", rec.Code)
	}
	rec := do(t, h, http.MethodGet, "/v1/instances/py-1/metrics", nil)
	var usage accounting.ResourceUsage
	if err := json.NewDecoder(rec.Body).Decode(&usage); err != nil || usage.Memory.Used != 42 {
		t.Errorf("metrics = %+v, %v", usage, err)
	}
	rec = do(t, h, http.MethodPost, "/v1/sandboxes/py-1/packages", InstallPackageRequest{Name: "numpy"})
	var inst InstallPackageResponse
	if err := json.NewDecoder(rec.Body).Decode(&inst); err != nil || !inst.Installed {
		t.Errorf("install = %+v, %v", inst, err)
	}
	if rec := do(t, h, http.MethodDelete, "/v1/instances/py-1", nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/v1/instances/py-1", nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d", rec.Code)
	}
}

func TestStartService(t *testing.T) {
	h := newTestServer(t, newFakeEngine(), nil)
	rec := do(t, h, http.MethodPost, "/v1/containers/c/services", ServiceRequest{Port: 8443})
	var resp ServiceResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil || resp.URL != "http://localhost:8443" {
		t.Errorf("service = %+v, %v", resp, err)
	}
	if rec := do(t, h, http.MethodPost, "/v1/containers/c/services", ServiceRequest{Port: 80}); rec.Code != http.StatusBadRequest {
		t.Errorf("low port status = %d", rec.Code)
	}
}

func TestUsage(t *testing.T) {
	h := newTestServer(t, newFakeEngine(), nil)

	rec := do(t, h, http.MethodGet, "/v1/usage", nil)
	var resp UsageResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil || resp.Features["python_execution"] != 3 {
		t.Errorf("usage = %+v, %v", resp, err)
	}
	rec = do(t, h, http.MethodGet, "/v1/usage?instance_id=py-1", nil)
	resp = UsageResponse{}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil || resp.InstanceID != "py-1" || resp.Features["python_execution"] != 1 {
		t.Errorf("instance usage = %+v, %v", resp, err)
	}
}

func TestExecutionsRequireDatabase(t *testing.T) {
	h := newTestServer(t, newFakeEngine(), nil)
	if rec := do(t, h, http.MethodGet, "/v1/executions", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestExecutionsFromStore(t *testing.T) {
	store := &fakeStore{execs: map[string]*storage.Execution{
		"e1": {ID: "e1", Kind: "python"},
		"e2": {ID: "e2", Kind: "command"},
	}}
	h := newTestServer(t, newFakeEngine(), store)

	rec := do(t, h, http.MethodGet, "/v1/executions?kind=python", nil)
	var execs []storage.Execution
	if err := json.NewDecoder(rec.Body).Decode(&execs); err != nil || len(execs) != 1 || execs[0].ID != "e1" {
		t.Errorf("list = %+v, %v", execs, err)
	}
	if rec := do(t, h, http.MethodGet, "/v1/executions/e9", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing execution status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/v1/executions?limit=zero", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rec.Code)
	}
}

func TestHealthAndMetricsBypassAuth(t *testing.T) {
	h := newTestServer(t, newFakeEngine(), nil)
	for _, path := range []string{"/health", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d", path, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/instances", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d", rec.Code)
	}
}
