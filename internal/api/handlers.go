package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"sandbox-engine/internal/accounting"
	"sandbox-engine/internal/container"
	"sandbox-engine/internal/interpreter"
	"sandbox-engine/internal/orchestrator"
	"sandbox-engine/internal/sandbox"
	"sandbox-engine/internal/storage"
)

// Engine is the part of the orchestrator the API drives.
type Engine interface {
	CreateLanguageSandbox(ctx context.Context, id string) (*orchestrator.InstanceInfo, error)
	CreateContainer(ctx context.Context, cfg container.Config) (*container.Instance, error)
	Get(id string) (*orchestrator.InstanceInfo, error)
	ListAll() []orchestrator.InstanceInfo
	Destroy(ctx context.Context, id string) error
	GetResourceMetrics(id string) (accounting.ResourceUsage, error)
	Execute(ctx context.Context, id, code string, opts interpreter.Options) (*interpreter.Result, error)
	Run(ctx context.Context, id, command string, opts container.RunOptions) (*container.CommandResult, error)
	InstallPackage(ctx context.Context, id, name string) (bool, error)
	StartInteractiveService(ctx context.Context, id string, port int) (string, error)
	StopContainer(ctx context.Context, id string) error
	UsageCounts() map[string]int
	InstanceUsageCounts(id string) map[string]int
	Subscribe(buffer int) (<-chan orchestrator.UsageEvent, func())
}

// AuditStore reads the execution audit log. *storage.DB implements it.
type AuditStore interface {
	GetExecution(ctx context.Context, id string) (*storage.Execution, error)
	ListExecutions(ctx context.Context, filter storage.ExecutionFilter) ([]storage.Execution, error)
	Healthy(ctx context.Context) bool
}

type Handlers struct {
	engine Engine
	db     AuditStore
}

func NewHandlers(engine Engine, db AuditStore) *Handlers {
	return &Handlers{
		engine: engine,
		db:     db,
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return false
	}
	return true
}

// requestContext carries the caller's address into the audit log.
func requestContext(r *http.Request) context.Context {
	return orchestrator.WithRequestIP(r.Context(), r.RemoteAddr)
}

func (h *Handlers) HandleCreateSandbox(w http.ResponseWriter, r *http.Request) {
	var req CreateSandboxRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	info, err := h.engine.CreateLanguageSandbox(r.Context(), req.ID)
	if err != nil {
		writeEngineError(w, err, r)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (h *Handlers) HandleCreateContainer(w http.ResponseWriter, r *http.Request) {
	var cfg container.Config
	if !decode(w, r, &cfg) {
		return
	}
	inst, err := h.engine.CreateContainer(r.Context(), cfg)
	if err != nil {
		writeEngineError(w, err, r)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (h *Handlers) HandleListInstances(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.ListAll())
}

func (h *Handlers) HandleGetInstance(w http.ResponseWriter, r *http.Request) {
	info, err := h.engine.Get(r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err, r)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handlers) HandleDestroyInstance(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Destroy(r.Context(), r.PathValue("id")); err != nil {
		writeEngineError(w, err, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleResourceMetrics(w http.ResponseWriter, r *http.Request) {
	usage, err := h.engine.GetResourceMetrics(r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err, r)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Code == "" {
		writeError(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	res, err := h.engine.Execute(requestContext(r), r.PathValue("id"), req.Code, req.Options())
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("execution failed")
		writeEngineError(w, err, r)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) HandleInstallPackage(w http.ResponseWriter, r *http.Request) {
	var req InstallPackageRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, "name is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	ok, err := h.engine.InstallPackage(r.Context(), r.PathValue("id"), req.Name)
	if err != nil {
		writeEngineError(w, err, r)
		return
	}
	writeJSON(w, http.StatusOK, InstallPackageResponse{Package: req.Name, Installed: ok})
}

func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Command == "" {
		writeError(w, "command is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	res, err := h.engine.Run(requestContext(r), r.PathValue("id"), req.Command, req.Options())
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("command failed")
		writeEngineError(w, err, r)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) HandleStartService(w http.ResponseWriter, r *http.Request) {
	var req ServiceRequest
	if !decode(w, r, &req) {
		return
	}
	url, err := h.engine.StartInteractiveService(r.Context(), r.PathValue("id"), req.Port)
	if err != nil {
		writeEngineError(w, err, r)
		return
	}
	writeJSON(w, http.StatusCreated, ServiceResponse{URL: url})
}

func (h *Handlers) HandleStopContainer(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.StopContainer(r.Context(), r.PathValue("id")); err != nil {
		writeEngineError(w, err, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleUsage(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("instance_id"); id != "" {
		writeJSON(w, http.StatusOK, UsageResponse{InstanceID: id, Features: h.engine.InstanceUsageCounts(id)})
		return
	}
	writeJSON(w, http.StatusOK, UsageResponse{Features: h.engine.UsageCounts()})
}

func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "execution ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	exec, err := h.db.GetExecution(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
			return
		}
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, exec)
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	q := r.URL.Query()
	filter := storage.ExecutionFilter{
		InstanceID: q.Get("instance_id"),
		Kind:       q.Get("kind"),
		Status:     q.Get("status"),
		Limit:      100,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "offset must be a non-negative integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Offset = n
	}

	execs, err := h.db.ListExecutions(r.Context(), filter)
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, execs)
}

// errorStatus maps engine errors to an HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, sandbox.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, sandbox.ErrAlreadyExists):
		return http.StatusConflict, "ALREADY_EXISTS"
	case errors.Is(err, sandbox.ErrNotRunning):
		return http.StatusConflict, "NOT_RUNNING"
	case errors.Is(err, sandbox.ErrInvalidRequest), errors.Is(err, sandbox.ErrInvalidConfig):
		return http.StatusBadRequest, "VALIDATION_ERROR"
	case errors.Is(err, sandbox.ErrClosed),
		errors.Is(err, sandbox.ErrInitFailed),
		errors.Is(err, sandbox.ErrWorkerCrashed),
		errors.Is(err, sandbox.ErrExtractionFailed):
		return http.StatusServiceUnavailable, "UNAVAILABLE"
	case errors.Is(err, sandbox.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func writeEngineError(w http.ResponseWriter, err error, r *http.Request) {
	status, code := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, msg, code, status, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
