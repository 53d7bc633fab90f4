package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"sandbox-engine/internal/container"
	"sandbox-engine/internal/interpreter"
	"sandbox-engine/internal/sandbox"
)

const (
	triggerSubprotocol = "sandbox-trigger-v1"
	triggerReadLimit   = 4 << 20
	triggerWriteWait   = 10 * time.Second
	// triggerInflight caps the requests one connection runs at a time.
	// Further requests wait unread until a slot frees.
	triggerInflight = 16
)

// Trigger tools accepted on the WebSocket.
const (
	ToolExecutePython      = "execute_python"
	ToolRunCommand         = "run_command"
	ToolCreateSandbox      = "create_sandbox"
	ToolCreateContainer    = "create_container"
	ToolGetResourceMetrics = "get_resource_metrics"
	ToolDestroy            = "destroy"
)

// HandleTrigger upgrades to a WebSocket that accepts TriggerRequest
// envelopes. Requests run concurrently, at most triggerInflight per
// connection, and are answered with a TriggerResponse carrying the same id,
// in completion order.
func (h *Handlers) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{triggerSubprotocol},
	})
	if err != nil {
		log.Error().Err(err).Msg("websocket accept failed")
		return
	}
	conn.SetReadLimit(triggerReadLimit)

	logger := log.With().Str("request_id", RequestIDFromContext(r.Context())).Str("component", "trigger").Logger()
	ctx, cancel := context.WithCancel(requestContext(r))
	var (
		wg      sync.WaitGroup
		writeMu sync.Mutex
		slots   = make(chan struct{}, triggerInflight)
	)
	reply := func(resp TriggerResponse) {
		data, err := json.Marshal(resp)
		if err != nil {
			logger.Error().Err(err).Str("id", resp.ID).Msg("encode trigger reply")
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		wctx, wcancel := context.WithTimeout(ctx, triggerWriteWait)
		defer wcancel()
		if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
			logger.Debug().Err(err).Str("id", resp.ID).Msg("trigger reply not delivered")
		}
	}

	defer func() {
		cancel()
		wg.Wait()
		conn.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				logger.Debug().Msg("trigger client disconnected")
			} else if ctx.Err() == nil {
				logger.Warn().Err(err).Msg("trigger connection error")
			}
			return
		}

		var req TriggerRequest
		if err := json.Unmarshal(data, &req); err != nil {
			reply(TriggerResponse{Error: "invalid message: " + err.Error(), Code: "INVALID_REQUEST"})
			continue
		}

		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return
		}
		wg.Add(1)
		go func() {
			defer func() {
				<-slots
				wg.Done()
			}()
			reply(h.dispatch(ctx, req))
		}()
	}
}

// dispatch runs one trigger request against the engine.
func (h *Handlers) dispatch(ctx context.Context, req TriggerRequest) TriggerResponse {
	resp := TriggerResponse{ID: req.ID, Tool: req.Tool}
	result, err := h.callTool(ctx, req)
	if err != nil {
		_, code := errorStatus(err)
		resp.Error = err.Error()
		resp.Code = code
		return resp
	}
	resp.Result = result
	return resp
}

func (h *Handlers) callTool(ctx context.Context, req TriggerRequest) (any, error) {
	switch req.Tool {
	case ToolExecutePython:
		if req.Code == "" {
			return nil, fmt.Errorf("%w: code is required", sandbox.ErrInvalidRequest)
		}
		return h.engine.Execute(ctx, req.InstanceID, req.Code, interpreter.Options{
			Timeout:          req.Options.Timeout.Duration,
			MemoryLimitBytes: req.Options.MemoryLimitBytes,
			SkipArtifacts:    req.Options.SkipArtifacts,
		})
	case ToolRunCommand:
		if req.Command == "" {
			return nil, fmt.Errorf("%w: command is required", sandbox.ErrInvalidRequest)
		}
		return h.engine.Run(ctx, req.InstanceID, req.Command, container.RunOptions{
			WorkDir: req.Options.WorkDir,
			Timeout: req.Options.Timeout.Duration,
			Env:     req.Options.Env,
		})
	case ToolCreateSandbox:
		return h.engine.CreateLanguageSandbox(ctx, req.InstanceID)
	case ToolCreateContainer:
		if req.Container == nil {
			return nil, fmt.Errorf("%w: container config is required", sandbox.ErrInvalidRequest)
		}
		return h.engine.CreateContainer(ctx, *req.Container)
	case ToolGetResourceMetrics:
		return h.engine.GetResourceMetrics(req.InstanceID)
	case ToolDestroy:
		if err := h.engine.Destroy(ctx, req.InstanceID); err != nil {
			return nil, err
		}
		return map[string]string{"status": "destroyed"}, nil
	default:
		return nil, fmt.Errorf("%w: unknown tool %q", sandbox.ErrInvalidRequest, req.Tool)
	}
}
