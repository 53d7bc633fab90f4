package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"sandbox-engine/internal/container"
)

func dialTrigger(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/trigger"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{triggerSubprotocol},
		HTTPHeader:   http.Header{"X-API-Key": []string{"test-key"}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, req any) TriggerResponse {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, reply, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp TriggerResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		t.Fatalf("decode reply %s: %v", reply, err)
	}
	return resp
}

func TestTriggerRoundTrip(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t, newFakeEngine(), nil))
	t.Cleanup(srv.Close)
	conn := dialTrigger(t, srv)

	if got := conn.Subprotocol(); got != triggerSubprotocol {
		t.Errorf("subprotocol = %q", got)
	}

	resp := roundTrip(t, conn, TriggerRequest{ID: "1", Tool: ToolCreateSandbox, InstanceID: "py-1"})
	if resp.ID != "1" || resp.Error != "" {
		t.Fatalf("create reply = %+v", resp)
	}

	resp = roundTrip(t, conn, TriggerRequest{ID: "2", Tool: ToolExecutePython, InstanceID: "py-1", Code: "print('ok')"})
	if resp.Error != "" {
		t.Fatalf("execute reply = %+v", resp)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok || result["stdout"] != "ok\n" {
		t.Errorf("execute result = %#v", resp.Result)
	}

	resp = roundTrip(t, conn, TriggerRequest{ID: "3", Tool: ToolDestroy, InstanceID: "missing"})
	if resp.Code != "NOT_FOUND" {
		t.Errorf("destroy unknown reply = %+v", resp)
	}
}

func TestTriggerInvalidMessage(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t, newFakeEngine(), nil))
	t.Cleanup(srv.Close)
	conn := dialTrigger(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	_, reply, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var resp TriggerResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Code != "INVALID_REQUEST" {
		t.Errorf("reply = %+v", resp)
	}
}

func TestDispatchValidation(t *testing.T) {
	h := NewHandlers(newFakeEngine(), nil)
	tests := []struct {
		name string
		req  TriggerRequest
		code string
	}{
		{"unknown tool", TriggerRequest{Tool: "format_disk"}, "VALIDATION_ERROR"},
		{"empty code", TriggerRequest{Tool: ToolExecutePython, InstanceID: "x"}, "VALIDATION_ERROR"},
		{"empty command", TriggerRequest{Tool: ToolRunCommand, InstanceID: "x"}, "VALIDATION_ERROR"},
		{"missing container config", TriggerRequest{Tool: ToolCreateContainer}, "VALIDATION_ERROR"},
		{"unknown instance metrics", TriggerRequest{Tool: ToolGetResourceMetrics, InstanceID: "x"}, "NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.dispatch(context.Background(), tt.req)
			if resp.Code != tt.code || resp.Error == "" || resp.Result != nil {
				t.Errorf("dispatch = %+v, want code %s", resp, tt.code)
			}
		})
	}
}

// blockingEngine holds every Run call until release is closed.
type blockingEngine struct {
	*fakeEngine
	release chan struct{}

	mu      sync.Mutex
	running int
	peak    int
}

func (b *blockingEngine) Run(ctx context.Context, id, command string, opts container.RunOptions) (*container.CommandResult, error) {
	b.mu.Lock()
	b.running++
	if b.running > b.peak {
		b.peak = b.running
	}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.running--
		b.mu.Unlock()
	}()
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return b.fakeEngine.Run(ctx, id, command, opts)
}

func (b *blockingEngine) inFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func TestTriggerBoundsInflightRequests(t *testing.T) {
	engine := &blockingEngine{fakeEngine: newFakeEngine(), release: make(chan struct{})}
	srv := httptest.NewServer(newTestServer(t, engine, nil))
	t.Cleanup(srv.Close)
	conn := dialTrigger(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	total := triggerInflight + 4
	for i := 0; i < total; i++ {
		data, err := json.Marshal(TriggerRequest{ID: fmt.Sprint(i), Tool: ToolRunCommand, InstanceID: "c-1", Command: "true"})
		if err != nil {
			t.Fatal(err)
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for engine.inFlight() < triggerInflight && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	if got := engine.inFlight(); got != triggerInflight {
		t.Fatalf("in flight = %d, want %d", got, triggerInflight)
	}

	close(engine.release)
	seen := make(map[string]bool)
	for i := 0; i < total; i++ {
		_, reply, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		var resp TriggerResponse
		if err := json.Unmarshal(reply, &resp); err != nil {
			t.Fatal(err)
		}
		if resp.Error != "" {
			t.Errorf("reply %s = %+v", resp.ID, resp)
		}
		seen[resp.ID] = true
	}
	if len(seen) != total {
		t.Errorf("distinct replies = %d, want %d", len(seen), total)
	}
	engine.mu.Lock()
	peak := engine.peak
	engine.mu.Unlock()
	if peak > triggerInflight {
		t.Errorf("peak concurrency = %d, want <= %d", peak, triggerInflight)
	}
}
