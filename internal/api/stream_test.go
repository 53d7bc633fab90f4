package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sandbox-engine/internal/events"
	"sandbox-engine/internal/orchestrator"
)

func TestSSEWriterMultiline(t *testing.T) {
	rec := httptest.NewRecorder()
	sse := NewSSEWriter(rec, "usage")
	if sse == nil {
		t.Fatal("recorder should support flushing")
	}
	if _, err := sse.Write([]byte("a\nb\n")); err != nil {
		t.Fatal(err)
	}
	want := "event: usage\ndata: a\ndata: b\n\n"
	if got := rec.Body.String(); got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
}

func TestUsageStreamFiltersInstance(t *testing.T) {
	engine := newFakeEngine()
	srv := httptest.NewServer(newTestServer(t, engine, nil))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/usage/stream?instance_id=b", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-API-Key", "test-key")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	engine.events <- orchestrator.UsageEvent{InstanceID: "a", Feature: events.FeaturePythonExecution}
	engine.events <- orchestrator.UsageEvent{InstanceID: "b", Feature: events.FeatureContainerCommand}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev orchestrator.UsageEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.Fatalf("decode %q: %v", data, err)
		}
		if ev.InstanceID != "b" || ev.Feature != events.FeatureContainerCommand {
			t.Errorf("event = %+v", ev)
		}
		return
	}
	t.Fatalf("stream ended: %v", scanner.Err())
}
