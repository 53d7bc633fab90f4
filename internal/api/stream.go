package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// SSEWriter implements io.Writer and flushes each write as a Server-Sent Event.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	event   string // SSE event type, e.g. "usage"
	mu      sync.Mutex
}

// NewSSEWriter creates an SSE writer for the given event type.
// Returns nil if the ResponseWriter does not support flushing.
func NewSSEWriter(w http.ResponseWriter, event string) *SSEWriter {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	return &SSEWriter{
		w:       w,
		flusher: flusher,
		event:   event,
	}
}

// Write sends data as an SSE event and flushes immediately.
func (s *SSEWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(p) == 0 {
		return 0, nil
	}

	// Every line needs its own "data:" prefix or a newline in the payload
	// ends the event early.
	lines := strings.Split(strings.TrimSuffix(string(p), "\n"), "\n")
	fmt.Fprintf(s.w, "event: %s\n", s.event)
	for _, line := range lines {
		fmt.Fprintf(s.w, "data: %s\n", line)
	}
	if _, err := fmt.Fprint(s.w, "\n"); err != nil {
		return 0, err
	}
	s.flusher.Flush()
	return len(p), nil
}

// streamBuffer is the subscription buffer of one SSE client.
const streamBuffer = 64

// HandleUsageStream sends every usage event as an SSE "usage" event until
// the client disconnects. A client that reads too slowly misses events.
func (h *Handlers) HandleUsageStream(w http.ResponseWriter, r *http.Request) {
	sse := NewSSEWriter(w, "usage")
	if sse == nil {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}

	events, cancel := h.engine.Subscribe(streamBuffer)
	defer cancel()

	instance := r.URL.Query().Get("instance_id")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	enc := json.NewEncoder(sse)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if instance != "" && ev.InstanceID != instance {
				continue
			}
			if err := enc.Encode(ev); err != nil {
				log.Debug().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("usage stream closed")
				return
			}
		}
	}
}
