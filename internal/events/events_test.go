package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafkago.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestNewKafkaSinkValidation(t *testing.T) {
	if _, err := NewKafkaSink(KafkaConfig{}); err == nil {
		t.Fatal("expected error when brokers missing")
	}
	if _, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Fatal("expected error when topic missing")
	}
	sink, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "usage"})
	if err != nil {
		t.Fatalf("NewKafkaSink: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestKafkaSinkPublish(t *testing.T) {
	w := &fakeWriter{}
	sink := newKafkaSink(w)
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	ev := UsageEvent{ID: "ev-1", InstanceID: "py-1", Feature: FeaturePythonExecution, ExitCode: 1, Vetoed: true, Timestamp: ts}
	if err := sink.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(w.messages) != 1 {
		t.Fatalf("messages = %d", len(w.messages))
	}
	msg := w.messages[0]
	if string(msg.Key) != "py-1" || !msg.Time.Equal(ts) {
		t.Errorf("message = %+v", msg)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != FeaturePythonExecution {
		t.Errorf("headers = %+v", msg.Headers)
	}
	var decoded UsageEvent
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatal(err)
	}
	if !decoded.Vetoed || decoded.ExitCode != 1 {
		t.Errorf("decoded = %+v", decoded)
	}

	if err := sink.Close(); err != nil || !w.closed {
		t.Errorf("close: %v, closed=%v", err, w.closed)
	}
}

func TestKafkaSinkPublishError(t *testing.T) {
	sink := newKafkaSink(&fakeWriter{err: errors.New("broker down")})
	if err := sink.Publish(context.Background(), UsageEvent{InstanceID: "x"}); err == nil {
		t.Fatal("expected error")
	}
}

type recordingSink struct {
	mu  sync.Mutex
	got []string
}

func (s *recordingSink) Publish(_ context.Context, ev UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, ev.ID)
	if ev.ID == "bad" {
		return errors.New("rejected")
	}
	return nil
}

func (s *recordingSink) Close() error { return nil }

func TestForwardDrainsUntilClosed(t *testing.T) {
	ch := make(chan UsageEvent, 3)
	ch <- UsageEvent{ID: "a"}
	ch <- UsageEvent{ID: "bad"}
	ch <- UsageEvent{ID: "c"}
	close(ch)

	sink := &recordingSink{}
	done := make(chan struct{})
	go func() {
		Forward(context.Background(), ch, sink)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Forward did not return after channel close")
	}
	if len(sink.got) != 3 {
		t.Errorf("published = %v", sink.got)
	}
}
