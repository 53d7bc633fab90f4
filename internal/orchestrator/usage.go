package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sandbox-engine/internal/monitor"
)

// DefaultSubscriberBuffer is used when Subscribe is called with buffer < 1.
const DefaultSubscriberBuffer = 64

// usageBook keeps per-instance feature counts and the live subscriptions.
type usageBook struct {
	metrics *monitor.Metrics
	logger  zerolog.Logger

	mu     sync.Mutex
	counts map[string]map[string]int
	// retired holds the folded counts of destroyed instances.
	retired map[string]int
	subs    map[int]chan UsageEvent
	nextID int
	closed bool
}

func (b *usageBook) init(m *monitor.Metrics, logger zerolog.Logger) {
	b.metrics = m
	b.logger = logger
	b.counts = make(map[string]map[string]int)
	b.retired = make(map[string]int)
	b.subs = make(map[int]chan UsageEvent)
}

// publish counts ev and offers it to every subscriber without blocking.
func (b *usageBook) publish(ev UsageEvent) {
	b.metrics.UsageEvents.WithLabelValues(ev.Feature).Inc()

	b.mu.Lock()
	defer b.mu.Unlock()
	perInstance := b.counts[ev.InstanceID]
	if perInstance == nil {
		perInstance = make(map[string]int)
		b.counts[ev.InstanceID] = perInstance
	}
	perInstance[ev.Feature]++

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.metrics.DroppedEvents.Inc()
			b.logger.Warn().
				Int("subscriber", id).
				Str("instance_id", ev.InstanceID).
				Str("feature", ev.Feature).
				Msg("subscriber behind, usage event dropped")
		}
	}
}

func (b *usageBook) subscribe(buffer int) (<-chan UsageEvent, func()) {
	if buffer < 1 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan UsageEvent, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *usageBook) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *usageBook) totals() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.retired))
	for f, n := range b.retired {
		out[f] = n
	}
	for _, features := range b.counts {
		for f, n := range features {
			out[f] += n
		}
	}
	return out
}

// forget drops the per-instance counts of id, keeping them in the totals.
func (b *usageBook) forget(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for f, n := range b.counts[id] {
		b.retired[f] += n
	}
	delete(b.counts, id)
}

func (b *usageBook) instance(id string) map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.counts[id]))
	for f, n := range b.counts[id] {
		out[f] = n
	}
	return out
}

// record stamps ev and publishes it.
func (o *Orchestrator) record(ev UsageEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	o.usage.publish(ev)
}

// RecordUsage counts one use of feature by instanceID and publishes it.
// The billing layer calls it for features the engine does not meter itself.
func (o *Orchestrator) RecordUsage(instanceID, feature string) {
	o.record(UsageEvent{InstanceID: instanceID, Feature: feature})
}

// UsageCounts returns how often each feature was used across instances.
func (o *Orchestrator) UsageCounts() map[string]int {
	return o.usage.totals()
}

// InstanceUsageCounts returns the feature counts of one instance.
func (o *Orchestrator) InstanceUsageCounts(id string) map[string]int {
	return o.usage.instance(id)
}

// Subscribe returns a channel of usage events and a function that ends the
// subscription. A subscriber whose buffer is full misses events; publishing
// never waits for it. The channel is closed on cancel or Close.
func (o *Orchestrator) Subscribe(buffer int) (<-chan UsageEvent, func()) {
	return o.usage.subscribe(buffer)
}
