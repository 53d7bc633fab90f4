package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ExecutionLogger persists one execution record. *DB implements it.
type ExecutionLogger interface {
	LogExecution(ctx context.Context, exec *Execution) error
}

const (
	auditRetries      = 3
	auditWriteTimeout = 5 * time.Second
)

// AuditWriter queues execution records and persists them from a single
// background goroutine. Log never blocks the execution path: when the queue
// is full the record is dropped and counted.
type AuditWriter struct {
	db      ExecutionLogger
	queue   chan *Execution
	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
	dropped atomic.Uint64
	logger  zerolog.Logger

	// backoff is the delay before the first retry; it doubles per attempt.
	backoff time.Duration
}

func NewAuditWriter(db ExecutionLogger, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		db:      db,
		queue:   make(chan *Execution, bufferSize),
		stop:    make(chan struct{}),
		logger:  log.With().Str("component", "audit").Logger(),
		backoff: 100 * time.Millisecond,
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.run()
}

// Log enqueues exec for writing.
func (w *AuditWriter) Log(exec *Execution) {
	select {
	case w.queue <- exec:
	default:
		n := w.dropped.Add(1)
		w.logger.Warn().Str("exec_id", exec.ID).Uint64("dropped", n).Msg("audit queue full, dropping record")
	}
}

// Dropped reports how many records were discarded because the queue was full.
func (w *AuditWriter) Dropped() uint64 {
	return w.dropped.Load()
}

// Flush stops accepting work, writes whatever is queued and waits up to
// timeout for that to finish. It reports whether the queue drained in time.
// Calling it more than once is safe.
func (w *AuditWriter) Flush(timeout time.Duration) bool {
	w.stopped.Do(func() { close(w.stop) })

	drained := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(drained)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-drained:
		w.logger.Info().Uint64("dropped", w.Dropped()).Msg("audit writer flushed")
		return true
	case <-timer.C:
		w.logger.Warn().Int("pending", len(w.queue)).Msg("audit writer flush timed out")
		return false
	}
}

func (w *AuditWriter) run() {
	defer w.wg.Done()
	for {
		select {
		case exec := <-w.queue:
			w.write(exec)
		case <-w.stop:
			for {
				select {
				case exec := <-w.queue:
					w.write(exec)
				default:
					return
				}
			}
		}
	}
}

// write tries once and then retries with exponential backoff.
func (w *AuditWriter) write(exec *Execution) {
	delay := w.backoff
	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		err := w.db.LogExecution(ctx, exec)
		cancel()
		if err == nil {
			return
		}
		if attempt == auditRetries {
			w.logger.Error().Err(err).Str("exec_id", exec.ID).Int("attempts", attempt+1).
				Msg("giving up on audit record")
			return
		}
		w.logger.Warn().Err(err).Str("exec_id", exec.ID).Int("attempt", attempt+1).Dur("backoff", delay).
			Msg("audit write failed, retrying")
		time.Sleep(delay)
		delay *= 2
	}
}
