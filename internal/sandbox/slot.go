package sandbox

import (
	"context"
)

// Slot serializes work on one instance. Waiters are admitted in arrival
// order because blocked channel senders are queued FIFO by the runtime.
type Slot struct {
	ch chan struct{}
}

func NewSlot() *Slot {
	return &Slot{ch: make(chan struct{}, 1)}
}

// Acquire blocks until the slot is free or ctx is done.
func (s *Slot) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes the slot only if it is free.
func (s *Slot) TryAcquire() bool {
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Slot) Release() {
	<-s.ch
}

// Busy reports whether the slot is currently held.
func (s *Slot) Busy() bool {
	return len(s.ch) == 1
}
