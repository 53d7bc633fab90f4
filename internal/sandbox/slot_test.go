package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSlotExclusive(t *testing.T) {
	s := NewSlot()
	if err := s.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !s.Busy() {
		t.Error("Busy() = false while held")
	}
	if s.TryAcquire() {
		t.Fatal("TryAcquire succeeded while held")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire on held slot = %v, want deadline exceeded", err)
	}

	s.Release()
	if !s.TryAcquire() {
		t.Fatal("TryAcquire failed on free slot")
	}
	s.Release()
}

func TestSlotSerializes(t *testing.T) {
	s := NewSlot()
	var (
		mu      sync.Mutex
		running int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Acquire(context.Background()); err != nil {
				t.Error(err)
				return
			}
			defer s.Release()
			mu.Lock()
			running++
			if running > maxSeen {
				maxSeen = running
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxSeen)
	}
}
