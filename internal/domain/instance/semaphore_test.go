package instance

import (
	"testing"
	"time"
)

func TestSemaphoreAcquireRelease(t *testing.T) {
	s := NewSemaphore(2)

	// Repeated full cycles return the count to its initial value.
	for i := 0; i < 3; i++ {
		s.Acquire()
		s.Acquire()
		if s.TryAcquire(0) {
			t.Fatal("third acquire should fail with two permits held")
		}
		s.Release()
		s.Release()
	}
	if !s.TryAcquire(0) {
		t.Fatal("permit should be free after release cycles")
	}
	s.Release()
}

func TestSemaphoreTryAcquireTimeout(t *testing.T) {
	s := NewSemaphore(1)
	s.Acquire()

	start := time.Now()
	if s.TryAcquire(50 * time.Millisecond) {
		t.Fatal("TryAcquire should time out while the permit is held")
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("TryAcquire returned too early: %s", elapsed)
	}

	s.Release()
	if !s.TryAcquire(50 * time.Millisecond) {
		t.Fatal("TryAcquire should succeed once the permit is free")
	}
}

func TestSemaphoreOverReleasePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("release without acquire should panic")
		}
	}()
	NewSemaphore(1).Release()
}

func TestSemaphoreClampsPermits(t *testing.T) {
	if got := NewSemaphore(0).Permits(); got != 1 {
		t.Errorf("expected clamp to 1 permit, got %d", got)
	}
}
