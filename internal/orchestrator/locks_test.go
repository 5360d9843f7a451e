package orchestrator

import (
	"sync"
	"testing"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	km := newKeyedMutex()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.lock("task-1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Fatalf("counter = %d, want 50", counter)
	}
	if len(km.entries) != 0 {
		t.Fatalf("entries = %d, want drained after release", len(km.entries))
	}
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	km := newKeyedMutex()

	unlockA := km.lock("task-a")
	// A held lock on one key must not block another key.
	done := make(chan struct{})
	go func() {
		unlockB := km.lock("task-b")
		unlockB()
		close(done)
	}()
	<-done
	unlockA()

	if len(km.entries) != 0 {
		t.Fatalf("entries = %d, want 0", len(km.entries))
	}
}
