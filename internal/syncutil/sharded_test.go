package syncutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestShardedMutex_SerializesSameKey(t *testing.T) {
	var m ShardedMutex
	counter := 0
	var wg sync.WaitGroup

	const n = 200
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			m.Do("session-1", func() {
				v := counter
				time.Sleep(time.Microsecond)
				counter = v + 1
			})
		}()
	}
	wg.Wait()

	if counter != n {
		t.Fatalf("expected %d, got %d: mutual exclusion violated", n, counter)
	}
}

func TestShardedRWMutex_ReadersShare(t *testing.T) {
	var m ShardedRWMutex
	r1 := m.RLock("identity-1")
	done := make(chan struct{})
	go func() {
		r2 := m.RLock("identity-1")
		r2()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second reader blocked behind first reader")
	}
	r1()
}

func TestShardedRWMutex_WriterExcludesReaders(t *testing.T) {
	var m ShardedRWMutex
	unlock := m.Lock("identity-1")

	acquired := make(chan struct{})
	go func() {
		r := m.RLock("identity-1")
		close(acquired)
		r()
	}()

	select {
	case <-acquired:
		t.Fatal("reader acquired lock while writer held it")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("reader never acquired lock after writer released")
	}
}

func TestContextShardedMutex_CancelledWhileWaiting(t *testing.T) {
	m := NewContextShardedMutex()

	unlock, err := m.LockContext(context.Background(), "blocked")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if _, err := m.LockContext(ctx, "blocked"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestContextShardedMutex_UnlockHandsOff(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	unlock, err := m.LockContext(ctx, "relay")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		u, err := m.LockContext(ctx, "relay")
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second goroutine acquired lock before first released")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second goroutine did not acquire lock after release")
	}
}

func TestShardIndexStable(t *testing.T) {
	if shardIndex("abc") != shardIndex("abc") {
		t.Fatal("shard index must be deterministic")
	}
	if shardIndex("abc") >= shardCount {
		t.Fatal("shard index out of range")
	}
}
