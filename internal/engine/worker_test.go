package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunPool_BasicExecution(t *testing.T) {
	pool := NewRunPool(2)
	defer pool.Shutdown()

	var ran int64
	err := pool.Submit(context.Background(), func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	pool.Wait()

	if atomic.LoadInt64(&ran) != 1 {
		t.Error("work did not execute")
	}
	if m := pool.Metrics(); m.Completed != 1 {
		t.Errorf("expected 1 completed, got %d", m.Completed)
	}
}

func TestRunPool_ConcurrencyLimit(t *testing.T) {
	poolSize := 3
	pool := NewRunPool(poolSize)
	defer pool.Shutdown()

	var maxConcurrent int64
	var current int64
	var mu sync.Mutex

	for i := 0; i < 10; i++ {
		err := pool.Submit(context.Background(), func(ctx context.Context) error {
			c := atomic.AddInt64(&current, 1)
			mu.Lock()
			if c > maxConcurrent {
				maxConcurrent = c
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected submit error: %v", err)
		}
	}

	pool.Wait()

	if maxConcurrent > int64(poolSize) {
		t.Errorf("max concurrent %d exceeded pool size %d", maxConcurrent, poolSize)
	}
	if maxConcurrent == 0 {
		t.Error("no concurrent execution detected")
	}
}

func TestRunPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewRunPool(1)
	pool.Shutdown()

	err := pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrPoolShutdown) {
		t.Errorf("expected ErrPoolShutdown, got %v", err)
	}
}

func TestRunPool_PanicRecovery(t *testing.T) {
	pool := NewRunPool(1)
	defer pool.Shutdown()

	err := pool.Submit(context.Background(), func(ctx context.Context) error {
		panic("step blew up")
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	pool.Wait()

	m := pool.Metrics()
	if m.Panics != 1 {
		t.Errorf("expected 1 panic, got %d", m.Panics)
	}
	if m.Failed != 1 {
		t.Errorf("expected 1 failed, got %d", m.Failed)
	}
}

func TestRunPool_SubmitRespectsContext(t *testing.T) {
	pool := NewRunPool(1)
	defer pool.Shutdown()

	block := make(chan struct{})
	started := make(chan struct{})
	err := pool.Submit(context.Background(), func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = pool.Submit(ctx, func(ctx context.Context) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}

	close(block)
	pool.Wait()
}
