package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryAddIsExclusive(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	ok, err := m.Add(ctx, "k", []byte("a"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("first Add() = %v, %v", ok, err)
	}
	ok, err = m.Add(ctx, "k", []byte("b"), time.Minute)
	if err != nil || ok {
		t.Fatalf("second Add() = %v, %v", ok, err)
	}
	v, found, _ := m.Get(ctx, "k")
	if !found || string(v) != "a" {
		t.Fatalf("Get() = %q, %v", v, found)
	}
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()
	m.now = func() time.Time { return now }

	_, _ = m.Add(ctx, "k", []byte("a"), time.Second)
	now = now.Add(2 * time.Second)

	if _, found, _ := m.Get(ctx, "k"); found {
		t.Fatal("expired key still returned")
	}
	if ok, _ := m.Add(ctx, "k", []byte("b"), time.Second); !ok {
		t.Fatal("Add() after expiry failed")
	}
}

func TestLockMutualExclusion(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var running, maxRunning int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock := NewLock(m, time.Minute, "task", "trionyx.user", 1).WithTimeout(5 * time.Second)
			err := lock.Do(ctx, func(context.Context) error {
				n := atomic.AddInt32(&running, 1)
				for {
					cur := atomic.LoadInt32(&maxRunning)
					if n <= cur || atomic.CompareAndSwapInt32(&maxRunning, cur, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			})
			if err != nil {
				t.Errorf("Do() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if maxRunning != 1 {
		t.Fatalf("max concurrent holders = %d, want 1", maxRunning)
	}
}

func TestLockTimeout(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	held := NewLock(m, time.Minute, "a", 1)
	if ok, _ := held.TryAcquire(ctx); !ok {
		t.Fatal("TryAcquire() failed on free lock")
	}

	err := NewLock(m, time.Minute, "a", 1).WithTimeout(250 * time.Millisecond).Acquire(ctx)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("Acquire() error = %v, want ErrLockTimeout", err)
	}

	if err := held.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := held.Release(ctx); err != nil {
		t.Fatalf("second Release() error = %v", err)
	}
	if ok, _ := NewLock(m, time.Minute, "a", 1).TryAcquire(ctx); !ok {
		t.Fatal("lock not free after release")
	}
}
