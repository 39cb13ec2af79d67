package sessionlock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLocalLocker_Serializes(t *testing.T) {
	l := NewLocalLocker()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "s_1")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	if maxInside != int32(1) {
		t.Errorf("expected %v, got %v", int32(1), maxInside)
	}
	if got := l.Len(); got != 0 {
		t.Errorf("entries should be released: expected %v, got %v", 0, got)
	}
}

func TestLocalLocker_KeysAreIndependent(t *testing.T) {
	l := NewLocalLocker()
	u1, err := l.Lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer u1()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	u2, err := l.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	u2()
}

func TestLocalLocker_ContextCanceled(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.Lock(context.Background(), "s_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "s_1")
	if err == nil {
		t.Fatal("expected an error")
	}
	if !errors.Is(err, ErrNotAcquired) {
		t.Errorf("expected %v, got %v", ErrNotAcquired, err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected %v, got %v", context.DeadlineExceeded, err)
	}

	unlock()
	unlock() // second call is a no-op
	if got := l.Len(); got != 0 {
		t.Errorf("expected %v, got %v", 0, got)
	}
}

func TestConnect_AddressForms(t *testing.T) {
	c, err := Connect("localhost:6379")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := c.Options().Addr; got != "localhost:6379" {
		t.Errorf("expected %q, got %q", "localhost:6379", got)
	}
	c.Close()

	c, err = Connect("redis://localhost:6380/2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := c.Options().Addr; got != "localhost:6380" {
		t.Errorf("expected %q, got %q", "localhost:6380", got)
	}
	if got := c.Options().DB; got != 2 {
		t.Errorf("expected %v, got %v", 2, got)
	}
	c.Close()

	_, err = Connect("redis://%zz")
	if err == nil {
		t.Error("expected an error")
	}
}

func TestRedisLocker(t *testing.T) {
	url := os.Getenv("CARETRIAGE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CARETRIAGE_TEST_REDIS_URL not set")
	}
	client, err := Connect(url)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer client.Close()
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	l := NewRedisLocker(client, 2*time.Second, 10*time.Millisecond)
	key := "test-" + time.Now().Format("150405.000000")

	unlock, err := l.Lock(context.Background(), key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, key)
	if !errors.Is(err, ErrNotAcquired) {
		t.Errorf("expected %v, got %v", ErrNotAcquired, err)
	}

	unlock()
	unlock2, err := l.Lock(context.Background(), key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	unlock2()
}
