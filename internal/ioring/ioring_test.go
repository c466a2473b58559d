package ioring_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/tripwire/hostguard/internal/ioring"
)

func TestPoolAllocateFree(t *testing.T) {
	pool := ioring.NewPool(2, 16)
	ctx := context.Background()

	c1, err := pool.AllocateContext(ctx)
	if err != nil {
		t.Fatalf("AllocateContext: %v", err)
	}
	c2, err := pool.AllocateContext(ctx)
	if err != nil {
		t.Fatalf("AllocateContext: %v", err)
	}
	if c1 == c2 {
		t.Fatal("expected distinct contexts")
	}

	done := make(chan struct{})
	go func() {
		c3, err := pool.AllocateContext(ctx)
		if err != nil {
			t.Errorf("AllocateContext after free: %v", err)
		}
		_ = c3
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	pool.FreeContext(c1)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AllocateContext did not unblock after FreeContext")
	}
}

func TestPoolAllocateRespectsContextCancellation(t *testing.T) {
	pool := ioring.NewPool(1, 16)
	ctx := context.Background()
	if _, err := pool.AllocateContext(ctx); err != nil {
		t.Fatalf("AllocateContext: %v", err)
	}

	cctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := pool.AllocateContext(cctx); err == nil {
		t.Fatal("expected AllocateContext to return an error on context deadline")
	}
}

func TestPoolCloseUnblocksWaiters(t *testing.T) {
	pool := ioring.NewPool(1, 16)
	ctx := context.Background()
	if _, err := pool.AllocateContext(ctx); err != nil {
		t.Fatalf("AllocateContext: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := pool.AllocateContext(ctx)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	pool.Close()

	select {
	case err := <-errCh:
		if err != ioring.ErrClosed {
			t.Errorf("err = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock pending AllocateContext")
	}
}

func TestRingDrainsDescriptor(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer w.Close()

	pool := ioring.NewPool(4, 64)

	var mu sync.Mutex
	var received []string

	ring := ioring.New(int(r.Fd()), 2, pool, func(c *ioring.Context, body []byte) {
		mu.Lock()
		received = append(received, string(body))
		mu.Unlock()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ring.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := ring.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) == 0 {
		t.Fatal("ring never dispatched the written bytes to the handler")
	}
}
