// Package ioring implements the buffer-pool-plus-worker-pool abstraction
// that used to be an I/O completion port: a fixed arena of reusable buffers
// (Context), a bounded wait to borrow one, and a pool of worker goroutines
// that block in read(2) on a single shared file descriptor and hand
// completed reads to a Handler. Concurrent read(2) calls on one Linux file
// descriptor are atomically serialized by the kernel — each call consumes
// the next queued unit — which gives the same fan-out-across-threads
// behavior GetQueuedCompletionStatus gave the reference implementation,
// without needing a portable "post a manual completion" primitive.
package ioring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned by AllocateContext once the pool has been closed.
var ErrClosed = errors.New("ioring: pool closed")

// Context is one preallocated read buffer, the Go analogue of an OVERLAPPED
// I/O context.
type Context struct {
	Buf         []byte
	SubmittedAt time.Time
	inUse       bool
}

// Pool is a fixed arena of Contexts borrowed by workers for the duration of
// one read(2) call.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond
	all  []*Context
	free []*Context
	closed bool
}

// NewPool preallocates n buffers of bufSize bytes each.
func NewPool(n, bufSize int) *Pool {
	p := &Pool{}
	p.cond = sync.NewCond(&p.mu)
	p.all = make([]*Context, n)
	p.free = make([]*Context, 0, n)
	for i := 0; i < n; i++ {
		c := &Context{Buf: make([]byte, bufSize)}
		p.all[i] = c
		p.free = append(p.free, c)
	}
	return p
}

// AllocateContext waits for a free Context, honoring ctx cancellation and
// pool closure.
func (p *Pool) AllocateContext(ctx context.Context) (*Context, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			p.cond.Broadcast()
		case <-done:
		}
	}()

	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.free) == 0 && !p.closed {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.cond.Wait()
	}
	if p.closed {
		return nil, ErrClosed
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	n := len(p.free)
	c := p.free[n-1]
	p.free = p.free[:n-1]
	c.inUse = true
	c.SubmittedAt = time.Now()
	return c, nil
}

// FreeContext returns c to the pool, waking one waiter.
func (p *Pool) FreeContext(c *Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !c.inUse {
		return
	}
	c.inUse = false
	p.free = append(p.free, c)
	p.cond.Signal()
}

// Close marks the pool closed and wakes every waiter so pending
// AllocateContext calls return ErrClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Handler processes one completed read. body is only valid for the
// duration of the call.
type Handler func(ctx *Context, body []byte)

// Ring drains a single file descriptor with a pool of worker goroutines.
type Ring struct {
	fd      int
	workers int
	pool    *Pool
	handler Handler
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// New constructs a Ring over fd. fd must already be configured by the
// caller (fanotify init + marks, or any other readable descriptor).
func New(fd int, workers int, pool *Pool, handler Handler, logger *slog.Logger) *Ring {
	return &Ring{fd: fd, workers: workers, pool: pool, handler: handler, logger: logger}
}

// Connect starts the worker pool. Each worker loops: borrow a buffer,
// block in read(2), dispatch to Handler, return the buffer, repeat.
func (r *Ring) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("ioring: already connected")
	}
	r.running = true
	r.mu.Unlock()

	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx, i)
	}
	return nil
}

func (r *Ring) worker(ctx context.Context, id int) {
	defer r.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}

		c, err := r.pool.AllocateContext(ctx)
		if err != nil {
			return
		}

		n, err := unix.Read(r.fd, c.Buf)
		if err != nil {
			r.pool.FreeContext(c)
			if errors.Is(err, unix.EBADF) || errors.Is(err, unix.EINTR) {
				return
			}
			if r.logger != nil {
				r.logger.Warn("ioring: read error", slog.Int("worker", id), slog.Any("error", err))
			}
			continue
		}
		if n == 0 {
			r.pool.FreeContext(c)
			return
		}

		r.handler(c, c.Buf[:n])
		r.pool.FreeContext(c)
	}
}

// Disconnect closes the underlying descriptor, which unblocks every pending
// read(2) with EBADF, then joins all workers.
func (r *Ring) Disconnect() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.mu.Unlock()

	err := unix.Close(r.fd)
	r.pool.Close()
	r.wg.Wait()
	return err
}
