// Package pipeline implements the Event Pipeline: a queue fed by the
// enforcer, a pool of service workers that decode, enrich, and publish each
// event, and the atomic counters the reference MonitoringService exposes
// via GetStatistics. It is a direct generalization of
// kasvc/src/app/monitoring_service.cpp's EventLoopThread/ProcessEvent pair.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tripwire/hostguard/internal/fanout"
	"github.com/tripwire/hostguard/internal/wire"
)

// ErrAlreadyRunning is returned by Start when the service is already active.
var ErrAlreadyRunning = errors.New("pipeline: already running")

// Enricher augments a decoded event before publication. The identity
// enricher (used by default) returns its input unchanged; it is the
// extension point the reference design names for future enrichment
// (process tree lookups, container metadata, and so on).
type Enricher func(wire.Event) wire.Event

func identityEnricher(e wire.Event) wire.Event { return e }

// Statistics mirrors MonitoringService::GetStatistics.
type Statistics struct {
	EventsReceived  uint64
	EventsProcessed uint64
	EventsPublished uint64
	ProcessingErrors uint64
}

// Service drains a Queue with N worker goroutines, enriching and
// publishing each event, and recovering from a panic in any single
// iteration without taking the whole service down.
type Service struct {
	queue     *Queue
	publisher *fanout.Publisher
	enrich    Enricher
	workers   int
	logger    *slog.Logger

	received  atomic.Uint64
	processed atomic.Uint64
	published atomic.Uint64
	errs      atomic.Uint64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Service at construction time.
type Option func(*Service)

// WithEnricher overrides the default identity Enricher.
func WithEnricher(e Enricher) Option {
	return func(s *Service) { s.enrich = e }
}

// New constructs a Service with the given worker count (workers <= 0
// defaults to 1).
func New(queue *Queue, publisher *fanout.Publisher, workers int, logger *slog.Logger, opts ...Option) *Service {
	if workers <= 0 {
		workers = 1
	}
	s := &Service{
		queue:     queue,
		publisher: publisher,
		enrich:    identityEnricher,
		workers:   workers,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the worker pool. It returns ErrAlreadyRunning if called
// twice without an intervening Stop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(runCtx, i)
	}
	return nil
}

// Stop signals every worker to exit and waits for them to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.queue.Close()
	s.wg.Wait()
}

func (s *Service) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		body, ok := s.queue.Pop(100 * time.Millisecond)
		if !ok {
			continue
		}
		s.received.Add(1)
		s.processOne(id, body)
	}
}

func (s *Service) processOne(workerID int, body []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.errs.Add(1)
			if s.logger != nil {
				s.logger.Error("pipeline: recovered panic processing event",
					slog.Int("worker", workerID), slog.Any("panic", r))
			}
		}
	}()

	evt, err := wire.Decode(body)
	if err != nil {
		s.errs.Add(1)
		if s.logger != nil {
			s.logger.Warn("pipeline: decode failed", slog.Any("error", err))
		}
		return
	}

	evt = s.enrich(evt)
	s.processed.Add(1)

	s.publisher.Publish(evt)
	s.published.Add(1)
}

// GetStatistics returns a snapshot of the service's atomic counters.
func (s *Service) GetStatistics() Statistics {
	return Statistics{
		EventsReceived:   s.received.Load(),
		EventsProcessed:  s.processed.Load(),
		EventsPublished:  s.published.Load(),
		ProcessingErrors: s.errs.Load(),
	}
}

// ResetStatistics zeroes every counter.
func (s *Service) ResetStatistics() {
	s.received.Store(0)
	s.processed.Store(0)
	s.published.Store(0)
	s.errs.Store(0)
}

// IsRunning reports whether the service's worker pool is active.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// HealthStatus is the JSON-serialisable shape returned by an HTTP health
// endpoint wired to this service.
type HealthStatus struct {
	Running    bool       `json:"running"`
	Statistics Statistics `json:"statistics"`
}

// Health reports the current health snapshot.
func (s *Service) Health() HealthStatus {
	return HealthStatus{Running: s.IsRunning(), Statistics: s.GetStatistics()}
}

// String implements fmt.Stringer for log-friendly summaries.
func (st Statistics) String() string {
	return fmt.Sprintf("received=%d processed=%d published=%d errors=%d",
		st.EventsReceived, st.EventsProcessed, st.EventsPublished, st.ProcessingErrors)
}
