// Package fanout implements the publish side of the rule-match and log
// streams: each subscriber gets its own buffered channel, publishes are
// non-blocking per subscriber, and a slow or dead subscriber is dropped
// from rather than allowed to stall the publisher. This mirrors the
// per-client channel and non-blocking select/default send pattern of the
// reference server's WebSocket broadcaster, generalized from a single
// broadcast stream to two independently filtered streams (alerts, logs).
package fanout

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tripwire/hostguard/internal/wire"
)

// Filter narrows which events a Subscriber receives.
type Filter struct {
	Types       map[wire.EventType]struct{}
	Pids        map[uint32]struct{}
	BlockedOnly bool
}

func (f Filter) admits(e wire.Event) bool {
	if f.BlockedOnly && !e.Blocked {
		return false
	}
	if len(f.Types) > 0 {
		if _, ok := f.Types[e.Type]; !ok {
			return false
		}
	}
	if len(f.Pids) > 0 {
		var pid uint32
		switch e.Operation {
		case wire.OperationProcess:
			pid = e.Process.Pid
		case wire.OperationFile:
			pid = e.File.Pid
		case wire.OperationNetwork:
			pid = e.Network.Pid
		}
		if _, ok := f.Pids[pid]; !ok {
			return false
		}
	}
	return true
}

// Subscriber is one registered stream consumer. UUID is a human-traceable
// identifier for log correlation across the control plane; id is the
// internal map key used for map lookups and removal.
type Subscriber struct {
	id      uint64
	UUID    string
	filter  Filter
	ch      chan wire.Event
	mu      sync.Mutex
	active  atomic.Bool
	Dropped atomic.Int64
}

// Events returns the subscriber's delivery channel.
func (s *Subscriber) Events() <-chan wire.Event { return s.ch }

// Publisher fans a single stream of decoded events out to every admitting
// subscriber, split into an alerts stream (policy matches) and a logs
// stream (everything else).
type Publisher struct {
	mu        sync.RWMutex
	nextID    atomic.Uint64
	alerts    map[uint64]*Subscriber
	logs      map[uint64]*Subscriber
	bufSize   int
	logger    *slog.Logger
	closeOnce sync.Once
	closed    atomic.Bool
}

// New returns a Publisher whose per-subscriber channels hold bufSize
// pending events before a publish is treated as a drop.
func New(bufSize int, logger *slog.Logger) *Publisher {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Publisher{
		alerts:  make(map[uint64]*Subscriber),
		logs:    make(map[uint64]*Subscriber),
		bufSize: bufSize,
		logger:  logger,
	}
}

// Subscribe registers a new subscriber against both the alert stream and
// the log stream; filter.Types, when set, narrows which events it receives.
func (p *Publisher) Subscribe(filter Filter) *Subscriber {
	s := &Subscriber{
		id:     p.nextID.Add(1),
		UUID:   uuid.NewString(),
		filter: filter,
		ch:     make(chan wire.Event, p.bufSize),
	}
	s.active.Store(true)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts[s.id] = s
	p.logs[s.id] = s
	return s
}

// Unsubscribe removes s from both streams and closes its channel.
func (p *Publisher) Unsubscribe(s *Subscriber) {
	p.mu.Lock()
	delete(p.alerts, s.id)
	delete(p.logs, s.id)
	p.mu.Unlock()

	if s.active.CompareAndSwap(true, false) {
		close(s.ch)
	}
}

// Publish routes e to the alert stream if it is a policy match, else to the
// log stream, delivering only to subscribers whose Filter admits it.
func (p *Publisher) Publish(e wire.Event) {
	if p.closed.Load() {
		return
	}

	p.mu.RLock()
	var targets map[uint64]*Subscriber
	if e.Type == wire.EventTypeMatchHostPolicy {
		targets = p.alerts
	} else {
		targets = p.logs
	}
	subs := make([]*Subscriber, 0, len(targets))
	for _, s := range targets {
		subs = append(subs, s)
	}
	p.mu.RUnlock()

	for _, s := range subs {
		if !s.filter.admits(e) {
			continue
		}
		s.mu.Lock()
		if s.active.Load() {
			select {
			case s.ch <- e:
			default:
				s.Dropped.Add(1)
				if p.logger != nil {
					p.logger.Warn("fanout: subscriber buffer full, dropping event", slog.String("subscriber_id", s.UUID))
				}
			}
		}
		s.mu.Unlock()
	}
}

// PublishBatch publishes each event in events in order.
func (p *Publisher) PublishBatch(events []wire.Event) {
	for _, e := range events {
		p.Publish(e)
	}
}

// SubscriberCount reports how many subscribers are currently registered.
func (p *Publisher) SubscriberCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.alerts)
}

// Close unsubscribes and closes the channel of every active subscriber.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.mu.Lock()
		all := make([]*Subscriber, 0, len(p.alerts))
		for _, s := range p.alerts {
			all = append(all, s)
		}
		p.alerts = make(map[uint64]*Subscriber)
		p.logs = make(map[uint64]*Subscriber)
		p.mu.Unlock()

		for _, s := range all {
			if s.active.CompareAndSwap(true, false) {
				close(s.ch)
			}
		}
	})
}
