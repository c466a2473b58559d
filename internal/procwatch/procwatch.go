// Package procwatch is a supplemental telemetry source that sits beside the
// fanotify enforcer: it watches process execve activity system-wide and
// emits a wire.Event for any process whose exe path or basename matches one
// of a configured set of filepath.Match glob patterns. Unlike the rule
// table's exact-path contract, these patterns are glob-capable — the same
// relaxation the reference design's own ProcessWatcher made for its
// PROCESS-type rules, kept here as a separate, optional producer rather
// than a change to ruletable's matching semantics.
//
// Platform support mirrors the reference watcher:
//
//   - Linux: NETLINK_CONNECTOR process connector (kernel-driven, zero-polling).
//   - Other: a stub whose Start returns ErrUnsupported.
package procwatch

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/tripwire/hostguard/internal/wire"
)

// ErrUnsupported is returned by Start on platforms without a process
// connector implementation.
var ErrUnsupported = errors.New("procwatch: not supported on this platform")

// EventSink receives the wire-encoded bytes of every matched process event.
// internal/pipeline.Queue satisfies this structurally.
type EventSink interface {
	Submit(ctx context.Context, body []byte) bool
}

// Watcher matches live process executions against a set of glob patterns
// and submits a wire.Event for each match.
type Watcher struct {
	patterns []string
	sink     EventSink
	logger   *slog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
	ready    chan struct{}
}

// New constructs a Watcher for the given glob patterns (evaluated with
// filepath.Match against both the process basename and its full exe path).
// A nil logger defaults to slog.Default().
func New(patterns []string, sink EventSink, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		patterns: patterns,
		sink:     sink,
		logger:   logger,
		ready:    make(chan struct{}),
	}
}

// Ready returns a channel that is closed once the watcher's kernel
// subscription is established and it is actively receiving events.
func (w *Watcher) Ready() <-chan struct{} { return w.ready }

// matchingPattern returns the first configured pattern matching exe (tried
// against both the full path and its basename), or "" if none match.
func (w *Watcher) matchingPattern(exe string) string {
	base := filepath.Base(exe)
	for _, pat := range w.patterns {
		if ok, _ := filepath.Match(pat, base); ok {
			return pat
		}
		if ok, _ := filepath.Match(pat, exe); ok {
			return pat
		}
	}
	return ""
}

// emitExec builds and submits a wire.Event for one observed execve, if exe
// or comm matches a configured pattern.
func (w *Watcher) emitExec(ctx context.Context, pid int, comm, exe string) {
	pattern := w.matchingPattern(exe)
	if pattern == "" {
		pattern = w.matchingPattern(comm)
	}
	if pattern == "" {
		return
	}

	path := exe
	if path == "" {
		path = comm
	}

	evt := wire.Event{
		Type:      wire.EventTypeHostLog,
		Operation: wire.OperationProcess,
		Process:   wire.ProcessRecord{Pid: uint32(pid), Path: path},
	}
	body, err := wire.Encode(evt)
	if err != nil {
		w.logger.Warn("procwatch: encode event", slog.Any("error", err))
		return
	}
	if w.sink != nil {
		w.sink.Submit(ctx, body)
	}

	w.logger.Info("procwatch: process matched pattern",
		slog.String("pattern", pattern),
		slog.Int("pid", pid),
		slog.String("exe", path),
	)
}
