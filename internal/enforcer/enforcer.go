// Package enforcer realizes the kernel enforcer (process-create blocking)
// and filter producer (file-open observation) components on Linux using
// fanotify(7) permission events. FAN_OPEN_EXEC_PERM gates process image
// opens — the requesting thread blocks in the kernel until this package
// writes FAN_ALLOW or FAN_DENY — and FAN_OPEN_PERM observes file opens
// without ever denying them, matching the reference design's "file events
// are observational only" rule.
package enforcer

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tripwire/hostguard/internal/audit"
	"github.com/tripwire/hostguard/internal/ruletable"
	"github.com/tripwire/hostguard/internal/wire"
)

// eventMetadataSize is sizeof(struct fanotify_event_metadata): event_len(4)
// + vers(1) + reserved(1) + metadata_len(2) + mask(8) + fd(4) + pid(4).
const eventMetadataSize = 24

// responseSize is sizeof(struct fanotify_response): fd(4) + response(4).
const responseSize = 8

// Decision is the outcome of evaluating one fanotify permission event
// against the rule table.
type Decision struct {
	Allow bool
	Event wire.Event
}

// EventSink receives the encoded event of each decision the enforcer
// reports, so the pipeline can queue it for fan-out. Exec events with no
// table verdict, events from the enforcer's own pid, and file opens whose
// path cannot be resolved are answered without submitting anything.
type EventSink interface {
	Submit(ctx context.Context, body []byte) bool
}

// Enforcer owns one fanotify descriptor marked on a mount point.
type Enforcer struct {
	fd      int
	table   *ruletable.Table
	sink    EventSink
	auditor *audit.Logger
	logger  *slog.Logger
	selfPid int

	mu      sync.Mutex
	running bool
}

// Option configures an Enforcer at construction time.
type Option func(*Enforcer)

// WithAuditor attaches an audit.Logger that every Block decision is
// recorded to.
func WithAuditor(l *audit.Logger) Option {
	return func(e *Enforcer) { e.auditor = l }
}

// New opens a fanotify descriptor in FAN_CLASS_CONTENT mode and marks
// mountPoint for process-exec and file-open permission events.
func New(mountPoint string, table *ruletable.Table, sink EventSink, logger *slog.Logger, opts ...Option) (*Enforcer, error) {
	fd, err := unix.FanotifyInit(unix.FAN_CLASS_CONTENT|unix.FAN_CLOEXEC, uint(unix.O_RDONLY))
	if err != nil {
		return nil, fmt.Errorf("enforcer: fanotify_init: %w", err)
	}

	mask := uint64(unix.FAN_OPEN_EXEC_PERM | unix.FAN_OPEN_PERM | unix.FAN_EVENT_ON_CHILD)
	if err := unix.FanotifyMark(fd, unix.FAN_MARK_ADD|unix.FAN_MARK_MOUNT, mask, -1, mountPoint); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("enforcer: fanotify_mark(%q): %w", mountPoint, err)
	}

	e := &Enforcer{
		fd:      fd,
		table:   table,
		sink:    sink,
		logger:  logger,
		selfPid: os.Getpid(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// FD returns the raw fanotify descriptor for wiring into an ioring.Ring.
func (e *Enforcer) FD() int { return e.fd }

// Handle is an ioring.Handler: it parses every fanotify_event_metadata
// record in body, resolves and enforces each one, and submits the
// resulting wire event to the sink.
func (e *Enforcer) Handle(ctx context.Context, body []byte) {
	for len(body) >= eventMetadataSize {
		eventLen := binary.LittleEndian.Uint32(body[0:4])
		if eventLen < eventMetadataSize || int(eventLen) > len(body) {
			if e.logger != nil {
				e.logger.Warn("enforcer: malformed fanotify record, dropping remainder")
			}
			return
		}

		record := body[:eventLen]
		mask := binary.LittleEndian.Uint64(record[8:16])
		eventFd := int32(binary.LittleEndian.Uint32(record[16:20]))
		pid := int32(binary.LittleEndian.Uint32(record[20:24]))

		e.process(ctx, mask, eventFd, pid)

		body = body[eventLen:]
	}
}

func (e *Enforcer) process(ctx context.Context, mask uint64, eventFd, pid int32) {
	defer func() {
		if eventFd >= 0 {
			unix.Close(int(eventFd))
		}
	}()

	if int(pid) == e.selfPid {
		e.respond(mask, eventFd, true)
		return
	}

	path := e.resolvePath(eventFd)

	switch {
	case mask&unix.FAN_OPEN_EXEC_PERM != 0:
		e.enforceExec(ctx, path, eventFd, pid)
	case mask&unix.FAN_OPEN_PERM != 0:
		e.observeOpen(ctx, path, eventFd, pid)
	default:
		e.respond(mask, eventFd, true)
	}
}

func (e *Enforcer) enforceExec(ctx context.Context, path string, eventFd, pid int32) {
	action, matched, postureApplied := e.table.Lookup(path)

	if !matched && !postureApplied {
		// No rule, and whitelist mode isn't active (allow_count == 0): the
		// table has no verdict on this path. Allow silently — this is not a
		// policy decision, so no event is raised.
		e.respond(unix.FAN_OPEN_EXEC_PERM, eventFd, true)
		return
	}

	allow := true
	blocked := false
	declinedBlock := false
	switch action {
	case ruletable.ActionBlock:
		if matched {
			allow, blocked = false, true
		} else {
			// Default posture fired unmatched with Block: the reference
			// implementation explicitly declines to block unknown processes
			// in whitelist mode. Allow, but log the decline.
			declinedBlock = true
		}
	case ruletable.ActionAllow, ruletable.ActionAudit:
		allow = true
	}

	e.respond(unix.FAN_OPEN_EXEC_PERM, eventFd, allow)

	if blocked && e.auditor != nil {
		if _, err := e.auditor.Blocked(path, int(pid), "FAN_OPEN_EXEC_PERM denied"); err != nil && e.logger != nil {
			e.logger.Warn("enforcer: audit append failed", slog.Any("error", err))
		}
	}
	if declinedBlock && e.logger != nil {
		e.logger.Warn("enforcer: default posture is Block, declining to block unmatched process",
			slog.String("path", path), slog.Int("pid", int(pid)))
	}

	evt := wire.Event{
		Type:      wire.EventTypeMatchHostPolicy,
		Operation: wire.OperationProcess,
		Blocked:   blocked,
		Process:   wire.ProcessRecord{Pid: uint32(pid), Path: path},
	}
	e.submit(ctx, evt)
}

func (e *Enforcer) observeOpen(ctx context.Context, path string, eventFd, pid int32) {
	// File events are observational only — always allow.
	e.respond(unix.FAN_OPEN_PERM, eventFd, true)

	if path == "" || strings.HasSuffix(path, "/") {
		return
	}

	evt := wire.Event{
		Type:      wire.EventTypeHostLog,
		Operation: wire.OperationFile,
		File:      wire.FileRecord{Pid: uint32(pid), Path: path},
	}
	e.submit(ctx, evt)
}

func (e *Enforcer) submit(ctx context.Context, evt wire.Event) {
	body, err := wire.Encode(evt)
	if err != nil {
		if e.logger != nil {
			e.logger.Warn("enforcer: encode event", slog.Any("error", err))
		}
		return
	}
	if e.sink != nil {
		e.sink.Submit(ctx, body)
	}
}

// respond writes a fanotify_response permission decision for eventFd.
func (e *Enforcer) respond(mask uint64, eventFd int32, allow bool) {
	if eventFd < 0 {
		return
	}
	resp := unix.FAN_DENY
	if allow {
		resp = unix.FAN_ALLOW
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, eventFd)
	binary.Write(&buf, binary.LittleEndian, uint32(resp))

	if _, err := unix.Write(e.fd, buf.Bytes()); err != nil && e.logger != nil {
		e.logger.Warn("enforcer: write fanotify response", slog.Any("error", err))
	}
}

// resolvePath resolves the target file descriptor of a fanotify event to
// an absolute path via /proc/self/fd, the Linux analogue of
// FltGetFileNameInformation.
func (e *Enforcer) resolvePath(eventFd int32) string {
	if eventFd < 0 {
		return ""
	}
	link := "/proc/self/fd/" + strconv.Itoa(int(eventFd))
	resolved, err := os.Readlink(link)
	if err != nil {
		return ""
	}
	return filepath.Clean(resolved)
}

// ErrAlreadyStopped reports that the enforcer has already been torn down.
// Enforcer has no Stop method, and no function in this package returns it.
var ErrAlreadyStopped = errors.New("enforcer: already stopped")
