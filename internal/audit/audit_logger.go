// Package audit provides a tamper-evident, append-only log of control-plane
// actions: rule insertions, rule removals, and enforcement blocks. Entries
// are SHA-256 hash-chained so that any edit, reorder, or truncation of the
// log file after the fact is detectable by Verify.
//
// # Hash chain
//
// The event_hash for entry N is:
//
//	SHA-256( JSON({seq, ts, payload, prev_hash}) )
//
// The genesis entry (seq=1) uses a prev_hash of 64 ASCII zero characters.
//
// # Append semantics
//
// Each entry is one JSON line. The file is opened with
// os.O_APPEND|os.O_CREATE|os.O_WRONLY so every write is appended atomically
// by the kernel (write(2) with O_APPEND is atomic up to PIPE_BUF; entries
// are kept well under that).
//
// Logger is safe for concurrent use; a mutex serialises Append to keep the
// sequence number and prev_hash consistent.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tripwire/hostguard/internal/ruletable"
)

// GenesisHash is the all-zero SHA-256 hex digest used as the prev_hash of
// the genesis entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Action identifies what kind of control-plane event an entry records.
type Action string

const (
	ActionRuleAdded   Action = "rule_added"
	ActionRuleRemoved Action = "rule_removed"
	ActionBlocked     Action = "blocked"
)

// Payload is the structured body of one audit entry.
type Payload struct {
	Action Action            `json:"action"`
	Path   string            `json:"path"`
	Rule   ruletable.Action  `json:"rule,omitempty"`
	Pid    int               `json:"pid,omitempty"`
	Detail string            `json:"detail,omitempty"`
}

type entry struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Payload   Payload   `json:"payload"`
	PrevHash  string    `json:"prev_hash"`
	EventHash string    `json:"event_hash"`
}

type entryContent struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Payload   Payload   `json:"payload"`
	PrevHash  string    `json:"prev_hash"`
}

// Logger is a tamper-evident, append-only audit log writer. Create one with
// Open; do not copy after first use.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
}

// Open opens (or creates) the log file at path, restoring the chain state
// from any existing entries so appends continue the chain correctly.
func Open(path string) (*Logger, error) {
	prevHash := GenesisHash
	seq := int64(0)

	if _, err := os.Stat(path); err == nil {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("audit: open for reading %q: %w", path, err)
		}
		scanner := bufio.NewScanner(f)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var e entry
			if err := json.Unmarshal(line, &e); err != nil {
				f.Close()
				return nil, fmt.Errorf("audit: malformed entry at seq %d: %w", seq+1, err)
			}
			computed := hashContent(entryContent{Seq: e.Seq, Timestamp: e.Timestamp, Payload: e.Payload, PrevHash: e.PrevHash})
			if computed != e.EventHash {
				f.Close()
				return nil, fmt.Errorf("audit: hash mismatch at seq %d: stored %q, computed %q", e.Seq, e.EventHash, computed)
			}
			if e.PrevHash != prevHash {
				f.Close()
				return nil, fmt.Errorf("audit: chain break at seq %d: expected prev_hash %q, got %q", e.Seq, prevHash, e.PrevHash)
			}
			prevHash = e.EventHash
			seq = e.Seq
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("audit: scanning existing log %q: %w", path, err)
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open for appending %q: %w", path, err)
	}

	return &Logger{file: f, prevHash: prevHash, seq: seq}, nil
}

// Entry is the public representation of one audit log entry.
type Entry struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Payload   Payload   `json:"payload"`
	PrevHash  string    `json:"prev_hash"`
	EventHash string    `json:"event_hash"`
}

// Append records payload as the next entry in the chain.
func (l *Logger) Append(payload Payload) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.seq + 1
	ts := time.Now().UTC()
	prevHash := l.prevHash

	content := entryContent{Seq: seq, Timestamp: ts, Payload: payload, PrevHash: prevHash}
	eventHash := hashContent(content)

	e := entry{Seq: seq, Timestamp: ts, Payload: payload, PrevHash: prevHash, EventHash: eventHash}
	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return Entry{}, fmt.Errorf("audit: write entry: %w", err)
	}

	l.seq = seq
	l.prevHash = eventHash

	return Entry{Seq: seq, Timestamp: ts, Payload: payload, PrevHash: prevHash, EventHash: eventHash}, nil
}

// RuleAdded is a convenience wrapper around Append for rule insertions.
func (l *Logger) RuleAdded(path string, action ruletable.Action) (Entry, error) {
	return l.Append(Payload{Action: ActionRuleAdded, Path: path, Rule: action})
}

// RuleRemoved is a convenience wrapper around Append for rule removals.
func (l *Logger) RuleRemoved(path string) (Entry, error) {
	return l.Append(Payload{Action: ActionRuleRemoved, Path: path})
}

// Blocked is a convenience wrapper around Append for enforcement blocks.
func (l *Logger) Blocked(path string, pid int, detail string) (Entry, error) {
	return l.Append(Payload{Action: ActionBlocked, Path: path, Pid: pid, Detail: detail})
}

// Close flushes and closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("audit: sync: %w", err)
	}
	return l.file.Close()
}

// Verify reads the log at path and checks the full hash chain, returning the
// ordered entries on success or the first chain error encountered.
func Verify(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: verify open %q: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	prevHash := GenesisHash
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("audit: malformed entry: %w", err)
		}
		if e.PrevHash != prevHash {
			return nil, fmt.Errorf("audit: chain break at seq %d: expected prev_hash %q, got %q", e.Seq, prevHash, e.PrevHash)
		}
		computed := hashContent(entryContent{Seq: e.Seq, Timestamp: e.Timestamp, Payload: e.Payload, PrevHash: e.PrevHash})
		if computed != e.EventHash {
			return nil, fmt.Errorf("audit: hash mismatch at seq %d: stored %q, computed %q", e.Seq, e.EventHash, computed)
		}
		entries = append(entries, Entry{Seq: e.Seq, Timestamp: e.Timestamp, Payload: e.Payload, PrevHash: e.PrevHash, EventHash: e.EventHash})
		prevHash = e.EventHash
	}

	return entries, scanner.Err()
}

func hashContent(c entryContent) string {
	raw, err := json.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("audit: marshal entryContent: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
