// Package ruletable implements the concurrent, path-keyed rule dictionary
// that the enforcer consults on every process-exec decision (file opens are
// observed without a lookup). It is a direct port of the bucketed hash table in the driver's
// Rule.h/Rule.cpp: a fixed prime number of buckets, one mutex guarding the
// whole table, and case-insensitive path matching.
package ruletable

import (
	"strings"
	"sync"
)

// numBuckets matches NUM_BUCKETS in the reference driver: a prime chosen to
// spread paths evenly without needing a resize path.
const numBuckets = 61

// Action is the decision recorded against a path. The zero value is Audit,
// matching the reference enum's ordering (Audit, Block, Allow).
type Action uint8

const (
	ActionAudit Action = iota
	ActionBlock
	ActionAllow
)

func (a Action) String() string {
	switch a {
	case ActionAudit:
		return "audit"
	case ActionBlock:
		return "block"
	case ActionAllow:
		return "allow"
	default:
		return "unknown"
	}
}

// Posture is the decision applied to an unmatched path once whitelist mode
// is active (allow_count > 0).
type Posture uint8

const (
	PostureAudit Posture = iota
	PostureBlock
	PostureAllow
)

// Rule is one entry in the table: a path and the action to take when a
// lookup matches it.
type Rule struct {
	Path   string
	Action Action
}

// Table is the concurrent rule dictionary. The zero value is not usable;
// construct with New.
type Table struct {
	mu         sync.Mutex
	buckets    [numBuckets][]*Rule
	allowCount int
	posture    Posture
}

// New returns an empty Table with the given default posture applied to
// paths that match no rule.
func New(posture Posture) *Table {
	return &Table{posture: posture}
}

// hashPath is the Go analogue of HashPath in Rule.cpp. The reference uses
// RtlHashUnicodeString with HASH_STRING_ALGORITHM_X65599 (case-folded); any
// stable, case-insensitive string hash satisfies the same contract, so this
// uses FNV-1a over the case-folded path.
func hashPath(path string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for _, r := range strings.ToLower(path) {
		h ^= uint32(r)
		h *= prime32
	}
	return h
}

func bucketFor(path string) int {
	return int(hashPath(path) % numBuckets)
}

// Insert adds a rule for path with the given action. Duplicate inserts for
// the same path are accepted and appended; Lookup resolves to the
// first-inserted match, mirroring the reference implementation's documented
// (and not recommended) behavior of never de-duplicating on insert.
func (t *Table) Insert(path string, action Action) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := bucketFor(path)
	t.buckets[b] = append(t.buckets[b], &Rule{Path: path, Action: action})
	if action == ActionAllow {
		t.allowCount++
	}
}

// Remove deletes the first rule matching path exactly (case-insensitive).
// It reports whether a rule was found and removed.
func (t *Table) Remove(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := bucketFor(path)
	bucket := t.buckets[b]
	for i, r := range bucket {
		if matchPath(r, path) {
			if r.Action == ActionAllow {
				t.allowCount--
			}
			t.buckets[b] = append(bucket[:i], bucket[i+1:]...)
			return true
		}
	}
	return false
}

// Lookup returns the action to apply to path. matched reports whether an
// explicit rule was found. postureApplied reports whether, in the absence
// of a rule, whitelist mode (allow_count > 0) was active and the table's
// default posture was consulted to produce action; when allow_count == 0
// the table has nothing to say about path at all and the caller must not
// treat action as a decision (action is ActionAudit but postureApplied is
// false, meaning "no verdict, stay silent").
func (t *Table) Lookup(path string) (action Action, matched bool, postureApplied bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := bucketFor(path)
	for _, r := range t.buckets[b] {
		if matchPath(r, path) {
			return r.Action, true, false
		}
	}
	if t.allowCount == 0 {
		return ActionAudit, false, false
	}
	switch t.posture {
	case PostureAllow:
		return ActionAllow, false, true
	case PostureBlock:
		return ActionBlock, false, true
	default:
		return ActionAudit, false, true
	}
}

// AllowCount returns the number of Allow-action rules currently installed —
// the "whitelist mode" indicator from the reference design.
func (t *Table) AllowCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allowCount
}

// Destroy removes every rule from the table, leaving it empty but usable.
func (t *Table) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.buckets {
		t.buckets[i] = nil
	}
	t.allowCount = 0
}

// matchPath is the Go analogue of MatchPath in Rule.cpp: a case-insensitive
// exact comparison, matching RtlEqualUnicodeString's CaseInSensitive=TRUE.
func matchPath(r *Rule, path string) bool {
	return strings.EqualFold(r.Path, path)
}
