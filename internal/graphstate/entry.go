// Package graphstate defines NodeEntry, the per-key record the evaluation
// engine stores for every node: its value, error, declared dependencies,
// reverse dependencies, version bookkeeping, and state-machine state.
//
// Grounded on node.Node's split between atomically-managed scheduling state
// (depCount, descendantCount, state, all atomic.Int32/atomic.Once) and
// plain fields mutated under a lock — generalized here because, unlike a
// static DAG node, an Entry's dependency set can change across rebuilds (a
// dirty node may request a different dep-group shape than its last build,
// subject to the Open Question recorded in DESIGN.md).
package graphstate

import (
	"sync"

	"github.com/google/go-cmp/cmp"
	"github.com/vk/skygraph/internal/nodekey"
)

// EqualFunc compares two builder-produced values for the value-equality
// change-suppression mechanism. The default, DefaultEqual, uses
// cmp.Equal; SetEqualFunc replaces it on a single entry for values that
// don't play well with a generic deep comparison (e.g. containing funcs or
// channels). The builder Registry has no per-type hook for it.
type EqualFunc func(a, b any) bool

// DefaultEqual is the default EqualFunc, backed by github.com/google/go-cmp.
func DefaultEqual(a, b any) bool {
	return cmp.Equal(a, b)
}

// Entry is the per-key record the graph store hands out. All mutable fields,
// including state and pending, are guarded by mu; each accessor holds it
// only for the duration of the read or write.
type Entry struct {
	Key nodekey.Key

	mu sync.Mutex

	value    any
	hasValue bool
	err      error

	deps  DepGroups
	rdeps map[nodekey.Key]struct{}

	lastChangedVersion   nodekey.Version
	lastEvaluatedVersion nodekey.Version

	state State

	// forceRebuild is set when this entry was itself named in an
	// invalidate(keys) call, as opposed to merely reached through a
	// dependent's rdep edge. A dirty node with no recorded deps has nothing
	// for CHECK_DEPENDENCIES to inspect, so without this bit it would fall
	// straight through to revalidation and never call its builder again —
	// wrong for a directly-invalidated node, since the caller is asserting
	// that whatever it reads outside the graph may have changed.
	forceRebuild bool

	// pending is the number of still-incomplete dependencies this node is
	// waiting on during the current REBUILDING/CHECK_DEPENDENCIES attempt.
	// It is decremented by signal accounting as deps complete; reaching
	// zero re-enqueues the node. Grounded directly on node.Node.depCount.
	pending int32

	equal EqualFunc
}

// NewEntry creates a fresh NEW entry for the given key.
func NewEntry(key nodekey.Key) *Entry {
	return &Entry{
		Key:   key,
		rdeps: make(map[nodekey.Key]struct{}),
		state: New,
		equal: DefaultEqual,
	}
}

// SetEqualFunc overrides the value-equality comparator used for change
// suppression. Must be called before the entry's first build.
func (e *Entry) SetEqualFunc(f EqualFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f != nil {
		e.equal = f
	}
}

// State returns the entry's current state.
func (e *Entry) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SetState transitions the entry to a new state. Callers must hold the
// intent to make this the entry's only active transition; the engine
// guarantees this by funneling all transitions through the evaluator's
// per-node processing, never running two workers against the same entry
// concurrently (invariant: "no node is simultaneously REBUILDING on two
// workers").
func (e *Entry) SetState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
}

// Value returns the last successfully computed value and whether one is
// present.
func (e *Entry) Value() (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value, e.hasValue
}

// Err returns the last error outcome, if any.
func (e *Entry) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// LastChangedVersion returns the version at which Value last differed from
// its predecessor.
func (e *Entry) LastChangedVersion() nodekey.Version {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastChangedVersion
}

// LastEvaluatedVersion returns the version at which the node last completed
// a build or revalidation.
func (e *Entry) LastEvaluatedVersion() nodekey.Version {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastEvaluatedVersion
}

// Deps returns a copy of the node's recorded dep-groups from its last build.
func (e *Entry) Deps() DepGroups {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(DepGroups, len(e.deps))
	copy(out, e.deps)
	return out
}

// Rdeps returns a snapshot of the node's reverse dependencies.
func (e *Entry) Rdeps() []nodekey.Key {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]nodekey.Key, 0, len(e.rdeps))
	for k := range e.rdeps {
		out = append(out, k)
	}
	return out
}

// AddRdep records that dependent now depends on this entry.
func (e *Entry) AddRdep(dependent nodekey.Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rdeps == nil {
		e.rdeps = make(map[nodekey.Key]struct{})
	}
	e.rdeps[dependent] = struct{}{}
}

// LinkRequester records dependent as depending on dep and, in the same
// critical section, accounts for whether dependent must wait on it: if dep
// is not yet DONE, dependent's pending-signal counter is incremented before
// either lock is released. Edge registration and pending accounting happen
// as one atomic step spanning both entries, so a dep that completes
// concurrently with this call can never run its own signal accounting
// either before dependent's edge is recorded or before dependent's pending
// count reflects it — there is no gap between the two for it to land in.
// Both entries are locked together, in a fixed order derived from their
// keys' string form (the "key hash" the concurrency model calls for),
// never in the order the caller happens to supply dep/dependent, so two
// entries racing to link against each other never deadlock.
// Returns whether dep was already DONE — the "late-added rdeps are
// signalled immediately" case, where dependent must treat dep as already
// satisfied rather than waiting for a signal that will never come.
func LinkRequester(dep, dependent *Entry) bool {
	if dep == dependent {
		dep.mu.Lock()
		defer dep.mu.Unlock()
		return linkLocked(dep, dependent)
	}

	first, second := dep, dependent
	if dependent.Key.String() < dep.Key.String() {
		first, second = dependent, dep
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()
	return linkLocked(dep, dependent)
}

// linkLocked performs the actual edge-add and pending-increment; callers
// must already hold both dep.mu and dependent.mu (or the single lock, if
// they're the same entry).
func linkLocked(dep, dependent *Entry) bool {
	if dep.rdeps == nil {
		dep.rdeps = make(map[nodekey.Key]struct{})
	}
	dep.rdeps[dependent.Key] = struct{}{}

	done := dep.state == Done
	if !done {
		dependent.pending++
	}
	return done
}

// RemoveRdep drops dependent from this entry's reverse-dependency set. Used
// when a rebuild narrows the dep-group shape and a previously-declared dep
// is no longer requested.
func (e *Entry) RemoveRdep(dependent nodekey.Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rdeps, dependent)
}

// HasRdep reports whether dependent currently depends on this entry.
func (e *Entry) HasRdep(dependent nodekey.Key) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.rdeps[dependent]
	return ok
}

// SetPending sets the number of outstanding dependency signals this node is
// waiting on, returning the new count.
func (e *Entry) SetPending(n int32) int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = n
	return e.pending
}

// SignalDep decrements the pending-signal counter by one and returns the new
// value. A return of zero means every outstanding dependency has reported
// completion and the node is ready to be re-enqueued.
func (e *Entry) SignalDep() int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending--
	return e.pending
}

// Pending returns the current outstanding-signal count.
func (e *Entry) Pending() int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

// CompleteBuild records the outcome of a build attempt (successful or
// erroneous), applying value-equality change suppression: if the new
// value equals the previous value under the entry's EqualFunc, the previous
// LastChangedVersion is retained; otherwise it's set to the current
// version. LastEvaluatedVersion is always advanced to current. hasValue
// indicates whether value holds a (possibly partial) result, which may be
// true even when buildErr is non-nil, for nodes that produced a partial
// value before failing. Returns whether the value actually changed.
func (e *Entry) CompleteBuild(value any, hasValue bool, buildErr error, current nodekey.Version, deps DepGroups) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	changed := true
	if buildErr == nil && e.err == nil && e.hasValue && hasValue && e.lastChangedVersion != nil {
		if e.equal(e.value, value) {
			changed = false
		}
	}

	e.value = value
	e.hasValue = hasValue
	e.err = buildErr
	e.deps = deps
	e.lastEvaluatedVersion = current
	if changed || e.lastChangedVersion == nil {
		e.lastChangedVersion = current
	}
	e.state = Done
	e.forceRebuild = false
	return changed
}

// MarkRevalidated transitions a DIRTY node straight to DONE without a
// rebuild: every dep's LastChangedVersion was <= this node's
// LastEvaluatedVersion at re-check time, so the cached value is still
// correct. LastEvaluatedVersion advances; LastChangedVersion is untouched.
func (e *Entry) MarkRevalidated(current nodekey.Version) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastEvaluatedVersion = current
	e.state = Done
}

// MarkDirty transitions the entry to DIRTY, retaining its value for
// possible revalidation. force marks the entry as directly invalidated
// (named in the invalidate(keys) call itself, not merely reached via an
// rdep edge): CHECK_DEPENDENCIES consumes this bit to force a rebuild
// instead of revalidating a dep-less node straight back to DONE.
func (e *Entry) MarkDirty(force bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Deleted {
		return
	}
	e.state = Dirty
	if force {
		e.forceRebuild = true
	}
}

// ConsumeForceRebuild reports whether this entry was directly invalidated
// since its last build, clearing the bit. CHECK_DEPENDENCIES calls this
// once per attempt so the force only applies to the attempt it was set for.
func (e *Entry) ConsumeForceRebuild() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := e.forceRebuild
	e.forceRebuild = false
	return v
}

// MarkDeleted clears the entry's value, error, deps, and rdeps and
// transitions it to DELETED.
func (e *Entry) MarkDeleted() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value = nil
	e.hasValue = false
	e.err = nil
	e.deps = nil
	e.rdeps = make(map[nodekey.Key]struct{})
	e.lastChangedVersion = nil
	e.lastEvaluatedVersion = nil
	e.state = Deleted
	e.forceRebuild = false
}

// Inject installs a caller-supplied value, bypassing builders. Injected
// entries always have empty deps.
func (e *Entry) Inject(value any, current nodekey.Version) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value = value
	e.hasValue = true
	e.err = nil
	e.deps = nil
	e.lastChangedVersion = current
	e.lastEvaluatedVersion = current
	e.state = Done
	e.forceRebuild = false
}

// HasDerivedDeps reports whether the entry has a non-empty recorded dep
// list, i.e. it was produced by a builder rather than injected. Used to
// enforce INJECT_CONFLICT: overwriting a node with non-empty deps is
// disallowed.
func (e *Entry) HasDerivedDeps() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deps.Count() > 0
}

// IsDone reports whether the entry is in the Done state.
func (e *Entry) IsDone() bool {
	return e.State() == Done
}

// IsErroneous reports whether the entry is Done with an error attached.
func (e *Entry) IsErroneous() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == Done && e.err != nil
}
