// Package invalidate implements the two invalidation operations the engine
// exposes to its host: diff invalidation (mark DIRTY, retain value)
// and deletion (mark DELETED, clear value), both propagated through the
// transitive closure of reverse dependencies. It also implements inject,
// which installs caller-supplied values and enforces INJECT_CONFLICT.
//
// Grounded on dag.Executor.skipDependents: a BFS/DFS walk of the Dependents
// (here, rdeps) edge set, with a per-node guard against double-processing
// (sync.Once there; an explicit per-call visited-set here, since every
// call must walk its closure afresh — a Once would suppress a node's
// notification on every call after the first).
package invalidate

import (
	"errors"

	"github.com/vk/skygraph/internal/graphstate"
	"github.com/vk/skygraph/internal/nodekey"
	"github.com/vk/skygraph/internal/store"
)

// ErrInjectConflict is returned by Inject when the target entry was
// produced by a builder (has non-empty recorded deps): injection must not
// blend with derivation.
var ErrInjectConflict = errors.New("invalidate: INJECT_CONFLICT: cannot inject over a node with derived dependencies")

// Clock supplies the version to stamp on injected entries. The engine's
// evaluator owns the monotonic version counter; the invalidator borrows it
// rather than keeping its own, so an injected value's version compares
// correctly against builder-produced versions in later CHECK_DEPENDENCIES
// passes (Open Question, resolved in DESIGN.md: inject shares the
// evaluator's version clock rather than defining its own).
type Clock func() nodekey.Version

// Invalidator performs diff invalidation, deletion, and injection against a
// graph store, notifying an Observer of every transition.
type Invalidator struct {
	store    *store.Store
	observer Observer
	clock    Clock
}

// New builds an Invalidator over s, reporting transitions to obs (NopObserver
// if nil) and stamping injected entries using clock.
func New(s *store.Store, obs Observer, clock Clock) *Invalidator {
	if obs == nil {
		obs = NopObserver{}
	}
	return &Invalidator{store: s, observer: obs, clock: clock}
}

// Invalidate marks every key in keys, plus the transitive closure of their
// rdeps, DIRTY. Values are retained so CHECK_DEPENDENCIES can revalidate
// without a rebuild. keys themselves are marked force-rebuild: the caller is
// asserting that whatever they read outside the graph may have changed, so
// CHECK_DEPENDENCIES must not revalidate them straight back to DONE even if
// they declare no deps to check. Nodes only reached via the rdep closure are
// marked plain dirty — they fall back to a normal dep-group check, which
// will itself observe a force-rebuilt ancestor's bumped LastChangedVersion
// and cascade the rebuild upward as needed.
func (inv *Invalidator) Invalidate(keys []nodekey.Key) {
	seeds := make(map[nodekey.Key]struct{}, len(keys))
	for _, k := range keys {
		seeds[k] = struct{}{}
	}
	inv.propagate(keys, func(e *graphstate.Entry) bool {
		if e.State() == graphstate.Deleted {
			return false
		}
		_, force := seeds[e.Key]
		e.MarkDirty(force)
		inv.observer.Invalidated(e.Key, MarkedDirty)
		return true
	})
}

// InvalidateErrors marks every currently erroneous node DIRTY.
// It snapshots the store once; nodes that become erroneous concurrently
// with this call are not guaranteed to be included (caller should call
// update to quiescence before relying on completeness).
func (inv *Invalidator) InvalidateErrors() {
	var erroneous []nodekey.Key
	for k, e := range inv.store.Snapshot() {
		if e.IsErroneous() {
			erroneous = append(erroneous, k)
		}
	}
	inv.Invalidate(erroneous)
}

// Delete marks every entry satisfying predicate, plus the transitive
// closure of its rdeps, DELETED, clearing value/error/deps/rdeps. Any node
// already DIRTY at the moment of deletion is swept in too, even if it
// doesn't itself match predicate and isn't reachable from a matching node
// via rdeps — deletion is the hammer that guarantees freshness.
func (inv *Invalidator) Delete(predicate func(nodekey.Key) bool) {
	var seeds []nodekey.Key
	snapshot := inv.store.Snapshot()
	for k, e := range snapshot {
		if predicate(k) || e.State() == graphstate.Dirty {
			seeds = append(seeds, k)
		}
	}

	inv.propagate(seeds, func(e *graphstate.Entry) bool {
		if e.State() == graphstate.Deleted {
			return false
		}
		e.MarkDeleted()
		inv.observer.Invalidated(e.Key, MarkedDeleted)
		return true
	})

	for k, e := range snapshot {
		if e.State() == graphstate.Deleted {
			inv.store.Remove(k)
		}
	}
}

// propagate walks seeds and the transitive closure of their rdeps, applying
// apply to each reached entry exactly once. apply returns false to stop the
// walk from continuing past that node (e.g. it was already in the target
// state) — matching dag's guard against re-processing an already-skipped
// dependent, generalized from sync.Once to a call-scoped visited set since
// distinct calls must each re-walk fully. rdeps are snapshotted before apply
// runs: apply (MarkDirty/MarkDeleted) may itself clear an entry's rdeps, and
// the walk must see the edge set as it stood before that mutation, not after.
func (inv *Invalidator) propagate(seeds []nodekey.Key, apply func(*graphstate.Entry) bool) {
	visited := make(map[nodekey.Key]struct{})
	queue := make([]nodekey.Key, 0, len(seeds))
	queue = append(queue, seeds...)

	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		if _, ok := visited[k]; ok {
			continue
		}
		visited[k] = struct{}{}

		e, ok := inv.store.Get(k)
		if !ok {
			continue
		}
		rdeps := e.Rdeps()
		if !apply(e) {
			continue
		}
		queue = append(queue, rdeps...)
	}
}

// Inject installs the caller-supplied values in values, bypassing builders.
// Any target whose existing entry has non-empty recorded deps (was produced
// by a builder, not a prior injection) fails the whole call with
// ErrInjectConflict before any value is installed — injection is
// all-or-nothing so a partial conflict never leaves half the batch applied.
// Every overwritten entry's rdeps are invalidated.
func (inv *Invalidator) Inject(values map[nodekey.Key]any) error {
	entries := make(map[nodekey.Key]*graphstate.Entry, len(values))
	for k := range values {
		e := inv.store.GetOrCreate(k)
		if e.HasDerivedDeps() {
			return ErrInjectConflict
		}
		entries[k] = e
	}

	current := inv.clock()
	for k, v := range values {
		e := entries[k]
		rdeps := e.Rdeps()
		e.Inject(v, current)
		if len(rdeps) > 0 {
			inv.propagate(rdeps, func(ent *graphstate.Entry) bool {
				if ent.State() == graphstate.Deleted {
					return false
				}
				ent.MarkDirty(false)
				inv.observer.Invalidated(ent.Key, MarkedDirty)
				return true
			})
		}
	}
	return nil
}
