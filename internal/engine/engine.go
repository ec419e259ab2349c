// Package engine assembles the graph store, invalidator, and evaluator into
// the single Engine API a host program drives: invalidate,
// invalidate_errors, delete, inject, update, get_nodes, get_done_nodes,
// dump.
package engine

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/vk/skygraph/internal/eval"
	"github.com/vk/skygraph/internal/graphstate"
	"github.com/vk/skygraph/internal/invalidate"
	"github.com/vk/skygraph/internal/nodekey"
	"github.com/vk/skygraph/internal/store"
)

// Observer is the full progress-observer surface: invalidated, enqueueing,
// evaluated. An Engine is built with exactly one, shared by
// its Invalidator and its Evaluator, so a host implements one type
// instead of juggling two unrelated interfaces.
type Observer interface {
	eval.Observer
	invalidate.Observer
}

// nopObserver satisfies Observer by discarding everything; used when a
// caller doesn't supply one.
type nopObserver struct{}

// Enqueueing implements eval.Observer.
func (nopObserver) Enqueueing(nodekey.Key) {}

// Evaluated implements eval.Observer.
func (nopObserver) Evaluated(nodekey.Key, eval.Outcome, error) {}

// CacheHit implements eval.Observer.
func (nopObserver) CacheHit(nodekey.Key) {}

// Invalidated implements invalidate.Observer.
func (nopObserver) Invalidated(nodekey.Key, invalidate.Transition) {}

// Engine is the composed, host-facing API over one graph.
type Engine struct {
	store       *store.Store
	registry    *eval.Registry
	invalidator *invalidate.Invalidator
	evaluator   *eval.Evaluator
}

// New builds an Engine backed by registry reg. obs may be nil, in which
// case progress notifications are discarded.
func New(reg *eval.Registry, obs Observer) *Engine {
	if obs == nil {
		obs = nopObserver{}
	}
	s := store.New()
	ev := eval.NewEvaluator(s, reg, obs)
	inv := invalidate.New(s, obs, func() nodekey.Version { return ev.PeekNextVersion() })
	return &Engine{store: s, registry: reg, invalidator: inv, evaluator: ev}
}

// Invalidate marks every key in keys DIRTY, propagating to every
// transitive rdep. Values are retained for possible revalidation.
func (e *Engine) Invalidate(keys []nodekey.Key) {
	e.invalidator.Invalidate(keys)
}

// InvalidateErrors marks every currently erroneous node DIRTY, so the next
// Update attempts them again.
func (e *Engine) InvalidateErrors() {
	e.invalidator.InvalidateErrors()
}

// Delete deep-deletes every node matching predicate, and every node
// already DIRTY regardless of predicate, together with everything that
// transitively depends on them. The deleted entries are removed from the
// store before Delete returns; the deletion is not deferred to the next
// Update.
func (e *Engine) Delete(predicate func(nodekey.Key) bool) {
	e.invalidator.Delete(predicate)
}

// Inject installs caller-supplied values, bypassing builders entirely.
// Returns invalidate.ErrInjectConflict, installing no value, if any key
// names a node with non-empty recorded dependencies (a derived node).
func (e *Engine) Inject(values map[nodekey.Key]any) error {
	return e.invalidator.Inject(values)
}

// UpdateResult is the outcome of one Update pass.
type UpdateResult struct {
	Roots       map[nodekey.Key]RootOutcome
	HasError    bool
	Interrupted bool
}

// RootOutcome is one root's final disposition: either Value or Err. For a
// cycle participant, Err is the *eval.CycleError and Cycles holds its cycles.
type RootOutcome = eval.RootOutcome

// Update runs every key in roots (and everything they transitively need)
// to quiescence, blocking until the pass settles or ctx is cancelled.
// keepGoing selects the error-propagation policy; parallelism bounds
// concurrent builder invocations.
func (e *Engine) Update(ctx context.Context, roots []nodekey.Key, keepGoing bool, parallelism int) (*UpdateResult, error) {
	res, err := e.evaluator.Run(ctx, roots, keepGoing, parallelism)
	if res == nil {
		return nil, err
	}
	return &UpdateResult{Roots: res.Roots, HasError: res.HasError, Interrupted: res.Interrupted}, err
}

// GetNodes returns every key currently present in the store, in no
// particular order, as a snapshot for introspection.
func (e *Engine) GetNodes() []nodekey.Key {
	snap := e.store.Snapshot()
	out := make([]nodekey.Key, 0, len(snap))
	for k := range snap {
		out = append(out, k)
	}
	return out
}

// GetDoneNodes returns every key currently in the DONE state.
func (e *Engine) GetDoneNodes() []nodekey.Key {
	snap := e.store.Snapshot()
	out := make([]nodekey.Key, 0, len(snap))
	for k, entry := range snap {
		if entry.IsDone() {
			out = append(out, k)
		}
	}
	return out
}

// Dump writes a human-readable rendering of every node's key, state, and
// dependency edges to w, for debugging. Not thread-safe against concurrent
// Update calls.
func (e *Engine) Dump(w io.Writer) error {
	snap := e.store.Snapshot()
	keys := make([]nodekey.Key, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	for _, k := range keys {
		entry := snap[k]
		line := fmt.Sprintf("%s [%s]", k, entry.State())
		if v, ok := entry.Value(); ok {
			line += fmt.Sprintf(" value=%v", v)
		}
		if err := entry.Err(); err != nil {
			line += fmt.Sprintf(" err=%v", err)
		}
		if deps := flattenDeps(entry); len(deps) > 0 {
			line += fmt.Sprintf(" deps=%v", deps)
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func flattenDeps(entry *graphstate.Entry) []nodekey.Key {
	return entry.Deps().Flatten()
}
