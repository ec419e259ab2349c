// Package eval implements the evaluator: the worker pool that drives every
// requested node through the NEW/DIRTY state machine, including dep-group
// revalidation and lazy cycle detection.
//
// Grounded on dag.Executor.Run/worker: a pool of goroutines draining a
// shared source of ready work, propagating failure to dependents, stopping
// on context cancellation. Generalized from a static,
// pre-sized WaitGroup (graph shape known up front, no cycles possible by
// construction) to a graph discovered dynamically as builders request
// dependencies: each discovered key gets its own long-lived goroutine
// (grounded on golang.org/x/sync/errgroup's per-task goroutine model, as
// used for fan-out in other_examples' graph executor) that parks on a
// private channel instead of blocking a fixed worker slot when it must
// wait on dependencies — so a deep chain never exceeds the pool the way a
// blocking-recursive implementation would. Builder execution itself is
// still bounded to `parallelism` concurrent calls via
// golang.org/x/sync/semaphore, bounding concurrent builder invocations to
// a fixed pool size even though the goroutine count driving the graph is
// unbounded.
package eval

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/vk/skygraph/internal/cycle"
	"github.com/vk/skygraph/internal/graphstate"
	"github.com/vk/skygraph/internal/nodekey"
	"github.com/vk/skygraph/internal/store"
)

// Evaluator runs update passes against a graph store. One Evaluator may run
// many sequential passes: Run calls are serialized, so a second call blocks
// until the one in progress returns, and each update call establishes a
// total order over the graph's version numbers.
type Evaluator struct {
	store    *store.Store
	registry *Registry
	observer Observer

	runMu sync.Mutex // serializes Run calls

	mu            sync.Mutex
	version       nodekey.IntVersion
	keepGoing     bool
	started       map[nodekey.Key]struct{}
	live          map[nodekey.Key]struct{}
	parked        map[nodekey.Key]struct{}
	resolving     bool
	wake          map[nodekey.Key]chan struct{}
	tentativeDeps map[nodekey.Key][]nodekey.Key
	checkIdx      map[nodekey.Key]int

	runEg      *errgroup.Group
	runCtx     context.Context
	runSem     *semaphore.Weighted
	runVersion nodekey.IntVersion
}

// NewEvaluator builds an Evaluator over store s, dispatching to builders in
// reg and reporting progress to obs (NopObserver if nil).
func NewEvaluator(s *store.Store, reg *Registry, obs Observer) *Evaluator {
	if obs == nil {
		obs = NopObserver{}
	}
	return &Evaluator{store: s, registry: reg, observer: obs}
}

// CurrentVersion returns the version most recently completed by Run.
func (e *Evaluator) CurrentVersion() nodekey.IntVersion {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

// PeekNextVersion returns the version the next Run call will advance to,
// without mutating anything. The invalidator's Clock uses this, not
// CurrentVersion, so a value injected between two Update calls is stamped
// with a version that compares DESCENDANT against everything evaluated in
// every prior pass — including a dependent whose last_evaluated_version
// equals the last pass's version, which would otherwise tie against an
// injected last_changed_version stamped with that same completed version.
func (e *Evaluator) PeekNextVersion() nodekey.Version {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version.Next()
}

// Run drives every key in roots (and everything they transitively depend
// on) to quiescence: each root ends DONE with a value, DONE with an error,
// or part of a reported cycle. It blocks until the whole pass settles or
// ctx is cancelled.
func (e *Evaluator) Run(ctx context.Context, roots []nodekey.Key, keepGoing bool, parallelism int) (*RunResult, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if parallelism <= 0 {
		parallelism = 1
	}

	e.mu.Lock()
	e.version = e.version.Next()
	current := e.version
	e.keepGoing = keepGoing
	e.started = make(map[nodekey.Key]struct{})
	e.live = make(map[nodekey.Key]struct{})
	e.parked = make(map[nodekey.Key]struct{})
	e.resolving = false
	e.wake = make(map[nodekey.Key]chan struct{})
	e.tentativeDeps = make(map[nodekey.Key][]nodekey.Key)
	e.checkIdx = make(map[nodekey.Key]int)
	e.mu.Unlock()

	eg, egctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(parallelism))

	e.mu.Lock()
	e.runEg, e.runCtx, e.runSem, e.runVersion = eg, egctx, sem, current
	e.mu.Unlock()

	for _, r := range roots {
		e.peek(r)
	}

	runErr := eg.Wait()

	result := e.collectResult(roots)
	if ctx.Err() != nil {
		result.Interrupted = true
		return result, ErrInterrupted
	}
	return result, runErr
}

// peek ensures key is discovered, spawning its driving goroutine on first
// sight, and returns its entry. It does not itself report whether the
// entry is DONE: that determination is made jointly with edge
// registration by linkAndCheck, which is the only thing that may rely on
// a dependency's done-ness (see its doc comment for why a separately taken
// snapshot here would be racy).
func (e *Evaluator) peek(key nodekey.Key) *graphstate.Entry {
	entry := e.store.GetOrCreate(key)

	e.mu.Lock()
	_, already := e.started[key]
	var eg *errgroup.Group
	var ctx context.Context
	var sem *semaphore.Weighted
	var version nodekey.IntVersion
	if !already {
		e.started[key] = struct{}{}
		e.live[key] = struct{}{}
		eg, ctx, sem, version = e.runEg, e.runCtx, e.runSem, e.runVersion
	}
	e.mu.Unlock()

	if !already {
		e.observer.Enqueueing(key)
		eg.Go(func() error { return e.drive(ctx, sem, version, key) })
	}

	return entry
}

// linkAndCheck registers depEntry as a dependency of requesterEntry,
// atomically accounting for whether requesterEntry must wait on it — see
// graphstate.LinkRequester. Every dependency lookup funnels through here
// rather than through a separate peek+AddRdep pair, closing the window a
// split call would leave between "the edge exists" and "the pending count
// reflects it", the gap a racing dep completion could otherwise land in
// and be silently dropped.
func (e *Evaluator) linkAndCheck(requesterEntry, depEntry *graphstate.Entry) bool {
	done := graphstate.LinkRequester(depEntry, requesterEntry)
	if done {
		e.observer.CacheHit(depEntry.Key)
	}
	return done
}

// drive owns one key's entire lifetime for this pass: attempt, park,
// resume, repeat, until the key reaches DONE or the pass is cancelled.
func (e *Evaluator) drive(ctx context.Context, sem *semaphore.Weighted, version nodekey.IntVersion, key nodekey.Key) error {
	defer e.finishLive(key)
	entry := e.store.GetOrCreate(key)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var parked bool
		var err error
		switch entry.State() {
		case graphstate.Done, graphstate.Deleted:
			return nil
		case graphstate.Dirty, graphstate.CheckDependencies:
			parked, err = e.resumeCheck(ctx, sem, version, entry)
		default: // New, Rebuilding
			parked, err = e.attemptBuild(ctx, sem, version, entry)
		}
		if err != nil {
			return err
		}
		if !parked {
			return nil
		}
		if err := e.park(ctx, key); err != nil {
			return err
		}
	}
}

// attemptBuild runs one REBUILDING attempt: invoke the builder with a
// fresh Environment. Builders are re-run from the top on every attempt:
// no state survives across attempts except what the engine
// itself tracks (pending count, tentative deps for cycle detection).
func (e *Evaluator) attemptBuild(ctx context.Context, sem *semaphore.Weighted, version nodekey.IntVersion, entry *graphstate.Entry) (bool, error) {
	entry.SetState(graphstate.Rebuilding)
	// Reset before the builder makes a single request: every dep this
	// attempt discovers as missing increments this counter itself, via
	// linkAndCheck, at the moment it's discovered — not after the builder
	// returns. Setting pending from env.missingCount() after the fact would
	// reopen exactly the race this is meant to close.
	entry.SetPending(0)

	builder, ok := e.registry.Lookup(entry.Key.Type)
	if !ok {
		env := newEnvironment(ctx, e, entry.Key)
		err := fmt.Errorf("eval: no builder registered for type %q", entry.Key.Type)
		e.finishWithError(entry, env, err, version)
		return false, nil
	}

	env := newEnvironment(ctx, e, entry.Key)
	if err := sem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	value, buildErr := builder.Build(ctx, entry.Key, env)
	sem.Release(1)

	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	if buildErr != nil {
		be := &BuilderError{Key: entry.Key, Err: buildErr, Transitive: env.erroredDeps()}
		e.finishWithError(entry, env, be, version)
		if !e.keepGoing {
			return false, be
		}
		return false, nil
	}

	if env.ValuesMissing() {
		e.mu.Lock()
		e.tentativeDeps[entry.Key] = env.depGroups().Flatten()
		e.mu.Unlock()
		return true, nil
	}

	e.finishWithValue(entry, env, value, version)
	return false, nil
}

// resumeCheck implements CHECK_DEPENDENCIES: dep-groups are
// inspected in declaration order; a group is only advanced past once every
// member is DONE, and any dep whose last_changed_version exceeds this
// node's last_evaluated_version aborts revalidation in favor of a full
// rebuild.
func (e *Evaluator) resumeCheck(ctx context.Context, sem *semaphore.Weighted, version nodekey.IntVersion, entry *graphstate.Entry) (bool, error) {
	entry.SetState(graphstate.CheckDependencies)

	if entry.ConsumeForceRebuild() {
		e.mu.Lock()
		delete(e.checkIdx, entry.Key)
		e.mu.Unlock()
		return e.attemptBuild(ctx, sem, version, entry)
	}

	groups := entry.Deps()

	e.mu.Lock()
	idx := e.checkIdx[entry.Key]
	e.mu.Unlock()

	for idx < len(groups) {
		group := groups[idx]
		// Reset before (re-)scanning this group: each member's link+done
		// check increments pending itself, atomically with recording the
		// edge, so by the time the loop below finishes pending already
		// holds the correct live count for this scan — no separate
		// SetPending(len(...)) afterward to race against a completing dep.
		entry.SetPending(0)
		anyPending := false
		erroredInGroup := false

		for _, dep := range group {
			depEntry := e.peek(dep)
			done := e.linkAndCheck(entry, depEntry)
			if !done {
				anyPending = true
				continue
			}
			if depEntry.IsErroneous() {
				erroredInGroup = true
			}
		}

		if anyPending {
			e.mu.Lock()
			e.checkIdx[entry.Key] = idx
			e.mu.Unlock()
			return true, nil
		}

		if erroredInGroup {
			e.mu.Lock()
			delete(e.checkIdx, entry.Key)
			e.mu.Unlock()
			return e.attemptBuild(ctx, sem, version, entry)
		}

		changed := false
		for _, dep := range group {
			depEntry, ok := e.store.Get(dep)
			if !ok {
				continue
			}
			lcv := depEntry.LastChangedVersion()
			lev := entry.LastEvaluatedVersion()
			if lcv == nil {
				continue
			}
			if lev == nil || lcv.Relate(lev) == nodekey.DESCENDANT {
				changed = true
				break
			}
		}
		if changed {
			e.mu.Lock()
			delete(e.checkIdx, entry.Key)
			e.mu.Unlock()
			return e.attemptBuild(ctx, sem, version, entry)
		}

		idx++
	}

	e.mu.Lock()
	delete(e.checkIdx, entry.Key)
	e.mu.Unlock()
	entry.MarkRevalidated(version)
	e.observer.Evaluated(entry.Key, Revalidated, nil)
	e.onCompleted(entry.Key)
	return false, nil
}

func (e *Evaluator) finishWithValue(entry *graphstate.Entry, env *Environment, value any, version nodekey.IntVersion) {
	old := entry.Deps()
	newDeps := env.depGroups()
	entry.CompleteBuild(value, true, nil, version, newDeps)
	e.reconcileRdeps(entry.Key, old, newDeps)
	e.clearSession(entry.Key)
	e.observer.Evaluated(entry.Key, Built, nil)
	e.onCompleted(entry.Key)
}

func (e *Evaluator) finishWithError(entry *graphstate.Entry, env *Environment, buildErr error, version nodekey.IntVersion) {
	old := entry.Deps()
	newDeps := env.depGroups()
	entry.CompleteBuild(nil, false, buildErr, version, newDeps)
	e.reconcileRdeps(entry.Key, old, newDeps)
	e.clearSession(entry.Key)
	e.observer.Evaluated(entry.Key, Failed, buildErr)
	e.onCompleted(entry.Key)
}

func (e *Evaluator) clearSession(key nodekey.Key) {
	e.mu.Lock()
	delete(e.tentativeDeps, key)
	delete(e.checkIdx, key)
	e.mu.Unlock()
}

// reconcileRdeps drops the rdep edge from any dependency the node no
// longer declares, when a restart or a rebuild narrows the dep-group shape
// it last requested — edge symmetry must hold against the CURRENT dep
// set, not a stale one.
func (e *Evaluator) reconcileRdeps(key nodekey.Key, old, new graphstate.DepGroups) {
	newSet := make(map[nodekey.Key]struct{})
	for _, k := range new.Flatten() {
		newSet[k] = struct{}{}
	}
	for _, k := range old.Flatten() {
		if _, ok := newSet[k]; ok {
			continue
		}
		if depEntry, ok := e.store.Get(k); ok {
			depEntry.RemoveRdep(key)
		}
	}
}

// onCompleted runs signal accounting for a node that just reached
// DONE: every rdep currently parked with an outstanding pending count has
// that count decremented, and is woken exactly when it reaches zero.
func (e *Evaluator) onCompleted(key nodekey.Key) {
	entry, ok := e.store.Get(key)
	if !ok {
		return
	}
	for _, rdep := range entry.Rdeps() {
		rdepEntry, ok := e.store.Get(rdep)
		if !ok {
			continue
		}
		st := rdepEntry.State()
		if (st != graphstate.Rebuilding && st != graphstate.CheckDependencies) || rdepEntry.Pending() <= 0 {
			continue
		}
		if rdepEntry.SignalDep() <= 0 {
			e.signal(rdep)
		}
	}
}

func (e *Evaluator) wakeChan(key nodekey.Key) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.wake[key]
	if !ok {
		ch = make(chan struct{}, 1)
		e.wake[key] = ch
	}
	return ch
}

func (e *Evaluator) signal(key nodekey.Key) {
	ch := e.wakeChan(key)
	select {
	case ch <- struct{}{}:
	default:
	}
}

// park blocks the calling key's driving goroutine until it is signalled or
// ctx is cancelled. If this park makes every currently live goroutine
// simultaneously parked, it triggers lazy cycle detection before
// waiting — the one moment that calls for a bounded DFS.
func (e *Evaluator) park(ctx context.Context, key nodekey.Key) error {
	ch := e.wakeChan(key)

	e.mu.Lock()
	e.parked[key] = struct{}{}
	stuck := len(e.parked) == len(e.live) && len(e.live) > 0 && !e.resolving
	if stuck {
		e.resolving = true
	}
	e.mu.Unlock()

	if stuck {
		e.resolveStuck()
	}

	select {
	case <-ch:
		e.unpark(key)
		return nil
	case <-ctx.Done():
		e.unpark(key)
		return ctx.Err()
	}
}

func (e *Evaluator) unpark(key nodekey.Key) {
	e.mu.Lock()
	delete(e.parked, key)
	e.mu.Unlock()
}

func (e *Evaluator) finishLive(key nodekey.Key) {
	e.mu.Lock()
	delete(e.live, key)
	delete(e.parked, key)
	e.mu.Unlock()
}

// resolveStuck runs the lazy cycle detector over every currently live key
// and marks every cycle participant (and everything transitively blocked
// behind one) DONE with a CycleError, unblocking the whole deadlocked
// batch in one pass.
func (e *Evaluator) resolveStuck() {
	e.mu.Lock()
	liveKeys := make([]nodekey.Key, 0, len(e.live))
	for k := range e.live {
		liveKeys = append(liveKeys, k)
	}
	version := e.runVersion
	e.mu.Unlock()

	depsOf := func(k nodekey.Key) []nodekey.Key {
		entry, ok := e.store.Get(k)
		if !ok {
			return nil
		}
		st := entry.State()
		if entry.HasDerivedDeps() || st == graphstate.Dirty || st == graphstate.CheckDependencies {
			return entry.Deps().Flatten()
		}
		e.mu.Lock()
		deps := append([]nodekey.Key{}, e.tentativeDeps[k]...)
		e.mu.Unlock()
		return deps
	}
	isDone := func(k nodekey.Key) bool {
		entry, ok := e.store.Get(k)
		return ok && entry.State() == graphstate.Done
	}

	det := cycle.NewDetector(depsOf, isDone)
	found := det.Detect(liveKeys)

	for key, infos := range found {
		entry, ok := e.store.Get(key)
		if !ok || entry.State() == graphstate.Done {
			continue
		}
		ce := &CycleError{Key: key, Cycles: infos}
		entry.CompleteBuild(nil, false, ce, version, entry.Deps())
		e.clearSession(key)
		e.observer.Evaluated(key, CycleDetected, ce)
		e.onCompleted(key)
		e.signal(key)
	}

	e.mu.Lock()
	e.resolving = false
	e.mu.Unlock()
}

func (e *Evaluator) collectResult(roots []nodekey.Key) *RunResult {
	result := &RunResult{Roots: make(map[nodekey.Key]RootOutcome, len(roots))}
	// Any node driven this pass that ended erroneous sets HasError, even when
	// every root recovered from it under keep-going.
	e.mu.Lock()
	for k := range e.started {
		if entry, ok := e.store.Get(k); ok && entry.IsErroneous() {
			result.HasError = true
			break
		}
	}
	e.mu.Unlock()
	for _, root := range roots {
		entry, ok := e.store.Get(root)
		if !ok {
			result.Roots[root] = RootOutcome{Err: errors.New("eval: root vanished during update")}
			result.HasError = true
			continue
		}
		var outcome RootOutcome
		switch {
		case entry.Err() != nil:
			outcome.Err = entry.Err()
			var ce *CycleError
			if errors.As(outcome.Err, &ce) {
				outcome.Cycles = ce.Cycles
			}
			result.HasError = true
		default:
			v, has := entry.Value()
			if has {
				outcome.Value = v
			} else {
				outcome.Err = fmt.Errorf("eval: root %s did not complete", root)
				result.HasError = true
			}
		}
		result.Roots[root] = outcome
	}
	return result
}
