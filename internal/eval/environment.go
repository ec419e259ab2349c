package eval

import (
	"context"
	"log/slog"
	"sync"

	"github.com/vk/skygraph/internal/ctxlog"
	"github.com/vk/skygraph/internal/graphstate"
	"github.com/vk/skygraph/internal/nodekey"
)

// Environment is the narrow interface a Builder sees during the
// REBUILDING protocol. It is created fresh for every build attempt — a restart gets
// a new Environment, so a node's declared dep-groups always reflect
// exactly the requests made during the attempt that is currently running,
// never a stale mix from an earlier, abandoned attempt.
type Environment struct {
	ctx  context.Context
	ev   *Evaluator
	key  nodekey.Key
	self *graphstate.Entry

	mu       sync.Mutex
	groups   graphstate.DepGroups
	missing  map[nodekey.Key]struct{}
	erred    []nodekey.Key
	erredSet map[nodekey.Key]struct{}
	cycles   map[nodekey.Key]struct{}
}

func newEnvironment(ctx context.Context, ev *Evaluator, key nodekey.Key) *Environment {
	return &Environment{
		ctx:      ctx,
		ev:       ev,
		key:      key,
		self:     ev.store.GetOrCreate(key),
		missing:  make(map[nodekey.Key]struct{}),
		erredSet: make(map[nodekey.Key]struct{}),
	}
}

// Listener returns a pass-through event reporter scoped to this build
// attempt, threaded through ctxlog.FromContext.
func (e *Environment) Listener() *slog.Logger {
	return ctxlog.FromContext(e.ctx).With("node", e.key.String())
}

// GetValue requests a single dependency, recording it as a singleton
// dep-group. It returns (value, true) if dep is currently DONE without
// error; otherwise (nil, false) — the caller must check ValuesMissing to
// distinguish "still pending" (restart once ready) from "resolved, but
// errored" (proceed with an absent value under keep-going).
func (e *Environment) GetValue(key nodekey.Key) (any, bool) {
	e.mu.Lock()
	e.groups = append(e.groups, graphstate.DepGroup{key})
	e.mu.Unlock()
	return e.request(key)
}

// GetValues requests a batch of dependencies as one dep-group: members
// are resolved concurrently by the engine, but the group as a
// whole is checked as a unit during future CHECK_DEPENDENCIES passes.
func (e *Environment) GetValues(keys []nodekey.Key) map[nodekey.Key]any {
	e.mu.Lock()
	grp := make(graphstate.DepGroup, len(keys))
	copy(grp, keys)
	e.groups = append(e.groups, grp)
	e.mu.Unlock()

	out := make(map[nodekey.Key]any, len(keys))
	for _, k := range keys {
		if v, ok := e.request(k); ok {
			out[k] = v
		}
	}
	return out
}

// GetValueOrThrow is an error-transparent lookup: matches receives
// the dependency's error, if any, and reports whether it is the "exception
// class" the builder wants to handle. If it matches, the error is returned
// directly (present=true) instead of being swallowed into ABSENT. If the
// dependency is done with a different error, or not yet done, behavior
// falls back to the ordinary ABSENT/missing rules.
func (e *Environment) GetValueOrThrow(key nodekey.Key, matches func(error) bool) (any, error, bool) {
	e.mu.Lock()
	e.groups = append(e.groups, graphstate.DepGroup{key})
	e.mu.Unlock()

	v, ok := e.request(key)
	if ok {
		return v, nil, true
	}

	e.mu.Lock()
	_, missing := e.missing[key]
	e.mu.Unlock()
	if missing {
		return nil, nil, false
	}

	if entry, found := e.ev.store.Get(key); found {
		if err := entry.Err(); err != nil && matches != nil && matches(err) {
			return nil, err, true
		}
	}
	return nil, nil, false
}

// ValuesMissing reports whether any lookup so far in this build attempt
// returned ABSENT because the dependency is not yet DONE (as opposed to
// DONE-but-erroneous). A true result means the builder should stop and
// return (nil, nil): the engine will restart it once every currently
// missing dependency completes.
func (e *Environment) ValuesMissing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.missing) > 0
}

// request resolves key against the store, recording the edge and routing
// the outcome into the missing/erred bookkeeping used once the builder
// returns. Linking and the done-check happen together, atomically, via
// linkAndCheck — see its doc comment and graphstate.LinkRequester for why
// that matters.
func (e *Environment) request(key nodekey.Key) (any, bool) {
	entry := e.ev.peek(key)
	done := e.ev.linkAndCheck(e.self, entry)

	if !done {
		e.mu.Lock()
		e.missing[key] = struct{}{}
		e.mu.Unlock()
		return nil, false
	}
	if entry.IsErroneous() {
		e.mu.Lock()
		if _, seen := e.erredSet[key]; !seen {
			e.erredSet[key] = struct{}{}
			e.erred = append(e.erred, key)
		}
		e.mu.Unlock()
		return nil, false
	}
	v, ok := entry.Value()
	return v, ok
}

func (e *Environment) missingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.missing)
}

func (e *Environment) erroredDeps() []nodekey.Key {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]nodekey.Key, len(e.erred))
	copy(out, e.erred)
	return out
}

func (e *Environment) depGroups() graphstate.DepGroups {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(graphstate.DepGroups, len(e.groups))
	copy(out, e.groups)
	return out
}
