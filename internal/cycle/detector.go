package cycle

import (
	"github.com/vk/skygraph/internal/nodekey"
)

// DepsFunc returns the dependency keys currently recorded for node.
type DepsFunc func(node nodekey.Key) []nodekey.Key

// DoneFunc reports whether node is fully built (DONE) and therefore cannot
// participate in a cycle — a stuck root can only route through nodes still
// waiting on dependencies.
type DoneFunc func(node nodekey.Key) bool

// Detector runs the lazy, memoized DFS cycle search. It is
// only invoked after the evaluator's work queue has drained with some roots
// still unfinished — cheap in the common acyclic case, since no search runs
// at all until then.
//
// Grounded on dag.go's detectCycles: a recursion-stack ("onStack") closes a
// cycle on a back edge, and a memo of fully-explored nodes prevents
// re-walking shared subgraphs when multiple roots are stuck. Per-node cycle
// lists are folded into each parent via PrepareCycles exactly once per
// child edge, scoping dedup to one call rather than across the whole run.
type Detector struct {
	deps DepsFunc
	done DoneFunc

	onStack map[nodekey.Key]bool
	stack   []nodekey.Key
	memo    map[nodekey.Key][]Info
}

// NewDetector builds a Detector over the given dependency and completion
// views.
func NewDetector(deps DepsFunc, done DoneFunc) *Detector {
	return &Detector{
		deps:    deps,
		done:    done,
		onStack: make(map[nodekey.Key]bool),
		memo:    make(map[nodekey.Key][]Info),
	}
}

// Detect walks every root and returns the cycles reachable from each,
// keyed by root. Roots that are DONE or acyclic are omitted from the
// result.
func (d *Detector) Detect(roots []nodekey.Key) map[nodekey.Key][]Info {
	out := make(map[nodekey.Key][]Info)
	for _, r := range roots {
		if cycles := d.visit(r); len(cycles) > 0 {
			out[r] = cycles
		}
	}
	return out
}

func (d *Detector) visit(node nodekey.Key) []Info {
	if d.done(node) {
		return nil
	}
	if cached, ok := d.memo[node]; ok {
		return cached
	}

	d.onStack[node] = true
	d.stack = append(d.stack, node)

	var collected []Info
	for _, child := range d.deps(node) {
		var childCycles []Info
		if d.onStack[child] {
			idx := indexOf(d.stack, child)
			raw := append([]nodekey.Key{}, d.stack[idx:]...)
			childCycles = []Info{{Cycle: raw}}
		} else {
			childCycles = d.visit(child)
		}
		collected = append(collected, PrepareCycles(node, childCycles)...)
	}

	d.stack = d.stack[:len(d.stack)-1]
	d.onStack[node] = false
	d.memo[node] = collected
	return collected
}
