package eval

import (
	"errors"
	"fmt"

	"github.com/vk/skygraph/internal/cycle"
	"github.com/vk/skygraph/internal/nodekey"
)

// ErrInterrupted is the outcome surfaced when a caller-initiated interrupt
// cancels an update pass. It propagates
// upward rather than being attached to any single node's persistent error
// slot.
var ErrInterrupted = errors.New("eval: update interrupted")

// BuilderError wraps a builder's reported failure together with the keys of
// any transitively erroneous dependencies that contributed to it.
type BuilderError struct {
	Key  nodekey.Key
	Err  error
	// Transitive lists, in request order, every dependency key that was
	// itself erroneous (or a cycle participant) at the time this node's
	// builder ran.
	Transitive []nodekey.Key
	// Cycles lists every cycle this key participates in, if any were
	// discovered for it during this pass.
	Cycles []cycle.Info
}

func (e *BuilderError) Error() string {
	if len(e.Transitive) == 0 {
		return fmt.Sprintf("eval: builder for %s failed: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("eval: builder for %s failed: %v (transitively erroneous deps: %v)", e.Key, e.Err, e.Transitive)
}

func (e *BuilderError) Unwrap() error { return e.Err }

// CycleError marks a node as errored purely because it participates in a
// dependency cycle: rdeps treat it as errored even though no
// builder ever ran or failed for it.
type CycleError struct {
	Key    nodekey.Key
	Cycles []cycle.Info
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("eval: %s participates in %d cycle(s)", e.Key, len(e.Cycles))
}
