package eval

import (
	"github.com/vk/skygraph/internal/cycle"
	"github.com/vk/skygraph/internal/nodekey"
)

// RootOutcome is one root's final disposition after an update pass: either a
// value or an error. For a root resolved as part of a cycle, Err is the
// *CycleError and Cycles holds that error's cycles.
type RootOutcome struct {
	Value  any
	Err    error
	Cycles []cycle.Info
}

// RunResult is the aggregated outcome of one Evaluator.Run pass.
type RunResult struct {
	Roots       map[nodekey.Key]RootOutcome
	HasError    bool
	Interrupted bool
}
