// Package cycle implements the lazy cycle detector and cycle-info
// normalization/deduplication rules.
//
// Detection (Detector.Detect) is grounded on internal/dag's three-color DFS
// (detectCycles in utils.go / dag.go): a stuck node is explored through its
// deps edges, a node already on the current recursion stack closes a cycle,
// and a node already fully explored is never revisited. Normalization
// (normalizeCycle / PrepareCycles) rotates each cycle to the reporting
// node's own view and folds a duplicate reached through two children into
// one entry.
package cycle

import (
	"github.com/vk/skygraph/internal/nodekey"
)

// Info is a single discovered cycle together with the path from the
// reporting node into the cycle's head.
type Info struct {
	// Cycle is the ordered sequence of keys forming the loop.
	Cycle []nodekey.Key
	// PathToCycle is the ordered prefix from the reporting root into the
	// cycle's head. Empty when the reporting node is itself in Cycle.
	PathToCycle []nodekey.Key
}

func indexOf(ks []nodekey.Key, k nodekey.Key) int {
	for i, x := range ks {
		if x == k {
			return i
		}
	}
	return -1
}

func rotate(cycle []nodekey.Key, start int) []nodekey.Key {
	out := make([]nodekey.Key, 0, len(cycle))
	out = append(out, cycle[start:]...)
	out = append(out, cycle[:start]...)
	return out
}

// normalizeCycle is node's view of a cycle discovered somewhere in one of
// its children's subtrees. If node is part of the cycle, the cycle is
// rotated so node leads it and the path is cleared; a cycle already bearing
// a non-empty path that also contains node is a roundabout duplicate and is
// dropped (it's reachable from node directly). Otherwise node is prepended
// to the path. Returns ok=false for a dropped duplicate.
func normalizeCycle(node nodekey.Key, info Info) (Info, bool) {
	idx := indexOf(info.Cycle, node)
	if idx >= 0 {
		if len(info.PathToCycle) > 0 {
			return Info{}, false
		}
		return Info{Cycle: rotate(info.Cycle, idx)}, true
	}
	path := make([]nodekey.Key, 0, len(info.PathToCycle)+1)
	path = append(path, node)
	path = append(path, info.PathToCycle...)
	return Info{Cycle: info.Cycle, PathToCycle: path}, true
}

func cycleSignature(cycle []nodekey.Key) string {
	s := ""
	for _, k := range cycle {
		s += k.String() + "\x00"
	}
	return s
}

// PrepareCycles normalizes every cycle in cycles from node's perspective and
// deduplicates by cycle identity, within this one batch. Call once per
// child edge being folded into node's own result set — a node reaching the
// same cycle through two distinct children still reports it once per
// child, since each arrival carries its own path into the cycle.
func PrepareCycles(node nodekey.Key, cycles []Info) []Info {
	seen := make(map[string]struct{}, len(cycles))
	out := make([]Info, 0, len(cycles))
	for _, c := range cycles {
		norm, ok := normalizeCycle(node, c)
		if !ok {
			continue
		}
		sig := cycleSignature(norm.Cycle)
		if _, dup := seen[sig]; dup {
			continue
		}
		seen[sig] = struct{}{}
		out = append(out, norm)
	}
	return out
}
