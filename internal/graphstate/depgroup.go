package graphstate

import "github.com/vk/skygraph/internal/nodekey"

// DepGroup is one batch of dependencies requested together via a single
// bulk lookup (GetValues) or a singleton lookup (GetValue). Dep-groups
// matter during CHECK_DEPENDENCIES: members of one group are re-requested
// concurrently, but groups themselves are checked sequentially, in
// declaration order, so revalidation never widens the fan-out a prior build
// observed.
type DepGroup []nodekey.Key

// DepGroups is the ordered sequence of dep-groups a node requested during
// its last build attempt.
type DepGroups []DepGroup

// Flatten returns every key across every group, in group order, with
// duplicates removed (a node may legitimately request the same key in two
// groups across restarts, but the recorded edge set is per-key).
func (g DepGroups) Flatten() []nodekey.Key {
	seen := make(map[nodekey.Key]struct{})
	var out []nodekey.Key
	for _, grp := range g {
		for _, k := range grp {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}

// Count returns the total number of distinct keys across all groups.
func (g DepGroups) Count() int {
	return len(g.Flatten())
}
