package graphstate

// State is the execution state of a node entry. Grounded on node.Node's
// State enum (Pending/Running/Done/Failed), expanded to the six states the
// incremental evaluator distinguishes: a plain worklist state machine isn't
// enough once revalidation and deletion are part of the picture.
type State int32

const (
	// New is the state of an entry that has never been built.
	New State = iota
	// Dirty is the state of a previously DONE entry whose value is a
	// stale-candidate: a dependency (or the entry itself) was invalidated,
	// but the cached value is retained so revalidation can short-circuit.
	Dirty
	// CheckDependencies is the transient state while a Dirty entry's
	// dep-groups are being re-requested to decide revalidate vs rebuild.
	CheckDependencies
	// Rebuilding is the transient state while a worker is inside the
	// builder call for this entry (or waiting on deps it just requested).
	Rebuilding
	// Done is the terminal state of a successful build or revalidation. A
	// Done entry has either Value present and Err absent, or Err present.
	Done
	// Deleted is the terminal state after delete(predicate) or deep
	// invalidation explicitly drops a node's value.
	Deleted
)

func (s State) String() string {
	switch s {
	case New:
		return "NEW"
	case Dirty:
		return "DIRTY"
	case CheckDependencies:
		return "CHECK_DEPENDENCIES"
	case Rebuilding:
		return "REBUILDING"
	case Done:
		return "DONE"
	case Deleted:
		return "DELETED"
	default:
		return "UNKNOWN"
	}
}
