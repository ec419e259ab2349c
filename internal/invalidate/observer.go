package invalidate

import "github.com/vk/skygraph/internal/nodekey"

// Transition is the kind of state change the invalidator reports to an
// Observer.
type Transition int

const (
	// MarkedDirty is reported when a node transitions DONE/DIRTY -> DIRTY.
	MarkedDirty Transition = iota
	// MarkedDeleted is reported when a node transitions -> DELETED.
	MarkedDeleted
)

func (t Transition) String() string {
	switch t {
	case MarkedDirty:
		return "DIRTY"
	case MarkedDeleted:
		return "DELETED"
	default:
		return "UNKNOWN"
	}
}

// Observer receives notification of every node transition the invalidator
// performs: invalidated(node, state). The invalidator may call Invalidated
// concurrently and more than once for the same node — an observer must
// tolerate duplicates and be thread-safe, since notification is a logger
// call that never assumes single delivery.
type Observer interface {
	Invalidated(node nodekey.Key, transition Transition)
}

// NopObserver discards every notification. The zero value is ready to use.
type NopObserver struct{}

// Invalidated implements Observer.
func (NopObserver) Invalidated(nodekey.Key, Transition) {}

// ObserverFunc adapts a plain function to the Observer interface.
type ObserverFunc func(node nodekey.Key, transition Transition)

// Invalidated implements Observer.
func (f ObserverFunc) Invalidated(node nodekey.Key, transition Transition) {
	if f != nil {
		f(node, transition)
	}
}
