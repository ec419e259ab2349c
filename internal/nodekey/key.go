// Package nodekey defines the identity types the evaluation engine is built
// around: Key, the opaque (type, argument) identity of a graph node, and
// Version, the abstract comparable marker that orders evaluation passes.
//
// Keys are modeled as a structured path, following nodeid.Address's
// path-based identifier model, but collapsed to a single (type, argument)
// pair per the data model: the argument itself can be any hashable Go value,
// including a composite struct, so callers do not need nested path segments
// to express compound identities.
package nodekey

import "fmt"

// Key is the unique identity of a node: a type tag naming the builder family
// plus an opaque, comparable argument. Two keys are equal iff both
// components are equal under Go's == operator, which requires Arg to be a
// comparable type (structs of comparable fields, strings, ints, and so on).
// Using an incomparable Arg is a programmer error that panics the first time
// the key is used as a map key, mirroring the registry's panic-on-misuse
// posture elsewhere in this codebase.
type Key struct {
	Type string
	Arg  any
}

// New builds a Key from a type tag and an argument.
func New(typeTag string, arg any) Key {
	return Key{Type: typeTag, Arg: arg}
}

// String renders the key for logs and error messages.
func (k Key) String() string {
	return fmt.Sprintf("%s(%v)", k.Type, k.Arg)
}
