package state

import (
	"context"
	"errors"
)

// ErrStaleNode reports a node reference that is no longer attached to the
// live window. Callers treat it as "this subtree yields nothing".
var ErrStaleNode = errors.New("stale node")

// Node is an opaque, read-only handle to an on-screen element. Handles are
// only valid for the traversal that acquired them.
type Node interface {
	ID() string
}

// Accessor reads the live UI element tree. Every handle returned by Root,
// Child or Parent must be passed to Release exactly once it is no longer
// needed; Release is idempotent.
type Accessor interface {
	// Root returns the root of the active window, or nil when there is none.
	Root(ctx context.Context) (Node, error)
	Text(n Node) string
	Description(n Node) string
	Clickable(n Node) bool
	ChildCount(n Node) int
	// Child acquires the i-th child of n.
	Child(ctx context.Context, n Node, i int) (Node, error)
	// Parent acquires the parent of n, or nil at the top of the tree.
	Parent(ctx context.Context, n Node) (Node, error)
	Release(n Node)
}
