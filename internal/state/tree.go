package state

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/cjwcoding/ADSkipper/internal/layout"
)

// Element is one element of a captured UI tree.
type Element struct {
	ResourceID  string
	Class       string
	Package     string
	Text        string
	Description string
	Clickable   bool
	Bounds      layout.Rect
	// Stale makes acquiring this element fail with ErrStaleNode.
	Stale    bool
	Children []*Element

	parent *Element
	path   string
}

// Tree is a captured UI element tree served through the Accessor contract.
// It tracks outstanding handles so lifetimes can be audited.
type Tree struct {
	root *Element

	mu          sync.Mutex
	outstanding int
	acquired    int
	violations  int
}

type handle struct {
	tree     *Tree
	el       *Element
	released bool
}

func (h *handle) ID() string {
	if h.el.ResourceID != "" {
		return h.el.ResourceID + "@" + h.el.path
	}
	return h.el.path
}

// NewTree links parents and element paths below root.
func NewTree(root *Element) *Tree {
	if root != nil {
		link(root, nil, "0")
	}
	return &Tree{root: root}
}

func link(el, parent *Element, path string) {
	el.parent = parent
	el.path = path
	for i, child := range el.Children {
		if child != nil {
			link(child, el, path+"/"+strconv.Itoa(i))
		}
	}
}

// RootElement returns the captured root element.
func (t *Tree) RootElement() *Element {
	return t.root
}

// Outstanding returns the number of acquired handles not yet released.
func (t *Tree) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outstanding
}

// Acquired returns the total number of handles handed out.
func (t *Tree) Acquired() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.acquired
}

// Violations counts reads through handles that were already released.
func (t *Tree) Violations() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.violations
}

func (t *Tree) acquire(el *Element) (Node, error) {
	if el == nil {
		return nil, nil
	}
	if el.Stale {
		return nil, fmt.Errorf("acquire %s: %w", el.path, ErrStaleNode)
	}
	t.mu.Lock()
	t.outstanding++
	t.acquired++
	t.mu.Unlock()
	return &handle{tree: t, el: el}, nil
}

func (t *Tree) element(n Node) *Element {
	h, ok := n.(*handle)
	if !ok || h == nil {
		return nil
	}
	t.mu.Lock()
	if h.released {
		t.violations++
	}
	t.mu.Unlock()
	return h.el
}

func (t *Tree) Root(ctx context.Context) (Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.acquire(t.root)
}

func (t *Tree) Text(n Node) string {
	if el := t.element(n); el != nil {
		return el.Text
	}
	return ""
}

func (t *Tree) Description(n Node) string {
	if el := t.element(n); el != nil {
		return el.Description
	}
	return ""
}

func (t *Tree) Clickable(n Node) bool {
	el := t.element(n)
	return el != nil && el.Clickable
}

func (t *Tree) ChildCount(n Node) int {
	if el := t.element(n); el != nil {
		return len(el.Children)
	}
	return 0
}

func (t *Tree) Child(ctx context.Context, n Node, i int) (Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	el := t.element(n)
	if el == nil || i < 0 || i >= len(el.Children) {
		return nil, fmt.Errorf("child %d: %w", i, ErrStaleNode)
	}
	return t.acquire(el.Children[i])
}

func (t *Tree) Parent(ctx context.Context, n Node) (Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	el := t.element(n)
	if el == nil {
		return nil, fmt.Errorf("parent: %w", ErrStaleNode)
	}
	return t.acquire(el.parent)
}

func (t *Tree) Release(n Node) {
	h, ok := n.(*handle)
	if !ok || h == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if h.released {
		return
	}
	h.released = true
	t.outstanding--
}

// ElementOf returns the captured element behind a handle produced by a Tree.
func ElementOf(n Node) (*Element, bool) {
	h, ok := n.(*handle)
	if !ok || h == nil {
		return nil, false
	}
	return h.el, true
}

// SnapshotFunc captures a fresh tree of the active window.
type SnapshotFunc func(ctx context.Context) (*Tree, error)

// Snapshots serves every Root call from a freshly captured Tree. Handles keep
// a reference to the tree they came from, so one traversal always reads a
// single consistent capture.
type Snapshots struct {
	capture SnapshotFunc
}

// NewSnapshots wraps a capture function as an Accessor.
func NewSnapshots(capture SnapshotFunc) *Snapshots {
	return &Snapshots{capture: capture}
}

func (s *Snapshots) Root(ctx context.Context) (Node, error) {
	tree, err := s.capture(ctx)
	if err != nil {
		return nil, err
	}
	if tree == nil {
		return nil, nil
	}
	return tree.Root(ctx)
}

func treeOf(n Node) *Tree {
	if h, ok := n.(*handle); ok && h != nil {
		return h.tree
	}
	return nil
}

func (s *Snapshots) Text(n Node) string {
	if t := treeOf(n); t != nil {
		return t.Text(n)
	}
	return ""
}

func (s *Snapshots) Description(n Node) string {
	if t := treeOf(n); t != nil {
		return t.Description(n)
	}
	return ""
}

func (s *Snapshots) Clickable(n Node) bool {
	t := treeOf(n)
	return t != nil && t.Clickable(n)
}

func (s *Snapshots) ChildCount(n Node) int {
	if t := treeOf(n); t != nil {
		return t.ChildCount(n)
	}
	return 0
}

func (s *Snapshots) Child(ctx context.Context, n Node, i int) (Node, error) {
	t := treeOf(n)
	if t == nil {
		return nil, fmt.Errorf("child %d: %w", i, ErrStaleNode)
	}
	return t.Child(ctx, n, i)
}

func (s *Snapshots) Parent(ctx context.Context, n Node) (Node, error) {
	t := treeOf(n)
	if t == nil {
		return nil, fmt.Errorf("parent: %w", ErrStaleNode)
	}
	return t.Parent(ctx, n)
}

func (s *Snapshots) Release(n Node) {
	if t := treeOf(n); t != nil {
		t.Release(n)
	}
}

var (
	_ Accessor = (*Tree)(nil)
	_ Accessor = (*Snapshots)(nil)
)
