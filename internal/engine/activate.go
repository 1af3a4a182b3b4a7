package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/cjwcoding/ADSkipper/internal/state"
)

// DefaultMaxClimb is how many ancestors are tried when the matched node
// itself cannot be activated.
const DefaultMaxClimb = 3

// Dispatcher performs UI activation requests.
type Dispatcher interface {
	// Activate reports whether the host accepted and attempted the request.
	Activate(ctx context.Context, n state.Node) (bool, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, n state.Node) (bool, error)

func (f DispatcherFunc) Activate(ctx context.Context, n state.Node) (bool, error) {
	return f(ctx, n)
}

// ActivationResult describes where an activation landed.
type ActivationResult struct {
	Activated bool
	// Level is 0 for the matched node and n for its n-th ancestor.
	Level  int
	NodeID string
}

// Activate tries n, then up to maxClimb clickable ancestors, stopping at the
// first accepted request. A stale ancestor ends the climb without error;
// dispatcher and other accessor errors are returned. Ancestor handles are
// always released; n stays owned by the caller.
func Activate(ctx context.Context, accessor state.Accessor, dispatcher Dispatcher, n state.Node, maxClimb int) (ActivationResult, error) {
	if n == nil {
		return ActivationResult{}, nil
	}
	if maxClimb < 0 {
		maxClimb = 0
	}
	if accessor.Clickable(n) {
		ok, err := dispatcher.Activate(ctx, n)
		if err != nil {
			return ActivationResult{}, fmt.Errorf("activate %s: %w", n.ID(), err)
		}
		if ok {
			return ActivationResult{Activated: true, NodeID: n.ID()}, nil
		}
	}

	current := n
	release := func() {
		if current != n {
			accessor.Release(current)
		}
	}
	for level := 1; level <= maxClimb; level++ {
		parent, err := accessor.Parent(ctx, current)
		release()
		current = n
		if err != nil {
			if errors.Is(err, state.ErrStaleNode) {
				return ActivationResult{}, nil
			}
			return ActivationResult{}, fmt.Errorf("climb to level %d: %w", level, err)
		}
		if parent == nil {
			return ActivationResult{}, nil
		}
		current = parent
		if !accessor.Clickable(parent) {
			continue
		}
		ok, err := dispatcher.Activate(ctx, parent)
		if err != nil {
			release()
			return ActivationResult{}, fmt.Errorf("activate ancestor %d: %w", level, err)
		}
		if ok {
			id := parent.ID()
			release()
			return ActivationResult{Activated: true, Level: level, NodeID: id}, nil
		}
	}
	release()
	return ActivationResult{}, nil
}
