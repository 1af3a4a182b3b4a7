package engine

import (
	"context"

	"github.com/cjwcoding/ADSkipper/internal/rules"
	"github.com/cjwcoding/ADSkipper/internal/state"
)

// DefaultMaxDepth is the deepest level visited below the window root.
const DefaultMaxDepth = 10

// MatchField names the node attribute that produced a match.
type MatchField string

const (
	MatchFieldText        MatchField = "text"
	MatchFieldDescription MatchField = "description"
)

// Match is the skip control found by a search. The matched handle is owned
// by the Match and must be released with Release.
type Match struct {
	Node  state.Node
	Depth int
	Field MatchField
	Label string

	accessor state.Accessor
	owned    bool
}

// Release returns the matched handle to the accessor. It is a no-op for the
// caller-supplied root and safe to call more than once.
func (m *Match) Release() {
	if m == nil || !m.owned {
		return
	}
	m.owned = false
	m.accessor.Release(m.Node)
}

// Searcher walks a node tree looking for the first skip control in pre-order.
type Searcher struct {
	accessor state.Accessor
	matcher  *rules.Matcher
	maxDepth int
}

// NewSearcher builds a searcher; maxDepth <= 0 selects DefaultMaxDepth.
func NewSearcher(accessor state.Accessor, matcher *rules.Matcher, maxDepth int) *Searcher {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Searcher{accessor: accessor, matcher: matcher, maxDepth: maxDepth}
}

// Find returns the first node under root whose label or description is a skip
// control, or nil. Children that cannot be acquired are skipped; only a
// cancelled context aborts the search. root stays owned by the caller.
func (s *Searcher) Find(ctx context.Context, root state.Node, keywords rules.KeywordSet) (*Match, error) {
	if root == nil {
		return nil, nil
	}
	return s.visit(ctx, root, 0, keywords)
}

func (s *Searcher) visit(ctx context.Context, n state.Node, depth int, keywords rules.KeywordSet) (*Match, error) {
	if depth > s.maxDepth {
		return nil, nil
	}
	if m := s.check(n, depth, keywords); m != nil {
		return m, nil
	}
	if depth+1 > s.maxDepth {
		return nil, nil
	}
	count := s.accessor.ChildCount(n)
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		child, err := s.accessor.Child(ctx, n, i)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			// A child that cannot be acquired is skipped; its siblings are
			// still searched.
			continue
		}
		if child == nil {
			continue
		}
		m, err := s.visit(ctx, child, depth+1, keywords)
		if m != nil && m.Node == child {
			return m, nil
		}
		s.accessor.Release(child)
		if err != nil || m != nil {
			return m, err
		}
	}
	return nil, nil
}

func (s *Searcher) check(n state.Node, depth int, keywords rules.KeywordSet) *Match {
	field := MatchField("")
	label := s.accessor.Text(n)
	switch {
	case s.matcher.IsSkipControl(label, keywords):
		field = MatchFieldText
	default:
		label = s.accessor.Description(n)
		if s.matcher.IsSkipControl(label, keywords) {
			field = MatchFieldDescription
		}
	}
	if field == "" {
		return nil
	}
	return &Match{
		Node:     n,
		Depth:    depth,
		Field:    field,
		Label:    label,
		accessor: s.accessor,
		owned:    depth > 0,
	}
}
