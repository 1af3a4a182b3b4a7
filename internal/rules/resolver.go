package rules

import (
	"context"
	"time"

	"github.com/cjwcoding/ADSkipper/internal/util"
)

// DefaultStoreTimeout bounds a single rule store read.
const DefaultStoreTimeout = 250 * time.Millisecond

// Store is the read side of the per-app keyword store.
type Store interface {
	// RawKeywords returns the raw custom keyword string for appID, or "" when
	// nothing is configured.
	RawKeywords(ctx context.Context, appID string) (string, error)
}

// ReadErrorHook observes store failures swallowed by the resolver.
type ReadErrorHook func(appID string, err error)

// Resolver produces the effective keyword set for an application.
type Resolver struct {
	store    Store
	defaults KeywordSet
	timeout  time.Duration
	logger   *util.Logger
	onError  ReadErrorHook
}

// NewResolver creates a resolver over store. An empty defaults set selects the
// built-in keywords; a non-positive timeout selects DefaultStoreTimeout.
func NewResolver(store Store, defaults KeywordSet, timeout time.Duration, logger *util.Logger) *Resolver {
	if len(defaults) == 0 {
		defaults = DefaultKeywords()
	}
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	return &Resolver{
		store:    store,
		defaults: append(KeywordSet(nil), defaults...),
		timeout:  timeout,
		logger:   logger,
	}
}

// OnReadError registers a hook invoked whenever a store read is abandoned.
func (r *Resolver) OnReadError(hook ReadErrorHook) {
	r.onError = hook
}

// Defaults returns the global keyword set.
func (r *Resolver) Defaults() KeywordSet {
	return append(KeywordSet(nil), r.defaults...)
}

// ActiveKeywords returns defaults merged with the custom keywords stored for
// appID. Store failures and timeouts fall back to the defaults.
func (r *Resolver) ActiveKeywords(ctx context.Context, appID string) KeywordSet {
	if r.store == nil {
		return r.Defaults()
	}
	raw, err := r.read(ctx, appID)
	if err != nil {
		r.logger.Debugf("custom keywords for %s unavailable: %v", appID, err)
		if r.onError != nil {
			r.onError(appID, err)
		}
		return r.Defaults()
	}
	return Merge(r.Defaults(), ParseCustom(raw))
}

type readResult struct {
	raw string
	err error
}

// read abandons the store call once the timeout expires, even if the store
// itself ignores the context.
func (r *Resolver) read(ctx context.Context, appID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	done := make(chan readResult, 1)
	go func() {
		raw, err := r.store.RawKeywords(ctx, appID)
		done <- readResult{raw: raw, err: err}
	}()
	select {
	case res := <-done:
		return res.raw, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
