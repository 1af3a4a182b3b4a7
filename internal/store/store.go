// Package store persists per-application keyword rules and the installed
// package list.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrNotFound reports a missing rule.
var ErrNotFound = errors.New("rule not found")

// Driver names accepted by Open.
const (
	DriverSQLite = "sqlite"
	DriverYAML   = "yaml"
	DriverMemory = "memory"
)

// Rule is the raw custom keyword string stored for one application.
type Rule struct {
	App       string    `json:"app" yaml:"app"`
	Raw       string    `json:"raw" yaml:"raw"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updatedAt"`
}

// RuleStore is the persistent key-value collaborator behind rule resolution.
type RuleStore interface {
	// RawKeywords returns the raw keyword string for app, or "" when unset.
	RawKeywords(ctx context.Context, app string) (string, error)
	// SetRawKeywords stores raw trimmed; a blank value removes the rule.
	SetRawKeywords(ctx context.Context, app, raw string) error
	// Rule returns the stored rule for app or ErrNotFound.
	Rule(ctx context.Context, app string) (Rule, error)
	// ListRules returns every stored rule ordered by app.
	ListRules(ctx context.Context) ([]Rule, error)
	InstalledPackages(ctx context.Context) ([]string, error)
	// SetInstalledPackages replaces the installed package set.
	SetInstalledPackages(ctx context.Context, packages []string) error
	Close() error
}

// Open returns a store for driver rooted at path. The memory driver ignores
// path.
func Open(driver, path string) (RuleStore, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite:
		return OpenSQLite(path)
	case DriverYAML:
		return OpenYAML(path)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

func validApp(app string) (string, error) {
	app = strings.TrimSpace(app)
	if app == "" {
		return "", errors.New("application identifier is required")
	}
	return app, nil
}

func normalizePackages(packages []string) []string {
	seen := make(map[string]struct{}, len(packages))
	out := make([]string, 0, len(packages))
	for _, pkg := range packages {
		pkg = strings.TrimSpace(pkg)
		if pkg == "" {
			continue
		}
		if _, ok := seen[pkg]; ok {
			continue
		}
		seen[pkg] = struct{}{}
		out = append(out, pkg)
	}
	sort.Strings(out)
	return out
}
