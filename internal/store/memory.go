package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process RuleStore. Nothing survives a restart.
type Memory struct {
	mu        sync.RWMutex
	rules     map[string]Rule
	installed []string
	now       func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{rules: make(map[string]Rule), now: time.Now}
}

func (m *Memory) RawKeywords(ctx context.Context, app string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rules[strings.TrimSpace(app)].Raw, nil
}

func (m *Memory) SetRawKeywords(ctx context.Context, app, raw string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	app, err := validApp(app)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	raw = strings.TrimSpace(raw)
	if raw == "" {
		delete(m.rules, app)
		return nil
	}
	m.rules[app] = Rule{App: app, Raw: raw, UpdatedAt: m.now().UTC()}
	return nil
}

func (m *Memory) Rule(ctx context.Context, app string) (Rule, error) {
	if err := ctx.Err(); err != nil {
		return Rule{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rule, ok := m.rules[strings.TrimSpace(app)]
	if !ok {
		return Rule{}, ErrNotFound
	}
	return rule, nil
}

func (m *Memory) ListRules(ctx context.Context) ([]Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Rule, 0, len(m.rules))
	for _, rule := range m.rules {
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].App < out[j].App })
	return out, nil
}

func (m *Memory) InstalledPackages(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.installed...), nil
}

func (m *Memory) SetInstalledPackages(ctx context.Context, packages []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	normalized := normalizePackages(packages)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.installed = normalized
	return nil
}

func (m *Memory) Close() error { return nil }

var _ RuleStore = (*Memory)(nil)
