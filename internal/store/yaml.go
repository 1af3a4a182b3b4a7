package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

type yamlDocument struct {
	Rules             map[string]yamlRule `yaml:"rules,omitempty"`
	InstalledPackages []string            `yaml:"installedPackages,omitempty"`
}

type yamlRule struct {
	Raw       string    `yaml:"raw"`
	UpdatedAt time.Time `yaml:"updatedAt"`
}

// YAML keeps rules in a hand-editable YAML file. Edits made to the file by
// other processes are picked up on the next read.
type YAML struct {
	path string
	now  func() time.Time

	mu      sync.Mutex
	doc     yamlDocument
	modTime time.Time
}

// OpenYAML loads the rules file at path, creating an empty store when the
// file does not exist yet.
func OpenYAML(path string) (*YAML, error) {
	if path == "" {
		return nil, errors.New("yaml store path is required")
	}
	s := &YAML{path: path, now: time.Now}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(true); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *YAML) loadLocked(force bool) error {
	info, err := os.Stat(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.doc = yamlDocument{}
		s.modTime = time.Time{}
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat rules file: %w", err)
	}
	if !force && info.ModTime().Equal(s.modTime) {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read rules file: %w", err)
	}
	var doc yamlDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse rules file %s: %w", s.path, err)
	}
	s.doc = doc
	s.modTime = info.ModTime()
	return nil
}

func (s *YAML) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create rules directory: %w", err)
	}
	data, err := yaml.Marshal(&s.doc)
	if err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".rules-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp rules file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp rules file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp rules file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace rules file: %w", err)
	}
	if info, err := os.Stat(s.path); err == nil {
		s.modTime = info.ModTime()
	}
	return nil
}

func (s *YAML) RawKeywords(ctx context.Context, app string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(false); err != nil {
		return "", err
	}
	return s.doc.Rules[strings.TrimSpace(app)].Raw, nil
}

func (s *YAML) SetRawKeywords(ctx context.Context, app, raw string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	app, err := validApp(app)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(false); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if _, ok := s.doc.Rules[app]; !ok {
			return nil
		}
		delete(s.doc.Rules, app)
		return s.saveLocked()
	}
	if s.doc.Rules == nil {
		s.doc.Rules = make(map[string]yamlRule)
	}
	s.doc.Rules[app] = yamlRule{Raw: raw, UpdatedAt: s.now().UTC()}
	return s.saveLocked()
}

func (s *YAML) Rule(ctx context.Context, app string) (Rule, error) {
	if err := ctx.Err(); err != nil {
		return Rule{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(false); err != nil {
		return Rule{}, err
	}
	app = strings.TrimSpace(app)
	r, ok := s.doc.Rules[app]
	if !ok {
		return Rule{}, ErrNotFound
	}
	return Rule{App: app, Raw: r.Raw, UpdatedAt: r.UpdatedAt}, nil
}

func (s *YAML) ListRules(ctx context.Context) ([]Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(false); err != nil {
		return nil, err
	}
	out := make([]Rule, 0, len(s.doc.Rules))
	for app, r := range s.doc.Rules {
		out = append(out, Rule{App: app, Raw: r.Raw, UpdatedAt: r.UpdatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].App < out[j].App })
	return out, nil
}

func (s *YAML) InstalledPackages(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(false); err != nil {
		return nil, err
	}
	return append([]string(nil), s.doc.InstalledPackages...), nil
}

func (s *YAML) SetInstalledPackages(ctx context.Context, packages []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(false); err != nil {
		return err
	}
	s.doc.InstalledPackages = normalizePackages(packages)
	return s.saveLocked()
}

func (s *YAML) Close() error { return nil }

var _ RuleStore = (*YAML)(nil)
