package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultSelfPackage    = "com.adskip.android"
	defaultCooldownMs     = 3000
	defaultMaxDepth       = 10
	defaultMaxClimb       = 3
	defaultShortLabelMax  = 15
	defaultStoreTimeoutMs = 250
	defaultPollIntervalMs = 1000
	defaultTelemetryAddr  = "127.0.0.1:9464"
	maxReasonableDepth    = 64
)

// Config is the top-level configuration document.
type Config struct {
	SelfPackage       string          `yaml:"selfPackage"`
	CooldownMs        int             `yaml:"cooldownMs"`
	MaxDepth          int             `yaml:"maxDepth"`
	MaxClimb          int             `yaml:"maxClimb"`
	ShortLabelMax     int             `yaml:"shortLabelMax"`
	StoreTimeoutMs    int             `yaml:"storeTimeoutMs"`
	Keywords          []string        `yaml:"keywords"`
	ExtraKeywords     []string        `yaml:"extraKeywords"`
	CountdownPatterns []string        `yaml:"countdownPatterns"`
	IgnoredPackages   []string        `yaml:"ignoredPackages"`
	IgnoredPrefixes   []string        `yaml:"ignoredPrefixes"`
	Store             StoreConfig     `yaml:"store"`
	ADB               ADBConfig       `yaml:"adb"`
	Events            EventsConfig    `yaml:"events"`
	Telemetry         TelemetryConfig `yaml:"telemetry"`
	DryRun            bool            `yaml:"dryRun"`
}

// UnmarshalYAML handles deprecated fields while decoding configuration files.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type rawConfig struct {
		SelfPackage          string          `yaml:"selfPackage"`
		CooldownMs           *int            `yaml:"cooldownMs"`
		LegacyCooldown       string          `yaml:"cooldown"`
		MaxDepth             int             `yaml:"maxDepth"`
		MaxClimb             int             `yaml:"maxClimb"`
		ShortLabelMax        int             `yaml:"shortLabelMax"`
		StoreTimeoutMs       int             `yaml:"storeTimeoutMs"`
		Keywords             []string        `yaml:"keywords"`
		ExtraKeywords        []string        `yaml:"extraKeywords"`
		LegacyCustomKeywords []string        `yaml:"customKeywords"`
		CountdownPatterns    []string        `yaml:"countdownPatterns"`
		IgnoredPackages      []string        `yaml:"ignoredPackages"`
		IgnoredPrefixes      []string        `yaml:"ignoredPrefixes"`
		Store                StoreConfig     `yaml:"store"`
		ADB                  ADBConfig       `yaml:"adb"`
		Events               EventsConfig    `yaml:"events"`
		Telemetry            TelemetryConfig `yaml:"telemetry"`
		DryRun               bool            `yaml:"dryRun"`
	}

	var raw rawConfig
	if err := value.Decode(&raw); err != nil {
		return err
	}

	c.SelfPackage = raw.SelfPackage
	c.MaxDepth = raw.MaxDepth
	c.MaxClimb = raw.MaxClimb
	c.ShortLabelMax = raw.ShortLabelMax
	c.StoreTimeoutMs = raw.StoreTimeoutMs
	c.Keywords = raw.Keywords
	c.ExtraKeywords = append(raw.ExtraKeywords, raw.LegacyCustomKeywords...)
	c.CountdownPatterns = raw.CountdownPatterns
	c.IgnoredPackages = raw.IgnoredPackages
	c.IgnoredPrefixes = raw.IgnoredPrefixes
	c.Store = raw.Store
	c.ADB = raw.ADB
	c.Events = raw.Events
	c.Telemetry = raw.Telemetry
	c.DryRun = raw.DryRun

	switch {
	case raw.CooldownMs != nil:
		c.CooldownMs = *raw.CooldownMs
	case raw.LegacyCooldown != "":
		d, err := time.ParseDuration(raw.LegacyCooldown)
		if err != nil {
			return fmt.Errorf("cooldown: %w", err)
		}
		c.CooldownMs = int(d / time.Millisecond)
	default:
		c.CooldownMs = 0
	}
	return nil
}

// StoreConfig selects the rule store backend.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// ADBConfig describes how the device is reached.
type ADBConfig struct {
	Serial         string `yaml:"serial"`
	Path           string `yaml:"path"`
	PollIntervalMs int    `yaml:"pollIntervalMs"`
}

// EventsConfig selects where UI change notifications come from.
type EventsConfig struct {
	Source string `yaml:"source"`
	Socket string `yaml:"socket"`
}

// TelemetryConfig toggles counters and the Prometheus endpoint.
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LintError describes a single configuration problem.
type LintError struct {
	Path    string
	Message string
}

func (e LintError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// DefaultPath returns the configuration file location under the user's
// config directory.
func DefaultPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "adskipper", "config.yaml")
	}
	return filepath.Join(".", "adskipper.yaml")
}

// DefaultStorePath returns the rules database location for driver.
func DefaultStorePath(driver string) string {
	base := filepath.Join(".", ".adskipper")
	if dir, err := os.UserConfigDir(); err == nil {
		base = filepath.Join(dir, "adskipper")
	}
	if driver == "yaml" {
		return filepath.Join(base, "rules.yaml")
	}
	return filepath.Join(base, "rules.db")
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Parse decodes a configuration document and applies defaults without
// validating it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LintFile parses path and reports every validation problem.
func LintFile(path string) ([]LintError, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return []LintError{{Message: err.Error()}}, nil
	}
	return cfg.Lint(), nil
}

func (c *Config) applyDefaults() {
	if c.SelfPackage == "" {
		c.SelfPackage = defaultSelfPackage
	}
	if c.CooldownMs == 0 {
		c.CooldownMs = defaultCooldownMs
	}
	if c.MaxDepth == 0 {
		c.MaxDepth = defaultMaxDepth
	}
	if c.MaxClimb == 0 {
		c.MaxClimb = defaultMaxClimb
	}
	if c.ShortLabelMax == 0 {
		c.ShortLabelMax = defaultShortLabelMax
	}
	if c.StoreTimeoutMs == 0 {
		c.StoreTimeoutMs = defaultStoreTimeoutMs
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.Path == "" && c.Store.Driver != "memory" {
		c.Store.Path = DefaultStorePath(c.Store.Driver)
	}
	if c.ADB.Path == "" {
		c.ADB.Path = "adb"
	}
	if c.ADB.PollIntervalMs == 0 {
		c.ADB.PollIntervalMs = defaultPollIntervalMs
	}
	if c.Events.Source == "" {
		c.Events.Source = "adb"
	}
	if c.Telemetry.Listen == "" {
		c.Telemetry.Listen = defaultTelemetryAddr
	}
}

// Cooldown returns the gate cooldown interval.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.CooldownMs) * time.Millisecond
}

// StoreTimeout returns the rule store read bound.
func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutMs) * time.Millisecond
}

// PollInterval returns the foreground poll period.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.ADB.PollIntervalMs) * time.Millisecond
}

// Validate performs basic sanity checks.
func (c *Config) Validate() error {
	if errs := c.Lint(); len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Lint reports every configuration problem, in document order.
func (c *Config) Lint() []LintError {
	var errs []LintError
	add := func(path, format string, args ...any) {
		errs = append(errs, LintError{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(c.SelfPackage) == "" {
		add("selfPackage", "cannot be blank")
	}
	if c.CooldownMs < 0 {
		add("cooldownMs", "cannot be negative")
	}
	if c.MaxDepth < 0 {
		add("maxDepth", "cannot be negative")
	} else if c.MaxDepth > maxReasonableDepth {
		add("maxDepth", "must be at most %d, got %d", maxReasonableDepth, c.MaxDepth)
	}
	if c.MaxClimb < 0 {
		add("maxClimb", "cannot be negative")
	}
	if c.ShortLabelMax < 0 {
		add("shortLabelMax", "cannot be negative")
	}
	if c.StoreTimeoutMs < 0 {
		add("storeTimeoutMs", "cannot be negative")
	}
	lintKeywords(&errs, "keywords", c.Keywords)
	lintKeywords(&errs, "extraKeywords", c.ExtraKeywords)
	for i, expr := range c.CountdownPatterns {
		if _, err := regexp.Compile(expr); err != nil {
			add(fmt.Sprintf("countdownPatterns[%d]", i), "invalid pattern: %v", err)
		}
	}
	for i, pkg := range c.IgnoredPackages {
		if strings.TrimSpace(pkg) == "" {
			add(fmt.Sprintf("ignoredPackages[%d]", i), "cannot be blank")
		}
	}
	for i, prefix := range c.IgnoredPrefixes {
		if strings.TrimSpace(prefix) == "" {
			add(fmt.Sprintf("ignoredPrefixes[%d]", i), "cannot be blank; it would ignore every application")
		}
	}
	switch c.Store.Driver {
	case "sqlite", "yaml":
		if c.Store.Path == "" {
			add("store.path", "required for driver %q", c.Store.Driver)
		}
	case "memory":
	default:
		add("store.driver", "unknown driver %q (want sqlite, yaml or memory)", c.Store.Driver)
	}
	if c.ADB.PollIntervalMs < 0 {
		add("adb.pollIntervalMs", "cannot be negative")
	}
	switch c.Events.Source {
	case "adb", "socket":
	default:
		add("events.source", "unknown source %q (want adb or socket)", c.Events.Source)
	}
	if c.Telemetry.Enabled {
		if _, _, err := net.SplitHostPort(c.Telemetry.Listen); err != nil {
			add("telemetry.listen", "invalid address %q: %v", c.Telemetry.Listen, err)
		}
	}
	return errs
}

func lintKeywords(errs *[]LintError, field string, keywords []string) {
	seen := make(map[string]int, len(keywords))
	for i, kw := range keywords {
		path := fmt.Sprintf("%s[%d]", field, i)
		if strings.TrimSpace(kw) == "" {
			*errs = append(*errs, LintError{Path: path, Message: "cannot be blank"})
			continue
		}
		key := strings.ToLower(strings.TrimSpace(kw))
		if first, ok := seen[key]; ok {
			*errs = append(*errs, LintError{Path: path, Message: fmt.Sprintf("duplicates %s[%d]", field, first)})
			continue
		}
		seen[key] = i
	}
}
