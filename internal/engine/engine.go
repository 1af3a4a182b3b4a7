package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cjwcoding/ADSkipper/internal/ipc"
	"github.com/cjwcoding/ADSkipper/internal/rules"
	"github.com/cjwcoding/ADSkipper/internal/state"
	"github.com/cjwcoding/ADSkipper/internal/util"
)

// DefaultCooldown is the minimum gap between two accepted activations.
const DefaultCooldown = 3000 * time.Millisecond

// DefaultSelfPackage identifies this service's own UI.
const DefaultSelfPackage = "com.adskip.android"

var (
	defaultIgnoredPackages = []string{
		"com.android.launcher",
		"com.android.launcher3",
		"com.android.systemui",
		"com.android.settings",
	}
	defaultIgnoredPrefixes = []string{
		"com.android.",
		"com.google.android.",
	}
)

// DefaultIgnoredPackages returns the launcher, system UI and settings
// packages that never enter the pipeline.
func DefaultIgnoredPackages() []string {
	return append([]string(nil), defaultIgnoredPackages...)
}

// DefaultIgnoredPrefixes returns the reserved OS-vendor package prefixes.
func DefaultIgnoredPrefixes() []string {
	return append([]string(nil), defaultIgnoredPrefixes...)
}

// EventKind categorises an incoming UI notification.
type EventKind string

const (
	EventWindowState   EventKind = "windowstate"
	EventWindowContent EventKind = "windowcontent"
	EventOther         EventKind = "other"
)

// ParseEventKind maps an event stream name to an EventKind. Unknown names
// map to EventOther.
func ParseEventKind(name string) EventKind {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "windowstate", "window_state", "window-state":
		return EventWindowState
	case "windowcontent", "window_content", "window-content":
		return EventWindowContent
	default:
		return EventOther
	}
}

// Outcome reports what a single notification resulted in.
type Outcome string

const (
	OutcomeIgnoredEvent   Outcome = "ignored-event"
	OutcomeIgnoredPackage Outcome = "ignored-package"
	OutcomeCooling        Outcome = "cooling"
	OutcomeNoWindow       Outcome = "no-window"
	OutcomeNoMatch        Outcome = "no-match"
	OutcomeRejected       Outcome = "rejected"
	OutcomeActivated      Outcome = "activated"
	OutcomeDryRun         Outcome = "dry-run"
	OutcomeError          Outcome = "error"
)

// GateState is the externally visible cooldown state.
type GateState string

const (
	GateIdle    GateState = "idle"
	GateCooling GateState = "cooling"
)

// CooldownState records the last accepted activation.
type CooldownState struct {
	LastActivation time.Time `json:"lastActivation,omitempty"`
	LastApp        string    `json:"lastApp,omitempty"`
}

// Options tunes the gate and pipeline bounds.
type Options struct {
	SelfPackage     string
	IgnoredPackages []string
	IgnoredPrefixes []string
	Cooldown        time.Duration
	MaxDepth        int
	MaxClimb        int
	DryRun          bool
}

// DefaultOptions returns the stock gate configuration.
func DefaultOptions() Options {
	return Options{
		SelfPackage:     DefaultSelfPackage,
		IgnoredPackages: DefaultIgnoredPackages(),
		IgnoredPrefixes: DefaultIgnoredPrefixes(),
		Cooldown:        DefaultCooldown,
		MaxDepth:        DefaultMaxDepth,
		MaxClimb:        DefaultMaxClimb,
	}
}

// OutcomeRecorder receives one outcome per notification.
type OutcomeRecorder interface {
	RecordOutcome(app, outcome string)
}

type gateConfig struct {
	opts     Options
	ignored  map[string]struct{}
	matcher  *rules.Matcher
	resolver *rules.Resolver
}

// Engine gates UI change notifications and runs the skip pipeline for the
// ones that pass.
type Engine struct {
	accessor   state.Accessor
	dispatcher Dispatcher
	logger     *util.Logger

	// dispatchMu serializes activation so the cooldown is re-checked and
	// committed around a single dispatch.
	dispatchMu sync.Mutex

	mu       sync.Mutex
	cfg      gateConfig
	cooldown CooldownState
	metrics  OutcomeRecorder
	history  *activationLog

	now func() time.Time
}

// New creates an engine. A nil matcher selects the default patterns.
func New(accessor state.Accessor, dispatcher Dispatcher, resolver *rules.Resolver, matcher *rules.Matcher, logger *util.Logger, opts Options) *Engine {
	e := &Engine{
		accessor:   accessor,
		dispatcher: dispatcher,
		logger:     logger,
		history:    newActivationLog(0),
		now:        time.Now,
	}
	e.cfg = newGateConfig(opts, matcher, resolver)
	return e
}

func newGateConfig(opts Options, matcher *rules.Matcher, resolver *rules.Resolver) gateConfig {
	if opts.Cooldown < 0 {
		opts.Cooldown = 0
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.MaxClimb < 0 {
		opts.MaxClimb = DefaultMaxClimb
	}
	if matcher == nil {
		matcher = rules.MustMatcher(0)
	}
	if resolver == nil {
		resolver = rules.NewResolver(nil, nil, 0, nil)
	}
	ignored := make(map[string]struct{}, len(opts.IgnoredPackages)+1)
	for _, pkg := range opts.IgnoredPackages {
		if pkg = strings.TrimSpace(pkg); pkg != "" {
			ignored[pkg] = struct{}{}
		}
	}
	if self := strings.TrimSpace(opts.SelfPackage); self != "" {
		ignored[self] = struct{}{}
	}
	return gateConfig{opts: opts, ignored: ignored, matcher: matcher, resolver: resolver}
}

// Reconfigure swaps gate options, matcher and resolver. The cooldown state
// survives so a reload cannot cause a double activation.
func (e *Engine) Reconfigure(opts Options, matcher *rules.Matcher, resolver *rules.Resolver) {
	cfg := newGateConfig(opts, matcher, resolver)
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	e.logger.Infof("reconfigured gate (cooldown %s, depth %d, climb %d, dry-run %t)", cfg.opts.Cooldown, cfg.opts.MaxDepth, cfg.opts.MaxClimb, cfg.opts.DryRun)
}

// SetMetrics attaches an outcome recorder; nil detaches it.
func (e *Engine) SetMetrics(m OutcomeRecorder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics = m
}

// SetClock overrides the wall clock, for tests and replays.
func (e *Engine) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// Options returns the active gate options.
func (e *Engine) Options() Options {
	e.mu.Lock()
	defer e.mu.Unlock()
	opts := e.cfg.opts
	opts.IgnoredPackages = append([]string(nil), opts.IgnoredPackages...)
	opts.IgnoredPrefixes = append([]string(nil), opts.IgnoredPrefixes...)
	return opts
}

// Cooldown returns a copy of the last accepted activation.
func (e *Engine) Cooldown() CooldownState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cooldown
}

// State reports whether the gate is cooling at the given instant.
func (e *Engine) State(now time.Time) GateState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.coolingLocked(now) {
		return GateCooling
	}
	return GateIdle
}

// ActiveKeywords resolves the keyword set the pipeline would use for appID.
func (e *Engine) ActiveKeywords(ctx context.Context, appID string) rules.KeywordSet {
	e.mu.Lock()
	resolver := e.cfg.resolver
	e.mu.Unlock()
	return resolver.ActiveKeywords(ctx, appID)
}

// History returns recent matches and failures, oldest first.
func (e *Engine) History() []ActivationRecord {
	return e.history.snapshot()
}

func (e *Engine) coolingLocked(now time.Time) bool {
	last := e.cooldown.LastActivation
	return !last.IsZero() && now.Sub(last) < e.cfg.opts.Cooldown
}

// Filter reports the outcome a notification would be filtered with, or ""
// when it passes the gate.
func (e *Engine) Filter(appID string, kind EventKind) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.filterLocked(appID, kind, e.now())
}

func (e *Engine) filterLocked(appID string, kind EventKind, now time.Time) Outcome {
	if kind != EventWindowState && kind != EventWindowContent {
		return OutcomeIgnoredEvent
	}
	if appID == "" {
		return OutcomeIgnoredPackage
	}
	if _, ok := e.cfg.ignored[appID]; ok {
		return OutcomeIgnoredPackage
	}
	for _, prefix := range e.cfg.opts.IgnoredPrefixes {
		if prefix != "" && strings.HasPrefix(appID, prefix) {
			return OutcomeIgnoredPackage
		}
	}
	if e.coolingLocked(now) {
		return OutcomeCooling
	}
	return ""
}

// OnUIChanged handles one notification from the host. It never returns an
// error: failures are logged and reported as OutcomeError.
func (e *Engine) OnUIChanged(ctx context.Context, appID string, kind EventKind) Outcome {
	e.mu.Lock()
	now := e.now()
	cfg := e.cfg
	filtered := e.filterLocked(appID, kind, now)
	e.mu.Unlock()

	if filtered != "" {
		e.trace("gate.filtered", map[string]any{
			"app":     appID,
			"event":   kind,
			"outcome": filtered,
		})
		e.recordOutcome(appID, filtered)
		return filtered
	}

	outcome := e.runPipeline(ctx, cfg, appID, kind, now)
	e.recordOutcome(appID, outcome)
	return outcome
}

func (e *Engine) runPipeline(ctx context.Context, cfg gateConfig, appID string, kind EventKind, started time.Time) Outcome {
	root, err := e.accessor.Root(ctx)
	if err != nil {
		if errors.Is(err, state.ErrStaleNode) {
			e.logger.Debugf("%s: window root unavailable: %v", appID, err)
			return OutcomeNoWindow
		}
		return e.fail(appID, kind, nil, fmt.Errorf("acquire root: %w", err))
	}
	if root == nil {
		return OutcomeNoWindow
	}
	defer e.accessor.Release(root)

	keywords := cfg.resolver.ActiveKeywords(ctx, appID)
	searcher := NewSearcher(e.accessor, cfg.matcher, cfg.opts.MaxDepth)
	match, err := searcher.Find(ctx, root, keywords)
	if err != nil {
		return e.fail(appID, kind, nil, fmt.Errorf("search: %w", err))
	}
	if match == nil {
		e.trace("search.miss", map[string]any{
			"app":      appID,
			"keywords": len(keywords),
		})
		return OutcomeNoMatch
	}
	defer match.Release()
	e.trace("search.hit", map[string]any{
		"app":   appID,
		"depth": match.Depth,
		"field": match.Field,
		"label": match.Label,
		"node":  match.Node.ID(),
	})

	dispatcher := e.dispatcher
	if cfg.opts.DryRun {
		dispatcher = DispatcherFunc(func(context.Context, state.Node) (bool, error) {
			return true, nil
		})
	}
	result, cooling, err := e.activateGated(ctx, dispatcher, match.Node, cfg.opts.MaxClimb, appID)
	if cooling {
		e.trace("gate.filtered", map[string]any{
			"app":     appID,
			"event":   kind,
			"outcome": OutcomeCooling,
		})
		return OutcomeCooling
	}
	if err != nil {
		return e.fail(appID, kind, match, err)
	}

	record := ActivationRecord{
		Timestamp: started,
		App:       appID,
		Event:     kind,
		Label:     match.Label,
		Field:     string(match.Field),
		Depth:     match.Depth,
	}
	if !result.Activated {
		record.Outcome = OutcomeRejected
		e.history.record(record)
		e.logger.Debugf("%s: skip control %q found but no activation was accepted", appID, match.Label)
		return OutcomeRejected
	}

	record.Outcome = OutcomeActivated
	if cfg.opts.DryRun {
		record.Outcome = OutcomeDryRun
	}
	record.Target = result.NodeID
	record.Level = result.Level
	e.history.record(record)
	if cfg.opts.DryRun {
		e.logger.Infof("[dry-run] %s: would activate %s for %q", appID, result.NodeID, match.Label)
		return OutcomeDryRun
	}
	e.logger.Infof("%s: activated %s (level %d) for %q", appID, result.NodeID, result.Level, match.Label)
	return OutcomeActivated
}

// activateGated runs one activation attempt while holding dispatchMu. A
// notification that lost the race to an accepted activation reports cooling
// without dispatching. An accepted activation starts the cooldown before the
// lock is released.
func (e *Engine) activateGated(ctx context.Context, dispatcher Dispatcher, n state.Node, maxClimb int, appID string) (ActivationResult, bool, error) {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	e.mu.Lock()
	cooling := e.coolingLocked(e.now())
	e.mu.Unlock()
	if cooling {
		return ActivationResult{}, true, nil
	}

	result, err := Activate(ctx, e.accessor, dispatcher, n, maxClimb)
	if err != nil || !result.Activated {
		return result, false, err
	}
	e.mu.Lock()
	e.cooldown = CooldownState{LastActivation: e.now(), LastApp: appID}
	e.mu.Unlock()
	return result, false, nil
}

func (e *Engine) fail(appID string, kind EventKind, match *Match, err error) Outcome {
	record := ActivationRecord{
		Timestamp: e.clock(),
		App:       appID,
		Event:     kind,
		Outcome:   OutcomeError,
		Error:     err.Error(),
	}
	if match != nil {
		record.Label = match.Label
		record.Field = string(match.Field)
		record.Depth = match.Depth
	}
	e.history.record(record)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		e.logger.Debugf("%s: pipeline aborted: %v", appID, err)
	} else {
		e.logger.Warnf("%s: pipeline aborted: %v", appID, err)
	}
	return OutcomeError
}

func (e *Engine) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now()
}

func (e *Engine) recordOutcome(appID string, outcome Outcome) {
	e.mu.Lock()
	m := e.metrics
	e.mu.Unlock()
	if m != nil {
		m.RecordOutcome(appID, string(outcome))
	}
}

// Run consumes events until the context is cancelled or the stream closes.
// Each event payload carries the foreground application identifier.
func (e *Engine) Run(ctx context.Context, events <-chan ipc.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("event stream closed")
			}
			kind := ParseEventKind(ev.Kind)
			e.trace("event.received", map[string]any{
				"kind":    ev.Kind,
				"payload": ev.Payload,
			})
			e.OnUIChanged(ctx, strings.TrimSpace(ev.Payload), kind)
		}
	}
}

func (e *Engine) trace(event string, fields map[string]any) {
	if e.logger == nil || e.logger.Level() > util.LevelTrace {
		return
	}
	e.logger.Tracef("%s %s", event, formatTraceFields(fields))
}

func formatTraceFields(fields map[string]any) string {
	if len(fields) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Quote(k))
		b.WriteByte(':')
		val, err := json.Marshal(fields[k])
		if err != nil {
			b.WriteString(strconv.Quote(fmt.Sprintf("<marshal error: %v>", err)))
			continue
		}
		b.Write(val)
	}
	b.WriteByte('}')
	return b.String()
}
