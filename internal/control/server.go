package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cjwcoding/ADSkipper/internal/engine"
	"github.com/cjwcoding/ADSkipper/internal/ipc"
	"github.com/cjwcoding/ADSkipper/internal/metrics"
	"github.com/cjwcoding/ADSkipper/internal/store"
	"github.com/cjwcoding/ADSkipper/internal/util"
)

// AppScanner lists the launchable applications on the device.
type AppScanner func(ctx context.Context) ([]ipc.App, error)

// Server hosts the adskipper control socket and serves requests.
type Server struct {
	engine     *engine.Engine
	rules      store.RuleStore
	logger     *util.Logger
	reload     func(reason string) error
	socketPath string

	metrics *metrics.Collector
	scan    AppScanner

	mu       sync.Mutex
	listener net.Listener
	labels   map[string]string
}

// NewServer creates a new control server. An empty path selects
// DefaultSocketPath.
func NewServer(path string, eng *engine.Engine, rules store.RuleStore, logger *util.Logger, reload func(reason string) error) (*Server, error) {
	if path == "" {
		var err error
		path, err = DefaultSocketPath()
		if err != nil {
			return nil, err
		}
	}
	return &Server{
		engine:     eng,
		rules:      rules,
		logger:     logger,
		reload:     reload,
		socketPath: path,
		labels:     make(map[string]string),
	}, nil
}

// SetMetrics exposes collector snapshots through the status action.
func (s *Server) SetMetrics(c *metrics.Collector) {
	s.metrics = c
}

// SetAppScanner enables the apps.scan action.
func (s *Server) SetAppScanner(scan AppScanner) {
	s.scan = scan
}

// SocketPath returns the path the server listens on.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Serve listens on the control socket until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.prepareSocket(); err != nil {
		return err
	}
	s.logger.Infof("control server listening on %s", s.socketPath)
	defer s.cleanup()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Unlock()
	}()

	for {
		conn, err := s.accept(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			s.logger.Errorf("control accept error: %v", err)
			continue
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) accept(ctx context.Context) (net.Conn, error) {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return nil, context.Canceled
	}
	conn, err := listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return conn, nil
}

func (s *Server) prepareSocket() error {
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create control dir: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on control socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("chmod control socket: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	return nil
}

func (s *Server) cleanup() {
	s.mu.Lock()
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()
	if listener != nil {
		listener.Close()
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warnf("remove control socket: %v", err)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	dec := json.NewDecoder(conn)
	var req Request
	if err := dec.Decode(&req); err != nil {
		s.writeError(conn, fmt.Errorf("decode request: %w", err))
		return
	}
	switch req.Action {
	case ActionStatus:
		s.handleStatus(conn)
	case ActionHistory:
		s.writeOK(conn, History{Entries: s.engine.History()})
	case ActionReload:
		s.handleReload(conn)
	case ActionRulesGet:
		s.handleRulesGet(ctx, conn, req.Params)
	case ActionRulesSet:
		s.handleRulesSet(ctx, conn, req.Params)
	case ActionRulesList:
		s.handleRulesList(ctx, conn)
	case ActionAppsList:
		s.handleAppsList(ctx, conn, req.Params)
	case ActionAppsScan:
		s.handleAppsScan(ctx, conn)
	default:
		s.writeError(conn, fmt.Errorf("unknown action %q", req.Action))
	}
}

func (s *Server) handleStatus(conn net.Conn) {
	opts := s.engine.Options()
	status := Status{
		State:           s.engine.State(time.Now()),
		Cooldown:        s.engine.Cooldown(),
		CooldownMs:      opts.Cooldown.Milliseconds(),
		MaxDepth:        opts.MaxDepth,
		MaxClimb:        opts.MaxClimb,
		SelfPackage:     opts.SelfPackage,
		IgnoredPackages: opts.IgnoredPackages,
		IgnoredPrefixes: opts.IgnoredPrefixes,
		DryRun:          opts.DryRun,
	}
	if s.metrics != nil && s.metrics.Enabled() {
		snap := s.metrics.Snapshot()
		status.Metrics = &snap
	}
	s.writeOK(conn, status)
}

func (s *Server) handleReload(conn net.Conn) {
	if s.reload == nil {
		s.writeError(conn, errors.New("reload not supported"))
		return
	}
	if err := s.reload("control request"); err != nil {
		s.writeError(conn, err)
		return
	}
	s.writeOK(conn, nil)
}

func (s *Server) handleRulesGet(ctx context.Context, conn net.Conn, params map[string]any) {
	app := stringParam(params, "app")
	if app == "" {
		s.writeError(conn, errors.New("missing app"))
		return
	}
	entry := RuleEntry{App: app}
	rule, err := s.rules.Rule(ctx, app)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		s.writeError(conn, err)
		return
	default:
		entry.Raw = rule.Raw
		entry.UpdatedAt = rule.UpdatedAt
	}
	entry.Keywords = s.engine.ActiveKeywords(ctx, app)
	s.writeOK(conn, entry)
}

func (s *Server) handleRulesSet(ctx context.Context, conn net.Conn, params map[string]any) {
	app := stringParam(params, "app")
	if app == "" {
		s.writeError(conn, errors.New("missing app"))
		return
	}
	raw, _ := params["raw"].(string)
	if err := s.rules.SetRawKeywords(ctx, app, raw); err != nil {
		s.writeError(conn, err)
		return
	}
	if strings.TrimSpace(raw) == "" {
		s.logger.Infof("cleared keyword rule for %s", app)
	} else {
		s.logger.Infof("updated keyword rule for %s", app)
	}
	s.writeOK(conn, nil)
}

func (s *Server) handleRulesList(ctx context.Context, conn net.Conn) {
	stored, err := s.rules.ListRules(ctx)
	if err != nil {
		s.writeError(conn, err)
		return
	}
	list := RuleList{Rules: make([]RuleEntry, 0, len(stored))}
	for _, rule := range stored {
		list.Rules = append(list.Rules, RuleEntry{
			App:       rule.App,
			Raw:       rule.Raw,
			Keywords:  s.engine.ActiveKeywords(ctx, rule.App),
			UpdatedAt: rule.UpdatedAt,
		})
	}
	s.writeOK(conn, list)
}

func (s *Server) handleAppsList(ctx context.Context, conn net.Conn, params map[string]any) {
	pkgs, err := s.rules.InstalledPackages(ctx)
	if err != nil {
		s.writeError(conn, err)
		return
	}
	apps := make([]ipc.App, 0, len(pkgs))
	s.mu.Lock()
	for _, pkg := range pkgs {
		label := s.labels[pkg]
		if label == "" {
			label = pkg
		}
		apps = append(apps, ipc.App{Package: pkg, Label: label})
	}
	s.mu.Unlock()
	apps = ipc.FilterApps(apps, stringParam(params, "filter"))
	list, err := s.appList(ctx, apps)
	if err != nil {
		s.writeError(conn, err)
		return
	}
	s.writeOK(conn, list)
}

func (s *Server) handleAppsScan(ctx context.Context, conn net.Conn) {
	if s.scan == nil {
		s.writeError(conn, errors.New("app scan not supported"))
		return
	}
	apps, err := s.scan(ctx)
	if err != nil {
		s.writeError(conn, fmt.Errorf("scan apps: %w", err))
		return
	}
	pkgs := make([]string, 0, len(apps))
	s.mu.Lock()
	for _, app := range apps {
		pkgs = append(pkgs, app.Package)
		s.labels[app.Package] = app.Label
	}
	s.mu.Unlock()
	if err := s.rules.SetInstalledPackages(ctx, pkgs); err != nil {
		s.writeError(conn, err)
		return
	}
	s.logger.Infof("scanned %d launchable apps", len(apps))
	list, err := s.appList(ctx, apps)
	if err != nil {
		s.writeError(conn, err)
		return
	}
	s.writeOK(conn, list)
}

func (s *Server) appList(ctx context.Context, apps []ipc.App) (AppList, error) {
	stored, err := s.rules.ListRules(ctx)
	if err != nil {
		return AppList{}, err
	}
	withRule := make(map[string]bool, len(stored))
	for _, rule := range stored {
		withRule[rule.App] = true
	}
	list := AppList{Apps: make([]AppEntry, 0, len(apps))}
	for _, app := range apps {
		list.Apps = append(list.Apps, AppEntry{Package: app.Package, Label: app.Label, HasRule: withRule[app.Package]})
	}
	sort.SliceStable(list.Apps, func(i, j int) bool {
		return strings.ToLower(list.Apps[i].Label) < strings.ToLower(list.Apps[j].Label)
	})
	return list, nil
}

func stringParam(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return strings.TrimSpace(v)
}

func (s *Server) writeOK(conn net.Conn, data any) {
	resp := Response{Status: StatusOK}
	if data != nil {
		resp.Data = data
	}
	_ = json.NewEncoder(conn).Encode(resp)
}

func (s *Server) writeError(conn net.Conn, err error) {
	resp := Response{Status: StatusError}
	if err != nil {
		resp.Error = err.Error()
	}
	_ = json.NewEncoder(conn).Encode(resp)
}
