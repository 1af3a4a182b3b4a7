package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cjwcoding/ADSkipper/internal/engine"
	"github.com/cjwcoding/ADSkipper/internal/ipc"
	"github.com/cjwcoding/ADSkipper/internal/metrics"
	"github.com/cjwcoding/ADSkipper/internal/rules"
	"github.com/cjwcoding/ADSkipper/internal/state"
	"github.com/cjwcoding/ADSkipper/internal/store"
	"github.com/cjwcoding/ADSkipper/internal/util"
)

func newTestServer(t *testing.T, reload func(string) error) (*Server, *engine.Engine, store.RuleStore) {
	t.Helper()
	logger := util.NewLoggerWithWriter(util.LevelError, io.Discard)
	rs := store.NewMemory()
	tree := state.NewTree(&state.Element{Children: []*state.Element{
		{Clickable: true, Children: []*state.Element{{Text: "跳过"}}},
	}})
	resolver := rules.NewResolver(rs, nil, time.Second, logger)
	dispatcher := engine.DispatcherFunc(func(context.Context, state.Node) (bool, error) { return true, nil })
	eng := engine.New(tree, dispatcher, resolver, nil, logger, engine.DefaultOptions())
	srv, err := NewServer(filepath.Join(t.TempDir(), "control.sock"), eng, rs, logger, reload)
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	return srv, eng, rs
}

func roundTrip(t *testing.T, srv *Server, req Request, out any) Response {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.handle(context.Background(), serverConn)
	}()

	if err := json.NewEncoder(clientConn).Encode(req); err != nil {
		t.Fatalf("encode request: %v", err)
	}
	var raw struct {
		Status string          `json:"status"`
		Error  string          `json:"error"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(clientConn).Decode(&raw); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	<-done
	if out != nil && len(raw.Data) > 0 {
		if err := json.Unmarshal(raw.Data, out); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
	}
	return Response{Status: raw.Status, Error: raw.Error}
}

func TestStatusReportsGateAndMetrics(t *testing.T) {
	srv, eng, _ := newTestServer(t, nil)
	collector := metrics.NewCollector(true)
	eng.SetMetrics(collector)
	srv.SetMetrics(collector)

	if got := eng.OnUIChanged(context.Background(), "com.example.video", engine.EventWindowState); got != engine.OutcomeActivated {
		t.Fatalf("expected activation, got %s", got)
	}

	var status Status
	resp := roundTrip(t, srv, Request{Action: ActionStatus}, &status)
	if resp.Status != StatusOK {
		t.Fatalf("status failed: %s", resp.Error)
	}
	if status.State != engine.GateCooling || status.Cooldown.LastApp != "com.example.video" {
		t.Fatalf("expected cooling gate after activation, got %+v", status)
	}
	if status.CooldownMs != 3000 || status.MaxDepth != 10 || status.MaxClimb != 3 {
		t.Fatalf("unexpected bounds %+v", status)
	}
	if status.Metrics == nil || status.Metrics.Totals["activated"] != 1 {
		t.Fatalf("expected metrics snapshot with one activation, got %+v", status.Metrics)
	}
}

func TestHistoryReturnsActivationRecords(t *testing.T) {
	srv, eng, _ := newTestServer(t, nil)
	eng.OnUIChanged(context.Background(), "com.example.video", engine.EventWindowContent)

	var history History
	if resp := roundTrip(t, srv, Request{Action: ActionHistory}, &history); resp.Status != StatusOK {
		t.Fatalf("history failed: %s", resp.Error)
	}
	if len(history.Entries) != 1 {
		t.Fatalf("expected one history entry, got %d", len(history.Entries))
	}
	if entry := history.Entries[0]; entry.App != "com.example.video" || entry.Label != "跳过" || entry.Level != 1 {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestReloadInvokesCallback(t *testing.T) {
	var reasons []string
	srv, _, _ := newTestServer(t, func(reason string) error {
		reasons = append(reasons, reason)
		if len(reasons) > 1 {
			return errors.New("lint failed")
		}
		return nil
	})
	if resp := roundTrip(t, srv, Request{Action: ActionReload}, nil); resp.Status != StatusOK {
		t.Fatalf("reload failed: %s", resp.Error)
	}
	resp := roundTrip(t, srv, Request{Action: ActionReload}, nil)
	if resp.Status != StatusError || resp.Error != "lint failed" {
		t.Fatalf("expected reload error, got %+v", resp)
	}
	if len(reasons) != 2 || reasons[0] != "control request" {
		t.Fatalf("unexpected reload reasons %v", reasons)
	}

	bare, _, _ := newTestServer(t, nil)
	if resp := roundTrip(t, bare, Request{Action: ActionReload}, nil); resp.Status != StatusError {
		t.Fatalf("expected error without reload callback")
	}
}

func TestRulesRoundTrip(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	set := Request{Action: ActionRulesSet, Params: map[string]any{"app": "com.example.video", "raw": "广告结束，继续观看"}}
	if resp := roundTrip(t, srv, set, nil); resp.Status != StatusOK {
		t.Fatalf("rules.set failed: %s", resp.Error)
	}

	var entry RuleEntry
	get := Request{Action: ActionRulesGet, Params: map[string]any{"app": "com.example.video"}}
	if resp := roundTrip(t, srv, get, &entry); resp.Status != StatusOK {
		t.Fatalf("rules.get failed: %s", resp.Error)
	}
	if entry.Raw != "广告结束，继续观看" || entry.UpdatedAt.IsZero() {
		t.Fatalf("unexpected rule entry %+v", entry)
	}
	want := []string{"广告结束", "继续观看"}
	tail := entry.Keywords[len(entry.Keywords)-2:]
	if tail[0] != want[0] || tail[1] != want[1] {
		t.Fatalf("expected custom keywords after defaults, got %v", entry.Keywords)
	}

	var list RuleList
	if resp := roundTrip(t, srv, Request{Action: ActionRulesList}, &list); resp.Status != StatusOK {
		t.Fatalf("rules.list failed: %s", resp.Error)
	}
	if len(list.Rules) != 1 || list.Rules[0].App != "com.example.video" {
		t.Fatalf("unexpected rule list %+v", list)
	}

	clear := Request{Action: ActionRulesSet, Params: map[string]any{"app": "com.example.video", "raw": ""}}
	if resp := roundTrip(t, srv, clear, nil); resp.Status != StatusOK {
		t.Fatalf("clear failed: %s", resp.Error)
	}
	entry = RuleEntry{}
	roundTrip(t, srv, get, &entry)
	if entry.Raw != "" || len(entry.Keywords) != len(rules.DefaultKeywords()) {
		t.Fatalf("expected defaults after clearing, got %+v", entry)
	}
}

func TestRulesRequireApp(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	for _, action := range []string{ActionRulesGet, ActionRulesSet} {
		resp := roundTrip(t, srv, Request{Action: action, Params: map[string]any{"app": "  "}}, nil)
		if resp.Status != StatusError || resp.Error != "missing app" {
			t.Fatalf("%s: expected missing app error, got %+v", action, resp)
		}
	}
}

func TestAppsScanAndList(t *testing.T) {
	srv, _, rs := newTestServer(t, nil)
	srv.SetAppScanner(func(context.Context) ([]ipc.App, error) {
		return []ipc.App{
			{Package: "com.example.video", Label: "Video Player"},
			{Package: "com.example.news", Label: "Daily News"},
		}, nil
	})
	if err := rs.SetRawKeywords(context.Background(), "com.example.news", "关闭"); err != nil {
		t.Fatalf("seed rule: %v", err)
	}

	var scanned AppList
	if resp := roundTrip(t, srv, Request{Action: ActionAppsScan}, &scanned); resp.Status != StatusOK {
		t.Fatalf("apps.scan failed: %s", resp.Error)
	}
	if len(scanned.Apps) != 2 || scanned.Apps[0].Label != "Daily News" || !scanned.Apps[0].HasRule {
		t.Fatalf("unexpected scan result %+v", scanned)
	}
	pkgs, err := rs.InstalledPackages(context.Background())
	if err != nil || len(pkgs) != 2 {
		t.Fatalf("expected scan to persist packages, got %v (%v)", pkgs, err)
	}

	var filtered AppList
	req := Request{Action: ActionAppsList, Params: map[string]any{"filter": "player"}}
	if resp := roundTrip(t, srv, req, &filtered); resp.Status != StatusOK {
		t.Fatalf("apps.list failed: %s", resp.Error)
	}
	if len(filtered.Apps) != 1 || filtered.Apps[0].Package != "com.example.video" || filtered.Apps[0].HasRule {
		t.Fatalf("unexpected filtered list %+v", filtered)
	}
}

func TestAppsScanUnsupported(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	resp := roundTrip(t, srv, Request{Action: ActionAppsScan}, nil)
	if resp.Status != StatusError || !strings.Contains(resp.Error, "not supported") {
		t.Fatalf("expected unsupported error, got %+v", resp)
	}
}

func TestUnknownAction(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	resp := roundTrip(t, srv, Request{Action: "mode.set"}, nil)
	if resp.Status != StatusError || resp.Error != `unknown action "mode.set"` {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestServeListensUntilCancelled(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()

	var conn net.Conn
	var err error
	for i := 0; i < 100; i++ {
		conn, err = net.Dial("unix", srv.SocketPath())
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial control socket: %v", err)
	}
	if err := json.NewEncoder(conn).Encode(Request{Action: ActionStatus}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	conn.Close()
	if resp.Status != StatusOK {
		t.Fatalf("unexpected status %+v", resp)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not stop after cancel")
	}
}

func TestDefaultSocketPath(t *testing.T) {
	t.Setenv("ADSKIPPER_CONTROL_SOCKET", "")
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	path, err := DefaultSocketPath()
	if err != nil {
		t.Fatalf("DefaultSocketPath: %v", err)
	}
	if path != "/run/user/1000/adskipper/control.sock" {
		t.Fatalf("unexpected path %q", path)
	}
	t.Setenv("ADSKIPPER_CONTROL_SOCKET", "/tmp/custom.sock")
	if path, _ := DefaultSocketPath(); path != "/tmp/custom.sock" {
		t.Fatalf("env override ignored: %q", path)
	}
}
