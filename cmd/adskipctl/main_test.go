package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cjwcoding/ADSkipper/internal/control"
	"github.com/cjwcoding/ADSkipper/internal/engine"
	"github.com/cjwcoding/ADSkipper/internal/ipc"
	"github.com/cjwcoding/ADSkipper/internal/util"
)

const videoDump = `<?xml version='1.0' encoding='UTF-8' standalone='yes' ?><hierarchy rotation="0"><node text="" class="android.widget.FrameLayout" package="com.example.video" clickable="false" bounds="[0,0][1080,2340]"><node text="" resource-id="com.example.video:id/skip_container" class="android.widget.LinearLayout" package="com.example.video" clickable="true" bounds="[880,100][1060,180]"><node text="5s 跳过" class="android.widget.TextView" package="com.example.video" clickable="false" bounds="[900,120][1040,160]" /></node></node></hierarchy>`

func writeTempFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestRunCheckSuccess(t *testing.T) {
	path := writeTempFile(t, "config.yaml", "cooldownMs: 2000\nextraKeywords: [关闭广告]\n")
	var stdout, stderr bytes.Buffer
	if err := runCheck(path, &stdout, &stderr); err != nil {
		t.Fatalf("runCheck returned error: %v", err)
	}
	if strings.TrimSpace(stdout.String()) != "Configuration OK" {
		t.Fatalf("unexpected stdout: %q", stdout.String())
	}
	if strings.TrimSpace(stderr.String()) != "" {
		t.Fatalf("expected no stderr, got %q", stderr.String())
	}
}

func TestRunCheckFailure(t *testing.T) {
	path := writeTempFile(t, "config.yaml", "cooldownMs: -5\nmaxClimb: -1\nkeywords: [跳过, 跳过]\n")
	var stdout, stderr bytes.Buffer
	if err := runCheck(path, &stdout, &stderr); err == nil {
		t.Fatalf("expected error from runCheck")
	}
	if strings.TrimSpace(stdout.String()) != "" {
		t.Fatalf("expected no stdout, got %q", stdout.String())
	}
	output := stderr.String()
	if !strings.Contains(output, "Configuration has 3 issue(s)") {
		t.Fatalf("expected aggregated error output, got %q", output)
	}
	for _, want := range []string{"- cooldownMs:", "- maxClimb: cannot be negative", "- keywords[1]:"} {
		if !strings.Contains(output, want) {
			t.Fatalf("missing %q in %q", want, output)
		}
	}
}

func TestRunScanFindsSkipControl(t *testing.T) {
	dump := writeTempFile(t, "dump.xml", videoDump)
	var stdout, stderr bytes.Buffer
	if err := runScan(context.Background(), &scanOptions{dump: dump}, &stdout, &stderr); err != nil {
		t.Fatalf("runScan: %v", err)
	}
	out := stdout.String()
	if !strings.HasPrefix(out, "com.example.video: dry-run\n") {
		t.Fatalf("unexpected outcome line: %q", out)
	}
	if !strings.Contains(out, `label: "5s 跳过" (text, depth 2)`) || !strings.Contains(out, "(level 1)") {
		t.Fatalf("unexpected scan details: %q", out)
	}
}

func TestRunScanUsesCustomKeywords(t *testing.T) {
	doc := strings.Replace(videoDump, "5s 跳过", "广告结束，继续观看", 1)
	dump := writeTempFile(t, "dump.xml", doc)

	var stdout bytes.Buffer
	if err := runScan(context.Background(), &scanOptions{dump: dump, app: "com.example.video"}, &stdout, &bytes.Buffer{}); err != nil {
		t.Fatalf("runScan: %v", err)
	}
	if !strings.HasPrefix(stdout.String(), "com.example.video: no-match") {
		t.Fatalf("expected no match without custom keywords, got %q", stdout.String())
	}

	stdout.Reset()
	opts := &scanOptions{dump: dump, app: "com.example.video", keywords: "广告结束，继续观看"}
	if err := runScan(context.Background(), opts, &stdout, &bytes.Buffer{}); err != nil {
		t.Fatalf("runScan: %v", err)
	}
	if !strings.HasPrefix(stdout.String(), "com.example.video: dry-run") {
		t.Fatalf("expected match with custom keywords, got %q", stdout.String())
	}
}

func TestRunScanRejectsGarbage(t *testing.T) {
	dump := writeTempFile(t, "dump.xml", "ERROR: could not get idle state.")
	if err := runScan(context.Background(), &scanOptions{dump: dump}, &bytes.Buffer{}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected decode error")
	}
}

func serveOnce(t *testing.T, action string, resp control.Response) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "control.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen on unix socket: %v", err)
	}
	go func() {
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var req control.Request
		if err := json.NewDecoder(conn).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		if req.Action != action {
			t.Errorf("unexpected action %q", req.Action)
		}
		_ = json.NewEncoder(conn).Encode(resp)
	}()
	return path
}

func TestStatusCommand(t *testing.T) {
	path := serveOnce(t, control.ActionStatus, control.Response{Status: control.StatusOK, Data: control.Status{
		State:      engine.GateIdle,
		CooldownMs: 3000,
		MaxDepth:   10,
		MaxClimb:   3,
		DryRun:     true,
	}})
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--socket", path, "status"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("status: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "State: idle") || !strings.Contains(got, "Cooldown: 3000ms  depth: 10  climb: 3") || !strings.Contains(got, "Dry run: on") {
		t.Fatalf("unexpected status output %q", got)
	}
}

func TestRulesSetJoinsArguments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "control.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	got := make(chan control.Request, 1)
	go func() {
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var req control.Request
		_ = json.NewDecoder(conn).Decode(&req)
		got <- req
		_ = json.NewEncoder(conn).Encode(control.Response{Status: control.StatusOK})
	}()

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--socket", path, "rules", "set", "com.example.video", "跳过片头", "close ad"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("rules set: %v", err)
	}
	req := <-got
	if req.Action != control.ActionRulesSet || req.Params["raw"] != "跳过片头,close ad" {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestHistoryCommandPrintsTable(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	path := serveOnce(t, control.ActionHistory, control.Response{Status: control.StatusOK, Data: control.History{Entries: []engine.ActivationRecord{
		{Timestamp: ts, App: "com.example.video", Outcome: engine.OutcomeActivated, Label: "跳过", Depth: 3, Level: 1},
		{Timestamp: ts, App: "com.example.news", Outcome: engine.OutcomeError, Error: "tap failed"},
	}}})
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--socket", path, "history", "-n", "0"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("history: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "TIME") {
		t.Fatalf("unexpected history output %q", out.String())
	}
	if !strings.Contains(lines[1], "activated") || !strings.Contains(lines[2], "tap failed") {
		t.Fatalf("unexpected rows %q", lines)
	}
}

func TestEmitPublishesEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.sock")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := ipc.Subscribe(ctx, path, util.NewLoggerWithWriter(util.LevelError, &bytes.Buffer{}))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"emit", "window_state", "com.example.video", "--events-socket", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("emit: %v", err)
	}
	select {
	case ev := <-events:
		if ev.Kind != ipc.KindWindowState || ev.Payload != "com.example.video" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event not received")
	}

	bad := newRootCmd()
	bad.SetArgs([]string{"emit", "scroll", "com.example.video", "--events-socket", path})
	if err := bad.Execute(); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}
