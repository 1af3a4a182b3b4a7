package ipc

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/cjwcoding/ADSkipper/internal/state"
	"github.com/cjwcoding/ADSkipper/internal/util"
)

const (
	dumpFile        = "/data/local/tmp/adskip.xml"
	dumpRetries     = 3
	dumpRetryPause  = 500 * time.Millisecond
	launcherQueryAt = "android.intent.action.MAIN"
	launcherQueryCt = "android.intent.category.LAUNCHER"
)

// Runner executes a binary and returns its stdout.
type Runner func(ctx context.Context, binary string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, binary string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %s: %v: %s", binary, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// ADB wraps adb shell-outs against a single device.
type ADB struct {
	Binary string
	Serial string

	runner Runner
	logger *util.Logger
}

// NewADB returns a client for the given device serial using binary, or adb on
// PATH when binary is empty. An empty serial targets the only attached device.
func NewADB(binary, serial string, logger *util.Logger) *ADB {
	if binary == "" {
		binary = "adb"
	}
	return &ADB{Binary: binary, Serial: serial, runner: execRunner, logger: logger}
}

// WithRunner returns a copy of the client that executes commands through r.
func (a *ADB) WithRunner(r Runner) *ADB {
	clone := *a
	clone.runner = r
	return &clone
}

func (a *ADB) run(ctx context.Context, args ...string) ([]byte, error) {
	full := args
	if a.Serial != "" {
		full = append([]string{"-s", a.Serial}, args...)
	}
	runner := a.runner
	if runner == nil {
		runner = execRunner
	}
	return runner(ctx, a.Binary, full...)
}

func (a *ADB) shell(ctx context.Context, command string) ([]byte, error) {
	return a.run(ctx, "shell", command)
}

// Dump captures the current UI hierarchy. uiautomator is flaky on busy
// screens, so the dump is retried a few times.
func (a *ADB) Dump(ctx context.Context) (*state.Tree, error) {
	var lastErr error
	for attempt := 0; attempt < dumpRetries; attempt++ {
		if attempt > 0 {
			_, _ = a.shell(ctx, "pkill uiautomator")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(dumpRetryPause):
			}
		}
		out, err := a.shell(ctx, fmt.Sprintf("uiautomator dump %s && cat %s", dumpFile, dumpFile))
		if err == nil {
			tree, decodeErr := state.DecodeUIAutomator(bytes.NewReader(out))
			if decodeErr == nil {
				return tree, nil
			}
			err = decodeErr
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		a.logger.Debugf("ui dump attempt %d/%d failed: %v", attempt+1, dumpRetries, err)
	}
	return nil, fmt.Errorf("dump ui after %d attempts: %w", dumpRetries, lastErr)
}

// Tap injects a tap at screen coordinates.
func (a *ADB) Tap(ctx context.Context, x, y int) error {
	_, err := a.shell(ctx, fmt.Sprintf("input tap %d %d", x, y))
	return err
}

var focusPattern = regexp.MustCompile(`(?:mCurrentFocus|mFocusedApp|topResumedActivity|mResumedActivity)[^\n]*?\s([A-Za-z0-9_.]+)/`)

// ForegroundPackage returns the package that owns the focused window.
func (a *ADB) ForegroundPackage(ctx context.Context) (string, error) {
	out, err := a.shell(ctx, "dumpsys window | grep -E 'mCurrentFocus|mFocusedApp'")
	if err != nil {
		return "", err
	}
	if pkg := parseFocusedPackage(string(out)); pkg != "" {
		return pkg, nil
	}
	return "", fmt.Errorf("no focused window in dumpsys output")
}

func parseFocusedPackage(out string) string {
	m := focusPattern.FindStringSubmatch(out)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// App is a launchable application on the device.
type App struct {
	Package string `json:"package" yaml:"package"`
	Label   string `json:"label" yaml:"label"`
}

// LauncherApps lists packages with a launcher activity, deduplicated and
// sorted by label. adb exposes no labels, so the package doubles as label.
func (a *ADB) LauncherApps(ctx context.Context) ([]App, error) {
	out, err := a.shell(ctx, fmt.Sprintf("cmd package query-activities --brief -a %s -c %s", launcherQueryAt, launcherQueryCt))
	if err != nil {
		return nil, err
	}
	return parseLauncherActivities(out), nil
}

func parseLauncherActivities(out []byte) []App {
	seen := make(map[string]struct{})
	var apps []App
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		slash := strings.IndexByte(line, '/')
		if slash <= 0 {
			continue
		}
		pkg := line[:slash]
		if strings.ContainsAny(pkg, " \t:") {
			continue
		}
		if _, ok := seen[pkg]; ok {
			continue
		}
		seen[pkg] = struct{}{}
		apps = append(apps, App{Package: pkg, Label: pkg})
	}
	sort.SliceStable(apps, func(i, j int) bool {
		return strings.ToLower(apps[i].Label) < strings.ToLower(apps[j].Label)
	})
	return apps
}

// TapDispatcher activates nodes by tapping the centre of their bounds.
type TapDispatcher struct {
	adb    *ADB
	logger *util.Logger
}

// NewTapDispatcher returns a dispatcher that taps through adb.
func NewTapDispatcher(adb *ADB, logger *util.Logger) *TapDispatcher {
	return &TapDispatcher{adb: adb, logger: logger}
}

// Activate taps n. Nodes without on-screen bounds are rejected rather than
// tapped at the origin.
func (d *TapDispatcher) Activate(ctx context.Context, n state.Node) (bool, error) {
	el, ok := state.ElementOf(n)
	if !ok || el.Bounds.Empty() {
		return false, nil
	}
	x, y := el.Bounds.Center()
	if err := d.adb.Tap(ctx, x, y); err != nil {
		return false, fmt.Errorf("tap %s at (%d,%d): %w", n.ID(), x, y, err)
	}
	d.logger.Debugf("tapped %s at (%d,%d)", n.ID(), x, y)
	return true, nil
}

// FilterApps keeps apps whose label or package contains query, ignoring case.
// A blank query keeps everything.
func FilterApps(apps []App, query string) []App {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return append([]App(nil), apps...)
	}
	var out []App
	for _, app := range apps {
		if strings.Contains(strings.ToLower(app.Label), query) || strings.Contains(strings.ToLower(app.Package), query) {
			out = append(out, app)
		}
	}
	return out
}
