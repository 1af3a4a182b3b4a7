package ipc

import (
	"context"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"

	"github.com/cjwcoding/ADSkipper/internal/layout"
	"github.com/cjwcoding/ADSkipper/internal/state"
	"github.com/cjwcoding/ADSkipper/internal/util"
)

const sampleDump = `UI hierchary dumped to: /data/local/tmp/adskip.xml
<?xml version='1.0' encoding='UTF-8' standalone='yes' ?><hierarchy rotation="0"><node index="0" text="" resource-id="" class="android.widget.FrameLayout" package="com.example.video" content-desc="" clickable="false" bounds="[0,0][1080,2340]"><node index="0" text="" resource-id="com.example.video:id/skip" class="android.widget.LinearLayout" package="com.example.video" content-desc="" clickable="true" bounds="[880,100][1060,180]"><node index="0" text="5s 跳过" resource-id="" class="android.widget.TextView" package="com.example.video" content-desc="" clickable="false" bounds="[900,120][1040,160]" /></node></node></hierarchy>`

type fakeRunner struct {
	calls   [][]string
	outputs map[string]string
	errs    map[string]error
}

func (f *fakeRunner) run(_ context.Context, binary string, args ...string) ([]byte, error) {
	call := append([]string{binary}, args...)
	f.calls = append(f.calls, call)
	last := args[len(args)-1]
	for prefix, err := range f.errs {
		if strings.HasPrefix(last, prefix) {
			return nil, err
		}
	}
	for prefix, out := range f.outputs {
		if strings.HasPrefix(last, prefix) {
			return []byte(out), nil
		}
	}
	return nil, nil
}

func testADB(f *fakeRunner) *ADB {
	logger := util.NewLoggerWithWriter(util.LevelError, io.Discard)
	return NewADB("", "emulator-5554", logger).WithRunner(f.run)
}

func TestADBDumpDecodesHierarchy(t *testing.T) {
	f := &fakeRunner{outputs: map[string]string{"uiautomator dump": sampleDump}}
	tree, err := testADB(f).Dump(context.Background())
	if err != nil {
		t.Fatalf("Dump: %v", err)
	}
	if pkg := tree.ForegroundPackage(); pkg != "com.example.video" {
		t.Fatalf("unexpected package %q", pkg)
	}
	want := []string{"adb", "-s", "emulator-5554", "shell", "uiautomator dump /data/local/tmp/adskip.xml && cat /data/local/tmp/adskip.xml"}
	if !reflect.DeepEqual(f.calls[0], want) {
		t.Fatalf("unexpected command %q", f.calls[0])
	}
}

func TestADBDumpStopsOnCancel(t *testing.T) {
	f := &fakeRunner{errs: map[string]error{"uiautomator dump": errors.New("ERROR: could not get idle state")}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := testADB(f).Dump(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation to stop retries, got %v", err)
	}
}

func TestForegroundPackage(t *testing.T) {
	cases := []struct {
		out  string
		want string
	}{
		{out: "  mCurrentFocus=Window{4f1c2d u0 com.example.video/com.example.video.PlayerActivity}\n", want: "com.example.video"},
		{out: "  mFocusedApp=ActivityRecord{91ab u0 com.example.news/.MainActivity t42}\n", want: "com.example.news"},
		{out: "  mCurrentFocus=null\n", want: ""},
	}
	for _, tc := range cases {
		if got := parseFocusedPackage(tc.out); got != tc.want {
			t.Fatalf("parseFocusedPackage(%q) = %q, want %q", tc.out, got, tc.want)
		}
	}

	f := &fakeRunner{outputs: map[string]string{"dumpsys window": "mCurrentFocus=null\n"}}
	if _, err := testADB(f).ForegroundPackage(context.Background()); err == nil {
		t.Fatalf("expected error without a focused window")
	}
}

func TestLauncherAppsDedupesAndSorts(t *testing.T) {
	out := `3 activities found:
com.example.video/.MainActivity
com.example.video/.AltLauncher
Com.Acme.Reader/com.acme.reader.Start
com.example.news/.Home
`
	f := &fakeRunner{outputs: map[string]string{"cmd package query-activities": out}}
	apps, err := testADB(f).LauncherApps(context.Background())
	if err != nil {
		t.Fatalf("LauncherApps: %v", err)
	}
	want := []App{
		{Package: "Com.Acme.Reader", Label: "Com.Acme.Reader"},
		{Package: "com.example.news", Label: "com.example.news"},
		{Package: "com.example.video", Label: "com.example.video"},
	}
	if !reflect.DeepEqual(apps, want) {
		t.Fatalf("unexpected apps %+v", apps)
	}
}

func TestTapDispatcherTapsCenter(t *testing.T) {
	f := &fakeRunner{}
	logger := util.NewLoggerWithWriter(util.LevelError, io.Discard)
	d := NewTapDispatcher(testADB(f), logger)
	tree := state.NewTree(&state.Element{
		Clickable: true,
		Bounds:    layout.Rect{X: 880, Y: 100, Width: 180, Height: 80},
	})
	root, err := tree.Root(context.Background())
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	defer tree.Release(root)

	ok, err := d.Activate(context.Background(), root)
	if err != nil || !ok {
		t.Fatalf("expected tap to be accepted, got %v %v", ok, err)
	}
	if got := f.calls[0][len(f.calls[0])-1]; got != "input tap 970 140" {
		t.Fatalf("unexpected tap command %q", got)
	}
}

func TestTapDispatcherRejectsEmptyBounds(t *testing.T) {
	f := &fakeRunner{}
	d := NewTapDispatcher(testADB(f), nil)
	tree := state.NewTree(&state.Element{Clickable: true})
	root, _ := tree.Root(context.Background())
	defer tree.Release(root)

	ok, err := d.Activate(context.Background(), root)
	if err != nil || ok {
		t.Fatalf("expected rejection without error, got %v %v", ok, err)
	}
	if len(f.calls) != 0 {
		t.Fatalf("expected no adb call, got %v", f.calls)
	}
}

func TestTapDispatcherPropagatesADBError(t *testing.T) {
	f := &fakeRunner{errs: map[string]error{"input tap": errors.New("device offline")}}
	d := NewTapDispatcher(testADB(f), nil)
	tree := state.NewTree(&state.Element{Bounds: layout.Rect{Width: 10, Height: 10}})
	root, _ := tree.Root(context.Background())
	defer tree.Release(root)

	if _, err := d.Activate(context.Background(), root); err == nil || !strings.Contains(err.Error(), "device offline") {
		t.Fatalf("expected adb error, got %v", err)
	}
}

func TestFilterApps(t *testing.T) {
	apps := []App{
		{Package: "com.example.video", Label: "Video Player"},
		{Package: "com.example.news", Label: "Daily News"},
	}
	if got := FilterApps(apps, "  "); len(got) != 2 {
		t.Fatalf("blank query should keep all apps, got %v", got)
	}
	if got := FilterApps(apps, "PLAYER"); len(got) != 1 || got[0].Package != "com.example.video" {
		t.Fatalf("label match failed: %v", got)
	}
	if got := FilterApps(apps, "example.news"); len(got) != 1 || got[0].Label != "Daily News" {
		t.Fatalf("package match failed: %v", got)
	}
	if got := FilterApps(apps, "reader"); len(got) != 0 {
		t.Fatalf("expected no match, got %v", got)
	}
}
