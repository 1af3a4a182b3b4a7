package state

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cjwcoding/ADSkipper/internal/layout"
)

const sampleDump = `UI hierchary dumped to: /dev/tty
<?xml version='1.0' encoding='UTF-8' standalone='yes' ?><hierarchy rotation="0"><node index="0" text="" resource-id="" class="android.widget.FrameLayout" package="com.example.video" content-desc="" clickable="false" bounds="[0,0][1080,2340]"><node index="0" text="" resource-id="com.example.video:id/skip_container" class="android.widget.LinearLayout" package="com.example.video" content-desc="" clickable="true" bounds="[880,100][1060,180]"><node index="0" text="5s 跳过" resource-id="com.example.video:id/skip_text" class="android.widget.TextView" package="com.example.video" content-desc="" clickable="false" bounds="[900,120][1040,160]" /></node><node index="1" text="" resource-id="" class="android.widget.ImageView" package="com.example.video" content-desc="关闭" clickable="true" bounds="[0,0][80,80]" /></node></hierarchy>
`

func TestDecodeUIAutomator(t *testing.T) {
	tree, err := DecodeUIAutomator(strings.NewReader(sampleDump))
	if err != nil {
		t.Fatalf("DecodeUIAutomator: %v", err)
	}
	if pkg := tree.ForegroundPackage(); pkg != "com.example.video" {
		t.Fatalf("unexpected package %q", pkg)
	}
	root := tree.RootElement()
	if len(root.Children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(root.Children))
	}
	container := root.Children[0]
	if !container.Clickable || container.ResourceID != "com.example.video:id/skip_container" {
		t.Fatalf("unexpected container %+v", container)
	}
	label := container.Children[0]
	if label.Text != "5s 跳过" || label.Clickable {
		t.Fatalf("unexpected label %+v", label)
	}
	want := layout.Rect{X: 900, Y: 120, Width: 140, Height: 40}
	if label.Bounds != want {
		t.Fatalf("expected bounds %+v, got %+v", want, label.Bounds)
	}
	if root.Children[1].Description != "关闭" {
		t.Fatalf("content-desc not decoded: %+v", root.Children[1])
	}
}

func TestDecodeUIAutomatorWrapsMultipleRoots(t *testing.T) {
	doc := `<?xml version='1.0' ?><hierarchy><node package="a" text="x"/><node package="a" text="y"/></hierarchy>`
	tree, err := DecodeUIAutomator(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("DecodeUIAutomator: %v", err)
	}
	if got := len(tree.RootElement().Children); got != 2 {
		t.Fatalf("expected synthetic root with 2 children, got %d", got)
	}
}

func TestDecodeUIAutomatorRejectsGarbage(t *testing.T) {
	if _, err := DecodeUIAutomator(strings.NewReader("ERROR: null root node returned by UiTestAutomationBridge.")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestTreeHandleLifetimes(t *testing.T) {
	ctx := context.Background()
	leaf := &Element{Text: "leaf"}
	tree := NewTree(&Element{Children: []*Element{{Children: []*Element{leaf}}}})

	root, err := tree.Root(ctx)
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	mid, err := tree.Child(ctx, root, 0)
	if err != nil {
		t.Fatalf("Child: %v", err)
	}
	n, err := tree.Child(ctx, mid, 0)
	if err != nil {
		t.Fatalf("Child: %v", err)
	}
	if tree.Text(n) != "leaf" {
		t.Fatalf("unexpected text %q", tree.Text(n))
	}
	if n.ID() != "0/0/0" {
		t.Fatalf("unexpected id %q", n.ID())
	}
	parent, err := tree.Parent(ctx, n)
	if err != nil || parent == nil {
		t.Fatalf("Parent: %v", err)
	}
	if got := tree.Outstanding(); got != 4 {
		t.Fatalf("expected 4 outstanding handles, got %d", got)
	}
	for _, h := range []Node{parent, n, mid, root} {
		tree.Release(h)
		tree.Release(h)
	}
	if got := tree.Outstanding(); got != 0 {
		t.Fatalf("expected all handles released, got %d", got)
	}
	_ = tree.Text(n)
	if tree.Violations() != 1 {
		t.Fatalf("expected read-after-release to be recorded")
	}
	top, err := tree.Parent(ctx, root)
	if err != nil || top != nil {
		t.Fatalf("root parent should be nil, got %v, %v", top, err)
	}
}

func TestTreeStaleChild(t *testing.T) {
	ctx := context.Background()
	tree := NewTree(&Element{Children: []*Element{{Stale: true}}})
	root, _ := tree.Root(ctx)
	defer tree.Release(root)
	if _, err := tree.Child(ctx, root, 0); !errors.Is(err, ErrStaleNode) {
		t.Fatalf("expected ErrStaleNode, got %v", err)
	}
	if _, err := tree.Child(ctx, root, 5); !errors.Is(err, ErrStaleNode) {
		t.Fatalf("expected ErrStaleNode for out of range child, got %v", err)
	}
}

func TestSnapshotsCapturesPerRoot(t *testing.T) {
	captures := 0
	snaps := NewSnapshots(func(context.Context) (*Tree, error) {
		captures++
		return NewTree(&Element{Text: "root", Children: []*Element{{Text: "child"}}}), nil
	})
	ctx := context.Background()
	root, err := snaps.Root(ctx)
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	child, err := snaps.Child(ctx, root, 0)
	if err != nil {
		t.Fatalf("Child: %v", err)
	}
	if snaps.Text(child) != "child" || snaps.ChildCount(root) != 1 {
		t.Fatalf("snapshot accessor did not delegate")
	}
	snaps.Release(child)
	snaps.Release(root)
	if _, err := snaps.Root(ctx); err != nil {
		t.Fatalf("Root: %v", err)
	}
	if captures != 2 {
		t.Fatalf("expected a capture per Root call, got %d", captures)
	}
}
