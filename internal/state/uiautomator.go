package state

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/cjwcoding/ADSkipper/internal/layout"
)

type uiNode struct {
	Text        string   `xml:"text,attr"`
	ResourceID  string   `xml:"resource-id,attr"`
	Class       string   `xml:"class,attr"`
	Package     string   `xml:"package,attr"`
	ContentDesc string   `xml:"content-desc,attr"`
	Clickable   string   `xml:"clickable,attr"`
	Bounds      string   `xml:"bounds,attr"`
	Nodes       []uiNode `xml:"node"`
}

type uiHierarchy struct {
	XMLName xml.Name `xml:"hierarchy"`
	Nodes   []uiNode `xml:"node"`
}

// DecodeUIAutomator parses a `uiautomator dump` document into a Tree. Output
// noise before the XML prolog or after the closing tag is ignored.
func DecodeUIAutomator(r io.Reader) (*Tree, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read ui dump: %w", err)
	}
	if start := bytes.Index(raw, []byte("<?xml")); start > 0 {
		raw = raw[start:]
	}
	if end := bytes.LastIndexByte(raw, '>'); end >= 0 {
		raw = raw[:end+1]
	}
	var doc uiHierarchy
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode ui dump: %w", err)
	}
	if len(doc.Nodes) == 0 {
		return NewTree(nil), nil
	}
	if len(doc.Nodes) == 1 {
		return NewTree(convert(doc.Nodes[0])), nil
	}
	root := &Element{
		Class:   "android.view.View",
		Package: doc.Nodes[0].Package,
	}
	for _, n := range doc.Nodes {
		root.Children = append(root.Children, convert(n))
	}
	return NewTree(root), nil
}

// ForegroundPackage returns the package of the captured root, if known.
func (t *Tree) ForegroundPackage() string {
	if t.root == nil {
		return ""
	}
	if t.root.Package != "" {
		return t.root.Package
	}
	for _, child := range t.root.Children {
		if child != nil && child.Package != "" {
			return child.Package
		}
	}
	return ""
}

func convert(n uiNode) *Element {
	el := &Element{
		ResourceID:  n.ResourceID,
		Class:       n.Class,
		Package:     n.Package,
		Text:        n.Text,
		Description: n.ContentDesc,
		Clickable:   strings.EqualFold(n.Clickable, "true"),
	}
	if rect, err := layout.ParseBounds(n.Bounds); err == nil {
		el.Bounds = rect
	}
	for _, child := range n.Nodes {
		el.Children = append(el.Children, convert(child))
	}
	return el
}
