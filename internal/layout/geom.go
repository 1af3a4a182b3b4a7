package layout

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
)

// Rect represents an on-screen element rectangle in device pixels.
type Rect struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

var boundsPattern = regexp.MustCompile(`^\[(-?\d+),(-?\d+)\]\[(-?\d+),(-?\d+)\]$`)

// ParseBounds decodes the uiautomator "[x1,y1][x2,y2]" bounds notation.
func ParseBounds(s string) (Rect, error) {
	m := boundsPattern.FindStringSubmatch(s)
	if m == nil {
		return Rect{}, fmt.Errorf("invalid bounds %q", s)
	}
	var coords [4]float64
	for i := range coords {
		v, err := strconv.Atoi(m[i+1])
		if err != nil {
			return Rect{}, fmt.Errorf("invalid bounds %q: %w", s, err)
		}
		coords[i] = float64(v)
	}
	r := Rect{
		X:      coords[0],
		Y:      coords[1],
		Width:  coords[2] - coords[0],
		Height: coords[3] - coords[1],
	}
	if r.Width < 0 || r.Height < 0 {
		return Rect{}, fmt.Errorf("inverted bounds %q", s)
	}
	return r, nil
}

// String formats the rect back into bounds notation.
func (r Rect) String() string {
	return fmt.Sprintf("[%d,%d][%d,%d]", int(r.X), int(r.Y), int(r.X+r.Width), int(r.Y+r.Height))
}

// Empty reports whether the rect has no tappable area.
func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Center returns the integer tap point at the middle of the rect.
func (r Rect) Center() (int, int) {
	return int(math.Round(r.X + r.Width/2)), int(math.Round(r.Y + r.Height/2))
}
