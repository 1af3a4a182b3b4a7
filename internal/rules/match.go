package rules

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultShortLabelMax is the rune length below which keyword containment
// counts as a hit. Longer text only matches by equality or countdown shape.
const DefaultShortLabelMax = 15

var defaultCountdownPatterns = []string{
	`^\d+\s*[sS秒]\s*跳过`,
	`^跳过\s*\d+\s*[sS秒]?`,
	`^\d+\s*[sS秒]?\s*[Ss]kip`,
	`^[Ss]kip\s*(in\s*)?\d+`,
}

// DefaultCountdownPatterns returns the source of the built-in countdown label patterns.
func DefaultCountdownPatterns() []string {
	return append([]string(nil), defaultCountdownPatterns...)
}

// CountdownPattern is a compiled countdown label shape such as "5s 跳过".
type CountdownPattern struct {
	source string
	re     *regexp.Regexp
}

// CompileCountdownPattern compiles a countdown label expression.
func CompileCountdownPattern(expr string) (CountdownPattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return CountdownPattern{}, fmt.Errorf("countdown pattern %q: %w", expr, err)
	}
	return CountdownPattern{source: expr, re: re}, nil
}

// String returns the pattern source.
func (p CountdownPattern) String() string {
	return p.source
}

// Match reports whether the pattern matches anywhere in text.
func (p CountdownPattern) Match(text string) bool {
	return p.re != nil && p.re.MatchString(text)
}

// Matcher decides whether a label denotes a skip or close control.
// A Matcher is immutable after construction and safe for concurrent use.
type Matcher struct {
	shortLabelMax int
	countdown     []CountdownPattern
}

// NewMatcher compiles the built-in countdown patterns followed by extra.
// shortLabelMax <= 0 selects DefaultShortLabelMax.
func NewMatcher(shortLabelMax int, extra ...string) (*Matcher, error) {
	if shortLabelMax <= 0 {
		shortLabelMax = DefaultShortLabelMax
	}
	exprs := append(DefaultCountdownPatterns(), extra...)
	patterns := make([]CountdownPattern, 0, len(exprs))
	for _, expr := range exprs {
		p, err := CompileCountdownPattern(expr)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	return &Matcher{shortLabelMax: shortLabelMax, countdown: patterns}, nil
}

// MustMatcher is NewMatcher for known-good inputs.
func MustMatcher(shortLabelMax int, extra ...string) *Matcher {
	m, err := NewMatcher(shortLabelMax, extra...)
	if err != nil {
		panic(err)
	}
	return m
}

// CountdownPatterns returns the compiled patterns in evaluation order.
func (m *Matcher) CountdownPatterns() []CountdownPattern {
	return append([]CountdownPattern(nil), m.countdown...)
}

// IsSkipControl reports whether text looks like a skip control under keywords.
func (m *Matcher) IsSkipControl(text string, keywords KeywordSet) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	lowered := strings.ToLower(trimmed)
	short := utf8.RuneCountInString(trimmed) < m.shortLabelMax
	for _, kw := range keywords {
		if strings.EqualFold(trimmed, kw) {
			return true
		}
		if short && kw != "" && strings.Contains(lowered, strings.ToLower(kw)) {
			return true
		}
	}
	for _, p := range m.countdown {
		if p.Match(trimmed) {
			return true
		}
	}
	return false
}
