package rules

import (
	"strings"
)

// KeywordSet is an ordered list of distinct skip keywords.
type KeywordSet []string

var defaultKeywords = KeywordSet{
	"跳过", "跳过广告", "关闭",
	"跳過", "關閉",
	"点击跳过", "点击关闭",
	"跳过 ", " 跳过",
}

// DefaultKeywords returns a copy of the built-in global keyword set.
func DefaultKeywords() KeywordSet {
	return append(KeywordSet(nil), defaultKeywords...)
}

// BuildDefaults produces the global keyword set used by a Resolver. A non-empty
// base replaces the built-in list; extra entries are appended. The result is
// never empty.
func BuildDefaults(base, extra []string) KeywordSet {
	start := DefaultKeywords()
	if cleaned := cleanKeywords(base); len(cleaned) > 0 {
		start = Merge(nil, cleaned)
	}
	return Merge(start, cleanKeywords(extra))
}

// Contains reports whether kw is present verbatim.
func (s KeywordSet) Contains(kw string) bool {
	for _, existing := range s {
		if existing == kw {
			return true
		}
	}
	return false
}

// ParseCustom splits a raw per-app keyword string on ASCII comma, full-width
// comma, and newline, trimming segments and discarding empty ones.
func ParseCustom(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '，' || r == '\n'
	})
	return cleanKeywords(fields)
}

// Merge returns defaults followed by the custom keywords not already present.
// When custom is empty the defaults are returned unchanged.
func Merge(defaults KeywordSet, custom []string) KeywordSet {
	if len(custom) == 0 {
		return defaults
	}
	out := make(KeywordSet, 0, len(defaults)+len(custom))
	seen := make(map[string]struct{}, len(defaults)+len(custom))
	for _, list := range [][]string{defaults, custom} {
		for _, kw := range list {
			if _, ok := seen[kw]; ok {
				continue
			}
			seen[kw] = struct{}{}
			out = append(out, kw)
		}
	}
	return out
}

func cleanKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	for _, kw := range in {
		kw = strings.TrimSpace(kw)
		if kw != "" {
			out = append(out, kw)
		}
	}
	return out
}
