package config

import (
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// DiffSerialized returns a line diff between two raw configuration documents,
// or "" when they are identical line for line.
func DiffSerialized(previous, current []byte) string {
	return cmp.Diff(documentLines(previous), documentLines(current), cmpopts.EquateEmpty())
}

// DiffEffective compares two parsed configurations after defaults, ignoring
// differences that only affect formatting or key order.
func DiffEffective(previous, current *Config) string {
	return cmp.Diff(previous, current, cmpopts.EquateEmpty())
}

func documentLines(data []byte) []string {
	text := strings.TrimSuffix(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}
