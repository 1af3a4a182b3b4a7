package config

import (
	"strings"
	"testing"
)

func TestDiffSerialized(t *testing.T) {
	oldData := []byte("cooldownMs: 3000\nmaxClimb: 3\n")
	newData := []byte("cooldownMs: 3000\r\nmaxClimb: 4\r\n")

	diff := DiffSerialized(oldData, newData)
	if !strings.Contains(diff, "maxClimb: 3") || !strings.Contains(diff, "maxClimb: 4") {
		t.Fatalf("expected diff to show both maxClimb values, got %s", diff)
	}
	if diff := DiffSerialized([]byte("a: 1\n"), []byte("a: 1\r\n")); diff != "" {
		t.Fatalf("line endings alone should not differ, got %s", diff)
	}
}

func TestDiffEffectiveIgnoresFormatting(t *testing.T) {
	a, err := Parse([]byte("cooldownMs: 3000\nmaxDepth: 10\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	b, err := Parse([]byte("# defaults spelled out\nmaxDepth: 10\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if diff := DiffEffective(a, b); diff != "" {
		t.Fatalf("expected equal effective configs, got %s", diff)
	}
	b.DryRun = true
	if diff := DiffEffective(a, b); !strings.Contains(diff, "DryRun") {
		t.Fatalf("expected DryRun in diff, got %s", diff)
	}
}
