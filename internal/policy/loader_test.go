package policy

import (
	"testing"

	"github.com/crankbird/crankmesh/internal/domain"
)

const samplePolicy = `
mode: enforce
capabilities:
  parse:v1:
    allowed_callers: [crank-ui, batch-runner]
    denied_callers: [image-classifier]
  summarize:v2:
    allowed_callers: [crank-ui]
`

func TestParse_BuildsRules(t *testing.T) {
	snap, err := Parse([]byte(samplePolicy))
	if err != nil {
		t.Fatalf("parse policy: %v", err)
	}
	if snap.Mode != domain.PolicyModeEnforce {
		t.Fatalf("expected enforce mode, got %s", snap.Mode)
	}
	if len(snap.Rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(snap.Rules))
	}
	rule, ok := snap.Rules["parse:v1"]
	if !ok {
		t.Fatal("expected parse:v1 rule")
	}
	if _, allowed := rule.AllowedCallers["crank-ui"]; !allowed {
		t.Fatal("crank-ui should be in the allow set")
	}
	if _, denied := rule.DeniedCallers["image-classifier"]; !denied {
		t.Fatal("image-classifier should be in the deny set")
	}
}

func TestParse_EmptyModeDefaultsToEnforce(t *testing.T) {
	snap, err := Parse([]byte("capabilities: {}\n"))
	if err != nil {
		t.Fatalf("parse policy: %v", err)
	}
	if snap.Mode != domain.PolicyModeEnforce {
		t.Fatalf("expected enforce default, got %s", snap.Mode)
	}
}

func TestParse_UnknownModeRejected(t *testing.T) {
	if _, err := Parse([]byte("mode: permissive\n")); err == nil {
		t.Fatal("expected an error for unknown mode")
	}
}

func TestParse_BadCapabilityKeyRejected(t *testing.T) {
	raw := "capabilities:\n  noversion:\n    allowed_callers: [a]\n"
	if _, err := Parse([]byte(raw)); err == nil {
		t.Fatal("expected an error for capability key without version")
	}
}

func TestParse_VersionIsContentAddressed(t *testing.T) {
	first, err := Parse([]byte(samplePolicy))
	if err != nil {
		t.Fatalf("parse policy: %v", err)
	}
	second, err := Parse([]byte(samplePolicy))
	if err != nil {
		t.Fatalf("parse policy: %v", err)
	}
	if first.Version != second.Version {
		t.Fatalf("same content must produce the same version: %q vs %q", first.Version, second.Version)
	}
	changed, err := Parse([]byte(samplePolicy + "\n# trailing comment\n"))
	if err != nil {
		t.Fatalf("parse policy: %v", err)
	}
	if changed.Version == first.Version {
		t.Fatal("changed content must produce a different version")
	}
	if len(first.Version) != 12 {
		t.Fatalf("expected a 12-char version, got %q", first.Version)
	}
}
