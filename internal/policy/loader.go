package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/crankbird/crankmesh/internal/domain"
)

type policyFile struct {
	Mode         string                     `yaml:"mode"`
	Capabilities map[string]capabilityRules `yaml:"capabilities"`
}

type capabilityRules struct {
	AllowedCallers []string `yaml:"allowed_callers"`
	DeniedCallers  []string `yaml:"denied_callers"`
}

// Load reads and parses the policy file into a fresh snapshot. The
// snapshot version is the content hash, so an unchanged file reloads
// to the same version.
func Load(path string) (*domain.PolicySnapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse builds an immutable snapshot from the YAML document:
//
//	mode: enforce
//	capabilities:
//	  parse:v1:
//	    allowed_callers: [crank-ui]
//	    denied_callers: []
func Parse(raw []byte) (*domain.PolicySnapshot, error) {
	var file policyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}

	mode := domain.PolicyMode(file.Mode)
	switch mode {
	case domain.PolicyModeEnforce, domain.PolicyModeAudit:
	case "":
		mode = domain.PolicyModeEnforce
	default:
		return nil, fmt.Errorf("parse policy: unknown mode %q", file.Mode)
	}

	rules := make(map[string]domain.CapabilityRule, len(file.Capabilities))
	for key, entry := range file.Capabilities {
		ref, err := domain.ParseCapabilityRef(key)
		if err != nil {
			return nil, fmt.Errorf("parse policy: capability %q: %w", key, err)
		}
		rules[ref.String()] = domain.CapabilityRule{
			AllowedCallers: toSet(entry.AllowedCallers),
			DeniedCallers:  toSet(entry.DeniedCallers),
		}
	}

	sum := sha256.Sum256(raw)
	return &domain.PolicySnapshot{
		Version: hex.EncodeToString(sum[:])[:12],
		Mode:    mode,
		Rules:   rules,
	}, nil
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}
