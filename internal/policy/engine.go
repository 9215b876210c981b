package policy

import (
	"log/slog"
	"sync/atomic"

	"github.com/crankbird/crankmesh/internal/domain"
)

// Engine evaluates whether a caller identity may invoke a capability.
// The active policy is an immutable snapshot behind an atomic pointer;
// Swap installs a new generation without readers ever observing a
// partially-applied change.
type Engine struct {
	snapshot atomic.Pointer[domain.PolicySnapshot]
	logger   *slog.Logger
}

func NewEngine(initial *domain.PolicySnapshot, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{logger: logger}
	if initial == nil {
		initial = &domain.PolicySnapshot{
			Mode:  domain.PolicyModeEnforce,
			Rules: map[string]domain.CapabilityRule{},
		}
	}
	e.snapshot.Store(initial)
	return e
}

func (e *Engine) Snapshot() *domain.PolicySnapshot {
	return e.snapshot.Load()
}

// Swap atomically installs a new policy generation.
func (e *Engine) Swap(next *domain.PolicySnapshot) {
	if next == nil {
		return
	}
	prev := e.snapshot.Swap(next)
	e.logger.Info("policy swapped",
		"previous_version", versionOf(prev),
		"version", next.Version,
		"mode", string(next.Mode))
}

// Evaluate applies rule order: explicit deny, then explicit allow,
// then the mode default — deny in enforce mode (fail-closed), allow in
// audit mode. Default-decided evaluations are logged so audit mode
// surfaces what would be denied once promoted to enforce.
func (e *Engine) Evaluate(caller string, ref domain.CapabilityRef) domain.PolicyEvaluation {
	snap := e.snapshot.Load()
	eval := domain.PolicyEvaluation{
		Mode:          snap.Mode,
		PolicyVersion: snap.Version,
	}

	rule, ok := snap.Rules[ref.String()]
	if ok {
		if _, denied := rule.DeniedCallers[caller]; denied {
			eval.Decision = domain.DecisionDeny
			return eval
		}
		if _, allowed := rule.AllowedCallers[caller]; allowed {
			eval.Decision = domain.DecisionAllow
			return eval
		}
	}

	eval.DefaultApplied = true
	if snap.Mode == domain.PolicyModeAudit {
		eval.Decision = domain.DecisionAllow
		e.logger.Warn("policy default applied in audit mode; would deny under enforce",
			"caller", caller,
			"capability", ref.String(),
			"policy_version", snap.Version)
		return eval
	}
	eval.Decision = domain.DecisionDeny
	e.logger.Info("policy default deny",
		"caller", caller,
		"capability", ref.String(),
		"policy_version", snap.Version)
	return eval
}

func versionOf(snap *domain.PolicySnapshot) string {
	if snap == nil {
		return ""
	}
	return snap.Version
}
