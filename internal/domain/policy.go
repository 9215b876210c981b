package domain

type PolicyMode string

const (
	PolicyModeEnforce PolicyMode = "enforce"
	PolicyModeAudit   PolicyMode = "audit"
)

type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// CapabilityRule is the allow/deny list for one capability. Deny takes
// precedence over allow when both match the same caller.
type CapabilityRule struct {
	AllowedCallers map[string]struct{}
	DeniedCallers  map[string]struct{}
}

// PolicySnapshot is an immutable policy generation. Snapshots are
// swapped atomically; in-flight evaluations always see one consistent
// snapshot, never a partially-updated one.
type PolicySnapshot struct {
	Version string
	Mode    PolicyMode
	Rules   map[string]CapabilityRule
}

// PolicyEvaluation is the outcome of one CAP engine evaluation.
// DefaultApplied is set when no explicit rule matched the caller and
// the mode's default decided — audit mode surfaces what would be
// denied once promoted to enforce.
type PolicyEvaluation struct {
	Decision       Decision
	Mode           PolicyMode
	PolicyVersion  string
	DefaultApplied bool
}
