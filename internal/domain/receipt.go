package domain

import "time"

type Outcome string

const (
	OutcomeAllowed Outcome = "allowed"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

// ReceiptChainVersion tags the canonical form hashed into the audit
// chain so the scheme can evolve without invalidating old entries.
const ReceiptChainVersion = "receipt_chain_v1"

// Receipt attests to the outcome of one routed request. Once written
// it is immutable; re-querying the same job id returns identical data.
type Receipt struct {
	JobID        string
	Caller       string
	Capability   string
	Version      string
	RequestHash  string
	ResponseHash string
	Outcome      Outcome
	Reason       string
	CreatedAt    time.Time
}

// AuditEntry is a Receipt plus its position in the tamper-evident
// chain. PrevSignature links backward to the previous entry's
// signature; EntryHash covers the receipt fields and that link;
// Signature is the controller's signature over EntryHash.
type AuditEntry struct {
	Receipt

	Seq           int64
	PrevSignature string
	EntryHash     string
	Signature     string
}
