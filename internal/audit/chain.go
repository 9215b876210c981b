package audit

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/crankbird/crankmesh/internal/domain"
)

// zeroPrevSignature anchors the chain genesis.
const zeroPrevSignature = "0000000000000000000000000000000000000000000000000000000000000000"

// ErrChainBroken marks any verification failure: a reordered, altered
// or truncated log.
var ErrChainBroken = errors.New("audit chain broken")

// ChainLister is the read side VerifyChain walks.
type ChainLister interface {
	ListAll(ctx context.Context) ([]domain.AuditEntry, error)
}

// VerifyChain walks every entry in order and checks sequence
// continuity, the backward signature links, the entry hashes and the
// controller signatures. Any mismatch means the log was tampered with
// or truncated.
func VerifyChain(ctx context.Context, lister ChainLister, pubKey ed25519.PublicKey) error {
	entries, err := lister.ListAll(ctx)
	if err != nil {
		return err
	}
	expectedSeq := int64(1)
	prevSig := zeroPrevSignature
	for _, entry := range entries {
		if entry.Seq != expectedSeq {
			return fmt.Errorf("%w: seq mismatch: expected %d got %d", ErrChainBroken, expectedSeq, entry.Seq)
		}
		if entry.PrevSignature != prevSig {
			return fmt.Errorf("%w: prev signature mismatch at seq %d", ErrChainBroken, entry.Seq)
		}
		canonical := canonicalEntry(entry)
		if sha256Hex(canonical) != entry.EntryHash {
			return fmt.Errorf("%w: entry hash mismatch at seq %d", ErrChainBroken, entry.Seq)
		}
		sig, err := hex.DecodeString(entry.Signature)
		if err != nil {
			return fmt.Errorf("%w: signature decode failed at seq %d", ErrChainBroken, entry.Seq)
		}
		if !ed25519.Verify(pubKey, canonical, sig) {
			return fmt.Errorf("%w: signature invalid at seq %d", ErrChainBroken, entry.Seq)
		}
		prevSig = entry.Signature
		expectedSeq++
	}
	return nil
}

// canonicalEntry renders the signed fields with fixed key order and
// JSON string escaping, independent of encoding/json map ordering.
func canonicalEntry(entry domain.AuditEntry) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte('{')
	writeKV(buf, "caller", entry.Caller, false)
	writeKV(buf, "capability", entry.Capability, false)
	writeKV(buf, "created_at", entry.CreatedAt.UTC().Format(time.RFC3339Nano), false)
	writeKV(buf, "job_id", entry.JobID, false)
	writeKV(buf, "outcome", string(entry.Outcome), false)
	writeKV(buf, "prev_signature", entry.PrevSignature, false)
	writeKV(buf, "reason", entry.Reason, false)
	writeKV(buf, "request_hash", entry.RequestHash, false)
	writeKV(buf, "response_hash", entry.ResponseHash, false)
	writeKVNumber(buf, "seq", entry.Seq, false)
	writeKV(buf, "v", domain.ReceiptChainVersion, false)
	writeKV(buf, "version", entry.Version, true)
	buf.WriteByte('}')
	return buf.Bytes()
}

func sha256Hex(input []byte) string {
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}

// ContentHash is the SHA-256 hex of a request or response payload.
func ContentHash(payload []byte) string {
	return sha256Hex(payload)
}

func writeKV(buf *bytes.Buffer, key, value string, last bool) {
	writeJSONString(buf, key)
	buf.WriteByte(':')
	writeJSONString(buf, value)
	if !last {
		buf.WriteByte(',')
	}
}

func writeKVNumber(buf *bytes.Buffer, key string, value int64, last bool) {
	writeJSONString(buf, key)
	buf.WriteByte(':')
	buf.WriteString(strconv.FormatInt(value, 10))
	if !last {
		buf.WriteByte(',')
	}
}

func writeJSONString(buf *bytes.Buffer, value string) {
	buf.WriteByte('"')
	for _, r := range value {
		switch r {
		case '"', '\\':
			buf.WriteByte('\\')
			buf.WriteRune(r)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexLower[r>>4])
				buf.WriteByte(hexLower[r&0x0f])
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

var hexLower = []byte("0123456789abcdef")
