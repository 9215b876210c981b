package soft

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"

	"github.com/crankbird/crankmesh/internal/config"
)

// Manager holds the controller's audit signing key in process memory.
// The key is owned exclusively by the audit log; no other component
// signs with it.
type Manager struct {
	key ed25519.PrivateKey
}

func NewManager(key ed25519.PrivateKey) (*Manager, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid ed25519 private key length")
	}
	return &Manager{key: append(ed25519.PrivateKey(nil), key...)}, nil
}

// NewManagerFromConfig loads the signing key from configuration,
// preferring the full base64 key over the hex seed. With neither set,
// an ephemeral key is generated; receipts then verify only within the
// lifetime of the process.
func NewManagerFromConfig(cfg config.Config) (*Manager, error) {
	if cfg.AuditSigningKeyBase64 != "" {
		raw, err := base64.StdEncoding.DecodeString(cfg.AuditSigningKeyBase64)
		if err != nil {
			return nil, errors.New("invalid AUDIT_SIGNING_KEY_BASE64")
		}
		key, err := parsePrivateKey(raw)
		if err != nil {
			return nil, err
		}
		return &Manager{key: key}, nil
	}
	if cfg.AuditSigningSeedHex != "" {
		raw, err := hex.DecodeString(cfg.AuditSigningSeedHex)
		if err != nil {
			return nil, errors.New("invalid AUDIT_SIGNING_SEED_HEX")
		}
		key, err := parsePrivateKey(raw)
		if err != nil {
			return nil, err
		}
		return &Manager{key: key}, nil
	}
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Manager{key: key}, nil
}

func (m *Manager) Sign(payload []byte) ([]byte, error) {
	if m == nil || m.key == nil {
		return nil, errors.New("signing key not loaded")
	}
	return ed25519.Sign(m.key, payload), nil
}

func (m *Manager) PublicKey() ed25519.PublicKey {
	if m == nil || m.key == nil {
		return nil
	}
	return m.key.Public().(ed25519.PublicKey)
}

// Verify checks a signature against an arbitrary public key, used by
// receipt consumers that hold only the controller's public key.
func Verify(pubKey ed25519.PublicKey, payload, sig []byte) error {
	if len(pubKey) != ed25519.PublicKeySize {
		return errors.New("invalid ed25519 public key length")
	}
	if len(sig) != ed25519.SignatureSize {
		return errors.New("invalid ed25519 signature length")
	}
	if !ed25519.Verify(pubKey, payload, sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

func parsePrivateKey(raw []byte) (ed25519.PrivateKey, error) {
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, errors.New("invalid ed25519 private key length")
	}
}
