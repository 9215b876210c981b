package ca

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"github.com/crankbird/crankmesh/internal/domain"
)

// Store holds the CA root, an optional intermediate, every issued leaf
// and the revocation set. Pure data and validation logic; no network
// code lives here.
type Store struct {
	mu sync.RWMutex

	root    *x509.Certificate
	rootKey crypto.Signer

	intermediate    *x509.Certificate
	intermediateKey crypto.Signer

	issued  map[string]*x509.Certificate
	revoked map[string]time.Time

	clock func() time.Time
}

func NewStore(root *x509.Certificate, rootKey crypto.Signer) *Store {
	return &Store{
		root:    root,
		rootKey: rootKey,
		issued:  make(map[string]*x509.Certificate),
		revoked: make(map[string]time.Time),
		clock:   time.Now,
	}
}

func (s *Store) WithClock(clock func() time.Time) *Store {
	if clock != nil {
		s.clock = clock
	}
	return s
}

func (s *Store) SetIntermediate(cert *x509.Certificate, key crypto.Signer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intermediate = cert
	s.intermediateKey = key
}

func (s *Store) Root() *x509.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.root
}

// Issuer returns the certificate and key that sign leafs: the
// intermediate when one is configured, the root otherwise.
func (s *Store) Issuer() (*x509.Certificate, crypto.Signer) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.intermediate != nil {
		return s.intermediate, s.intermediateKey
	}
	return s.root, s.rootKey
}

func (s *Store) RecordIssued(cert *x509.Certificate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issued[serialString(cert)] = cert
}

func (s *Store) Revoke(serial string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.revoked[serial]; !ok {
		s.revoked[serial] = s.clock().UTC()
	}
}

func (s *Store) IsRevoked(serial string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.revoked[serial]
	return ok
}

func (s *Store) IssuedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.issued)
}

// Pool returns the cert pool TLS listeners verify peers against.
func (s *Store) Pool() *x509.CertPool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pool := x509.NewCertPool()
	pool.AddCert(s.root)
	if s.intermediate != nil {
		pool.AddCert(s.intermediate)
	}
	return pool
}

// TrustBundlePEM is the root (plus intermediate, if any) for
// distribution to mesh participants.
func (s *Store) TrustBundlePEM() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bundle := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.root.Raw})
	if s.intermediate != nil {
		bundle = append(bundle, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.intermediate.Raw})...)
	}
	return bundle
}

// Verify checks a leaf against the chain, the validity window and the
// revocation set. A certificate is valid only when all three hold.
func (s *Store) Verify(cert *x509.Certificate) error {
	if cert == nil {
		return domain.ErrAuthenticationFailure
	}
	s.mu.RLock()
	clock := s.clock
	s.mu.RUnlock()

	now := clock()
	roots := x509.NewCertPool()
	roots.AddCert(s.Root())
	intermediates := x509.NewCertPool()
	s.mu.RLock()
	if s.intermediate != nil {
		intermediates.AddCert(s.intermediate)
	}
	s.mu.RUnlock()

	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if _, err := cert.Verify(opts); err != nil {
		if now.After(cert.NotAfter) || now.Before(cert.NotBefore) {
			return domain.ErrCertificateExpired
		}
		return fmt.Errorf("%w: %v", domain.ErrAuthenticationFailure, err)
	}
	if s.IsRevoked(serialString(cert)) {
		return domain.ErrCertificateRevoked
	}
	return nil
}

func serialString(cert *x509.Certificate) string {
	return fmt.Sprintf("%X", cert.SerialNumber)
}

// SerialString exposes the store's serial formatting for callers that
// record or revoke by serial.
func SerialString(cert *x509.Certificate) string {
	return serialString(cert)
}
