package ca

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"testing"
	"time"

	"github.com/crankbird/crankmesh/internal/domain"
)

func testWorkers(t *testing.T) *WorkerRegistry {
	t.Helper()
	registry, err := NewWorkerRegistry([]WorkerProfile{
		{
			ServiceName:    "email-parser",
			BootstrapToken: "parser-token",
			SANs:           []string{"email-parser.mesh.local"},
		},
		{
			ServiceName:    "image-classifier",
			BootstrapToken: "classifier-token",
		},
	})
	if err != nil {
		t.Fatalf("new worker registry: %v", err)
	}
	return registry
}

func testAuthority(t *testing.T, clock func() time.Time) *Authority {
	t.Helper()
	authority, err := NewAuthority(AuthorityConfig{
		Name:    "crankmesh-test",
		LeafTTL: time.Hour,
		Workers: testWorkers(t),
		Clock:   clock,
	})
	if err != nil {
		t.Fatalf("new authority: %v", err)
	}
	return authority
}

func csrFor(t *testing.T, commonName string, sans []string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: commonName},
		DNSNames: sans,
	}, key)
	if err != nil {
		t.Fatalf("create csr: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
}

func TestIssueCertificate_HappyPath(t *testing.T) {
	authority := testAuthority(t, nil)
	issued, err := authority.IssueCertificate(context.Background(), IssueRequest{
		ServiceName:    "email-parser",
		BootstrapToken: "parser-token",
		CSRPEM:         csrFor(t, "email-parser", nil),
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if issued.Certificate.Subject.CommonName != "email-parser" {
		t.Fatalf("unexpected CN %q", issued.Certificate.Subject.CommonName)
	}
	found := false
	for _, san := range issued.Certificate.DNSNames {
		if san == "email-parser" {
			found = true
		}
	}
	if !found {
		t.Fatalf("service name must appear in SANs, got %v", issued.Certificate.DNSNames)
	}
	if err := authority.Store().Verify(issued.Certificate); err != nil {
		t.Fatalf("freshly issued certificate must verify: %v", err)
	}
	if issued.Serial == "" {
		t.Fatal("expected a serial")
	}
}

func TestIssueCertificate_BadToken(t *testing.T) {
	authority := testAuthority(t, nil)
	_, err := authority.IssueCertificate(context.Background(), IssueRequest{
		ServiceName:    "email-parser",
		BootstrapToken: "wrong-token",
		CSRPEM:         csrFor(t, "email-parser", nil),
	})
	if !errors.Is(err, domain.ErrUnauthorizedSubject) {
		t.Fatalf("expected ErrUnauthorizedSubject, got %v", err)
	}
}

func TestIssueCertificate_UnknownWorker(t *testing.T) {
	authority := testAuthority(t, nil)
	_, err := authority.IssueCertificate(context.Background(), IssueRequest{
		ServiceName:    "intruder",
		BootstrapToken: "parser-token",
		CSRPEM:         csrFor(t, "intruder", nil),
	})
	if !errors.Is(err, domain.ErrUnauthorizedSubject) {
		t.Fatalf("expected ErrUnauthorizedSubject, got %v", err)
	}
}

func TestIssueCertificate_SANOutsideAuthorizedSetRejected(t *testing.T) {
	authority := testAuthority(t, nil)
	_, err := authority.IssueCertificate(context.Background(), IssueRequest{
		ServiceName:    "email-parser",
		BootstrapToken: "parser-token",
		CSRPEM:         csrFor(t, "email-parser", []string{"mesh-controller"}),
		SANs:           []string{"mesh-controller"},
	})
	if !errors.Is(err, domain.ErrUnauthorizedSubject) {
		t.Fatalf("SAN outside the authorized set must be a hard reject, got %v", err)
	}
}

func TestIssueCertificate_CNMismatchRejected(t *testing.T) {
	authority := testAuthority(t, nil)
	_, err := authority.IssueCertificate(context.Background(), IssueRequest{
		ServiceName:    "email-parser",
		BootstrapToken: "parser-token",
		CSRPEM:         csrFor(t, "someone-else", nil),
	})
	if !errors.Is(err, domain.ErrInvalidCSR) {
		t.Fatalf("expected ErrInvalidCSR for CN mismatch, got %v", err)
	}
}

func TestIssueCertificate_GarbageCSRRejected(t *testing.T) {
	authority := testAuthority(t, nil)
	_, err := authority.IssueCertificate(context.Background(), IssueRequest{
		ServiceName:    "email-parser",
		BootstrapToken: "parser-token",
		CSRPEM:         []byte("not a csr"),
	})
	if !errors.Is(err, domain.ErrInvalidCSR) {
		t.Fatalf("expected ErrInvalidCSR, got %v", err)
	}
}

func TestVerify_ExpiredCertificateRejected(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	authority := testAuthority(t, clock)

	issued, err := authority.IssueCertificate(context.Background(), IssueRequest{
		ServiceName:    "email-parser",
		BootstrapToken: "parser-token",
		CSRPEM:         csrFor(t, "email-parser", nil),
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := authority.Store().Verify(issued.Certificate); err != nil {
		t.Fatalf("verify before expiry: %v", err)
	}

	now = now.Add(2 * time.Hour)
	if err := authority.Store().Verify(issued.Certificate); !errors.Is(err, domain.ErrCertificateExpired) {
		t.Fatalf("expected ErrCertificateExpired past the TTL, got %v", err)
	}
}

func TestRevoke_CertificateRejectedAfterRevocation(t *testing.T) {
	authority := testAuthority(t, nil)
	issued, err := authority.IssueCertificate(context.Background(), IssueRequest{
		ServiceName:    "email-parser",
		BootstrapToken: "parser-token",
		CSRPEM:         csrFor(t, "email-parser", nil),
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := authority.Revoke(context.Background(), issued.Serial); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := authority.Store().Verify(issued.Certificate); !errors.Is(err, domain.ErrCertificateRevoked) {
		t.Fatalf("expected ErrCertificateRevoked, got %v", err)
	}
}

func TestIssueLocal_ControllerCertificateVerifies(t *testing.T) {
	authority := testAuthority(t, nil)
	cert, err := authority.IssueLocal("mesh-controller", nil)
	if err != nil {
		t.Fatalf("issue local: %v", err)
	}
	if cert.Leaf.Subject.CommonName != "mesh-controller" {
		t.Fatalf("unexpected CN %q", cert.Leaf.Subject.CommonName)
	}
	if err := authority.Store().Verify(cert.Leaf); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestIntermediate_LeavesChainToRoot(t *testing.T) {
	authority, err := NewAuthority(AuthorityConfig{
		Name:            "crankmesh-test",
		UseIntermediate: true,
		LeafTTL:         time.Hour,
		Workers:         testWorkers(t),
	})
	if err != nil {
		t.Fatalf("new authority: %v", err)
	}
	issued, err := authority.IssueCertificate(context.Background(), IssueRequest{
		ServiceName:    "email-parser",
		BootstrapToken: "parser-token",
		CSRPEM:         csrFor(t, "email-parser", nil),
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := authority.Store().Verify(issued.Certificate); err != nil {
		t.Fatalf("leaf signed by the intermediate must chain to the root: %v", err)
	}
}

func TestParseWorkerRegistry(t *testing.T) {
	raw := []byte(`
workers:
  - service_name: email-parser
    bootstrap_token: parser-token
    sans: [email-parser.mesh.local]
  - service_name: image-classifier
    bootstrap_token: classifier-token
`)
	registry, err := ParseWorkerRegistry(raw)
	if err != nil {
		t.Fatalf("parse workers: %v", err)
	}
	profile, ok := registry.Lookup("email-parser")
	if !ok {
		t.Fatal("expected email-parser profile")
	}
	if !profile.Allows("email-parser.mesh.local") {
		t.Fatal("declared SAN should be allowed")
	}
	if profile.Allows("other.mesh.local") {
		t.Fatal("undeclared SAN must not be allowed")
	}
	if _, ok := registry.Lookup("missing"); ok {
		t.Fatal("unknown worker must not resolve")
	}
}
