package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Identity is the TLS material a worker serves with once issuance
// completes.
type Identity struct {
	Certificate    tls.Certificate
	Leaf           *x509.Certificate
	RootPool       *x509.CertPool
	TrustBundlePEM []byte
	Serial         string
}

// IssueClient is the loader's view of the CA.
type IssueClient interface {
	Issue(ctx context.Context, req IssueParams) (IssueResult, error)
	TrustBundle(ctx context.Context) ([]byte, error)
}

type IssueParams struct {
	ServiceName    string
	BootstrapToken string
	CSRPEM         []byte
	SANs           []string
}

type IssueResult struct {
	CertificatePEM []byte
	ChainPEM       []byte
	Serial         string
	NotAfter       time.Time
}

// Loader obtains a worker's identity before its listener binds. Load
// blocks until a certificate is held; on failure the worker must not
// start serving. There is no degraded serve-without-mTLS fallback.
type Loader struct {
	ServiceName    string
	SANs           []string
	BootstrapToken string
	Client         IssueClient

	// CacheDir, when set, persists the certificate and key across
	// restarts. Cached material is re-validated against the CA root
	// at startup, never blindly trusted.
	CacheDir string

	clock func() time.Time
}

func (l *Loader) now() time.Time {
	if l.clock != nil {
		return l.clock()
	}
	return time.Now()
}

func (l *Loader) Load(ctx context.Context) (Identity, error) {
	if l.ServiceName == "" {
		return Identity{}, errors.New("service name is required")
	}
	if l.Client == nil {
		return Identity{}, errors.New("issue client is required")
	}

	bundle, err := l.Client.TrustBundle(ctx)
	if err != nil {
		return Identity{}, fmt.Errorf("fetch trust bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(bundle) {
		return Identity{}, errors.New("trust bundle contains no certificates")
	}

	if cached, ok := l.loadCached(pool, bundle); ok {
		return cached, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Identity{}, err
	}
	csrPEM, err := buildCSR(key, l.ServiceName, l.SANs)
	if err != nil {
		return Identity{}, err
	}
	result, err := l.Client.Issue(ctx, IssueParams{
		ServiceName:    l.ServiceName,
		BootstrapToken: l.BootstrapToken,
		CSRPEM:         csrPEM,
		SANs:           l.SANs,
	})
	if err != nil {
		return Identity{}, fmt.Errorf("issue certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return Identity{}, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	identity, err := buildIdentity(result.CertificatePEM, keyPEM, pool, bundle)
	if err != nil {
		return Identity{}, err
	}
	l.writeCache(result.CertificatePEM, keyPEM, bundle)
	return identity, nil
}

func (l *Loader) loadCached(pool *x509.CertPool, bundle []byte) (Identity, bool) {
	if l.CacheDir == "" {
		return Identity{}, false
	}
	certPEM, err := os.ReadFile(filepath.Join(l.CacheDir, "worker.crt"))
	if err != nil {
		return Identity{}, false
	}
	keyPEM, err := os.ReadFile(filepath.Join(l.CacheDir, "worker.key"))
	if err != nil {
		return Identity{}, false
	}
	identity, err := buildIdentity(certPEM, keyPEM, pool, bundle)
	if err != nil {
		return Identity{}, false
	}
	leaf := identity.Leaf
	if leaf.Subject.CommonName != l.ServiceName {
		return Identity{}, false
	}
	now := l.now()
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return Identity{}, false
	}
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:       pool,
		CurrentTime: now,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return Identity{}, false
	}
	return identity, true
}

func (l *Loader) writeCache(certPEM, keyPEM, bundle []byte) {
	if l.CacheDir == "" {
		return
	}
	if err := os.MkdirAll(l.CacheDir, 0o700); err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(l.CacheDir, "worker.crt"), certPEM, 0o600)
	_ = os.WriteFile(filepath.Join(l.CacheDir, "worker.key"), keyPEM, 0o600)
	_ = os.WriteFile(filepath.Join(l.CacheDir, "trust-bundle.pem"), bundle, 0o644)
}

func buildIdentity(certPEM, keyPEM []byte, pool *x509.CertPool, bundle []byte) (Identity, error) {
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return Identity{}, err
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return Identity{}, err
	}
	pair.Leaf = leaf
	return Identity{
		Certificate:    pair,
		Leaf:           leaf,
		RootPool:       pool,
		TrustBundlePEM: bundle,
		Serial:         fmt.Sprintf("%X", leaf.SerialNumber),
	}, nil
}

func buildCSR(key *ecdsa.PrivateKey, serviceName string, sans []string) ([]byte, error) {
	template := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: serviceName},
		DNSNames: sans,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), nil
}

// ServerTLSConfig builds the mTLS listener configuration for a worker:
// it presents the issued certificate and requires peer certificates
// signed by the mesh CA.
func (id Identity) ServerTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{id.Certificate},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    id.RootPool,
	}
}

// ClientTLSConfig builds the dialing configuration for calls into the
// mesh, presenting the worker's certificate.
func (id Identity) ClientTLSConfig(serverName string) *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{id.Certificate},
		RootCAs:      id.RootPool,
		ServerName:   serverName,
	}
}
