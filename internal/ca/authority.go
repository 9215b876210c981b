package ca

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/crankbird/crankmesh/internal/domain"
)

const (
	rootValidity         = 10 * 365 * 24 * time.Hour
	intermediateValidity = 365 * 24 * time.Hour
	backdate             = time.Minute
)

// IssuedRecorder persists issuance and revocation records. The
// authority works without one; persistence is for operator audit.
type IssuedRecorder interface {
	RecordIssued(ctx context.Context, serial, serviceName string, notAfter time.Time) error
	RecordRevoked(ctx context.Context, serial string, revokedAt time.Time) error
}

// Authority signs leaf certificates for workers that present a valid
// bootstrap token. SAN claims outside the worker's authorized set are
// hard rejections, never silently narrowed.
type Authority struct {
	store    *Store
	workers  *WorkerRegistry
	leafTTL  time.Duration
	recorder IssuedRecorder
	clock    func() time.Time
}

type AuthorityConfig struct {
	Name            string
	UseIntermediate bool
	LeafTTL         time.Duration
	Workers         *WorkerRegistry
	Recorder        IssuedRecorder
	Clock           func() time.Time
}

type IssueRequest struct {
	ServiceName    string
	BootstrapToken string
	CSRPEM         []byte
	SANs           []string
}

type Issued struct {
	CertificatePEM []byte
	ChainPEM       []byte
	Serial         string
	NotAfter       time.Time
	Certificate    *x509.Certificate
}

func NewAuthority(cfg AuthorityConfig) (*Authority, error) {
	if cfg.Name == "" {
		cfg.Name = "crankmesh"
	}
	if cfg.LeafTTL <= 0 {
		cfg.LeafTTL = 24 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	rootKey, rootCert, err := createCA(cfg.Name+" root", nil, nil, rootValidity, cfg.Clock)
	if err != nil {
		return nil, err
	}
	store := NewStore(rootCert, rootKey).WithClock(cfg.Clock)
	if cfg.UseIntermediate {
		interKey, interCert, err := createCA(cfg.Name+" intermediate", rootCert, rootKey, intermediateValidity, cfg.Clock)
		if err != nil {
			return nil, err
		}
		store.SetIntermediate(interCert, interKey)
	}
	return &Authority{
		store:    store,
		workers:  cfg.Workers,
		leafTTL:  cfg.LeafTTL,
		recorder: cfg.Recorder,
		clock:    cfg.Clock,
	}, nil
}

func (a *Authority) Store() *Store {
	return a.store
}

func (a *Authority) RootCertificate() *x509.Certificate {
	return a.store.Root()
}

func (a *Authority) TrustBundlePEM() []byte {
	return a.store.TrustBundlePEM()
}

// IssueCertificate validates the bootstrap token and the SAN claim,
// then signs a short-lived leaf. Validity is bounded to limit the
// blast radius of a key compromise.
func (a *Authority) IssueCertificate(ctx context.Context, req IssueRequest) (Issued, error) {
	profile, ok := a.authorize(req.ServiceName, req.BootstrapToken)
	if !ok {
		return Issued{}, fmt.Errorf("%w: unknown worker or bad token", domain.ErrUnauthorizedSubject)
	}

	csr, err := parseCSR(req.CSRPEM)
	if err != nil {
		return Issued{}, err
	}
	if err := csr.CheckSignature(); err != nil {
		return Issued{}, fmt.Errorf("%w: csr signature", domain.ErrInvalidCSR)
	}
	if csr.Subject.CommonName != req.ServiceName {
		return Issued{}, fmt.Errorf("%w: csr common name %q does not match service %q",
			domain.ErrInvalidCSR, csr.Subject.CommonName, req.ServiceName)
	}

	sans := req.SANs
	if len(sans) == 0 {
		sans = csr.DNSNames
	}
	sans = withServiceName(sans, req.ServiceName)
	for _, san := range sans {
		if !profile.Allows(san) {
			return Issued{}, fmt.Errorf("%w: san %q outside authorized set", domain.ErrUnauthorizedSubject, san)
		}
	}

	serial, err := newSerial()
	if err != nil {
		return Issued{}, err
	}
	now := a.clock()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"crankmesh"},
			CommonName:   req.ServiceName,
		},
		DNSNames:    sans,
		NotBefore:   now.Add(-backdate),
		NotAfter:    now.Add(a.leafTTL),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	issuerCert, issuerKey := a.store.Issuer()
	der, err := x509.CreateCertificate(rand.Reader, template, issuerCert, csr.PublicKey, issuerKey)
	if err != nil {
		return Issued{}, fmt.Errorf("sign leaf: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return Issued{}, err
	}
	a.store.RecordIssued(cert)
	if a.recorder != nil {
		if err := a.recorder.RecordIssued(ctx, serialString(cert), req.ServiceName, cert.NotAfter); err != nil {
			return Issued{}, err
		}
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	chain := append(append([]byte(nil), certPEM...), a.store.TrustBundlePEM()...)
	return Issued{
		CertificatePEM: certPEM,
		ChainPEM:       chain,
		Serial:         serialString(cert),
		NotAfter:       cert.NotAfter,
		Certificate:    cert,
	}, nil
}

// IssueLocal signs a leaf for the process that owns the authority. No
// bootstrap token is involved; the caller already holds the CA key.
func (a *Authority) IssueLocal(serviceName string, sans []string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := newSerial()
	if err != nil {
		return tls.Certificate{}, err
	}
	now := a.clock()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"crankmesh"},
			CommonName:   serviceName,
		},
		DNSNames:    withServiceName(sans, serviceName),
		NotBefore:   now.Add(-backdate),
		NotAfter:    now.Add(a.leafTTL),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	issuerCert, issuerKey := a.store.Issuer()
	der, err := x509.CreateCertificate(rand.Reader, template, issuerCert, &key.PublicKey, issuerKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("sign leaf: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, err
	}
	a.store.RecordIssued(cert)
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        cert,
	}, nil
}

// Revoke adds the serial to the revocation set. It takes effect on the
// next handshake verification; already-open connections are not torn
// down.
func (a *Authority) Revoke(ctx context.Context, serial string) error {
	a.store.Revoke(serial)
	if a.recorder != nil {
		return a.recorder.RecordRevoked(ctx, serial, a.clock().UTC())
	}
	return nil
}

func (a *Authority) authorize(serviceName, token string) (WorkerProfile, bool) {
	if a.workers == nil || serviceName == "" || token == "" {
		return WorkerProfile{}, false
	}
	profile, ok := a.workers.Lookup(serviceName)
	if !ok {
		return WorkerProfile{}, false
	}
	if subtle.ConstantTimeCompare([]byte(profile.BootstrapToken), []byte(token)) != 1 {
		return WorkerProfile{}, false
	}
	return profile, true
}

func parseCSR(csrPEM []byte) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode(csrPEM)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, fmt.Errorf("%w: not a pem certificate request", domain.ErrInvalidCSR)
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidCSR, err)
	}
	return csr, nil
}

func withServiceName(sans []string, serviceName string) []string {
	for _, san := range sans {
		if san == serviceName {
			return sans
		}
	}
	return append([]string{serviceName}, sans...)
}

func newSerial() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
}

func createCA(commonName string, parent *x509.Certificate, parentKey *ecdsa.PrivateKey, validity time.Duration, clock func() time.Time) (*ecdsa.PrivateKey, *x509.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	serial, err := newSerial()
	if err != nil {
		return nil, nil, err
	}
	now := clock()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"crankmesh"},
			CommonName:   commonName,
		},
		NotBefore:             now.Add(-backdate),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	signerCert, signerKey := template, key
	if parent != nil {
		signerCert, signerKey = parent, parentKey
	}
	der, err := x509.CreateCertificate(rand.Reader, template, signerCert, &key.PublicKey, signerKey)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	return key, cert, nil
}
