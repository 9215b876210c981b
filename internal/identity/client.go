package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/crankbird/crankmesh/internal/ca"
)

// HTTPClient talks to the controller's bootstrap listener. Issuance
// happens before the worker holds a certificate, so this is the one
// mesh call that is not mutually authenticated; the bootstrap token is
// the out-of-band proof of identity.
type HTTPClient struct {
	BaseURL string
	Client  *http.Client
}

type issueRequestBody struct {
	ServiceName    string   `json:"service_name"`
	BootstrapToken string   `json:"bootstrap_token"`
	CSRPEM         string   `json:"csr_pem"`
	SANs           []string `json:"sans,omitempty"`
}

type issueResponseBody struct {
	CertificatePEM string    `json:"certificate_pem"`
	ChainPEM       string    `json:"chain_pem"`
	Serial         string    `json:"serial"`
	NotAfter       time.Time `json:"not_after"`
}

func (c *HTTPClient) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

func (c *HTTPClient) Issue(ctx context.Context, req IssueParams) (IssueResult, error) {
	body, err := json.Marshal(issueRequestBody{
		ServiceName:    req.ServiceName,
		BootstrapToken: req.BootstrapToken,
		CSRPEM:         string(req.CSRPEM),
		SANs:           req.SANs,
	})
	if err != nil {
		return IssueResult{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/ca/issue", bytes.NewReader(body))
	if err != nil {
		return IssueResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return IssueResult{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return IssueResult{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return IssueResult{}, fmt.Errorf("ca issue failed: status %d: %s", resp.StatusCode, raw)
	}
	var out issueResponseBody
	if err := json.Unmarshal(raw, &out); err != nil {
		return IssueResult{}, err
	}
	return IssueResult{
		CertificatePEM: []byte(out.CertificatePEM),
		ChainPEM:       []byte(out.ChainPEM),
		Serial:         out.Serial,
		NotAfter:       out.NotAfter,
	}, nil
}

func (c *HTTPClient) TrustBundle(ctx context.Context) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/ca/root", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ca root failed: status %d", resp.StatusCode)
	}
	return raw, nil
}

// AuthorityClient issues directly against an in-process authority,
// used in tests and single-binary deployments where the controller
// hosts its own workers.
type AuthorityClient struct {
	Authority *ca.Authority
}

func (c *AuthorityClient) Issue(ctx context.Context, req IssueParams) (IssueResult, error) {
	issued, err := c.Authority.IssueCertificate(ctx, ca.IssueRequest{
		ServiceName:    req.ServiceName,
		BootstrapToken: req.BootstrapToken,
		CSRPEM:         req.CSRPEM,
		SANs:           req.SANs,
	})
	if err != nil {
		return IssueResult{}, err
	}
	return IssueResult{
		CertificatePEM: issued.CertificatePEM,
		ChainPEM:       issued.ChainPEM,
		Serial:         issued.Serial,
		NotAfter:       issued.NotAfter,
	}, nil
}

func (c *AuthorityClient) TrustBundle(_ context.Context) ([]byte, error) {
	return c.Authority.TrustBundlePEM(), nil
}
