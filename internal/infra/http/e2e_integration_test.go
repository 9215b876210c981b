package http

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/crankbird/crankmesh/internal/audit"
	"github.com/crankbird/crankmesh/internal/ca"
	"github.com/crankbird/crankmesh/internal/config"
	"github.com/crankbird/crankmesh/internal/identity"
	"github.com/crankbird/crankmesh/internal/keys/soft"
	"github.com/crankbird/crankmesh/internal/policy"
	"github.com/crankbird/crankmesh/internal/registry"
)

const (
	testAdminKey = "admin-secret"
)

type meshFixture struct {
	server    *Server
	authority *ca.Authority
	meshURL   string
	bootURL   string
}

func startMesh(t *testing.T, policyYAML string) *meshFixture {
	t.Helper()

	workers, err := ca.NewWorkerRegistry([]ca.WorkerProfile{
		{ServiceName: "email-parser", BootstrapToken: "parser-token"},
		{ServiceName: "crank-ui", BootstrapToken: "ui-token"},
		{ServiceName: "image-classifier", BootstrapToken: "classifier-token"},
	})
	if err != nil {
		t.Fatalf("worker registry: %v", err)
	}
	authority, err := ca.NewAuthority(ca.AuthorityConfig{
		Name:    "crankmesh-test",
		LeafTTL: time.Hour,
		Workers: workers,
	})
	if err != nil {
		t.Fatalf("new authority: %v", err)
	}

	policyPath := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(policyPath, []byte(policyYAML), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	snapshot, err := policy.Load(policyPath)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}

	signer, err := soft.NewManagerFromConfig(config.Config{})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	auditLog, err := audit.NewLog(audit.NewMemStore(), signer, audit.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new audit log: %v", err)
	}
	t.Cleanup(auditLog.Close)

	cfg := config.Config{
		AdminAPIKey:           testAdminKey,
		PolicyPath:            policyPath,
		HeartbeatTTLSeconds:   30,
		ForwardTimeoutSeconds: 2,
		ForwardRetryMax:       1,
		CancelGraceSeconds:    1,
	}
	server := NewServerWithDeps(cfg, ServerDeps{
		Authority:      authority,
		Registry:       registry.New(cfg.HeartbeatTTL()),
		Policy:         policy.NewEngine(snapshot, slog.New(slog.NewTextHandler(io.Discard, nil))),
		Audit:          auditLog,
		AuditPublicKey: signer.PublicKey(),
		AdminAPIKey:    testAdminKey,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	bootLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("bootstrap listen: %v", err)
	}
	go func() { _ = http.Serve(bootLn, server.BootstrapHandler()) }()
	t.Cleanup(func() { bootLn.Close() })

	meshLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("mesh listen: %v", err)
	}
	tlsLn := tls.NewListener(meshLn, server.MeshTLSConfig())
	go func() { _ = http.Serve(tlsLn, server.MeshHandler()) }()
	t.Cleanup(func() { meshLn.Close() })

	return &meshFixture{
		server:    server,
		authority: authority,
		meshURL:   "https://" + meshLn.Addr().String(),
		bootURL:   "http://" + bootLn.Addr().String(),
	}
}

func (f *meshFixture) issue(t *testing.T, serviceName, token string) identity.Identity {
	t.Helper()
	loader := &identity.Loader{
		ServiceName:    serviceName,
		BootstrapToken: token,
		Client:         &identity.HTTPClient{BaseURL: f.bootURL},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := loader.Load(ctx)
	if err != nil {
		t.Fatalf("issue identity for %s: %v", serviceName, err)
	}
	return id
}

func (f *meshFixture) client(id identity.Identity) *http.Client {
	tlsConfig := id.ClientTLSConfig(ControllerServiceName)
	return &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
		Timeout:   5 * time.Second,
	}
}

func (f *meshFixture) post(t *testing.T, client *http.Client, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, f.meshURL+path, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, payload
}

// startWorkerEndpoint serves /process over mTLS with the given
// identity, answering every invocation with the supplied result.
func startWorkerEndpoint(t *testing.T, id identity.Identity, result string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("worker listen: %v", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/process", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"result":%s}`, result)
	})
	tlsLn := tls.NewListener(ln, id.ServerTLSConfig())
	go func() { _ = http.Serve(tlsLn, mux) }()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

const e2ePolicy = `
mode: enforce
capabilities:
  parse:v1:
    allowed_callers: [crank-ui]
    denied_callers: [image-classifier]
`

func TestMesh_EndToEnd(t *testing.T) {
	fx := startMesh(t, e2ePolicy)

	parser := fx.issue(t, "email-parser", "parser-token")
	ui := fx.issue(t, "crank-ui", "ui-token")
	classifier := fx.issue(t, "image-classifier", "classifier-token")

	workerAddr := startWorkerEndpoint(t, parser, `{"parsed":true}`)

	// The worker registers its capability over mTLS.
	resp, body := fx.post(t, fx.client(parser), "/registry/register", map[string]string{
		"capability": "parse",
		"version":    "v1",
		"address":    workerAddr,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register: status %d: %s", resp.StatusCode, body)
	}

	// An allowed caller gets the worker's result plus a signed receipt.
	resp, body = fx.post(t, fx.client(ui), "/v1/process", map[string]any{
		"capability": "parse",
		"version":    "v1",
		"payload":    map[string]string{"doc": "hello"},
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("process: status %d: %s", resp.StatusCode, body)
	}
	var processed struct {
		JobID      string          `json:"job_id"`
		Status     string          `json:"status"`
		Result     json.RawMessage `json:"result"`
		ReceiptRef string          `json:"receipt_ref"`
		Receipt    struct {
			Seq       int64  `json:"seq"`
			Outcome   string `json:"outcome"`
			Signature string `json:"signature"`
		} `json:"receipt"`
	}
	if err := json.Unmarshal(body, &processed); err != nil {
		t.Fatalf("unmarshal process response: %v", err)
	}
	if processed.Status != "accepted" {
		t.Fatalf("expected accepted, got %q", processed.Status)
	}
	if string(processed.Result) != `{"parsed":true}` {
		t.Fatalf("unexpected result %s", processed.Result)
	}
	if processed.Receipt.Outcome != "allowed" || processed.Receipt.Signature == "" {
		t.Fatalf("expected a signed allowed receipt, got %+v", processed.Receipt)
	}
	if processed.ReceiptRef != "/v1/receipts/"+processed.JobID {
		t.Fatalf("unexpected receipt_ref %q", processed.ReceiptRef)
	}

	// The receipt_ref resolves to the durable receipt.
	req, _ := http.NewRequest(http.MethodGet, fx.meshURL+processed.ReceiptRef, nil)
	getResp, err := fx.client(ui).Do(req)
	if err != nil {
		t.Fatalf("get receipt: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get receipt: status %d", getResp.StatusCode)
	}

	// A denied caller is refused before any worker sees the request,
	// and the denial leaves a receipt too.
	resp, body = fx.post(t, fx.client(classifier), "/v1/process", map[string]any{
		"capability": "parse",
		"version":    "v1",
		"payload":    map[string]string{"doc": "sneaky"},
	}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for denied caller, got %d: %s", resp.StatusCode, body)
	}
	var denied struct {
		JobID      string `json:"job_id"`
		Status     string `json:"status"`
		ReceiptRef string `json:"receipt_ref"`
		Receipt    struct {
			Outcome string `json:"outcome"`
		} `json:"receipt"`
	}
	if err := json.Unmarshal(body, &denied); err != nil {
		t.Fatalf("unmarshal denial: %v", err)
	}
	if denied.Status != "denied" || denied.Receipt.Outcome != "denied" {
		t.Fatalf("expected a denied receipt, got %s", body)
	}
	if denied.ReceiptRef != "/v1/receipts/"+denied.JobID {
		t.Fatalf("denials must carry a receipt_ref too, got %q", denied.ReceiptRef)
	}

	// An unregistered capability version is a hard not-found; v1 being
	// registered says nothing about v3.
	resp, body = fx.post(t, fx.client(ui), "/v1/process", map[string]any{
		"capability": "summarize",
		"version":    "v3",
		"payload":    map[string]string{},
	}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown capability, got %d: %s", resp.StatusCode, body)
	}

	// The whole chain still verifies after the mixed outcomes.
	req, _ = http.NewRequest(http.MethodGet, fx.meshURL+"/v1/audit/verify", nil)
	req.Header.Set("X-Admin-Key", testAdminKey)
	verifyResp, err := fx.client(ui).Do(req)
	if err != nil {
		t.Fatalf("audit verify: %v", err)
	}
	defer verifyResp.Body.Close()
	if verifyResp.StatusCode != http.StatusOK {
		t.Fatalf("audit verify: status %d", verifyResp.StatusCode)
	}
}

func TestMesh_RejectsCallerWithoutCertificate(t *testing.T) {
	fx := startMesh(t, e2ePolicy)
	ui := fx.issue(t, "crank-ui", "ui-token")

	// Same trust in the server, but no client certificate.
	bare := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS13,
				RootCAs:    ui.RootPool,
				ServerName: ControllerServiceName,
			},
		},
		Timeout: 5 * time.Second,
	}
	_, err := bare.Post(fx.meshURL+"/v1/process", "application/json", bytes.NewReader([]byte(`{}`)))
	if err == nil {
		t.Fatal("expected the handshake to fail without a client certificate")
	}
}

func TestMesh_RevokedCertificateRejectedAtHandshake(t *testing.T) {
	fx := startMesh(t, e2ePolicy)
	ui := fx.issue(t, "crank-ui", "ui-token")
	admin := fx.issue(t, "email-parser", "parser-token")

	resp, body := fx.post(t, fx.client(admin), "/ca/revoke", map[string]string{
		"serial": ui.Serial,
	}, map[string]string{"X-Admin-Key": testAdminKey})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke: status %d: %s", resp.StatusCode, body)
	}

	// A fresh connection with the revoked certificate must not get
	// past the handshake.
	revoked := fx.client(ui)
	_, err := revoked.Post(fx.meshURL+"/healthz", "application/json", bytes.NewReader(nil))
	if err == nil {
		t.Fatal("expected the revoked certificate to be rejected")
	}
}

func TestMesh_PolicyReloadSwapsGeneration(t *testing.T) {
	fx := startMesh(t, e2ePolicy)
	ui := fx.issue(t, "crank-ui", "ui-token")
	parser := fx.issue(t, "email-parser", "parser-token")
	workerAddr := startWorkerEndpoint(t, parser, `{"parsed":true}`)

	resp, body := fx.post(t, fx.client(parser), "/registry/register", map[string]string{
		"capability": "parse",
		"version":    "v1",
		"address":    workerAddr,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register: status %d: %s", resp.StatusCode, body)
	}

	process := map[string]any{
		"capability": "parse",
		"version":    "v1",
		"payload":    map[string]string{"doc": "x"},
	}
	resp, body = fx.post(t, fx.client(ui), "/v1/process", process, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("process before reload: status %d: %s", resp.StatusCode, body)
	}

	// Rewrite the policy file to drop crank-ui, then reload.
	if err := os.WriteFile(fx.server.cfg.PolicyPath, []byte("mode: enforce\ncapabilities: {}\n"), 0o600); err != nil {
		t.Fatalf("rewrite policy: %v", err)
	}
	resp, body = fx.post(t, fx.client(ui), "/v1/policy/reload", map[string]string{},
		map[string]string{"X-Admin-Key": testAdminKey})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reload: status %d: %s", resp.StatusCode, body)
	}

	resp, body = fx.post(t, fx.client(ui), "/v1/process", process, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected deny after reload, got %d: %s", resp.StatusCode, body)
	}
}

func TestMesh_AdminEndpointsRequireKey(t *testing.T) {
	fx := startMesh(t, e2ePolicy)
	ui := fx.issue(t, "crank-ui", "ui-token")

	resp, _ := fx.post(t, fx.client(ui), "/ca/revoke", map[string]string{"serial": "AB"}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without admin key, got %d", resp.StatusCode)
	}
	resp, _ = fx.post(t, fx.client(ui), "/v1/policy/reload", map[string]string{},
		map[string]string{"X-Admin-Key": "wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with a bad admin key, got %d", resp.StatusCode)
	}
}

func TestBootstrap_UnknownWorkerCannotIssue(t *testing.T) {
	fx := startMesh(t, e2ePolicy)
	loader := &identity.Loader{
		ServiceName:    "intruder",
		BootstrapToken: "whatever",
		Client:         &identity.HTTPClient{BaseURL: fx.bootURL},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := loader.Load(ctx); err == nil {
		t.Fatal("expected issuance to fail for an unlisted worker")
	}
}
