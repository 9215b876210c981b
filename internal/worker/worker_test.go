package worker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/crankbird/crankmesh/internal/ca"
	"github.com/crankbird/crankmesh/internal/domain"
	"github.com/crankbird/crankmesh/internal/identity"

	"github.com/gin-gonic/gin"
)

func echoWorker() *Worker {
	return &Worker{
		ServiceName: "echo-worker",
		Capabilities: []Capability{
			{
				Ref: domain.CapabilityRef{Name: "echo", Version: "v1"},
				Invoker: InvokerFunc(func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
					return payload, nil
				}),
			},
		},
	}
}

func processRequest(t *testing.T, w *Worker, peerCN string, body string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	req := httptest.NewRequest("POST", "/process", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if peerCN != "" {
		req.TLS = &tls.ConnectionState{
			PeerCertificates: []*x509.Certificate{
				{Subject: pkix.Name{CommonName: peerCN}},
			},
		}
	}
	c.Request = req
	w.handleProcess(c)
	return rec
}

func TestHandleProcess_EchoesPayload(t *testing.T) {
	w := echoWorker()
	rec := processRequest(t, w, "mesh-controller",
		`{"capability":"echo","version":"v1","job_id":"job-1","caller":"crank-ui","payload":{"msg":"hi"}}`)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out processResult
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(out.Result) != `{"msg":"hi"}` {
		t.Fatalf("unexpected result %s", out.Result)
	}
	if out.Error != "" {
		t.Fatalf("unexpected error %q", out.Error)
	}
}

func TestHandleProcess_RejectsNonControllerPeer(t *testing.T) {
	w := echoWorker()
	rec := processRequest(t, w, "some-other-worker",
		`{"capability":"echo","version":"v1","payload":{}}`)
	if rec.Code != 403 {
		t.Fatalf("expected 403 for a non-controller peer, got %d", rec.Code)
	}
}

func TestHandleProcess_RejectsMissingClientCertificate(t *testing.T) {
	w := echoWorker()
	rec := processRequest(t, w, "", `{"capability":"echo","version":"v1","payload":{}}`)
	if rec.Code != 401 {
		t.Fatalf("expected 401 without a peer certificate, got %d", rec.Code)
	}
}

func TestHandleProcess_UnknownCapability(t *testing.T) {
	w := echoWorker()
	rec := processRequest(t, w, "mesh-controller",
		`{"capability":"summarize","version":"v3","payload":{}}`)
	if rec.Code != 404 {
		t.Fatalf("expected 404 for an unserved capability, got %d", rec.Code)
	}
}

func TestHandleProcess_InvokerErrorReportedInBody(t *testing.T) {
	w := echoWorker()
	w.Capabilities = append(w.Capabilities, Capability{
		Ref: domain.CapabilityRef{Name: "fail", Version: "v1"},
		Invoker: InvokerFunc(func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("schema mismatch")
		}),
	})
	rec := processRequest(t, w, "mesh-controller",
		`{"capability":"fail","version":"v1","payload":{}}`)
	if rec.Code != 200 {
		t.Fatalf("worker-answered errors travel in the body with status 200, got %d", rec.Code)
	}
	var out processResult
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Error != "schema mismatch" {
		t.Fatalf("unexpected error %q", out.Error)
	}
}

func TestRun_FailsFastWithoutLoader(t *testing.T) {
	w := echoWorker()
	if err := w.Run(context.Background()); err == nil {
		t.Fatal("expected Run to fail without an identity loader")
	}
}

func TestRun_NoRegistrationAfterUnregister(t *testing.T) {
	workers, err := ca.NewWorkerRegistry([]ca.WorkerProfile{
		{ServiceName: "echo-worker", BootstrapToken: "echo-token"},
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

	var mu sync.Mutex
	var paths []string
	mesh := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		rw.WriteHeader(http.StatusOK)
	}))
	defer mesh.Close()

	w := echoWorker()
	w.ListenAddr = "127.0.0.1:0"
	w.Advertise = "127.0.0.1:1"
	w.MeshURL = mesh.URL
	w.Heartbeat = 5 * time.Millisecond
	w.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	w.Loader = &identity.Loader{
		ServiceName:    "echo-worker",
		BootstrapToken: "echo-token",
		Client:         &identity.AuthorityClient{Authority: authority},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		n := len(paths)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no registration observed")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	sawUnregister := false
	for _, path := range paths {
		switch path {
		case "/registry/unregister":
			sawUnregister = true
		case "/registry/register":
			if sawUnregister {
				t.Fatalf("heartbeat re-registered after shutdown: %v", paths)
			}
		}
	}
	if !sawUnregister {
		t.Fatal("expected an unregister on shutdown")
	}
}
