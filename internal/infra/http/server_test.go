package http

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/crankbird/crankmesh/internal/ca"
	"github.com/crankbird/crankmesh/internal/config"
	"github.com/crankbird/crankmesh/internal/registry"
)

func TestMeshTLSConfig_RejectionIsLoggedAsSecurityEvent(t *testing.T) {
	authority, err := ca.NewAuthority(ca.AuthorityConfig{
		Name:    "crankmesh-test",
		LeafTTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("new authority: %v", err)
	}

	var buf bytes.Buffer
	server := NewServerWithDeps(config.Config{}, ServerDeps{
		Authority: authority,
		Registry:  registry.New(time.Minute),
		Logger:    slog.New(slog.NewTextHandler(&buf, nil)),
	})
	verify := server.MeshTLSConfig().VerifyPeerCertificate

	if err := verify([][]byte{{0xde, 0xad}}, nil); err == nil {
		t.Fatal("expected a garbage certificate to be rejected")
	}
	if !strings.Contains(buf.String(), "mesh handshake rejected") {
		t.Fatalf("expected a security event log, got %q", buf.String())
	}

	buf.Reset()
	if err := verify(nil, nil); err == nil {
		t.Fatal("expected a missing certificate to be rejected")
	}
	if !strings.Contains(buf.String(), "mesh handshake rejected") {
		t.Fatalf("expected a security event log, got %q", buf.String())
	}
}
