package worker

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/crankbird/crankmesh/internal/domain"
	"github.com/crankbird/crankmesh/internal/identity"
	meshhttp "github.com/crankbird/crankmesh/internal/infra/http"

	"github.com/gin-gonic/gin"
)

// Invoker executes one capability invocation.
type Invoker interface {
	Invoke(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// InvokerFunc adapts a plain function to the Invoker interface.
type InvokerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

func (f InvokerFunc) Invoke(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, payload)
}

// Capability is one named, versioned operation the worker serves.
type Capability struct {
	Ref       domain.CapabilityRef
	SchemaRef string
	Invoker   Invoker
}

// Worker is the runtime for a mesh worker process: it obtains an
// identity before binding its listener, serves /process over mTLS, and
// keeps its registration alive with periodic heartbeats. If issuance
// fails the worker never starts serving.
type Worker struct {
	ServiceName  string
	ListenAddr   string
	Advertise    string
	Capabilities []Capability

	Loader     *identity.Loader
	MeshURL    string
	Heartbeat  time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger

	identity identity.Identity
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

func (w *Worker) heartbeatInterval() time.Duration {
	if w.Heartbeat > 0 {
		return w.Heartbeat
	}
	return 10 * time.Second
}

// Run blocks until ctx is cancelled. Identity issuance happens first;
// the listener binds only with a certificate in hand.
func (w *Worker) Run(ctx context.Context) error {
	if w.ServiceName == "" {
		return errors.New("service name is required")
	}
	if len(w.Capabilities) == 0 {
		return errors.New("at least one capability is required")
	}
	if w.Loader == nil {
		return errors.New("identity loader is required")
	}

	id, err := w.Loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("identity issuance failed: %w", err)
	}
	w.identity = id
	w.logger().Info("identity loaded", "service", w.ServiceName, "serial", id.Serial)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.POST("/process", w.handleProcess)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	srv := &http.Server{
		Handler:           r,
		TLSConfig:         id.ServerTLSConfig(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", w.ListenAddr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(tls.NewListener(ln, srv.TLSConfig))
	}()

	// Build the mesh client before the heartbeat goroutine exists so it
	// is only ever read concurrently afterwards.
	w.meshClient()

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		w.heartbeatLoop(heartbeatCtx)
	}()
	joinHeartbeat := func() {
		stopHeartbeat()
		<-heartbeatDone
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		joinHeartbeat()
		return err
	}
	// The loop must be fully stopped before unregistering, or a late
	// heartbeat could re-register the endpoints we just removed.
	joinHeartbeat()
	w.unregisterAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type processBody struct {
	Capability string          `json:"capability"`
	Version    string          `json:"version"`
	JobID      string          `json:"job_id"`
	Caller     string          `json:"caller"`
	Payload    json.RawMessage `json:"payload"`
}

type processResult struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// handleProcess accepts invocations from the controller only. Workers
// never talk to each other directly; every hop goes through the mesh.
func (w *Worker) handleProcess(c *gin.Context) {
	state := c.Request.TLS
	if state == nil || len(state.PeerCertificates) == 0 {
		c.JSON(http.StatusUnauthorized, processResult{Error: "client certificate required"})
		return
	}
	if cn := state.PeerCertificates[0].Subject.CommonName; cn != meshhttp.ControllerServiceName {
		c.JSON(http.StatusForbidden, processResult{Error: "caller is not the mesh controller"})
		return
	}
	var body processBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, processResult{Error: "invalid json"})
		return
	}
	ref := domain.CapabilityRef{Name: body.Capability, Version: body.Version}
	capability, ok := w.lookup(ref)
	if !ok {
		c.JSON(http.StatusNotFound, processResult{Error: "capability not served here"})
		return
	}
	result, err := capability.Invoker.Invoke(c.Request.Context(), body.Payload)
	if err != nil {
		w.logger().Warn("invocation failed", "job_id", body.JobID, "capability", ref.String(), "error", err)
		c.JSON(http.StatusOK, processResult{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, processResult{Result: result})
}

func (w *Worker) lookup(ref domain.CapabilityRef) (Capability, bool) {
	for _, capability := range w.Capabilities {
		if capability.Ref == ref {
			return capability, true
		}
	}
	return Capability{}, false
}

// heartbeatLoop registers immediately and then on every tick. The
// controller expires endpoints that stop heartbeating, so registration
// doubles as liveness.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	w.registerAll(ctx)
	ticker := time.NewTicker(w.heartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.registerAll(ctx)
		}
	}
}

func (w *Worker) registerAll(ctx context.Context) {
	for _, capability := range w.Capabilities {
		if err := w.post(ctx, "/registry/register", map[string]string{
			"capability": capability.Ref.Name,
			"version":    capability.Ref.Version,
			"address":    w.Advertise,
			"schema_ref": capability.SchemaRef,
		}); err != nil {
			w.logger().Warn("register failed", "capability", capability.Ref.String(), "error", err)
		}
	}
}

func (w *Worker) unregisterAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, capability := range w.Capabilities {
		if err := w.post(ctx, "/registry/unregister", map[string]string{
			"capability": capability.Ref.Name,
			"version":    capability.Ref.Version,
			"address":    w.Advertise,
		}); err != nil {
			w.logger().Warn("unregister failed", "capability", capability.Ref.String(), "error", err)
		}
	}
}

func (w *Worker) meshClient() *http.Client {
	if w.HTTPClient != nil {
		return w.HTTPClient
	}
	w.HTTPClient = &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: w.identity.ClientTLSConfig(meshhttp.ControllerServiceName),
		},
		Timeout: 10 * time.Second,
	}
	return w.HTTPClient
}

func (w *Worker) post(ctx context.Context, path string, body map[string]string) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.MeshURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.meshClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, raw)
	}
	return nil
}
