package router

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/crankbird/crankmesh/internal/domain"
)

// Forwarder delivers a payload to one worker endpoint.
type Forwarder interface {
	Forward(ctx context.Context, endpoint domain.Endpoint, req ForwardRequest) (ForwardResponse, error)
}

type ForwardRequest struct {
	Capability domain.CapabilityRef
	JobID      string
	Caller     string
	Payload    json.RawMessage
}

type ForwardResponse struct {
	Result json.RawMessage
}

type forwardBody struct {
	Capability string          `json:"capability"`
	Version    string          `json:"version"`
	JobID      string          `json:"job_id"`
	Caller     string          `json:"caller"`
	Payload    json.RawMessage `json:"payload"`
}

type forwardResult struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error,omitempty"`
}

// HTTPForwarder opens the second mTLS connection of a routed request,
// presenting the controller's certificate to the worker. Transports
// are cached per endpoint so connections are reused.
type HTTPForwarder struct {
	// TLSConfig must carry the controller certificate and the CA root
	// pool. ServerName is set per endpoint from the worker's service
	// name so SAN verification matches the registered identity.
	TLSConfig *tls.Config

	mu      sync.Mutex
	clients map[string]*http.Client
}

func (f *HTTPForwarder) client(endpoint domain.Endpoint) *http.Client {
	key := endpoint.ServiceName + "|" + endpoint.Address
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.clients == nil {
		f.clients = make(map[string]*http.Client)
	}
	if c, ok := f.clients[key]; ok {
		return c
	}
	tlsConfig := f.TLSConfig.Clone()
	tlsConfig.ServerName = endpoint.ServiceName
	c := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig:     tlsConfig,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	f.clients[key] = c
	return c
}

func (f *HTTPForwarder) Forward(ctx context.Context, endpoint domain.Endpoint, req ForwardRequest) (ForwardResponse, error) {
	body, err := json.Marshal(forwardBody{
		Capability: req.Capability.Name,
		Version:    req.Capability.Version,
		JobID:      req.JobID,
		Caller:     req.Caller,
		Payload:    req.Payload,
	})
	if err != nil {
		return ForwardResponse{}, fmt.Errorf("%w: %v", domain.ErrWorkerError, err)
	}
	url := "https://" + endpoint.Address + "/process"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return ForwardResponse{}, fmt.Errorf("%w: %v", domain.ErrWorkerError, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := f.client(endpoint).Do(httpReq)
	if err != nil {
		return ForwardResponse{}, classifyTransportError(err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return ForwardResponse{}, classifyTransportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		return ForwardResponse{}, fmt.Errorf("%w: worker status %d", domain.ErrWorkerError, resp.StatusCode)
	}
	var out forwardResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return ForwardResponse{}, fmt.Errorf("%w: invalid worker response", domain.ErrWorkerError)
	}
	if out.Error != "" {
		return ForwardResponse{}, fmt.Errorf("%w: %s", domain.ErrWorkerError, out.Error)
	}
	return ForwardResponse{Result: out.Result}, nil
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", domain.ErrWorkerTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", domain.ErrWorkerTimeout, err)
	}
	return fmt.Errorf("%w: %w", domain.ErrWorkerError, err)
}

// isRetryable reports whether a forward failure may be retried against
// an alternate endpoint. Timeouts and connection-level failures are
// transient; a worker that answered with an error is not retried.
func isRetryable(err error) bool {
	if errors.Is(err, domain.ErrWorkerTimeout) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return false
}
