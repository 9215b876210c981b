package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/crankbird/crankmesh/internal/audit"
	"github.com/crankbird/crankmesh/internal/domain"
	"github.com/crankbird/crankmesh/internal/policy"
	"github.com/crankbird/crankmesh/internal/registry"
)

type Status string

const (
	StatusAccepted Status = "accepted"
	StatusDenied   Status = "denied"
	StatusError    Status = "error"
)

// Request is one capability invocation from an authenticated caller.
// The transport layer has already completed the mTLS handshake; Caller
// is the verified peer identity.
type Request struct {
	Caller     domain.CallerIdentity
	Capability domain.CapabilityRef
	JobID      string
	Payload    json.RawMessage
}

type Result struct {
	JobID  string
	Status Status
	Code   string
	Result json.RawMessage
	Entry  domain.AuditEntry
}

// JobIDFunc mints a job id when the caller did not supply one.
type JobIDFunc func() (string, error)

// Router drives a request through Resolving, PolicyCheck and
// Forwarding, and writes exactly one receipt before any response is
// released. A receipt-write failure withholds the response: an
// unaudited success is treated as worse than a failed request.
type Router struct {
	Registry  *registry.Registry
	Policy    *policy.Engine
	Audit     *audit.Log
	Forwarder Forwarder

	ForwardTimeout time.Duration
	RetryMax       int
	CancelGrace    time.Duration
	NewJobID       JobIDFunc
	Logger         *slog.Logger
}

func (r *Router) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Router) Route(ctx context.Context, req Request) Result {
	jobID := req.JobID
	if jobID == "" {
		minted, err := r.NewJobID()
		if err != nil {
			return Result{Status: StatusError, Code: "INTERNAL"}
		}
		jobID = minted
	} else if _, err := r.Audit.Get(ctx, jobID); err == nil {
		return Result{JobID: jobID, Status: StatusError, Code: "DUPLICATE_JOB_ID"}
	}

	if err := req.Capability.Validate(); err != nil {
		return Result{JobID: jobID, Status: StatusError, Code: "INVALID_REQUEST"}
	}

	receipt := domain.Receipt{
		JobID:       jobID,
		Caller:      req.Caller.Name,
		Capability:  req.Capability.Name,
		Version:     req.Capability.Version,
		RequestHash: audit.ContentHash(req.Payload),
	}

	// Resolving
	endpoints, err := r.Registry.Resolve(req.Capability)
	if err != nil {
		receipt.Outcome = domain.OutcomeError
		receipt.Reason = "capability-not-found"
		return r.reject(ctx, receipt, StatusError, "CAPABILITY_NOT_FOUND")
	}

	// PolicyCheck. A denial is terminal and never retried.
	eval := r.Policy.Evaluate(req.Caller.Name, req.Capability)
	if eval.Decision == domain.DecisionDeny {
		receipt.Outcome = domain.OutcomeDenied
		receipt.Reason = "policy:" + eval.PolicyVersion
		return r.reject(ctx, receipt, StatusDenied, "AUTHORIZATION_DENIED")
	}

	// Forwarding, with bounded retries against alternate endpoints.
	response, err := r.forward(ctx, endpoints, ForwardRequest{
		Capability: req.Capability,
		JobID:      jobID,
		Caller:     req.Caller.Name,
		Payload:    req.Payload,
	})
	if err != nil {
		receipt.Outcome = domain.OutcomeError
		code := "WORKER_ERROR"
		switch {
		case errors.Is(err, domain.ErrWorkerTimeout):
			// A worker timeout keeps its own attribution even when the
			// caller gave up while it was in flight.
			receipt.Reason = "worker-timeout"
			code = "WORKER_TIMEOUT"
		case ctx.Err() != nil && errors.Is(err, context.Canceled):
			receipt.Reason = "caller-cancelled"
		default:
			receipt.Reason = "worker-error"
		}
		return r.reject(ctx, receipt, StatusError, code)
	}

	// Completed: the receipt must be durable before the caller sees
	// the response.
	receipt.Outcome = domain.OutcomeAllowed
	receipt.ResponseHash = audit.ContentHash(response.Result)
	entry, err := r.Audit.Append(ctx, receipt)
	if err != nil {
		return r.auditFailure(receipt, err)
	}
	return Result{
		JobID:  jobID,
		Status: StatusAccepted,
		Result: response.Result,
		Entry:  entry,
	}
}

// forward tries the preferred endpoint and, on transient failures,
// up to RetryMax alternates. The worker call is bounded by the
// per-capability timeout; caller cancellation propagates after a short
// grace period so auditing is never suppressed.
func (r *Router) forward(ctx context.Context, endpoints []domain.Endpoint, req ForwardRequest) (ForwardResponse, error) {
	attempts := r.RetryMax + 1
	if attempts > len(endpoints) {
		attempts = len(endpoints)
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil && lastErr != nil {
			return ForwardResponse{}, lastErr
		}
		response, err := r.forwardOnce(ctx, endpoints[i], req)
		if err == nil {
			return response, nil
		}
		lastErr = err
		if !isRetryable(err) {
			break
		}
		r.logger().Warn("forward attempt failed, trying alternate",
			"job_id", req.JobID,
			"endpoint", endpoints[i].Address,
			"error", err)
	}
	return ForwardResponse{}, lastErr
}

func (r *Router) forwardOnce(ctx context.Context, endpoint domain.Endpoint, req ForwardRequest) (ForwardResponse, error) {
	timeout := r.ForwardTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	grace := r.CancelGrace
	if grace <= 0 {
		grace = 2 * time.Second
	}

	forwardCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-forwardCtx.Done():
		}
	})
	defer stop()

	return r.Forwarder.Forward(forwardCtx, endpoint, req)
}

// reject records a denied or errored outcome. The receipt write is as
// mandatory here as on success.
func (r *Router) reject(ctx context.Context, receipt domain.Receipt, status Status, code string) Result {
	entry, err := r.Audit.Append(ctx, receipt)
	if err != nil {
		return r.auditFailure(receipt, err)
	}
	return Result{
		JobID:  receipt.JobID,
		Status: status,
		Code:   code,
		Entry:  entry,
	}
}

func (r *Router) auditFailure(receipt domain.Receipt, err error) Result {
	code := "AUDIT_WRITE_FAILURE"
	if errors.Is(err, domain.ErrAuditBackpressure) {
		code = "AUDIT_BACKPRESSURE"
	} else if errors.Is(err, domain.ErrDuplicateJobID) {
		code = "DUPLICATE_JOB_ID"
	}
	r.logger().Error("receipt write failed; withholding response",
		"job_id", receipt.JobID,
		"outcome", string(receipt.Outcome),
		"error", err)
	return Result{JobID: receipt.JobID, Status: StatusError, Code: code}
}
