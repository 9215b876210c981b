package http

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/crankbird/crankmesh/internal/audit"
	"github.com/crankbird/crankmesh/internal/ca"
	"github.com/crankbird/crankmesh/internal/domain"
	"github.com/crankbird/crankmesh/internal/policy"
	"github.com/crankbird/crankmesh/internal/router"

	"github.com/gin-gonic/gin"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type issueRequest struct {
	ServiceName    string   `json:"service_name"`
	BootstrapToken string   `json:"bootstrap_token"`
	CSRPEM         string   `json:"csr_pem"`
	SANs           []string `json:"sans,omitempty"`
}

type issueResponse struct {
	CertificatePEM string    `json:"certificate_pem"`
	ChainPEM       string    `json:"chain_pem"`
	Serial         string    `json:"serial"`
	NotAfter       time.Time `json:"not_after"`
}

type processRequest struct {
	Capability string          `json:"capability"`
	Version    string          `json:"version"`
	JobID      string          `json:"job_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

type processResponse struct {
	JobID      string          `json:"job_id"`
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	ReceiptRef string          `json:"receipt_ref"`
	Receipt    receiptResponse `json:"receipt"`
}

type receiptResponse struct {
	JobID         string `json:"job_id"`
	Seq           int64  `json:"seq"`
	Caller        string `json:"caller"`
	Capability    string `json:"capability"`
	Version       string `json:"version"`
	RequestHash   string `json:"request_hash"`
	ResponseHash  string `json:"response_hash,omitempty"`
	Outcome       string `json:"outcome"`
	Reason        string `json:"reason,omitempty"`
	CreatedAt     string `json:"created_at"`
	PrevSignature string `json:"prev_signature"`
	EntryHash     string `json:"entry_hash"`
	Signature     string `json:"signature"`
}

type registerRequest struct {
	Capability string `json:"capability"`
	Version    string `json:"version"`
	Address    string `json:"address"`
	SchemaRef  string `json:"schema_ref,omitempty"`
}

type unregisterRequest struct {
	Capability string `json:"capability"`
	Version    string `json:"version"`
	Address    string `json:"address"`
}

type revokeRequest struct {
	Serial string `json:"serial"`
}

func (s *Server) handleHealthz(c *gin.Context) {
	dbMode := "no-db"
	if s.store != nil && s.store.DB != nil {
		dbMode = "db"
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "mode": dbMode})
}

func (s *Server) handleIssue(c *gin.Context) {
	if s.authority == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	var req issueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return
	}
	if req.ServiceName == "" || req.BootstrapToken == "" || req.CSRPEM == "" {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_CSR", "service_name, bootstrap_token, and csr_pem are required")
		return
	}
	issued, err := s.authority.IssueCertificate(c.Request.Context(), ca.IssueRequest{
		ServiceName:    req.ServiceName,
		BootstrapToken: req.BootstrapToken,
		CSRPEM:         []byte(req.CSRPEM),
		SANs:           req.SANs,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	s.logger.Info("certificate issued",
		"service", req.ServiceName,
		"serial", issued.Serial,
		"not_after", issued.NotAfter)
	c.JSON(http.StatusOK, issueResponse{
		CertificatePEM: string(issued.CertificatePEM),
		ChainPEM:       string(issued.ChainPEM),
		Serial:         issued.Serial,
		NotAfter:       issued.NotAfter,
	})
}

func (s *Server) handleRootBundle(c *gin.Context) {
	if s.authority == nil {
		writeError(c, domain.ErrNotFound)
		return
	}
	c.Data(http.StatusOK, "application/x-pem-file", s.authority.TrustBundlePEM())
}

func (s *Server) handleProcess(c *gin.Context) {
	caller, ok := s.callerIdentity(c)
	if !ok {
		return
	}
	if !s.allowRate(c, caller.Name) {
		return
	}
	var req processRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return
	}
	result := s.router.Route(c.Request.Context(), router.Request{
		Caller:     caller,
		Capability: domain.CapabilityRef{Name: req.Capability, Version: req.Version},
		JobID:      req.JobID,
		Payload:    req.Payload,
	})
	switch result.Status {
	case router.StatusAccepted:
		c.JSON(http.StatusOK, processResponse{
			JobID:      result.JobID,
			Status:     string(result.Status),
			Result:     result.Result,
			ReceiptRef: receiptRef(result.JobID),
			Receipt:    buildReceiptResponse(result.Entry),
		})
	case router.StatusDenied:
		c.JSON(statusForCode(result.Code), processResponse{
			JobID:      result.JobID,
			Status:     string(result.Status),
			ReceiptRef: receiptRef(result.JobID),
			Receipt:    buildReceiptResponse(result.Entry),
		})
	default:
		status := statusForCode(result.Code)
		if result.Entry.JobID != "" {
			c.JSON(status, processResponse{
				JobID:      result.JobID,
				Status:     string(result.Status),
				ReceiptRef: receiptRef(result.JobID),
				Receipt:    buildReceiptResponse(result.Entry),
			})
			return
		}
		writeErrorCode(c, status, result.Code, "request failed")
	}
}

func (s *Server) handleReceipt(c *gin.Context) {
	if _, ok := s.callerIdentity(c); !ok {
		return
	}
	jobID := c.Param("job_id")
	entry, err := s.auditLog.Get(c.Request.Context(), jobID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, buildReceiptResponse(entry))
}

func (s *Server) handleRegister(c *gin.Context) {
	caller, ok := s.callerIdentity(c)
	if !ok {
		return
	}
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return
	}
	ref := domain.CapabilityRef{Name: req.Capability, Version: req.Version}
	if err := ref.Validate(); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_CAPABILITY", err.Error())
		return
	}
	if req.Address == "" {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_CAPABILITY", "address is required")
		return
	}
	endpoint := domain.Endpoint{
		Address:     req.Address,
		ServiceName: caller.Name,
	}
	if err := s.registry.Register(ref, endpoint, req.SchemaRef); err != nil {
		writeError(c, err)
		return
	}
	s.logger.Info("capability registered",
		"capability", ref.String(),
		"service", caller.Name,
		"address", req.Address)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleUnregister(c *gin.Context) {
	caller, ok := s.callerIdentity(c)
	if !ok {
		return
	}
	var req unregisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return
	}
	ref := domain.CapabilityRef{Name: req.Capability, Version: req.Version}
	s.registry.Unregister(ref, req.Address)
	s.logger.Info("capability unregistered",
		"capability", ref.String(),
		"service", caller.Name,
		"address", req.Address)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handlePolicyReload(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	if s.cfg.PolicyPath == "" {
		writeErrorCode(c, http.StatusBadRequest, "POLICY_PATH_UNSET", "no policy path configured")
		return
	}
	snapshot, err := policy.Load(s.cfg.PolicyPath)
	if err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_POLICY", err.Error())
		return
	}
	s.policyEngine.Swap(snapshot)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "policy_version": snapshot.Version})
}

func (s *Server) handleRevoke(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	var req revokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return
	}
	if req.Serial == "" {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_SERIAL", "serial is required")
		return
	}
	if err := s.authority.Revoke(c.Request.Context(), req.Serial); err != nil {
		writeError(c, err)
		return
	}
	s.logger.Info("certificate revoked", "serial", req.Serial)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleAuditVerify(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	if err := s.auditLog.Verify(c.Request.Context(), s.auditPubKey); err != nil {
		if errors.Is(err, audit.ErrChainBroken) {
			writeErrorCode(c, http.StatusConflict, "CHAIN_BROKEN", err.Error())
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// callerIdentity extracts the verified mTLS peer. The handshake has
// already validated the chain and revocation state; here we only read
// the subject.
func (s *Server) callerIdentity(c *gin.Context) (domain.CallerIdentity, bool) {
	state := c.Request.TLS
	if state == nil || len(state.PeerCertificates) == 0 {
		writeError(c, domain.ErrAuthenticationFailure)
		return domain.CallerIdentity{}, false
	}
	leaf := state.PeerCertificates[0]
	return domain.CallerIdentity{
		Name: leaf.Subject.CommonName,
		SANs: leaf.DNSNames,
	}, true
}

func (s *Server) requireAdmin(c *gin.Context) bool {
	if s.adminAPIKey == "" {
		writeErrorCode(c, http.StatusUnauthorized, "UNAUTHORIZED", "admin key required")
		return false
	}
	key := c.GetHeader("X-Admin-Key")
	if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.adminAPIKey)) != 1 {
		writeErrorCode(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid admin key")
		return false
	}
	return true
}

func (s *Server) allowRate(c *gin.Context, caller string) bool {
	if s.rateLimiter == nil || s.rateLimitRequests <= 0 {
		return true
	}
	decision, err := s.rateLimiter.Allow(c.Request.Context(), "process:"+caller, s.rateLimitRequests, s.rateLimitWindow)
	if err != nil {
		if s.rateLimitFailClosed {
			writeErrorCode(c, http.StatusServiceUnavailable, "RATE_LIMIT_UNAVAILABLE", "rate limiter unavailable")
			return false
		}
		return true
	}
	if !decision.Allowed {
		writeErrorCode(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
		return false
	}
	return true
}

// receiptRef is the mesh-relative path where the durable receipt can
// be fetched later.
func receiptRef(jobID string) string {
	return "/v1/receipts/" + jobID
}

func buildReceiptResponse(entry domain.AuditEntry) receiptResponse {
	return receiptResponse{
		JobID:         entry.JobID,
		Seq:           entry.Seq,
		Caller:        entry.Caller,
		Capability:    entry.Capability,
		Version:       entry.Version,
		RequestHash:   entry.RequestHash,
		ResponseHash:  entry.ResponseHash,
		Outcome:       string(entry.Outcome),
		Reason:        entry.Reason,
		CreatedAt:     entry.CreatedAt.UTC().Format(time.RFC3339Nano),
		PrevSignature: entry.PrevSignature,
		EntryHash:     entry.EntryHash,
		Signature:     entry.Signature,
	}
}

func statusForCode(code string) int {
	switch code {
	case "CAPABILITY_NOT_FOUND":
		return http.StatusNotFound
	case "AUTHORIZATION_DENIED":
		return http.StatusForbidden
	case "WORKER_TIMEOUT":
		return http.StatusGatewayTimeout
	case "WORKER_ERROR":
		return http.StatusBadGateway
	case "AUDIT_BACKPRESSURE":
		return http.StatusServiceUnavailable
	case "DUPLICATE_JOB_ID":
		return http.StatusConflict
	case "INVALID_REQUEST":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrAuthenticationFailure):
		status, code = http.StatusUnauthorized, "AUTHENTICATION_FAILURE"
	case errors.Is(err, domain.ErrCertificateRevoked):
		status, code = http.StatusUnauthorized, "CERTIFICATE_REVOKED"
	case errors.Is(err, domain.ErrCertificateExpired):
		status, code = http.StatusUnauthorized, "CERTIFICATE_EXPIRED"
	case errors.Is(err, domain.ErrUnauthorizedSubject):
		status, code = http.StatusForbidden, "UNAUTHORIZED_SUBJECT"
	case errors.Is(err, domain.ErrInvalidCSR):
		status, code = http.StatusBadRequest, "INVALID_CSR"
	case errors.Is(err, domain.ErrCapabilityNotFound):
		status, code = http.StatusNotFound, "CAPABILITY_NOT_FOUND"
	case errors.Is(err, domain.ErrAuthorizationDenied):
		status, code = http.StatusForbidden, "AUTHORIZATION_DENIED"
	case errors.Is(err, domain.ErrWorkerTimeout):
		status, code = http.StatusGatewayTimeout, "WORKER_TIMEOUT"
	case errors.Is(err, domain.ErrWorkerError):
		status, code = http.StatusBadGateway, "WORKER_ERROR"
	case errors.Is(err, domain.ErrAuditBackpressure):
		status, code = http.StatusServiceUnavailable, "AUDIT_BACKPRESSURE"
	case errors.Is(err, domain.ErrAuditWriteFailure):
		status, code = http.StatusInternalServerError, "AUDIT_WRITE_FAILURE"
	case errors.Is(err, domain.ErrDuplicateJobID):
		status, code = http.StatusConflict, "DUPLICATE_JOB_ID"
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrUnauthorized):
		status, code = http.StatusUnauthorized, "UNAUTHORIZED"
	}
	writeErrorCode(c, status, code, err.Error())
}

func writeErrorCode(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{
		Code:    code,
		Message: message,
	})
}
