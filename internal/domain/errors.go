package domain

import "errors"

var (
	ErrAuthenticationFailure = errors.New("authentication failure")
	ErrCapabilityNotFound    = errors.New("capability not found")
	ErrAuthorizationDenied   = errors.New("authorization denied")
	ErrWorkerTimeout         = errors.New("worker timeout")
	ErrWorkerError           = errors.New("worker error")
	ErrAuditWriteFailure     = errors.New("audit write failure")
	ErrAuditBackpressure     = errors.New("audit queue backpressure")
	ErrDuplicateJobID        = errors.New("duplicate job id")
	ErrInvalidCSR            = errors.New("invalid csr")
	ErrUnauthorizedSubject   = errors.New("unauthorized subject")
	ErrCertificateExpired    = errors.New("certificate expired")
	ErrCertificateRevoked    = errors.New("certificate revoked")
	ErrNotFound              = errors.New("not found")
	ErrUnauthorized          = errors.New("unauthorized")
)
