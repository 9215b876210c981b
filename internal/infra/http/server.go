package http

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/crankbird/crankmesh/internal/audit"
	"github.com/crankbird/crankmesh/internal/ca"
	"github.com/crankbird/crankmesh/internal/config"
	"github.com/crankbird/crankmesh/internal/domain"
	"github.com/crankbird/crankmesh/internal/infra/db"
	"github.com/crankbird/crankmesh/internal/infra/ratelimit"
	"github.com/crankbird/crankmesh/internal/keys/soft"
	"github.com/crankbird/crankmesh/internal/policy"
	"github.com/crankbird/crankmesh/internal/registry"
	"github.com/crankbird/crankmesh/internal/router"

	"github.com/gin-gonic/gin"
)

// ControllerServiceName is the identity the controller presents when it
// dials workers and serves the mesh listener.
const ControllerServiceName = "mesh-controller"

// Server hosts the two controller listeners: a plain bootstrap listener
// for certificate issuance, and the mTLS mesh listener that carries all
// routed traffic.
type Server struct {
	cfg       config.Config
	store     *db.Store
	bootstrap *gin.Engine
	mesh      *gin.Engine
	logger    *slog.Logger

	authority    *ca.Authority
	registry     *registry.Registry
	policyEngine *policy.Engine
	auditLog     *audit.Log
	auditPubKey  ed25519.PublicKey
	router       *router.Router
	meshCert     tls.Certificate

	adminAPIKey string
	initErr     error

	rateLimiter         domain.RateLimiter
	rateLimitRequests   int
	rateLimitWindow     time.Duration
	rateLimitFailClosed bool
}

func NewServer(cfg config.Config, store *db.Store) *Server {
	s := newBareServer(cfg, store)
	s.initDeps()
	s.routes()
	return s
}

type ServerDeps struct {
	Authority      *ca.Authority
	Registry       *registry.Registry
	Policy         *policy.Engine
	Audit          *audit.Log
	AuditPublicKey ed25519.PublicKey
	Forwarder      router.Forwarder
	RateLimiter    domain.RateLimiter
	AdminAPIKey    string
	Logger         *slog.Logger
}

func NewServerWithDeps(cfg config.Config, deps ServerDeps) *Server {
	s := newBareServer(cfg, nil)
	if deps.Logger != nil {
		s.logger = deps.Logger
	}
	s.authority = deps.Authority
	s.registry = deps.Registry
	s.policyEngine = deps.Policy
	s.auditLog = deps.Audit
	s.auditPubKey = deps.AuditPublicKey
	s.adminAPIKey = deps.AdminAPIKey
	s.initRateLimit(deps.RateLimiter)
	s.initMeshIdentity()
	forwarder := deps.Forwarder
	if forwarder == nil && s.initErr == nil {
		forwarder = &router.HTTPForwarder{TLSConfig: s.dialTLSConfig()}
	}
	s.initRouter(forwarder)
	s.routes()
	return s
}

func newBareServer(cfg config.Config, store *db.Store) *Server {
	gin.SetMode(gin.ReleaseMode)
	bootstrap := gin.New()
	bootstrap.Use(gin.Recovery())
	mesh := gin.New()
	mesh.Use(gin.Recovery())
	return &Server{
		cfg:       cfg,
		store:     store,
		bootstrap: bootstrap,
		mesh:      mesh,
		logger:    slog.Default(),
	}
}

func (s *Server) initDeps() {
	s.adminAPIKey = s.cfg.AdminAPIKey

	var workers *ca.WorkerRegistry
	if s.cfg.WorkersPath != "" {
		loaded, err := ca.LoadWorkerRegistry(s.cfg.WorkersPath)
		if err != nil {
			s.initErr = err
			return
		}
		workers = loaded
	}

	var recorder ca.IssuedRecorder
	var auditStore audit.Store = audit.NewMemStore()
	if s.store != nil && s.store.DB != nil {
		certRepo := db.NewCertificateRepository(s.store.DB)
		recorder = certRepo
		auditStore = db.NewAuditEntryRepository(s.store.DB)
	}

	authority, err := ca.NewAuthority(ca.AuthorityConfig{
		Name:            s.cfg.CAName,
		UseIntermediate: s.cfg.CAUseIntermediate,
		LeafTTL:         s.cfg.CertTTL(),
		Workers:         workers,
		Recorder:        recorder,
	})
	if err != nil {
		s.initErr = err
		return
	}
	s.authority = authority
	s.restoreRevocations()

	snapshot := (*domain.PolicySnapshot)(nil)
	if s.cfg.PolicyPath != "" {
		snapshot, err = policy.Load(s.cfg.PolicyPath)
		if err != nil {
			s.initErr = err
			return
		}
	}
	s.policyEngine = policy.NewEngine(snapshot, s.logger)
	s.registry = registry.New(s.cfg.HeartbeatTTL())

	signer, err := soft.NewManagerFromConfig(s.cfg)
	if err != nil {
		s.initErr = err
		return
	}
	s.auditPubKey = signer.PublicKey()
	auditLog, err := audit.NewLog(auditStore, signer, audit.Options{
		QueueDepth: s.cfg.AuditQueueDepth,
		Logger:     s.logger,
	})
	if err != nil {
		s.initErr = err
		return
	}
	s.auditLog = auditLog

	s.initRateLimit(nil)
	s.initMeshIdentity()
	if s.initErr != nil {
		return
	}
	s.initRouter(&router.HTTPForwarder{TLSConfig: s.dialTLSConfig()})
}

// restoreRevocations replays persisted revocations into the in-memory
// set so a restart does not resurrect revoked certificates.
func (s *Server) restoreRevocations() {
	if s.store == nil || s.store.DB == nil {
		return
	}
	serials, err := db.NewCertificateRepository(s.store.DB).RevokedSerials(context.Background())
	if err != nil {
		s.logger.Warn("could not restore revocations", "error", err)
		return
	}
	for _, serial := range serials {
		s.authority.Store().Revoke(serial)
	}
}

func (s *Server) initMeshIdentity() {
	if s.authority == nil {
		s.initErr = errors.New("certificate authority is required")
		return
	}
	cert, err := s.authority.IssueLocal(ControllerServiceName, nil)
	if err != nil {
		s.initErr = err
		return
	}
	s.meshCert = cert
}

func (s *Server) initRouter(forwarder router.Forwarder) {
	s.router = &router.Router{
		Registry:       s.registry,
		Policy:         s.policyEngine,
		Audit:          s.auditLog,
		Forwarder:      forwarder,
		ForwardTimeout: s.cfg.ForwardTimeout(),
		RetryMax:       s.cfg.ForwardRetryMax,
		CancelGrace:    s.cfg.CancelGrace(),
		NewJobID:       db.NewUUID,
		Logger:         s.logger,
	}
}

func (s *Server) initRateLimit(override domain.RateLimiter) {
	if override != nil {
		s.rateLimiter = override
	}
	if s.rateLimiter == nil && s.cfg.RateLimitRequests > 0 {
		if s.cfg.RedisAddr != "" {
			if limiter, err := ratelimit.NewRedisLimiter(s.cfg.RedisAddr, s.cfg.RedisPassword, s.cfg.RedisDB, nil); err == nil {
				s.rateLimiter = limiter
			}
		}
		if s.rateLimiter == nil {
			s.rateLimiter = ratelimit.NewMemoryLimiter(ratelimit.MemoryLimiterConfig{
				MaxKeys: s.cfg.RateLimitMaxKeys,
			})
		}
	}
	s.rateLimitRequests = s.cfg.RateLimitRequests
	if s.cfg.RateLimitWindowSeconds > 0 {
		s.rateLimitWindow = time.Duration(s.cfg.RateLimitWindowSeconds) * time.Second
	}
	s.rateLimitFailClosed = s.cfg.RateLimitFailClosed
}

func (s *Server) routes() {
	s.bootstrap.GET("/healthz", s.handleHealthz)
	s.bootstrap.POST("/ca/issue", s.handleIssue)
	s.bootstrap.GET("/ca/root", s.handleRootBundle)

	v1 := s.mesh.Group("/v1")
	{
		v1.POST("/process", s.handleProcess)
		v1.GET("/receipts/:job_id", s.handleReceipt)
		v1.POST("/policy/reload", s.handlePolicyReload)
		v1.GET("/audit/verify", s.handleAuditVerify)
	}
	reg := s.mesh.Group("/registry")
	{
		reg.POST("/register", s.handleRegister)
		reg.POST("/unregister", s.handleUnregister)
	}
	s.mesh.POST("/ca/revoke", s.handleRevoke)
	s.mesh.GET("/healthz", s.handleHealthz)
}

// BootstrapHandler exposes the plain listener mux, mostly for tests.
func (s *Server) BootstrapHandler() http.Handler {
	return s.bootstrap
}

// MeshHandler exposes the mesh mux. It must only ever be served behind
// MeshTLSConfig; the handlers trust the TLS peer identity.
func (s *Server) MeshHandler() http.Handler {
	return s.mesh
}

// MeshTLSConfig builds the mesh listener configuration. Every peer must
// present a certificate chaining to the mesh CA; revoked or expired
// leaves are rejected at the handshake.
func (s *Server) MeshTLSConfig() *tls.Config {
	cfg := &tls.Config{
		MinVersion:            tls.VersionTLS13,
		Certificates:          []tls.Certificate{s.meshCert},
		ClientAuth:            tls.RequireAndVerifyClientCert,
		ClientCAs:             s.authority.Store().Pool(),
		VerifyPeerCertificate: s.verifyMeshPeer(""),
	}
	// Per-connection clone so the verification callback can name the
	// remote address when it logs a rejection.
	cfg.GetConfigForClient = func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
		perConn := cfg.Clone()
		perConn.VerifyPeerCertificate = s.verifyMeshPeer(hello.Conn.RemoteAddr().String())
		return perConn, nil
	}
	return cfg
}

// verifyMeshPeer checks the presented leaf against the CA chain, its
// validity window and the revocation set. The peer has no trusted
// identity yet, so a rejection is logged as an anonymous security
// event carrying only the remote address and the failure.
func (s *Server) verifyMeshPeer(remoteAddr string) func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			s.logger.Warn("mesh handshake rejected",
				"remote_addr", remoteAddr,
				"error", "no client certificate")
			return domain.ErrAuthenticationFailure
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			s.logger.Warn("mesh handshake rejected",
				"remote_addr", remoteAddr,
				"error", err)
			return domain.ErrAuthenticationFailure
		}
		if err := s.authority.Store().Verify(leaf); err != nil {
			s.logger.Warn("mesh handshake rejected",
				"remote_addr", remoteAddr,
				"error", err)
			return err
		}
		return nil
	}
}

func (s *Server) dialTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{s.meshCert},
		RootCAs:      s.authority.Store().Pool(),
	}
}

// Run serves both listeners until ctx is cancelled or either listener
// fails.
func (s *Server) Run(ctx context.Context) error {
	if s.initErr != nil {
		return s.initErr
	}

	bootstrapSrv := &http.Server{
		Addr:              s.cfg.BootstrapAddr,
		Handler:           s.bootstrap,
		ReadHeaderTimeout: 10 * time.Second,
	}
	meshSrv := &http.Server{
		Addr:              s.cfg.MeshAddr,
		Handler:           s.mesh,
		TLSConfig:         s.MeshTLSConfig(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		s.logger.Info("bootstrap listener starting", "addr", s.cfg.BootstrapAddr)
		errCh <- bootstrapSrv.ListenAndServe()
	}()
	go func() {
		s.logger.Info("mesh listener starting", "addr", s.cfg.MeshAddr)
		ln, err := net.Listen("tcp", s.cfg.MeshAddr)
		if err != nil {
			errCh <- err
			return
		}
		errCh <- meshSrv.Serve(tls.NewListener(ln, meshSrv.TLSConfig))
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.shutdown(bootstrapSrv, meshSrv)
			return err
		}
	}
	s.shutdown(bootstrapSrv, meshSrv)
	return nil
}

func (s *Server) shutdown(servers ...*http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	if s.auditLog != nil {
		s.auditLog.Close()
	}
}
