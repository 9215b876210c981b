package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// MeshAddr is the mTLS listener serving /v1/process, receipts and
	// registry traffic. BootstrapAddr serves CA issuance over plain
	// HTTP for workers that do not yet hold a certificate.
	MeshAddr      string
	BootstrapAddr string

	PostgresDSN string
	LogLevel    string

	AdminAPIKey string

	PolicyPath  string
	WorkersPath string

	CAName            string
	CACertTTLHours    int
	CAUseIntermediate bool

	AuditSigningSeedHex   string
	AuditSigningKeyBase64 string
	AuditQueueDepth       int

	HeartbeatTTLSeconds   int
	ForwardTimeoutSeconds int
	ForwardRetryMax       int
	CancelGraceSeconds    int

	RateLimitRequests      int
	RateLimitWindowSeconds int
	RateLimitFailClosed    bool
	RateLimitMaxKeys       int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

func FromEnv() Config {
	meshAddr := os.Getenv("MESH_ADDR")
	if meshAddr == "" {
		meshAddr = ":8443"
	}
	return Config{
		MeshAddr:               meshAddr,
		BootstrapAddr:          envDefault("BOOTSTRAP_ADDR", ":8080"),
		PostgresDSN:            os.Getenv("POSTGRES_DSN"),
		LogLevel:               envDefault("LOG_LEVEL", "info"),
		AdminAPIKey:            os.Getenv("ADMIN_API_KEY"),
		PolicyPath:             os.Getenv("POLICY_PATH"),
		WorkersPath:            os.Getenv("WORKERS_PATH"),
		CAName:                 envDefault("CA_NAME", "crankmesh"),
		CACertTTLHours:         envIntDefault("CA_CERT_TTL_HOURS", 24),
		CAUseIntermediate:      envBoolDefault("CA_USE_INTERMEDIATE", false),
		AuditSigningSeedHex:    os.Getenv("AUDIT_SIGNING_SEED_HEX"),
		AuditSigningKeyBase64:  os.Getenv("AUDIT_SIGNING_KEY_BASE64"),
		AuditQueueDepth:        envIntDefault("AUDIT_QUEUE_DEPTH", 1024),
		HeartbeatTTLSeconds:    envIntDefault("HEARTBEAT_TTL_SECONDS", 30),
		ForwardTimeoutSeconds:  envIntDefault("FORWARD_TIMEOUT_SECONDS", 5),
		ForwardRetryMax:        envIntDefault("FORWARD_RETRY_MAX", 2),
		CancelGraceSeconds:     envIntDefault("CANCEL_GRACE_SECONDS", 2),
		RateLimitRequests:      envIntDefault("RATE_LIMIT_REQUESTS", 0),
		RateLimitWindowSeconds: envIntDefault("RATE_LIMIT_WINDOW_SECONDS", 60),
		RateLimitFailClosed:    envBoolDefault("RATE_LIMIT_FAIL_CLOSED", false),
		RateLimitMaxKeys:       envIntDefault("RATE_LIMIT_MAX_KEYS", 10000),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                envIntDefault("REDIS_DB", 0),
	}
}

func envDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func envBoolDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "TRUE", "True", "yes", "YES", "Yes":
		return true
	case "0", "false", "FALSE", "False", "no", "NO", "No":
		return false
	default:
		return def
	}
}

func (c Config) CertTTL() time.Duration {
	if c.CACertTTLHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.CACertTTLHours) * time.Hour
}

func (c Config) HeartbeatTTL() time.Duration {
	return time.Duration(c.HeartbeatTTLSeconds) * time.Second
}

func (c Config) ForwardTimeout() time.Duration {
	return time.Duration(c.ForwardTimeoutSeconds) * time.Second
}

func (c Config) CancelGrace() time.Duration {
	return time.Duration(c.CancelGraceSeconds) * time.Second
}

func (c Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}
