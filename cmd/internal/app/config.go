package app

import (
	"time"

	"helpdesk/cmd/internal/auth"
	"helpdesk/cmd/internal/reconcile"
)

// Storage modes for the durable presence mirror.
const (
	StorageAuto     = "auto"
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
	StorageNone     = "none"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string
	NodeID    string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int
	TrustProxy        bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// Presence timing.
	PresenceTTL       time.Duration
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration

	// Durable mirror.
	Storage               string
	DatabaseURL           string
	DBSchema              string
	DBTable               string
	DBMaxConns            int32
	DBMinConns            int32
	RedisURL              string
	RedisPrefix           string
	DurableStaleThreshold time.Duration
	DurableSweepInterval  time.Duration
	ReconcileWorkers      int
	ReconcileWriteTimeout time.Duration
	ReconcileDrainTimeout time.Duration

	// If true, /readyz returns 503 unless the durable mirror is configured and reachable.
	ReadinessRequireDurable bool

	// Auth.
	AuthMode           string
	JWTSecret          string
	JWTAudience        string
	PasetoPublicKeyHex string
	AuthIssuer         string
	AdminRoles         []string

	// WebSocket.
	WSDevInsecure    bool
	WSOriginRequired bool
	WSAllowedOrigins []string
	WSSendQueue      int
	WSPingInterval   time.Duration
	WSConnTimeout    time.Duration
	WSRateEvents     int
	WSRateWindow     time.Duration

	// Relay.
	NATSURL           string
	NATSSubjectPrefix string

	MetricsEnabled bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("HELPDESK_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("HELPDESK_LOG_LEVEL", "info"),
		LogFormat: EnvString("HELPDESK_LOG_FORMAT", "json"),
		NodeID:    EnvString("HELPDESK_NODE_ID", defaultNodeID()),

		ReadHeaderTimeout: EnvDuration("HELPDESK_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("HELPDESK_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("HELPDESK_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("HELPDESK_HTTP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   EnvDuration("HELPDESK_SHUTDOWN_TIMEOUT", 10*time.Second),
		MaxHeaderBytes:    EnvInt("HELPDESK_HTTP_MAX_HEADER_BYTES", 1<<20),
		TrustProxy:        EnvBool("HELPDESK_TRUST_PROXY", false),

		CORSAllowedOrigins:   EnvCSV("HELPDESK_CORS_ALLOWED_ORIGINS", "http://localhost:*,http://127.0.0.1:*"),
		CORSAllowCredentials: EnvBool("HELPDESK_CORS_ALLOW_CREDENTIALS", true),
		CORSMaxAgeSeconds:    EnvInt("HELPDESK_CORS_MAX_AGE", 600),

		PresenceTTL:       EnvDuration("HELPDESK_PRESENCE_TTL", 90*time.Second),
		HeartbeatInterval: EnvDuration("HELPDESK_PRESENCE_HEARTBEAT_INTERVAL", 25*time.Second),
		SweepInterval:     EnvDuration("HELPDESK_PRESENCE_SWEEP_INTERVAL", 30*time.Second),

		Storage:               EnvString("HELPDESK_STORAGE", StorageAuto),
		DatabaseURL:           EnvString("HELPDESK_DATABASE_URL", ""),
		DBSchema:              EnvString("HELPDESK_DB_SCHEMA", "public"),
		DBTable:               EnvString("HELPDESK_DB_TABLE", "users"),
		DBMaxConns:            EnvInt32("HELPDESK_DB_MAX_CONNS", 10),
		DBMinConns:            EnvInt32("HELPDESK_DB_MIN_CONNS", 0),
		RedisURL:              EnvString("HELPDESK_REDIS_URL", ""),
		RedisPrefix:           EnvString("HELPDESK_REDIS_PREFIX", "helpdesk:presence:"),
		DurableStaleThreshold: EnvDuration("HELPDESK_DURABLE_STALE_THRESHOLD", reconcile.DefaultStaleConfig().Threshold),
		DurableSweepInterval:  EnvDuration("HELPDESK_DURABLE_SWEEP_INTERVAL", reconcile.DefaultStaleConfig().Interval),
		ReconcileWorkers:      EnvInt("HELPDESK_RECONCILE_WORKERS", reconcile.DefaultBridgeConfig().Workers),
		ReconcileWriteTimeout: EnvDuration("HELPDESK_RECONCILE_WRITE_TIMEOUT", reconcile.DefaultBridgeConfig().WriteTimeout),
		ReconcileDrainTimeout: EnvDuration("HELPDESK_RECONCILE_DRAIN_TIMEOUT", reconcile.DefaultBridgeConfig().DrainTimeout),

		ReadinessRequireDurable: EnvBool("HELPDESK_READINESS_REQUIRE_DURABLE", false),

		AuthMode:           EnvString("HELPDESK_AUTH_MODE", auth.ModeHeader),
		JWTSecret:          EnvString("HELPDESK_JWT_SECRET", ""),
		JWTAudience:        EnvString("HELPDESK_JWT_AUDIENCE", ""),
		PasetoPublicKeyHex: EnvString("HELPDESK_PASETO_PUBLIC_KEY_HEX", ""),
		AuthIssuer:         EnvString("HELPDESK_AUTH_ISSUER", ""),
		AdminRoles:         EnvCSV("HELPDESK_ADMIN_ROLES", "admin,supervisor"),

		WSDevInsecure:    EnvBool("HELPDESK_WS_DEV_INSECURE", false),
		WSOriginRequired: EnvBool("HELPDESK_WS_ORIGIN_REQUIRED", true),
		WSAllowedOrigins: EnvCSV("HELPDESK_WS_ALLOWED_ORIGINS", "http://localhost,http://127.0.0.1"),
		WSSendQueue:      EnvInt("HELPDESK_WS_SEND_QUEUE", 256),
		WSPingInterval:   EnvDuration("HELPDESK_WS_PING_INTERVAL", 30*time.Second),
		WSConnTimeout:    EnvDuration("HELPDESK_WS_CONN_TIMEOUT", 60*time.Second),
		WSRateEvents:     EnvInt("HELPDESK_WS_RATE_EVENTS", 120),
		WSRateWindow:     EnvDuration("HELPDESK_WS_RATE_WINDOW", 10*time.Second),

		NATSURL:           EnvString("HELPDESK_NATS_URL", ""),
		NATSSubjectPrefix: EnvString("HELPDESK_NATS_SUBJECT_PREFIX", "helpdesk.presence"),

		MetricsEnabled: EnvBool("HELPDESK_METRICS_ENABLED", true),
	}
}

// AuthConfig maps the auth settings onto auth.Config.
func (c Config) AuthConfig() auth.Config {
	out := auth.DefaultConfig()
	out.Mode = c.AuthMode
	out.JWTSecret = c.JWTSecret
	out.JWTAudience = c.JWTAudience
	out.PasetoPublicKeyHex = c.PasetoPublicKeyHex
	out.Issuer = c.AuthIssuer
	if len(c.AdminRoles) > 0 {
		out.AdminRoles = c.AdminRoles
	}
	return out
}
