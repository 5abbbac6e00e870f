package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all Harbormaster configuration from environment variables.
type Config struct {
	// HTTP server
	ListenAddr     string
	TLSMode        string // "off", "self-signed", or "provided"
	TLSCertFile    string
	TLSKeyFile     string
	AllowedOrigins []string // WebSocket origin allowlist; empty means same-origin only

	// Storage
	DataDir string
	DBPath  string

	// Identity
	JWTSecret         string
	AccessTokenTTL    time.Duration
	RefreshTokenTTL   time.Duration
	BootstrapUser     string
	BootstrapPassword string
	PolicyFile        string // optional YAML extending the role permission matrix

	// Credential vault
	VaultKey string // 64 hex chars (32 bytes)

	// Connection health
	ProbeInterval    time.Duration
	ProbeTimeout     time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// Streaming
	StreamRingSize    int
	SubscriberQueue   int
	StreamLinger      time.Duration
	FilterSelf        bool   // hide Harbormaster's own container from event/stats streams
	SelfLabel         string // label that marks our own container
	SelfContainerName string

	// Audit
	AuditQueueSize    int
	AuditRetention    time.Duration // 0 keeps events forever
	AuditSweepCron    string
	MetricsTextfile   string // optional node-exporter textfile path
	MetricsTextfileIv time.Duration

	// Notifications
	WebhookURL string
	MQTTBroker string
	MQTTTopic  string

	// Logging
	LogJSON bool
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		ListenAddr:     envStr("HM_LISTEN_ADDR", ":8443"),
		TLSMode:        envStr("HM_TLS_MODE", "self-signed"),
		TLSCertFile:    envStr("HM_TLS_CERT", ""),
		TLSKeyFile:     envStr("HM_TLS_KEY", ""),
		AllowedOrigins: envList("HM_WS_ALLOWED_ORIGINS"),

		DataDir: envStr("HM_DATA_DIR", "/data"),
		DBPath:  envStr("HM_DB_PATH", "/data/harbormaster.db"),

		JWTSecret:         envStr("HM_JWT_SECRET", ""),
		AccessTokenTTL:    envDuration("HM_ACCESS_TOKEN_TTL", 30*time.Minute),
		RefreshTokenTTL:   envDuration("HM_REFRESH_TOKEN_TTL", 7*24*time.Hour),
		BootstrapUser:     envStr("HM_BOOTSTRAP_USER", "admin@localhost"),
		BootstrapPassword: envStr("HM_BOOTSTRAP_PASSWORD", "changeme123"),
		PolicyFile:        envStr("HM_POLICY_FILE", ""),

		VaultKey: envStr("HM_VAULT_KEY", ""),

		ProbeInterval:    envDuration("HM_PROBE_INTERVAL", 30*time.Second),
		ProbeTimeout:     envDuration("HM_PROBE_TIMEOUT", 5*time.Second),
		BreakerThreshold: envInt("HM_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  envDuration("HM_BREAKER_COOLDOWN", 30*time.Second),

		StreamRingSize:    envInt("HM_STREAM_RING_SIZE", 1000),
		SubscriberQueue:   envInt("HM_SUBSCRIBER_QUEUE", 256),
		StreamLinger:      envDuration("HM_STREAM_LINGER", 5*time.Second),
		FilterSelf:        envBool("HM_FILTER_SELF", true),
		SelfLabel:         envStr("HM_SELF_LABEL", "io.harbormaster.self"),
		SelfContainerName: envStr("HM_SELF_CONTAINER", "harbormaster"),

		AuditQueueSize:    envInt("HM_AUDIT_QUEUE_SIZE", 1024),
		AuditRetention:    envDuration("HM_AUDIT_MAX_AGE", 90*24*time.Hour),
		AuditSweepCron:    envStr("HM_AUDIT_SWEEP_CRON", "@daily"),
		MetricsTextfile:   envStr("HM_METRICS_TEXTFILE", ""),
		MetricsTextfileIv: envDuration("HM_METRICS_TEXTFILE_INTERVAL", time.Minute),

		WebhookURL: envStr("HM_WEBHOOK_URL", ""),
		MQTTBroker: envStr("HM_MQTT_BROKER", ""),
		MQTTTopic:  envStr("HM_MQTT_TOPIC", "harbormaster/events"),

		LogJSON: envBool("HM_LOG_JSON", true),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	switch c.TLSMode {
	case "off", "self-signed", "provided":
		// valid
	default:
		errs = append(errs, fmt.Errorf("HM_TLS_MODE must be off, self-signed, or provided, got %q", c.TLSMode))
	}
	if c.TLSMode == "provided" && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		errs = append(errs, errors.New("HM_TLS_CERT and HM_TLS_KEY are required when HM_TLS_MODE=provided"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("HM_JWT_SECRET is required"))
	} else if len(c.JWTSecret) < 32 {
		errs = append(errs, fmt.Errorf("HM_JWT_SECRET must be at least 32 characters, got %d", len(c.JWTSecret)))
	}
	if c.VaultKey == "" {
		errs = append(errs, errors.New("HM_VAULT_KEY is required"))
	} else if b, err := hex.DecodeString(c.VaultKey); err != nil || len(b) != 32 {
		errs = append(errs, errors.New("HM_VAULT_KEY must be 64 hex characters (32 bytes)"))
	}
	if c.AccessTokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("HM_ACCESS_TOKEN_TTL must be > 0, got %s", c.AccessTokenTTL))
	}
	if c.RefreshTokenTTL <= c.AccessTokenTTL {
		errs = append(errs, fmt.Errorf("HM_REFRESH_TOKEN_TTL must exceed HM_ACCESS_TOKEN_TTL, got %s", c.RefreshTokenTTL))
	}
	if c.ProbeInterval <= 0 {
		errs = append(errs, fmt.Errorf("HM_PROBE_INTERVAL must be > 0, got %s", c.ProbeInterval))
	}
	if c.ProbeTimeout <= 0 || c.ProbeTimeout >= c.ProbeInterval {
		errs = append(errs, fmt.Errorf("HM_PROBE_TIMEOUT must be > 0 and < HM_PROBE_INTERVAL, got %s", c.ProbeTimeout))
	}
	if c.BreakerThreshold < 1 {
		errs = append(errs, fmt.Errorf("HM_BREAKER_THRESHOLD must be >= 1, got %d", c.BreakerThreshold))
	}
	if c.BreakerCooldown <= 0 {
		errs = append(errs, fmt.Errorf("HM_BREAKER_COOLDOWN must be > 0, got %s", c.BreakerCooldown))
	}
	if c.StreamRingSize < 0 {
		errs = append(errs, fmt.Errorf("HM_STREAM_RING_SIZE must be >= 0, got %d", c.StreamRingSize))
	}
	if c.SubscriberQueue < 1 {
		errs = append(errs, fmt.Errorf("HM_SUBSCRIBER_QUEUE must be >= 1, got %d", c.SubscriberQueue))
	}
	if c.AuditQueueSize < 1 {
		errs = append(errs, fmt.Errorf("HM_AUDIT_QUEUE_SIZE must be >= 1, got %d", c.AuditQueueSize))
	}
	if c.AuditRetention < 0 {
		errs = append(errs, fmt.Errorf("HM_AUDIT_MAX_AGE must be >= 0, got %s", c.AuditRetention))
	}
	return errors.Join(errs...)
}

// VaultKeyBytes returns the decoded vault master key. Call after Validate.
func (c *Config) VaultKeyBytes() []byte {
	b, _ := hex.DecodeString(c.VaultKey)
	return b
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
