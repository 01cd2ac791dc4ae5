// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the proxy server listens on (e.g. :8787).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN for the shared revocation/licensing store.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// CookieKeyFile is the path to the secure cookie signing key. Created with a
	// random key on first start when missing.
	CookieKeyFile string `mapstructure:"COOKIE_KEY_FILE"`
	// AuthTimeout is how long a user session may stay idle before the reaper
	// removes it (e.g. "60m"). Zero disables idle invalidation.
	AuthTimeout string `mapstructure:"AUTH_TIMEOUT"`
	// AuthStaySignedInTTL is the cookie lifetime when the user checks
	// "stay signed in" (e.g. "720h").
	AuthStaySignedInTTL string `mapstructure:"AUTH_STAY_SIGNED_IN_TTL"`
	// AuthCookieRefreshMinInterval bounds how often auth cookies are reissued
	// for an active user (e.g. "30s").
	AuthCookieRefreshMinInterval string `mapstructure:"AUTH_COOKIE_REFRESH_MIN_INTERVAL"`
	// AuthSignInMinInterval is the minimum interval between sign-in attempts per
	// username (e.g. "1s"). Zero disables sign-in rate limiting.
	AuthSignInMinInterval string `mapstructure:"AUTH_SIGN_IN_MIN_INTERVAL"`
	// AuthUsersFile is the path to the local accounts file (username:bcrypt-hash
	// per line) used by the built-in auth provider.
	AuthUsersFile string `mapstructure:"AUTH_USERS_FILE"`
	// NamedUserLimit caps how many distinct users may sign in within a rolling
	// year. Zero means unlimited.
	NamedUserLimit int `mapstructure:"NAMED_USER_LIMIT"`
	// SessionStreamDir is the directory holding per-user session domain sockets.
	SessionStreamDir string `mapstructure:"SESSION_STREAM_DIR"`
	// SessionRetryInterval is the wait between backend connect attempts (e.g. "250ms").
	SessionRetryInterval string `mapstructure:"SESSION_RETRY_INTERVAL"`
	// SessionMaxWait bounds the total time spent retrying one request (e.g. "10s").
	SessionMaxWait string `mapstructure:"SESSION_MAX_WAIT"`
	// SessionExecCommand is the binary started to launch a user session on
	// demand. Empty disables launch-on-demand; requests wait for an externally
	// started session instead.
	SessionExecCommand string `mapstructure:"SESSION_EXEC_COMMAND"`
	// WWWRootPath is the external mount prefix when the server sits behind a
	// path-rewriting front proxy (e.g. "/rstudio"). Empty means mounted at /.
	WWWRootPath string `mapstructure:"WWW_ROOT_PATH"`
	// LegacyRevocationList is the path of the pre-database revocation list file.
	// When it exists its entries are migrated into the database once at startup.
	LegacyRevocationList string `mapstructure:"LEGACY_REVOCATION_LIST"`
	// AuthzPolicyFile is an optional Rego policy evaluated at sign-in
	// (data.rstudio.authz.allow). Empty means all authenticated users allowed.
	AuthzPolicyFile string `mapstructure:"AUTHZ_POLICY_FILE"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	// OTELExporterEndpoint is the OTLP gRPC endpoint for traces/metrics/logs.
	// Empty disables telemetry export.
	OTELExporterEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTELExporterInsecure forces plaintext OTLP export (standard
	// OTEL_EXPORTER_OTLP_INSECURE behavior).
	OTELExporterInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	// KafkaBrokers is a comma-separated list of Kafka broker addresses. When set
	// the server broadcasts cookie revocations and emits proxy events to Kafka.
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// RevocationTopic is the Kafka topic carrying cluster-wide cookie revocations.
	RevocationTopic string `mapstructure:"REVOCATION_TOPIC"`
	// TelemetryKafkaTopic is the Kafka topic for proxy/auth telemetry events.
	TelemetryKafkaTopic string `mapstructure:"TELEMETRY_KAFKA_TOPIC"`

	// Worker-only: Loki URL for the telemetry worker to push logs (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`
	// KafkaGroupID is the consumer group ID for the telemetry worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8787")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("COOKIE_KEY_FILE", "secure-cookie-key")
	v.SetDefault("AUTH_TIMEOUT", "60m")
	v.SetDefault("AUTH_STAY_SIGNED_IN_TTL", "720h") // 30d
	v.SetDefault("AUTH_COOKIE_REFRESH_MIN_INTERVAL", "30s")
	v.SetDefault("AUTH_SIGN_IN_MIN_INTERVAL", "1s")
	v.SetDefault("AUTH_USERS_FILE", "")
	v.SetDefault("NAMED_USER_LIMIT", 0)
	v.SetDefault("SESSION_STREAM_DIR", "/tmp/rstudio-rserver")
	v.SetDefault("SESSION_RETRY_INTERVAL", "250ms")
	v.SetDefault("SESSION_MAX_WAIT", "10s")
	v.SetDefault("SESSION_EXEC_COMMAND", "")
	v.SetDefault("WWW_ROOT_PATH", "")
	v.SetDefault("LEGACY_REVOCATION_LIST", "")
	v.SetDefault("AUTHZ_POLICY_FILE", "")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("REVOCATION_TOPIC", "rserver-revocations")
	v.SetDefault("TELEMETRY_KAFKA_TOPIC", "rserver-telemetry")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("KAFKA_GROUP_ID", "rserver-telemetry-worker")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.NamedUserLimit < 0 {
		return nil, errors.New("config: NAMED_USER_LIMIT must not be negative")
	}
	if cfg.WWWRootPath != "" && !strings.HasPrefix(cfg.WWWRootPath, "/") {
		return nil, errors.New("config: WWW_ROOT_PATH must start with /")
	}
	cfg.WWWRootPath = strings.TrimSuffix(cfg.WWWRootPath, "/")

	return &cfg, nil
}

// AuthTimeoutDuration parses AuthTimeout as a time.Duration. Returns 60m if unset or invalid.
func (c *Config) AuthTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.AuthTimeout)
	if err != nil || d < 0 {
		return 60 * time.Minute
	}
	return d
}

// StaySignedInTTL parses AuthStaySignedInTTL. Returns 720h if unset or invalid.
func (c *Config) StaySignedInTTL() time.Duration {
	d, err := time.ParseDuration(c.AuthStaySignedInTTL)
	if err != nil || d <= 0 {
		return 720 * time.Hour
	}
	return d
}

// CookieRefreshMinInterval parses AuthCookieRefreshMinInterval. Returns 30s if unset or invalid.
func (c *Config) CookieRefreshMinInterval() time.Duration {
	d, err := time.ParseDuration(c.AuthCookieRefreshMinInterval)
	if err != nil || d < 0 {
		return 30 * time.Second
	}
	return d
}

// SignInMinInterval parses AuthSignInMinInterval. Returns 1s if unset or invalid.
func (c *Config) SignInMinInterval() time.Duration {
	d, err := time.ParseDuration(c.AuthSignInMinInterval)
	if err != nil || d < 0 {
		return time.Second
	}
	return d
}

// RetryInterval parses SessionRetryInterval. Returns 250ms if unset or invalid.
func (c *Config) RetryInterval() time.Duration {
	d, err := time.ParseDuration(c.SessionRetryInterval)
	if err != nil || d <= 0 {
		return 250 * time.Millisecond
	}
	return d
}

// MaxWait parses SessionMaxWait. Returns 10s if unset or invalid.
func (c *Config) MaxWait() time.Duration {
	d, err := time.ParseDuration(c.SessionMaxWait)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if the Kafka bus is enabled (non-empty list) and to create producers.
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
