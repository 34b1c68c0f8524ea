package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	CDSHooksEndpoints         string `mapstructure:"CDS_HOOKS_ENDPOINTS"`
	CDSHooksRetryAttempts     int    `mapstructure:"CDS_HOOKS_RETRY_ATTEMPTS"`
	CDSHooksRetryIntervalSecs int    `mapstructure:"CDS_HOOKS_RETRY_INTERVAL_SECONDS"`
	CDSHooksInvokeTimeoutSecs int    `mapstructure:"CDS_HOOKS_INVOKE_TIMEOUT_SECONDS"`
	CDSHooksWorkers           int    `mapstructure:"CDS_HOOKS_WORKERS"`
	CDSHooksInsecureTLS       bool   `mapstructure:"CDS_HOOKS_INSECURE_TLS"`
	CDSHooksJWTIssuer         string `mapstructure:"CDS_HOOKS_JWT_ISSUER"`
	CDSHooksJWTKeyFile        string `mapstructure:"CDS_HOOKS_JWT_KEY_FILE"`
	CDSHooksJWTKeyID          string `mapstructure:"CDS_HOOKS_JWT_KEY_ID"`

	FHIRServerURL   string `mapstructure:"FHIR_SERVER_URL"`
	FHIRAccessToken string `mapstructure:"FHIR_ACCESS_TOKEN"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	NATSURL           string `mapstructure:"NATS_URL"`
	NATSSubjectPrefix string `mapstructure:"NATS_SUBJECT_PREFIX"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"CDS_HOOKS_ENDPOINTS", "CDS_HOOKS_RETRY_ATTEMPTS", "CDS_HOOKS_RETRY_INTERVAL_SECONDS",
	"CDS_HOOKS_INVOKE_TIMEOUT_SECONDS", "CDS_HOOKS_WORKERS", "CDS_HOOKS_INSECURE_TLS",
	"CDS_HOOKS_JWT_ISSUER", "CDS_HOOKS_JWT_KEY_FILE", "CDS_HOOKS_JWT_KEY_ID",
	"FHIR_SERVER_URL", "FHIR_ACCESS_TOKEN",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"NATS_URL", "NATS_SUBJECT_PREFIX",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8090")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CDS_HOOKS_RETRY_ATTEMPTS", 5)
	v.SetDefault("CDS_HOOKS_RETRY_INTERVAL_SECONDS", 10)
	v.SetDefault("CDS_HOOKS_INVOKE_TIMEOUT_SECONDS", 0) // 0 -> retry interval
	v.SetDefault("CDS_HOOKS_WORKERS", 16)
	v.SetDefault("DB_MAX_CONNS", 5)
	v.SetDefault("DB_MIN_CONNS", 1)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Endpoints returns the configured discovery endpoints, blanks dropped.
func (c *Config) Endpoints() []string {
	var out []string
	for _, part := range strings.Split(c.CDSHooksEndpoints, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// RetryInterval is the pause between discovery attempts.
func (c *Config) RetryInterval() time.Duration {
	return time.Duration(c.CDSHooksRetryIntervalSecs) * time.Second
}

// InvokeTimeout bounds each discovery and service call. It falls back to the
// retry interval when unset.
func (c *Config) InvokeTimeout() time.Duration {
	if c.CDSHooksInvokeTimeoutSecs <= 0 {
		return c.RetryInterval()
	}
	return time.Duration(c.CDSHooksInvokeTimeoutSecs) * time.Second
}

// JWTEnabled reports whether outbound calls carry a signed client JWT.
func (c *Config) JWTEnabled() bool {
	return c.CDSHooksJWTIssuer != "" || c.CDSHooksJWTKeyFile != ""
}

// Validate checks the configuration before the client starts.
func (c *Config) Validate() error {
	if c.CDSHooksRetryAttempts < 1 {
		return fmt.Errorf("CDS_HOOKS_RETRY_ATTEMPTS must be at least 1, got %d", c.CDSHooksRetryAttempts)
	}
	if c.CDSHooksRetryIntervalSecs < 1 {
		return fmt.Errorf("CDS_HOOKS_RETRY_INTERVAL_SECONDS must be at least 1, got %d", c.CDSHooksRetryIntervalSecs)
	}
	if c.CDSHooksInvokeTimeoutSecs < 0 {
		return fmt.Errorf("CDS_HOOKS_INVOKE_TIMEOUT_SECONDS must not be negative, got %d", c.CDSHooksInvokeTimeoutSecs)
	}
	if c.CDSHooksWorkers < 1 {
		return fmt.Errorf("CDS_HOOKS_WORKERS must be at least 1, got %d", c.CDSHooksWorkers)
	}

	// Issuer and key must be configured together.
	if c.JWTEnabled() {
		if c.CDSHooksJWTIssuer == "" {
			return fmt.Errorf("CDS_HOOKS_JWT_ISSUER is required when CDS_HOOKS_JWT_KEY_FILE is set")
		}
		if c.CDSHooksJWTKeyFile == "" {
			return fmt.Errorf("CDS_HOOKS_JWT_KEY_FILE is required when CDS_HOOKS_JWT_ISSUER is set")
		}
	}

	if c.FHIRServerURL != "" {
		u, err := url.Parse(c.FHIRServerURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("FHIR_SERVER_URL must be an http(s) URL, got %q", c.FHIRServerURL)
		}
	}

	switch strings.ToLower(c.LogLevel) {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of trace, debug, info, warn, error; got %q", c.LogLevel)
	}
	return nil
}
