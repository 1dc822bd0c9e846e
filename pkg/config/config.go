// Package config loads Clasper server configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// EnforcementMode controls how verification failures are handled.
type EnforcementMode string

const (
	ModeOff     EnforcementMode = "off"
	ModeWarn    EnforcementMode = "warn"
	ModeEnforce EnforcementMode = "enforce"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	Environment string // "production" disables the dev bypass
	DBPath      string
	PolicyPath  string

	// Secrets. Each may be set directly, or derived from MasterSecret.
	AgentJWTSecret      []byte
	AdapterJWTSecret    []byte
	DecisionTokenSecret []byte
	ToolTokenSecret     []byte

	// Operator identity (OIDC).
	OpsOIDCIssuer   string
	OpsOIDCAudience string
	OpsOIDCJWKSURL  string

	// Telemetry verification.
	TelemetrySignatureMode EnforcementMode
	TelemetryMaxSkew       time.Duration
	ToolAuthMode           EnforcementMode

	// Decision grants.
	GrantTTL     time.Duration
	ApprovalTTL  time.Duration
	MaxSteps     int
	SafetyFactor float64

	// Limits.
	MaxPayloadBytes int64
	RateLimitRPS    int
	RateLimitBurst  int
	StoreRetries    int

	// Optional infrastructure.
	RedisAddr      string
	OTLPEndpoint   string
	ArchiveBackend string // "s3", "gcs", "memory" or "" (archiving disabled)
	ArchiveBucket  string

	DevNoAuth bool
}

// Load reads configuration from environment variables, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getenv("PORT", "8080"),
		LogLevel:    getenv("LOG_LEVEL", "INFO"),
		Environment: getenv("ENVIRONMENT", "development"),
		DBPath:      getenv("DB_PATH", "clasper.db"),
		PolicyPath:  os.Getenv("POLICY_PATH"),

		OpsOIDCIssuer:   os.Getenv("OPS_OIDC_ISSUER"),
		OpsOIDCAudience: os.Getenv("OPS_OIDC_AUDIENCE"),
		OpsOIDCJWKSURL:  os.Getenv("OPS_OIDC_JWKS_URL"),

		TelemetrySignatureMode: EnforcementMode(getenv("TELEMETRY_SIGNATURE_MODE", string(ModeEnforce))),
		TelemetryMaxSkew:       time.Duration(getenvInt("TELEMETRY_MAX_SKEW_SECONDS", 300)) * time.Second,
		ToolAuthMode:           EnforcementMode(getenv("TOOL_AUTH_MODE", string(ModeEnforce))),

		GrantTTL:     time.Duration(getenvInt("GRANT_TTL_SECONDS", 900)) * time.Second,
		ApprovalTTL:  time.Duration(getenvInt("APPROVAL_TTL_SECONDS", 86400)) * time.Second,
		MaxSteps:     getenvInt("MAX_STEPS", 16),
		SafetyFactor: getenvFloat("COST_SAFETY_FACTOR", 2.0),

		MaxPayloadBytes: int64(getenvInt("MAX_PAYLOAD_BYTES", 1<<20)),
		RateLimitRPS:    getenvInt("RATE_LIMIT_RPS", 50),
		RateLimitBurst:  getenvInt("RATE_LIMIT_BURST", 100),
		StoreRetries:    getenvInt("STORE_RETRIES", 5),

		RedisAddr:      os.Getenv("REDIS_ADDR"),
		OTLPEndpoint:   os.Getenv("OTLP_ENDPOINT"),
		ArchiveBackend: os.Getenv("ARCHIVE_BACKEND"),
		ArchiveBucket:  os.Getenv("ARCHIVE_BUCKET"),

		DevNoAuth: os.Getenv("DEV_NO_AUTH") == "true",
	}

	if err := cfg.loadSecrets(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsProduction reports whether the deployment is production. The dev
// bypass is never permitted in production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// HasOperatorIDP reports whether an external identity provider is
// configured for operator tokens.
func (c *Config) HasOperatorIDP() bool {
	return c.OpsOIDCIssuer != "" || c.OpsOIDCJWKSURL != ""
}

// DevBypassAllowed checks the three preconditions for the development
// bypass. All three must hold; anything else fails closed.
func (c *Config) DevBypassAllowed() bool {
	return !c.IsProduction() && !c.HasOperatorIDP() && c.DevNoAuth
}

func (c *Config) validate() error {
	for _, m := range []EnforcementMode{c.TelemetrySignatureMode, c.ToolAuthMode} {
		switch m {
		case ModeOff, ModeWarn, ModeEnforce:
		default:
			return &InvalidModeError{Mode: string(m)}
		}
	}
	return nil
}

// InvalidModeError reports an unrecognized enforcement mode value.
type InvalidModeError struct{ Mode string }

func (e *InvalidModeError) Error() string {
	return "config: invalid enforcement mode " + strconv.Quote(e.Mode) + " (want off|warn|enforce)"
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
