package oauth

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/voicehub/smarthome-oauth/instrumentation"
	"github.com/voicehub/smarthome-oauth/server"
)

// EnvPrefix prefixes every environment override, e.g. OAUTH_SIGNING_KEY.
const EnvPrefix = "OAUTH_"

// Storage drivers understood by StorageConfig.Driver.
const (
	DriverMemory   = "memory"
	DriverBolt     = "bolt"
	DriverValkey   = "valkey"
	DriverPostgres = "postgres"
)

// minSigningKeyLength is the HS256 key floor (RFC 7518 section 3.2).
const minSigningKeyLength = 32

// Config is the process configuration of the authorization server.
type Config struct {
	// Issuer is the public base URL and the iss claim of every token
	Issuer string `yaml:"issuer" env:"ISSUER"`

	// ListenAddr is the HTTP listen address. Default ":8080"
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`

	// SigningKey is the HS256 key, at least 32 bytes. Prefer the
	// OAUTH_SIGNING_KEY environment variable over the config file.
	SigningKey string `yaml:"signing_key" env:"SIGNING_KEY"`

	Log     LogConfig     `yaml:"log" envPrefix:"LOG_"`
	Storage StorageConfig `yaml:"storage" envPrefix:"STORAGE_"`
	Tokens  TokensConfig  `yaml:"tokens" envPrefix:"TOKENS_"`
	Sweep   SweepConfig   `yaml:"sweep" envPrefix:"SWEEP_"`
	Login   LoginConfig   `yaml:"login" envPrefix:"LOGIN_"`
	Metrics MetricsConfig `yaml:"metrics" envPrefix:"METRICS_"`
	HTTP    HTTPConfig    `yaml:"http" envPrefix:"HTTP_"`

	// Users are the resource owners allowed to log in
	Users []UserConfig `yaml:"users"`

	// Clients are registered (or replaced) at startup
	Clients []ClientConfig `yaml:"clients"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"FORMAT"` // json or text
}

// StorageConfig selects and configures the backend.
type StorageConfig struct {
	Driver   string         `yaml:"driver" env:"DRIVER"`
	Bolt     BoltConfig     `yaml:"bolt" envPrefix:"BOLT_"`
	Valkey   ValkeyConfig   `yaml:"valkey" envPrefix:"VALKEY_"`
	Postgres PostgresConfig `yaml:"postgres" envPrefix:"POSTGRES_"`
}

// BoltConfig configures the embedded bbolt backend.
type BoltConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

// ValkeyConfig configures the Valkey backend.
type ValkeyConfig struct {
	Address   string `yaml:"address" env:"ADDRESS"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	TLS       bool   `yaml:"tls" env:"TLS"`
}

// PostgresConfig configures the Postgres backend.
type PostgresConfig struct {
	DSN      string `yaml:"dsn" env:"DSN"`
	MaxConns int32  `yaml:"max_conns" env:"MAX_CONNS"`

	// Migrate creates the schema at startup
	Migrate bool `yaml:"migrate" env:"MIGRATE"`
}

// TokensConfig holds the protocol settings passed to server.Config.
type TokensConfig struct {
	AuthorizationCodeTTL        time.Duration `yaml:"authorization_code_ttl" env:"AUTHORIZATION_CODE_TTL"`
	PendingAuthorizationTTL     time.Duration `yaml:"pending_authorization_ttl" env:"PENDING_AUTHORIZATION_TTL"`
	UsedGrantRetention          time.Duration `yaml:"used_grant_retention" env:"USED_GRANT_RETENTION"`
	DisableRefreshTokenRotation bool          `yaml:"disable_refresh_token_rotation" env:"DISABLE_REFRESH_TOKEN_ROTATION"`
	RequirePKCE                 bool          `yaml:"require_pkce" env:"REQUIRE_PKCE"`
	DisablePKCEPlain            bool          `yaml:"disable_pkce_plain" env:"DISABLE_PKCE_PLAIN"`
	CheckSignedTokenRevocation  bool          `yaml:"check_signed_token_revocation" env:"CHECK_SIGNED_TOKEN_REVOCATION"`
	ClientCacheTTL              time.Duration `yaml:"client_cache_ttl" env:"CLIENT_CACHE_TTL"`
	SupportedScopes             []string      `yaml:"supported_scopes" env:"SUPPORTED_SCOPES" envSeparator:","`
}

// SweepConfig configures the expired record sweeper.
type SweepConfig struct {
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
}

// LoginConfig rate limits login attempts per client IP.
type LoginConfig struct {
	AttemptsPerMinute float64 `yaml:"attempts_per_minute" env:"ATTEMPTS_PER_MINUTE"`
	Burst             int     `yaml:"burst" env:"BURST"`
}

// MetricsConfig configures instrumentation.
type MetricsConfig struct {
	Enabled      bool   `yaml:"enabled" env:"ENABLED"`
	Exporter     string `yaml:"exporter" env:"EXPORTER"`
	LogClientIPs bool   `yaml:"log_client_ips" env:"LOG_CLIENT_IPS"`
}

// HTTPConfig configures the listener and proxy trust.
type HTTPConfig struct {
	// TrustProxy reads the client IP from X-Forwarded-For
	TrustProxy        bool `yaml:"trust_proxy" env:"TRUST_PROXY"`
	TrustedProxyCount int  `yaml:"trusted_proxy_count" env:"TRUSTED_PROXY_COUNT"`

	// AllowInsecure permits an http:// issuer on a public host
	AllowInsecure bool `yaml:"allow_insecure" env:"ALLOW_INSECURE"`

	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// UserConfig is a resource owner. PasswordHash is a bcrypt hash as printed
// by "oauth2d hash-password". ID defaults to Username.
type UserConfig struct {
	Username     string `yaml:"username"`
	ID           string `yaml:"id"`
	PasswordHash string `yaml:"password_hash"`
}

// ClientConfig is a client seeded at startup.
type ClientConfig struct {
	ClientID        string        `yaml:"client_id"`
	ClientSecret    string        `yaml:"client_secret"`
	Name            string        `yaml:"name"`
	RedirectURI     string        `yaml:"redirect_uri"`
	Scopes          []string      `yaml:"scopes"`
	GrantTypes      []string      `yaml:"grant_types"`
	TokenFormat     string        `yaml:"token_format"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
	AutoApprove     bool          `yaml:"auto_approve"`
}

// DefaultConfig returns the configuration used for every unset field.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr: ":8080",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			Driver: DriverMemory,
			Bolt:   BoltConfig{Path: "oauth.db"},
			Valkey: ValkeyConfig{KeyPrefix: "oauth:"},
		},
		Sweep: SweepConfig{Interval: server.DefaultSweepInterval},
		Login: LoginConfig{
			AttemptsPerMinute: 10,
			Burst:             5,
		},
		Metrics: MetricsConfig{
			Exporter: instrumentation.ExporterPrometheus,
		},
		HTTP: HTTPConfig{
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// LoadConfig builds the configuration in three layers: defaults, the YAML
// file at path (skipped when path is empty), then OAUTH_* environment
// variables. A .env file in the working directory is loaded first.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if path != "" {
		if err := decodeConfigFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func decodeConfigFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decoding config file %s: %w", path, err)
	}
	return nil
}

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return fmt.Errorf("issuer must be an absolute http(s) URL, got %q", c.Issuer)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("issuer must not have a query or fragment")
	}

	if len(c.SigningKey) < minSigningKeyLength {
		return fmt.Errorf("signing_key must be at least %d bytes", minSigningKeyLength)
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverBolt:
		if c.Storage.Bolt.Path == "" {
			return fmt.Errorf("storage.bolt.path is required")
		}
	case DriverValkey:
		if c.Storage.Valkey.Address == "" {
			return fmt.Errorf("storage.valkey.address is required")
		}
	case DriverPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	if c.Login.AttemptsPerMinute < 0 || c.Login.Burst < 0 {
		return fmt.Errorf("login rate limit must not be negative")
	}

	seen := make(map[string]bool, len(c.Clients))
	for i, cl := range c.Clients {
		if cl.ClientID == "" || cl.ClientSecret == "" {
			return fmt.Errorf("clients[%d]: client_id and client_secret are required", i)
		}
		if seen[cl.ClientID] {
			return fmt.Errorf("clients[%d]: duplicate client_id %q", i, cl.ClientID)
		}
		seen[cl.ClientID] = true
	}

	for i, u := range c.Users {
		if u.Username == "" || u.PasswordHash == "" {
			return fmt.Errorf("users[%d]: username and password_hash are required", i)
		}
	}
	return nil
}

// ServerConfig converts the token settings to server.Config.
func (c *Config) ServerConfig() *server.Config {
	return &server.Config{
		Issuer:                      c.Issuer,
		AuthorizationCodeTTL:        c.Tokens.AuthorizationCodeTTL,
		PendingAuthorizationTTL:     c.Tokens.PendingAuthorizationTTL,
		UsedGrantRetention:          c.Tokens.UsedGrantRetention,
		SweepInterval:               c.Sweep.Interval,
		DisableRefreshTokenRotation: c.Tokens.DisableRefreshTokenRotation,
		RequirePKCE:                 c.Tokens.RequirePKCE,
		DisablePKCEPlain:            c.Tokens.DisablePKCEPlain,
		CheckSignedTokenRevocation:  c.Tokens.CheckSignedTokenRevocation,
		ClientCacheTTL:              c.Tokens.ClientCacheTTL,
		SupportedScopes:             c.Tokens.SupportedScopes,
		AllowInsecureHTTP:           c.HTTP.AllowInsecure,
	}
}

// NewLogger builds the process logger from cfg, writing to w.
func NewLogger(cfg LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}
