package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/voicehub/smarthome-oauth/instrumentation"
	"github.com/voicehub/smarthome-oauth/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "oauth:"

	// DefaultGrantRetention is how long a grant key outlives its expiry so that
	// used codes remain visible for reuse detection
	DefaultGrantRetention = 24 * time.Hour

	backendName = "valkey"

	// hashLogLength is the number of characters to include when logging hashes
	hashLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// GrantRetention extends the key TTL of grants past their expiry.
	// Default: 24h
	GrantRetention time.Duration

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed storage.Backend.
type Store struct {
	client          valkeygo.Client
	prefix          string
	grantRetention  time.Duration
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
}

// Compile-time interface check
var _ storage.Backend = (*Store)(nil)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retention := cfg.GrantRetention
	if retention <= 0 {
		retention = DefaultGrantRetention
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
		Password:    cfg.Password,
		TLSConfig:   cfg.TLS,
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:         client,
		prefix:         prefix,
		grantRetention: retention,
		logger:         logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() error {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
	return nil
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation enables storage spans and metrics
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
}

// ============================================================
// Keys
// ============================================================

func (s *Store) clientKey(id string) string { return s.prefix + "client:" + id }
func (s *Store) clientsKey() string { return s.prefix + "clients" }
func (s *Store) grantKey(hash string) string { return s.prefix + "grant:" + hash }
func (s *Store) grantsExpiryKey() string { return s.prefix + "grants:expiry" }
func (s *Store) tokenKey(hash string) string { return s.prefix + "token:" + hash }
func (s *Store) tokensExpiryKey() string { return s.prefix + "tokens:expiry" }
func (s *Store) tokenOwnersKey() string { return s.prefix + "tokens:owner" }

// ownerKey length-prefixes the client id so ids containing ':' cannot collide.
func (s *Store) ownerKey(kind, clientID, userID string) string {
	return s.prefix + "owner:" + kind + ":" + strconv.Itoa(len(clientID)) + ":" + clientID + ":" + userID
}

func msScore(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// isNilError checks if the error indicates a nil/not-found result from Valkey.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
