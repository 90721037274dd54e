package server

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/oauth2"

	"github.com/voicehub/smarthome-oauth/instrumentation"
	"github.com/voicehub/smarthome-oauth/security"
	"github.com/voicehub/smarthome-oauth/storage"
	"github.com/voicehub/smarthome-oauth/token"
)

// Server implements the authorization server logic independently of HTTP.
// It issues and redeems authorization codes, runs the token grants, and
// validates, introspects and revokes tokens.
type Server struct {
	clientStore storage.ClientStore
	grantStore  storage.GrantStore
	tokenStore  storage.TokenStore
	codec       *token.Codec
	users       UserAuthenticator
	clientCache *cache.Cache

	// completedPending holds the ids of pending authorizations that were
	// approved or denied, for PendingAuthorizationTTL
	completedPending *cache.Cache

	Auditor         *security.Auditor
	Logger          *slog.Logger
	Config          *Config
	Instrumentation *instrumentation.Instrumentation

	tracer trace.Tracer
	now    func() time.Time
}

// New creates a new authorization server
func New(
	clientStore storage.ClientStore,
	grantStore storage.GrantStore,
	tokenStore storage.TokenStore,
	codec *token.Codec,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if grantStore == nil {
		return nil, fmt.Errorf("grant store is required")
	}
	if tokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if codec == nil {
		return nil, fmt.Errorf("token codec is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	if config.Issuer == "" {
		config.Issuer = codec.Issuer()
	}
	if config.Issuer != codec.Issuer() {
		return nil, fmt.Errorf("config issuer %q does not match codec issuer %q", config.Issuer, codec.Issuer())
	}

	config = applySecureDefaults(config, logger)

	srv := &Server{
		clientStore: clientStore,
		grantStore:  grantStore,
		tokenStore:  tokenStore,
		codec:       codec,
		Config:      config,
		Logger:      logger,
		tracer:      tracenoop.NewTracerProvider().Tracer(""),
		now:         time.Now,
	}

	srv.completedPending = cache.New(config.PendingAuthorizationTTL, config.PendingAuthorizationTTL)

	if config.ClientCacheTTL > 0 {
		srv.clientCache = cache.New(config.ClientCacheTTL, 2*config.ClientCacheTTL)
	}

	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetUserAuthenticator sets the resource owner credential check used by the
// login page
func (s *Server) SetUserAuthenticator(users UserAuthenticator) {
	s.users = users
}

// SetInstrumentation enables spans and metrics for server operations
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("server")
	}
}

// SetClock overrides the time source, for tests.
func (s *Server) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Codec returns the token codec.
func (s *Server) Codec() *token.Codec {
	return s.codec
}

// metrics returns the metrics holder or nil
func (s *Server) metrics() *instrumentation.Metrics {
	if s.Instrumentation == nil {
		return nil
	}
	return s.Instrumentation.Metrics()
}

// generateRandomToken returns 32 bytes from crypto/rand, base64url encoded.
// Used for authorization codes, client ids and client secrets.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
