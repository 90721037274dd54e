package oauth

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/voicehub/smarthome-oauth/instrumentation"
	"github.com/voicehub/smarthome-oauth/security"
	"github.com/voicehub/smarthome-oauth/server"
	"github.com/voicehub/smarthome-oauth/storage"
	"github.com/voicehub/smarthome-oauth/storage/bolt"
	"github.com/voicehub/smarthome-oauth/storage/memory"
	"github.com/voicehub/smarthome-oauth/storage/postgres"
	"github.com/voicehub/smarthome-oauth/storage/valkey"
	"github.com/voicehub/smarthome-oauth/token"
)

// App wires configuration, storage, the authorization server and its HTTP
// surface into one process.
type App struct {
	cfg             *Config
	logger          *slog.Logger
	backend         storage.Backend
	server          *server.Server
	handler         *Handler
	router          http.Handler
	instrumentation *instrumentation.Instrumentation
	loginLimiter    *security.RateLimiter
}

// NewApp builds the application. The caller owns the returned App and must
// Close it.
func NewApp(ctx context.Context, cfg *Config, logger *slog.Logger, version string) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceVersion: version,
		Enabled:        cfg.Metrics.Enabled,
		MetricExporter: cfg.Metrics.Exporter,
		LogClientIPs:   cfg.Metrics.LogClientIPs,
	})
	if err != nil {
		return nil, fmt.Errorf("creating instrumentation: %w", err)
	}

	app := &App{
		cfg:             cfg,
		logger:          logger,
		instrumentation: inst,
	}

	if err := app.init(ctx); err != nil {
		_ = app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) init(ctx context.Context) error {
	backend, err := OpenBackend(ctx, a.cfg, a.logger, a.instrumentation)
	if err != nil {
		return err
	}
	a.backend = backend

	codec, err := token.NewCodec([]byte(a.cfg.SigningKey), a.cfg.Issuer)
	if err != nil {
		return fmt.Errorf("creating token codec: %w", err)
	}

	srv, err := server.New(backend, backend, backend, codec, a.cfg.ServerConfig(), a.logger)
	if err != nil {
		return fmt.Errorf("creating authorization server: %w", err)
	}

	auditor := security.NewAuditor(a.logger, true)
	auditor.SetInstrumentation(a.instrumentation)
	srv.SetAuditor(auditor)
	srv.SetInstrumentation(a.instrumentation)

	users, err := staticUsers(a.cfg.Users)
	if err != nil {
		return err
	}
	srv.SetUserAuthenticator(users)
	a.server = srv

	if err := a.seedClients(ctx); err != nil {
		return err
	}

	a.handler = NewHandler(srv, a.logger)
	a.handler.SetClientIPResolver(security.ClientIPResolver{
		TrustProxy:        a.cfg.HTTP.TrustProxy,
		TrustedProxyCount: a.cfg.HTTP.TrustedProxyCount,
	})

	if a.cfg.Login.AttemptsPerMinute > 0 {
		a.loginLimiter = security.NewRateLimiter(security.RateLimitConfig{
			Name:  "login",
			Rate:  rate.Limit(a.cfg.Login.AttemptsPerMinute / 60),
			Burst: a.cfg.Login.Burst,
		}, a.logger)
		a.loginLimiter.SetAuditor(auditor)
		a.loginLimiter.SetInstrumentation(a.instrumentation)
		a.handler.SetLoginRateLimiter(a.loginLimiter)
	}

	a.router = NewRouter(a.handler, a.instrumentation)
	return nil
}

func staticUsers(cfgUsers []UserConfig) (*server.StaticUsers, error) {
	users := make(map[string]server.User, len(cfgUsers))
	for _, u := range cfgUsers {
		users[u.Username] = server.User{ID: u.ID, PasswordHash: u.PasswordHash}
	}
	s, err := server.NewStaticUsers(users)
	if err != nil {
		return nil, fmt.Errorf("loading users: %w", err)
	}
	return s, nil
}

// seedClients registers every configured client, replacing stored clients
// with the same id so the config file stays authoritative.
func (a *App) seedClients(ctx context.Context) error {
	for _, c := range a.cfg.Clients {
		_, _, err := a.server.RegisterClient(ctx, server.ClientRegistration{
			ClientID:        c.ClientID,
			ClientSecret:    c.ClientSecret,
			Name:            c.Name,
			RedirectURI:     c.RedirectURI,
			Scopes:          c.Scopes,
			GrantTypes:      c.GrantTypes,
			TokenFormat:     c.TokenFormat,
			AccessTokenTTL:  c.AccessTokenTTL,
			RefreshTokenTTL: c.RefreshTokenTTL,
			AutoApprove:     c.AutoApprove,
			Source:          "config",
		})
		if err != nil {
			return fmt.Errorf("seeding client %q: %w", c.ClientID, err)
		}
	}
	return nil
}

// OpenBackend opens the storage backend selected by cfg.Storage.Driver.
// inst may be nil.
func OpenBackend(ctx context.Context, config *Config, logger *slog.Logger, inst *instrumentation.Instrumentation) (storage.Backend, error) {
	cfg := config.Storage
	switch cfg.Driver {
	case DriverMemory, "":
		s := memory.New()
		s.SetLogger(logger)
		s.SetInstrumentation(inst)
		return s, nil

	case DriverBolt:
		s, err := bolt.Open(cfg.Bolt.Path)
		if err != nil {
			return nil, fmt.Errorf("opening bolt store: %w", err)
		}
		s.SetLogger(logger)
		s.SetInstrumentation(inst)
		return s, nil

	case DriverValkey:
		vc := valkey.Config{
			Address:        cfg.Valkey.Address,
			Password:       cfg.Valkey.Password,
			DB:             cfg.Valkey.DB,
			KeyPrefix:      cfg.Valkey.KeyPrefix,
			GrantRetention: config.Tokens.UsedGrantRetention,
			Logger:         logger,
		}
		if cfg.Valkey.TLS {
			vc.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		s, err := valkey.New(vc)
		if err != nil {
			return nil, fmt.Errorf("connecting to valkey: %w", err)
		}
		s.SetInstrumentation(inst)
		return s, nil

	case DriverPostgres:
		s, err := postgres.New(ctx, postgres.Config{
			DSN:      cfg.Postgres.DSN,
			MaxConns: cfg.Postgres.MaxConns,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		if cfg.Postgres.Migrate {
			if err := s.Migrate(ctx); err != nil {
				_ = s.Close()
				return nil, fmt.Errorf("migrating postgres schema: %w", err)
			}
		}
		s.SetInstrumentation(inst)
		return s, nil

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// Server returns the authorization server.
func (a *App) Server() *server.Server {
	return a.server
}

// Handler returns the HTTP handler with every endpoint mounted.
func (a *App) Handler() http.Handler {
	return a.router
}

// Run serves HTTP and runs the sweeper until ctx is cancelled or one of them
// fails, then shuts the listener down gracefully.
func (a *App) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           a.router,
		ReadHeaderTimeout: a.cfg.HTTP.ReadTimeout,
		ReadTimeout:       a.cfg.HTTP.ReadTimeout,
		WriteTimeout:      a.cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("Authorization server listening",
			"addr", a.cfg.ListenAddr,
			"issuer", a.cfg.Issuer,
			"storage", a.cfg.Storage.Driver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return a.server.NewSweeper().Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down authorization server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Close releases the backend, the rate limiter and instrumentation.
func (a *App) Close() error {
	var errs []error
	if a.loginLimiter != nil {
		a.loginLimiter.Stop()
	}
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing storage: %w", err))
		}
	}
	if a.instrumentation != nil {
		if err := a.instrumentation.Shutdown(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("shutting down instrumentation: %w", err))
		}
	}
	return errors.Join(errs...)
}
