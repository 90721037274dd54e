package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/voicehub/smarthome-oauth/instrumentation"
	"github.com/voicehub/smarthome-oauth/storage"
)

// Sweeper periodically deletes expired grants and tokens. Used grants are
// kept for the retention window after expiry so late replays are still
// detected as reuse. Tokens have no retention window and go as soon as they
// expire.
type Sweeper struct {
	grants    storage.GrantStore
	tokens    storage.TokenStore
	interval  time.Duration
	retention time.Duration

	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
	now             func() time.Time
}

// NewSweeper creates a sweeper over the server's stores using its config.
func (s *Server) NewSweeper() *Sweeper {
	return &Sweeper{
		grants:          s.grantStore,
		tokens:          s.tokenStore,
		interval:        s.Config.SweepInterval,
		retention:       s.Config.UsedGrantRetention,
		logger:          s.Logger,
		instrumentation: s.Instrumentation,
		now:             s.now,
	}
}

// SweepOnce runs a single pass and returns how many grants and tokens it
// deleted. Both deletions are attempted even if the first fails.
func (sw *Sweeper) SweepOnce(ctx context.Context) (grants, tokens int, err error) {
	now := sw.now()

	grants, gErr := sw.grants.DeleteExpiredGrants(ctx, now, sw.retention)
	tokens, tErr := sw.tokens.DeleteExpiredTokens(ctx, now)

	if sw.instrumentation != nil {
		m := sw.instrumentation.Metrics()
		m.RecordSweep(ctx, "grant", grants)
		m.RecordSweep(ctx, "token", tokens)
	}

	return grants, tokens, errors.Join(gErr, tErr)
}

// Run sweeps every interval until ctx is cancelled. It always returns nil;
// failed passes are logged and retried on the next tick.
func (sw *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	sw.logger.Info("Sweeper started",
		"interval", sw.interval,
		"used_grant_retention", sw.retention)

	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("Sweeper stopped")
			return nil
		case <-ticker.C:
			grants, tokens, err := sw.SweepOnce(ctx)
			if err != nil {
				sw.logger.Error("Sweep failed", "error", err)
			}
			if grants > 0 || tokens > 0 {
				sw.logger.Info("Swept expired records",
					"grants", grants,
					"tokens", tokens)
			}
		}
	}
}
