package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/voicehub/smarthome-oauth/storage"
)

const grantColumns = `code_hash, client_id, user_id, redirect_uri, scope, state,
	code_challenge, code_challenge_method, created_at, expires_at, used, used_at`

// SaveGrant inserts a newly issued grant.
func (s *Store) SaveGrant(ctx context.Context, grant *storage.Grant) (err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "save_grant")
	defer func() { done(err) }()

	if grant == nil || grant.CodeHash == "" {
		return fmt.Errorf("grant code hash is required")
	}

	const q = `
		INSERT INTO oauth_grant (` + grantColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err = s.pool.Exec(ctx, q,
		grant.CodeHash, grant.ClientID, grant.UserID, grant.RedirectURI, grant.Scope, grant.State,
		grant.CodeChallenge, grant.CodeChallengeMethod, grant.CreatedAt, grant.ExpiresAt,
		grant.Used, nullTime(grant.UsedAt))
	if err != nil {
		return fmt.Errorf("failed to save grant: %w", err)
	}
	return nil
}

// GetGrant reads a grant without modifying it.
func (s *Store) GetGrant(ctx context.Context, codeHash string) (_ *storage.Grant, err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "get_grant")
	defer func() { done(err) }()

	return s.getGrant(ctx, codeHash)
}

func (s *Store) getGrant(ctx context.Context, codeHash string) (*storage.Grant, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+grantColumns+` FROM oauth_grant WHERE code_hash = $1`, codeHash)
	g, err := scanGrant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrGrantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}
	return g, nil
}

// AtomicMarkGrantUsed is a single conditional UPDATE. When it matches no row
// the grant is re-read to report why; used and expires_at never move back,
// so the reason is stable.
func (s *Store) AtomicMarkGrantUsed(ctx context.Context, codeHash string, usedAt time.Time) (_ *storage.Grant, err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "mark_grant_used")
	defer func() { done(err) }()

	const q = `
		UPDATE oauth_grant SET used = TRUE, used_at = $2
		WHERE code_hash = $1 AND NOT used AND expires_at > $2
		RETURNING ` + grantColumns

	g, err := scanGrant(s.pool.QueryRow(ctx, q, codeHash, usedAt))
	if err == nil {
		return g, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to mark grant used: %w", err)
	}

	current, err := s.getGrant(ctx, codeHash)
	if err != nil {
		return nil, err
	}
	if current.Used {
		return current, storage.ErrGrantAlreadyUsed
	}
	return nil, storage.ErrGrantExpired
}

// DeleteExpiredGrants is a plain DELETE; it takes no lock visible to readers
// beyond the rows it removes.
func (s *Store) DeleteExpiredGrants(ctx context.Context, now time.Time, usedRetention time.Duration) (_ int, err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "delete_expired_grants")
	defer func() { done(err) }()

	const q = `
		DELETE FROM oauth_grant
		WHERE expires_at < $1 AND (NOT used OR used_at < $2)`

	tag, err := s.pool.Exec(ctx, q, now, now.Add(-usedRetention))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired grants: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanGrant(row pgx.Row) (*storage.Grant, error) {
	var (
		g      storage.Grant
		usedAt *time.Time
	)
	err := row.Scan(&g.CodeHash, &g.ClientID, &g.UserID, &g.RedirectURI, &g.Scope, &g.State,
		&g.CodeChallenge, &g.CodeChallengeMethod, &g.CreatedAt, &g.ExpiresAt, &g.Used, &usedAt)
	if err != nil {
		return nil, err
	}
	if usedAt != nil {
		g.UsedAt = *usedAt
	}
	return &g, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
