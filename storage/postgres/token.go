package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/voicehub/smarthome-oauth/storage"
)

const tokenColumns = `token_hash, kind, format, client_id, user_id, scope, created_at, expires_at`

// SaveToken inserts an issued token.
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) (err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "save_token")
	defer func() { done(err) }()

	if token == nil || token.TokenHash == "" {
		return fmt.Errorf("token hash is required")
	}

	const q = `INSERT INTO oauth_token (` + tokenColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = s.pool.Exec(ctx, q,
		token.TokenHash, token.Kind, token.Format, token.ClientID, token.UserID, token.Scope,
		token.CreatedAt, token.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

// GetToken returns ErrTokenNotFound for unknown hashes.
func (s *Store) GetToken(ctx context.Context, tokenHash string) (_ *storage.Token, err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "get_token")
	defer func() { done(err) }()

	row := s.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM oauth_token WHERE token_hash = $1`, tokenHash)
	t, err := scanToken(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return t, nil
}

// AtomicConsumeToken is DELETE ... RETURNING.
func (s *Store) AtomicConsumeToken(ctx context.Context, tokenHash string) (_ *storage.Token, err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "consume_token")
	defer func() { done(err) }()

	row := s.pool.QueryRow(ctx, `DELETE FROM oauth_token WHERE token_hash = $1 RETURNING `+tokenColumns, tokenHash)
	t, err := scanToken(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume token: %w", err)
	}
	return t, nil
}

// DeleteToken removes a token.
func (s *Store) DeleteToken(ctx context.Context, tokenHash string) (err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "delete_token")
	defer func() { done(err) }()

	if _, err := s.pool.Exec(ctx, `DELETE FROM oauth_token WHERE token_hash = $1`, tokenHash); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

// DeleteTokensForOwner removes all tokens of one kind for a (client, user) pair.
func (s *Store) DeleteTokensForOwner(ctx context.Context, clientID, userID, kind string) (_ int, err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "delete_owner_tokens")
	defer func() { done(err) }()

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM oauth_token WHERE client_id = $1 AND user_id = $2 AND kind = $3`,
		clientID, userID, kind)
	if err != nil {
		return 0, fmt.Errorf("failed to delete owner tokens: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteExpiredTokens removes tokens that expired before the cutoff.
func (s *Store) DeleteExpiredTokens(ctx context.Context, before time.Time) (_ int, err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "delete_expired_tokens")
	defer func() { done(err) }()

	tag, err := s.pool.Exec(ctx, `DELETE FROM oauth_token WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired tokens: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanToken(row pgx.Row) (*storage.Token, error) {
	var t storage.Token
	err := row.Scan(&t.TokenHash, &t.Kind, &t.Format, &t.ClientID, &t.UserID, &t.Scope, &t.CreatedAt, &t.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
