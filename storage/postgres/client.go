package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/voicehub/smarthome-oauth/storage"
)

const clientColumns = `client_id, secret_hash, name, redirect_uri, scopes, grant_types,
	token_format, access_token_ttl_ms, refresh_token_ttl_ms, auto_approve, created_at`

// SaveClient upserts a client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "save_client")
	defer func() { done(err) }()

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client id is required")
	}

	createdAt := client.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	const q = `
		INSERT INTO oauth_client (` + clientColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (client_id) DO UPDATE SET
			secret_hash = EXCLUDED.secret_hash,
			name = EXCLUDED.name,
			redirect_uri = EXCLUDED.redirect_uri,
			scopes = EXCLUDED.scopes,
			grant_types = EXCLUDED.grant_types,
			token_format = EXCLUDED.token_format,
			access_token_ttl_ms = EXCLUDED.access_token_ttl_ms,
			refresh_token_ttl_ms = EXCLUDED.refresh_token_ttl_ms,
			auto_approve = EXCLUDED.auto_approve`

	_, err = s.pool.Exec(ctx, q,
		client.ClientID, client.SecretHash, client.Name, client.RedirectURI,
		nonNil(client.Scopes), nonNil(client.GrantTypes), client.TokenFormat,
		client.AccessTokenTTL.Milliseconds(), client.RefreshTokenTTL.Milliseconds(),
		client.AutoApprove, createdAt)
	if err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	return nil
}

// GetClient returns ErrClientNotFound for unknown ids.
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "get_client")
	defer func() { done(err) }()

	row := s.pool.QueryRow(ctx, `SELECT `+clientColumns+` FROM oauth_client WHERE client_id = $1`, clientID)
	c, err := scanClient(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return c, nil
}

// ListClients returns all clients ordered by id.
func (s *Store) ListClients(ctx context.Context) (_ []*storage.Client, err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "list_clients")
	defer func() { done(err) }()

	rows, err := s.pool.Query(ctx, `SELECT `+clientColumns+` FROM oauth_client ORDER BY client_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer rows.Close()

	var clients []*storage.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

// DeleteClient removes a client.
func (s *Store) DeleteClient(ctx context.Context, clientID string) (err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "delete_client")
	defer func() { done(err) }()

	if _, err := s.pool.Exec(ctx, `DELETE FROM oauth_client WHERE client_id = $1`, clientID); err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	return nil
}

func scanClient(row pgx.Row) (*storage.Client, error) {
	var (
		c                 storage.Client
		accessMs, refresh int64
	)
	err := row.Scan(&c.ClientID, &c.SecretHash, &c.Name, &c.RedirectURI, &c.Scopes, &c.GrantTypes,
		&c.TokenFormat, &accessMs, &refresh, &c.AutoApprove, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.AccessTokenTTL = time.Duration(accessMs) * time.Millisecond
	c.RefreshTokenTTL = time.Duration(refresh) * time.Millisecond
	return &c, nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
