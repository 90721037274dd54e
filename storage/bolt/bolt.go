// Package bolt implements storage.Backend on a single bbolt database file.
//
// Every record is JSON-encoded under its client id, code hash or token hash.
// Tokens are additionally indexed under kind\x00clientID\x00userID\x00hash so
// that DeleteTokensForOwner is a prefix scan. bbolt serializes write
// transactions, which makes AtomicMarkGrantUsed and AtomicConsumeToken atomic
// without further locking.
package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/voicehub/smarthome-oauth/instrumentation"
	"github.com/voicehub/smarthome-oauth/storage"
)

const (
	backendName = "bolt"

	dirPerm     = fs.FileMode(0o700)
	filePerm    = fs.FileMode(0o600)
	openTimeout = 5 * time.Second
)

var (
	clientsBucket = []byte("clients")
	grantsBucket  = []byte("grants")
	tokensBucket  = []byte("tokens")
	ownersBucket  = []byte("tokens_by_owner")
)

// Store is a bbolt-backed storage.Backend.
type Store struct {
	db              *bolt.DB
	instrumentation *instrumentation.Instrumentation
	logger          *slog.Logger
}

// Compile-time interface check
var _ storage.Backend = (*Store)(nil)

// Open opens or creates the database at path and ensures all buckets exist.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	db, err := bolt.Open(path, filePerm, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{clientsBucket, grantsBucket, tokensBucket, ownersBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing bolt db: %w", err)
	}

	return &Store{db: db, logger: slog.Default()}, nil
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation enables storage spans and metrics
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
}

// Close closes the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// ============================================================
// Records
// ============================================================

type clientRecord struct {
	ClientID        string    `json:"client_id"`
	SecretHash      string    `json:"secret_hash"`
	Name            string    `json:"name,omitempty"`
	RedirectURI     string    `json:"redirect_uri"`
	Scopes          []string  `json:"scopes"`
	GrantTypes      []string  `json:"grant_types"`
	TokenFormat     string    `json:"token_format"`
	AccessTokenTTL  int64     `json:"access_token_ttl_ms"`
	RefreshTokenTTL int64     `json:"refresh_token_ttl_ms"`
	AutoApprove     bool      `json:"auto_approve"`
	CreatedAt       time.Time `json:"created_at"`
}

func toClientRecord(c *storage.Client) clientRecord {
	return clientRecord{
		ClientID:        c.ClientID,
		SecretHash:      c.SecretHash,
		Name:            c.Name,
		RedirectURI:     c.RedirectURI,
		Scopes:          c.Scopes,
		GrantTypes:      c.GrantTypes,
		TokenFormat:     c.TokenFormat,
		AccessTokenTTL:  c.AccessTokenTTL.Milliseconds(),
		RefreshTokenTTL: c.RefreshTokenTTL.Milliseconds(),
		AutoApprove:     c.AutoApprove,
		CreatedAt:       c.CreatedAt,
	}
}

func (r clientRecord) client() *storage.Client {
	return &storage.Client{
		ClientID:        r.ClientID,
		SecretHash:      r.SecretHash,
		Name:            r.Name,
		RedirectURI:     r.RedirectURI,
		Scopes:          r.Scopes,
		GrantTypes:      r.GrantTypes,
		TokenFormat:     r.TokenFormat,
		AccessTokenTTL:  time.Duration(r.AccessTokenTTL) * time.Millisecond,
		RefreshTokenTTL: time.Duration(r.RefreshTokenTTL) * time.Millisecond,
		AutoApprove:     r.AutoApprove,
		CreatedAt:       r.CreatedAt,
	}
}

func ownerIndexKey(t *storage.Token) []byte {
	return append(ownerPrefix(t.Kind, t.ClientID, t.UserID), t.TokenHash...)
}

func ownerPrefix(kind, clientID, userID string) []byte {
	return []byte(kind + "\x00" + clientID + "\x00" + userID + "\x00")
}

func getJSON(b *bolt.Bucket, key string, v any) (bool, error) {
	raw := b.Get([]byte(key))
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decoding %s: %w", key, err)
	}
	return true, nil
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return b.Put([]byte(key), raw)
}

// ============================================================
// ClientStore
// ============================================================

// SaveClient creates or replaces a client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "save_client")
	defer func() { done(err) }()

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client id is required")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(clientsBucket), client.ClientID, toClientRecord(client))
	})
}

// GetClient returns ErrClientNotFound for unknown ids.
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "get_client")
	defer func() { done(err) }()

	var rec clientRecord
	err = s.db.View(func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket(clientsBucket), clientID, &rec)
		if err != nil {
			return err
		}
		if !found {
			return storage.ErrClientNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec.client(), nil
}

// ListClients returns all clients. bbolt iterates keys in byte order, which
// is the client id order.
func (s *Store) ListClients(ctx context.Context) (_ []*storage.Client, err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "list_clients")
	defer func() { done(err) }()

	var out []*storage.Client
	err = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(clientsBucket).ForEach(func(k, v []byte) error {
			var rec clientRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding client %s: %w", k, err)
			}
			out = append(out, rec.client())
			return nil
		})
	})
	return out, err
}

// DeleteClient removes a client.
func (s *Store) DeleteClient(ctx context.Context, clientID string) (err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "delete_client")
	defer func() { done(err) }()

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(clientsBucket).Delete([]byte(clientID))
	})
}

// ============================================================
// GrantStore
// ============================================================

// SaveGrant persists a newly issued grant.
func (s *Store) SaveGrant(ctx context.Context, grant *storage.Grant) (err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "save_grant")
	defer func() { done(err) }()

	if grant == nil || grant.CodeHash == "" {
		return fmt.Errorf("grant code hash is required")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(grantsBucket), grant.CodeHash, grant)
	})
}

// GetGrant reads a grant without modifying it.
func (s *Store) GetGrant(ctx context.Context, codeHash string) (_ *storage.Grant, err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "get_grant")
	defer func() { done(err) }()

	var g storage.Grant
	err = s.db.View(func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket(grantsBucket), codeHash, &g)
		if err != nil {
			return err
		}
		if !found {
			return storage.ErrGrantNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// AtomicMarkGrantUsed runs the check and the write in one Update
// transaction.
func (s *Store) AtomicMarkGrantUsed(ctx context.Context, codeHash string, usedAt time.Time) (_ *storage.Grant, err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "mark_grant_used")
	defer func() { done(err) }()

	var g storage.Grant
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(grantsBucket)
		found, err := getJSON(b, codeHash, &g)
		if err != nil {
			return err
		}
		switch {
		case !found:
			return storage.ErrGrantNotFound
		case g.Used:
			return storage.ErrGrantAlreadyUsed
		case g.Expired(usedAt):
			return storage.ErrGrantExpired
		}
		g.Used = true
		g.UsedAt = usedAt
		return putJSON(b, codeHash, &g)
	})
	switch {
	case err == nil:
		return &g, nil
	case errors.Is(err, storage.ErrGrantAlreadyUsed):
		return &g, err
	default:
		return nil, err
	}
}

// DeleteExpiredGrants removes sweepable grants in one write transaction.
func (s *Store) DeleteExpiredGrants(ctx context.Context, now time.Time, usedRetention time.Duration) (_ int, err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "delete_expired_grants")
	defer func() { done(err) }()

	deleted := 0
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(grantsBucket)

		var sweep [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var g storage.Grant
			if err := json.Unmarshal(v, &g); err != nil {
				return fmt.Errorf("decoding grant %s: %w", k, err)
			}
			if g.Sweepable(now, usedRetention) {
				sweep = append(sweep, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range sweep {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		deleted = len(sweep)
		return nil
	})
	return deleted, err
}

// ============================================================
// TokenStore
// ============================================================

// SaveToken persists a token and its owner index entry.
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) (err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "save_token")
	defer func() { done(err) }()

	if token == nil || token.TokenHash == "" {
		return fmt.Errorf("token hash is required")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putJSON(tx.Bucket(tokensBucket), token.TokenHash, token); err != nil {
			return err
		}
		return tx.Bucket(ownersBucket).Put(ownerIndexKey(token), nil)
	})
}

// GetToken returns ErrTokenNotFound for unknown hashes.
func (s *Store) GetToken(ctx context.Context, tokenHash string) (_ *storage.Token, err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "get_token")
	defer func() { done(err) }()

	var t storage.Token
	err = s.db.View(func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket(tokensBucket), tokenHash, &t)
		if err != nil {
			return err
		}
		if !found {
			return storage.ErrTokenNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// AtomicConsumeToken reads and deletes a token in one write transaction.
func (s *Store) AtomicConsumeToken(ctx context.Context, tokenHash string) (_ *storage.Token, err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "consume_token")
	defer func() { done(err) }()

	var t storage.Token
	err = s.db.Update(func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket(tokensBucket), tokenHash, &t)
		if err != nil {
			return err
		}
		if !found {
			return storage.ErrTokenNotFound
		}
		return deleteToken(tx, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteToken removes a token.
func (s *Store) DeleteToken(ctx context.Context, tokenHash string) (err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "delete_token")
	defer func() { done(err) }()

	return s.db.Update(func(tx *bolt.Tx) error {
		var t storage.Token
		found, err := getJSON(tx.Bucket(tokensBucket), tokenHash, &t)
		if err != nil || !found {
			return err
		}
		return deleteToken(tx, &t)
	})
}

// DeleteTokensForOwner removes the (client, user) tokens of one kind found by
// a prefix scan over the owner index.
func (s *Store) DeleteTokensForOwner(ctx context.Context, clientID, userID, kind string) (_ int, err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "delete_owner_tokens")
	defer func() { done(err) }()

	prefix := ownerPrefix(kind, clientID, userID)
	deleted := 0
	err = s.db.Update(func(tx *bolt.Tx) error {
		var keys [][]byte
		c := tx.Bucket(ownersBucket).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}

		tokens := tx.Bucket(tokensBucket)
		owners := tx.Bucket(ownersBucket)
		for _, k := range keys {
			hash := k[len(prefix):]
			if tokens.Get(hash) != nil {
				if err := tokens.Delete(hash); err != nil {
					return err
				}
				deleted++
			}
			if err := owners.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return deleted, err
}

// DeleteExpiredTokens removes tokens that expired before the cutoff.
func (s *Store) DeleteExpiredTokens(ctx context.Context, before time.Time) (_ int, err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "delete_expired_tokens")
	defer func() { done(err) }()

	deleted := 0
	err = s.db.Update(func(tx *bolt.Tx) error {
		var expired []storage.Token
		err := tx.Bucket(tokensBucket).ForEach(func(_, v []byte) error {
			var t storage.Token
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("decoding token: %w", err)
			}
			if t.ExpiresAt.Before(before) {
				expired = append(expired, t)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for i := range expired {
			if err := deleteToken(tx, &expired[i]); err != nil {
				return err
			}
		}
		deleted = len(expired)
		return nil
	})
	if deleted > 0 {
		s.logger.Debug("Deleted expired tokens", "count", deleted)
	}
	return deleted, err
}

func deleteToken(tx *bolt.Tx, t *storage.Token) error {
	if err := tx.Bucket(tokensBucket).Delete([]byte(t.TokenHash)); err != nil {
		return err
	}
	return tx.Bucket(ownersBucket).Delete(ownerIndexKey(t))
}
