package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/voicehub/smarthome-oauth/storage"
)

// SaveToken stores the token with a TTL matching its expiry and indexes it
// by expiry and by owner. The owner of each hash is also kept in the
// tokens:owner hash so the sweeper can clean the owner set after Valkey has
// already expired the token key.
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) (err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "save_token")
	defer func() { done(err) }()

	if token == nil || token.TokenHash == "" {
		return fmt.Errorf("token hash is required")
	}

	data, err := json.Marshal(toTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	ttl := time.Until(token.ExpiresAt)
	if ttl < time.Second {
		ttl = time.Second
	}

	ownerKey := s.ownerKey(token.Kind, token.ClientID, token.UserID)
	for _, resp := range s.client.DoMulti(ctx,
		s.client.B().Set().Key(s.tokenKey(token.TokenHash)).Value(string(data)).Ex(ttl).Build(),
		s.client.B().Zadd().Key(s.tokensExpiryKey()).ScoreMember().ScoreMember(msScore(token.ExpiresAt), token.TokenHash).Build(),
		s.client.B().Sadd().Key(ownerKey).Member(token.TokenHash).Build(),
		s.client.B().Hset().Key(s.tokenOwnersKey()).FieldValue().FieldValue(token.TokenHash, ownerKey).Build(),
	) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to save token: %w", err)
		}
	}
	return nil
}

// GetToken returns ErrTokenNotFound for unknown hashes.
func (s *Store) GetToken(ctx context.Context, tokenHash string) (_ *storage.Token, err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "get_token")
	defer func() { done(err) }()

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.tokenKey(tokenHash)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return decodeToken(data)
}

// AtomicConsumeToken uses GETDEL, so only one caller receives the record.
func (s *Store) AtomicConsumeToken(ctx context.Context, tokenHash string) (_ *storage.Token, err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "consume_token")
	defer func() { done(err) }()

	data, err := s.client.Do(ctx, s.client.B().Getdel().Key(s.tokenKey(tokenHash)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to consume token: %w", err)
	}

	t, err := decodeToken(data)
	if err != nil {
		return nil, err
	}
	if err := s.dropIndexes(ctx, t); err != nil {
		s.logger.Warn("Failed to clean token indexes", "error", err)
	}
	return t, nil
}

// DeleteToken removes a token.
func (s *Store) DeleteToken(ctx context.Context, tokenHash string) (err error) {
	_, err = s.AtomicConsumeToken(ctx, tokenHash)
	if errors.Is(err, storage.ErrTokenNotFound) {
		return nil
	}
	return err
}

// DeleteTokensForOwner deletes every token in the owner set of one kind and
// the set itself. The count only includes keys that still existed.
func (s *Store) DeleteTokensForOwner(ctx context.Context, clientID, userID, kind string) (_ int, err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "delete_owner_tokens")
	defer func() { done(err) }()

	ownerKey := s.ownerKey(kind, clientID, userID)
	hashes, err := s.client.Do(ctx, s.client.B().Smembers().Key(ownerKey).Build()).AsStrSlice()
	if err != nil {
		return 0, fmt.Errorf("failed to read owner index: %w", err)
	}
	if len(hashes) == 0 {
		return 0, nil
	}

	keys := make([]string, len(hashes))
	for i, h := range hashes {
		keys[i] = s.tokenKey(h)
	}

	n, err := s.client.Do(ctx, s.client.B().Del().Key(keys...).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to delete owner tokens: %w", err)
	}

	for _, resp := range s.client.DoMulti(ctx,
		s.client.B().Del().Key(ownerKey).Build(),
		s.client.B().Zrem().Key(s.tokensExpiryKey()).Member(hashes...).Build(),
		s.client.B().Hdel().Key(s.tokenOwnersKey()).Field(hashes...).Build(),
	) {
		if err := resp.Error(); err != nil {
			return int(n), fmt.Errorf("failed to clean owner index: %w", err)
		}
	}
	return int(n), nil
}

// DeleteExpiredTokens walks the expiry index and consumes every token that
// expired before the cutoff. Tokens whose keys Valkey already expired are
// dropped from the indexes through the tokens:owner hash.
func (s *Store) DeleteExpiredTokens(ctx context.Context, before time.Time) (_ int, err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "delete_expired_tokens")
	defer func() { done(err) }()

	hashes, err := s.client.Do(ctx, s.client.B().Zrangebyscore().Key(s.tokensExpiryKey()).
		Min("-inf").Max("("+strconv.FormatInt(before.UnixMilli(), 10)).Build()).AsStrSlice()
	if err != nil {
		return 0, fmt.Errorf("failed to scan token expiry index: %w", err)
	}

	deleted := 0
	for _, hash := range hashes {
		_, err := s.AtomicConsumeToken(ctx, hash)
		switch {
		case err == nil:
			deleted++
		case errors.Is(err, storage.ErrTokenNotFound):
			if err := s.dropExpiredIndexes(ctx, hash); err != nil {
				return deleted, fmt.Errorf("failed to update token indexes: %w", err)
			}
		default:
			return deleted, err
		}
	}
	return deleted, nil
}

// dropIndexes removes a deleted token from the expiry and owner indexes.
func (s *Store) dropIndexes(ctx context.Context, t *storage.Token) error {
	return s.dropIndexEntries(ctx, t.TokenHash, s.ownerKey(t.Kind, t.ClientID, t.UserID))
}

// dropExpiredIndexes cleans the indexes of a token whose key is gone. The
// owner set is looked up in tokens:owner since the record cannot be read.
func (s *Store) dropExpiredIndexes(ctx context.Context, hash string) error {
	ownerKey, err := s.client.Do(ctx, s.client.B().Hget().Key(s.tokenOwnersKey()).Field(hash).Build()).ToString()
	if err != nil && !isNilError(err) {
		return err
	}
	return s.dropIndexEntries(ctx, hash, ownerKey)
}

func (s *Store) dropIndexEntries(ctx context.Context, hash, ownerKey string) error {
	cmds := []valkeygo.Completed{
		s.client.B().Zrem().Key(s.tokensExpiryKey()).Member(hash).Build(),
		s.client.B().Hdel().Key(s.tokenOwnersKey()).Field(hash).Build(),
	}
	if ownerKey != "" {
		cmds = append(cmds, s.client.B().Srem().Key(ownerKey).Member(hash).Build())
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return err
		}
	}
	return nil
}

func decodeToken(data string) (*storage.Token, error) {
	var j tokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return fromTokenJSON(&j), nil
}
