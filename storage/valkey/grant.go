package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/voicehub/smarthome-oauth/internal/util"
	"github.com/voicehub/smarthome-oauth/storage"
)

// markGrantUsedScript atomically checks that a grant is unused and not
// expired, then marks it used.
//
// KEYS[1] = grant key
// ARGV[1] = usedAt in Unix milliseconds
//
// Returns:
//   - the updated JSON on success
//   - "NOT_FOUND" if the key does not exist
//   - "ALREADY_USED:<json>" if the grant was used before (stored data for reuse handling)
//   - "EXPIRED" if ARGV[1] >= expires_at_ms
var markGrantUsedScript = valkeygo.NewLuaScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local grant = cjson.decode(data)

if grant.used then
    return 'ALREADY_USED:' .. data
end

local now = tonumber(ARGV[1])
if now >= tonumber(grant.expires_at_ms) then
    return 'EXPIRED'
end

grant.used = true
grant.used_at_ms = now
local updated = cjson.encode(grant)
redis.call('SET', KEYS[1], updated, 'KEEPTTL')

return updated
`)

// SaveGrant stores the grant with a TTL of its lifetime plus the retention
// window and indexes it by expiry.
func (s *Store) SaveGrant(ctx context.Context, grant *storage.Grant) (err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "save_grant")
	defer func() { done(err) }()

	if grant == nil || grant.CodeHash == "" {
		return fmt.Errorf("grant code hash is required")
	}

	data, err := json.Marshal(toGrantJSON(grant))
	if err != nil {
		return fmt.Errorf("failed to marshal grant: %w", err)
	}

	ttl := time.Until(grant.ExpiresAt) + s.grantRetention
	if ttl < time.Second {
		ttl = time.Second
	}

	for _, resp := range s.client.DoMulti(ctx,
		s.client.B().Set().Key(s.grantKey(grant.CodeHash)).Value(string(data)).Ex(ttl).Build(),
		s.client.B().Zadd().Key(s.grantsExpiryKey()).ScoreMember().ScoreMember(msScore(grant.ExpiresAt), grant.CodeHash).Build(),
	) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to save grant: %w", err)
		}
	}
	return nil
}

// GetGrant reads a grant without modifying it.
func (s *Store) GetGrant(ctx context.Context, codeHash string) (_ *storage.Grant, err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "get_grant")
	defer func() { done(err) }()

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.grantKey(codeHash)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrGrantNotFound
		}
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}
	return decodeGrant(data)
}

// AtomicMarkGrantUsed runs markGrantUsedScript.
func (s *Store) AtomicMarkGrantUsed(ctx context.Context, codeHash string, usedAt time.Time) (_ *storage.Grant, err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "mark_grant_used")
	defer func() { done(err) }()

	result, err := markGrantUsedScript.Exec(ctx, s.client,
		[]string{s.grantKey(codeHash)},
		[]string{strconv.FormatInt(usedAt.UnixMilli(), 10)},
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic grant check: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrGrantNotFound
	case result == "EXPIRED":
		return nil, storage.ErrGrantExpired
	case strings.HasPrefix(result, "ALREADY_USED:"):
		g, err := decodeGrant(strings.TrimPrefix(result, "ALREADY_USED:"))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", storage.ErrGrantAlreadyUsed, err)
		}
		return g, storage.ErrGrantAlreadyUsed
	}

	s.logger.Debug("Marked authorization grant as used",
		"code_prefix", util.SafeTruncate(codeHash, hashLogLength))
	return decodeGrant(result)
}

// DeleteExpiredGrants walks the expiry index up to now and removes grants
// that are sweepable. Grants whose key already expired are dropped from the
// index without being counted.
func (s *Store) DeleteExpiredGrants(ctx context.Context, now time.Time, usedRetention time.Duration) (_ int, err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "delete_expired_grants")
	defer func() { done(err) }()

	hashes, err := s.client.Do(ctx, s.client.B().Zrangebyscore().Key(s.grantsExpiryKey()).
		Min("-inf").Max("("+strconv.FormatInt(now.UnixMilli(), 10)).Build()).AsStrSlice()
	if err != nil {
		return 0, fmt.Errorf("failed to scan grant expiry index: %w", err)
	}

	deleted := 0
	for _, hash := range hashes {
		g, err := s.GetGrant(ctx, hash)
		switch {
		case errors.Is(err, storage.ErrGrantNotFound):
			// key TTL already removed it
		case err != nil:
			return deleted, err
		case !g.Sweepable(now, usedRetention):
			continue
		default:
			n, err := s.client.Do(ctx, s.client.B().Del().Key(s.grantKey(hash)).Build()).AsInt64()
			if err != nil {
				return deleted, fmt.Errorf("failed to delete grant: %w", err)
			}
			deleted += int(n)
		}
		if err := s.client.Do(ctx, s.client.B().Zrem().Key(s.grantsExpiryKey()).Member(hash).Build()).Error(); err != nil {
			return deleted, fmt.Errorf("failed to update grant expiry index: %w", err)
		}
	}
	return deleted, nil
}

func decodeGrant(data string) (*storage.Grant, error) {
	var j grantJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal grant: %w", err)
	}
	return fromGrantJSON(&j), nil
}
