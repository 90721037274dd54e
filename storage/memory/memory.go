package memory

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/voicehub/smarthome-oauth/instrumentation"
	"github.com/voicehub/smarthome-oauth/internal/util"
	"github.com/voicehub/smarthome-oauth/storage"
)

const (
	backendName = "memory"

	// hashLogLength is how much of a code or token hash is logged
	hashLogLength = 8
)

// Store is an in-memory implementation of storage.Backend.
type Store struct {
	mu sync.RWMutex

	clients map[string]*storage.Client
	grants  map[string]*storage.Grant
	tokens  map[string]*storage.Token

	// owner index: kind + "\x00" + clientID + "\x00" + userID -> token hashes
	byOwner map[string]map[string]struct{}

	instrumentation *instrumentation.Instrumentation
	logger          *slog.Logger
}

// Compile-time interface check
var _ storage.Backend = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		clients: make(map[string]*storage.Client),
		grants:  make(map[string]*storage.Grant),
		tokens:  make(map[string]*storage.Token),
		byOwner: make(map[string]map[string]struct{}),
		logger:  slog.Default(),
	}
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation enables storage spans and metrics
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instrumentation = inst
}

// Close is a no-op; it exists to satisfy storage.Backend.
func (s *Store) Close() error {
	return nil
}

func ownerKey(kind, clientID, userID string) string {
	return kind + "\x00" + clientID + "\x00" + userID
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

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client.ClientID] = client.Clone()
	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient returns a copy of the client.
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "get_client")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	return c.Clone(), nil
}

// ListClients returns copies of all clients ordered by id.
func (s *Store) ListClients(ctx context.Context) (_ []*storage.Client, err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "list_clients")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c.Clone())
	}
	slices.SortFunc(out, func(a, b *storage.Client) int { return cmp.Compare(a.ClientID, b.ClientID) })
	return out, nil
}

// DeleteClient removes a client.
func (s *Store) DeleteClient(ctx context.Context, clientID string) (err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "delete_client")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, clientID)
	return nil
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

	s.mu.Lock()
	defer s.mu.Unlock()
	g := *grant
	s.grants[grant.CodeHash] = &g
	return nil
}

// GetGrant returns a copy of the grant.
func (s *Store) GetGrant(ctx context.Context, codeHash string) (_ *storage.Grant, err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "get_grant")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.grants[codeHash]
	if !ok {
		return nil, storage.ErrGrantNotFound
	}
	cp := *g
	return &cp, nil
}

// AtomicMarkGrantUsed checks and flips the used flag under the write lock, so
// only one concurrent caller can observe Used == false.
func (s *Store) AtomicMarkGrantUsed(ctx context.Context, codeHash string, usedAt time.Time) (_ *storage.Grant, err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "mark_grant_used")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[codeHash]
	if !ok {
		return nil, storage.ErrGrantNotFound
	}
	if g.Used {
		cp := *g
		return &cp, storage.ErrGrantAlreadyUsed
	}
	if g.Expired(usedAt) {
		return nil, storage.ErrGrantExpired
	}

	g.Used = true
	g.UsedAt = usedAt
	s.logger.Debug("Marked authorization grant as used",
		"code_prefix", util.SafeTruncate(codeHash, hashLogLength))

	cp := *g
	return &cp, nil
}

// DeleteExpiredGrants removes sweepable grants.
func (s *Store) DeleteExpiredGrants(ctx context.Context, now time.Time, usedRetention time.Duration) (_ int, err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "delete_expired_grants")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for hash, g := range s.grants {
		if g.Sweepable(now, usedRetention) {
			delete(s.grants, hash)
			deleted++
		}
	}
	return deleted, nil
}

// ============================================================
// TokenStore
// ============================================================

// SaveToken persists an issued token and indexes it by owner.
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) (err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "save_token")
	defer func() { done(err) }()

	if token == nil || token.TokenHash == "" {
		return fmt.Errorf("token hash is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := *token
	s.tokens[token.TokenHash] = &t
	key := ownerKey(t.Kind, t.ClientID, t.UserID)
	set, ok := s.byOwner[key]
	if !ok {
		set = make(map[string]struct{})
		s.byOwner[key] = set
	}
	set[t.TokenHash] = struct{}{}
	return nil
}

// GetToken returns a copy of the token, expired or not.
func (s *Store) GetToken(ctx context.Context, tokenHash string) (_ *storage.Token, err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "get_token")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[tokenHash]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	cp := *t
	return &cp, nil
}

// AtomicConsumeToken removes and returns a token under the write lock.
func (s *Store) AtomicConsumeToken(ctx context.Context, tokenHash string) (_ *storage.Token, err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "consume_token")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[tokenHash]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	s.deleteLocked(t)
	return t, nil
}

// DeleteToken removes a token.
func (s *Store) DeleteToken(ctx context.Context, tokenHash string) (err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "delete_token")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tokens[tokenHash]; ok {
		s.deleteLocked(t)
	}
	return nil
}

// DeleteTokensForOwner removes all tokens of one kind for a (client, user) pair.
func (s *Store) DeleteTokensForOwner(ctx context.Context, clientID, userID, kind string) (_ int, err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "delete_owner_tokens")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	key := ownerKey(kind, clientID, userID)
	set := s.byOwner[key]
	for hash := range set {
		delete(s.tokens, hash)
	}
	delete(s.byOwner, key)
	return len(set), nil
}

// DeleteExpiredTokens removes tokens that expired before the cutoff.
func (s *Store) DeleteExpiredTokens(ctx context.Context, before time.Time) (_ int, err error) {
	_, done := s.instrumentation.StartStorageOperation(ctx, backendName, "delete_expired_tokens")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for _, t := range s.tokens {
		if t.ExpiresAt.Before(before) {
			s.deleteLocked(t)
			deleted++
		}
	}
	return deleted, nil
}

// deleteLocked removes t from the primary map and the owner index.
// Caller must hold the write lock.
func (s *Store) deleteLocked(t *storage.Token) {
	delete(s.tokens, t.TokenHash)
	key := ownerKey(t.Kind, t.ClientID, t.UserID)
	if set, ok := s.byOwner[key]; ok {
		delete(set, t.TokenHash)
		if len(set) == 0 {
			delete(s.byOwner, key)
		}
	}
}
