// Package storage defines the persistence interfaces of the authorization
// server: registered clients, one-time authorization grants, and issued
// tokens. Backends live in subpackages (memory, bolt, valkey, postgres) and
// share the conformance suite in storage/storagetest.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by every backend. Callers compare with errors.Is.
var (
	ErrClientNotFound = errors.New("client not found")

	ErrGrantNotFound    = errors.New("authorization grant not found")
	ErrGrantExpired     = errors.New("authorization grant expired")
	ErrGrantAlreadyUsed = errors.New("authorization grant already used")

	ErrTokenNotFound = errors.New("token not found")
)

// ClientStore persists registered OAuth clients.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient creates or replaces a client.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient returns ErrClientNotFound for unknown ids.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ListClients returns all clients ordered by client id.
	ListClients(ctx context.Context) ([]*Client, error)

	// DeleteClient removes a client. Deleting an unknown client is not an error.
	DeleteClient(ctx context.Context, clientID string) error
}

// GrantStore persists authorization grants keyed by the hash of their code.
type GrantStore interface {
	// SaveGrant persists a newly issued grant.
	SaveGrant(ctx context.Context, grant *Grant) error

	// GetGrant reads a grant without modifying it. It returns ErrGrantNotFound
	// for unknown codes; expiry and use are reported through the grant fields.
	GetGrant(ctx context.Context, codeHash string) (*Grant, error)

	// AtomicMarkGrantUsed flips Used from false to true and stamps UsedAt in a
	// single atomic step, returning the updated grant. It fails with
	// ErrGrantNotFound, ErrGrantExpired (usedAt not before ExpiresAt) or
	// ErrGrantAlreadyUsed. Of any number of concurrent calls for the same code
	// at most one succeeds.
	//
	// On ErrGrantAlreadyUsed the stored grant is returned alongside the error so
	// the caller can revoke what the first redemption issued. For every other
	// error the grant is nil.
	AtomicMarkGrantUsed(ctx context.Context, codeHash string, usedAt time.Time) (*Grant, error)

	// DeleteExpiredGrants removes grants that expired before now and, when
	// used, were used more than usedRetention before now. It returns the
	// number of grants deleted.
	DeleteExpiredGrants(ctx context.Context, now time.Time, usedRetention time.Duration) (int, error)
}

// TokenStore persists issued access and refresh tokens keyed by the hash of
// the token string.
type TokenStore interface {
	// SaveToken persists an issued token.
	SaveToken(ctx context.Context, token *Token) error

	// GetToken returns ErrTokenNotFound for unknown hashes. Expired tokens are
	// still returned; callers check ExpiresAt.
	GetToken(ctx context.Context, tokenHash string) (*Token, error)

	// AtomicConsumeToken deletes a token and returns what was deleted.
	// Concurrent calls for the same hash see at most one success; the others
	// get ErrTokenNotFound.
	AtomicConsumeToken(ctx context.Context, tokenHash string) (*Token, error)

	// DeleteToken removes a token. Deleting an unknown token is not an error.
	DeleteToken(ctx context.Context, tokenHash string) error

	// DeleteTokensForOwner removes every token of the given kind issued to
	// userID through clientID and returns how many were removed.
	DeleteTokensForOwner(ctx context.Context, clientID, userID, kind string) (int, error)

	// DeleteExpiredTokens removes tokens that expired before the cutoff.
	DeleteExpiredTokens(ctx context.Context, before time.Time) (int, error)
}

// Backend bundles the three stores. Every shipped backend implements it.
type Backend interface {
	ClientStore
	GrantStore
	TokenStore

	// Close releases connections or file handles held by the backend.
	Close() error
}

// Client is a registered OAuth client.
type Client struct {
	ClientID        string
	SecretHash      string // bcrypt hash
	Name            string
	RedirectURI     string
	Scopes          []string
	GrantTypes      []string
	TokenFormat     string // "signed" or "opaque"
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	AutoApprove     bool
	CreatedAt       time.Time
}

// AllowsGrantType reports whether grantType is in the client's allowed set.
func (c *Client) AllowsGrantType(grantType string) bool {
	return contains(c.GrantTypes, grantType)
}

// AllowsScopes reports whether every requested scope is in the client's
// allowed set. An empty request is always allowed.
func (c *Client) AllowsScopes(requested []string) bool {
	for _, s := range requested {
		if !contains(c.Scopes, s) {
			return false
		}
	}
	return true
}

// Grant is a one-time authorization code record.
type Grant struct {
	CodeHash            string
	ClientID            string
	UserID              string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
	UsedAt              time.Time
}

// Token kinds stored in Token.Kind.
const (
	KindAccess  = "access_token"
	KindRefresh = "refresh_token"
)

// Token is an issued access or refresh token.
type Token struct {
	TokenHash string
	Kind      string
	Format    string
	ClientID  string
	UserID    string // empty for client_credentials tokens
	Scope     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the token is unusable at now.
func (t *Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Expired reports whether the grant is unusable at now.
func (g *Grant) Expired(now time.Time) bool {
	return !now.Before(g.ExpiresAt)
}

// Sweepable reports whether DeleteExpiredGrants should remove the grant.
func (g *Grant) Sweepable(now time.Time, usedRetention time.Duration) bool {
	if !g.ExpiresAt.Before(now) {
		return false
	}
	if g.Used && !g.UsedAt.Before(now.Add(-usedRetention)) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the client. Backends hand out copies so
// callers cannot mutate stored state.
func (c *Client) Clone() *Client {
	cp := *c
	cp.Scopes = append([]string(nil), c.Scopes...)
	cp.GrantTypes = append([]string(nil), c.GrantTypes...)
	return &cp
}
