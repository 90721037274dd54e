package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// MinKeyLength is the minimum HMAC key size in bytes (RFC 7518 section 3.2).
const MinKeyLength = 32

// Codec mints and verifies tokens. The signing key is copied at construction
// and never changes, so a Codec is safe for concurrent use without locking.
type Codec struct {
	key    []byte
	issuer string
	now    func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCodec creates a codec signing with key and stamping issuer into every
// signed token.
func NewCodec(key []byte, issuer string, opts ...Option) (*Codec, error) {
	if len(key) < MinKeyLength {
		return nil, fmt.Errorf("signing key must be at least %d bytes, got %d", MinKeyLength, len(key))
	}
	if issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}

	c := &Codec{
		key:    append([]byte(nil), key...),
		issuer: issuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Issuer returns the issuer stamped into signed tokens.
func (c *Codec) Issuer() string {
	return c.issuer
}

// accessClaims is the JWT body of signed access and refresh tokens.
type accessClaims struct {
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id"`
	TokenType Kind   `json:"token_type"`
	jwt.RegisteredClaims
}

// Mint encodes claims in the requested format. For signed tokens a missing
// ID or IssuedAt is filled in. Opaque tokens ignore claims entirely; the
// caller persists them.
func (c *Codec) Mint(format Format, claims Claims) (string, error) {
	switch format {
	case FormatOpaque:
		return oauth2.GenerateVerifier(), nil
	case FormatSigned:
		return c.mintSigned(claims)
	default:
		return "", fmt.Errorf("unknown token format %q", format)
	}
}

func (c *Codec) mintSigned(claims Claims) (string, error) {
	if claims.ExpiresAt.IsZero() {
		return "", fmt.Errorf("signed token requires an expiry")
	}
	if claims.ID == "" {
		claims.ID = uuid.NewString()
	}
	if claims.IssuedAt.IsZero() {
		claims.IssuedAt = c.now()
	}

	body := accessClaims{
		Scope:     claims.Scope,
		ClientID:  claims.ClientID,
		TokenType: claims.Kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        claims.ID,
			Subject:   claims.Subject,
			Issuer:    c.issuer,
			Audience:  jwt.ClaimStrings{claims.ClientID},
			IssuedAt:  jwt.NewNumericDate(claims.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(claims.ExpiresAt),
		},
	}
	return c.Sign(body)
}

// Verify checks a signed token's signature, issuer, expiry and kind and
// returns its claims. Opaque tokens yield ErrNotSigned; they can only be
// validated against storage.
func (c *Codec) Verify(raw string, kind Kind) (*Claims, error) {
	if !LooksSigned(raw) {
		return nil, ErrNotSigned
	}

	var body accessClaims
	if err := c.Parse(raw, &body); err != nil {
		return nil, err
	}
	if body.TokenType != kind {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrWrongKind, body.TokenType, kind)
	}

	claims := &Claims{
		ID:       body.ID,
		Subject:  body.Subject,
		Issuer:   body.Issuer,
		ClientID: body.ClientID,
		Scope:    body.Scope,
		Kind:     body.TokenType,
	}
	if body.IssuedAt != nil {
		claims.IssuedAt = body.IssuedAt.Time
	}
	if body.ExpiresAt != nil {
		claims.ExpiresAt = body.ExpiresAt.Time
	}
	return claims, nil
}

// Sign serializes arbitrary claims as an HS256 JWT with the codec key.
func (c *Codec) Sign(claims jwt.Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies an HS256 JWT signed by this codec into claims. Only HS256
// is accepted, the issuer must match and an expiry is required. Errors are
// mapped to the package sentinels.
func (c *Codec) Parse(raw string, claims jwt.Claims) error {
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return c.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithStrictDecoding(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return classify(err)
	}
	return nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
}
