// Package token mints and validates bearer tokens in the two formats the
// authorization server issues: HMAC signed JWTs carrying their own claims, and
// opaque random strings whose metadata lives in storage.
package token

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Format selects how a client's tokens are encoded.
type Format string

const (
	// FormatSigned tokens are compact HS256 JWTs.
	FormatSigned Format = "signed"

	// FormatOpaque tokens are random strings looked up in storage.
	FormatOpaque Format = "opaque"
)

// ParseFormat maps a configured token format to a Format.
// "jwt" is accepted as an alias for signed.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "signed", "jwt":
		return FormatSigned, nil
	case "opaque":
		return FormatOpaque, nil
	default:
		return "", fmt.Errorf("unknown token format %q", s)
	}
}

// Kind distinguishes access tokens from refresh tokens. The value is carried
// in the token_type claim of signed tokens.
type Kind string

const (
	KindAccess  Kind = "access_token"
	KindRefresh Kind = "refresh_token"
)

// Validation errors. Each failure mode is distinct so callers can log the
// reason; the HTTP layer never reveals which one occurred.
var (
	ErrMalformed        = errors.New("token is malformed")
	ErrSignatureInvalid = errors.New("token signature is invalid")
	ErrExpired          = errors.New("token is expired")
	ErrWrongKind        = errors.New("token has the wrong token_type")
	ErrInvalid          = errors.New("token is invalid")
	ErrNotSigned        = errors.New("token is not a signed token")
)

// Claims is the format-independent view of a token.
type Claims struct {
	ID        string
	Subject   string
	Issuer    string
	ClientID  string
	Scope     string
	Kind      Kind
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// LooksSigned reports whether raw has the three-segment shape of a compact
// JWT. Opaque tokens are base64url and never contain a dot.
func LooksSigned(raw string) bool {
	return strings.Count(raw, ".") == 2
}

// Hash returns the hex SHA-256 digest of raw. Stores key tokens and codes by
// this digest so a leaked database does not leak usable credentials.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
