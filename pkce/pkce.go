// Package pkce implements Proof Key for Code Exchange (RFC 7636) verification.
//
// Verification is a pure function over the verifier sent to the token endpoint
// and the challenge stored with the authorization grant. Both comparisons run in
// constant time.
package pkce

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// Method is a code_challenge_method value.
type Method string

const (
	// MethodPlain compares the verifier to the challenge directly.
	MethodPlain Method = "plain"

	// MethodS256 compares BASE64URL(SHA256(verifier)) to the challenge.
	MethodS256 Method = "S256"
)

const (
	// MinVerifierLength is the minimum code_verifier length (RFC 7636 section 4.1)
	MinVerifierLength = 43

	// MaxVerifierLength is the maximum code_verifier length (RFC 7636 section 4.1)
	MaxVerifierLength = 128
)

// SupportedMethods lists the methods advertised in discovery metadata.
var SupportedMethods = []Method{MethodPlain, MethodS256}

// ErrUnsupportedMethod is returned by ParseMethod for unknown methods.
var ErrUnsupportedMethod = fmt.Errorf("unsupported code_challenge_method")

// ParseMethod maps a code_challenge_method parameter to a Method.
// An empty value means plain, as RFC 7636 section 4.3 specifies.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case "", MethodPlain:
		return MethodPlain, nil
	case MethodS256:
		return MethodS256, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMethod, s)
	}
}

// Verify reports whether verifier satisfies challenge under method. It is a
// pure comparison: rejecting a missing verifier is up to the caller.
// Unknown methods never verify.
func Verify(verifier, challenge string, method Method) bool {
	var computed string
	switch method {
	case MethodPlain:
		computed = verifier
	case MethodS256:
		computed = S256Challenge(verifier)
	default:
		return false
	}

	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// S256Challenge returns BASE64URL-NOPAD(SHA256(ASCII(verifier))).
func S256Challenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// ValidVerifier checks code_verifier syntax: 43 to 128 characters from the
// unreserved set [A-Za-z0-9-._~].
func ValidVerifier(v string) bool {
	if len(v) < MinVerifierLength || len(v) > MaxVerifierLength {
		return false
	}
	return unreservedOnly(v)
}

// ValidChallenge checks a code_challenge received at the authorization
// endpoint. S256 challenges are always 43 base64url characters; plain
// challenges are at most MaxVerifierLength unreserved characters.
func ValidChallenge(challenge string, method Method) bool {
	switch method {
	case MethodS256:
		return len(challenge) == 43 && unreservedOnly(challenge)
	case MethodPlain:
		return challenge != "" && len(challenge) <= MaxVerifierLength && unreservedOnly(challenge)
	default:
		return false
	}
}

func unreservedOnly(s string) bool {
	for _, c := range s {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}
	return true
}
