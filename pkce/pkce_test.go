package pkce

import (
	"strings"
	"testing"
)

// RFC 7636 Appendix B test vector
const (
	rfcVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	rfcChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

func TestS256Challenge_RFCVector(t *testing.T) {
	if got := S256Challenge(rfcVerifier); got != rfcChallenge {
		t.Errorf("S256Challenge() = %q, want %q", got, rfcChallenge)
	}
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name      string
		verifier  string
		challenge string
		method    Method
		want      bool
	}{
		{"S256 valid", rfcVerifier, rfcChallenge, MethodS256, true},
		{"S256 wrong verifier", rfcVerifier + "x", rfcChallenge, MethodS256, false},
		{"S256 challenge given as verifier", rfcChallenge, rfcChallenge, MethodS256, false},
		{"plain valid", "verifier123", "verifier123", MethodPlain, true},
		{"plain mismatch", "verifier123", "verifier124", MethodPlain, false},
		{"plain prefix is not a match", "verifier12", "verifier123", MethodPlain, false},
		{"unknown method", rfcVerifier, rfcChallenge, Method("S512"), false},
		{"empty method", "abc", "abc", Method(""), false},
		{"empty verifier", "", rfcChallenge, MethodS256, false},
		{"empty challenge", rfcVerifier, "", MethodPlain, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Verify(tt.verifier, tt.challenge, tt.method); got != tt.want {
				t.Errorf("Verify(%q, %q, %q) = %v, want %v", tt.verifier, tt.challenge, tt.method, got, tt.want)
			}
		})
	}
}

func TestVerify_S256RoundTripForArbitraryInput(t *testing.T) {
	inputs := []string{
		"",
		"a",
		"verifier123",
		strings.Repeat("x", 128),
		"with spaces and ünïcode",
		"\x00\x01\x02",
	}
	for _, v := range inputs {
		if !Verify(v, S256Challenge(v), MethodS256) {
			t.Errorf("Verify(%q, S256Challenge(%q), S256) = false, want true", v, v)
		}
		if Verify(v, S256Challenge(v+"!"), MethodS256) {
			t.Errorf("Verify(%q) accepted the challenge of a different verifier", v)
		}
	}
}

func TestParseMethod(t *testing.T) {
	tests := []struct {
		in      string
		want    Method
		wantErr bool
	}{
		{"", MethodPlain, false},
		{"plain", MethodPlain, false},
		{"S256", MethodS256, false},
		{"s256", "", true},
		{"RS256", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMethod(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseMethod(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseMethod(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidVerifier(t *testing.T) {
	tests := []struct {
		name string
		v    string
		want bool
	}{
		{"rfc vector", rfcVerifier, true},
		{"too short", strings.Repeat("a", 42), false},
		{"min length", strings.Repeat("a", 43), true},
		{"max length", strings.Repeat("a", 128), true},
		{"too long", strings.Repeat("a", 129), false},
		{"unreserved punctuation", strings.Repeat("a", 40) + "-._~", true},
		{"illegal character", strings.Repeat("a", 42) + "+", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidVerifier(tt.v); got != tt.want {
				t.Errorf("ValidVerifier() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidChallenge(t *testing.T) {
	if !ValidChallenge(rfcChallenge, MethodS256) {
		t.Error("ValidChallenge() rejected RFC S256 challenge")
	}
	if ValidChallenge(rfcChallenge[:42], MethodS256) {
		t.Error("ValidChallenge() accepted truncated S256 challenge")
	}
	if !ValidChallenge("verifier123", MethodPlain) {
		t.Error("ValidChallenge() rejected short plain challenge")
	}
	if ValidChallenge("", MethodPlain) {
		t.Error("ValidChallenge() accepted empty plain challenge")
	}
	if ValidChallenge("abc", Method("none")) {
		t.Error("ValidChallenge() accepted unknown method")
	}
}
