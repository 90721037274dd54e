package security

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func newBufferedAuditor(enabled bool) (*Auditor, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	return NewAuditor(logger, enabled), &buf
}

func TestNewAuditor(t *testing.T) {
	auditor := NewAuditor(nil, true)
	if auditor.logger == nil {
		t.Error("logger should not be nil")
	}
	if !auditor.enabled {
		t.Error("enabled = false, want true")
	}
}

func TestAuditor_LogEvent(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		wantLog bool
	}{
		{"enabled", true, true},
		{"disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auditor, buf := newBufferedAuditor(tt.enabled)
			auditor.LogEvent(Event{Type: EventTokenIssued, ClientID: "c1", UserID: "alice"})

			if got := buf.Len() > 0; got != tt.wantLog {
				t.Errorf("logged = %v, want %v", got, tt.wantLog)
			}
		})
	}
}

func TestAuditor_NilIsNoop(t *testing.T) {
	var auditor *Auditor
	auditor.LogEvent(Event{Type: EventAuthFailure})
	auditor.LogTokenIssued("u", "c", "authorization_code", "device:read")
	auditor.SetInstrumentation(nil)
}

func TestAuditor_HashesUserID(t *testing.T) {
	auditor, buf := newBufferedAuditor(true)
	auditor.LogLoginFailure("alice", "c1", "10.0.0.1")

	out := buf.String()
	if strings.Contains(out, "alice") {
		t.Errorf("log output contains raw username: %s", out)
	}
	if !strings.Contains(out, "user_id_hash="+hashForLogging("alice")) {
		t.Errorf("log output missing user hash: %s", out)
	}
	if !strings.Contains(out, "event_type="+EventLoginFailure) {
		t.Errorf("log output missing event type: %s", out)
	}
}

func TestAuditor_Helpers(t *testing.T) {
	tests := []struct {
		name      string
		log       func(a *Auditor)
		eventType string
		contains  string
	}{
		{"grant issued", func(a *Auditor) { a.LogGrantIssued("u", "c1", "device:read", "S256") }, EventGrantIssued, "S256"},
		{"code reuse", func(a *Auditor) { a.LogCodeReuse("u", "c1", 2) }, EventCodeReuseDetected, "revoked_tokens:2"},
		{"token issued", func(a *Auditor) { a.LogTokenIssued("u", "c1", "refresh_token", "device:read") }, EventTokenIssued, "refresh_token"},
		{"token refreshed", func(a *Auditor) { a.LogTokenRefreshed("u", "c1", true) }, EventTokenRefreshed, "rotated:true"},
		{"token revoked", func(a *Auditor) { a.LogTokenRevoked("u", "c1", "access_token") }, EventTokenRevoked, "access_token"},
		{"auth failure", func(a *Auditor) { a.LogAuthFailure("", "c1", "", "invalid_client") }, EventAuthFailure, "invalid_client"},
		{"rate limit", func(a *Auditor) { a.LogRateLimitExceeded("10.0.0.1", "login") }, EventRateLimitExceeded, "login"},
		{"client registered", func(a *Auditor) { a.LogClientRegistered("c1", "config") }, EventClientRegistered, "config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auditor, buf := newBufferedAuditor(true)
			tt.log(auditor)

			out := buf.String()
			if !strings.Contains(out, "event_type="+tt.eventType) {
				t.Errorf("missing event type %q in %s", tt.eventType, out)
			}
			if !strings.Contains(out, tt.contains) {
				t.Errorf("missing %q in %s", tt.contains, out)
			}
		})
	}
}

func TestHashForLogging(t *testing.T) {
	if got := hashForLogging(""); got != "<empty>" {
		t.Errorf("hashForLogging(\"\") = %q, want <empty>", got)
	}
	if got := hashForLogging("alice"); len(got) != 16 {
		t.Errorf("len(hashForLogging) = %d, want 16", len(got))
	}
	if hashForLogging("alice") == hashForLogging("bob") {
		t.Error("different inputs should hash differently")
	}
}
