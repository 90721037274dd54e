package instrumentation

import (
	"context"
	"testing"
)

func newEnabled(t *testing.T) *Instrumentation {
	t.Helper()
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })
	return inst
}

func TestMetrics_RecordHTTPRequest(t *testing.T) {
	ctx := context.Background()
	metrics := newEnabled(t).Metrics()

	tests := []struct {
		name       string
		method     string
		endpoint   string
		statusCode int
		durationMs float64
	}{
		{"token ok", "POST", "/oauth2/token", 200, 12.3},
		{"token invalid client", "POST", "/oauth2/token", 401, 3.1},
		{"introspect", "POST", "/oauth2/introspect", 200, 1.2},
		{"server error", "POST", "/oauth2/token", 500, 99.9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics.RecordHTTPRequest(ctx, tt.method, tt.endpoint, tt.statusCode, tt.durationMs)
		})
	}
}

func TestMetrics_RecordFlows(t *testing.T) {
	ctx := context.Background()
	metrics := newEnabled(t).Metrics()

	metrics.RecordGrantIssued(ctx, "c1", "S256")
	metrics.RecordCodeExchange(ctx, "c1", "plain")
	metrics.RecordTokenIssued(ctx, "client_credentials", "opaque")
	metrics.RecordTokenRefresh(ctx, "c1", true)
	metrics.RecordTokenRevocation(ctx, "c1")
	metrics.RecordIntrospection(ctx, false)
	metrics.RecordTokenValidation(ctx, "signed", true)
}

func TestMetrics_RecordSecurityEvents(t *testing.T) {
	ctx := context.Background()
	metrics := newEnabled(t).Metrics()

	metrics.RecordPKCEValidationFailed(ctx, "S256")
	metrics.RecordCodeReuse(ctx)
	metrics.RecordLoginFailed(ctx)
	metrics.RecordRateLimitExceeded(ctx, "login")
	metrics.RecordAuditEvent(ctx, "token_issued")
}

func TestMetrics_RecordStorage(t *testing.T) {
	ctx := context.Background()
	metrics := newEnabled(t).Metrics()

	metrics.RecordStorageOperation(ctx, "bolt", "mark_grant_used", "success", 0.4)
	metrics.RecordSweep(ctx, "grants", 3)
	metrics.RecordSweep(ctx, "tokens", 0)
}

func TestMetrics_NilSafe(t *testing.T) {
	ctx := context.Background()
	var m *Metrics

	m.RecordHTTPRequest(ctx, "GET", "/healthz", 200, 0)
	m.RecordCodeExchange(ctx, "c1", "S256")
	m.RecordCodeReuse(ctx)
	m.RecordStorageOperation(ctx, "memory", "get_client", "error", 0)
	m.RecordSweep(ctx, "grants", 1)
}
