package instrumentation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestRecordError(t *testing.T) {
	inst := newEnabled(t)
	_, span := inst.Tracer("test").Start(context.Background(), "test-span")
	defer span.End()

	RecordError(span, errors.New("test error"))
	RecordError(span, nil)
	RecordError(nil, errors.New("nil span"))
}

func TestSpanHelpers(t *testing.T) {
	inst := newEnabled(t)
	_, span := inst.Tracer("server").Start(context.Background(), "oauth.exchange_code")
	defer span.End()

	AddOAuthFlowAttributes(span, "c1", "s1", "device:read")
	AddOAuthFlowAttributes(span, "", "", "")
	AddGrantAttributes(span, "authorization_code", "signed")
	AddPKCEAttributes(span, "S256")
	AddStorageAttributes(span, "mark_grant_used", "memory")
	AddHTTPAttributes(span, "POST", "/oauth2/token", 200)
	AddSecurityAttributes(span, "203.0.113.7")
	SetSpanAttributes(span, attribute.Bool(AttrCodeReuse, false))
	SetSpanError(span, "invalid_grant")
	SetSpanSuccess(span)
}

func TestNilSafeHelpers_WithNilSpans(t *testing.T) {
	RecordError(nil, errors.New("x"))
	SetSpanSuccess(nil)
	SetSpanError(nil, "x")
	SetSpanAttributes(nil, attribute.String("k", "v"))
	AddOAuthFlowAttributes(nil, "c1", "s1", "scope")
	AddGrantAttributes(nil, "refresh_token", "opaque")
	AddPKCEAttributes(nil, "plain")
	AddStorageAttributes(nil, "op", "memory")
	AddHTTPAttributes(nil, "GET", "/", 200)
	AddSecurityAttributes(nil, "127.0.0.1")
}

func TestShouldLogClientIPs(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   bool
	}{
		{"enabled explicitly", Config{Enabled: true, LogClientIPs: true}, true},
		{"disabled explicitly", Config{Enabled: true, LogClientIPs: false}, false},
		{"default is off", Config{Enabled: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			defer func() { _ = inst.Shutdown(context.Background()) }()

			if got := inst.ShouldLogClientIPs(); got != tt.want {
				t.Errorf("ShouldLogClientIPs() = %v, want %v", got, tt.want)
			}
		})
	}

	var nilInst *Instrumentation
	if nilInst.ShouldLogClientIPs() {
		t.Error("nil instrumentation should not log client IPs")
	}
}

func TestSpanConcurrency(t *testing.T) {
	inst := newEnabled(t)
	tracer := inst.Tracer("storage")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, done := inst.StartStorageOperation(context.Background(), "memory", "get_token")
			_, span := tracer.Start(ctx, "child")
			SetSpanSuccess(span)
			span.End()
			done(nil)
		}()
	}
	wg.Wait()
}
