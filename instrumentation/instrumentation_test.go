package instrumentation

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:   "disabled",
			config: Config{Enabled: false},
		},
		{
			name: "prometheus exporter",
			config: Config{
				Enabled:        true,
				ServiceName:    "test-service",
				ServiceVersion: "1.0.0",
				MetricExporter: ExporterPrometheus,
			},
		},
		{
			name:   "no exporter",
			config: Config{Enabled: true, MetricExporter: ExporterNone},
		},
		{
			name:    "unknown exporter",
			config:  Config{Enabled: true, MetricExporter: "statsd"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}

			if inst.Meter("http") == nil {
				t.Error("Meter('http') returned nil")
			}
			if inst.Tracer("server") == nil {
				t.Error("Tracer('server') returned nil")
			}
			if inst.Metrics() == nil {
				t.Error("Metrics() returned nil")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := inst.Shutdown(ctx); err != nil {
				t.Errorf("Shutdown() error = %v", err)
			}
			// Shutdown is idempotent
			if err := inst.Shutdown(ctx); err != nil {
				t.Errorf("second Shutdown() error = %v", err)
			}
		})
	}
}

func TestMetricsHandler(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	inst.Metrics().RecordCodeExchange(context.Background(), "c1", "S256")

	handler := inst.MetricsHandler()
	if handler == nil {
		t.Fatal("MetricsHandler() returned nil with prometheus exporter")
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "oauth_code_exchanged") {
		t.Errorf("exposition does not contain the code exchange counter:\n%s", body)
	}
}

func TestMetricsHandler_Disabled(t *testing.T) {
	inst, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if inst.MetricsHandler() != nil {
		t.Error("MetricsHandler() should be nil when instrumentation is disabled")
	}

	var nilInst *Instrumentation
	if nilInst.MetricsHandler() != nil {
		t.Error("MetricsHandler() on nil instrumentation should be nil")
	}
}

func TestStartStorageOperation(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx, done := inst.StartStorageOperation(context.Background(), "memory", "save_grant")
	if ctx == nil {
		t.Fatal("StartStorageOperation() returned nil context")
	}
	done(nil)

	_, done = inst.StartStorageOperation(context.Background(), "memory", "get_grant")
	done(errors.New("boom"))
}

func TestStartStorageOperation_NilInstrumentation(t *testing.T) {
	var inst *Instrumentation

	ctx := context.Background()
	got, done := inst.StartStorageOperation(ctx, "memory", "save_grant")
	if got != ctx {
		t.Error("nil instrumentation should return the context unchanged")
	}
	done(nil)
	done(errors.New("ignored"))
}

func TestInstrumentation_NoOpProviders(t *testing.T) {
	inst, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	m := inst.Metrics()
	m.RecordGrantIssued(ctx, "c1", "plain")
	m.RecordCodeExchange(ctx, "c1", "S256")
	m.RecordTokenIssued(ctx, "authorization_code", "signed")
	m.RecordHTTPRequest(ctx, "POST", "/oauth2/token", 200, 12.5)

	_, span := inst.Tracer("server").Start(ctx, "noop")
	SetSpanSuccess(span)
	span.End()
}
