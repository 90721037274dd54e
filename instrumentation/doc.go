// Package instrumentation provides OpenTelemetry instrumentation for the
// authorization server.
//
// Metrics are recorded through an OpenTelemetry meter provider and exported
// in the Prometheus exposition format. Traces use named tracers per layer.
// With Enabled false every provider is a no-op and recording costs nothing.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "smarthome-oauth",
//		ServiceVersion: version,
//		Enabled:        true,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//
//	router.Handle("/metrics", inst.MetricsHandler())
//
// # Available Metrics
//
// HTTP Layer:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// OAuth Flows:
//   - oauth.grant.issued{client_id, pkce_method}
//   - oauth.code.exchanged{client_id, pkce_method}
//   - oauth.token.issued{grant_type, format}
//   - oauth.token.refreshed{client_id, rotated}
//   - oauth.token.revoked{client_id}
//   - oauth.token.introspected{active}
//   - oauth.token.validated{format, valid}
//
// Security:
//   - oauth.pkce.validation_failed{method}
//   - oauth.code.reuse_detected
//   - oauth.login.failed
//   - oauth.rate_limit.exceeded{limiter_type}
//   - oauth.audit.events.total{event_type}
//
// Storage:
//   - storage.operation.total{backend, operation, result}
//   - storage.operation.duration{backend, operation}
//   - storage.sweeper.deleted{kind}
//
// # Security
//
// Never attach authorization codes, tokens or client secrets to spans or
// metric attributes. Client IP addresses are only attached when
// Config.LogClientIPs is set.
package instrumentation
