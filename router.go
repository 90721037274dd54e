package oauth

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/voicehub/smarthome-oauth/instrumentation"
	"github.com/voicehub/smarthome-oauth/security"
)

// maxRequestBody bounds form bodies on every endpoint.
const maxRequestBody = 64 << 10

// NewRouter mounts every endpoint of h. inst may be nil; when it exports
// Prometheus metrics they are served on PathMetrics.
func NewRouter(h *Handler, inst *instrumentation.Instrumentation) http.Handler {
	r := chi.NewRouter()

	r.Use(security.RequestIDMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestSize(maxRequestBody))
	if inst != nil {
		r.Use(metricsMiddleware(inst.Metrics()))
	}

	r.Get(PathHealth, h.ServeHealth)
	if mh := inst.MetricsHandler(); mh != nil {
		r.Method(http.MethodGet, PathMetrics, mh)
	}

	r.Get(PathServerMetadata, h.ServeAuthorizationServerMetadata)
	r.Get(PathOpenIDConfig, h.ServeOpenIDConfiguration)
	r.Get(PathJWKS, h.ServeJWKS)

	r.Get(PathAuthorize, h.ServeAuthorization)
	r.Post(PathLogin, h.ServeLogin)
	r.Post(PathConsent, h.ServeConsent)

	r.Post(PathToken, h.ServeToken)
	r.Post(PathIntrospect, h.ServeIntrospection)
	r.Post(pathLegacyIntrospec, h.ServeIntrospection)
	r.Post(PathRevoke, h.ServeRevocation)
	r.Post(pathLegacyRevoke, h.ServeRevocation)

	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		h.writeError(w, NewOAuthError(ErrorCodeInvalidRequest, "Method not allowed", http.StatusMethodNotAllowed))
	})

	return r
}

// metricsMiddleware records request count and latency per route pattern, so
// query strings and unknown paths do not inflate label cardinality.
func metricsMiddleware(m *instrumentation.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			endpoint := chi.RouteContext(r.Context()).RoutePattern()
			if endpoint == "" {
				endpoint = "unmatched"
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.RecordHTTPRequest(r.Context(), r.Method, endpoint, status, float64(time.Since(start).Milliseconds()))
		})
	}
}
