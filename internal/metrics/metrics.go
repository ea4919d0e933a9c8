// Package metrics provides Prometheus metrics shared by the auth server, the
// gateway and the domain services.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sso_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sso_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Authentication metrics
	loginAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sso_login_attempts_total",
			Help: "Total number of login attempts",
		},
		[]string{"result"}, // "success" or a failure reason
	)

	credentialChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sso_credential_checks_total",
			Help: "Total number of validate-credentials calls",
		},
		[]string{"result"},
	)

	// Token metrics
	tokensIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sso_tokens_issued_total",
			Help: "Total number of tokens issued",
		},
		[]string{"type", "grant_type"}, // type: "access", "refresh", "id"
	)

	grantReplaysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sso_grant_replays_total",
			Help: "Total number of replayed authorization codes and refresh tokens",
		},
		[]string{"kind"}, // "code" or "refresh"
	)

	tokenIntrospectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sso_token_introspections_total",
			Help: "Total number of token introspection requests",
		},
		[]string{"active"},
	)

	tokenRevocationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sso_token_revocations_total",
			Help: "Total number of token revocation requests",
		},
	)

	authCodesIssuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sso_auth_codes_issued_total",
			Help: "Total number of authorization codes issued",
		},
	)

	rateLimitExceededTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sso_rate_limit_exceeded_total",
			Help: "Total number of rate limit exceeded events",
		},
		[]string{"endpoint"},
	)

	accountLockoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sso_account_lockouts_total",
			Help: "Total number of account lockouts",
		},
	)

	// Gateway metrics
	propagationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sso_gateway_identity_propagations_total",
			Help: "Requests proxied by the gateway, by identity source",
		},
		[]string{"source"}, // "bearer", "session", "anonymous"
	)

	// Domain service metrics
	trustDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sso_internal_trust_decisions_total",
			Help: "Internal service key checks, by outcome",
		},
		[]string{"service", "outcome"}, // "accepted", "rejected"
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sso_peer_breaker_state",
			Help: "Circuit breaker state per peer (0 closed, 1 half-open, 2 open)",
		},
		[]string{"peer"},
	)

	peerCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sso_peer_calls_total",
			Help: "Outbound peer calls, by outcome",
		},
		[]string{"peer", "outcome"}, // "success", "failure", "rejected"
	)
)

// RecordLogin records a login attempt.
func RecordLogin(result string) {
	loginAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordCredentialCheck records a validate-credentials call.
func RecordCredentialCheck(result string) {
	credentialChecksTotal.WithLabelValues(result).Inc()
}

// RecordTokenIssued records a token being issued.
func RecordTokenIssued(tokenType, grantType string) {
	tokensIssuedTotal.WithLabelValues(tokenType, grantType).Inc()
}

// RecordGrantReplay records a replayed code or refresh token.
func RecordGrantReplay(kind string) {
	grantReplaysTotal.WithLabelValues(kind).Inc()
}

// RecordTokenIntrospection records a token introspection.
func RecordTokenIntrospection(active bool) {
	tokenIntrospectionsTotal.WithLabelValues(strconv.FormatBool(active)).Inc()
}

// RecordTokenRevocation records a token revocation.
func RecordTokenRevocation() {
	tokenRevocationsTotal.Inc()
}

// RecordAuthCodeIssued records an authorization code being issued.
func RecordAuthCodeIssued() {
	authCodesIssuedTotal.Inc()
}

// RecordRateLimitExceeded records a rate limit exceeded event.
func RecordRateLimitExceeded(endpoint string) {
	rateLimitExceededTotal.WithLabelValues(endpoint).Inc()
}

// RecordAccountLockout records an account lockout.
func RecordAccountLockout() {
	accountLockoutsTotal.Inc()
}

// RecordPropagation records the identity source the gateway used.
func RecordPropagation(source string) {
	propagationsTotal.WithLabelValues(source).Inc()
}

// RecordTrustDecision records an internal service key check.
func RecordTrustDecision(service string, accepted bool) {
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	trustDecisionsTotal.WithLabelValues(service, outcome).Inc()
}

// SetBreakerState records a peer's breaker state.
func SetBreakerState(peer string, state int) {
	breakerState.WithLabelValues(peer).Set(float64(state))
}

// RecordPeerCall records the outcome of an outbound peer call.
func RecordPeerCall(peer, outcome string) {
	peerCallsTotal.WithLabelValues(peer, outcome).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		route := routePattern(r)

		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush lets streamed proxy responses pass through.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// routePattern returns the matched chi route so labels stay low-cardinality.
// Unmatched requests share one label.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "/other"
}
