package gateway

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorfleet/tutorfleet/pkg/auth"
	"github.com/tutorfleet/tutorfleet/pkg/config"
	"github.com/tutorfleet/tutorfleet/pkg/events"
	"github.com/tutorfleet/tutorfleet/pkg/ratelimit"
	"github.com/tutorfleet/tutorfleet/pkg/realtime"
)

const testSecret = "gateway-test-secret"

type upstream struct {
	server *httptest.Server
	hits   atomic.Int64
	lastIn atomic.Pointer[http.Request]
}

func newUpstream(t *testing.T, delay time.Duration) *upstream {
	t.Helper()
	u := &upstream{}
	u.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		clone := r.Clone(r.Context())
		u.lastIn.Store(clone)
		if delay > 0 {
			time.Sleep(delay)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	t.Cleanup(u.server.Close)
	return u
}

func newTestServer(t *testing.T, routes []config.Route, budgets map[string]config.Budget) (*Server, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	if budgets == nil {
		budgets = config.DefaultRateLimitConfig().Budgets
	}
	cfg := config.GatewayConfig{
		Port:             "0",
		CORSOrigins:      []string{"http://localhost:3000"},
		ProxyTimeout:     2 * time.Second,
		JWTSecret:        testSecret,
		InstanceID:       "test-instance",
		MaxWSConnections: 10,
		RegistryTTL:      time.Hour,
		WSWriteTimeout:   time.Second,
		DevErrorHints:    true,
	}
	verifier := auth.NewVerifier(testSecret)
	limiter := ratelimit.New(rdb, config.RateLimitConfig{Budgets: budgets})
	hub := realtime.NewHub(realtime.NewRegistry(rdb, cfg.InstanceID, cfg.RegistryTTL), cfg.MaxWSConnections, cfg.WSWriteTimeout)

	s, err := NewServer(cfg, routes, verifier, limiter, hub, rdb)
	require.NoError(t, err)
	return s, mr
}

func bearer(t *testing.T, userID, role string, ttl time.Duration) string {
	t.Helper()
	token, err := auth.Sign(testSecret, userID, role, ttl)
	require.NoError(t, err)
	return "Bearer " + token
}

func TestGatewayRejectsExpiredTokenBeforeUpstream(t *testing.T) {
	up := newUpstream(t, 0)
	t.Setenv("ADMIN_SERVICE_URL", up.server.URL)
	s, _ := newTestServer(t, []config.Route{{Prefix: "/api/v1/admin", Service: "admin", Port: 4010}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/allocations", nil)
	req.Header.Set("Authorization", bearer(t, "a1", events.RoleAdmin, -time.Minute))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), CodeUnauthorized)
	assert.Zero(t, up.hits.Load(), "expired tokens must never reach downstream")
}

func TestGatewayForwardsValidTokenWithCorrelation(t *testing.T) {
	up := newUpstream(t, 0)
	t.Setenv("ADMIN_SERVICE_URL", up.server.URL)
	s, _ := newTestServer(t, []config.Route{{Prefix: "/api/v1/admin", Service: "admin", Port: 4010}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/allocations", nil)
	req.Header.Set("Authorization", bearer(t, "a1", events.RoleAdmin, time.Hour))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int64(1), up.hits.Load())

	seen := up.lastIn.Load()
	assert.Equal(t, "/api/v1/admin/allocations", seen.URL.Path)
	assert.NotEmpty(t, seen.Header.Get(CorrelationHeader), "correlation id must propagate downstream")
	assert.Equal(t, rec.Header().Get(CorrelationHeader), seen.Header.Get(CorrelationHeader))
}

func TestGatewayAdoptsInboundCorrelationID(t *testing.T) {
	up := newUpstream(t, 0)
	t.Setenv("BOOKING_SERVICE_URL", up.server.URL)
	s, _ := newTestServer(t, []config.Route{{Prefix: "/api/v1/booking", Service: "booking", Port: 4005}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/booking/sessions", nil)
	req.Header.Set(CorrelationHeader, "corr-inbound")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "corr-inbound", up.lastIn.Load().Header.Get(CorrelationHeader))
	assert.Equal(t, "corr-inbound", rec.Header().Get(CorrelationHeader))
}

func TestGatewayPathRewrite(t *testing.T) {
	up := newUpstream(t, 0)
	t.Setenv("PAYMENT_SERVICE_URL", up.server.URL)
	s, _ := newTestServer(t, []config.Route{
		{Prefix: "/api/v1/payments", Service: "payment", Port: 4006, Rewrite: "/internal/payments"},
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/payments/invoices/i1", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/internal/payments/invoices/i1", up.lastIn.Load().URL.Path)
}

func TestGatewayRateLimitReturns429(t *testing.T) {
	up := newUpstream(t, 0)
	t.Setenv("BOOKING_SERVICE_URL", up.server.URL)
	s, _ := newTestServer(t, []config.Route{{Prefix: "/api/v1/booking", Service: "booking", Port: 4005}},
		map[string]config.Budget{
			config.LimitStudent: {Window: time.Minute, MaxAttempts: 2},
		})

	token := bearer(t, "s1", events.RoleStudent, time.Hour)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/booking/sessions", nil)
		req.Header.Set("Authorization", token)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/booking/sessions", nil)
	req.Header.Set("Authorization", token)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), CodeTooManyRequests)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, int64(2), up.hits.Load(), "throttled requests must not be proxied")
}

func TestGatewayUpstreamTimeoutReturns504(t *testing.T) {
	up := newUpstream(t, 2*time.Second)
	t.Setenv("BOOKING_SERVICE_URL", up.server.URL)
	s, _ := newTestServer(t, []config.Route{{Prefix: "/api/v1/booking", Service: "booking", Port: 4005}}, nil)
	// Shrink the proxy timeout below the upstream delay.
	s.cfg.ProxyTimeout = 100 * time.Millisecond
	srv, err := NewServer(s.cfg, []config.Route{{Prefix: "/api/v1/booking", Service: "booking", Port: 4005}},
		s.verifier, s.limiter, s.hub, s.rdb)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/booking/sessions", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Contains(t, rec.Body.String(), CodeRequestTimeout)
}

func TestGatewayDeadUpstreamReturns502(t *testing.T) {
	t.Setenv("BOOKING_SERVICE_URL", "http://127.0.0.1:1")
	s, _ := newTestServer(t, []config.Route{{Prefix: "/api/v1/booking", Service: "booking", Port: 4005}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/booking/sessions", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), CodeServiceUnavailable)
}

func TestGatewayNormalizesUpstream5xx(t *testing.T) {
	leaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"stack":"internals the client must never see"}`))
	}))
	t.Cleanup(leaky.Close)
	t.Setenv("BOOKING_SERVICE_URL", leaky.URL)
	s, _ := newTestServer(t, []config.Route{{Prefix: "/api/v1/booking", Service: "booking", Port: 4005}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/booking/sessions", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), CodeServiceUnavailable)
	assert.NotContains(t, rec.Body.String(), "internals", "upstream 5xx bodies must not leak through")
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestGatewayPassesThroughUpstream4xx(t *testing.T) {
	grumpy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"success":false,"message":"insufficient role"}`))
	}))
	t.Cleanup(grumpy.Close)
	t.Setenv("BOOKING_SERVICE_URL", grumpy.URL)
	s, _ := newTestServer(t, []config.Route{{Prefix: "/api/v1/booking", Service: "booking", Port: 4005}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/booking/sessions", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "insufficient role", "downstream 4xx is the downstream's answer")
}

func TestGatewayLongestPrefixWins(t *testing.T) {
	general := newUpstream(t, 0)
	specific := newUpstream(t, 0)
	t.Setenv("ADMIN_SERVICE_URL", general.server.URL)
	t.Setenv("REPORTING_SERVICE_URL", specific.server.URL)

	// Sorted most-specific-first, as config.LoadRoutes produces.
	s, _ := newTestServer(t, []config.Route{
		{Prefix: "/api/v1/admin/reports", Service: "reporting", Port: 4011},
		{Prefix: "/api/v1/admin", Service: "admin", Port: 4010},
	}, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/admin/reports/daily", nil))
	assert.Equal(t, int64(1), specific.hits.Load())
	assert.Zero(t, general.hits.Load())

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/admin/users", nil))
	assert.Equal(t, int64(1), general.hits.Load())
}

func TestGatewayCORSPreflight(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/booking/sessions", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/booking/sessions", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestGatewayHealthAndReady(t *testing.T) {
	s, mr := newTestServer(t, nil, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test-instance")

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	mr.Close()
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGatewayWSRequiresAuthentication(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/ws?token=garbage", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
