// Package gateway is the platform's sole ingress: a reverse proxy with
// correlation, token pre-validation, and global rate limiting in front of
// the downstream services, plus the WebSocket upgrade for the realtime
// plane.
package gateway

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/tutorfleet/tutorfleet/pkg/auth"
	"github.com/tutorfleet/tutorfleet/pkg/config"
	"github.com/tutorfleet/tutorfleet/pkg/ratelimit"
	"github.com/tutorfleet/tutorfleet/pkg/realtime"
	"github.com/tutorfleet/tutorfleet/pkg/version"
)

// Server is the assembled gateway: router, policy middleware, proxy routes,
// and the realtime upgrade endpoint.
type Server struct {
	cfg      config.GatewayConfig
	verifier *auth.Verifier
	limiter  *ratelimit.Limiter
	hub      *realtime.Hub
	rdb      *redis.Client
	router   *gin.Engine
	proxies  []proxyRoute
	started  time.Time
}

// proxyRoute pairs a prefix with its proxy pipeline. The slice is ordered
// most-specific-first so overlapping prefixes resolve to the longest match.
type proxyRoute struct {
	prefix  string
	handler gin.HandlerFunc
}

// NewServer assembles the gateway from its collaborators and the routing
// table. Routes must already be sorted most-specific-first.
func NewServer(cfg config.GatewayConfig, routes []config.Route, verifier *auth.Verifier, limiter *ratelimit.Limiter, hub *realtime.Hub, rdb *redis.Client) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		verifier: verifier,
		limiter:  limiter,
		hub:      hub,
		rdb:      rdb,
		started:  time.Now(),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(cfg.CORSOrigins))
	router.Use(correlationMiddleware())

	router.GET("/health", s.health)
	router.GET("/ready", s.ready)
	router.GET("/ws", s.upgradeWS)

	for _, route := range routes {
		proxy, err := newProxy(route, cfg.ProxyTimeout, cfg.DevErrorHints)
		if err != nil {
			return nil, err
		}
		s.proxies = append(s.proxies, proxyRoute{prefix: route.Prefix, handler: proxy})
	}

	// Proxied paths overlap arbitrarily (longest prefix wins), which a
	// route tree cannot express; dispatch them by hand behind the policy
	// middleware instead.
	router.NoRoute(authMiddleware(verifier), rateLimitMiddleware(limiter), s.dispatch)

	s.router = router
	return s, nil
}

// dispatch routes a request to the first (longest) matching prefix.
func (s *Server) dispatch(c *gin.Context) {
	path := c.Request.URL.Path
	for _, pr := range s.proxies {
		if path == pr.prefix || strings.HasPrefix(path, pr.prefix+"/") {
			pr.handler(c)
			return
		}
	}
	c.JSON(http.StatusNotFound, errorBody("NOT_FOUND", "Route not found", ""))
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// health reports instance liveness and the realtime connection count.
func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"version":     version.Full(),
		"instanceId":  s.cfg.InstanceID,
		"connections": s.hub.ActiveConnections(),
		"uptime":      time.Since(s.started).Round(time.Second).String(),
	})
}

// ready reports readiness: the shared KV must be reachable, since both the
// limiter and the realtime registry depend on it.
func (s *Server) ready(c *gin.Context) {
	if err := s.rdb.Ping(c.Request.Context()).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "redis": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// upgradeWS authenticates and upgrades a realtime connection. Anonymous
// upgrades are refused; a capacity-exceeded instance closes the socket with
// a retry-later code inside the hub.
func (s *Server) upgradeWS(c *gin.Context) {
	raw := auth.FromAuthorizationHeader(c.GetHeader("Authorization"))
	if raw == "" {
		// Browsers cannot set headers on WebSocket dials; accept ?token too.
		raw = c.Query("token")
	}
	if raw == "" {
		c.JSON(http.StatusUnauthorized, errorBody(CodeUnauthorized, "Authentication required", ""))
		return
	}
	claims, err := s.verifier.Verify(raw)
	if err != nil {
		c.JSON(http.StatusUnauthorized, errorBody(CodeUnauthorized, "Invalid or expired token", ""))
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.CORSOrigins),
	})
	if err != nil {
		slog.Warn("WebSocket accept failed", "error", err)
		return
	}

	// Blocks until the socket closes.
	s.hub.HandleConnection(c.Request.Context(), conn, claims.UserID, claims.Role)
}

// originPatterns strips schemes off the CORS allow-list for the websocket
// origin check, which matches host patterns.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		for _, scheme := range []string{"https://", "http://"} {
			if len(o) > len(scheme) && o[:len(scheme)] == scheme {
				o = o[len(scheme):]
				break
			}
		}
		out = append(out, o)
	}
	return out
}
