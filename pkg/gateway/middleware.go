package gateway

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tutorfleet/tutorfleet/pkg/auth"
	"github.com/tutorfleet/tutorfleet/pkg/config"
	"github.com/tutorfleet/tutorfleet/pkg/ratelimit"
)

// CorrelationHeader names the header the correlation id travels on, end to
// end from ingress through the event pipeline.
const CorrelationHeader = "X-Correlation-ID"

// Context keys set by the middleware chain.
const (
	ctxCorrelationID = "correlation_id"
	ctxUserID        = "user_id"
	ctxRole          = "role"
)

// correlationMiddleware adopts the inbound correlation id or generates one,
// and stamps it on the request (for the proxy to forward) and the response.
func correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(CorrelationHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(ctxCorrelationID, id)
		c.Request.Header.Set(CorrelationHeader, id)
		c.Writer.Header().Set(CorrelationHeader, id)
		c.Next()
	}
}

// authMiddleware pre-validates bearer tokens. A present but expired or
// invalid token short-circuits with 401 before any downstream call; absence
// passes through, since some routes allow anonymous access and the services
// behind the gateway do their own authorization.
func authMiddleware(verifier *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := auth.FromAuthorizationHeader(c.GetHeader("Authorization"))
		if raw == "" {
			c.Next()
			return
		}

		claims, err := verifier.Verify(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				errorBody(CodeUnauthorized, "Invalid or expired token", ""))
			return
		}
		c.Set(ctxUserID, claims.UserID)
		c.Set(ctxRole, claims.Role)
		c.Next()
	}
}

// rateLimitMiddleware applies the role-aware limiter. Authenticated requests
// are keyed (userId, role); anonymous requests fall back to the client IP.
// Auth and OTP paths carry their own stricter budgets.
func rateLimitMiddleware(limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		class := limitClass(c)
		key := limitKey(c)

		d := limiter.Allow(c.Request.Context(), class, key)
		if !d.Allowed {
			c.Header("Retry-After", fmt.Sprintf("%d", int(d.RetryAfter.Seconds())+1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests,
				errorBody(CodeTooManyRequests, "Too many requests, please retry later", ""))
			return
		}
		c.Next()
	}
}

func limitClass(c *gin.Context) string {
	path := c.Request.URL.Path
	switch {
	case strings.HasPrefix(path, "/api/v1/auth/otp"):
		return config.LimitOTP
	case strings.HasPrefix(path, "/api/v1/auth"):
		return config.LimitAuth
	}
	if role := c.GetString(ctxRole); role != "" {
		return role
	}
	return config.LimitStudent
}

func limitKey(c *gin.Context) string {
	if userID := c.GetString(ctxUserID); userID != "" {
		return userID + ":" + c.GetString(ctxRole)
	}
	return "ip:" + c.ClientIP()
}

// corsMiddleware answers preflights and stamps the allow-list headers. Only
// origins on the configured list are admitted.
func corsMiddleware(origins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && allowed[origin] {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, "+CorrelationHeader)
			c.Header("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
