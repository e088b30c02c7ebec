package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tutorfleet/tutorfleet/pkg/config"
)

// newProxy builds the reverse proxy pipeline for one route: streaming
// passthrough to the resolved target, with the matched prefix optionally
// rewritten and gateway error envelopes on upstream failure.
func newProxy(route config.Route, timeout time.Duration, devHints bool) (gin.HandlerFunc, error) {
	target, err := url.Parse(route.TargetURL())
	if err != nil {
		return nil, fmt.Errorf("route %s: bad target %q: %w", route.Prefix, route.TargetURL(), err)
	}
	log := slog.With("route", route.Prefix, "service", route.Service)

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			if route.Rewrite != "" {
				pr.Out.URL.Path = route.Rewrite + strings.TrimPrefix(pr.In.URL.Path, route.Prefix)
			}
			// Correlation id was stamped on the inbound request by the
			// middleware; carry it downstream explicitly.
			pr.Out.Header.Set(CorrelationHeader, pr.In.Header.Get(CorrelationHeader))
		},
		Transport: &http.Transport{
			ResponseHeaderTimeout: timeout,
		},
		// Upstream 5xx bodies never reach clients; 4xx passes through
		// untouched since downstream owns fine-grained authorization.
		ModifyResponse: func(resp *http.Response) error {
			if resp.StatusCode < http.StatusInternalServerError {
				return nil
			}
			log.Warn("Normalizing upstream 5xx", "status", resp.StatusCode, "path", resp.Request.URL.Path,
				"correlation_id", resp.Request.Header.Get(CorrelationHeader))

			hint := ""
			if devHints {
				hint = fmt.Sprintf("upstream returned %d", resp.StatusCode)
			}
			body, err := json.Marshal(errorBody(CodeServiceUnavailable, "Service temporarily unavailable", hint))
			if err != nil {
				return err
			}
			resp.Body.Close()
			resp.StatusCode = http.StatusBadGateway
			resp.Status = http.StatusText(http.StatusBadGateway)
			resp.Body = io.NopCloser(bytes.NewReader(body))
			resp.ContentLength = int64(len(body))
			resp.Header = http.Header{
				"Content-Type":   {"application/json"},
				"Content-Length": {strconv.Itoa(len(body))},
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			status := http.StatusBadGateway
			code := CodeServiceUnavailable
			message := "Service temporarily unavailable"
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(r.Context().Err(), context.DeadlineExceeded) {
				status = http.StatusGatewayTimeout
				code = CodeRequestTimeout
				message = "Upstream request timed out"
			}
			log.Warn("Proxy error", "path", r.URL.Path, "error", err,
				"correlation_id", r.Header.Get(CorrelationHeader))

			hint := ""
			if devHints {
				hint = err.Error()
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(errorBody(code, message, hint))
		},
	}

	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		proxy.ServeHTTP(c.Writer, c.Request.WithContext(ctx))
	}, nil
}
