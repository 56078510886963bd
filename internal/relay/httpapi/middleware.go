package httpapi

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/syncwell/recordsync/internal/common"
	"github.com/syncwell/recordsync/internal/relay/auth"
	"github.com/syncwell/recordsync/internal/relay/metrics"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Preserve hijacking support (needed for the subscribe websocket).
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := r.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sr, r)

		duration := time.Since(start).Seconds()
		path := r.URL.Path
		method := r.Method
		statusStr := strconv.Itoa(sr.status)

		metrics.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
		metrics.HTTPRequestDurationSeconds.WithLabelValues(method, path).Observe(duration)
	})
}

// Small local helpers so we don't import another package
type accountKey struct{}

func contextWithAccount(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountKey{}, accountID)
}

// AccountFrom returns the authenticated account id stored by the auth
// middleware.
func AccountFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(accountKey{}).(string)
	return v, ok
}

// withAuth verifies the bearer access token and stores the account id in the
// request context. Requests without a valid token never reach the handlers.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(common.AuthorizationHeaderName)
		if !strings.HasPrefix(raw, common.BearerPrefix) {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		tokStr := strings.TrimSpace(raw[len(common.BearerPrefix):])

		accountID, err := auth.GetAccountIDFromToken(tokStr, s.secretKey)
		if err != nil {
			s.logger.Warn(r.Context(), "auth failed", "error", err)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := contextWithAccount(r.Context(), accountID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
