package rest

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/onrepeat/internal/infra/metrics"
)

// adminAuth validates the admin token header. With no token configured the
// admin routes are disabled.
func adminAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeError(w, http.StatusForbidden, "admin token not configured")
				return
			}
			got := r.Header.Get(AdminTokenHeader)
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid admin token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestMetrics records the duration of each request by route pattern.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		metrics.RecordAPIRequest(r.Method, route, status, elapsed)
		zlog.Debug().Msgf("%s %s -> %d (%s) req=%s", r.Method, r.URL.Path, status, elapsed, chimiddleware.GetReqID(r.Context()))
	})
}
