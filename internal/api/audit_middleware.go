package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/example/trust-ledger/internal/ledger"
	"github.com/example/trust-ledger/internal/security"
)

// requestRecord is the audit chain payload for one API call.
type requestRecord struct {
	Type          string `json:"type"`
	CorrelationID string `json:"cid"`
	Actor         string `json:"actor"`
	Method        string `json:"method"`
	Route         string `json:"route"`
	Path          string `json:"path"`
	Status        int    `json:"status"`
	DurationMS    int64  `json:"dur_ms"`
}

// AuditMiddleware appends every authenticated request to the audit chain.
// It must run after Authenticate so the actor is known.
func AuditMiddleware(a Auditor, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			start := time.Now()
			next.ServeHTTP(sw, r)
			dur := time.Since(start)

			route := ""
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				route = rctx.RoutePattern()
			}
			_, err := a.AppendJSON(requestRecord{
				Type:          "http.request",
				CorrelationID: security.CorrelationIDFromContext(r.Context()),
				Actor:         ledger.ActorFrom(r.Context()),
				Method:        r.Method,
				Route:         route,
				Path:          r.URL.Path,
				Status:        sw.status,
				DurationMS:    dur.Milliseconds(),
			})
			if err != nil && logger != nil {
				logger.Error("audit append failed", "path", r.URL.Path, "error", err)
			}
		})
	}
}
