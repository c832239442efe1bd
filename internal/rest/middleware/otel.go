package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Opentelemetry traces and measures every request with the global providers.
// Spans are named after the matched chi route.
func Opentelemetry(service string) func(next http.Handler) http.Handler {
	return otelhttp.NewMiddleware(service, otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				return r.Method + " " + pattern
			}
		}
		return operation + " " + r.Method
	}))
}
