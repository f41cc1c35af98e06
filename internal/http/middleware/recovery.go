package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/jmylchreest/hubstream/internal/observability"
)

// Recovery is a middleware that recovers from panics and logs the error.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					// Let the server handle aborted responses
					if err == http.ErrAbortHandler {
						panic(err)
					}
					// Get request ID if available
					observability.WithRequestID(logger, GetRequestID(r.Context())).
						ErrorContext(r.Context(), "panic recovered",
							slog.Any("error", err),
							slog.String("stack", string(debug.Stack())),
							slog.String("method", r.Method),
							slog.String("path", r.URL.Path),
						)

					// Return 500 Internal Server Error
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
