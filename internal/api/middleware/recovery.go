package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/kiranshivaraju/conductor/internal/api/response"
)

// panicGuard tracks whether the handler already started the response.
type panicGuard struct {
	http.ResponseWriter
	wrote bool
}

func (g *panicGuard) WriteHeader(code int) {
	g.wrote = true
	g.ResponseWriter.WriteHeader(code)
}

func (g *panicGuard) Write(b []byte) (int, error) {
	g.wrote = true
	return g.ResponseWriter.Write(b)
}

func (g *panicGuard) Flush() {
	if f, ok := g.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		guard := &panicGuard{ResponseWriter: w}
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic recovered",
					"error", err,
					"stack", string(debug.Stack()),
					"method", r.Method,
					"path", r.URL.Path,
				)
				// A panic inside a follow stream arrives after the
				// response has started; appending an error envelope to a
				// half-written NDJSON body would corrupt it.
				if !guard.wrote {
					response.Error(guard, http.StatusInternalServerError,
						"INTERNAL_ERROR", "An unexpected error occurred", "")
				}
			}
		}()
		next.ServeHTTP(guard, r)
	})
}
