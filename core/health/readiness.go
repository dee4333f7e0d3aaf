package health

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/forgeworks/workq/core/logger"
)

// Check reports whether one dependency is usable.
type Check func(context.Context) error

// Readiness returns 200 "READY" when every check passes and 503 otherwise.
// Checks run in order and stop at the first failure.
//
//	mux.Handle("/readyz", health.Readiness(log, svc.Healthcheck, redis.Healthcheck(client)))
func Readiness(log *slog.Logger, checks ...Check) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for _, check := range checks {
			if err := check(r.Context()); err != nil {
				if log != nil {
					log.ErrorContext(r.Context(), "readiness check failed",
						logger.Component("health"),
						logger.Error(err))
				}
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("NOT READY"))
				return
			}
		}
		_, _ = w.Write([]byte("READY"))
	})
}
