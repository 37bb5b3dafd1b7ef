package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/relayboard/botqueue/internal/domain"
	redisstore "github.com/relayboard/botqueue/internal/redis"
	"github.com/relayboard/botqueue/pkg/telemetry"
)

// RateLimit throttles task creation per project. A request without a
// projectID route param passes through untouched, and so does every
// request when Redis is unreachable: throttling is protection, not a
// dependency.
func RateLimit(limiter redisstore.RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			projectID := chi.URLParam(r, "projectID")
			if projectID == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed, err := limiter.Allow(r.Context(), projectID)
			if err != nil {
				logger.Warn("rate limiter unavailable", slog.String("error", err.Error()))
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				telemetry.APIRateLimitedTotal.Inc()
				logger.Warn("task creation throttled", slog.String("project_id", projectID))

				rateErr := &domain.RateLimitExceededError{ProjectID: projectID, Limit: limiter.Limit()}
				body, _ := json.Marshal(map[string]string{"error": rateErr.Error()})
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write(body)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
