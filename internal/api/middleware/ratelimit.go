package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/kiranshivaraju/conductor/internal/api/response"
	"github.com/kiranshivaraju/conductor/internal/cache"
	"github.com/kiranshivaraju/conductor/pkg/models"
)

const (
	defaultRequestsPerMinute = 60

	// Providers push batched state updates for every job they run, so the
	// control plane gets a much larger budget than interactive users.
	providerBudgetFactor = 10

	rateLimitWindow = time.Minute
)

// RateLimit applies a fixed-window per-actor limit backed by Redis.
type RateLimit struct {
	cache          cache.Cache
	requestsPerMin int
}

func NewRateLimit(c cache.Cache, requestsPerMin int) *RateLimit {
	if requestsPerMin <= 0 {
		requestsPerMin = defaultRequestsPerMinute
	}
	return &RateLimit{cache: c, requestsPerMin: requestsPerMin}
}

func (rl *RateLimit) budgetFor(actor models.Actor) int {
	if actor.Role == models.RoleProvider {
		return rl.requestsPerMin * providerBudgetFactor
	}
	return rl.requestsPerMin
}

// Limit counts requests per authenticated actor. Redis being unreachable
// must never take the API down with it, so counter errors fail open.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := GetActor(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		budget := rl.budgetFor(actor)
		key := cache.RateLimitKey(string(actor.Role) + ":" + actor.Username)
		count, err := rl.cache.IncrWithExpiry(r.Context(), key, rateLimitWindow)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		remaining := budget - int(count)
		if remaining < 0 {
			remaining = 0
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(budget))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(rateLimitWindow).Unix(), 10))

		if count > int64(budget) {
			w.Header().Set("Retry-After", "60")
			response.Error(w, http.StatusTooManyRequests,
				"RATE_LIMIT_EXCEEDED", "Too many requests", "")
			return
		}

		next.ServeHTTP(w, r)
	})
}
