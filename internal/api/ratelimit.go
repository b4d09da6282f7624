package api

import (
	"net/http"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// userLimiter hands out one token bucket per user.
type userLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newUserLimiter(perSecond float64, burst int) *userLimiter {
	return &userLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (l *userLimiter) get(userID string) *rate.Limiter {
	l.mu.RLock()
	limiter, ok := l.limiters[userID]
	l.mu.RUnlock()
	if ok {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok = l.limiters[userID]; ok {
		return limiter
	}
	limiter = rate.NewLimiter(l.limit, l.burst)
	l.limiters[userID] = limiter
	return limiter
}

func (l *userLimiter) Allow(userID string) bool {
	return l.get(userID).Allow()
}

// limited rejects requests of users that exceeded their mutation budget.
func (h *Handler) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := userFrom(r)
		if userID != "" && !h.limiter.Allow(userID) {
			h.logger.Warn("rate limit exceeded",
				zap.String("userId", userID),
				zap.String("path", r.URL.Path))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}
