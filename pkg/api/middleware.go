package api

import (
	"net/http"
	"sync"
	"time"

	echo "github.com/labstack/echo/v5"
	"golang.org/x/time/rate"
)

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// limiterIdleTTL is how long an unused per-chat limiter is kept.
const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// chatLimiter is a token bucket per chat id.
type chatLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu        sync.Mutex
	chats     map[string]*limiterEntry
	lastPrune time.Time
}

func newChatLimiter(perSecond float64, burst int) *chatLimiter {
	return &chatLimiter{
		limit: rate.Limit(perSecond),
		burst: burst,
		now:   time.Now,
		chats: make(map[string]*limiterEntry),
	}
}

// Allow reports whether one more request for chatID may proceed now.
func (l *chatLimiter) Allow(chatID string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastPrune) > time.Minute {
		for id, e := range l.chats {
			if now.Sub(e.lastSeen) > limiterIdleTTL {
				delete(l.chats, id)
			}
		}
		l.lastPrune = now
	}

	e, ok := l.chats[chatID]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.chats[chatID] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// rateLimitChat rejects requests for a chat once its bucket is empty.
func rateLimitChat(l *chatLimiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if !l.Allow(c.Param("id")) {
				c.Response().Header().Set("Retry-After", "1")
				return echo.NewHTTPError(http.StatusTooManyRequests, "too many run requests for this chat")
			}
			return next(c)
		}
	}
}
