package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const rateLimitPrefix = "rl:writes:"

var now = time.Now

// RateLimit caps unsafe requests per caller and minute using a Redis counter.
// The caller is the authenticated subject, or the client IP before
// authentication. Without Redis, or when Redis fails, requests pass through.
func RateLimit(cache *redis.Client, maxPerMin int, logger *slog.Logger) fiber.Handler {
	if maxPerMin <= 0 {
		maxPerMin = 60
	}
	return func(c *fiber.Ctx) error {
		if cache == nil {
			return c.Next()
		}
		switch strings.ToUpper(c.Method()) {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
			return c.Next()
		}

		caller, _ := c.Locals(SubjectKey).(string)
		if caller == "" {
			caller = c.IP()
		}
		window := now().Unix() / 60
		key := rateLimitPrefix + caller + ":" + strconv.FormatInt(window, 10)

		var incr *redis.IntCmd
		_, err := cache.TxPipelined(c.UserContext(), func(pipe redis.Pipeliner) error {
			incr = pipe.Incr(c.UserContext(), key)
			pipe.Expire(c.UserContext(), key, 2*time.Minute)
			return nil
		})
		if err != nil {
			if logger != nil {
				logger.Warn("rate limit lookup failed", slog.String("caller", caller), slog.Any("error", err))
			}
			return c.Next()
		}
		if incr.Val() > int64(maxPerMin) {
			c.Set(fiber.HeaderRetryAfter, strconv.FormatInt(60-now().Unix()%60, 10))
			return fiber.NewError(http.StatusTooManyRequests, "too many requests, try again later")
		}
		return c.Next()
	}
}
