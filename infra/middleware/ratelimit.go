package middleware

import (
	"fmt"

	"verifier_server/pkg/ratelimit"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// RateLimit throttles requests per account (falling back to client IP
// before auth runs) with a Redis sliding window.
func RateLimit(redisClient *redis.Client, requestsPerSecond, burstSize int) fiber.Handler {
	limiter := ratelimit.NewSlidingWindowLimiter(redisClient, requestsPerSecond, burstSize)

	return func(c *fiber.Ctx) error {
		key := c.IP()
		if username, ok := c.Locals("username").(string); ok && username != "" {
			key = username
		}

		allowed, retryAfter := limiter.Allow(c.Context(), key)
		if !allowed {
			c.Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "rate limit exceeded",
				"code":  "RATE_LIMITED",
			})
		}
		return c.Next()
	}
}
