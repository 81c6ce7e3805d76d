package middleware

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// MutationRateLimit caps mutations per caller (or client IP) per minute using Redis.
// The counter and its expiry are set in one MULTI so a window key never outlives its minute.
// It is a no-op without Redis or with a non-positive limit, and fails open on cache errors.
func MutationRateLimit(cache *redis.Client, maxPerMin int) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if cache == nil || maxPerMin <= 0 {
			return c.Next()
		}
		who := Caller(c)
		if who == "" {
			who = c.IP()
		}
		window := time.Now().UTC().Format("200601021504")
		key := "rl:coins:" + who + ":" + window
		var incr *redis.IntCmd
		_, err := cache.TxPipelined(c.UserContext(), func(pipe redis.Pipeliner) error {
			incr = pipe.Incr(c.UserContext(), key)
			pipe.Expire(c.UserContext(), key, time.Minute)
			return nil
		})
		if err != nil {
			return c.Next()
		}
		if incr.Val() > int64(maxPerMin) {
			return c.Status(http.StatusTooManyRequests).JSON(fiber.Map{
				"error": "too many coin mutations, try again later",
				"code":  "rate_limited",
			})
		}
		return c.Next()
	}
}
