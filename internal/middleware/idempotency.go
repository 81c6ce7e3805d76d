package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	replayedHeader       = "Idempotent-Replayed"
	idempotencyPrefix    = "idempotency:v1:"
	inProgressMarker     = "__in_progress__"
	cacheTimeout         = 2 * time.Second
)

type storedResponse struct {
	// Fingerprint is the sha256 of the request body that produced the response.
	Fingerprint string            `json:"fingerprint"`
	Status      int               `json:"status"`
	Body        string            `json:"body"`
	Headers     map[string]string `json:"headers"`
}

func fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Idempotency replays the stored response of a successful unsafe request that is retried with
// the same Idempotency-Key, path and body. Only 2xx responses are stored, so a request that
// failed may be retried with its original key. A retry with a different body bypasses the
// cache and is judged by the handler. The ledger enforces idempotency on its own; this
// layer saves the round trip to the store and returns byte-identical responses.
func Idempotency(cache *redis.Client, ttl time.Duration, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		method := strings.ToUpper(c.Method())
		switch method {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
			return c.Next()
		}

		key := c.Get(idempotencyKeyHeader)
		if key == "" {
			return c.Status(http.StatusBadRequest).JSON(fiber.Map{
				"error": "missing Idempotency-Key header",
				"code":  "missing_idempotency_key",
			})
		}

		ctx, cancel := context.WithTimeout(context.Background(), cacheTimeout)
		defer cancel()

		cacheKey := idempotencyPrefix + method + ":" + c.Path() + ":" + key
		bodyHash := fingerprint(c.Body())

		cached, err := cache.Get(ctx, cacheKey).Result()
		if err == nil {
			if cached == inProgressMarker {
				return c.Status(http.StatusConflict).JSON(fiber.Map{
					"error": "duplicate request currently processing",
					"code":  "request_in_progress",
				})
			}

			var stored storedResponse
			if err := json.Unmarshal([]byte(cached), &stored); err != nil {
				logger.Warn("failed to decode stored idempotent response", slog.String("key", key), slog.Any("error", err))
				return c.Next()
			}
			if stored.Fingerprint != bodyHash {
				logger.Debug("idempotency key reused with a different body", slog.String("key", key))
				return c.Next()
			}

			for header, value := range stored.Headers {
				if strings.EqualFold(header, fiber.HeaderContentLength) {
					continue
				}
				c.Set(header, value)
			}
			c.Set(replayedHeader, "true")
			return c.Status(stored.Status).SendString(stored.Body)
		}

		if err != redis.Nil {
			// The ledger is still idempotent without the cache.
			logger.Warn("idempotency lookup failed", slog.String("key", key), slog.Any("error", err))
			return c.Next()
		}

		reserved, err := cache.SetNX(ctx, cacheKey, inProgressMarker, ttl).Result()
		if err != nil {
			logger.Warn("idempotency reservation failed", slog.String("key", key), slog.Any("error", err))
			return c.Next()
		}
		if !reserved {
			return c.Status(http.StatusConflict).JSON(fiber.Map{
				"error": "duplicate request currently processing",
				"code":  "request_in_progress",
			})
		}

		release := func() {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), cacheTimeout)
			defer cancel()
			cache.Del(cleanupCtx, cacheKey) // best effort cleanup
		}

		if err := c.Next(); err != nil {
			release()
			return err
		}

		status := c.Response().StatusCode()
		if status < 200 || status >= 300 {
			release()
			return nil
		}

		stored := storedResponse{
			Fingerprint: bodyHash,
			Status:      status,
			Body:        string(c.Response().Body()),
			Headers:     map[string]string{},
		}

		c.Response().Header.VisitAll(func(k, v []byte) {
			stored.Headers[string(k)] = string(v)
		})

		payload, err := json.Marshal(stored)
		if err != nil {
			logger.Error("failed to encode idempotent response", slog.String("key", key), slog.Any("error", err))
			release()
			return nil
		}

		persistCtx, persistCancel := context.WithTimeout(context.Background(), cacheTimeout)
		defer persistCancel()

		if err := cache.Set(persistCtx, cacheKey, payload, ttl).Err(); err != nil {
			logger.Error("failed to persist idempotent response", slog.String("key", key), slog.Any("error", err))
			release()
		}

		return nil
	}
}
