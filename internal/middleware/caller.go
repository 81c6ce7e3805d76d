package middleware

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

const callerLocal = "caller"

// CallerAuth requires an HS256 bearer token issued to a calling service. The token
// subject identifies the caller in logs and rate limits. It does not authorize
// access to particular accounts.
func CallerAuth(secret []byte) fiber.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	keyFunc := func(*jwt.Token) (any, error) { return secret, nil }

	return func(c *fiber.Ctx) error {
		authz := c.Get(fiber.HeaderAuthorization)
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return unauthorized(c, "missing bearer token")
		}
		tokenStr := strings.TrimSpace(authz[len("Bearer "):])

		token, err := parser.Parse(tokenStr, keyFunc)
		if err != nil || !token.Valid {
			return unauthorized(c, "invalid token")
		}
		sub, err := token.Claims.GetSubject()
		if err != nil || sub == "" {
			return unauthorized(c, "token has no subject")
		}

		c.Locals(callerLocal, sub)
		return c.Next()
	}
}

// Caller returns the authenticated caller, or "" when caller auth is disabled.
func Caller(c *fiber.Ctx) string {
	caller, _ := c.Locals(callerLocal).(string)
	return caller
}

func unauthorized(c *fiber.Ctx, msg string) error {
	return c.Status(http.StatusUnauthorized).JSON(fiber.Map{"error": msg, "code": "unauthorized"})
}
