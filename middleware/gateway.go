// middleware/gateway.go
package middleware

import (
	"crypto/subtle"
	"strings"

	"snapmap/logger"

	"github.com/gofiber/fiber/v2"
)

// ServiceToken guards the worker-facing routes. The token is read from
// X-Service-Token or a Bearer Authorization header. An empty expected token
// disables the routes entirely.
func ServiceToken(expected string) fiber.Handler {
	log := logger.Named("service_auth")
	if expected == "" {
		log.Warn().Msg("⚠️  INTERNAL_SERVICE_TOKEN is not set, internal routes are disabled")
		return func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Not found"})
		}
	}

	return func(c *fiber.Ctx) error {
		token := c.Get("X-Service-Token")
		if token == "" {
			token = strings.TrimPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
		}
		if token == "" {
			log.Warn().Str("path", c.Path()).Msg("🚫 [SERVICE_AUTH] missing service token")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "service token missing"})
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			log.Warn().Str("path", c.Path()).Msg("❌ [SERVICE_AUTH] invalid service token")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid service token"})
		}
		return c.Next()
	}
}
