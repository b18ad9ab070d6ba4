// middleware/sse_auth.go
package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// SSEInitData is TelegramAuth for EventSource clients, which cannot set
// headers. The launch data comes from the initData query parameter.
//
// Usage:
//
//	app.Get("/api/uploads/verify/events", middleware.SSEInitData(cfg), middleware.ResolveUser(users), stream.StreamVerificationEvents)
func SSEInitData(cfg InitDataConfig) fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := strings.TrimSpace(c.Query("initData"))
		if raw == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Missing initData in query"})
		}
		return verifyInitData(c, cfg, raw)
	}
}
