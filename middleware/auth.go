// middleware/auth.go
package middleware

import (
	"errors"
	"strings"
	"time"

	"snapmap/apperrors"
	"snapmap/logger"
	"snapmap/models"
	"snapmap/services"
	"snapmap/telegram"

	"github.com/gofiber/fiber/v2"
)

const (
	errMissingHeader = "Authorization header is missing"
	errHeaderFormat  = "Invalid Authorization header format. Expected 'tma <initData>'"
)

// InitDataConfig holds what launch data verification needs
type InitDataConfig struct {
	BotToken string
	MaxAge   time.Duration
	// Now is used for the freshness check, time.Now when nil
	Now func() time.Time
}

func (cfg InitDataConfig) now() time.Time {
	if cfg.Now != nil {
		return cfg.Now()
	}
	return time.Now()
}

// TelegramAuth verifies "Authorization: tma <initData>" and stores the
// verified launch data in the request locals.
func TelegramAuth(cfg InitDataConfig) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
		if header == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": errMissingHeader})
		}

		scheme, raw, ok := strings.Cut(header, " ")
		raw = strings.TrimSpace(raw)
		if !ok || !strings.EqualFold(scheme, "tma") || raw == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": errHeaderFormat})
		}
		return verifyInitData(c, cfg, raw)
	}
}

func verifyInitData(c *fiber.Ctx, cfg InitDataConfig, raw string) error {
	switch res := telegram.Authenticate(raw, cfg.BotToken, cfg.MaxAge, cfg.now()).(type) {
	case telegram.Valid:
		c.Locals(services.LocalsInitData, res.Data)
		return c.Next()
	case telegram.Invalid:
		logger.Named("auth").Debug().Str("path", c.Path()).Str("reason", res.Reason).Bool("expired", res.Expired()).
			Msg("[Auth] 🚫 rejected launch data")
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": res.Reason})
	default:
		return fiber.ErrUnauthorized
	}
}

// ResolveUser runs after TelegramAuth and loads or creates the caller's user
func ResolveUser(users *services.UserService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		user, err := users.ResolveUser(c.UserContext(), services.InitData(c))
		if err != nil {
			if errors.Is(err, telegram.ErrMalformedUser) {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": apperrors.PublicMessage(err)})
			}
			return err
		}
		c.Locals(services.LocalsUser, user)
		return c.Next()
	}
}

// RequireRole rejects callers whose resolved user lacks role
func RequireRole(role models.Role) fiber.Handler {
	return func(c *fiber.Ctx) error {
		user := services.CurrentUser(c)
		if user == nil || user.Role != role {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": services.ErrForbidden.Message()})
		}
		return c.Next()
	}
}
